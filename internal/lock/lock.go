// Package lock implements the repository-wide advisory loop.lock file
// that arbitrates the single primary loop (spec.md §4.L/§4.M). Second
// and subsequent loops never block on this lock — TryAcquire fails
// over immediately so the caller can switch to worktree mode.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Lock is a held or observed loop.lock file.
type Lock struct {
	path string
}

// ErrHeld is returned by TryAcquire when another live process holds
// the lock.
type ErrHeld struct {
	HolderPID int
}

func (e *ErrHeld) Error() string {
	return fmt.Sprintf("lock: held by pid %d", e.HolderPID)
}

// TryAcquire attempts a non-blocking acquire of path. If the file
// exists and names a PID that is still alive, it returns *ErrHeld
// immediately (never blocks). If the file exists but its PID is dead
// (stale), it reclaims the lock.
func TryAcquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("lock: create dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if !os.IsExist(err) {
			return nil, fmt.Errorf("lock: create: %w", err)
		}
		return reclaimIfStale(path)
	}
	defer f.Close()

	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("lock: write pid: %w", err)
	}

	return &Lock{path: path}, nil
}

func reclaimIfStale(path string) (*Lock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("lock: read existing: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, &ErrHeld{HolderPID: -1}
	}

	if processAlive(pid) {
		return nil, &ErrHeld{HolderPID: pid}
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return nil, fmt.Errorf("lock: reclaim write: %w", err)
	}
	return &Lock{path: path}, nil
}

// processAlive checks liveness via the signal-0 idiom: sending signal
// 0 performs no action but still reports ESRCH if the pid is gone.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Release removes the lock file. Safe to call once; a second call
// returns an error since the file is already gone.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil {
		return fmt.Errorf("lock: release: %w", err)
	}
	return nil
}

// WaitForRelease blocks until path is removed or timeout elapses,
// using fsnotify to watch for the remove event rather than polling.
func WaitForRelease(path string, timeout time.Duration) error {
	dir := filepath.Dir(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("lock: watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("lock: watch dir: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("lock: watcher closed")
			}
			if ev.Name == path && (ev.Op&fsnotify.Remove != 0 || ev.Op&fsnotify.Rename != 0) {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("lock: watcher closed")
			}
			return fmt.Errorf("lock: watch error: %w", err)
		case <-deadline:
			return fmt.Errorf("lock: timed out waiting for release of %s", path)
		}
	}
}
