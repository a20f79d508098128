package lock

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func TestTryAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loop.lock")

	l, err := TryAcquire(path)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected lock file to exist: %v", err)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected lock file removed after release")
	}
}

func TestTryAcquireFailsNonBlockingWhenHeldByLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loop.lock")

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	_, err := TryAcquire(path)
	if _, ok := err.(*ErrHeld); !ok {
		t.Fatalf("expected *ErrHeld, got %v", err)
	}
}

func TestTryAcquireReclaimsStaleLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loop.lock")

	// A pid astronomically unlikely to be alive in the test sandbox.
	if err := os.WriteFile(path, []byte("999999"), 0o644); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	l, err := TryAcquire(path)
	if err != nil {
		t.Fatalf("expected reclaim of stale lock, got error: %v", err)
	}
	_ = l.Release()
}

func TestWaitForReleaseReturnsImmediatelyIfAlreadyGone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loop.lock")
	if err := WaitForRelease(path, time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWaitForReleaseUnblocksOnRemoval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loop.lock")
	l, err := TryAcquire(path)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- WaitForRelease(path, 5*time.Second) }()

	time.Sleep(100 * time.Millisecond)
	if err := l.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error waiting for release: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for WaitForRelease to unblock")
	}
}
