// Package eventlog implements the append-only events.jsonl history
// file spec.md §4.Q and the data-flow table describe: every event
// dispatched by the bus is appended here before the hat runs, giving
// resume a durable record to replay from last_event_index onward.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hats-run/hats/pkg/models"
)

// Log is the append-only events.jsonl writer/reader.
type Log struct {
	mu   sync.Mutex
	path string
}

// Open returns a Log backed by path, creating its parent directory.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: create dir: %w", err)
	}
	return &Log{path: path}, nil
}

// Append writes ev as the next record. POSIX append is atomic for
// writes under PIPE_BUF, so this is safe against interleaved writers
// only if the caller serializes them (the loop's own history, never
// written from two loops at once).
func (l *Log) Append(ev models.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("eventlog: open for append: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	if err := enc.Encode(ev); err != nil {
		return fmt.Errorf("eventlog: encode: %w", err)
	}
	return nil
}

// ReadAll returns every event recorded so far, in append order. It
// returns (nil, nil) if the log does not exist yet (a fresh loop).
func (l *Log) ReadAll() ([]models.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readAllLocked()
}

func (l *Log) readAllLocked() ([]models.Event, error) {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("eventlog: open: %w", err)
	}
	defer f.Close()

	var out []models.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev models.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return out, &TruncatedError{Err: err, RecordsRead: len(out)}
		}
		out = append(out, ev)
	}
	if err := scanner.Err(); err != nil {
		return out, &TruncatedError{Err: err, RecordsRead: len(out)}
	}
	return out, nil
}

// ReadFrom returns events at or after index. The `events` command uses
// it to print the log from an offset; checkpoint.Resume reads the whole
// log with ReadAll and picks events by the indices in the checkpoint.
func (l *Log) ReadFrom(index int) ([]models.Event, error) {
	all, err := l.ReadAll()
	if err != nil {
		return nil, err
	}
	if index < 0 {
		index = 0
	}
	if index >= len(all) {
		return nil, nil
	}
	return all[index:], nil
}

// TruncatedError indicates the log could not be fully parsed —
// spec.md §4.Q calls for treating this as "incoherent history" and
// falling back to a fresh session rather than failing resume outright.
type TruncatedError struct {
	Err         error
	RecordsRead int
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("eventlog: truncated or incoherent after %d records: %v", e.RecordsRead, e.Err)
}

func (e *TruncatedError) Unwrap() error { return e.Err }
