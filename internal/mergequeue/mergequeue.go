// Package mergequeue implements the durable, event-sourced merge
// queue of spec.md §4.O: secondary loops append a ready entry on
// completion; the primary drains the queue strictly in order, one
// merge at a time, delegating each merge to the merge-hat collection
// (internal/mergehats). Every state transition is a newly appended
// JSONL record — current state is the reduction of a loop id's records.
package mergequeue

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hats-run/hats/pkg/models"
)

// record is one appended transition. Status carries the new state;
// Attempts/LastError accumulate across records for the same LoopID.
type record struct {
	LoopID         string           `json:"loop_id"`
	ReadyTimestamp time.Time        `json:"ready_timestamp"`
	Status         models.LoopState `json:"status"`
	LastError      string           `json:"last_error,omitempty"`
}

// Queue is the append-only JSONL merge queue file.
type Queue struct {
	mu   sync.Mutex
	path string
}

// Open returns a Queue backed by path.
func Open(path string) (*Queue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mergequeue: create dir: %w", err)
	}
	return &Queue{path: path}, nil
}

// Enqueue appends a ready entry for loopID. POSIX append is atomic for
// writes under PIPE_BUF, so concurrent secondary loops never interleave.
func (q *Queue) Enqueue(loopID string) error {
	return q.append(record{LoopID: loopID, ReadyTimestamp: time.Now().UTC(), Status: models.LoopQueued})
}

// MarkOwned records that loopID's merge-hat workflow has started —
// the entry is "owned" until a terminal status is appended. A crash
// mid-merge leaves it owned-but-stale, visible via Entries' Attempts.
func (q *Queue) MarkOwned(loopID string) error {
	return q.append(record{LoopID: loopID, ReadyTimestamp: time.Now().UTC(), Status: models.LoopMerging})
}

// MarkMerged records a successful merge.
func (q *Queue) MarkMerged(loopID string) error {
	return q.append(record{LoopID: loopID, ReadyTimestamp: time.Now().UTC(), Status: models.LoopMerged})
}

// MarkNeedsReview records that the merge-hat workflow's failure_handler
// gave up and the loop needs a human (merge.failed/unresolvable/test.failed).
func (q *Queue) MarkNeedsReview(loopID, lastError string) error {
	return q.append(record{LoopID: loopID, ReadyTimestamp: time.Now().UTC(), Status: models.LoopNeedsReview, LastError: lastError})
}

func (q *Queue) append(r record) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	f, err := os.OpenFile(q.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("mergequeue: open for append: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("mergequeue: encode: %w", err)
	}
	return nil
}

// Entry is the reduced, current state of one queue entry.
type Entry struct {
	LoopID         string
	ReadyTimestamp time.Time
	Status         models.LoopState
	Attempts       int
	LastError      string
}

// Entries reduces the append log into current per-loop state, in
// first-ready order (spec.md's strict-order drain requirement).
func (q *Queue) Entries() ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	f, err := os.Open(q.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mergequeue: open: %w", err)
	}
	defer f.Close()

	order := []string{}
	byID := map[string]*Entry{}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r record
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("mergequeue: corrupt record: %w", err)
		}

		e, ok := byID[r.LoopID]
		if !ok {
			e = &Entry{LoopID: r.LoopID, ReadyTimestamp: r.ReadyTimestamp}
			byID[r.LoopID] = e
			order = append(order, r.LoopID)
		}
		if r.Status == models.LoopMerging {
			e.Attempts++
		}
		e.Status = r.Status
		if r.LastError != "" {
			e.LastError = r.LastError
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("mergequeue: scan: %w", err)
	}

	out := make([]Entry, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

// NextReady returns the oldest entry still in LoopQueued state (the
// strict FIFO drain target), or false if none is ready.
func (q *Queue) NextReady() (Entry, bool, error) {
	entries, err := q.Entries()
	if err != nil {
		return Entry{}, false, err
	}
	for _, e := range entries {
		if e.Status == models.LoopQueued {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

// StaleOwned returns entries left in LoopMerging state by a crashed
// merge — candidates for retry on the next primary completion.
func (q *Queue) StaleOwned() ([]Entry, error) {
	entries, err := q.Entries()
	if err != nil {
		return nil, err
	}
	var stale []Entry
	for _, e := range entries {
		if e.Status == models.LoopMerging {
			stale = append(stale, e)
		}
	}
	return stale, nil
}
