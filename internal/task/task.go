// Package task implements the JSONL task store described in spec.md
// §4.E: every write appends a full record (including tombstones for
// closes), and the current state of a task is whichever record with
// its ID appeared last — latest-wins over the append log.
package task

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

// Store is a JSONL-backed append-only task log.
type Store struct {
	mu   sync.Mutex
	path string
}

// Open returns a Store backed by path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("task: create dir: %w", err)
	}
	return &Store{path: path}, nil
}

// Add appends a new open task and returns it with ID/timestamps filled in.
func (s *Store) Add(title, description string, priority int, loopID string) (models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	t := models.Task{
		ID:          fmt.Sprintf("%s-%d", now.Format("20060102T150405"), now.Nanosecond()),
		Title:       title,
		Description: description,
		Priority:    priority,
		Status:      models.TaskOpen,
		LoopID:      loopID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.append(t); err != nil {
		return models.Task{}, err
	}
	return t, nil
}

// Update appends a new revision of an existing task (latest-wins).
func (s *Store) Update(t models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.UpdatedAt = time.Now().UTC()
	return s.append(t)
}

// Close appends a tombstone revision marking id as TaskClosed.
func (s *Store) Close(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.reduceLocked()
	if err != nil {
		return err
	}
	t, ok := current[id]
	if !ok {
		return fmt.Errorf("task: no task with id %q", id)
	}
	t.Status = models.TaskClosed
	t.UpdatedAt = time.Now().UTC()
	return s.append(t)
}

// List returns every current (latest-wins) task matching filter, or
// every task if filter is nil.
func (s *Store) List(filter func(models.Task) bool) ([]models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.reduceLocked()
	if err != nil {
		return nil, err
	}

	var out []models.Task
	for _, t := range current {
		if filter == nil || filter(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

// Ready returns every open task whose blockers are all closed tasks
// that exist in the store — spec.md §8 invariant 6.
func (s *Store) Ready() ([]models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.reduceLocked()
	if err != nil {
		return nil, err
	}

	var out []models.Task
	for _, t := range current {
		if t.Status != models.TaskOpen {
			continue
		}
		if allBlockersClosed(current, t.Blockers) {
			out = append(out, t)
		}
	}
	return out, nil
}

func allBlockersClosed(current map[string]models.Task, blockers []string) bool {
	for _, b := range blockers {
		blocker, ok := current[b]
		if !ok || blocker.Status != models.TaskClosed {
			return false
		}
	}
	return true
}

func (s *Store) append(t models.Task) error {
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("task: open for append: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	if err := enc.Encode(t); err != nil {
		return fmt.Errorf("task: encode: %w", err)
	}
	return nil
}

func (s *Store) reduceLocked() (map[string]models.Task, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return map[string]models.Task{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("task: open: %w", err)
	}
	defer f.Close()

	current := map[string]models.Task{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var t models.Task
		if err := json.Unmarshal(line, &t); err != nil {
			return nil, fmt.Errorf("task: corrupt record: %w", err)
		}
		current[t.ID] = t
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("task: scan: %w", err)
	}
	return current, nil
}
