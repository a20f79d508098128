// Package registry implements loops.json, the durable record of every
// loop this repository has run: register, update, list, and resolve by
// partial id (spec.md §4.L). Writes are atomic (temp file + rename)
// under the caller's lock.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hats-run/hats/pkg/models"
)

// Registry is the loops.json document.
type Registry struct {
	mu   sync.Mutex
	path string
}

// Open returns a Registry backed by path.
func Open(path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("registry: create dir: %w", err)
	}
	return &Registry{path: path}, nil
}

// Register adds a new loop record.
func (r *Registry) Register(rec models.LoopRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs, err := r.readLocked()
	if err != nil {
		return err
	}
	for _, existing := range recs {
		if existing.ID == rec.ID {
			return fmt.Errorf("registry: loop %q already registered", rec.ID)
		}
	}
	recs = append(recs, rec)
	return r.writeLocked(recs)
}

// Update applies mutator to the record with the given id and persists
// the result.
func (r *Registry) Update(id string, mutator func(*models.LoopRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs, err := r.readLocked()
	if err != nil {
		return err
	}

	found := false
	for i := range recs {
		if recs[i].ID == id {
			mutator(&recs[i])
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("registry: no loop with id %q", id)
	}
	return r.writeLocked(recs)
}

// List returns every record matching filter, or all records if nil.
func (r *Registry) List(filter func(models.LoopRecord) bool) ([]models.LoopRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs, err := r.readLocked()
	if err != nil {
		return nil, err
	}
	if filter == nil {
		return recs, nil
	}
	var out []models.LoopRecord
	for _, rec := range recs {
		if filter(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// AmbiguousIDError is returned by Resolve when partial matches more
// than one loop id.
type AmbiguousIDError struct {
	Partial string
	Matches []string
}

func (e *AmbiguousIDError) Error() string {
	return fmt.Sprintf("registry: %q matches multiple ids: %s", e.Partial, strings.Join(e.Matches, ", "))
}

// NotFoundError is returned by Resolve when partial matches nothing.
type NotFoundError struct{ Partial string }

func (e *NotFoundError) Error() string { return fmt.Sprintf("registry: no loop matches %q", e.Partial) }

// Resolve finds the unique loop id matching partial against: exact id,
// registry-suffix, or substring — across both the registry and the
// supplied extra ids (the merge queue, per spec.md §4.L).
func (r *Registry) Resolve(partial string, extraIDs []string) (string, error) {
	r.mu.Lock()
	recs, err := r.readLocked()
	r.mu.Unlock()
	if err != nil {
		return "", err
	}

	ids := make([]string, 0, len(recs)+len(extraIDs))
	for _, rec := range recs {
		ids = append(ids, rec.ID)
	}
	ids = append(ids, extraIDs...)

	for _, id := range ids {
		if id == partial {
			return id, nil
		}
	}

	var matches []string
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		if strings.HasSuffix(id, partial) || strings.Contains(id, partial) {
			matches = append(matches, id)
			seen[id] = true
		}
	}

	switch len(matches) {
	case 0:
		return "", &NotFoundError{Partial: partial}
	case 1:
		return matches[0], nil
	default:
		return "", &AmbiguousIDError{Partial: partial, Matches: matches}
	}
}

// Prune removes records matching shouldPrune (e.g. stale Crashed/Orphan
// records whose worktree no longer exists) and returns how many were removed.
func (r *Registry) Prune(shouldPrune func(models.LoopRecord) bool) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs, err := r.readLocked()
	if err != nil {
		return 0, err
	}

	kept := recs[:0]
	removed := 0
	for _, rec := range recs {
		if shouldPrune(rec) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}

	return removed, r.writeLocked(kept)
}

func (r *Registry) readLocked() ([]models.LoopRecord, error) {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: read: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var recs []models.LoopRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("registry: corrupt loops.json: %w", err)
	}
	return recs, nil
}

func (r *Registry) writeLocked(recs []models.LoopRecord) error {
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("registry: write temp: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("registry: rename: %w", err)
	}
	return nil
}
