// Package checkpoint implements the periodic snapshot and resume path
// of spec.md §4.Q: every checkpoint_interval iterations (and on
// termination) the loop's IterationState is written atomically; on
// `run --continue` the loader rehydrates that snapshot and replays
// pending events from the history log from last_event_index onward.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hats-run/hats/internal/bus"
	"github.com/hats-run/hats/internal/eventlog"
	"github.com/hats-run/hats/pkg/models"
)

const fileName = "checkpoint.json"

// Store manages the atomic checkpoint.json document for one loop.
type Store struct {
	mu   sync.Mutex
	path string
}

// Open returns a Store writing to <stateDir>/checkpoint.json.
func Open(stateDir string) (*Store, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create dir: %w", err)
	}
	return &Store{path: filepath.Join(stateDir, fileName)}, nil
}

// Save atomically writes state via temp-file + rename, the same
// pattern the registry and merge queue use for crash-safe documents.
func (s *Store) Save(state models.IterationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("checkpoint: rename: %w", err)
	}
	return nil
}

// Load reads the last saved snapshot. It returns (zero value, false,
// nil) if no checkpoint has ever been written — a fresh loop.
func (s *Store) Load() (models.IterationState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return models.IterationState{}, false, nil
	}
	if err != nil {
		return models.IterationState{}, false, fmt.Errorf("checkpoint: read: %w", err)
	}

	var state models.IterationState
	if err := json.Unmarshal(data, &state); err != nil {
		return models.IterationState{}, false, fmt.Errorf("checkpoint: unmarshal: %w", err)
	}
	return state, true, nil
}

// Incident records why a resume fell back to a fresh session, so the
// operator can see it was not a silent data loss.
type Incident struct {
	Reason string `json:"reason"`
}

// Resume implements the `run --continue` path. It loads the last
// checkpoint and replays events from last_event_index into b. If the
// checkpoint is missing, or the history log is truncated/incoherent,
// it returns a fresh IterationState (iteration 0) and a non-nil
// *Incident describing why — per spec.md §4.Q, recovery is best-effort
// and a bad history never blocks the loop from starting over.
func Resume(store *Store, log *eventlog.Log, b *bus.Bus) (models.IterationState, *Incident) {
	state, found, err := store.Load()
	if err != nil || !found {
		reason := "no prior checkpoint found"
		if err != nil {
			reason = fmt.Sprintf("checkpoint unreadable: %v", err)
		}
		return models.IterationState{}, &Incident{Reason: reason}
	}

	history, err := log.ReadAll()
	if err != nil {
		return models.IterationState{}, &Incident{Reason: fmt.Sprintf("history log incoherent: %v", err)}
	}
	if state.LastEventIndex > len(history) {
		return models.IterationState{}, &Incident{Reason: "checkpoint references history beyond the log's end"}
	}

	pending := make([]models.Event, 0, len(state.PendingEventIDs))
	for _, idx := range state.PendingEventIDs {
		if idx < 0 || idx >= len(history) {
			return models.IterationState{}, &Incident{Reason: "checkpoint references a pending event index outside the log"}
		}
		pending = append(pending, history[idx])
	}

	b.RehydrateFrom(history[:state.LastEventIndex], pending)
	return state, nil
}
