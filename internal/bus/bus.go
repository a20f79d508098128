// Package bus implements the event routing layer: a pending queue, an
// append-only history log, and glob-based routing to a registered hat.
package bus

import (
	"fmt"
	"sync"

	"github.com/hats-run/hats/pkg/models"
)

// AmbiguousRoutingError is returned by Register when a new hat declares
// a trigger string that an already-registered hat also declares.
type AmbiguousRoutingError struct {
	Topic string
	HatA  string
	HatB  string
}

func (e *AmbiguousRoutingError) Error() string {
	return fmt.Sprintf("ambiguous routing: topic %q matches both hat %q and hat %q", e.Topic, e.HatA, e.HatB)
}

// RejectedPublicationError is returned by Publish when the source hat
// is not allowed to publish the given topic.
type RejectedPublicationError struct {
	HatID string
	Topic string
}

func (e *RejectedPublicationError) Error() string {
	return fmt.Sprintf("hat %q is not allowed to publish topic %q", e.HatID, e.Topic)
}

// Bus is the pending queue + history log + hat registry described in
// spec.md §4.B. It is the only long-lived in-memory structure the
// orchestrator keeps, and it is fully rehydratable from the history log.
type Bus struct {
	mu         sync.Mutex
	hats       map[string]*models.Hat
	pending    []models.Event
	history    []models.Event
	dispatched int
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{hats: make(map[string]*models.Hat)}
}

// Register adds a hat to the bus. It returns AmbiguousRoutingError if
// the new hat declares a trigger string identical to one an
// already-registered hat declares. Distinct patterns that overlap (for
// example "build.*" and "build.**") are not detected; for a topic that
// both match, Match returns whichever matching hat it reaches first in
// map iteration order, which is not fixed.
func (b *Bus) Register(h *models.Hat) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, existing := range b.hats {
		for _, newTrig := range h.Triggers {
			for _, exTrig := range existing.Triggers {
				if newTrig == exTrig {
					return &AmbiguousRoutingError{Topic: newTrig, HatA: existing.ID, HatB: h.ID}
				}
			}
		}
	}

	b.hats[h.ID] = h
	return nil
}

// Match finds the unique hat whose triggers match event's topic. It
// returns ("", false) if no hat matches.
func (b *Bus) Match(topic string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.matchLocked(topic)
}

func (b *Bus) matchLocked(topic string) (string, bool) {
	for id, h := range b.hats {
		if h.MatchesAny(topic) {
			return id, true
		}
	}
	return "", false
}

// Publish validates that sourceHat (empty for loop-synthesized events)
// may emit topic, then appends the event to the pending queue. An empty
// sourceHat always bypasses the allow-list check (the loop itself, not
// a hat, is publishing).
func (b *Bus) Publish(topic, payload, sourceHat string, iteration int) (models.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sourceHat != "" {
		h, ok := b.hats[sourceHat]
		if !ok {
			return models.Event{}, fmt.Errorf("publish: unknown hat %q", sourceHat)
		}
		if !h.CanPublish(topic) {
			return models.Event{}, &RejectedPublicationError{HatID: sourceHat, Topic: topic}
		}
	}

	ev := models.NewEvent(topic, payload, iteration)
	ev.SourceHat = sourceHat
	b.pending = append(b.pending, ev)
	return ev, nil
}

// PublishSynthetic appends a loop-synthesized safety-net event, tagged
// Synthetic so the loop's consecutive-failure accounting ignores it.
func (b *Bus) PublishSynthetic(topic, payload, sourceHat string, iteration int) models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ev := models.NewEvent(topic, payload, iteration)
	ev.SourceHat = sourceHat
	ev.Synthetic = true
	b.pending = append(b.pending, ev)
	return ev
}

// Next pops the head of the pending queue, routes it to a hat (setting
// TargetHat), appends it to history, and returns it. The event is
// appended to history before the hat runs so that a crash mid-iteration
// is recoverable without double dispatch (spec.md §4.J invariant).
func (b *Bus) Next() (models.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return models.Event{}, false
	}

	ev := b.pending[0]
	b.pending = b.pending[1:]

	if hatID, ok := b.matchLocked(ev.Topic); ok {
		ev.TargetHat = hatID
	}

	b.history = append(b.history, ev)
	b.dispatched++

	return ev, true
}

// Peek reports whether the pending queue is non-empty without popping.
func (b *Bus) Peek() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) > 0
}

// History returns a copy of the append-only history log.
func (b *Bus) History() []models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Event, len(b.history))
	copy(out, b.history)
	return out
}

// Counts returns (pendingLen, dispatched, published) for the invariant
// |pending| + |dispatched| == |published| (spec.md §8 property 2).
func (b *Bus) Counts() (pending, dispatched, published int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending), b.dispatched, len(b.pending) + b.dispatched
}

// Hat returns the registered hat with the given id, if any.
func (b *Bus) Hat(id string) (*models.Hat, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.hats[id]
	return h, ok
}

// RehydrateFrom resets history and replays it from the given events
// (used by checkpoint/recovery to rebuild pending from
// last_event_index onward, per spec.md §4.Q).
func (b *Bus) RehydrateFrom(history []models.Event, pending []models.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append([]models.Event(nil), history...)
	b.pending = append([]models.Event(nil), pending...)
	b.dispatched = len(b.history)
}
