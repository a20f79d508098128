package bus

import (
	"testing"

	"github.com/hats-run/hats/pkg/models"
)

func TestRegisterAmbiguousRouting(t *testing.T) {
	b := New()
	a := &models.Hat{ID: "a", Triggers: []string{"build.done"}, Publications: []string{"x"}}
	c := &models.Hat{ID: "b", Triggers: []string{"build.done"}, Publications: []string{"y"}}

	if err := b.Register(a); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := b.Register(c)
	if err == nil {
		t.Fatal("expected ambiguous routing error")
	}
	if _, ok := err.(*AmbiguousRoutingError); !ok {
		t.Fatalf("expected *AmbiguousRoutingError, got %T", err)
	}
}

func TestPublishRejectsDisallowedTopic(t *testing.T) {
	b := New()
	h := &models.Hat{ID: "worker", Triggers: []string{"task.start"}, Publications: []string{"task.done"}}
	_ = b.Register(h)

	_, err := b.Publish("task.other", "", "worker", 1)
	if err == nil {
		t.Fatal("expected rejected publication error")
	}
}

func TestPublishThenNextRoutesEvent(t *testing.T) {
	b := New()
	worker := &models.Hat{ID: "worker", Triggers: []string{"task.start"}, Publications: []string{"task.done"}}
	_ = b.Register(worker)

	if _, err := b.Publish("task.start", "", "", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ev, ok := b.Next()
	if !ok {
		t.Fatal("expected an event")
	}
	if ev.TargetHat != "worker" {
		t.Fatalf("expected routing to worker, got %q", ev.TargetHat)
	}

	pending, dispatched, published := b.Counts()
	if pending != 0 || dispatched != 1 || published != 1 {
		t.Fatalf("unexpected counts: pending=%d dispatched=%d published=%d", pending, dispatched, published)
	}
}

func TestEmitThenNextReturnsExactTopic(t *testing.T) {
	b := New()
	worker := &models.Hat{ID: "worker", Triggers: []string{"task.start"}, Publications: []string{"task.done"}}
	_ = b.Register(worker)
	gate := &models.Hat{ID: "gate", Triggers: []string{"task.done"}, Publications: []string{"task.closed"}}
	_ = b.Register(gate)

	if _, err := b.Publish("task.done", "payload", "worker", 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ev, ok := b.Next()
	if !ok {
		t.Fatal("expected an event")
	}
	if ev.Topic != "task.done" {
		t.Fatalf("expected topic task.done, got %q", ev.Topic)
	}
	if ev.TargetHat != "gate" {
		t.Fatalf("expected routing to gate, got %q", ev.TargetHat)
	}
}

func TestDuplicateEventsDispatchIndependently(t *testing.T) {
	b := New()
	worker := &models.Hat{ID: "worker", Triggers: []string{"task.start"}, Publications: []string{"task.done"}}
	_ = b.Register(worker)

	_, _ = b.Publish("task.start", "", "", 0)
	_, _ = b.Publish("task.start", "", "", 0)

	_, ok1 := b.Next()
	_, ok2 := b.Next()
	if !ok1 || !ok2 {
		t.Fatal("expected both duplicate events to dispatch")
	}
	if len(b.History()) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(b.History()))
	}
}
