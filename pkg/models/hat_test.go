package models

import "testing"

func TestHatValidate(t *testing.T) {
	t.Run("valid hat passes", func(t *testing.T) {
		h := Hat{ID: "worker", Triggers: []string{"build.start"}, Publications: []string{"task.done"}}
		if err := h.Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("empty triggers rejected", func(t *testing.T) {
		h := Hat{ID: "worker", Publications: []string{"task.done"}}
		err := h.Validate()
		if err == nil {
			t.Fatal("expected error")
		}
		var verr *HatValidationError
		if !asHatValidationError(err, &verr) || verr.Kind != "EmptyTriggers" {
			t.Fatalf("expected EmptyTriggers, got %v", err)
		}
	})

	t.Run("reserved trigger rejected", func(t *testing.T) {
		h := Hat{ID: "worker", Triggers: []string{"task.start"}, Publications: []string{"x"}}
		// task.start is itself reserved for starting events.
		err := h.Validate()
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("empty publications without default rejected", func(t *testing.T) {
		h := Hat{ID: "worker", Triggers: []string{"build.done"}}
		if err := h.Validate(); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("empty publications with default publish allowed", func(t *testing.T) {
		h := Hat{ID: "worker", Triggers: []string{"build.done"}, DefaultPublish: "build.ack"}
		if err := h.Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func asHatValidationError(err error, out **HatValidationError) bool {
	verr, ok := err.(*HatValidationError)
	if ok {
		*out = verr
	}
	return ok
}

func TestHatMatchesAny(t *testing.T) {
	h := Hat{ID: "gate", Triggers: []string{"build.*", "review.**"}}
	if !h.MatchesAny("build.done") {
		t.Error("expected match on build.done")
	}
	if !h.MatchesAny("review.tests.done") {
		t.Error("expected match on review.tests.done")
	}
	if h.MatchesAny("deploy.done") {
		t.Error("expected no match on deploy.done")
	}
}

func TestHatCanPublish(t *testing.T) {
	h := Hat{ID: "worker", Publications: []string{"task.done", "task.failed"}}
	if !h.CanPublish("task.done") {
		t.Error("expected task.done publishable")
	}
	if h.CanPublish("task.other") {
		t.Error("expected task.other rejected")
	}
}
