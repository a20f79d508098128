package registry

import (
	"path/filepath"
	"testing"

	"github.com/hats-run/hats/pkg/models"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "loops.json"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return r
}

func TestRegisterAndList(t *testing.T) {
	r := newTestRegistry(t)
	rec := models.LoopRecord{ID: "abc123", State: models.LoopRunning}
	if err := r.Register(rec); err != nil {
		t.Fatalf("register: %v", err)
	}

	all, err := r.List(nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 || all[0].ID != "abc123" {
		t.Fatalf("unexpected list: %+v", all)
	}
}

func TestRegisterDuplicateIDRejected(t *testing.T) {
	r := newTestRegistry(t)
	rec := models.LoopRecord{ID: "abc123"}
	_ = r.Register(rec)
	if err := r.Register(rec); err == nil {
		t.Fatal("expected error registering duplicate id")
	}
}

func TestUpdateMutatesRecord(t *testing.T) {
	r := newTestRegistry(t)
	_ = r.Register(models.LoopRecord{ID: "abc123", State: models.LoopRunning})

	err := r.Update("abc123", func(rec *models.LoopRecord) {
		rec.State = models.LoopMerged
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	all, _ := r.List(nil)
	if all[0].State != models.LoopMerged {
		t.Fatalf("expected state merged, got %v", all[0].State)
	}
}

func TestResolveExactAndPartial(t *testing.T) {
	r := newTestRegistry(t)
	_ = r.Register(models.LoopRecord{ID: "abcdef123456"})

	id, err := r.Resolve("abcdef123456", nil)
	if err != nil || id != "abcdef123456" {
		t.Fatalf("exact resolve failed: %v %v", id, err)
	}

	id, err = r.Resolve("def123", nil)
	if err != nil || id != "abcdef123456" {
		t.Fatalf("substring resolve failed: %v %v", id, err)
	}
}

func TestResolveAmbiguous(t *testing.T) {
	r := newTestRegistry(t)
	_ = r.Register(models.LoopRecord{ID: "abc111"})
	_ = r.Register(models.LoopRecord{ID: "abc222"})

	_, err := r.Resolve("abc", nil)
	if _, ok := err.(*AmbiguousIDError); !ok {
		t.Fatalf("expected *AmbiguousIDError, got %v", err)
	}
}

func TestResolveExtendsToMergeQueueIDs(t *testing.T) {
	r := newTestRegistry(t)
	id, err := r.Resolve("queue-only-id", []string{"queue-only-id"})
	if err != nil || id != "queue-only-id" {
		t.Fatalf("expected resolve to find merge-queue-only id, got %v %v", id, err)
	}
}

func TestResolveNotFound(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Resolve("nope", nil)
	if _, ok := err.(*NotFoundError); !ok {
		t.Fatalf("expected *NotFoundError, got %v", err)
	}
}

func TestPruneRemovesMatching(t *testing.T) {
	r := newTestRegistry(t)
	_ = r.Register(models.LoopRecord{ID: "stale", State: models.LoopOrphan})
	_ = r.Register(models.LoopRecord{ID: "fresh", State: models.LoopRunning})

	n, err := r.Prune(func(rec models.LoopRecord) bool { return rec.State == models.LoopOrphan })
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}

	all, _ := r.List(nil)
	if len(all) != 1 || all[0].ID != "fresh" {
		t.Fatalf("unexpected remaining records: %+v", all)
	}
}
