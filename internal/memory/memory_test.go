package memory

import (
	"path/filepath"
	"testing"

	"github.com/hats-run/hats/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "memories.md"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func TestAddAndListRoundTrip(t *testing.T) {
	s := newTestStore(t)

	m1, err := s.Add(models.MemoryPattern, "always run gofmt before commit", []string{"style", "gofmt"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	m2, err := s.Add(models.MemoryDecision, "use viper for config", []string{"config"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	all, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 records, got %d", len(all))
	}
	if all[0].ID != m1.ID || all[0].Content != m1.Content {
		t.Fatalf("record 0 mismatch: %+v vs %+v", all[0], m1)
	}
	if all[1].ID != m2.ID || all[1].Type != models.MemoryDecision {
		t.Fatalf("record 1 mismatch: %+v vs %+v", all[1], m2)
	}
}

func TestListByType(t *testing.T) {
	s := newTestStore(t)
	_, _ = s.Add(models.MemoryPattern, "p1", nil)
	_, _ = s.Add(models.MemoryFix, "f1", nil)
	_, _ = s.Add(models.MemoryPattern, "p2", nil)

	patterns, err := s.ListByType(models.MemoryPattern)
	if err != nil {
		t.Fatalf("list by type: %v", err)
	}
	if len(patterns) != 2 {
		t.Fatalf("expected 2 pattern records, got %d", len(patterns))
	}
}

func TestSearchMatchesContentAndTags(t *testing.T) {
	s := newTestStore(t)
	_, _ = s.Add(models.MemoryFix, "fixed a race in the event bus", []string{"concurrency"})
	_, _ = s.Add(models.MemoryContext, "unrelated", []string{"other"})

	byContent, err := s.Search("race")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(byContent) != 1 {
		t.Fatalf("expected 1 match by content, got %d", len(byContent))
	}

	byTag, err := s.Search("concurrency")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(byTag) != 1 {
		t.Fatalf("expected 1 match by tag, got %d", len(byTag))
	}
}

func TestDeleteRemovesOnlyTargetRecord(t *testing.T) {
	s := newTestStore(t)
	m1, _ := s.Add(models.MemoryPattern, "keep me", nil)
	m2, _ := s.Add(models.MemoryPattern, "delete me", nil)

	if err := s.Delete(m2.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	all, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 || all[0].ID != m1.ID {
		t.Fatalf("expected only %q to remain, got %+v", m1.ID, all)
	}
}

func TestDeleteUnknownIDErrors(t *testing.T) {
	s := newTestStore(t)
	_, _ = s.Add(models.MemoryPattern, "x", nil)
	if err := s.Delete("nonexistent"); err == nil {
		t.Fatal("expected error deleting unknown id")
	}
}

func TestPrimeRanksByTagMatchThenRecency(t *testing.T) {
	s := newTestStore(t)
	_, _ = s.Add(models.MemoryPattern, "irrelevant", []string{"other-hat"})
	_, _ = s.Add(models.MemoryPattern, "relevant older", []string{"worker", "build.done"})
	_, _ = s.Add(models.MemoryPattern, "relevant newer", []string{"worker", "build.done"})

	ranked, err := s.Prime("worker", "build.done", 10000)
	if err != nil {
		t.Fatalf("prime: %v", err)
	}
	if len(ranked) != 3 {
		t.Fatalf("expected all 3 within budget, got %d", len(ranked))
	}
	if ranked[0].Content != "relevant newer" {
		t.Fatalf("expected most recent best-matching record first, got %q", ranked[0].Content)
	}
	if ranked[len(ranked)-1].Content != "irrelevant" {
		t.Fatalf("expected non-matching record last, got %q", ranked[len(ranked)-1].Content)
	}
}

func TestPrimeRespectsBudget(t *testing.T) {
	s := newTestStore(t)
	_, _ = s.Add(models.MemoryPattern, "short", []string{"worker"})
	_, _ = s.Add(models.MemoryPattern, "this one is considerably longer in content", []string{"worker"})

	ranked, err := s.Prime("worker", "topic", 10)
	if err != nil {
		t.Fatalf("prime: %v", err)
	}
	if len(ranked) != 1 {
		t.Fatalf("expected budget to cap selection at 1, got %d", len(ranked))
	}
}
