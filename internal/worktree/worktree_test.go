package worktree

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// fakeGit implements git.Runner with just enough behavior to exercise
// Manager without a real repository.
type fakeGit struct {
	branches    map[string]bool
	porcelain   string
	addNewErr   error
	removeCalls []string
}

func newFakeGit() *fakeGit {
	return &fakeGit{branches: map[string]bool{}}
}

func (f *fakeGit) BranchExists(name string) (bool, error) { return f.branches[name], nil }
func (f *fakeGit) DeleteBranch(name string) error         { delete(f.branches, name); return nil }
func (f *fakeGit) MergeNoFF(branch string) error          { return nil }
func (f *fakeGit) MergeAbort() error                      { return nil }
func (f *fakeGit) HasConflicts() (bool, error)             { return false, nil }
func (f *fakeGit) WorktreeAdd(path, branch string) error   { f.branches[branch] = true; return nil }
func (f *fakeGit) WorktreeAddNewBranch(path, branch string) error {
	if f.addNewErr != nil {
		return f.addNewErr
	}
	f.branches[branch] = true
	return os.MkdirAll(path, 0o755)
}
func (f *fakeGit) WorktreeRemoveOptionalForce(path string, force bool) error {
	f.removeCalls = append(f.removeCalls, path)
	return nil
}
func (f *fakeGit) WorktreeListPorcelain() (string, error) { return f.porcelain, nil }
func (f *fakeGit) WorktreePruneExpireNow() error          { return nil }

func TestCreateAddsWorktreeAndSymlinksMemories(t *testing.T) {
	repoPath := t.TempDir()
	g := newFakeGit()
	m := NewManager(g, repoPath)

	primaryMemories := filepath.Join(repoPath, "memories.md")
	if err := os.WriteFile(primaryMemories, []byte("shared"), 0o644); err != nil {
		t.Fatalf("seed memories: %v", err)
	}

	wt, err := m.Create("loop-1", primaryMemories)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if wt.Branch != "hats/loop-1" {
		t.Fatalf("expected branch hats/loop-1, got %q", wt.Branch)
	}

	linkPath := filepath.Join(wt.Path, ".agent", "memories.md")
	target, err := os.Readlink(linkPath)
	if err != nil {
		t.Fatalf("expected symlink at %s: %v", linkPath, err)
	}
	if target != primaryMemories {
		t.Fatalf("expected symlink to %s, got %s", primaryMemories, target)
	}
}

func TestDiscardRemovesWorktreeAndBranch(t *testing.T) {
	repoPath := t.TempDir()
	g := newFakeGit()
	m := NewManager(g, repoPath)

	wt, _ := m.Create("loop-2", "")
	if err := m.Discard(wt); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if g.branches["hats/loop-2"] {
		t.Fatal("expected branch deleted after discard")
	}
	if len(g.removeCalls) != 1 {
		t.Fatalf("expected 1 worktree remove call, got %d", len(g.removeCalls))
	}
}

func TestListParsesPorcelainAndFiltersToHatsWorktrees(t *testing.T) {
	repoPath := t.TempDir()
	g := newFakeGit()
	g.porcelain = fmt.Sprintf(
		"worktree %s\nHEAD abc123\nbranch refs/heads/main\n\nworktree %s\nHEAD def456\nbranch refs/heads/hats/loop-3\n",
		repoPath, filepath.Join(repoPath, ".worktrees", "loop-3"),
	)
	m := NewManager(g, repoPath)

	list, err := m.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 hats worktree (main excluded), got %d: %+v", len(list), list)
	}
	if list[0].LoopID != "loop-3" || list[0].Branch != "hats/loop-3" {
		t.Fatalf("unexpected worktree: %+v", list[0])
	}
}
