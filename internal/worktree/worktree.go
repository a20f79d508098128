// Package worktree manages the per-loop git worktree isolation
// described in spec.md §5: a secondary loop that fails to acquire the
// primary lock runs in its own worktree at .worktrees/<loop_id> on
// branch hats/<loop_id>, sharing the primary's memories.md via symlink.
package worktree

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hats-run/hats/internal/git"
)

const (
	worktreeDirName = ".worktrees"
	branchPrefix    = "hats/"
)

// Worktree describes one loop's isolated working copy.
type Worktree struct {
	LoopID string
	Path   string
	Branch string
}

// Manager creates, lists, and cleans up per-loop worktrees.
type Manager struct {
	repo     git.Runner
	repoPath string
}

// NewManager returns a Manager rooted at repoPath.
func NewManager(repo git.Runner, repoPath string) *Manager {
	return &Manager{repo: repo, repoPath: repoPath}
}

// BranchFor returns the branch name a loop's worktree runs on.
func BranchFor(loopID string) string { return branchPrefix + loopID }

// Create allocates .worktrees/<loopID> on branch hats/<loopID> and
// symlinks .agent/memories.md to the primary's copy so every loop
// reads/writes the same shared memory file.
func (m *Manager) Create(loopID, primaryMemoriesPath string) (*Worktree, error) {
	path := filepath.Join(m.repoPath, worktreeDirName, loopID)
	branch := BranchFor(loopID)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("worktree: create parent dir: %w", err)
	}

	if err := m.repo.WorktreeAddNewBranch(path, branch); err != nil {
		return nil, fmt.Errorf("worktree: add: %w", err)
	}

	if primaryMemoriesPath != "" {
		linkPath := filepath.Join(path, ".agent", "memories.md")
		if err := os.MkdirAll(filepath.Dir(linkPath), 0o755); err != nil {
			return nil, fmt.Errorf("worktree: create .agent dir: %w", err)
		}
		if err := os.Symlink(primaryMemoriesPath, linkPath); err != nil {
			return nil, fmt.Errorf("worktree: symlink memories: %w", err)
		}
	}

	return &Worktree{LoopID: loopID, Path: path, Branch: branch}, nil
}

// Discard removes a worktree and force-deletes its branch without
// merging — used when a loop is abandoned.
func (m *Manager) Discard(wt *Worktree) error {
	if err := m.repo.WorktreeRemoveOptionalForce(wt.Path, true); err != nil {
		return fmt.Errorf("worktree: remove: %w", err)
	}
	if err := m.repo.DeleteBranch(wt.Branch); err != nil {
		return fmt.Errorf("worktree: delete branch: %w", err)
	}
	return nil
}

// CleanupAfterMerge removes a worktree whose branch has already been
// merged into the integration branch — force-deleting the branch is
// safe here because its commits live on in the merge commit.
func (m *Manager) CleanupAfterMerge(wt *Worktree) error {
	return m.Discard(wt)
}

// List returns every hats/ worktree currently registered with git,
// parsed from `git worktree list --porcelain`.
func (m *Manager) List() ([]Worktree, error) {
	out, err := m.repo.WorktreeListPorcelain()
	if err != nil {
		return nil, fmt.Errorf("worktree: list: %w", err)
	}
	return parsePorcelain(out), nil
}

// ListOrphans returns worktrees whose directory no longer exists on
// disk (git still has a stale registration) or whose branch is gone.
func (m *Manager) ListOrphans() ([]Worktree, error) {
	all, err := m.List()
	if err != nil {
		return nil, err
	}

	var orphans []Worktree
	for _, wt := range all {
		if _, err := os.Stat(wt.Path); os.IsNotExist(err) {
			orphans = append(orphans, wt)
			continue
		}
		exists, err := m.repo.BranchExists(wt.Branch)
		if err == nil && !exists {
			orphans = append(orphans, wt)
		}
	}
	return orphans, nil
}

// CleanupOrphans prunes git's stale worktree registrations and removes
// any orphaned branches, returning how many were cleaned.
func (m *Manager) CleanupOrphans() (int, error) {
	orphans, err := m.ListOrphans()
	if err != nil {
		return 0, err
	}
	if err := m.repo.WorktreePruneExpireNow(); err != nil {
		return 0, fmt.Errorf("worktree: prune: %w", err)
	}
	for _, wt := range orphans {
		_ = m.repo.DeleteBranch(wt.Branch)
	}
	return len(orphans), nil
}

func parsePorcelain(out string) []Worktree {
	var result []Worktree
	var cur Worktree

	flush := func() {
		if cur.Path != "" && isHatsWorktree(cur.Path) {
			result = append(result, cur)
		}
		cur = Worktree{}
	}

	for _, line := range strings.Split(out, "\n") {
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			cur.Path = strings.TrimPrefix(line, "worktree ")
			cur.LoopID = extractLoopID(cur.Path)
		case strings.HasPrefix(line, "branch "):
			ref := strings.TrimPrefix(line, "branch ")
			cur.Branch = strings.TrimPrefix(ref, "refs/heads/")
		}
	}
	flush()

	return result
}

func isHatsWorktree(path string) bool {
	return strings.Contains(path, worktreeDirName+string(os.PathSeparator))
}

func extractLoopID(path string) string {
	marker := worktreeDirName + string(os.PathSeparator)
	idx := strings.LastIndex(path, marker)
	if idx == -1 {
		return ""
	}
	return path[idx+len(marker):]
}
