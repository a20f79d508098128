// Package mergehats defines the preconfigured merge workflow of
// spec.md §4.P as ordinary models.Hat values running under the same
// loop binary — there is no special "merge hat" type, just hats whose
// instructions invoke git and the merge queue through a backing
// Workflow that the loop's execution step drives.
package mergehats

import (
	"encoding/json"
	"fmt"

	"github.com/hats-run/hats/internal/gates"
	"github.com/hats-run/hats/internal/git"
	"github.com/hats-run/hats/internal/mergequeue"
	"github.com/hats-run/hats/internal/worktree"
	"github.com/hats-run/hats/pkg/models"
)

// Topics used by the merge-hat workflow's event flow.
const (
	TopicMergeStart       = "merge.start"
	TopicMergeDone        = "merge.done"
	TopicConflictDetected = "conflict.detected"
	TopicMergeFailed      = "merge.failed"
	TopicConflictResolved = "conflict.resolved"
	TopicUnresolvable     = "unresolvable"
	TopicTestFailed       = "test.failed"

	// TopicCycleComplete and TopicCycleHalted are internal bookkeeping
	// topics nothing else triggers on — cleaner and failure_handler are
	// terminal (spec.md §4.P lists "—" as their publication), but every
	// hat must publish something, so they close out the cycle with a
	// topic no trigger glob in the default configuration matches.
	TopicCycleComplete = "merge.cycle.complete"
	TopicCycleHalted   = "merge.cycle.halted"
)

// Hats returns the five hats of the merge workflow, wired to publish
// and trigger on the topics in the table from spec.md §4.P.
func Hats() []*models.Hat {
	return []*models.Hat{
		{
			ID:           "merger",
			DisplayName:  "Merger",
			Description:  "attempts a fast-forward or plain merge of a completed loop's branch",
			Triggers:     []string{TopicMergeStart},
			Publications: []string{TopicMergeDone, TopicConflictDetected, TopicMergeFailed},
			Instructions: "merge the ready loop's branch into the integration branch; on conflict, emit conflict.detected; on any other failure, emit merge.failed",
		},
		{
			ID:           "resolver",
			DisplayName:  "Conflict Resolver",
			Description:  "resolves non-contradictory conflicts, preferring to preserve both intents",
			Triggers:     []string{TopicConflictDetected},
			Publications: []string{TopicConflictResolved, TopicUnresolvable},
			Instructions: "prefer preserving both sides' intent on non-contradictory conflicts; on genuine contradiction, prefer the secondary loop's (newer) changes; escalate structural conflicts (deletes vs. wide-surface edits) to unresolvable",
		},
		{
			ID:           "tester",
			DisplayName:  "Merge Tester",
			Description:  "runs the test suite against the resolved merge before accepting it",
			Triggers:     []string{TopicConflictResolved},
			Publications: []string{TopicMergeDone, TopicTestFailed},
			Instructions: "run the project test suite against the merged tree; emit merge.done on success, test.failed otherwise",
		},
		{
			ID:             "cleaner",
			DisplayName:    "Merge Cleaner",
			Description:    "removes the merged loop's worktree and branch",
			Triggers:       []string{TopicMergeDone},
			Publications:   []string{},
			DefaultPublish: TopicCycleComplete,
			Instructions:   "remove the now-merged loop's worktree and force-delete its branch",
		},
		{
			ID:             "failure_handler",
			DisplayName:    "Merge Failure Handler",
			Description:    "marks a loop needs-review and preserves its worktree for human inspection",
			Triggers:       []string{TopicMergeFailed, TopicUnresolvable, TopicTestFailed},
			Publications:   []string{},
			DefaultPublish: TopicCycleHalted,
			Instructions:   "set the loop's registry state to needs-review and leave its worktree intact for manual resolution",
		},
	}
}

// Runner executes the merge-hat workflow's git-facing steps for one
// queue entry. The hats above describe intent to the agent backend;
// Runner is the deterministic fallback/verification layer the loop
// calls around each hat's execution (e.g. actually invoking git merge
// and recording the outcome in the queue) so merge correctness does not depend solely
// on the agent following instructions.
type Runner struct {
	repo  git.Runner
	queue *mergequeue.Queue
}

// NewRunner returns a Runner wired to repo and queue.
func NewRunner(repo git.Runner, queue *mergequeue.Queue) *Runner {
	return &Runner{repo: repo, queue: queue}
}

// AttemptMerge performs the merger hat's deterministic part: merge
// branch into the current branch. It returns (true, nil) on a clean
// merge, (false, nil) when conflicts need the resolver hat, and a
// non-nil error for anything else (merge.failed).
func (r *Runner) AttemptMerge(branch string) (clean bool, err error) {
	if err := r.repo.MergeNoFF(branch); err != nil {
		hasConflicts, convErr := r.repo.HasConflicts()
		if convErr != nil {
			return false, fmt.Errorf("mergehats: check conflicts: %w", convErr)
		}
		if hasConflicts {
			return false, nil
		}
		return false, fmt.Errorf("mergehats: merge %s: %w", branch, err)
	}
	return true, nil
}

// AbortMerge aborts an in-progress conflicted merge, used by
// failure_handler before leaving the worktree for manual review.
func (r *Runner) AbortMerge() error {
	return r.repo.MergeAbort()
}

// FinalizeMerge records a successful merge in the queue.
func (r *Runner) FinalizeMerge(loopID string) error {
	return r.queue.MarkMerged(loopID)
}

// FinalizeNeedsReview records that loopID requires human attention.
func (r *Runner) FinalizeNeedsReview(loopID, reason string) error {
	return r.queue.MarkNeedsReview(loopID, reason)
}

// Payload is carried on every event published within one merge-hat
// workflow run, so each step can act on loopID/branch/worktree without
// looking anything up elsewhere — the queue itself only tracks loopID
// and status (internal/mergequeue), not branch or worktree path.
type Payload struct {
	LoopID       string `json:"loop_id"`
	Branch       string `json:"branch"`
	WorktreePath string `json:"worktree_path,omitempty"`
	LastError    string `json:"last_error,omitempty"`
}

// EncodePayload serializes p for an event payload.
func EncodePayload(p Payload) string {
	data, _ := json.Marshal(p)
	return string(data)
}

// DecodePayload parses an event payload back into a Payload. A
// malformed or empty payload decodes to a zero Payload.
func DecodePayload(payload string) Payload {
	var p Payload
	_ = json.Unmarshal([]byte(payload), &p)
	return p
}

// MergerExecutor adapts Runner.AttemptMerge into the loop's
// deterministic hat-executor shape (internal/loop.HatExecutor) for the
// merger hat: a clean merge finalizes immediately (no test step is
// needed for a fast-forward/plain merge), a conflict hands off to the
// resolver hat, and any other failure is reported for failure_handler.
func MergerExecutor(r *Runner) func(ev models.Event) (string, string, error) {
	return func(ev models.Event) (string, string, error) {
		p := DecodePayload(ev.Payload)

		clean, err := r.AttemptMerge(p.Branch)
		if err != nil {
			p.LastError = err.Error()
			return TopicMergeFailed, EncodePayload(p), nil
		}
		if !clean {
			return TopicConflictDetected, EncodePayload(p), nil
		}
		if err := r.FinalizeMerge(p.LoopID); err != nil {
			return "", "", fmt.Errorf("mergehats: finalize merge: %w", err)
		}
		return TopicMergeDone, EncodePayload(p), nil
	}
}

// TesterExecutor adapts the same disk re-verification internal/gates
// uses for a build gate's test requirement into the tester hat's
// deterministic part: run the suite against the merged tree for real,
// rather than trust the agent's report of it.
func TesterExecutor(v *gates.Verifier) func(ev models.Event) (string, string, error) {
	return func(ev models.Event) (string, string, error) {
		p := DecodePayload(ev.Payload)

		ok, output, err := v.Verify(gates.CheckTest)
		if err != nil {
			return "", "", fmt.Errorf("mergehats: tester: %w", err)
		}
		if !ok {
			p.LastError = output
			return TopicTestFailed, EncodePayload(p), nil
		}
		return TopicMergeDone, EncodePayload(p), nil
	}
}

// CleanerExecutor adapts worktree.Manager.CleanupAfterMerge into the
// cleaner hat's deterministic part. A primary loop's own completion
// never carries a worktree path, so there is nothing to clean up.
func CleanerExecutor(mgr *worktree.Manager) func(ev models.Event) (string, string, error) {
	return func(ev models.Event) (string, string, error) {
		p := DecodePayload(ev.Payload)
		if p.WorktreePath == "" || p.WorktreePath == models.PrimaryMarker {
			return TopicCycleComplete, "", nil
		}
		wt := &worktree.Worktree{LoopID: p.LoopID, Path: p.WorktreePath, Branch: p.Branch}
		if err := mgr.CleanupAfterMerge(wt); err != nil {
			return "", "", fmt.Errorf("mergehats: cleanup worktree: %w", err)
		}
		return TopicCycleComplete, "", nil
	}
}

// FailureHandlerExecutor adapts Runner.AbortMerge/FinalizeNeedsReview
// into the failure_handler hat's deterministic part: abort an
// in-progress conflicted merge before leaving the worktree intact, and
// record needs-review on the queue entry either way.
func FailureHandlerExecutor(r *Runner) func(ev models.Event) (string, string, error) {
	return func(ev models.Event) (string, string, error) {
		p := DecodePayload(ev.Payload)

		if ev.Topic == TopicUnresolvable {
			_ = r.AbortMerge()
		}

		reason := p.LastError
		if reason == "" {
			reason = ev.Topic
		}
		if err := r.FinalizeNeedsReview(p.LoopID, reason); err != nil {
			return "", "", fmt.Errorf("mergehats: finalize needs-review: %w", err)
		}
		return TopicCycleHalted, EncodePayload(p), nil
	}
}
