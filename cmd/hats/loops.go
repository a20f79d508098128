package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hats-run/hats/internal/config"
	"github.com/hats-run/hats/internal/eventlog"
	"github.com/hats-run/hats/internal/git"
	"github.com/hats-run/hats/internal/lock"
	"github.com/hats-run/hats/internal/mergequeue"
	"github.com/hats-run/hats/internal/registry"
	"github.com/hats-run/hats/internal/worktree"
	"github.com/hats-run/hats/pkg/models"
)

var loopsCmd = &cobra.Command{
	Use:   "loops",
	Short: "Registry operations over loops.json and the merge queue",
}

func init() {
	loopsCmd.AddCommand(loopsListCmd)
	loopsCmd.AddCommand(loopsLogsCmd)
	loopsCmd.AddCommand(loopsHistoryCmd)
	loopsCmd.AddCommand(loopsDiffCmd)
	loopsCmd.AddCommand(loopsAttachCmd)
	loopsCmd.AddCommand(loopsRetryCmd)
	loopsCmd.AddCommand(loopsStopCmd)
	loopsCmd.AddCommand(loopsDiscardCmd)
	loopsCmd.AddCommand(loopsPruneCmd)
}

func openRegistry() (*registry.Registry, string, error) {
	root, err := projectRoot()
	if err != nil {
		return nil, "", err
	}
	stateDir := config.StateDir(root)
	reg, err := registry.Open(filepath.Join(stateDir, "loops.json"))
	return reg, stateDir, err
}

func mergeQueueIDs(stateDir string) []string {
	q, err := mergequeue.Open(filepath.Join(stateDir, "merge-queue.jsonl"))
	if err != nil {
		return nil
	}
	entries, err := q.Entries()
	if err != nil {
		return nil
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.LoopID)
	}
	return ids
}

// resolveLoopID expands a partial loop id across both the registry and
// the merge queue, per spec.md §4.L.
func resolveLoopID(reg *registry.Registry, stateDir, partial string) (string, error) {
	return reg.Resolve(partial, mergeQueueIDs(stateDir))
}

var loopsListHeaderStyle = lipgloss.NewStyle().Bold(true).Underline(true)

var loopsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every registered loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, _, err := openRegistry()
		if err != nil {
			return err
		}
		recs, err := reg.List(nil)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("no loops registered")
			return nil
		}
		fmt.Println(loopsListHeaderStyle.Render(fmt.Sprintf("%-36s %-12s %-9s %-8s %s", "ID", "STATE", "ROLE", "PID", "WORKTREE")))
		for _, r := range recs {
			role := "secondary"
			if r.IsPrimary() {
				role = "primary"
			}
			fmt.Printf("%s  %-12s %-9s pid=%d  %s\n", r.ID, stateColor(r.State), role, r.PID, r.WorktreePath)
		}
		return nil
	},
}

func stateColor(s models.LoopState) string {
	switch s {
	case models.LoopRunning:
		return color.GreenString(string(s))
	case models.LoopCrashed, models.LoopNeedsReview:
		return color.RedString(string(s))
	case models.LoopQueued, models.LoopMerging:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

var loopsLogsCmd = &cobra.Command{
	Use:   "logs <loop-id>",
	Short: "Print diagnostics sink output for a loop, if diagnostics were enabled",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, stateDir, err := openRegistry()
		if err != nil {
			return err
		}
		id, err := resolveLoopID(reg, stateDir, args[0])
		if err != nil {
			return err
		}
		dir := filepath.Join(stateDir, "diagnostics", id)
		entries, err := os.ReadDir(dir)
		if err != nil {
			fmt.Printf("no diagnostics recorded for %s (HATS_DIAGNOSTICS was not set)\n", id)
			return nil
		}
		for _, e := range entries {
			fmt.Println(e.Name())
			data, err := os.ReadFile(filepath.Join(dir, e.Name()))
			if err == nil {
				fmt.Println(string(data))
			}
		}
		return nil
	},
}

var loopsHistoryCmd = &cobra.Command{
	Use:   "history <loop-id>",
	Short: "Print the full event history recorded for a loop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, stateDir, err := openRegistry()
		if err != nil {
			return err
		}
		log, err := eventlog.Open(filepath.Join(stateDir, "events.jsonl"))
		if err != nil {
			return err
		}
		events, err := log.ReadAll()
		if err != nil {
			return err
		}
		for _, ev := range events {
			fmt.Printf("[%d] %s -> %s  %q\n", ev.Iteration, ev.SourceHat, ev.Topic, ev.Payload)
		}
		return nil
	},
}

var loopsDiffCmd = &cobra.Command{
	Use:   "diff <loop-id>",
	Short: "Show the git diff of a secondary loop's worktree against its branch point",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, stateDir, err := openRegistry()
		if err != nil {
			return err
		}
		id, err := resolveLoopID(reg, stateDir, args[0])
		if err != nil {
			return err
		}
		recs, err := reg.List(func(r models.LoopRecord) bool { return r.ID == id })
		if err != nil || len(recs) == 0 {
			return fmt.Errorf("loops diff: no record for %s", id)
		}
		fmt.Printf("worktree: %s (branch %s)\nrun: git -C %s diff\n", recs[0].WorktreePath, recs[0].Branch, recs[0].WorktreePath)
		return nil
	},
}

var loopsAttachCmd = &cobra.Command{
	Use:   "attach <loop-id>",
	Short: "Print how to attach to a running loop's worktree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, stateDir, err := openRegistry()
		if err != nil {
			return err
		}
		id, err := resolveLoopID(reg, stateDir, args[0])
		if err != nil {
			return err
		}
		recs, err := reg.List(func(r models.LoopRecord) bool { return r.ID == id })
		if err != nil || len(recs) == 0 {
			return fmt.Errorf("loops attach: no record for %s", id)
		}
		fmt.Printf("cd %s\n", recs[0].WorktreePath)
		return nil
	},
}

var loopsRetryCmd = &cobra.Command{
	Use:   "retry <loop-id>",
	Short: "Reset a needs-review or crashed loop back to queued for another merge attempt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, stateDir, err := openRegistry()
		if err != nil {
			return err
		}
		id, err := resolveLoopID(reg, stateDir, args[0])
		if err != nil {
			return err
		}
		return reg.Update(id, func(r *models.LoopRecord) {
			r.State = models.LoopQueued
			r.FailureReason = ""
		})
	},
}

var loopsStopCmd = &cobra.Command{
	Use:   "stop <loop-id>",
	Short: "Signal a running loop's process to stop (SIGINT)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, stateDir, err := openRegistry()
		if err != nil {
			return err
		}
		id, err := resolveLoopID(reg, stateDir, args[0])
		if err != nil {
			return err
		}
		recs, err := reg.List(func(r models.LoopRecord) bool { return r.ID == id })
		if err != nil || len(recs) == 0 {
			return fmt.Errorf("loops stop: no record for %s", id)
		}
		proc, err := os.FindProcess(recs[0].PID)
		if err != nil {
			return err
		}
		return proc.Signal(os.Interrupt)
	},
}

var loopsDiscardCmd = &cobra.Command{
	Use:   "discard <loop-id>",
	Short: "Remove a secondary loop's worktree and mark its record discarded",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, stateDir, err := openRegistry()
		if err != nil {
			return err
		}
		id, err := resolveLoopID(reg, stateDir, args[0])
		if err != nil {
			return err
		}
		recs, _ := reg.List(func(r models.LoopRecord) bool { return r.ID == id })
		if len(recs) == 1 && !recs[0].IsPrimary() && recs[0].WorktreePath != "" {
			root, err := projectRoot()
			if err != nil {
				return err
			}
			wt := &worktree.Worktree{LoopID: id, Path: recs[0].WorktreePath, Branch: recs[0].Branch}
			if err := worktree.NewManager(git.NewRunner(root), root).Discard(wt); err != nil {
				return err
			}
		}
		return reg.Update(id, func(r *models.LoopRecord) {
			r.State = models.LoopDiscarded
		})
	},
}

var loopsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove crashed/orphaned/discarded records and release a dead loop.lock",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, stateDir, err := openRegistry()
		if err != nil {
			return err
		}
		removed, err := reg.Prune(func(r models.LoopRecord) bool {
			return r.State == models.LoopCrashed || r.State == models.LoopOrphan || r.State == models.LoopDiscarded
		})
		if err != nil {
			return err
		}

		lockPath := filepath.Join(stateDir, "loop.lock")
		if lk, err := lock.TryAcquire(lockPath); err == nil {
			_ = lk.Release()
		}

		fmt.Printf("pruned %d record(s)\n", removed)
		return nil
	},
}
