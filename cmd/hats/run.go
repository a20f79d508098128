package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hats-run/hats/internal/backend"
	"github.com/hats-run/hats/internal/bus"
	"github.com/hats-run/hats/internal/checkpoint"
	"github.com/hats-run/hats/internal/config"
	"github.com/hats-run/hats/internal/diagnostics"
	"github.com/hats-run/hats/internal/eventlog"
	"github.com/hats-run/hats/internal/gates"
	"github.com/hats-run/hats/internal/git"
	"github.com/hats-run/hats/internal/lock"
	"github.com/hats-run/hats/internal/memory"
	"github.com/hats-run/hats/internal/mergehats"
	"github.com/hats-run/hats/internal/mergequeue"
	"github.com/hats-run/hats/internal/registry"
	"github.com/hats-run/hats/internal/worktree"
	"github.com/hats-run/hats/pkg/models"

	hatsloop "github.com/hats-run/hats/internal/loop"
)

var (
	runResume    bool
	runWorktree  string
	runBranch    string
	runWithGates bool
	runWithMerge bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a loop: primary (with lock) or secondary (worktree)",
	Long: `Start an event loop against the project's hats.yml/ralph.yml.

If loop.lock is free, this loop becomes primary and runs in place. If
another live process already holds it, this loop fails over to
secondary mode: it must be given (or will create) a git worktree and
will enqueue onto the merge queue on completion rather than owning the
repository directly.

Use --continue to resume a previously checkpointed loop from its last
recorded iteration, replaying the event history rather than reseeding
the starting event.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runResume, "continue", false, "resume from the last checkpoint instead of starting fresh")
	runCmd.Flags().StringVar(&runWorktree, "worktree", "", "worktree path for a secondary loop (created if missing)")
	runCmd.Flags().StringVar(&runBranch, "branch", "", "branch name for a secondary loop's worktree")
	runCmd.Flags().BoolVar(&runWithGates, "gates", false, "register the default backpressure gate hats alongside hats.yml's hats")
	runCmd.Flags().BoolVar(&runWithMerge, "merge-hats", false, "register the merge-hat workflow hats (primary loop only)")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	root, err := projectRoot()
	if err != nil {
		return err
	}
	stateDir := config.StateDir(root)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("run: create state dir: %w", err)
	}

	reg, err := registry.Open(filepath.Join(stateDir, "loops.json"))
	if err != nil {
		return err
	}

	primary := true
	lk, lockErr := lock.TryAcquire(filepath.Join(stateDir, "loop.lock"))
	if lockErr != nil {
		if _, held := lockErr.(*lock.ErrHeld); !held {
			return lockErr
		}
		primary = false
	} else {
		defer lk.Release()
	}

	worktreePath := models.PrimaryMarker
	if !primary {
		if runWorktree == "" {
			return fmt.Errorf("run: loop.lock is held by another process; --worktree is required for a secondary loop")
		}
		worktreePath = runWorktree
		if err := ensureWorktree(root, runWorktree, runBranch); err != nil {
			return err
		}
	}

	loopID := fmt.Sprintf("%s-%s", time.Now().UTC().Format("20060102T150405"), uuid.NewString()[:8])
	rec := models.LoopRecord{
		ID:           loopID,
		State:        models.LoopRunning,
		PID:          os.Getpid(),
		WorktreePath: worktreePath,
		Branch:       runBranch,
	}
	if err := reg.Register(rec); err != nil {
		return err
	}

	log, err := eventlog.Open(filepath.Join(stateDir, "events.jsonl"))
	if err != nil {
		return err
	}
	cp, err := checkpoint.Open(stateDir)
	if err != nil {
		return err
	}

	b := bus.New()
	if err := registerHats(b, cfg); err != nil {
		return err
	}

	startIteration, startCumulative := 0, int64(0)
	if runResume {
		state, incident := checkpoint.Resume(cp, log, b)
		if incident != nil {
			fmt.Fprintf(os.Stderr, "hats: resume fell back to a fresh session: %s\n", incident.Reason)
		} else {
			startIteration = state.Iteration
			startCumulative = state.CumulativeMS
		}
	}

	diag, err := diagnostics.New(filepath.Join(stateDir, "diagnostics"), loopID)
	if err != nil {
		return err
	}
	defer diag.Close()

	mems, err := memory.Open(memoryPath(root))
	if err != nil {
		return err
	}

	backends, err := resolveBackends(cfg)
	if err != nil {
		return err
	}

	var executors map[string]hatsloop.HatExecutor
	if runWithGates {
		executors = gateExecutors(gates.NewVerifier(root))
	}

	l := hatsloop.New(cfg, hatsloop.Dependencies{
		Bus:         b,
		EventLog:    log,
		Checkpoint:  cp,
		Diagnostics: diag,
		MemoryStore: mems,
		Backends:    backends,
		Executors:   executors,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	outcome := l.Run(ctx, startIteration, time.Duration(startCumulative)*time.Millisecond)

	_ = reg.Update(loopID, func(r *models.LoopRecord) {
		if outcome.Reason == models.FatalError || outcome.Reason == models.Crash {
			r.State = models.LoopCrashed
			r.FailureReason = fmt.Sprintf("%v", outcome.Err)
		} else if !primary {
			r.State = models.LoopQueued
		} else {
			r.State = models.LoopMerged
		}
	})

	q, err := mergequeue.Open(filepath.Join(stateDir, "merge-queue.jsonl"))
	if err != nil {
		return err
	}

	if !primary {
		if err := q.Enqueue(loopID); err != nil {
			return err
		}
	} else if outcome.Reason != models.FatalError && outcome.Reason != models.Crash {
		// spec.md §4.O: the primary loop drains the merge queue
		// sequentially after its own completion.
		if err := drainMergeQueue(ctx, cfg, root, reg, q, runWithMerge); err != nil {
			fmt.Fprintf(os.Stderr, "hats: merge queue drain: %v\n", err)
		}
	}

	fmt.Printf("hats: loop %s stopped: %s (%d iterations)\n", loopID, outcome.Reason, outcome.Iterations)

	if outcome.Err != nil {
		return outcome.Err
	}
	return nil
}

// gateExecutors wires every default gate spec to gates.Executor, so a
// registered gate hat actually re-verifies evidence on disk instead of
// only asking the backend agent to.
func gateExecutors(v *gates.Verifier) map[string]hatsloop.HatExecutor {
	out := make(map[string]hatsloop.HatExecutor)
	for _, s := range gates.DefaultSpecs() {
		out[s.ID] = gates.Executor(s, v)
	}
	return out
}

// drainMergeQueue runs the merge-hat workflow, one queue entry at a
// time in strict FIFO order, against a fresh bus per entry. withHats
// registers the full merge-hat collection (including the
// instruction-only resolver, which still runs against a backend); when
// false, it returns at once and nothing is drained — the operator
// opted out of --merge-hats for this process.
func drainMergeQueue(ctx context.Context, cfg *config.Config, root string, reg *registry.Registry, q *mergequeue.Queue, withHats bool) error {
	if !withHats {
		return nil
	}

	repo := git.NewRunner(root)
	runner := mergehats.NewRunner(repo, q)
	verifier := gates.NewVerifier(root)
	wtMgr := worktree.NewManager(repo, root)

	backends, err := resolveBackends(cfg)
	if err != nil {
		return err
	}

	for {
		entry, ok, err := q.NextReady()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		recs, err := reg.List(func(r models.LoopRecord) bool { return r.ID == entry.LoopID })
		if err != nil {
			return err
		}
		var rec models.LoopRecord
		if len(recs) == 1 {
			rec = recs[0]
		}

		if err := q.MarkOwned(entry.LoopID); err != nil {
			return err
		}

		payload := mergehats.EncodePayload(mergehats.Payload{
			LoopID:       entry.LoopID,
			Branch:       rec.Branch,
			WorktreePath: rec.WorktreePath,
		})

		mb := bus.New()
		for _, h := range mergehats.Hats() {
			if err := mb.Register(h); err != nil {
				return err
			}
		}
		if _, err := mb.Publish(mergehats.TopicMergeStart, payload, "", 0); err != nil {
			return err
		}

		mergeCfg := &config.Config{
			CLI: cfg.CLI,
			EventLoop: config.EventLoopConfig{
				StartingEvent:          mergehats.TopicMergeStart,
				MaxIterations:          20,
				MaxConsecutiveFailures: 1,
			},
			Core: cfg.Core,
		}

		l := hatsloop.New(mergeCfg, hatsloop.Dependencies{
			Bus:      mb,
			Backends: backends,
			Executors: map[string]hatsloop.HatExecutor{
				"merger":          mergehats.MergerExecutor(runner),
				"tester":          mergehats.TesterExecutor(verifier),
				"cleaner":         mergehats.CleanerExecutor(wtMgr),
				"failure_handler": mergehats.FailureHandlerExecutor(runner),
			},
		})
		l.Run(ctx, 0, 0)
	}
}

// registerHats wires every hat in cfg.Hats, plus the default gate
// collection when its flag is set. The merge-hat collection is not
// registered here: it never triggers on this loop's own task events,
// only on merge.start, which drainMergeQueue publishes to a dedicated
// bus once this loop finishes and --merge-hats is set.
func registerHats(b *bus.Bus, cfg *config.Config) error {
	for id, h := range cfg.Hats {
		hat := h
		hat.ID = id
		if err := b.Register(&hat); err != nil {
			return err
		}
	}
	if runWithGates {
		for _, h := range gates.Hats(gates.DefaultSpecs()) {
			if err := b.Register(h); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveBackends merges the built-in backends with hats.yml's adapter
// overrides. Nothing spawns until a loop iteration actually resolves
// and runs one.
func resolveBackends(cfg *config.Config) (map[string]backend.Backend, error) {
	backends := backend.Builtins()
	for name, a := range cfg.Adapters {
		backends[name] = backend.Backend{
			Name:       name,
			Command:    a.Command,
			StaticArgs: a.Args,
			PromptMode: backend.PromptModeArgument,
			EnvVars:    a.EnvVars,
		}
	}
	return backends, nil
}

func ensureWorktree(repoRoot, path, branch string) error {
	r := git.NewRunner(repoRoot)
	if branch == "" {
		return fmt.Errorf("run: --branch is required alongside --worktree")
	}
	exists, err := r.BranchExists(branch)
	if err != nil {
		return fmt.Errorf("run: check branch: %w", err)
	}
	if exists {
		return r.WorktreeAdd(path, branch)
	}
	return r.WorktreeAddNewBranch(path, branch)
}

func memoryPath(root string) string {
	return filepath.Join(config.StateDir(root), "memories.md")
}
