// Package loop implements the event loop driver of spec.md §4.J: the
// orchestrator's heartbeat that pops an event, routes it to a hat,
// assembles a prompt, executes the backend, parses its output into
// emitted events, and checks termination conditions every iteration.
package loop

import (
	"context"
	"fmt"
	"time"

	"github.com/hats-run/hats/internal/backend"
	"github.com/hats-run/hats/internal/bus"
	"github.com/hats-run/hats/internal/checkpoint"
	"github.com/hats-run/hats/internal/config"
	"github.com/hats-run/hats/internal/diagnostics"
	"github.com/hats-run/hats/internal/eventlog"
	"github.com/hats-run/hats/internal/memory"
	"github.com/hats-run/hats/internal/prompt"
	"github.com/hats-run/hats/internal/stream"
	"github.com/hats-run/hats/pkg/models"
)

// Clock abstracts time so tests can control elapsed-runtime accounting
// without sleeping. Production code uses realClock.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// HatExecutor deterministically runs one hat's turn without spawning a
// backend process, returning the topic and payload it wants published.
// An empty topic means "nothing to publish" (the safety-net/failure
// accounting applies same as an agent turn that emitted nothing). This
// is how gate hats (internal/gates) and merge-hat workflow steps
// (internal/mergehats) reach disk/git rather than depending on an LLM
// to self-report compliance — spec.md §4.R's "gates are the only
// mechanism that can reject work" only holds if the rejection is
// actually computed, not merely instructed.
type HatExecutor func(ev models.Event) (topic string, payload string, err error)

// Dependencies bundles the collaborators one Loop needs. Backends is
// keyed by name (merged built-ins + adapters config); MemoryStore may
// be nil when priming is disabled. Executors is keyed by hat ID: a hat
// present here is run deterministically instead of through a backend.
type Dependencies struct {
	Bus         *bus.Bus
	EventLog    *eventlog.Log
	Checkpoint  *checkpoint.Store
	Diagnostics *diagnostics.Collector
	MemoryStore *memory.Store
	Backends    map[string]backend.Backend
	Executors   map[string]HatExecutor
	Clock       Clock
}

// Loop runs the iteration machine for one config/dependency set.
type Loop struct {
	cfg  *config.Config
	deps Dependencies

	iteration           int
	consecutiveFailures int
	cumulative          time.Duration
	startedEvent        bool
	completed           bool
}

// New constructs a Loop. If deps.Clock is nil, the real wall clock is used.
func New(cfg *config.Config, deps Dependencies) *Loop {
	if deps.Clock == nil {
		deps.Clock = realClock{}
	}
	return &Loop{cfg: cfg, deps: deps}
}

// Outcome is returned by Run: why the loop stopped and the final
// iteration accounting, for the registry record and CLI summary.
type Outcome struct {
	Reason              models.TerminationReason
	Iterations          int
	ConsecutiveFailures int
	Elapsed             time.Duration
	Err                 error
}

// Run drives iterations until a termination condition is met. startIteration
// and startCumulative seed accounting on resume (both zero for a fresh loop).
func (l *Loop) Run(ctx context.Context, startIteration int, startCumulative time.Duration) Outcome {
	l.iteration = startIteration
	l.cumulative = startCumulative
	start := l.deps.Clock.Now()

	l.seedStartingEvent()

	for {
		if reason, ok := l.checkTermination(ctx, start); ok {
			l.checkpointNow()
			return Outcome{
				Reason:              reason,
				Iterations:          l.iteration,
				ConsecutiveFailures: l.consecutiveFailures,
				Elapsed:             l.deps.Clock.Now().Sub(start),
			}
		}

		ev, ok := l.deps.Bus.Next()
		if !ok {
			if reason, done := l.awaitIdle(ctx); done {
				l.checkpointNow()
				return Outcome{
					Reason:              reason,
					Iterations:          l.iteration,
					ConsecutiveFailures: l.consecutiveFailures,
					Elapsed:             l.deps.Clock.Now().Sub(start),
				}
			}
			continue
		}

		if err := l.runIteration(ctx, ev); err != nil {
			l.recordError(err)
		}

		l.iteration++
		if l.cfg.EventLoop.CheckpointInterval > 0 && l.iteration%l.cfg.EventLoop.CheckpointInterval == 0 {
			l.checkpointNow()
		}
	}
}

// seedStartingEvent publishes the configured starting event once, if
// the pending queue is otherwise empty — selection step 1 of §4.J.
func (l *Loop) seedStartingEvent() {
	if l.startedEvent {
		return
	}
	l.startedEvent = true
	if l.deps.Bus.Peek() {
		return
	}
	ev, _ := l.deps.Bus.Publish(l.cfg.EventLoop.StartingEvent, "", "", l.iteration)
	l.appendHistory(ev)
}

func (l *Loop) runIteration(ctx context.Context, ev models.Event) error {
	l.appendHistory(ev)
	l.recordDiagnostic(diagnostics.SinkOrchestration, map[string]interface{}{
		"step": "selection", "topic": ev.Topic, "iteration": l.iteration,
	})

	if ev.TargetHat == "" {
		l.consecutiveFailures++
		l.recordDiagnostic(diagnostics.SinkErrors, map[string]interface{}{
			"step": "routing", "topic": ev.Topic, "error": "no hat matched",
		})
		return fmt.Errorf("loop: no hat matches topic %q", ev.Topic)
	}

	hat, ok := l.deps.Bus.Hat(ev.TargetHat)
	if !ok {
		l.consecutiveFailures++
		return fmt.Errorf("loop: routed hat %q is not registered", ev.TargetHat)
	}

	if exec, ok := l.deps.Executors[hat.ID]; ok {
		return l.runExecutor(hat, ev, exec)
	}

	mems := l.primeMemories(hat, ev)

	promptText := prompt.Build(prompt.Input{
		BasePrompt:   l.basePrompt(),
		Guardrails:   l.cfg.Core.Guardrails,
		Memories:     mems,
		Hat:          *hat,
		TriggerEvent: ev,
	})

	be, err := l.resolveBackend(hat.Backend)
	if err != nil {
		l.consecutiveFailures++
		return fmt.Errorf("loop: resolve backend: %w", err)
	}

	iterStart := l.deps.Clock.Now()
	result, err := backend.Run(ctx, be, promptText, backend.RunOptions{
		Mode:          backend.ExecMode(l.cfg.CLI.Mode),
		Timeout:       l.cfg.CLI.Timeout,
		ShutdownGrace: l.cfg.CLI.ShutdownGrace,
	})
	duration := l.deps.Clock.Now().Sub(iterStart)
	l.cumulative += duration

	l.recordDiagnostic(diagnostics.SinkPerformance, map[string]interface{}{
		"iteration": l.iteration, "hat": hat.ID, "duration_ms": duration.Milliseconds(),
	})

	if err != nil {
		l.consecutiveFailures++
		l.recordDiagnostic(diagnostics.SinkErrors, map[string]interface{}{
			"iteration": l.iteration, "hat": hat.ID, "error": err.Error(),
		})
		return fmt.Errorf("loop: backend run: %w", err)
	}

	parser := stream.NewParser(be.OutputFormat, l.cfg.EventLoop.CompletionMarker)
	tokens := parser.ParseAll(result.Output)
	for _, rec := range parser.Malformed() {
		l.recordDiagnostic(diagnostics.SinkErrors, map[string]interface{}{
			"iteration": l.iteration, "malformed_line": rec.Line, "error": rec.Err.Error(),
		})
	}

	return l.handleTokens(hat, tokens)
}

// runExecutor runs a deterministic hat (§4.J step 4's execution step,
// taken without a backend) and publishes its result exactly as
// handleTokens would publish an agent's EventEmit or default-publish
// token, so accounting and routing behave identically either way.
func (l *Loop) runExecutor(hat *models.Hat, ev models.Event, exec HatExecutor) error {
	topic, payload, err := exec(ev)
	if err != nil {
		l.consecutiveFailures++
		l.recordDiagnostic(diagnostics.SinkErrors, map[string]interface{}{
			"iteration": l.iteration, "hat": hat.ID, "error": err.Error(),
		})
		return fmt.Errorf("loop: execute hat %q: %w", hat.ID, err)
	}

	if topic == "" {
		l.consecutiveFailures++
		return nil
	}

	switch {
	case hat.CanPublish(topic):
		pub, pubErr := l.deps.Bus.Publish(topic, payload, hat.ID, l.iteration)
		if pubErr != nil {
			l.consecutiveFailures++
			return fmt.Errorf("loop: publish executor result: %w", pubErr)
		}
		l.recordDiagnostic(diagnostics.SinkOrchestration, map[string]interface{}{
			"step": "emission", "topic": pub.Topic, "hat": hat.ID, "deterministic": true,
		})
	case topic == hat.DefaultPublish:
		pub := l.deps.Bus.PublishSynthetic(topic, payload, hat.ID, l.iteration)
		l.appendHistory(pub)
		return nil
	default:
		l.consecutiveFailures++
		return fmt.Errorf("loop: hat %q executor produced unpublishable topic %q", hat.ID, topic)
	}

	l.consecutiveFailures = 0
	return nil
}

// handleTokens implements emission (§4.J step 5): validate each
// EventEmit token, accept or reject against the hat's allow-list, and
// synthesize the safety-net default publish if nothing was emitted.
func (l *Loop) handleTokens(hat *models.Hat, tokens []stream.Token) error {
	emitted := false
	var firstErr error

	for _, tok := range tokens {
		l.recordDiagnostic(diagnostics.SinkAgentOutput, tokenDiagnostic(tok))

		switch tok.Kind {
		case stream.TokenEventEmit:
			ev, err := l.deps.Bus.Publish(tok.EventTopic, tok.EventPayload, hat.ID, l.iteration)
			if err != nil {
				l.recordDiagnostic(diagnostics.SinkErrors, map[string]interface{}{
					"iteration": l.iteration, "hat": hat.ID, "rejected_topic": tok.EventTopic, "error": err.Error(),
				})
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			emitted = true
			l.recordDiagnostic(diagnostics.SinkOrchestration, map[string]interface{}{
				"step": "emission", "topic": ev.Topic, "hat": hat.ID,
			})
		case stream.TokenCompletion:
			emitted = true
			l.completed = true
			l.recordDiagnostic(diagnostics.SinkOrchestration, map[string]interface{}{
				"step": "completion", "hat": hat.ID, "reason": tok.CompletionReason,
			})
		}
	}

	if emitted {
		l.consecutiveFailures = 0
		return firstErr
	}

	if hat.DefaultPublish != "" {
		ev := l.deps.Bus.PublishSynthetic(hat.DefaultPublish, "", hat.ID, l.iteration)
		l.appendHistory(ev)
		return firstErr
	}

	l.consecutiveFailures++
	return firstErr
}

func tokenDiagnostic(tok stream.Token) map[string]interface{} {
	return map[string]interface{}{
		"kind":              int(tok.Kind),
		"text":              tok.Text,
		"tool_name":         tok.ToolName,
		"event_topic":       tok.EventTopic,
		"completion_reason": tok.CompletionReason,
	}
}

func (l *Loop) primeMemories(hat *models.Hat, ev models.Event) []models.Memory {
	if !l.cfg.EventLoop.PrimeMemories || l.deps.MemoryStore == nil {
		return nil
	}
	mems, err := l.deps.MemoryStore.Prime(hat.ID, ev.Topic, l.cfg.EventLoop.MemoryBudgetBytes)
	if err != nil {
		return nil
	}
	return mems
}

func (l *Loop) basePrompt() string {
	return l.cfg.EventLoop.Prompt
}

func (l *Loop) resolveBackend(override string) (backend.Backend, error) {
	name := override
	if name == "" {
		name = l.cfg.CLI.Backend
	}
	return backend.Resolve(name, l.deps.Backends)
}

func (l *Loop) appendHistory(ev models.Event) {
	if l.deps.EventLog == nil {
		return
	}
	_ = l.deps.EventLog.Append(ev)
}

func (l *Loop) recordError(err error) {
	l.recordDiagnostic(diagnostics.SinkErrors, map[string]interface{}{
		"iteration": l.iteration, "error": err.Error(),
	})
}

func (l *Loop) recordDiagnostic(sink string, v interface{}) {
	if l.deps.Diagnostics == nil {
		return
	}
	l.deps.Diagnostics.Record(sink, v)
}

func (l *Loop) checkpointNow() {
	if l.deps.Checkpoint == nil {
		return
	}
	pending, dispatched, _ := l.deps.Bus.Counts()
	history := l.deps.Bus.History()

	pendingIdx := make([]int, 0, pending)
	for i := dispatched; i < len(history); i++ {
		pendingIdx = append(pendingIdx, i)
	}

	_ = l.deps.Checkpoint.Save(models.IterationState{
		Iteration:           l.iteration,
		ConsecutiveFailures: l.consecutiveFailures,
		CumulativeMS:        l.cumulative.Milliseconds(),
		LastEventIndex:       dispatched,
		PendingEventIDs:      pendingIdx,
		LastCheckpoint:       l.deps.Clock.Now(),
	})
}

// checkTermination implements §4.J step 7's closed set, checked before
// popping the next event so a just-met limit stops the loop promptly.
// TaskComplete is checked first, matching the order the set is listed in.
func (l *Loop) checkTermination(ctx context.Context, start time.Time) (models.TerminationReason, bool) {
	if l.completed {
		return models.TaskComplete, true
	}

	select {
	case <-ctx.Done():
		return models.ExternalCancel, true
	default:
	}

	if l.cfg.EventLoop.MaxIterations > 0 && l.iteration >= l.cfg.EventLoop.MaxIterations {
		return models.MaxIterations, true
	}
	if l.cfg.EventLoop.MaxRuntime > 0 && l.deps.Clock.Now().Sub(start) >= l.cfg.EventLoop.MaxRuntime {
		return models.MaxRuntime, true
	}
	maxFail := l.cfg.EventLoop.MaxConsecutiveFailures
	if maxFail <= 0 {
		maxFail = 5
	}
	if l.consecutiveFailures > maxFail {
		return models.ConsecutiveFailures, true
	}
	return "", false
}

// awaitIdle implements the idle policy: when the pending queue is
// empty but no termination condition applies, wait up to
// idle_timeout_secs for external input before terminating IdleTimeout.
// This Loop has no human-input channel wired yet (out of this
// package's scope — the CLI façade owns stdin), so it simply waits out
// the timeout.
func (l *Loop) awaitIdle(ctx context.Context) (models.TerminationReason, bool) {
	timeout := l.cfg.EventLoop.IdleTimeout
	if timeout <= 0 {
		return models.IdleTimeout, true
	}

	select {
	case <-ctx.Done():
		return models.ExternalCancel, true
	case <-time.After(timeout):
		return models.IdleTimeout, true
	}
}
