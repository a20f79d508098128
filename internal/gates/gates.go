// Package gates implements the backpressure / validation layer of
// spec.md §4.R: gates are ordinary hats subscribed to terminal events,
// re-reading the evidence a hat claimed (from its event payload) or
// from disk, and either letting the event pass through or emitting a
// review.blocked/review.revision event carrying the missing items.
// Gates are the only mechanism in the system allowed to reject work.
package gates

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/hats-run/hats/pkg/models"
)

// Evidence is the claim a hat reports in its event payload about the
// checks it ran. A nil field means "not reported". Only an explicit
// true is accepted as reported; a nil or false claim is re-derived from
// disk rather than trusting absence as success.
type Evidence struct {
	TestsPassed     *bool    `json:"tests_passed,omitempty"`
	BuildOK         *bool    `json:"build_ok,omitempty"`
	LintClean       *bool    `json:"lint_clean,omitempty"`
	TypecheckClean  *bool    `json:"typecheck_clean,omitempty"`
	CoveragePercent float64  `json:"coverage_percent,omitempty"`
	ChangedPaths    []string `json:"changed_paths,omitempty"`
}

// DecodeEvidence parses an event payload's evidence claims. An empty
// or non-JSON payload decodes to a zero Evidence (nothing reported).
func DecodeEvidence(payload string) Evidence {
	var e Evidence
	if payload == "" {
		return e
	}
	_ = json.Unmarshal([]byte(payload), &e)
	return e
}

// CheckName enumerates the four evidence kinds a gate can verify,
// mirroring the default checks named in spec.md §4.R.
type CheckName string

const (
	CheckTest      CheckName = "test"
	CheckBuild     CheckName = "build"
	CheckLint      CheckName = "lint"
	CheckTypecheck CheckName = "typecheck"
)

// DefaultProtectedPaths are glob patterns a hat's reported diff is
// checked against before a merge-bound event is allowed to pass. Kept
// narrow and conservative. Each gate Spec carries its own
// ProtectedPaths; DefaultSpecs uses this list for both default gates,
// and hats.yml has no setting that changes it.
var DefaultProtectedPaths = []string{
	"**/auth/**",
	"**/secrets/**",
	"**/credentials/**",
	"**/.ssh/**",
	"**/migrations/**",
}

// matchPathGlob reports whether path matches a "/"-delimited glob
// pattern where "*" consumes one path segment and "**" consumes any
// number of segments (including zero).
func matchPathGlob(pattern, path string) bool {
	return matchPathSegments(strings.Split(pattern, "/"), strings.Split(path, "/"))
}

func matchPathSegments(pattern, segs []string) bool {
	if len(pattern) == 0 {
		return len(segs) == 0
	}
	head := pattern[0]
	if head == "**" {
		if len(pattern) == 1 {
			return true
		}
		for i := 0; i <= len(segs); i++ {
			if matchPathSegments(pattern[1:], segs[i:]) {
				return true
			}
		}
		return false
	}
	if len(segs) == 0 {
		return false
	}
	if head != "*" && head != segs[0] {
		return false
	}
	return matchPathSegments(pattern[1:], segs[1:])
}

// TouchesProtectedPath reports whether any path in changed matches one
// of the given glob patterns.
func TouchesProtectedPath(changed []string, patterns []string) (string, bool) {
	for _, p := range changed {
		for _, pattern := range patterns {
			if matchPathGlob(pattern, p) {
				return p, true
			}
		}
	}
	return "", false
}

// Verifier re-derives one check's pass/fail from disk when the
// reporting hat's payload didn't include (or disagreed with) a claim.
// It is a deterministic, re-runnable fallback — the gate never simply
// trusts a hat's self-report.
type Verifier struct {
	WorkDir string
	Timeout time.Duration
}

// NewVerifier returns a Verifier rooted at workDir with a default
// five-minute per-check timeout.
func NewVerifier(workDir string) *Verifier {
	return &Verifier{WorkDir: workDir, Timeout: 5 * time.Minute}
}

// Verify runs the named check and reports whether it passed.
func (v *Verifier) Verify(check CheckName) (bool, string, error) {
	switch check {
	case CheckTest:
		return v.run("go", "test", "./...")
	case CheckBuild:
		return v.run("go", "build", "./...")
	case CheckLint:
		return v.run("golangci-lint", "run")
	case CheckTypecheck:
		return v.run("go", "vet", "./...")
	default:
		return false, "", fmt.Errorf("gates: unknown check %q", check)
	}
}

func (v *Verifier) run(name string, args ...string) (bool, string, error) {
	if _, err := exec.LookPath(name); err != nil {
		return false, "", fmt.Errorf("gates: %s not found on PATH: %w", name, err)
	}

	timeout := v.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = v.WorkDir

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	return err == nil, buf.String(), nil
}

// Requirement pairs an evidence claim with the disk check that
// verifies it when the claim is absent or negative.
type Requirement struct {
	Name  CheckName
	Claim func(Evidence) *bool
}

// DefaultRequirements is the standard four-check set spec.md §4.R
// names as examples: test, build, lint, typecheck.
var DefaultRequirements = []Requirement{
	{Name: CheckTest, Claim: func(e Evidence) *bool { return e.TestsPassed }},
	{Name: CheckBuild, Claim: func(e Evidence) *bool { return e.BuildOK }},
	{Name: CheckLint, Claim: func(e Evidence) *bool { return e.LintClean }},
	{Name: CheckTypecheck, Claim: func(e Evidence) *bool { return e.TypecheckClean }},
}

// Outcome is a gate's verdict on one terminal event.
type Outcome struct {
	Pass    bool
	Missing []string
	Details map[string]string
}

// Evaluate checks every requirement against the reported evidence,
// re-verifying from disk via v whenever a claim is unreported or
// false, then checks the reported changed paths against protectedPaths
// (nil skips this check entirely). Evaluate never trusts an unreported
// field as a pass, and a protected-path hit fails the gate regardless
// of how every other requirement scored.
func Evaluate(payload string, reqs []Requirement, v *Verifier, protectedPaths []string) Outcome {
	e := DecodeEvidence(payload)
	out := Outcome{Pass: true, Details: map[string]string{}}

	for _, req := range reqs {
		claim := req.Claim(e)
		if claim != nil && *claim {
			continue
		}

		ok, output, err := v.Verify(req.Name)
		out.Details[string(req.Name)] = output
		if err != nil || !ok {
			out.Pass = false
			out.Missing = append(out.Missing, string(req.Name))
		}
	}

	if hit, found := TouchesProtectedPath(e.ChangedPaths, protectedPaths); found {
		out.Pass = false
		out.Missing = append(out.Missing, fmt.Sprintf("protected_path:%s", hit))
	}

	return out
}

// RejectionPayload serializes an Outcome's missing items for the
// review.blocked/review.revision event a failed gate emits.
func RejectionPayload(missing []string) string {
	data, _ := json.Marshal(struct {
		Missing []string `json:"missing"`
	}{Missing: missing})
	return string(data)
}

// Spec describes one configured gate: which terminal topic it
// subscribes to, which topic it emits on pass-through, and which it
// emits on rejection (review.blocked for a hard gate, review.revision
// for one that expects the hat to retry).
type Spec struct {
	ID             string
	TerminalTopic  string
	PassTopic      string
	RejectTopic    string
	Requirements   []Requirement
	ProtectedPaths []string
}

// DefaultSpecs returns the two example gate pairings spec.md §4.R
// names: a build gate and a review gate.
func DefaultSpecs() []Spec {
	return []Spec{
		{
			ID:             "build_gate",
			TerminalTopic:  "build.done",
			PassTopic:      "build.verified",
			RejectTopic:    "review.revision",
			Requirements:   []Requirement{DefaultRequirements[0], DefaultRequirements[1]},
			ProtectedPaths: DefaultProtectedPaths,
		},
		{
			ID:             "review_gate",
			TerminalTopic:  "review.done",
			PassTopic:      "review.approved",
			RejectTopic:    "review.blocked",
			Requirements:   DefaultRequirements,
			ProtectedPaths: DefaultProtectedPaths,
		},
	}
}

// Hats renders specs as ordinary models.Hat values — gates have no
// special type, just an instruction to re-read the evidence.
func Hats(specs []Spec) []*models.Hat {
	out := make([]*models.Hat, 0, len(specs))
	for _, s := range specs {
		out = append(out, &models.Hat{
			ID:           s.ID,
			DisplayName:  s.ID,
			Description:  fmt.Sprintf("re-verifies evidence reported on %s before letting it advance", s.TerminalTopic),
			Triggers:     []string{s.TerminalTopic},
			Publications: []string{s.PassTopic, s.RejectTopic},
			Instructions: fmt.Sprintf(
				"re-read the evidence for %s from the event payload or from disk, including which paths changed; emit %s if every required check passes and no changed path matches a protected pattern, otherwise emit %s naming what's missing",
				s.TerminalTopic, s.PassTopic, s.RejectTopic,
			),
		})
	}
	return out
}

// Run evaluates spec s against payload and reports which topic the
// gate should publish and with what payload.
func Run(s Spec, payload string, v *Verifier) (topic string, outPayload string) {
	outcome := Evaluate(payload, s.Requirements, v, s.ProtectedPaths)
	if outcome.Pass {
		return s.PassTopic, payload
	}
	return s.RejectTopic, RejectionPayload(outcome.Missing)
}

// Executor adapts Run into the loop's deterministic hat-executor shape
// (internal/loop.HatExecutor), so a gate hat registered via Hats is
// actually re-verified on disk rather than merely instructed to.
func Executor(s Spec, v *Verifier) func(ev models.Event) (string, string, error) {
	return func(ev models.Event) (string, string, error) {
		topic, out := Run(s, ev.Payload, v)
		return topic, out, nil
	}
}
