package gates

import (
	"testing"
)

func TestDecodeEvidenceParsesClaims(t *testing.T) {
	e := DecodeEvidence(`{"tests_passed": true, "build_ok": false}`)
	if e.TestsPassed == nil || !*e.TestsPassed {
		t.Fatal("expected tests_passed true")
	}
	if e.BuildOK == nil || *e.BuildOK {
		t.Fatal("expected build_ok false")
	}
}

func TestDecodeEvidenceEmptyPayload(t *testing.T) {
	e := DecodeEvidence("")
	if e.TestsPassed != nil {
		t.Fatal("expected no claim reported for empty payload")
	}
}

func TestEvaluatePassesWhenAllClaimsTrue(t *testing.T) {
	reqs := []Requirement{DefaultRequirements[0], DefaultRequirements[1]}
	payload := `{"tests_passed": true, "build_ok": true}`

	out := Evaluate(payload, reqs, NewVerifier(t.TempDir()), nil)
	if !out.Pass {
		t.Fatalf("expected pass, got missing=%v", out.Missing)
	}
}

func TestEvaluateFallsBackToDiskWhenClaimMissing(t *testing.T) {
	reqs := []Requirement{DefaultRequirements[0]}
	// No tests_passed claim at all: Evaluate must not trust the
	// absence as success, and falls back to the disk verifier, which
	// fails here because "go" is very unlikely to resolve to a
	// command matching the test fixture's empty directory meaningfully
	// — the point under test is that it's invoked, not its result.
	out := Evaluate(`{}`, reqs, NewVerifier(t.TempDir()), nil)
	if _, ok := out.Details[string(CheckTest)]; !ok {
		t.Fatal("expected the test check to have been re-verified from disk")
	}
}

func TestEvaluateFailsWhenClaimFalse(t *testing.T) {
	reqs := []Requirement{DefaultRequirements[2]}
	out := Evaluate(`{"lint_clean": false}`, reqs, NewVerifier(t.TempDir()), nil)
	if out.Pass {
		t.Fatal("expected failure when a claim is explicitly false")
	}
	if len(out.Missing) != 1 || out.Missing[0] != string(CheckLint) {
		t.Fatalf("expected lint listed as missing, got %v", out.Missing)
	}
}

func TestEvaluateFailsOnProtectedPathEvenWhenChecksPass(t *testing.T) {
	reqs := []Requirement{DefaultRequirements[0]}
	payload := `{"tests_passed": true, "changed_paths": ["internal/auth/token.go"]}`

	out := Evaluate(payload, reqs, NewVerifier(t.TempDir()), DefaultProtectedPaths)
	if out.Pass {
		t.Fatal("expected a protected-path change to fail the gate regardless of passing checks")
	}
	if len(out.Missing) != 1 || out.Missing[0] != "protected_path:internal/auth/token.go" {
		t.Fatalf("expected the protected path named in Missing, got %v", out.Missing)
	}
}

func TestEvaluateIgnoresProtectedPathsWhenNilGiven(t *testing.T) {
	reqs := []Requirement{DefaultRequirements[0]}
	payload := `{"tests_passed": true, "changed_paths": ["internal/auth/token.go"]}`

	out := Evaluate(payload, reqs, NewVerifier(t.TempDir()), nil)
	if !out.Pass {
		t.Fatalf("expected pass with no protected-path list configured, got missing=%v", out.Missing)
	}
}

func TestTouchesProtectedPathMatchesDoubleGlob(t *testing.T) {
	hit, found := TouchesProtectedPath([]string{"pkg/models/hat.go", "internal/secrets/keys.go"}, DefaultProtectedPaths)
	if !found || hit != "internal/secrets/keys.go" {
		t.Fatalf("expected secrets path to match, got hit=%q found=%v", hit, found)
	}
}

func TestHatsRenderSpecsAsValidHats(t *testing.T) {
	for _, h := range Hats(DefaultSpecs()) {
		if err := h.Validate(); err != nil {
			t.Fatalf("gate hat %s failed validation: %v", h.ID, err)
		}
	}
}

func TestRunEmitsPassTopicOnSuccess(t *testing.T) {
	spec := DefaultSpecs()[0]
	topic, payload := Run(spec, `{"tests_passed": true, "build_ok": true}`, NewVerifier(t.TempDir()))
	if topic != spec.PassTopic {
		t.Fatalf("expected pass topic %q, got %q", spec.PassTopic, topic)
	}
	if payload == "" {
		t.Fatal("expected payload to be passed through unchanged")
	}
}

func TestRunEmitsRejectTopicOnFailure(t *testing.T) {
	spec := DefaultSpecs()[1]
	topic, payload := Run(spec, `{"tests_passed": false}`, NewVerifier(t.TempDir()))
	if topic != spec.RejectTopic {
		t.Fatalf("expected reject topic %q, got %q", spec.RejectTopic, topic)
	}
	if payload == "" {
		t.Fatal("expected a rejection payload naming missing evidence")
	}
}
