package config

import (
	"testing"

	"github.com/hats-run/hats/pkg/models"
)

func TestNormalizeLegacyFlatShape(t *testing.T) {
	raw := map[string]interface{}{
		"agent":                     "claude",
		"max_iterations":            50,
		"completion_marker":         "DONE",
		"scratchpad_path":           "SCRATCH.md",
		"hats":                      map[string]interface{}{},
	}

	out, warnings := Normalize(raw)
	if len(warnings) == 0 {
		t.Fatal("expected warnings when normalizing legacy flat config")
	}

	cli, ok := out["cli"].(map[string]interface{})
	if !ok || cli["backend"] != "claude" {
		t.Fatalf("expected cli.backend=claude, got %v", out["cli"])
	}

	el, ok := out["event_loop"].(map[string]interface{})
	if !ok || el["max_iterations"] != 50 || el["completion_marker"] != "DONE" {
		t.Fatalf("expected event_loop fields lifted, got %v", out["event_loop"])
	}

	core, ok := out["core"].(map[string]interface{})
	if !ok || core["scratchpad_path"] != "SCRATCH.md" {
		t.Fatalf("expected core.scratchpad_path lifted, got %v", out["core"])
	}
}

func TestNormalizeNestedShapePassesThroughUnchanged(t *testing.T) {
	raw := map[string]interface{}{
		"cli":        map[string]interface{}{"backend": "codex"},
		"event_loop": map[string]interface{}{"max_iterations": 10},
	}

	out, warnings := Normalize(raw)
	if len(warnings) != 0 {
		t.Fatalf("expected no warnings for already-nested config, got %v", warnings)
	}
	if out["cli"].(map[string]interface{})["backend"] != "codex" {
		t.Fatal("expected nested config to pass through unchanged")
	}
}

func TestValidateRejectsMutuallyExclusivePrompt(t *testing.T) {
	cfg := &Config{
		EventLoop: EventLoopConfig{
			Prompt:     "do the thing",
			PromptFile: "custom.md",
		},
		CLI: CLIConfig{Backend: "claude"},
	}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected mutually exclusive error")
	}
	if _, ok := err.(*MutuallyExclusiveError); !ok {
		t.Fatalf("expected *MutuallyExclusiveError, got %T", err)
	}
}

func TestValidateAllowsPromptWithDefaultPromptFile(t *testing.T) {
	cfg := &Config{
		EventLoop: EventLoopConfig{
			Prompt:     "do the thing",
			PromptFile: DefaultPromptFile,
		},
		CLI: CLIConfig{Backend: "claude"},
	}

	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	cfg := &Config{CLI: CLIConfig{Backend: "mystery-cli"}}
	err := Validate(cfg)
	if _, ok := err.(*UnknownBackendError); !ok {
		t.Fatalf("expected *UnknownBackendError, got %v", err)
	}
}

func TestValidateAcceptsUnknownBackendWithAdapter(t *testing.T) {
	cfg := &Config{
		CLI:      CLIConfig{Backend: "mystery-cli"},
		Adapters: map[string]Adapter{"mystery-cli": {Command: "mystery"}},
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsAmbiguousHatRouting(t *testing.T) {
	cfg := &Config{
		CLI: CLIConfig{Backend: "claude"},
		Hats: map[string]models.Hat{
			"a": {Triggers: []string{"build.done"}, Publications: []string{"x"}},
			"b": {Triggers: []string{"build.done"}, Publications: []string{"y"}},
		},
	}
	err := Validate(cfg)
	if _, ok := err.(*AmbiguousRoutingError); !ok {
		t.Fatalf("expected *AmbiguousRoutingError, got %v", err)
	}
}

func TestValidateRejectsReservedTrigger(t *testing.T) {
	cfg := &Config{
		CLI: CLIConfig{Backend: "claude"},
		Hats: map[string]models.Hat{
			"a": {Triggers: []string{"task.start"}, Publications: []string{"x"}},
		},
	}
	err := Validate(cfg)
	if _, ok := err.(*ReservedTriggerError); !ok {
		t.Fatalf("expected *ReservedTriggerError, got %v", err)
	}
}
