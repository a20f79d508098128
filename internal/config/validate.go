package config

import "github.com/hats-run/hats/pkg/models"

// builtinBackends lists backend names internal/backend resolves without
// needing an adapters entry. Kept here (not imported from
// internal/backend) so config has no dependency on the backend package.
var builtinBackends = map[string]bool{
	"auto":   true,
	"claude": true,
	"codex":  true,
	"gemini": true,
	"aider":  true,
}

// Validate checks cross-field invariants the normalizer alone cannot
// enforce: prompt/prompt_file mutual exclusion, hat trigger ambiguity,
// reserved-trigger violations, and unknown backend names.
func Validate(cfg *Config) error {
	if cfg.EventLoop.Prompt != "" && cfg.EventLoop.PromptFile != "" && cfg.EventLoop.PromptFile != DefaultPromptFile {
		return &MutuallyExclusiveError{FieldA: "event_loop.prompt", FieldB: "event_loop.prompt_file"}
	}

	if !builtinBackends[cfg.CLI.Backend] {
		if _, ok := cfg.Adapters[cfg.CLI.Backend]; !ok {
			return &UnknownBackendError{Backend: cfg.CLI.Backend}
		}
	}

	claimed := map[string]string{} // literal trigger -> hat id
	for id, h := range cfg.Hats {
		hat := h
		hat.ID = id
		for _, trig := range hat.Triggers {
			if models.IsReservedTrigger(trig) {
				return &ReservedTriggerError{HatID: id, Topic: trig}
			}
			if owner, ok := claimed[trig]; ok && owner != id {
				return &AmbiguousRoutingError{Topic: trig, HatA: owner, HatB: id}
			}
			claimed[trig] = id
		}
		if err := hat.Validate(); err != nil {
			return err
		}
	}

	return nil
}
