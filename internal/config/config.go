// Package config loads and normalizes hats.yml / ralph.yml. It accepts
// two top-level shapes — a legacy flat form and a nested v2 form — and
// always produces the same normalized Config value (spec.md §4.C, §6).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/hats-run/hats/pkg/models"
)

// DefaultPromptFile is the sentinel value that makes prompt_file exempt
// from the prompt/prompt_file mutual-exclusion rule.
const DefaultPromptFile = "PROMPT.md"

// DefaultCompletionMarker is the string whose presence in agent output
// signals TaskComplete.
const DefaultCompletionMarker = "LOOP_COMPLETE"

// Config is the normalized (v2-nested) configuration shape every loop
// runs from, regardless of which shape the YAML file was written in.
type Config struct {
	CLI       CLIConfig             `mapstructure:"cli" yaml:"cli"`
	EventLoop EventLoopConfig       `mapstructure:"event_loop" yaml:"event_loop"`
	Core      CoreConfig            `mapstructure:"core" yaml:"core"`
	Hats      map[string]models.Hat `mapstructure:"hats" yaml:"hats"`
	Events    map[string]EventMeta  `mapstructure:"events" yaml:"events,omitempty"`
	Adapters  map[string]Adapter    `mapstructure:"adapters" yaml:"adapters,omitempty"`
	TUI       TUIConfig             `mapstructure:"tui" yaml:"tui"`

	// SuppressLegacyWarnings silences the non-fatal warnings emitted
	// when normalizing a legacy flat config.
	SuppressLegacyWarnings bool `mapstructure:"suppress_legacy_warnings" yaml:"suppress_legacy_warnings,omitempty"`
}

// CLIConfig controls how the backend subprocess is invoked.
type CLIConfig struct {
	Backend            string        `mapstructure:"backend" yaml:"backend"`
	Mode               string        `mapstructure:"mode" yaml:"mode"` // "piped" | "pty"
	Timeout            time.Duration `mapstructure:"timeout" yaml:"timeout"`
	ShutdownGrace      time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
	Colors             bool          `mapstructure:"colors" yaml:"colors"`
	PromptArgThreshold int           `mapstructure:"prompt_arg_threshold" yaml:"prompt_arg_threshold"`
}

// EventLoopConfig controls the iteration machine (spec.md §4.J).
type EventLoopConfig struct {
	Prompt                 string        `mapstructure:"prompt" yaml:"prompt,omitempty"`
	PromptFile             string        `mapstructure:"prompt_file" yaml:"prompt_file"`
	MaxIterations          int           `mapstructure:"max_iterations" yaml:"max_iterations"`
	MaxRuntime             time.Duration `mapstructure:"max_runtime" yaml:"max_runtime"`
	MaxCost                float64       `mapstructure:"max_cost" yaml:"max_cost"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures" yaml:"max_consecutive_failures"`
	IdleTimeout            time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	CheckpointInterval     int           `mapstructure:"checkpoint_interval" yaml:"checkpoint_interval"`
	CompletionMarker       string        `mapstructure:"completion_marker" yaml:"completion_marker"`
	StartingEvent          string        `mapstructure:"starting_event" yaml:"starting_event"`
	PrimeMemories          bool          `mapstructure:"prime_memories" yaml:"prime_memories"`
	MemoryBudgetBytes      int           `mapstructure:"memory_budget_bytes" yaml:"memory_budget_bytes"`
}

// CoreConfig holds paths and guardrails shared by every hat's prompt.
type CoreConfig struct {
	ScratchpadPath string   `mapstructure:"scratchpad_path" yaml:"scratchpad_path"`
	SpecsPath      string   `mapstructure:"specs_path" yaml:"specs_path"`
	Guardrails     []string `mapstructure:"guardrails" yaml:"guardrails,omitempty"`
}

// EventMeta is optional metadata about a topic, informational only.
type EventMeta struct {
	Description string `mapstructure:"description" yaml:"description"`
}

// Adapter is a per-backend override (custom command, env vars, etc.).
type Adapter struct {
	Command string   `mapstructure:"command" yaml:"command"`
	Args    []string `mapstructure:"args" yaml:"args,omitempty"`
	EnvVars []string `mapstructure:"env_vars" yaml:"env_vars,omitempty"`
	APIKey  string   `mapstructure:"api_key" yaml:"api_key,omitempty"`
}

// TUIConfig controls the operator-facing prefix key for the human
// channel the idle policy awaits input from. Rendering itself is out
// of core scope (spec.md §1); this is just the keybinding setting.
type TUIConfig struct {
	PrefixKey string `mapstructure:"prefix_key" yaml:"prefix_key,omitempty"`
}

// Load reads the config file at path (or the default hats.yml/ralph.yml
// search path when path is empty), normalizes whichever shape it finds,
// validates the result, and returns it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("hats")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/hats")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Fall back to the legacy ralph.yml name before giving up.
			v.SetConfigName("ralph")
			if err2 := v.ReadInConfig(); err2 != nil {
				return nil, &ParseError{Path: path, Err: err}
			}
		} else {
			return nil, &ParseError{Path: path, Err: err}
		}
	}

	raw := v.AllSettings()
	normalized, warnings := Normalize(raw)

	cfg := &Config{}
	dv := viper.New()
	if err := dv.MergeConfigMap(normalized); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	if err := dv.Unmarshal(cfg); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}

	applyZeroValueDefaults(cfg)

	if !cfg.SuppressLegacyWarnings {
		for _, w := range warnings {
			fmt.Fprintf(os.Stderr, "hats: config warning: %s\n", w)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromPath is an explicit alias of Load kept for callers that want
// to be clear a specific file (not a search path) is being read.
func LoadFromPath(path string) (*Config, error) {
	return Load(path)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cli.backend", "auto")
	v.SetDefault("cli.mode", "piped")
	v.SetDefault("cli.timeout", "15m")
	v.SetDefault("cli.shutdown_grace", "5s")
	v.SetDefault("cli.prompt_arg_threshold", 7000)

	v.SetDefault("event_loop.prompt_file", DefaultPromptFile)
	v.SetDefault("event_loop.max_iterations", 0)
	v.SetDefault("event_loop.max_consecutive_failures", 5)
	v.SetDefault("event_loop.idle_timeout", "5m")
	v.SetDefault("event_loop.checkpoint_interval", 10)
	v.SetDefault("event_loop.completion_marker", DefaultCompletionMarker)
	v.SetDefault("event_loop.starting_event", "task.start")
	v.SetDefault("event_loop.prime_memories", true)
	v.SetDefault("event_loop.memory_budget_bytes", 4000)
}

// applyZeroValueDefaults fills in defaults that viper's MergeConfigMap
// step can silently drop when the source map omits a nested key.
func applyZeroValueDefaults(cfg *Config) {
	if cfg.CLI.Backend == "" {
		cfg.CLI.Backend = "auto"
	}
	if cfg.CLI.Mode == "" {
		cfg.CLI.Mode = "piped"
	}
	if cfg.CLI.Timeout == 0 {
		cfg.CLI.Timeout = 15 * time.Minute
	}
	if cfg.CLI.ShutdownGrace == 0 {
		cfg.CLI.ShutdownGrace = 5 * time.Second
	}
	if cfg.CLI.PromptArgThreshold == 0 {
		cfg.CLI.PromptArgThreshold = 7000
	}
	if cfg.EventLoop.PromptFile == "" {
		cfg.EventLoop.PromptFile = DefaultPromptFile
	}
	if cfg.EventLoop.MaxConsecutiveFailures == 0 {
		cfg.EventLoop.MaxConsecutiveFailures = 5
	}
	if cfg.EventLoop.IdleTimeout == 0 {
		cfg.EventLoop.IdleTimeout = 5 * time.Minute
	}
	if cfg.EventLoop.CheckpointInterval == 0 {
		cfg.EventLoop.CheckpointInterval = 10
	}
	if cfg.EventLoop.CompletionMarker == "" {
		cfg.EventLoop.CompletionMarker = DefaultCompletionMarker
	}
	if cfg.EventLoop.StartingEvent == "" {
		cfg.EventLoop.StartingEvent = "task.start"
	}
	if cfg.EventLoop.MemoryBudgetBytes == 0 {
		cfg.EventLoop.MemoryBudgetBytes = 4000
	}
}

// StateDir returns the state directory for the given project root,
// preferring .hats/ and falling back to the legacy .agent/ name if
// that's the only one present.
func StateDir(projectRoot string) string {
	hatsDir := filepath.Join(projectRoot, ".hats")
	if _, err := os.Stat(hatsDir); err == nil {
		return hatsDir
	}
	legacy := filepath.Join(projectRoot, ".agent")
	if _, err := os.Stat(legacy); err == nil {
		return legacy
	}
	return hatsDir
}
