package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/hats-run/hats/internal/backend"
	"github.com/hats-run/hats/internal/config"
	"github.com/hats-run/hats/internal/version"
)

// Exit codes per spec.md §6's CLI surface table.
const (
	exitSuccess           = 0
	exitGeneral           = 1
	exitConfigError       = 2
	exitBackendUnavailable = 3
	exitInterrupted       = 4
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "hats",
	Short: "Event-driven orchestrator for AI agent CLIs",
	Long: `Hats drives external AI-agent CLI tools (claude, codex, gemini, aider, ...)
in a closed event loop: an event is routed to a hat, a hat assembles a
prompt and runs a backend, the backend's output is parsed back into
events, and the loop repeats until a termination condition is met.

Core capabilities:
- Glob-routed events dispatched to named hats
- Parallel secondary loops in git worktrees, merged by a dedicated
  merge-hat workflow
- Backpressure gates that re-derive evidence from disk rather than
  trusting an agent's self-report
- Checkpoint/resume over an append-only event history

Available commands:
  run      Start a primary or secondary loop
  loops    Inspect and manage registered loops
  emit     Append an event to the loop's event history
  events   Stream a loop's event history
  tools    Agent-side memory/task CRUD
  config   Show or migrate the configuration file

Use "hats [command] --help" for more information about a command.`,
}

// Execute runs the root command and translates the returned error into
// the process exit code spec.md §6 defines.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	err := rootCmd.Execute()
	if err == nil {
		os.Exit(exitSuccess)
	}

	fmt.Fprintf(os.Stderr, "hats: %v\n", err)
	os.Exit(exitCodeFor(err))
}

// exitCodeFor maps an error to the closed exit-code set: config errors
// (ambiguous routing, reserved trigger, missing backend, parse
// failure) are 2, a spawn/resolve failure is 3, external cancellation
// is 4, and everything else is the general failure code 1.
func exitCodeFor(err error) int {
	var parseErr *config.ParseError
	var mutexErr *config.MutuallyExclusiveError
	var ambigErr *config.AmbiguousRoutingError
	var reservedErr *config.ReservedTriggerError
	var unknownBackendErr *config.UnknownBackendError
	switch {
	case errors.As(err, &parseErr), errors.As(err, &mutexErr), errors.As(err, &ambigErr),
		errors.As(err, &reservedErr), errors.As(err, &unknownBackendErr):
		return exitConfigError
	}

	var notFoundErr *backend.BackendNotFoundError
	var spawnErr *backend.SpawnError
	if errors.As(err, &notFoundErr) || errors.As(err, &spawnErr) || errors.Is(err, exec.ErrNotFound) {
		return exitBackendUnavailable
	}

	if errors.Is(err, context.Canceled) {
		return exitInterrupted
	}

	return exitGeneral
}

func init() {
	rootCmd.Version = version.Get()
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to hats.yml/ralph.yml (default: search cwd)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(loopsCmd)
	rootCmd.AddCommand(emitCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig is the one place every subcommand goes through to read
// hats.yml/ralph.yml, so the --config flag and search-path fallback
// behave identically everywhere.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// projectRoot returns the current working directory, the root every
// state-directory path is resolved relative to.
func projectRoot() (string, error) {
	return os.Getwd()
}
