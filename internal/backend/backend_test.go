package backend

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestResolveNamedBackend(t *testing.T) {
	known := Builtins()
	b, err := Resolve("claude", known)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Command != "claude" {
		t.Fatalf("expected command claude, got %q", b.Command)
	}
}

func TestResolveUnknownBackend(t *testing.T) {
	_, err := Resolve("nonexistent-cli", Builtins())
	if _, ok := err.(*BackendNotFoundError); !ok {
		t.Fatalf("expected *BackendNotFoundError, got %v", err)
	}
}

func TestRunPipedCapturesStdout(t *testing.T) {
	b := Backend{
		Name:       "echo-test",
		Command:    "echo",
		PromptMode: PromptModeArgument,
	}
	res, err := Run(context.Background(), b, "hello", RunOptions{Mode: ExecModePiped, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(res.Output, "hello") {
		t.Fatalf("expected output to contain prompt, got %q", res.Output)
	}
	if !res.Success {
		t.Fatal("expected success")
	}
}

func TestRunNonZeroExit(t *testing.T) {
	b := Backend{
		Name:       "false-test",
		Command:    "false",
		PromptMode: PromptModeStdin,
	}
	_, err := Run(context.Background(), b, "x", RunOptions{Mode: ExecModePiped, Timeout: 5 * time.Second})
	if _, ok := err.(*NonZeroExitError); !ok {
		t.Fatalf("expected *NonZeroExitError, got %v", err)
	}
}

func TestRunPromptArgEscapeUsesTempFile(t *testing.T) {
	// echo just reflects its argv; a prompt over the threshold must be
	// passed as a short "@path" reference, not the literal long text.
	b := Backend{
		Name:       "echo-test",
		Command:    "echo",
		PromptMode: PromptModeArgument,
	}
	long := strings.Repeat("x", PromptArgThreshold+100)
	res, err := Run(context.Background(), b, long, RunOptions{Mode: ExecModePiped, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	trimmed := strings.TrimSpace(res.Output)
	if !strings.HasPrefix(trimmed, "@") {
		t.Fatalf("expected @path escape, got %q", trimmed[:min(40, len(trimmed))])
	}
	if len(trimmed) > PromptArgThreshold {
		t.Fatalf("expected short @path reference, got length %d", len(trimmed))
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
