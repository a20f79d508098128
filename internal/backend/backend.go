// Package backend resolves and executes the external agent CLI a hat
// runs under. A Backend is a value describing how to invoke one
// executable (claude, codex, gemini, aider, ...); Run spawns it either
// piped or under a PTY and returns a uniform Result regardless of mode.
package backend

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// PromptMode controls how the prompt reaches the backend process.
type PromptMode string

const (
	PromptModeArgument PromptMode = "argument"
	PromptModeStdin    PromptMode = "stdin"
)

// ExecMode selects piped streams vs. a pseudo-terminal.
type ExecMode string

const (
	ExecModePiped ExecMode = "piped"
	ExecModePTY   ExecMode = "pty"
)

// PromptArgThreshold is the prompt length above which, for
// argument-mode backends, Run writes the prompt to a temp file and
// passes "@path" instead of the literal text (spec.md §4.G).
const PromptArgThreshold = 7000

// Backend describes one external agent CLI.
type Backend struct {
	Name            string
	Command         string
	StaticArgs      []string
	PromptMode      PromptMode
	CustomPromptFlag string
	OutputFormat    string
	EnvVars         []string
}

// Builtins returns the backends known without any adapters config.
func Builtins() map[string]Backend {
	return map[string]Backend{
		"claude": {
			Name:         "claude",
			Command:      "claude",
			StaticArgs:   []string{"--output-format", "stream-json", "--print", "--verbose"},
			PromptMode:   PromptModeArgument,
			CustomPromptFlag: "-p",
			OutputFormat: "stream-json",
		},
		"codex": {
			Name:         "codex",
			Command:      "codex",
			StaticArgs:   []string{"exec", "--json"},
			PromptMode:   PromptModeStdin,
			OutputFormat: "ndjson",
		},
		"gemini": {
			Name:         "gemini",
			Command:      "gemini",
			StaticArgs:   []string{"--yolo"},
			PromptMode:   PromptModeArgument,
			OutputFormat: "text",
		},
		"aider": {
			Name:         "aider",
			Command:      "aider",
			StaticArgs:   []string{"--yes-always", "--no-pretty"},
			PromptMode:   PromptModeStdin,
			OutputFormat: "text",
		},
	}
}

// BackendNotFoundError means the requested backend name has no
// built-in and no adapters override.
type BackendNotFoundError struct{ Name string }

func (e *BackendNotFoundError) Error() string {
	return fmt.Sprintf("backend: %q not found", e.Name)
}

// SpawnError wraps a failure to start the backend process.
type SpawnError struct {
	Name string
	Err  error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("backend: spawn %q: %v", e.Name, e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }

// TimeoutError means the process did not exit before the iteration
// timeout and was killed.
type TimeoutError struct{ Name string }

func (e *TimeoutError) Error() string { return fmt.Sprintf("backend: %q timed out", e.Name) }

// NonZeroExitError wraps a backend process that exited with a nonzero code.
type NonZeroExitError struct {
	Name string
	Code int
}

func (e *NonZeroExitError) Error() string {
	return fmt.Sprintf("backend: %q exited %d", e.Name, e.Code)
}

// Resolve picks a named backend from the built-ins merged with any
// configured names, doing `auto` resolution when requested: the first
// built-in whose executable is found on PATH.
func Resolve(name string, known map[string]Backend) (Backend, error) {
	if name == "auto" || name == "" {
		for _, candidate := range []string{"claude", "codex", "gemini", "aider"} {
			if b, ok := known[candidate]; ok {
				if _, err := exec.LookPath(b.Command); err == nil {
					return b, nil
				}
			}
		}
		return Backend{}, &BackendNotFoundError{Name: "auto"}
	}

	if b, ok := known[name]; ok {
		return b, nil
	}
	return Backend{}, &BackendNotFoundError{Name: name}
}

// Result is what Run returns regardless of execution mode.
type Result struct {
	ExitCode int
	Output   string
	TimedOut bool
	Success  bool
}

// RunOptions parameterize one Run call.
type RunOptions struct {
	Mode          ExecMode
	Timeout       time.Duration
	ShutdownGrace time.Duration
	WorkDir       string
}

// Run spawns the backend with prompt and returns its collected output.
// Piped mode separates stdout/stderr; PTY mode merges them through a
// pseudo-terminal. Both modes enforce Timeout with SIGTERM, a
// ShutdownGrace wait, then SIGKILL.
func Run(ctx context.Context, b Backend, prompt string, opts RunOptions) (Result, error) {
	args := append([]string(nil), b.StaticArgs...)

	var promptFile string
	passPrompt := prompt
	if b.PromptMode == PromptModeArgument && len(prompt) > PromptArgThreshold {
		f, err := os.CreateTemp("", "hats-prompt-*.txt")
		if err != nil {
			return Result{}, &SpawnError{Name: b.Name, Err: err}
		}
		if _, err := f.WriteString(prompt); err != nil {
			f.Close()
			os.Remove(f.Name())
			return Result{}, &SpawnError{Name: b.Name, Err: err}
		}
		f.Close()
		promptFile = f.Name()
		defer os.Remove(promptFile)
		passPrompt = "@" + promptFile
	}

	if b.PromptMode == PromptModeArgument {
		if b.CustomPromptFlag != "" {
			args = append(args, b.CustomPromptFlag, passPrompt)
		} else {
			args = append(args, passPrompt)
		}
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, b.Command, args...)
	cmd.Dir = opts.WorkDir
	cmd.Env = append(os.Environ(), b.EnvVars...)
	// Let the orchestrator manage shutdown with SIGTERM-then-grace
	// rather than context cancellation's default SIGKILL.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = opts.ShutdownGrace

	var out bytes.Buffer

	switch opts.Mode {
	case ExecModePTY:
		return runPTY(cmd, b, passPrompt, &out, opts)
	default:
		return runPiped(cmd, b, passPrompt, &out, opts)
	}
}

func runPiped(cmd *exec.Cmd, b Backend, passPrompt string, out *bytes.Buffer, opts RunOptions) (Result, error) {
	cmd.Stdout = out
	cmd.Stderr = out

	if b.PromptMode == PromptModeStdin {
		cmd.Stdin = strings.NewReader(passPrompt)
	}

	if err := cmd.Start(); err != nil {
		return Result{}, &SpawnError{Name: b.Name, Err: err}
	}

	err := cmd.Wait()
	return resultFromWait(b, out.String(), err)
}

func runPTY(cmd *exec.Cmd, b Backend, passPrompt string, out *bytes.Buffer, opts RunOptions) (Result, error) {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return Result{}, &SpawnError{Name: b.Name, Err: err}
	}
	defer ptmx.Close()

	if b.PromptMode == PromptModeStdin {
		go func() {
			_, _ = ptmx.Write([]byte(passPrompt))
		}()
	}

	copyDone := make(chan struct{})
	go func() {
		buf := make([]byte, 4096)
		for {
			n, readErr := ptmx.Read(buf)
			if n > 0 {
				out.Write(buf[:n])
			}
			if readErr != nil {
				// EIO is expected when the child exits and closes its
				// end of the pty; any other error also just ends the copy.
				close(copyDone)
				return
			}
		}
	}()

	err = cmd.Wait()
	<-copyDone
	return resultFromWait(b, out.String(), err)
}

func resultFromWait(b Backend, output string, waitErr error) (Result, error) {
	if waitErr == nil {
		return Result{ExitCode: 0, Output: output, Success: true}, nil
	}

	var exitErr *exec.ExitError
	if ok := asExitError(waitErr, &exitErr); ok {
		code := exitErr.ExitCode()
		return Result{ExitCode: code, Output: output, Success: false},
			&NonZeroExitError{Name: b.Name, Code: code}
	}

	if isDeadlineErr(waitErr) {
		return Result{Output: output, TimedOut: true}, &TimeoutError{Name: b.Name}
	}

	return Result{Output: output}, &SpawnError{Name: b.Name, Err: waitErr}
}

func asExitError(err error, out **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*out = ee
	}
	return ok
}

func isDeadlineErr(err error) bool {
	return err == context.DeadlineExceeded || strings.Contains(err.Error(), "signal: killed") ||
		strings.Contains(err.Error(), "context deadline exceeded")
}
