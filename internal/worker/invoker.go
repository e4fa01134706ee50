// Package worker spawns one invocation of the worker CLI and captures its
// combined output.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// ToolClaude is the only supported worker identifier.
const ToolClaude = "claude"

// DefaultGracePeriod is how long a worker has to exit after SIGINT before it
// is killed.
const DefaultGracePeriod = 10 * time.Second

// DefaultArgs run the claude CLI non-interactively with the prompt on stdin.
var DefaultArgs = []string{"--dangerously-skip-permissions", "--print"}

// ErrBinaryNotFound is returned by Preflight when the worker is not on PATH.
var ErrBinaryNotFound = errors.New("worker binary not found")

// ErrPromptMissing is returned by Preflight when the prompt file is absent.
var ErrPromptMissing = errors.New("prompt file not found")

// Request identifies one invocation.
type Request struct {
	Iteration int
	Attempt   int
	RunID     string
}

// Result is what the supervisor needs from a finished invocation.
type Result struct {
	ExitCode    int
	Output      string
	Duration    time.Duration
	Interrupted bool   // ctx ended before the worker exited on its own
	LogPath     string // Per-invocation log, empty if logging is off
}

// Invoker runs the worker binary. Create once, call Invoke per iteration.
type Invoker struct {
	// Binary is the worker executable, resolved through PATH.
	Binary string

	// Args are passed before anything else. Defaults to DefaultArgs.
	Args []string

	// PromptFile is fed to the worker on stdin.
	PromptFile string

	// Live receives output as it is produced. Nil discards it.
	Live io.Writer

	// LogDir receives one file per invocation. Empty disables it.
	LogDir string

	// GracePeriod between SIGINT and SIGKILL on cancellation.
	GracePeriod time.Duration

	// WorkDir for the child process (empty = current dir).
	WorkDir string

	// Env is appended to the inherited environment.
	Env []string
}

// NewInvoker creates an Invoker for the claude CLI.
func NewInvoker(promptFile string) *Invoker {
	return &Invoker{
		Binary:      ToolClaude,
		Args:        DefaultArgs,
		PromptFile:  promptFile,
		Live:        os.Stdout,
		GracePeriod: DefaultGracePeriod,
	}
}

// Preflight checks that the worker can be started at all.
func (inv *Invoker) Preflight() error {
	if _, err := exec.LookPath(inv.binary()); err != nil {
		return fmt.Errorf("%w: %s is not on PATH; install it or set worker.binary in the config", ErrBinaryNotFound, inv.binary())
	}
	if _, err := os.Stat(inv.PromptFile); err != nil {
		return fmt.Errorf("%w: %s; create it with the instructions the worker should follow each iteration", ErrPromptMissing, inv.PromptFile)
	}
	return nil
}

func (inv *Invoker) binary() string {
	if inv.Binary == "" {
		return ToolClaude
	}
	return inv.Binary
}

// LogName returns the per-invocation log file name.
func LogName(iteration, attempt int) string {
	return fmt.Sprintf("iteration-%03d-attempt%d.log", iteration, attempt)
}

// Invoke runs the worker to completion and returns its combined output.
// A non-zero exit is reported in Result.ExitCode, not as an error; errors
// mean the worker could not be run. When ctx ends first the worker receives
// SIGINT, then SIGKILL after GracePeriod, and Result.Interrupted is set.
func (inv *Invoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	prompt, err := os.Open(inv.PromptFile)
	if err != nil {
		return nil, fmt.Errorf("open prompt file: %w", err)
	}
	defer prompt.Close()

	args := inv.Args
	if args == nil {
		args = DefaultArgs
	}

	cmd := exec.CommandContext(ctx, inv.binary(), args...)
	cmd.Dir = inv.WorkDir
	cmd.Env = cleanEnv(append(append([]string(nil), inv.Env...),
		fmt.Sprintf("RALPH_ITERATION=%d", req.Iteration),
		fmt.Sprintf("RALPH_ATTEMPT=%d", req.Attempt),
		"RALPH_RUN_ID="+req.RunID,
	))
	cmd.Stdin = prompt
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = inv.GracePeriod
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultGracePeriod
	}

	var buf bytes.Buffer
	writers := []io.Writer{&buf}
	if inv.Live != nil {
		writers = append(writers, inv.Live)
	}

	result := &Result{}
	if inv.LogDir != "" {
		if err := os.MkdirAll(inv.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("create iteration log dir: %w", err)
		}
		result.LogPath = filepath.Join(inv.LogDir, LogName(req.Iteration, req.Attempt))
		logFile, err := os.Create(result.LogPath)
		if err != nil {
			return nil, fmt.Errorf("create iteration log: %w", err)
		}
		defer logFile.Close()
		writers = append(writers, logFile)
	}

	// One writer for both streams keeps stdout and stderr interleaved in
	// the order the worker produced them.
	out := io.MultiWriter(writers...)
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	runErr := cmd.Run()
	result.Duration = time.Since(start)
	result.Output = buf.String()

	if ctx.Err() != nil {
		result.Interrupted = true
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(runErr, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		case errors.Is(runErr, exec.ErrWaitDelay):
			// Exited, but a child kept the output pipe open past the grace period.
			result.ExitCode = cmd.ProcessState.ExitCode()
		case result.Interrupted:
			result.ExitCode = -1
		default:
			return nil, fmt.Errorf("run %s: %w", inv.binary(), runErr)
		}
	}

	return result, nil
}
