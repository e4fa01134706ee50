// Package vcs records the worker's task-list and progress-log edits in git
// when an iteration finishes early.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrNotRepository is returned when the working directory is not inside a
// git work tree.
var ErrNotRepository = errors.New("not a git repository")

// CommandRunner executes a shell-style command line and returns its combined
// output. Tests inject one in place of exec.
type CommandRunner interface {
	Run(ctx context.Context, command string) (string, error)
}

// exitCoder is satisfied by *exec.ExitError and by test doubles.
type exitCoder interface {
	ExitCode() int
}

// CommitResult reports what CommitPaths did.
type CommitResult struct {
	Staged    []string // Paths passed to git add
	Committed bool     // False when there was nothing to commit
	Output    string   // Output of git commit
}

// Committer stages and commits a fixed set of paths.
type Committer struct {
	// CommandRunner for executing git commands (optional, uses exec.Command if nil)
	CommandRunner CommandRunner

	// WorkDir is the working directory for git commands (empty = current dir)
	WorkDir string
}

// NewCommitter creates a Committer that runs git in workDir.
func NewCommitter(workDir string) *Committer {
	return &Committer{WorkDir: workDir}
}

// NewCommitterWithRunner creates a Committer with a custom command runner.
func NewCommitterWithRunner(runner CommandRunner) *Committer {
	return &Committer{CommandRunner: runner}
}

// CommitPaths stages whichever of paths exist and commits them with message
// when the staged diff for those paths is non-empty. Nothing else in the
// index is committed. "nothing to commit" is reported as Committed=false, not
// as an error.
func (c *Committer) CommitPaths(ctx context.Context, message string, paths ...string) (*CommitResult, error) {
	if message == "" {
		return nil, fmt.Errorf("commit message cannot be empty")
	}

	if _, err := c.runCommand(ctx, "git", "rev-parse", "--is-inside-work-tree"); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotRepository, err)
	}

	result := &CommitResult{}
	for _, p := range paths {
		if _, err := os.Stat(c.resolve(p)); err == nil {
			result.Staged = append(result.Staged, p)
		}
	}
	if len(result.Staged) == 0 {
		return result, nil
	}

	addArgs := append([]string{"add", "--"}, result.Staged...)
	if _, err := c.runCommand(ctx, "git", addArgs...); err != nil {
		return nil, fmt.Errorf("failed to stage %s: %w", strings.Join(result.Staged, ", "), err)
	}

	changed, err := c.hasStagedChanges(ctx, result.Staged)
	if err != nil {
		return nil, err
	}
	if !changed {
		return result, nil
	}

	commitArgs := append([]string{"commit", "-m", message, "--"}, result.Staged...)
	output, err := c.runCommand(ctx, "git", commitArgs...)
	if err != nil {
		if strings.Contains(output, "nothing to commit") || strings.Contains(err.Error(), "nothing to commit") {
			return result, nil
		}
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	result.Committed = true
	result.Output = strings.TrimSpace(output)
	return result, nil
}

// hasStagedChanges runs git diff --cached --quiet, which exits 1 when the
// index differs from HEAD for paths.
func (c *Committer) hasStagedChanges(ctx context.Context, paths []string) (bool, error) {
	args := append([]string{"diff", "--cached", "--quiet", "--"}, paths...)
	_, err := c.runCommand(ctx, "git", args...)
	if err == nil {
		return false, nil
	}

	var ec exitCoder
	if errors.As(err, &ec) && ec.ExitCode() == 1 {
		return true, nil
	}
	return false, fmt.Errorf("failed to check staged diff: %w", err)
}

func (c *Committer) resolve(path string) string {
	if filepath.IsAbs(path) || c.WorkDir == "" {
		return path
	}
	return filepath.Join(c.WorkDir, path)
}

// runCommand executes a git command and returns the output.
func (c *Committer) runCommand(ctx context.Context, name string, args ...string) (string, error) {
	if c.CommandRunner != nil {
		cmd := name
		for _, arg := range args {
			cmd += " " + arg
		}
		return c.CommandRunner.Run(ctx, cmd)
	}

	cmd := exec.CommandContext(ctx, name, args...)
	if c.WorkDir != "" {
		cmd.Dir = c.WorkDir
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}
