package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/harrison/ralph/internal/archive"
	"github.com/harrison/ralph/internal/budget"
	"github.com/harrison/ralph/internal/config"
	"github.com/harrison/ralph/internal/filelock"
	"github.com/harrison/ralph/internal/history"
	"github.com/harrison/ralph/internal/logger"
	"github.com/harrison/ralph/internal/markers"
	"github.com/harrison/ralph/internal/supervisor"
	"github.com/harrison/ralph/internal/tasklist"
	"github.com/harrison/ralph/internal/vcs"
	"github.com/harrison/ralph/internal/worker"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// DefaultMaxIterations applies when no max_iterations argument is given.
const DefaultMaxIterations = 10

// parseMaxIterations reads the optional positional argument.
func parseMaxIterations(args []string) (int, error) {
	if len(args) == 0 {
		return DefaultMaxIterations, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("max_iterations must be a positive integer, got %q", args[0])
	}
	return n, nil
}

// runSupervisor implements the root command
func runSupervisor(cmd *cobra.Command, args []string) error {
	maxIterations, err := parseMaxIterations(args)
	if err != nil {
		return err
	}

	tool, _ := cmd.Flags().GetString("tool")
	if tool != worker.ToolClaude {
		return fmt.Errorf("unsupported --tool %q: only %q is supported", tool, worker.ToolClaude)
	}

	root, configPath, err := projectConfigPath(cmd)
	if err != nil {
		return err
	}
	cfg, created, err := config.EnsureConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Build flag pointers for merge (only changed values)
	var cutoffHourPtr *int
	if cmd.Flags().Changed("cutoff-hour") {
		hour, _ := cmd.Flags().GetInt("cutoff-hour")
		cutoffHourPtr = &hour
	}
	var noCutoffPtr *bool
	if cmd.Flags().Changed("no-cutoff") {
		noCutoff, _ := cmd.Flags().GetBool("no-cutoff")
		noCutoffPtr = &noCutoff
	}
	var logLevelPtr *string
	if cmd.Flags().Changed("log-level") {
		level, _ := cmd.Flags().GetString("log-level")
		logLevelPtr = &level
	}
	cfg.MergeWithFlags(cutoffHourPtr, noCutoffPtr, logLevelPtr)
	cfg.ResolvePaths(root)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	lock := filelock.NewInstanceLock(cfg.LockPath())
	if err := lock.Acquire(); err != nil {
		return fmt.Errorf("%w (lock: %s)", err, lock.Path())
	}
	defer lock.Release()

	out := cmd.OutOrStdout()

	inv := worker.NewInvoker(cfg.Worker.PromptFile)
	inv.Binary = cfg.Worker.Binary
	inv.GracePeriod = cfg.Worker.GracePeriod.Std()
	inv.WorkDir = root
	inv.Live = out
	if err := preflight(inv, cfg.Paths.TaskList); err != nil {
		return err
	}

	console := logger.NewConsoleLogger(out, cfg.LogLevel)
	sinks := []logger.Sink{console}
	fileLog, err := logger.NewFileLogger(cfg.Paths.LogDir, cfg.LogLevel)
	if err != nil {
		console.LogWarn(fmt.Sprintf("Run log disabled: %v", err))
	} else {
		defer fileLog.Close()
		sinks = append(sinks, fileLog)
		inv.LogDir = fileLog.IterationsDir()
	}
	log := logger.NewMultiLogger(sinks...)

	if created {
		log.LogInfo(fmt.Sprintf("Wrote default configuration to %s", configPath))
	}

	force, _ := cmd.Flags().GetBool("force")
	fallback := cfg.Retry.FallbackWait.Std()

	classifier := supervisor.NewOutputClassifier(fallback)
	classifier.Parser = &budget.ResetParser{
		Now:          time.Now,
		SafetyBuffer: cfg.Retry.SafetyBuffer.Std(),
		MinWait:      cfg.Retry.MinWait.Std(),
	}

	deps := supervisor.Deps{
		Tasks:      tasklist.FileReader{Path: cfg.Paths.TaskList},
		Markers:    markers.NewCoordinator(markers.NewFSStore(cfg.MarkerDir())),
		Worker:     inv,
		Sleeper:    budget.NewRateLimitWaiter(time.Minute, log),
		Classifier: classifier,
		Archive: &archive.Manager{
			TaskListPath:    cfg.Paths.TaskList,
			ProgressLogPath: cfg.Paths.ProgressLog,
			ArchiveDir:      cfg.Paths.ArchiveDir,
			IdentityPath:    cfg.Paths.LastIdentity,
			Now:             time.Now,
		},
		Quota: &budget.QuotaGuard{
			WeeklyLimit:   cfg.WeeklyLimit,
			WarnThreshold: cfg.WarnThreshold,
			Force:         force,
			Confirm:       terminalConfirm(cmd.InOrStdin(), cmd.ErrOrStderr()),
		},
		Paused: budget.NewStateManager(cfg.PausedDir()),
		Logger: log,
	}

	if cfg.Commit.Enabled {
		deps.Committer = vcs.NewCommitter(root)
	}

	if cfg.History.Enabled {
		store, err := history.Open(cfg.History.DBPath)
		if err != nil {
			log.LogWarn(fmt.Sprintf("History disabled: %v", err))
		} else {
			defer store.Close()
			deps.History = store
		}
	}

	loop, err := supervisor.NewLoop(supervisor.Config{
		RunID:         uuid.NewString(),
		MaxIterations: maxIterations,
		MaxAttempts:   cfg.Retry.MaxAttempts,
		FallbackWait:  fallback,
		PollInterval:  cfg.Worker.PollInterval.Std(),
		Cutoff: supervisor.CutoffConfig{
			Enabled:   cfg.Cutoff.Enabled,
			Hour:      cfg.Cutoff.Hour,
			WindowEnd: cfg.Cutoff.WindowEnd,
		},
		UsageLogPath:  cfg.Paths.UsageLog,
		WeeklyLimit:   cfg.WeeklyLimit,
		CommitMessage: cfg.Commit.Message,
		CommitPaths:   []string{cfg.Paths.TaskList, cfg.Paths.ProgressLog},
		Tool:          tool,
	}, deps)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary := loop.Run(ctx)
	if code := summary.ExitCode(); code != 0 {
		return &ExitError{Code: code}
	}
	return nil
}

// preflight reports setup problems before anything is written.
func preflight(inv *worker.Invoker, taskListPath string) error {
	if err := inv.Preflight(); err != nil {
		return err
	}
	if _, err := tasklist.Load(taskListPath); err != nil {
		if errors.Is(err, tasklist.ErrNotFound) {
			return fmt.Errorf("%w; create it with a branchName and a userStories array", err)
		}
		return fmt.Errorf("%w; fix the JSON so every user story has a boolean passes field", err)
	}
	return nil
}

// terminalConfirm asks on the terminal. Input that is not a terminal
// declines without reading, so unattended runs never block on the prompt.
func terminalConfirm(in io.Reader, out io.Writer) budget.ConfirmFunc {
	return func(prompt string) bool {
		f, ok := in.(*os.File)
		if !ok || !(isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
			fmt.Fprintf(out, "%s\nstdin is not a terminal; declining (use --force to proceed)\n", prompt)
			return false
		}
		fmt.Fprint(out, confirmPrompt(prompt))
		return readConfirmation(in)
	}
}

// confirmPrompt appends the answer hint. Callers pass the bare question.
func confirmPrompt(prompt string) string {
	return strings.TrimSpace(prompt) + " [y/N]: "
}

// readConfirmation reads one line and accepts y or yes.
func readConfirmation(in io.Reader) bool {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
