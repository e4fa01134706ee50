package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/harrison/ralph/internal/archive"
	"github.com/harrison/ralph/internal/budget"
	"github.com/harrison/ralph/internal/config"
	"github.com/harrison/ralph/internal/logger"
	"github.com/harrison/ralph/internal/progress"
	"github.com/harrison/ralph/internal/tasklist"
	"github.com/spf13/cobra"
)

// NewStatusCommand creates the status command
func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show task progress, weekly usage and paused runs",
		Long: `Display the current run identity, how many user stories pass, the
progress log summary, this week's token usage against the weekly limit,
and any runs that stopped on repeated rate limits.

Examples:
  ralph status
  ralph status --config other.yaml`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadProjectConfig(cmd)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	now := time.Now()

	printTaskStatus(w, cfg)
	printProgressStatus(w, cfg)
	printUsageStatus(w, cfg, now)
	return printPausedRuns(w, cfg)
}

func printTaskStatus(w io.Writer, cfg *config.Config) {
	list, err := tasklist.Load(cfg.Paths.TaskList)
	if err != nil {
		fmt.Fprintf(w, "Task list:  %v\n", err)
		return
	}

	identity := list.BranchName
	if identity == "" {
		identity = "(none)"
	}
	fmt.Fprintf(w, "Identity:   %s\n", identity)

	last, err := (&archive.Manager{IdentityPath: cfg.Paths.LastIdentity}).LastIdentity()
	if err == nil && last != "" && list.BranchName != "" && last != list.BranchName {
		fmt.Fprintf(w, "Last run:   %s (will be archived on next run)\n", last)
	}

	bar := logger.NewProgressBar(len(list.Tasks), 20, w == os.Stdout)
	bar.SetLabel("stories")
	bar.Update(list.CompletedCount())
	fmt.Fprintf(w, "Tasks:      %s\n", bar.Render())

	if next := list.NextIncomplete(); next != nil {
		if next.Title != "" {
			fmt.Fprintf(w, "Next:       %s %s\n", next.ID, next.Title)
		} else {
			fmt.Fprintf(w, "Next:       %s\n", next.ID)
		}
	}
}

func printProgressStatus(w io.Writer, cfg *config.Config) {
	summary, err := progress.Load(cfg.Paths.ProgressLog)
	if err != nil {
		fmt.Fprintf(w, "Progress:   no progress log\n")
		return
	}

	fmt.Fprintf(w, "Progress:   %d entries", summary.Count())
	if summary.Started != "" {
		fmt.Fprintf(w, " since %s", summary.Started)
	}
	fmt.Fprintln(w)
	if last := summary.Last(); last != "" {
		fmt.Fprintf(w, "Latest:     %s\n", last)
	}

	if entries, err := archive.List(cfg.Paths.ArchiveDir); err == nil && len(entries) > 0 {
		fmt.Fprintf(w, "Archived:   %d previous run(s), newest %s\n", len(entries), entries[0].Name)
	}
}

func printUsageStatus(w io.Writer, cfg *config.Config, now time.Time) {
	if cfg.WeeklyLimit <= 0 {
		fmt.Fprintf(w, "Usage:      weekly limit disabled\n")
		return
	}

	usageLog, err := budget.LoadUsageLog(cfg.Paths.UsageLog)
	if err != nil {
		fmt.Fprintf(w, "Usage:      unavailable (%v)\n", err)
		return
	}

	usage := budget.WeeklyUsage(usageLog.Records, now)
	guard := &budget.QuotaGuard{WeeklyLimit: cfg.WeeklyLimit, WarnThreshold: cfg.WarnThreshold}
	report := &budget.QuotaReport{Decision: guard.Evaluate(usage.Total), Usage: usage}

	fmt.Fprintf(w, "Usage:      %.0f / %d tokens this week (%.1f%%)\n", usage.Total, cfg.WeeklyLimit, report.Percent(cfg.WeeklyLimit))
	for _, category := range usage.Categories() {
		fmt.Fprintf(w, "  %-10s %.0f\n", category+":", usage.ByCategory[category])
	}
	if report.Decision != budget.QuotaProceed {
		fmt.Fprintf(w, "  Above the %.0f%% warning threshold; the next run will ask for confirmation\n", cfg.WarnThreshold*100)
	}
	if usageLog.Skipped > 0 {
		fmt.Fprintf(w, "  %d malformed line(s) skipped\n", usageLog.Skipped)
	}
}

func printPausedRuns(w io.Writer, cfg *config.Config) error {
	runs, err := budget.NewStateManager(cfg.PausedDir()).List()
	if err != nil {
		return fmt.Errorf("failed to list paused runs: %w", err)
	}
	if len(runs) == 0 {
		return nil
	}

	fmt.Fprintf(w, "\nFound %d paused run(s):\n\n", len(runs))
	for _, run := range runs {
		status := string(run.Status)
		if run.Status == budget.StatusReady {
			status = "READY TO RESUME"
		}

		fmt.Fprintf(w, "  ID:        %s\n", run.RunID)
		fmt.Fprintf(w, "  Identity:  %s\n", run.Identity)
		fmt.Fprintf(w, "  Status:    %s\n", status)
		fmt.Fprintf(w, "  Paused:    %s\n", run.PausedAt.Format(time.RFC3339))
		if !run.ResumeAt.IsZero() {
			fmt.Fprintf(w, "  Resume at: %s\n", run.ResumeAt.Format(time.RFC3339))
		}
		fmt.Fprintf(w, "  Run:       %s\n", run.ResumeCommand)
		fmt.Fprintln(w)
	}
	return nil
}
