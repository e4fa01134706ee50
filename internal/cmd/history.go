package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/harrison/ralph/internal/history"
	"github.com/harrison/ralph/internal/models"
	"github.com/spf13/cobra"
)

// NewHistoryCommand creates the 'ralph history' command
func NewHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent worker invocations",
		Long: `Display recent iterations from the history database, newest first,
followed by per-run totals. Each row is one worker invocation, so a rate
limited iteration shows one row per attempt.

With --run, show every invocation of one run in the order it happened.
The ID may be shortened to the prefix shown in the RUN column.

Examples:
  ralph history
  ralph history --limit 50
  ralph history --runs 5
  ralph history --run 0a1b2c3d`,
		Args: cobra.NoArgs,
		RunE: runHistory,
	}

	cmd.Flags().Int("limit", 20, "Number of invocations to show")
	cmd.Flags().Int("runs", 5, "Number of runs to summarise (0 = none)")
	cmd.Flags().String("run", "", "Show every invocation of one run (ID or ID prefix)")

	return cmd
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadProjectConfig(cmd)
	if err != nil {
		return err
	}
	output := cmd.OutOrStdout()

	if _, err := os.Stat(cfg.History.DBPath); os.IsNotExist(err) {
		fmt.Fprintf(output, "No history recorded yet (%s)\n", cfg.History.DBPath)
		return nil
	}

	store, err := history.Open(cfg.History.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer store.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	runLimit, _ := cmd.Flags().GetInt("runs")
	runID, _ := cmd.Flags().GetString("run")

	ctx := cmd.Context()
	if cmd.Flags().Changed("run") {
		return printRun(ctx, output, store, runID)
	}

	records, err := store.Recent(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}
	if len(records) == 0 {
		fmt.Fprintln(output, "No iterations recorded yet")
		return nil
	}
	printRecords(output, records)

	if runLimit <= 0 {
		return nil
	}
	runs, err := store.Runs(ctx, runLimit)
	if err != nil {
		return fmt.Errorf("failed to summarise runs: %w", err)
	}
	printRuns(output, runs)
	return nil
}

func printRun(ctx context.Context, w io.Writer, store *history.Store, runID string) error {
	records, err := store.ForRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to read run %q: %w", runID, err)
	}
	if len(records) == 0 {
		return fmt.Errorf("no iterations recorded for run %q", runID)
	}
	printRecords(w, records)

	var rateLimited, failures int
	for _, rec := range records {
		if rec.Kind == models.KindRateLimited {
			rateLimited++
		}
		if rec.WorkerFailed() {
			failures++
		}
	}
	fmt.Fprintf(w, "\n%d invocation(s), %d rate limited, %d worker failure(s)\n", len(records), rateLimited, failures)
	return nil
}

func printRecords(w io.Writer, records []models.IterationRecord) {
	fmt.Fprintf(w, "%-19s  %-8s  %4s  %3s  %-14s  %4s  %8s  %6s  %s\n",
		"STARTED", "RUN", "ITER", "TRY", "KIND", "EXIT", "DURATION", "WAIT", "REMAINING")
	for _, rec := range records {
		remaining := fmt.Sprintf("%d -> %d", rec.RemainingBefore, rec.RemainingAfter)
		if rec.RemainingAfter < 0 {
			remaining = fmt.Sprintf("%d -> ?", rec.RemainingBefore)
		}
		wait := "-"
		if rec.WaitSeconds > 0 {
			wait = (time.Duration(rec.WaitSeconds) * time.Second).String()
		}
		fmt.Fprintf(w, "%-19s  %-8s  %4d  %3d  %s  %4d  %8s  %6s  %s\n",
			rec.StartedAt.Local().Format("2006-01-02 15:04:05"),
			shortID(rec.RunID),
			rec.Iteration,
			rec.Attempt,
			kindColor(rec).Sprintf("%-14s", rec.Kind),
			rec.ExitCode,
			rec.Duration.Round(time.Second),
			wait,
			remaining,
		)
	}
}

func printRuns(w io.Writer, runs []history.RunStats) {
	if len(runs) == 0 {
		return
	}
	fmt.Fprintf(w, "\nRuns:\n")
	for _, run := range runs {
		fmt.Fprintf(w, "  %s  %s  %d invocation(s), %d rate limited, %d worker failure(s)\n",
			shortID(run.RunID),
			run.FirstStarted.Local().Format("2006-01-02 15:04"),
			run.Invocations,
			run.RateLimited,
			run.WorkerFailures,
		)
	}
}

func kindColor(rec models.IterationRecord) *color.Color {
	switch {
	case rec.Kind == models.KindRateLimited || rec.Kind == models.KindInterrupted:
		return color.New(color.FgYellow)
	case rec.WorkerFailed():
		return color.New(color.FgRed)
	case rec.Kind == models.KindCompleted || rec.Kind == models.KindEarlyComplete:
		return color.New(color.FgGreen)
	default:
		return color.New(color.Reset)
	}
}

// shortID trims a UUID to its first block for table output.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
