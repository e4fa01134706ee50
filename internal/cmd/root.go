package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/harrison/ralph/internal/config"
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// ExitError carries a run's exit status back to main without printing an
// error message; the run summary has already been logged.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// NewRootCommand creates and returns the root cobra command for ralph
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ralph [max_iterations]",
		Short: "Run the worker against the task list until the work is done",
		Long: `Ralph runs the claude CLI repeatedly, one user story per iteration,
against the task list in prd.json.

Each iteration feeds prompt.md to the worker. The loop stops when every
story passes, the worker prints the completion marker, the iteration budget
is spent, or the daily cutoff window begins. Rate limits are waited out
using the reset time the worker reports.

Configuration is loaded from .ralph/config.yaml, which is created with
defaults on first run. CLI flags override configuration file settings.

Examples:
  ralph                       # Up to 10 iterations
  ralph 25                    # Up to 25 iterations
  ralph --no-cutoff 5         # Ignore the overnight cutoff window
  ralph --cutoff-hour 2       # Stop starting iterations from 02:00
  ralph --force               # Skip the weekly usage confirmation
  ralph status                # Show task and usage status
  ralph history --limit 50    # Show recent iterations`,
		Version: Version,
		Args:    cobra.MaximumNArgs(1),
		RunE:    runSupervisor,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
		// main prints errors so that ExitError stays quiet
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("config", "", "Path to config file (default: .ralph/config.yaml under the project root)")

	cmd.Flags().String("tool", "claude", "Worker tool to run (only claude is supported)")
	cmd.Flags().Int("cutoff-hour", -1, "Local hour at which the cutoff window starts (-1 = use config)")
	cmd.Flags().Bool("no-cutoff", false, "Disable the daily cutoff window")
	cmd.Flags().Bool("force", false, "Proceed past the weekly usage warning without asking")
	cmd.Flags().String("log-level", "", "Log level: trace, debug, info, warn, error (default: from config)")

	cmd.AddCommand(NewStatusCommand())
	cmd.AddCommand(NewHistoryCommand())

	return cmd
}

// projectConfigPath returns the project root and the config file to use.
func projectConfigPath(cmd *cobra.Command) (string, string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", "", fmt.Errorf("failed to get working directory: %w", err)
	}
	root, err := config.ProjectRoot(cwd)
	if err != nil {
		return "", "", err
	}

	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = filepath.Join(root, config.DefaultPath)
	}
	return root, path, nil
}

// loadProjectConfig loads the config without creating it. Read-only
// subcommands use this so they leave no files behind.
func loadProjectConfig(cmd *cobra.Command) (*config.Config, error) {
	root, path, err := projectConfigPath(cmd)
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ResolvePaths(root)
	return cfg, nil
}
