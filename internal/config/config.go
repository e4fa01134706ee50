package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harrison/ralph/internal/filelock"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the supervisor config lives, relative to the project root.
const DefaultPath = ".ralph/config.yaml"

// Duration is a time.Duration written as a string ("30m", "1h30m") in YAML.
type Duration time.Duration

// UnmarshalYAML parses a duration string with time.ParseDuration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30m\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration in time.Duration notation.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// CutoffConfig controls the daily window in which no iteration starts
type CutoffConfig struct {
	// Enabled turns the gate on
	Enabled bool `yaml:"enabled"`

	// Hour is the first local hour of the window (0-23)
	Hour int `yaml:"hour"`

	// WindowEnd is the local hour the window closes (exclusive)
	WindowEnd int `yaml:"window_end"`
}

// RetryConfig controls rate-limit backoff
type RetryConfig struct {
	// MaxAttempts is the number of rate-limit hits tolerated per iteration
	MaxAttempts int `yaml:"max_attempts"`

	// FallbackWait is used when the reset time cannot be parsed
	FallbackWait Duration `yaml:"fallback_wait"`

	// SafetyBuffer is added to a parsed reset time
	SafetyBuffer Duration `yaml:"safety_buffer"`

	// MinWait floors every computed wait
	MinWait Duration `yaml:"min_wait"`
}

// WorkerConfig describes how the worker is run
type WorkerConfig struct {
	// Binary is the worker executable, looked up on PATH
	Binary string `yaml:"binary"`

	// PromptFile is fed to the worker on stdin every iteration
	PromptFile string `yaml:"prompt_file"`

	// GracePeriod between SIGINT and SIGKILL when an invocation is stopped
	GracePeriod Duration `yaml:"grace_period"`

	// PollInterval for the story-complete marker
	PollInterval Duration `yaml:"poll_interval"`
}

// PathsConfig locates the files the supervisor reads and writes.
// Relative paths are resolved against the project root.
type PathsConfig struct {
	TaskList     string `yaml:"task_list"`
	ProgressLog  string `yaml:"progress_log"`
	ArchiveDir   string `yaml:"archive_dir"`
	LastIdentity string `yaml:"last_identity"`
	UsageLog     string `yaml:"usage_log"`
	StateDir     string `yaml:"state_dir"`
	LogDir       string `yaml:"log_dir"`
}

// HistoryConfig controls the iteration ledger
type HistoryConfig struct {
	// Enabled records every invocation in the history database
	Enabled bool `yaml:"enabled"`

	// DBPath is the SQLite database file
	DBPath string `yaml:"db_path"`
}

// CommitConfig controls commits after an early completion
type CommitConfig struct {
	Enabled bool   `yaml:"enabled"`
	Message string `yaml:"message"`
}

// Config represents ralph configuration options
type Config struct {
	// WeeklyLimit is the weekly token budget; 0 disables the quota check
	WeeklyLimit int64 `yaml:"weekly_limit"`

	// WarnThreshold is the fraction of WeeklyLimit that needs confirmation
	WarnThreshold float64 `yaml:"warn_threshold"`

	// LogLevel sets the logging verbosity (trace, debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	Cutoff  CutoffConfig  `yaml:"cutoff"`
	Retry   RetryConfig   `yaml:"retry"`
	Worker  WorkerConfig  `yaml:"worker"`
	Paths   PathsConfig   `yaml:"paths"`
	History HistoryConfig `yaml:"history"`
	Commit  CommitConfig  `yaml:"commit"`
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		WeeklyLimit:   10_000_000,
		WarnThreshold: 0.8,
		LogLevel:      "info",
		Cutoff: CutoffConfig{
			Enabled:   true,
			Hour:      4,
			WindowEnd: 9,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			FallbackWait: Duration(30 * time.Minute),
			SafetyBuffer: Duration(5 * time.Minute),
			MinWait:      Duration(60 * time.Second),
		},
		Worker: WorkerConfig{
			Binary:       "claude",
			PromptFile:   "prompt.md",
			GracePeriod:  Duration(10 * time.Second),
			PollInterval: Duration(2 * time.Second),
		},
		Paths: PathsConfig{
			TaskList:     "prd.json",
			ProgressLog:  "progress.txt",
			ArchiveDir:   "archive",
			LastIdentity: ".last-branch",
			UsageLog:     ".ralph/usage.jsonl",
			StateDir:     ".ralph",
			LogDir:       ".ralph/logs",
		},
		History: HistoryConfig{
			Enabled: true,
			DBPath:  ".ralph/history.db",
		},
		Commit: CommitConfig{
			Enabled: true,
			Message: "ralph: record completed task",
		},
	}
}

// LoadConfig loads configuration from the specified file path.
// Keys absent from the file keep their default values.
// If the file doesn't exist, returns default configuration without error.
// If the file exists but is malformed, returns an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// EnsureConfig loads the config at path, first writing the defaults there
// if the file does not exist. created reports whether the file was written.
func EnsureConfig(path string) (cfg *Config, created bool, err error) {
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		if err := WriteDefault(path); err != nil {
			return nil, false, err
		}
		created = true
	}

	cfg, err = LoadConfig(path)
	if err != nil {
		return nil, created, err
	}
	return cfg, created, nil
}

// WriteDefault writes the default configuration to path atomically.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}
	header := []byte("# ralph supervisor configuration\n")
	if err := filelock.AtomicWrite(path, append(header, data...)); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}
	return nil
}

// MergeWithFlags merges CLI flags into the configuration.
// Non-nil flag values override configuration values.
func (c *Config) MergeWithFlags(cutoffHour *int, noCutoff *bool, logLevel *string) {
	if cutoffHour != nil {
		c.Cutoff.Hour = *cutoffHour
	}
	if noCutoff != nil && *noCutoff {
		c.Cutoff.Enabled = false
	}
	if logLevel != nil && *logLevel != "" {
		c.LogLevel = *logLevel
	}
}

// ResolvePaths makes every relative path absolute under root.
func (c *Config) ResolvePaths(root string) {
	for _, p := range []*string{
		&c.Paths.TaskList,
		&c.Paths.ProgressLog,
		&c.Paths.ArchiveDir,
		&c.Paths.LastIdentity,
		&c.Paths.UsageLog,
		&c.Paths.StateDir,
		&c.Paths.LogDir,
		&c.Worker.PromptFile,
		&c.History.DBPath,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(root, *p)
		}
	}
}

// MarkerDir is where the side-channel markers live.
func (c *Config) MarkerDir() string {
	return c.Paths.StateDir
}

// PausedDir holds paused-run records.
func (c *Config) PausedDir() string {
	return filepath.Join(c.Paths.StateDir, "state")
}

// LockPath is the single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "supervisor.lock")
}

// Validate validates the configuration values.
// Returns an error if any values are invalid.
func (c *Config) Validate() error {
	if c.WeeklyLimit < 0 {
		return fmt.Errorf("weekly_limit must be >= 0, got %d", c.WeeklyLimit)
	}
	if c.WarnThreshold <= 0 || c.WarnThreshold > 1 {
		return fmt.Errorf("warn_threshold must be in (0, 1], got %v", c.WarnThreshold)
	}

	validLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level %q, must be one of: trace, debug, info, warn, error", c.LogLevel)
	}

	if c.Cutoff.Hour < 0 || c.Cutoff.Hour > 23 {
		return fmt.Errorf("cutoff.hour must be between 0 and 23, got %d", c.Cutoff.Hour)
	}
	if c.Cutoff.WindowEnd < 1 || c.Cutoff.WindowEnd > 24 {
		return fmt.Errorf("cutoff.window_end must be between 1 and 24, got %d", c.Cutoff.WindowEnd)
	}
	if c.Cutoff.Enabled && c.Cutoff.Hour >= c.Cutoff.WindowEnd {
		return fmt.Errorf("cutoff.hour (%d) must be before cutoff.window_end (%d)", c.Cutoff.Hour, c.Cutoff.WindowEnd)
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be > 0, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.FallbackWait <= 0 {
		return fmt.Errorf("retry.fallback_wait must be > 0, got %v", c.Retry.FallbackWait.Std())
	}
	if c.Retry.SafetyBuffer < 0 {
		return fmt.Errorf("retry.safety_buffer must be >= 0, got %v", c.Retry.SafetyBuffer.Std())
	}
	if c.Retry.MinWait < 0 {
		return fmt.Errorf("retry.min_wait must be >= 0, got %v", c.Retry.MinWait.Std())
	}

	if c.Worker.Binary == "" {
		return fmt.Errorf("worker.binary cannot be empty")
	}
	if c.Worker.PromptFile == "" {
		return fmt.Errorf("worker.prompt_file cannot be empty")
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval must be > 0, got %v", c.Worker.PollInterval.Std())
	}

	if c.Paths.TaskList == "" || c.Paths.ProgressLog == "" || c.Paths.StateDir == "" {
		return fmt.Errorf("paths.task_list, paths.progress_log and paths.state_dir are required")
	}

	if c.History.Enabled && c.History.DBPath == "" {
		return fmt.Errorf("history.db_path cannot be empty when history is enabled")
	}

	return nil
}
