// Package logger provides the supervisor's log sinks: a coloured console
// logger, a per-run log file and a fan-out over both.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/harrison/ralph/internal/budget"
	"github.com/harrison/ralph/internal/models"
)

// Log level constants for filtering
const (
	levelTrace int = 0
	levelDebug int = 1
	levelInfo  int = 2
	levelWarn  int = 3
	levelError int = 4
)

// ConsoleLogger logs supervisor progress to a writer with timestamps and thread safety.
// All output is prefixed with [HH:MM:SS] timestamps.
// Color output is automatically enabled for terminal output (os.Stdout/os.Stderr).
type ConsoleLogger struct {
	writer      io.Writer
	logLevel    string
	mutex       sync.Mutex
	colorOutput bool
}

// NewConsoleLogger creates a ConsoleLogger that writes to the provided io.Writer.
// If writer is nil, messages are silently discarded.
// Valid levels: trace, debug, info, warn, error (case-insensitive); anything
// else means info.
func NewConsoleLogger(writer io.Writer, logLevel string) *ConsoleLogger {
	return &ConsoleLogger{
		writer:      writer,
		logLevel:    normalizeLogLevel(logLevel),
		colorOutput: isTerminal(writer),
	}
}

// isTerminal checks if the writer is a terminal that supports colors.
func isTerminal(w io.Writer) bool {
	if w == nil {
		return false
	}
	if w == os.Stdout || w == os.Stderr {
		// color.NoColor is false only for a TTY without NO_COLOR set
		return !color.NoColor
	}
	return false
}

// normalizeLogLevel converts a log level string to lowercase and validates it.
// Returns "info" as default for empty or invalid levels.
func normalizeLogLevel(level string) string {
	normalized := strings.ToLower(strings.TrimSpace(level))
	switch normalized {
	case "trace", "debug", "info", "warn", "error":
		return normalized
	}
	return "info"
}

// ValidLogLevel reports whether level names a known log level.
func ValidLogLevel(level string) bool {
	return normalizeLogLevel(level) == strings.ToLower(strings.TrimSpace(level))
}

// logLevelToInt converts a log level string to its numeric value.
func logLevelToInt(level string) int {
	switch level {
	case "trace":
		return levelTrace
	case "debug":
		return levelDebug
	case "info":
		return levelInfo
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

func (cl *ConsoleLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(cl.logLevel)
}

// LogTrace logs a trace-level message (most verbose).
func (cl *ConsoleLogger) LogTrace(message string) {
	cl.logWithLevel("TRACE", message)
}

// LogDebug logs a debug-level message.
func (cl *ConsoleLogger) LogDebug(message string) {
	cl.logWithLevel("DEBUG", message)
}

// LogInfo logs an info-level message.
// Format: "[HH:MM:SS] [INFO] <message>"
func (cl *ConsoleLogger) LogInfo(message string) {
	cl.logWithLevel("INFO", message)
}

// LogWarn logs a warning-level message.
func (cl *ConsoleLogger) LogWarn(message string) {
	cl.logWithLevel("WARN", message)
}

// LogError logs an error-level message.
func (cl *ConsoleLogger) LogError(message string) {
	cl.logWithLevel("ERROR", message)
}

func (cl *ConsoleLogger) logWithLevel(level string, message string) {
	if cl.writer == nil || !cl.shouldLog(strings.ToLower(level)) {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	if cl.colorOutput {
		level = levelColor(level).Sprint(level)
	}
	fmt.Fprintf(cl.writer, "[%s] [%s] %s\n", timestamp(), level, message)
}

func levelColor(level string) *color.Color {
	switch level {
	case "TRACE":
		return color.New(color.FgHiBlack)
	case "DEBUG":
		return color.New(color.FgCyan)
	case "WARN":
		return color.New(color.FgYellow)
	case "ERROR":
		return color.New(color.FgRed)
	default:
		return color.New(color.FgBlue)
	}
}

// writeLines writes each line with the timestamp prefix, if level allows it.
func (cl *ConsoleLogger) writeLines(level string, lines ...string) {
	if cl.writer == nil || !cl.shouldLog(level) {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	var b strings.Builder
	for _, line := range lines {
		fmt.Fprintf(&b, "[%s] %s\n", ts, line)
	}
	io.WriteString(cl.writer, b.String())
}

func (cl *ConsoleLogger) paint(c color.Attribute, s string) string {
	if !cl.colorOutput {
		return s
	}
	return color.New(c).Sprint(s)
}

// LogIterationStart announces an invocation at INFO level.
// Format: "[HH:MM:SS] === Iteration 2/10 (attempt 1) === [===       ] 3/10 tasks (30%)"
func (cl *ConsoleLogger) LogIterationStart(ic models.IterationContext) {
	total := ic.PassesSnapshot + ic.Remaining
	pb := NewProgressBar(total, 10, cl.colorOutput)
	pb.Update(ic.PassesSnapshot)

	header := fmt.Sprintf("=== Iteration %d/%d", ic.Iteration, ic.MaxIterations)
	if ic.Attempt > 1 {
		header += fmt.Sprintf(" (attempt %d)", ic.Attempt)
	}
	header += " ==="
	if cl.colorOutput {
		header = color.New(color.Bold).Sprint(header)
	}

	cl.writeLines("info", fmt.Sprintf("%s %s", header, pb.Render()))
}

// LogIterationResult logs how an invocation ended at INFO level, or WARN
// when the worker exited non-zero.
func (cl *ConsoleLogger) LogIterationResult(rec models.IterationRecord) {
	line := fmt.Sprintf("Iteration %d attempt %d: %s in %s (exit %d)",
		rec.Iteration, rec.Attempt, kindLabel(rec.Kind), formatDuration(rec.Duration), rec.ExitCode)
	if rec.RemainingAfter >= 0 {
		line += fmt.Sprintf(", %d remaining", rec.RemainingAfter)
	}

	level := "info"
	switch {
	case rec.WorkerFailed():
		level = "warn"
		line = cl.paint(color.FgYellow, line)
	case rec.Kind == models.KindRateLimited:
		line = cl.paint(color.FgYellow, line)
	case rec.Kind == models.KindEarlyComplete || rec.Kind == models.KindCompleted:
		line = cl.paint(color.FgGreen, line)
	}
	cl.writeLines(level, line)
}

func kindLabel(kind models.IterationKind) string {
	switch kind {
	case models.KindEarlyComplete:
		return "task completed early"
	case models.KindCompleted:
		return "all work complete"
	case models.KindRateLimited:
		return "rate limited"
	case models.KindInterrupted:
		return "interrupted"
	default:
		return "finished"
	}
}

// LogRateLimitCountdown reports time left in a rate-limit backoff.
// Format: "[HH:MM:SS] Rate limit: resuming in 24m0s (of 30m0s)"
func (cl *ConsoleLogger) LogRateLimitCountdown(remaining, total time.Duration) {
	line := fmt.Sprintf("Rate limit: resuming in %s (of %s)", formatDuration(remaining), formatDuration(total))
	cl.writeLines("info", cl.paint(color.FgYellow, line))
}

// LogQuota reports the weekly usage check.
func (cl *ConsoleLogger) LogQuota(report *budget.QuotaReport, weeklyLimit int64) {
	if report == nil {
		return
	}
	if report.Skipped {
		cl.LogWarn("Weekly quota check skipped: " + report.SkipReason)
		return
	}

	if report.SkippedLines > 0 {
		cl.LogWarn(fmt.Sprintf("Usage log: %d malformed line(s) ignored; weekly usage may be undercounted", report.SkippedLines))
	}

	usage := fmt.Sprintf("Weekly usage: %.0f / %d tokens (%.1f%%)",
		report.Usage.Total, weeklyLimit, report.Percent(weeklyLimit))

	switch report.Decision {
	case budget.QuotaProceed:
		if report.Confirmed {
			cl.LogWarn(usage + ", continuing after confirmation")
		} else {
			cl.LogInfo(usage)
		}
	case budget.QuotaProceedWithWarning:
		cl.LogWarn(usage + ", above warning threshold (--force)")
	case budget.QuotaAbort:
		cl.LogWarn(usage + ", stopping at operator request")
	default:
		cl.LogInfo(usage)
	}
}

// LogSummary logs the run summary at INFO level.
func (cl *ConsoleLogger) LogSummary(s *models.RunSummary) {
	if s == nil {
		return
	}

	outcome := s.Outcome.Description()
	if s.Outcome.Success() {
		outcome = cl.paint(color.FgGreen, outcome)
	} else {
		outcome = cl.paint(color.FgRed, outcome)
	}

	header := "=== Ralph Summary ==="
	if cl.colorOutput {
		header = color.New(color.Bold).Sprint(header)
	}

	lines := []string{
		header,
		"Outcome: " + outcome,
		fmt.Sprintf("Iterations: %d/%d (%d advanced, %d early)", s.Iteration, s.MaxIterations, s.Advanced, s.EarlyCompletions),
	}
	if s.RateLimitRetries > 0 {
		lines = append(lines, cl.paint(color.FgYellow, fmt.Sprintf("Rate-limit retries: %d", s.RateLimitRetries)))
	}
	if s.WorkerFailures > 0 {
		lines = append(lines, cl.paint(color.FgYellow, fmt.Sprintf("Worker failures: %d", s.WorkerFailures)))
	}
	if s.Remaining >= 0 {
		lines = append(lines, fmt.Sprintf("Remaining tasks: %d", s.Remaining))
	}
	lines = append(lines, "Duration: "+formatDuration(s.Duration))
	if s.Err != nil {
		lines = append(lines, cl.paint(color.FgRed, "Error: "+s.Err.Error()))
	}
	if s.ResumeHint != "" {
		lines = append(lines, "Resume with: "+s.ResumeHint)
	}

	cl.writeLines("info", lines...)
}

// timestamp returns the current time formatted as "15:04:05" (HH:MM:SS).
func timestamp() string {
	return time.Now().Format("15:04:05")
}

// formatDuration converts a time.Duration to a human-readable string.
// Examples: "5s", "1m30s", "2h15m"
func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		hours := d / time.Hour
		remainder := d % time.Hour
		if remainder == 0 {
			return fmt.Sprintf("%dh", hours)
		}
		minutes := remainder / time.Minute
		remainder = remainder % time.Minute
		if remainder == 0 {
			return fmt.Sprintf("%dh%dm", hours, minutes)
		}
		seconds := remainder / time.Second
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	case d >= time.Minute:
		minutes := d / time.Minute
		remainder := d % time.Minute
		if remainder == 0 {
			return fmt.Sprintf("%dm", minutes)
		}
		seconds := remainder / time.Second
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", int64(d.Seconds()))
	}
}
