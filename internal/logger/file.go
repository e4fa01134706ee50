package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harrison/ralph/internal/budget"
	"github.com/harrison/ralph/internal/models"
)

// FileLogger logs supervisor events to a timestamped run log in the log
// directory and keeps a latest.log symlink pointing at it. Worker output for
// each invocation is written separately into IterationsDir by the worker
// package. It is thread-safe.
type FileLogger struct {
	logDir        string
	iterationsDir string
	runLog        *os.File
	runFile       string
	logLevel      string
	mu            sync.Mutex
}

// NewFileLogger creates a FileLogger under logDir with the given log level.
// It creates the directory, opens run-YYYYMMDD-HHMMSS.log and repoints
// latest.log at it.
func NewFileLogger(logDir string, logLevel string) (*FileLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	iterationsDir := filepath.Join(logDir, "iterations")
	if err := os.MkdirAll(iterationsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create iterations directory: %w", err)
	}

	started := time.Now()
	runFile := filepath.Join(logDir, fmt.Sprintf("run-%s.log", started.Format("20060102-150405")))

	file, err := os.OpenFile(runFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create run log file: %w", err)
	}

	symlinkPath := filepath.Join(logDir, "latest.log")
	if _, err := os.Lstat(symlinkPath); err == nil {
		if err := os.Remove(symlinkPath); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to remove old symlink: %w", err)
		}
	}
	if err := os.Symlink(filepath.Base(runFile), symlinkPath); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create symlink: %w", err)
	}

	fl := &FileLogger{
		logDir:        logDir,
		iterationsDir: iterationsDir,
		runLog:        file,
		runFile:       runFile,
		logLevel:      normalizeLogLevel(logLevel),
	}

	fl.writeRunLog("=== Ralph Run Log ===\n")
	fl.writeRunLog(fmt.Sprintf("Started at: %s\n\n", started.Format(time.RFC3339)))

	return fl, nil
}

// RunFile returns the path of the current run log.
func (fl *FileLogger) RunFile() string {
	return fl.runFile
}

// IterationsDir is where per-invocation worker output belongs.
func (fl *FileLogger) IterationsDir() string {
	return fl.iterationsDir
}

func (fl *FileLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(fl.logLevel)
}

// LogTrace logs a trace-level message (most verbose).
func (fl *FileLogger) LogTrace(message string) {
	fl.logWithLevel("TRACE", message)
}

// LogDebug logs a debug-level message.
func (fl *FileLogger) LogDebug(message string) {
	fl.logWithLevel("DEBUG", message)
}

// LogInfo logs an info-level message.
func (fl *FileLogger) LogInfo(message string) {
	fl.logWithLevel("INFO", message)
}

// LogWarn logs a warning-level message.
func (fl *FileLogger) LogWarn(message string) {
	fl.logWithLevel("WARN", message)
}

// LogError logs an error-level message.
func (fl *FileLogger) LogError(message string) {
	fl.logWithLevel("ERROR", message)
}

func (fl *FileLogger) logWithLevel(level string, message string) {
	if !fl.shouldLog(strings.ToLower(level)) {
		return
	}
	fl.writeRunLog(fmt.Sprintf("[%s] [%s] %s\n", timestamp(), level, message))
}

// LogIterationStart records the start of an invocation.
func (fl *FileLogger) LogIterationStart(ic models.IterationContext) {
	fl.LogInfo(fmt.Sprintf("iteration %d/%d attempt %d started: run=%s passes=%d remaining=%d",
		ic.Iteration, ic.MaxIterations, ic.Attempt, ic.RunID, ic.PassesSnapshot, ic.Remaining))
}

// LogIterationResult records how an invocation ended.
func (fl *FileLogger) LogIterationResult(rec models.IterationRecord) {
	message := fmt.Sprintf("iteration %d attempt %d: kind=%s exit=%d duration=%.1fs wait=%ds remaining=%d",
		rec.Iteration, rec.Attempt, rec.Kind, rec.ExitCode, rec.Duration.Seconds(), rec.WaitSeconds, rec.RemainingAfter)
	if rec.LogPath != "" {
		message += " log=" + rec.LogPath
	}
	if rec.WorkerFailed() {
		fl.LogWarn(message)
		return
	}
	fl.LogInfo(message)
}

// LogRateLimitCountdown is logged at DEBUG; the console carries the countdown.
func (fl *FileLogger) LogRateLimitCountdown(remaining, total time.Duration) {
	fl.LogDebug(fmt.Sprintf("rate limit wait: %s of %s remaining", formatDuration(remaining), formatDuration(total)))
}

// LogQuota records the weekly usage check.
func (fl *FileLogger) LogQuota(report *budget.QuotaReport, weeklyLimit int64) {
	if report == nil {
		return
	}
	if report.Skipped {
		fl.LogWarn("quota check skipped: " + report.SkipReason)
		return
	}
	if report.SkippedLines > 0 {
		fl.LogWarn(fmt.Sprintf("quota: %d malformed usage log line(s) ignored", report.SkippedLines))
	}
	fl.LogInfo(fmt.Sprintf("quota: decision=%s usage=%.0f limit=%d threshold=%.0f confirmed=%t",
		report.Decision, report.Usage.Total, weeklyLimit, report.Threshold, report.Confirmed))
}

// LogSummary writes the final statistics.
func (fl *FileLogger) LogSummary(s *models.RunSummary) {
	if s == nil || !fl.shouldLog("info") {
		return
	}

	ts := timestamp()
	var b strings.Builder
	fmt.Fprintf(&b, "\n[%s] === RUN SUMMARY ===\n", ts)
	fmt.Fprintf(&b, "[%s] Run ID:        %s\n", ts, s.RunID)
	fmt.Fprintf(&b, "[%s] Identity:      %s\n", ts, s.Identity)
	fmt.Fprintf(&b, "[%s] Outcome:       %s (exit %d)\n", ts, s.Outcome, s.ExitCode())
	fmt.Fprintf(&b, "[%s] Iterations:    %d/%d\n", ts, s.Iteration, s.MaxIterations)
	fmt.Fprintf(&b, "[%s] Advanced:      %d (early %d)\n", ts, s.Advanced, s.EarlyCompletions)
	fmt.Fprintf(&b, "[%s] Retries:       %d\n", ts, s.RateLimitRetries)
	fmt.Fprintf(&b, "[%s] Worker errors: %d\n", ts, s.WorkerFailures)
	fmt.Fprintf(&b, "[%s] Total time:    %.1fs\n", ts, s.Duration.Seconds())
	if s.Err != nil {
		fmt.Fprintf(&b, "[%s] Error:         %v\n", ts, s.Err)
	}
	if s.ResumeHint != "" {
		fmt.Fprintf(&b, "[%s] Resume:        %s\n", ts, s.ResumeHint)
	}
	fmt.Fprintf(&b, "[%s] Completed at:  %s\n", ts, time.Now().Format(time.RFC3339))

	fl.writeRunLog(b.String())
}

// Close flushes and closes the run log.
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.runLog != nil {
		if err := fl.runLog.Sync(); err != nil {
			return fmt.Errorf("failed to sync run log: %w", err)
		}
		if err := fl.runLog.Close(); err != nil {
			return fmt.Errorf("failed to close run log: %w", err)
		}
		fl.runLog = nil
	}

	return nil
}

// writeRunLog is a thread-safe helper to write to the run log file.
func (fl *FileLogger) writeRunLog(message string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.runLog != nil {
		fl.runLog.WriteString(message)
		// Flush after each write for real-time logging
		fl.runLog.Sync()
	}
}
