package logger

import (
	"time"

	"github.com/harrison/ralph/internal/budget"
	"github.com/harrison/ralph/internal/models"
)

// NoOpLogger discards everything. Useful for testing or when logging is disabled.
type NoOpLogger struct{}

// NewNoOpLogger creates a NoOpLogger instance.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

func (n *NoOpLogger) LogDebug(string) {}
func (n *NoOpLogger) LogInfo(string) {}
func (n *NoOpLogger) LogWarn(string) {}
func (n *NoOpLogger) LogError(string) {}
func (n *NoOpLogger) LogIterationStart(models.IterationContext) {}
func (n *NoOpLogger) LogIterationResult(models.IterationRecord) {}
func (n *NoOpLogger) LogRateLimitCountdown(time.Duration, time.Duration) {}
func (n *NoOpLogger) LogQuota(*budget.QuotaReport, int64) {}
func (n *NoOpLogger) LogSummary(*models.RunSummary) {}
