package logger

import (
	"time"

	"github.com/harrison/ralph/internal/budget"
	"github.com/harrison/ralph/internal/models"
)

// Sink is the set of events every logger in this package handles.
type Sink interface {
	LogDebug(message string)
	LogInfo(message string)
	LogWarn(message string)
	LogError(message string)
	LogIterationStart(ic models.IterationContext)
	LogIterationResult(rec models.IterationRecord)
	LogRateLimitCountdown(remaining, total time.Duration)
	LogQuota(report *budget.QuotaReport, weeklyLimit int64)
	LogSummary(summary *models.RunSummary)
}

var (
	_ Sink = (*ConsoleLogger)(nil)
	_ Sink = (*FileLogger)(nil)
	_ Sink = (*NoOpLogger)(nil)
	_ Sink = (*MultiLogger)(nil)
)

// MultiLogger forwards every event to each of its sinks in order.
type MultiLogger struct {
	sinks []Sink
}

// NewMultiLogger fans out to sinks, skipping nil entries.
func NewMultiLogger(sinks ...Sink) *MultiLogger {
	m := &MultiLogger{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *MultiLogger) LogDebug(message string) {
	for _, s := range m.sinks {
		s.LogDebug(message)
	}
}

func (m *MultiLogger) LogInfo(message string) {
	for _, s := range m.sinks {
		s.LogInfo(message)
	}
}

func (m *MultiLogger) LogWarn(message string) {
	for _, s := range m.sinks {
		s.LogWarn(message)
	}
}

func (m *MultiLogger) LogError(message string) {
	for _, s := range m.sinks {
		s.LogError(message)
	}
}

func (m *MultiLogger) LogIterationStart(ic models.IterationContext) {
	for _, s := range m.sinks {
		s.LogIterationStart(ic)
	}
}

func (m *MultiLogger) LogIterationResult(rec models.IterationRecord) {
	for _, s := range m.sinks {
		s.LogIterationResult(rec)
	}
}

func (m *MultiLogger) LogRateLimitCountdown(remaining, total time.Duration) {
	for _, s := range m.sinks {
		s.LogRateLimitCountdown(remaining, total)
	}
}

func (m *MultiLogger) LogQuota(report *budget.QuotaReport, weeklyLimit int64) {
	for _, s := range m.sinks {
		s.LogQuota(report, weeklyLimit)
	}
}

func (m *MultiLogger) LogSummary(summary *models.RunSummary) {
	for _, s := range m.sinks {
		s.LogSummary(summary)
	}
}
