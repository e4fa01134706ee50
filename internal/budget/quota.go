package budget

import (
	"fmt"
	"time"
)

// QuotaDecision is the outcome of the session-start quota check.
type QuotaDecision string

const (
	QuotaProceed             QuotaDecision = "proceed"
	QuotaProceedWithWarning  QuotaDecision = "proceed_with_warning"
	QuotaRequireConfirmation QuotaDecision = "require_confirmation"
	QuotaAbort               QuotaDecision = "abort"
)

// DefaultWarnThreshold is the fraction of the weekly limit that triggers a warning.
const DefaultWarnThreshold = 0.8

// ConfirmFunc asks the operator whether to continue past the warning.
type ConfirmFunc func(prompt string) bool

// QuotaGuard compares this week's usage against a weekly budget.
type QuotaGuard struct {
	WeeklyLimit   int64
	WarnThreshold float64
	Force         bool
	Confirm       ConfirmFunc // nil declines
}

// QuotaReport describes a completed quota check.
type QuotaReport struct {
	Decision     QuotaDecision
	Usage        *WeeklyUsageSummary // nil when the check was skipped
	Threshold    float64             // WeeklyLimit * WarnThreshold
	Skipped      bool
	SkipReason   string
	SkippedLines int  // Usage log lines that were not valid records
	Confirmed    bool // Operator answered yes to the prompt
}

// Percent returns usage as a percentage of the weekly limit.
func (r *QuotaReport) Percent(limit int64) float64 {
	if r.Usage == nil || limit <= 0 {
		return 0
	}
	return r.Usage.Total * 100 / float64(limit)
}

// threshold returns the usage level at which the guard stops proceeding silently.
func (g *QuotaGuard) threshold() float64 {
	warn := g.WarnThreshold
	if warn <= 0 {
		warn = DefaultWarnThreshold
	}
	return float64(g.WeeklyLimit) * warn
}

// Evaluate classifies a weekly total without prompting. The comparison is
// exact: a total below limit*threshold proceeds even when that product is
// not a whole number.
func (g *QuotaGuard) Evaluate(total float64) QuotaDecision {
	if total < g.threshold() {
		return QuotaProceed
	}
	if g.Force {
		return QuotaProceedWithWarning
	}
	return QuotaRequireConfirmation
}

// Check loads the usage log at path, aggregates the week containing now and
// resolves any confirmation through g.Confirm. A missing or unreadable log
// never blocks the run; the check is reported as skipped.
func (g *QuotaGuard) Check(path string, now time.Time) *QuotaReport {
	report := &QuotaReport{Threshold: g.threshold()}

	if g.WeeklyLimit <= 0 {
		report.Decision = QuotaProceed
		report.Skipped = true
		report.SkipReason = "weekly limit disabled"
		return report
	}

	usageLog, err := LoadUsageLog(path)
	if err != nil {
		report.Decision = QuotaProceed
		report.Skipped = true
		report.SkipReason = err.Error()
		return report
	}

	report.SkippedLines = usageLog.Skipped
	report.Usage = WeeklyUsage(usageLog.Records, now)
	report.Decision = g.Evaluate(report.Usage.Total)

	if report.Decision == QuotaRequireConfirmation {
		prompt := fmt.Sprintf("Weekly usage is %.0f of %d tokens (%.0f%%). Continue anyway?",
			report.Usage.Total, g.WeeklyLimit, report.Percent(g.WeeklyLimit))
		if g.Confirm != nil && g.Confirm(prompt) {
			report.Confirmed = true
			report.Decision = QuotaProceed
		} else {
			report.Decision = QuotaAbort
		}
	}

	return report
}
