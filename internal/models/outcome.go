// Package models holds the value types shared by the supervisor loop, its
// loggers and the iteration history.
package models

// Outcome is how a supervisor run ended.
type Outcome string

const (
	OutcomeAllComplete        Outcome = "all_complete"         // Task list reports nothing left
	OutcomeCompletionSignal   Outcome = "completion_signal"    // Worker printed the completion marker
	OutcomeCutoffReached      Outcome = "cutoff_reached"       // Blackout window began
	OutcomeQuotaDeclined      Outcome = "quota_declined"       // Operator declined past the weekly warning
	OutcomeMaxIterations      Outcome = "max_iterations"       // Ran out of iterations with work left
	OutcomeRateLimitExhausted Outcome = "rate_limit_exhausted" // Retry budget spent on one iteration
	OutcomeFatalError         Outcome = "fatal_error"          // Startup or task-list failure
	OutcomeInterrupted        Outcome = "interrupted"          // SIGINT/SIGTERM
)

// Exit codes for the process.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitInterrupted = 130
)

// ExitCode maps an outcome to the process exit status.
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeAllComplete, OutcomeCompletionSignal, OutcomeCutoffReached, OutcomeQuotaDeclined:
		return ExitOK
	case OutcomeInterrupted:
		return ExitInterrupted
	default:
		return ExitFailure
	}
}

// Success reports whether the outcome is a clean stop.
func (o Outcome) Success() bool {
	return o.ExitCode() == ExitOK
}

// Description is a short human-readable explanation.
func (o Outcome) Description() string {
	switch o {
	case OutcomeAllComplete:
		return "all tasks complete"
	case OutcomeCompletionSignal:
		return "worker signalled completion"
	case OutcomeCutoffReached:
		return "cutoff window reached"
	case OutcomeQuotaDeclined:
		return "stopped at weekly quota warning"
	case OutcomeMaxIterations:
		return "max iterations reached without completing all tasks"
	case OutcomeRateLimitExhausted:
		return "rate limit retries exhausted"
	case OutcomeFatalError:
		return "fatal error"
	case OutcomeInterrupted:
		return "interrupted"
	default:
		return string(o)
	}
}
