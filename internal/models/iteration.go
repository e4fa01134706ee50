package models

import "time"

// IterationContext is the state the loop carries into one worker invocation.
type IterationContext struct {
	RunID          string
	Iteration      int // 1-based, never persisted
	MaxIterations  int
	Attempt        int // 1-based retry attempt within Iteration
	PassesSnapshot int // Completed tasks just before the invocation
	Remaining      int // Incomplete tasks just before the invocation
}

// IterationKind classifies a finished invocation.
type IterationKind string

const (
	KindNormal        IterationKind = "normal"         // No signal in output; advance
	KindEarlyComplete IterationKind = "early_complete" // story-complete marker seen
	KindCompleted     IterationKind = "completed"      // Completion marker in output
	KindRateLimited   IterationKind = "rate_limited"
	KindInterrupted   IterationKind = "interrupted"
)

// IterationRecord is one row of iteration history.
type IterationRecord struct {
	ID              int64
	RunID           string
	Iteration       int
	Attempt         int
	StartedAt       time.Time
	Duration        time.Duration
	ExitCode        int
	Kind            IterationKind
	WaitSeconds     int // Rate-limit backoff chosen, 0 otherwise
	RemainingBefore int
	RemainingAfter  int // -1 when the task list could not be re-read
	LogPath         string
}

// WorkerFailed reports whether the worker exited non-zero on its own.
// Invocations stopped by the supervisor do not count.
func (r IterationRecord) WorkerFailed() bool {
	return r.ExitCode != 0 && r.Kind != KindInterrupted && r.Kind != KindEarlyComplete
}

// RunSummary is the result of one supervisor run.
type RunSummary struct {
	RunID            string
	Identity         string
	Outcome          Outcome
	Iteration        int // Highest iteration number started
	MaxIterations    int
	Advanced         int // Iterations that completed and moved on
	RateLimitRetries int
	WorkerFailures   int
	EarlyCompletions int
	Remaining        int // Incomplete tasks at exit, -1 if unknown
	StartedAt        time.Time
	Duration         time.Duration
	ResumeHint       string
	Err              error
}

// ExitCode returns the process exit status for the run.
func (s *RunSummary) ExitCode() int {
	return s.Outcome.ExitCode()
}
