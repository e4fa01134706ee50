package budget

import "time"

// DefaultMaxAttempts is the number of consecutive rate-limit hits tolerated
// within a single iteration.
const DefaultMaxAttempts = 3

// RetryAction is what the supervisor should do after a rate-limit hit.
type RetryAction int

const (
	// RetrySameIteration means sleep for Wait and invoke the worker again.
	RetrySameIteration RetryAction = iota
	// AbortRun means the retry budget is spent; stop without sleeping.
	AbortRun
)

// String returns a human-readable action name.
func (a RetryAction) String() string {
	switch a {
	case RetrySameIteration:
		return "retry"
	case AbortRun:
		return "abort"
	default:
		return "unknown"
	}
}

// RetryDecision is the outcome of feeding one rate-limit hit to the controller.
type RetryDecision struct {
	Action  RetryAction
	Wait    time.Duration
	Attempt int // attempts recorded so far in this iteration, including this one
	Max     int
}

// RetryController tracks rate-limit hits for the current iteration.
// It is not safe for concurrent use; the supervisor drives it sequentially.
type RetryController struct {
	maxAttempts int
	attempts    int
}

// NewRetryController creates a controller. maxAttempts <= 0 uses DefaultMaxAttempts.
func NewRetryController(maxAttempts int) *RetryController {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &RetryController{maxAttempts: maxAttempts}
}

// OnRateLimit records a rate-limit classification. Once attempts reach the
// maximum the controller returns AbortRun instead of another wait.
func (c *RetryController) OnRateLimit(info *RateLimitInfo) RetryDecision {
	c.attempts++
	decision := RetryDecision{
		Attempt: c.attempts,
		Max:     c.maxAttempts,
	}
	if c.attempts >= c.maxAttempts {
		decision.Action = AbortRun
		return decision
	}
	decision.Action = RetrySameIteration
	decision.Wait = DefaultFallbackWait
	if info != nil && info.Wait > 0 {
		decision.Wait = info.Wait
	}
	return decision
}

// Reset clears the attempt counter; called whenever an iteration advances.
func (c *RetryController) Reset() {
	c.attempts = 0
}

// Attempts returns the number of rate-limit hits in the current iteration.
func (c *RetryController) Attempts() int {
	return c.attempts
}

// MaxAttempts returns the configured limit.
func (c *RetryController) MaxAttempts() int {
	return c.maxAttempts
}
