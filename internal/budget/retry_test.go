package budget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryController_AbortsAfterMaxAttempts(t *testing.T) {
	for _, max := range []int{1, 2, 3, 5} {
		c := NewRetryController(max)
		info := &RateLimitInfo{Wait: 10 * time.Minute}

		for i := 1; i < max; i++ {
			d := c.OnRateLimit(info)
			assert.Equal(t, RetrySameIteration, d.Action, "max=%d hit=%d", max, i)
			assert.Equal(t, 10*time.Minute, d.Wait)
			assert.Equal(t, i, d.Attempt)
		}

		d := c.OnRateLimit(info)
		assert.Equal(t, AbortRun, d.Action, "max=%d", max)
		assert.Equal(t, time.Duration(0), d.Wait, "abort must not sleep")
		assert.Equal(t, max, c.Attempts())
	}
}

func TestRetryController_ResetClearsAttempts(t *testing.T) {
	c := NewRetryController(2)
	info := &RateLimitInfo{Wait: time.Minute}

	assert.Equal(t, RetrySameIteration, c.OnRateLimit(info).Action)
	c.Reset()
	assert.Equal(t, 0, c.Attempts())
	assert.Equal(t, RetrySameIteration, c.OnRateLimit(info).Action)
	assert.Equal(t, AbortRun, c.OnRateLimit(info).Action)
}

func TestRetryController_Defaults(t *testing.T) {
	c := NewRetryController(0)
	assert.Equal(t, DefaultMaxAttempts, c.MaxAttempts())

	d := c.OnRateLimit(nil)
	assert.Equal(t, RetrySameIteration, d.Action)
	assert.Equal(t, DefaultFallbackWait, d.Wait)
}

func TestRetryAction_String(t *testing.T) {
	assert.Equal(t, "retry", RetrySameIteration.String())
	assert.Equal(t, "abort", AbortRun.String())
	assert.Equal(t, "unknown", RetryAction(9).String())
}
