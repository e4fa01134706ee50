package budget

import (
	"context"
	"time"
)

// defaultAnnounceInterval is how often the countdown is reported while waiting.
const defaultAnnounceInterval = 1 * time.Minute

// WaiterLogger interface for countdown announcements
type WaiterLogger interface {
	LogRateLimitCountdown(remaining, total time.Duration)
}

// RateLimitWaiter blocks the supervisor until a rate limit has cleared.
// The wait is a plain blocking sleep: no other iteration may start meanwhile.
type RateLimitWaiter struct {
	announceInt time.Duration
	logger      WaiterLogger // can be nil
}

// NewRateLimitWaiter creates a waiter that reports progress every announceInterval.
// A non-positive interval uses one minute.
func NewRateLimitWaiter(announceInterval time.Duration, logger WaiterLogger) *RateLimitWaiter {
	if announceInterval <= 0 {
		announceInterval = defaultAnnounceInterval
	}
	return &RateLimitWaiter{
		announceInt: announceInterval,
		logger:      logger,
	}
}

// Sleep blocks for d with periodic countdown announcements.
// Returns nil when the wait completes, ctx.Err() if cancelled.
func (w *RateLimitWaiter) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	endTime := time.Now().Add(d)
	timer := time.NewTimer(d)
	defer timer.Stop()

	ticker := time.NewTicker(w.announceInt)
	defer ticker.Stop()

	if w.logger != nil {
		w.logger.LogRateLimitCountdown(d, d)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-timer.C:
			return nil

		case now := <-ticker.C:
			remaining := endTime.Sub(now)
			if remaining <= 0 {
				return nil
			}
			if w.logger != nil {
				w.logger.LogRateLimitCountdown(remaining.Round(time.Second), d)
			}
		}
	}
}
