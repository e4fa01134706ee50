package supervisor

import "time"

const (
	// DefaultCutoffHour is the first local hour of the daily dead zone.
	DefaultCutoffHour = 4
	// DefaultWindowEnd is the local hour the dead zone ends.
	DefaultWindowEnd = 9
)

// CutoffConfig describes the daily window in which no iteration may start.
type CutoffConfig struct {
	Enabled   bool
	Hour      int
	WindowEnd int
}

// ShouldHalt reports whether a new iteration must not start at now.
// It is true iff enabled and cutoffHour <= hour < windowEndHour, using the
// local hour of now. A running iteration is never interrupted by the gate.
func ShouldHalt(now time.Time, cutoffHour, windowEndHour int, enabled bool) bool {
	if !enabled {
		return false
	}
	h := now.Hour()
	return cutoffHour <= h && h < windowEndHour
}

// halt applies the gate with the configured hours.
func (c CutoffConfig) halt(now time.Time) bool {
	end := c.WindowEnd
	if end == 0 {
		end = DefaultWindowEnd
	}
	return ShouldHalt(now, c.Hour, end, c.Enabled)
}
