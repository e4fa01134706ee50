package budget

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	// Embed the tz database so LoadLocation works on hosts without zoneinfo.
	_ "time/tzdata"
)

const (
	// DefaultSafetyBuffer is added on top of the advertised reset instant.
	DefaultSafetyBuffer = 5 * time.Minute

	// DefaultMinWait is the floor applied to every computed wait.
	DefaultMinWait = 60 * time.Second

	// DefaultFallbackWait is used when a rate limit carries no parsable reset time.
	DefaultFallbackWait = 30 * time.Minute
)

var (
	// ErrNoResetTime means the text contains no "resets <time> (<zone>)" fragment.
	ErrNoResetTime = errors.New("no reset time found")

	// ErrUnknownTimezone means the zone name could not be resolved.
	ErrUnknownTimezone = errors.New("unknown timezone")

	// ErrMalformedClock means the clock time is out of range.
	ErrMalformedClock = errors.New("malformed clock time")
)

// resetsPattern matches "resets 3:45pm (America/New_York)" and the shorter
// "resets 1am (Europe/Dublin)" form printed by the Claude CLI.
var resetsPattern = regexp.MustCompile(`(?i)resets\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)\s*\(([^)]+)\)`)

// ResetParser turns a reset-time fragment from worker output into a wait duration.
type ResetParser struct {
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// SafetyBuffer is added to the reset instant (default 5m).
	SafetyBuffer time.Duration

	// MinWait floors the result (default 60s).
	MinWait time.Duration
}

// NewResetParser creates a parser with the default buffer and floor.
func NewResetParser() *ResetParser {
	return &ResetParser{
		Now:          time.Now,
		SafetyBuffer: DefaultSafetyBuffer,
		MinWait:      DefaultMinWait,
	}
}

// ResetAt returns the next instant matching the fragment found in text.
// If the clock time today in the named zone is not strictly after now,
// the reset is tomorrow.
func (p *ResetParser) ResetAt(text string) (time.Time, error) {
	return resetAfter(text, p.now())
}

func resetAfter(text string, now time.Time) (time.Time, error) {
	matches := resetsPattern.FindStringSubmatch(text)
	if len(matches) < 5 {
		return time.Time{}, ErrNoResetTime
	}

	hour, err := strconv.Atoi(matches[1])
	if err != nil || hour < 1 || hour > 12 {
		return time.Time{}, fmt.Errorf("%w: hour %q", ErrMalformedClock, matches[1])
	}

	minute := 0
	if matches[2] != "" {
		minute, err = strconv.Atoi(matches[2])
		if err != nil || minute > 59 {
			return time.Time{}, fmt.Errorf("%w: minute %q", ErrMalformedClock, matches[2])
		}
	}

	// Convert 12-hour to 24-hour
	meridiem := strings.ToLower(matches[3])
	if meridiem == "pm" && hour != 12 {
		hour += 12
	} else if meridiem == "am" && hour == 12 {
		hour = 0
	}

	tzName := strings.TrimSpace(matches[4])
	loc, err := time.LoadLocation(tzName)
	if err != nil || tzName == "" || strings.EqualFold(tzName, "local") {
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnknownTimezone, tzName)
	}

	now = now.In(loc)
	resetAt := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, loc)
	if !resetAt.After(now) {
		resetAt = time.Date(now.Year(), now.Month(), now.Day()+1, hour, minute, 0, 0, loc)
	}

	return resetAt, nil
}

// Parse returns how long to wait before retrying: the time until the reset
// plus the safety buffer, truncated to whole seconds and floored at MinWait.
func (p *ResetParser) Parse(text string) (time.Duration, error) {
	now := p.now()
	resetAt, err := resetAfter(text, now)
	if err != nil {
		return 0, err
	}
	return p.waitUntil(resetAt, now), nil
}

// waitUntil applies the buffer and floor to a known reset instant.
func (p *ResetParser) waitUntil(resetAt, now time.Time) time.Duration {
	wait := resetAt.Add(p.SafetyBuffer).Sub(now).Truncate(time.Second)
	if wait < p.MinWait {
		wait = p.MinWait
	}
	return wait
}

func (p *ResetParser) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}
