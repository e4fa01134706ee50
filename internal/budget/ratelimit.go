package budget

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// WaitSource records where a rate limit wait came from.
type WaitSource string

const (
	WaitSourceResetTime WaitSource = "reset_time"
	WaitSourceTimestamp WaitSource = "timestamp"
	WaitSourceFallback  WaitSource = "fallback"
)

// RateLimitPhrases are the capacity-exhaustion phrases recognised in worker
// output. Matching is case-insensitive.
var RateLimitPhrases = []string{
	"hit your limit",
	"usage limit reached",
	"rate limit exceeded",
	"rate_limit_error",
	"out of extra usage",
	"too many requests",
}

// RateLimitInfo contains parsed rate limit details
type RateLimitInfo struct {
	DetectedAt time.Time
	ResetAt    time.Time // Zero when only the fallback wait is known
	Wait       time.Duration
	Source     WaitSource
	Phrase     string // The phrase that triggered detection
	ParseError error  // Why the reset time could not be used, if it couldn't
}

// Parsed reports whether the wait came from the output rather than the fallback.
func (r *RateLimitInfo) Parsed() bool {
	return r != nil && r.Source != WaitSourceFallback
}

// WaitSeconds returns the wait rounded down to whole seconds.
func (r *RateLimitInfo) WaitSeconds() int64 {
	if r == nil {
		return 0
	}
	return int64(r.Wait / time.Second)
}

// unixTimestampPattern matches "Claude AI usage limit reached|<unix_timestamp>"
var unixTimestampPattern = regexp.MustCompile(`usage limit reached\|(\d{9,})`)

// MatchRateLimitPhrase returns the first known phrase contained in output,
// or "" when none is present.
func MatchRateLimitPhrase(output string) string {
	if output == "" {
		return ""
	}
	lower := strings.ToLower(output)
	for _, phrase := range RateLimitPhrases {
		if strings.Contains(lower, phrase) {
			return phrase
		}
	}
	return ""
}

// DetectRateLimit classifies worker output. It returns nil when the output
// carries no capacity-exhaustion phrase. Otherwise the wait is taken from the
// reset-time fragment, then from a unix timestamp, and finally from fallback.
func DetectRateLimit(output string, parser *ResetParser, fallback time.Duration) *RateLimitInfo {
	phrase := MatchRateLimitPhrase(output)
	if phrase == "" {
		return nil
	}
	if parser == nil {
		parser = NewResetParser()
	}
	if fallback <= 0 {
		fallback = DefaultFallbackWait
	}

	now := parser.now()
	info := &RateLimitInfo{
		DetectedAt: now,
		Phrase:     phrase,
	}

	resetAt, err := resetAfter(output, now)
	if err == nil {
		info.ResetAt = resetAt
		info.Wait = parser.waitUntil(resetAt, now)
		info.Source = WaitSourceResetTime
		return info
	}
	info.ParseError = err

	if matches := unixTimestampPattern.FindStringSubmatch(output); len(matches) > 1 {
		if ts, convErr := strconv.ParseInt(matches[1], 10, 64); convErr == nil {
			resetAt := time.Unix(ts, 0)
			if resetAt.After(now) {
				info.ResetAt = resetAt
				info.Wait = parser.waitUntil(resetAt, now)
				info.Source = WaitSourceTimestamp
				info.ParseError = nil
				return info
			}
		}
	}

	info.Wait = fallback
	info.Source = WaitSourceFallback
	return info
}
