package budget

import (
	"fmt"
	"testing"
	"time"
)

func TestMatchRateLimitPhrase(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"claude cli banner", "You've hit your limit · resets 3pm (Europe/London)", "hit your limit"},
		{"upper case", "USAGE LIMIT REACHED", "usage limit reached"},
		{"api error type", `{"type":"error","error":{"type":"rate_limit_error"}}`, "rate_limit_error"},
		{"extra usage", "You're out of extra usage", "out of extra usage"},
		{"http 429 text", "429 Too Many Requests", "too many requests"},
		{"normal output", "Implemented US-003 and ran the tests", ""},
		{"mentions rate limits in prose", "Added a rate limiter to the API client", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MatchRateLimitPhrase(tt.input)
			if got != tt.expected {
				t.Errorf("MatchRateLimitPhrase(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestDetectRateLimit_NotRateLimited(t *testing.T) {
	if info := DetectRateLimit("all good\n<promise>COMPLETE</promise>", nil, 0); info != nil {
		t.Fatalf("expected nil, got %+v", info)
	}
}

func TestDetectRateLimit_ResetTime(t *testing.T) {
	now := time.Date(2026, time.October, 15, 10, 0, 0, 0, time.UTC)
	output := "working...\nYou've hit your limit · resets 11:30am (UTC)\n"

	info := DetectRateLimit(output, fixedParser(now), DefaultFallbackWait)
	if info == nil {
		t.Fatal("expected rate limit info")
	}
	if info.Source != WaitSourceResetTime {
		t.Errorf("expected reset_time source, got %s", info.Source)
	}
	if !info.Parsed() {
		t.Error("expected Parsed() to be true")
	}
	if info.Wait != 95*time.Minute {
		t.Errorf("expected 95m wait, got %v", info.Wait)
	}
	if info.WaitSeconds() != 5700 {
		t.Errorf("expected 5700 seconds, got %d", info.WaitSeconds())
	}
	if info.Phrase != "hit your limit" {
		t.Errorf("unexpected phrase %q", info.Phrase)
	}
}

func TestDetectRateLimit_FallbackWhenNoResetTime(t *testing.T) {
	now := time.Date(2026, time.October, 15, 10, 0, 0, 0, time.UTC)

	info := DetectRateLimit("Error: you hit your limit", fixedParser(now), DefaultFallbackWait)
	if info == nil {
		t.Fatal("expected rate limit info")
	}
	if info.Source != WaitSourceFallback {
		t.Errorf("expected fallback source, got %s", info.Source)
	}
	if info.WaitSeconds() != 1800 {
		t.Errorf("expected 1800 seconds, got %d", info.WaitSeconds())
	}
	if info.ParseError == nil {
		t.Error("expected the parse error to be kept")
	}
	if info.Parsed() {
		t.Error("expected Parsed() to be false")
	}
}

func TestDetectRateLimit_FallbackWhenZoneUnknown(t *testing.T) {
	now := time.Date(2026, time.October, 15, 10, 0, 0, 0, time.UTC)

	info := DetectRateLimit("hit your limit, resets 3pm (Nowhere/Special)", fixedParser(now), 10*time.Minute)
	if info == nil {
		t.Fatal("expected rate limit info")
	}
	if info.Source != WaitSourceFallback || info.Wait != 10*time.Minute {
		t.Errorf("expected configured fallback, got %s %v", info.Source, info.Wait)
	}
}

func TestDetectRateLimit_UnixTimestamp(t *testing.T) {
	now := time.Date(2026, time.October, 15, 10, 0, 0, 0, time.UTC)
	reset := now.Add(2 * time.Hour)
	output := fmt.Sprintf("Claude AI usage limit reached|%d", reset.Unix())

	info := DetectRateLimit(output, fixedParser(now), DefaultFallbackWait)
	if info == nil {
		t.Fatal("expected rate limit info")
	}
	if info.Source != WaitSourceTimestamp {
		t.Errorf("expected timestamp source, got %s", info.Source)
	}
	if info.Wait != 2*time.Hour+DefaultSafetyBuffer {
		t.Errorf("expected 2h5m, got %v", info.Wait)
	}
}

func TestDetectRateLimit_StaleTimestampFallsBack(t *testing.T) {
	now := time.Date(2026, time.October, 15, 10, 0, 0, 0, time.UTC)
	output := fmt.Sprintf("Claude AI usage limit reached|%d", now.Add(-time.Hour).Unix())

	info := DetectRateLimit(output, fixedParser(now), DefaultFallbackWait)
	if info == nil || info.Source != WaitSourceFallback {
		t.Fatalf("expected fallback, got %+v", info)
	}
}
