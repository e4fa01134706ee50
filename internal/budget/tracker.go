package budget

import (
	"sort"
	"time"
)

// dateLayout is the calendar-date format used by the usage log.
const dateLayout = "2006-01-02"

// UsageRecord is one daily entry of the worker's usage log.
// Token counts are keyed by category (input, output, cache_read, ...).
// Counts are JSON numbers and may carry a fraction.
type UsageRecord struct {
	Date             string             `json:"date"`
	TokensByCategory map[string]float64 `json:"tokens"`
}

// Day parses the record date in loc.
func (r UsageRecord) Day(loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(dateLayout, r.Date, loc)
}

// Total returns the sum of all categories.
func (r UsageRecord) Total() float64 {
	var total float64
	for _, n := range r.TokensByCategory {
		total += n
	}
	return total
}

// WeeklyUsageSummary aggregates usage for one Monday–Sunday week.
type WeeklyUsageSummary struct {
	WeekStart  time.Time          // Monday 00:00 local
	WeekEnd    time.Time          // following Monday 00:00 local (exclusive)
	Total      float64            // Sum over all categories
	ByCategory map[string]float64 // Per-category sums
	Days       []string           // Dates that contributed, sorted
}

// Categories returns category names sorted for stable display.
func (s *WeeklyUsageSummary) Categories() []string {
	names := make([]string, 0, len(s.ByCategory))
	for name := range s.ByCategory {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WeekBounds returns the Monday 00:00 that starts the week containing now,
// and the Monday after it. Both are in now's location.
func WeekBounds(now time.Time) (time.Time, time.Time) {
	// time.Weekday has Sunday == 0; shift so Monday == 0.
	offset := (int(now.Weekday()) + 6) % 7
	start := time.Date(now.Year(), now.Month(), now.Day()-offset, 0, 0, 0, 0, now.Location())
	end := time.Date(start.Year(), start.Month(), start.Day()+7, 0, 0, 0, 0, now.Location())
	return start, end
}

// WeeklyUsage sums every record whose date falls in the current week.
// Records with unparsable dates are ignored.
func WeeklyUsage(records []UsageRecord, now time.Time) *WeeklyUsageSummary {
	start, end := WeekBounds(now)
	summary := &WeeklyUsageSummary{
		WeekStart:  start,
		WeekEnd:    end,
		ByCategory: make(map[string]float64),
	}

	seen := make(map[string]bool)
	for _, rec := range records {
		day, err := rec.Day(now.Location())
		if err != nil {
			continue
		}
		if day.Before(start) || !day.Before(end) {
			continue
		}
		for category, n := range rec.TokensByCategory {
			summary.ByCategory[category] += n
			summary.Total += n
		}
		if !seen[rec.Date] {
			seen[rec.Date] = true
			summary.Days = append(summary.Days, rec.Date)
		}
	}
	sort.Strings(summary.Days)

	return summary
}
