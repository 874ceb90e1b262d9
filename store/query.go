package store

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/robertmeta/feedkit/model"
)

const day = 24 * time.Hour

// calendarPattern matches day-based durations like "7d", "2w", "3m", "1y"
var calendarPattern = regexp.MustCompile(`^(\d+)([dwmy])$`)

// Months and years are approximated as 30 and 365 days.
var calendarUnits = map[string]time.Duration{
	"d": day,
	"w": 7 * day,
	"m": 30 * day,
	"y": 365 * day,
}

// ParseDuration parses a day-based duration like "2w", or anything
// time.ParseDuration accepts, like "36h". Negative durations are rejected.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("duration string is empty")
	}

	if m := calendarPattern.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, fmt.Errorf("invalid number in duration: %s", m[1])
		}
		return time.Duration(n) * calendarUnits[m[2]], nil
	}

	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid duration format: %s (expected e.g. 7d, 2w, 3m, 1y, or 36h)", s)
	}
	return d, nil
}

// SinceToTime returns the point in time the duration s lies before now.
func SinceToTime(s string, now time.Time) (time.Time, error) {
	d, err := ParseDuration(s)
	if err != nil {
		return time.Time{}, err
	}
	return now.Add(-d), nil
}

// BuildLocator constructs an entry locator from command line arguments.
// An empty since selects all entries of the feed.
func BuildLocator(rawURL, since, guid string, now time.Time) (model.EntryLocator, error) {
	loc := model.EntryLocator{
		URL:  model.NormalizeURL(rawURL),
		GUID: guid,
	}
	if err := loc.Validate(); err != nil {
		return loc, err
	}
	if since == "" {
		return loc, nil
	}

	t, err := SinceToTime(since, now)
	if err != nil {
		return loc, fmt.Errorf("failed to parse --since flag: %w", err)
	}
	loc.Since = t
	return loc, nil
}
