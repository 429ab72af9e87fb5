package historical

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultTimezone is the zone user-entered wall times are read in.
const DefaultTimezone = "America/New_York"

var ErrInvalidTimestamp = errors.New("invalid datetime format")

var localLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02",
}

var zonedLayouts = []string{
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04Z07:00",
}

// ParseTimestamp converts a user datetime into epoch nanoseconds. Text
// without an offset is read in tz; a trailing Z or explicit offset wins.
func ParseTimestamp(text, tz string) (int64, error) {
	s := strings.Replace(strings.TrimSpace(text), "T", " ", 1)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidTimestamp)
	}
	if strings.HasSuffix(s, "Z") || strings.HasSuffix(s, "z") {
		s = s[:len(s)-1] + "+00:00"
	}

	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixNano(), nil
		}
	}

	loc, err := LoadLocation(tz)
	if err != nil {
		return 0, err
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UnixNano(), nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrInvalidTimestamp, text)
}

// LoadLocation resolves tz, defaulting to DefaultTimezone when empty.
func LoadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", tz, err)
	}
	return loc, nil
}

// FormatLocal renders ts as "YYYY-MM-DD HH:MM:SS" in loc.
func FormatLocal(ts int64, loc *time.Location) string {
	return time.Unix(0, ts).In(loc).Format("2006-01-02 15:04:05")
}
