// Package timeparse reads the interval and timestamp notations accepted on
// the command line and in job requests.
package timeparse

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var intervalRegexp = regexp.MustCompile(
	`^\s*(?:(\d+)w)?\s*(?:(\d+)d)?\s*(?:(\d+)h)?\s*(?:(\d+)m)?\s*(?:(\d+)\s*s?)?\s*$`,
)

var intervalUnits = []time.Duration{7 * 24 * time.Hour, 24 * time.Hour, time.Hour, time.Minute, time.Second}

// ParseInterval reads intervals such as "1d 2h", "90m", "2h3m4s" or a bare
// number of seconds. Units must appear in decreasing order. An empty string
// is a zero interval.
func ParseInterval(s string) (time.Duration, error) {
	groups := intervalRegexp.FindStringSubmatch(s)
	if groups == nil {
		return 0, fmt.Errorf("invalid interval %q: use w, d, h, m and s suffixes in that order", s)
	}
	var d time.Duration
	for i, unit := range intervalUnits {
		if groups[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(groups[i+1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid interval %q: %w", s, err)
		}
		if n > (math.MaxInt64-int64(d))/int64(unit) {
			return 0, fmt.Errorf("invalid interval %q: too long", s)
		}
		d += time.Duration(n) * unit
	}
	return d, nil
}

var timestampLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05Z0700",
	"2006-01-02 15:04:05Z07:00",
	time.RFC3339Nano,
}

// Layouts lists the accepted timestamp layouts, for help texts.
func Layouts() []string {
	return append([]string(nil), timestampLayouts[:len(timestampLayouts)-1]...)
}

// ParseTimestamp reads a date or date-time. Values without an offset are
// taken to be in loc. The result is in UTC.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q: expected one of %s", s, strings.Join(Layouts(), ", "))
}

// FormatInterval renders d as "[N day[s], ]H:MM:SS".
func FormatInterval(d time.Duration) string {
	d = d.Round(time.Second)
	sign := ""
	if d < 0 {
		sign = "-"
		d = -d
	}
	days := int64(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	clock := fmt.Sprintf("%d:%02d:%02d", int64(d/time.Hour), int64(d/time.Minute)%60, int64(d/time.Second)%60)
	switch days {
	case 0:
		return sign + clock
	case 1:
		return fmt.Sprintf("%s1 day, %s", sign, clock)
	}
	return fmt.Sprintf("%s%d days, %s", sign, days, clock)
}
