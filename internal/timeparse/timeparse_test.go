package timeparse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInterval(t *testing.T) {
	day := 24 * time.Hour
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"      ", 0},
		{"0", 0},
		{"0s", 0},
		{"0   s", 0},
		{"10", 10 * time.Second},
		{"100", 100 * time.Second},
		{"5m 10s", 5*time.Minute + 10*time.Second},
		{"5m 100s", 5*time.Minute + 100*time.Second},
		{"2h 3m 4s", 2*time.Hour + 3*time.Minute + 4*time.Second},
		{"2h3m4s", 2*time.Hour + 3*time.Minute + 4*time.Second},
		{"2h     3m   4s", 2*time.Hour + 3*time.Minute + 4*time.Second},
		{"10h", 10 * time.Hour},
		{"1d 2h 3m 4s", day + 2*time.Hour + 3*time.Minute + 4*time.Second},
		{"4w", 28 * day},
		{"4w 1d", 29 * day},
	}
	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			got, err := ParseInterval(c.in)
			require.NoError(t, err)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestParseIntervalRejects(t *testing.T) {
	for _, in := range []string{"1x", "3s 2m", "1.5h", "-5", "h"} {
		_, err := ParseInterval(in)
		assert.Error(t, err, in)
	}
}

func TestParseIntervalRejectsOverflow(t *testing.T) {
	for _, in := range []string{"99999999999w", "15251w", "15250w 1000d", "9223372037", "99999999999999999999s"} {
		_, err := ParseInterval(in)
		assert.Error(t, err, in)
	}

	d, err := ParseInterval("15250w")
	require.NoError(t, err)
	assert.Equal(t, 15250*7*24*time.Hour, d)
}

func TestParseTimestamp(t *testing.T) {
	plus2 := time.FixedZone("", 2*3600)
	cases := []struct {
		in   string
		loc  *time.Location
		want time.Time
	}{
		{"2026-07-01", time.UTC, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)},
		{"2026-07-01T10:20:30", time.UTC, time.Date(2026, 7, 1, 10, 20, 30, 0, time.UTC)},
		{"2026-07-01 10:20:30", plus2, time.Date(2026, 7, 1, 8, 20, 30, 0, time.UTC)},
		{"2026-07-01T10:20:30+0200", time.UTC, time.Date(2026, 7, 1, 8, 20, 30, 0, time.UTC)},
		{"2026-07-01T10:20:30-05:00", time.UTC, time.Date(2026, 7, 1, 15, 20, 30, 0, time.UTC)},
		{"2026-07-01 10:20:30Z", plus2, time.Date(2026, 7, 1, 10, 20, 30, 0, time.UTC)},
		{"2026-07-01T10:20:30.5Z", time.UTC, time.Date(2026, 7, 1, 10, 20, 30, 500000000, time.UTC)},
	}
	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			got, err := ParseTimestamp(c.in, c.loc)
			require.NoError(t, err)
			assert.True(t, c.want.Equal(got), "got %s", got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}

	_, err := ParseTimestamp("07/01/2026", time.UTC)
	assert.Error(t, err)
}

func TestFormatInterval(t *testing.T) {
	assert.Equal(t, "0:00:00", FormatInterval(0))
	assert.Equal(t, "0:10:00", FormatInterval(10*time.Minute))
	assert.Equal(t, "1 day, 2:03:04", FormatInterval(26*time.Hour+3*time.Minute+4*time.Second))
	assert.Equal(t, "14 days, 0:00:00", FormatInterval(14*24*time.Hour))
}
