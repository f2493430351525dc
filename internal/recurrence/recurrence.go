// Package recurrence computes fixed-interval firing times. Every firing
// lands on Start + k*Interval for an integer k >= 0, no matter when the
// previous firing actually ran.
package recurrence

import (
	"math/big"
	"time"
)

var nanosPerSecond = big.NewInt(int64(time.Second))

type Schedule struct {
	Start    time.Time
	Interval time.Duration
	// MaxRuns bounds the number of firings. Zero means unbounded.
	MaxRuns int
	// End bounds firings by time. Nil means unbounded.
	End *time.Time
}

func (s Schedule) exhausted(runs int) bool {
	return s.MaxRuns > 0 && runs >= s.MaxRuns
}

func (s Schedule) pastEnd(t time.Time) bool {
	return s.End != nil && t.After(*s.End)
}

// slot returns Start + k*Interval. The offset may exceed the range of a
// time.Duration, so it is split into seconds and nanoseconds.
func (s Schedule) slot(k int64) time.Time {
	offset := new(big.Int).Mul(big.NewInt(k), big.NewInt(int64(s.Interval)))
	sec, nsec := new(big.Int).QuoRem(offset, nanosPerSecond, new(big.Int))
	return time.Unix(s.Start.Unix()+sec.Int64(), int64(s.Start.Nanosecond())+nsec.Int64()).In(s.Start.Location())
}

// elapsed is t - Start in nanoseconds, without the ~292 year cap of
// time.Time.Sub.
func (s Schedule) elapsed(t time.Time) *big.Int {
	e := big.NewInt(t.Unix() - s.Start.Unix())
	e.Mul(e, nanosPerSecond)
	return e.Add(e, big.NewInt(int64(t.Nanosecond()-s.Start.Nanosecond())))
}

// slotIndex is floor((t - Start) / Interval), clamped to 0. ok is false
// when the index does not fit in an int64.
func (s Schedule) slotIndex(t time.Time) (k int64, ok bool) {
	e := s.elapsed(t)
	if e.Sign() <= 0 {
		return 0, true
	}
	q := e.Quo(e, big.NewInt(int64(s.Interval)))
	return q.Int64(), q.IsInt64()
}

// Next returns the first slot at or after now, or false when the schedule
// has no firings left after runs completed firings.
func Next(s Schedule, runs int, now time.Time) (time.Time, bool) {
	if s.Interval <= 0 || s.exhausted(runs) || s.pastEnd(now) {
		return time.Time{}, false
	}
	var k int64
	if e := s.elapsed(now); e.Sign() > 0 {
		q, r := e.QuoRem(e, big.NewInt(int64(s.Interval)), new(big.Int))
		if r.Sign() != 0 {
			q.Add(q, big.NewInt(1))
		}
		if !q.IsInt64() {
			return time.Time{}, false
		}
		k = q.Int64()
	}
	next := s.slot(k)
	if s.pastEnd(next) {
		return time.Time{}, false
	}
	return next, true
}

// SlotAtOrBefore returns the latest slot not after t. Times before Start
// yield Start.
func SlotAtOrBefore(s Schedule, t time.Time) time.Time {
	k, _ := s.slotIndex(t)
	return s.slot(k)
}

// IsDue reports whether a job whose next firing is next must fire at now.
func IsDue(next, now time.Time) bool {
	return !now.Before(next)
}

// Advance computes the firing that follows the one scheduled at scheduled.
// runs is the number of firings including the one just made. The basis is
// the scheduled slot, never the time the firing actually ran, so jitter
// does not accumulate. When the following slot is already behind now, only
// the most recent elapsed slot is kept and the skipped ones are reported
// as missed.
func Advance(s Schedule, runs int, scheduled, now time.Time) (next time.Time, missed int, ok bool) {
	if s.Interval <= 0 || s.exhausted(runs) || s.pastEnd(now) {
		return time.Time{}, 0, false
	}
	k, ok := s.slotIndex(scheduled)
	if !ok {
		return time.Time{}, 0, false
	}
	k++
	latest, ok := s.slotIndex(now)
	if !ok {
		return time.Time{}, 0, false
	}
	if latest > k {
		missed = int(latest - k)
		k = latest
	}
	next = s.slot(k)
	if !next.After(scheduled) || s.pastEnd(next) {
		return time.Time{}, missed, false
	}
	return next, missed, true
}
