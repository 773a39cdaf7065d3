// Package ratelimit tracks Discord API quota usage across the calls made
// within a single run. It is pure accounting: recording never fails and
// never blocks; any waiting is done by the caller.
package ratelimit

import (
	"time"
)

// DefaultLowWater is the remaining-quota threshold below which callers
// should pause before issuing further API calls.
const DefaultLowWater = 10

// Sample is one observation of remote quota state from a single API call,
// successful or not. Samples are appended and never mutated.
type Sample struct {
	Endpoint  string
	At        time.Time
	Status    int
	Remaining int
	ResetAt   time.Time
	Latency   time.Duration
}

// Snapshot summarizes accounting state after a Record call. Remaining is
// the last known remote quota, -1 until any call has reported one.
type Snapshot struct {
	Calls         int  `json:"calls"`
	LastMinute    int  `json:"last_minute"`
	LastHour      int  `json:"last_hour"`
	Remaining     int  `json:"remaining"`
	ShouldBackoff bool `json:"should_backoff"`
}

// Accountant retains samples in two age-based sliding windows (last
// minute, last hour) and exposes a backoff signal driven by the most
// recent remaining-quota value. Not safe for concurrent use; a run is
// single-threaded.
type Accountant struct {
	LowWater int // remaining-quota threshold; DefaultLowWater when zero

	samples      []Sample         // ordered by At, pruned to the hour window
	calls        int
	remaining    int              // last known remaining-quota value
	hasRemaining bool             // false until a sample carries the header
	now          func() time.Time // test hook
}

func (a *Accountant) clock() time.Time {
	if a.now != nil {
		return a.now()
	}
	return time.Now()
}

func (a *Accountant) lowWater() int {
	if a.LowWater > 0 {
		return a.LowWater
	}
	return DefaultLowWater
}

// Record appends a sample, evicts anything older than an hour, and
// returns the resulting snapshot.
func (a *Accountant) Record(s Sample) Snapshot {
	if s.At.IsZero() {
		s.At = a.clock()
	}
	a.samples = append(a.samples, s)
	a.calls++
	// Negative remaining means the header was absent; the last known
	// value stands until a later call actually reports one.
	if s.Remaining >= 0 {
		a.remaining = s.Remaining
		a.hasRemaining = true
	}
	a.prune(s.At)
	return a.snapshot(s.At)
}

// ShouldBackoff reports whether the last known remaining quota is below
// the low-water mark. It stays true until a later call reports a higher
// value; samples without the header leave the signal unchanged, and it
// is false before any call has reported a value at all.
func (a *Accountant) ShouldBackoff() bool {
	return a.hasRemaining && a.remaining < a.lowWater()
}

// Snapshot returns current counts without recording anything.
func (a *Accountant) Snapshot() Snapshot {
	return a.snapshot(a.clock())
}

func (a *Accountant) snapshot(now time.Time) Snapshot {
	snap := Snapshot{Calls: a.calls, Remaining: -1, ShouldBackoff: a.ShouldBackoff()}
	if a.hasRemaining {
		snap.Remaining = a.remaining
	}
	minuteCutoff := now.Add(-time.Minute)
	hourCutoff := now.Add(-time.Hour)
	for _, s := range a.samples {
		if s.At.After(hourCutoff) {
			snap.LastHour++
		}
		if s.At.After(minuteCutoff) {
			snap.LastMinute++
		}
	}
	return snap
}

// prune drops samples older than the hour window. Eviction is purely by
// age, never by count.
func (a *Accountant) prune(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(a.samples) && !a.samples[i].At.After(cutoff) {
		i++
	}
	if i > 0 {
		a.samples = append(a.samples[:0], a.samples[i:]...)
	}
}
