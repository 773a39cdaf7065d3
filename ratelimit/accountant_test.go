package ratelimit

import (
	"testing"
	"time"
)

func sampleAt(at time.Time, remaining int) Sample {
	return Sample{Endpoint: "messages", At: at, Status: 200, Remaining: remaining}
}

func TestShouldBackoffThreshold(t *testing.T) {
	a := &Accountant{}
	base := time.Now()

	// Remaining values decreasing toward the default low-water mark (10).
	values := []int{50, 30, 12, 10, 9, 3}
	wantBackoff := []bool{false, false, false, false, true, true}
	for i, v := range values {
		snap := a.Record(sampleAt(base.Add(time.Duration(i)*time.Second), v))
		if snap.ShouldBackoff != wantBackoff[i] {
			t.Errorf("after remaining=%d: ShouldBackoff=%v, want %v", v, snap.ShouldBackoff, wantBackoff[i])
		}
	}

	// A later call reporting a higher value clears the signal.
	snap := a.Record(sampleAt(base.Add(10*time.Second), 40))
	if snap.ShouldBackoff {
		t.Errorf("ShouldBackoff still true after remaining recovered to 40")
	}
}

func TestShouldBackoffBeforeAnyCall(t *testing.T) {
	a := &Accountant{}
	if a.ShouldBackoff() {
		t.Error("ShouldBackoff true with no samples recorded")
	}
}

func TestShouldBackoffUnknownRemaining(t *testing.T) {
	a := &Accountant{}
	snap := a.Record(Sample{Endpoint: "messages", At: time.Now(), Status: 200, Remaining: -1})
	if snap.ShouldBackoff {
		t.Error("ShouldBackoff true when remaining header was absent")
	}
	if snap.Remaining != -1 {
		t.Errorf("Remaining=%d, want -1 before any reported value", snap.Remaining)
	}
}

func TestBackoffSurvivesAbsentHeader(t *testing.T) {
	a := &Accountant{}
	base := time.Now()

	if snap := a.Record(sampleAt(base, 5)); !snap.ShouldBackoff {
		t.Fatal("remaining=5 should trip the default low-water mark")
	}
	// A call without the header leaves the signal (and last known value)
	// unchanged; only a higher reported value clears it.
	snap := a.Record(Sample{Endpoint: "messages", At: base.Add(time.Second), Status: 200, Remaining: -1})
	if !snap.ShouldBackoff {
		t.Error("absent header cleared an active backoff signal")
	}
	if snap.Remaining != 5 {
		t.Errorf("Remaining=%d, want last known value 5", snap.Remaining)
	}
	if snap = a.Record(sampleAt(base.Add(2*time.Second), 40)); snap.ShouldBackoff {
		t.Error("ShouldBackoff still true after remaining recovered to 40")
	}
}

func TestCustomLowWater(t *testing.T) {
	a := &Accountant{LowWater: 3}
	if snap := a.Record(sampleAt(time.Now(), 5)); snap.ShouldBackoff {
		t.Error("remaining=5 should not trip LowWater=3")
	}
	if snap := a.Record(sampleAt(time.Now(), 2)); !snap.ShouldBackoff {
		t.Error("remaining=2 should trip LowWater=3")
	}
}

func TestSlidingWindows(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	a := &Accountant{now: func() time.Time { return base }}

	// Two calls well in the past, one inside the hour, two inside the minute.
	a.Record(sampleAt(base.Add(-2*time.Hour), 50))
	a.Record(sampleAt(base.Add(-90*time.Minute), 49))
	a.Record(sampleAt(base.Add(-30*time.Minute), 48))
	a.Record(sampleAt(base.Add(-30*time.Second), 47))
	snap := a.Record(sampleAt(base, 46))

	if snap.Calls != 5 {
		t.Errorf("Calls=%d, want 5 (total is cumulative, not windowed)", snap.Calls)
	}
	if snap.LastHour != 3 {
		t.Errorf("LastHour=%d, want 3", snap.LastHour)
	}
	if snap.LastMinute != 2 {
		t.Errorf("LastMinute=%d, want 2", snap.LastMinute)
	}
	if snap.Remaining != 46 {
		t.Errorf("Remaining=%d, want 46", snap.Remaining)
	}
}

func TestEvictionByAgeOnly(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	a := &Accountant{now: func() time.Time { return base }}

	// Many samples inside the hour must all be retained.
	for i := 0; i < 500; i++ {
		a.Record(sampleAt(base.Add(-time.Duration(499-i)*time.Second), 100))
	}
	snap := a.Snapshot()
	if snap.LastHour != 500 {
		t.Errorf("LastHour=%d, want 500 (eviction must be by age, not count)", snap.LastHour)
	}
}
