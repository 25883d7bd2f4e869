package timing_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stemsi/exstem-proctor/internal/proctor/timing"
	"github.com/stemsi/exstem-proctor/internal/testutil"
)

func TestRemainingSeconds(t *testing.T) {
	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		duration int
		now      time.Time
		want     int
	}{
		{name: "at start", duration: 10, now: start, want: 600},
		{name: "half elapsed", duration: 10, now: start.Add(5 * time.Minute), want: 300},
		{name: "partial second floors", duration: 1, now: start.Add(1500 * time.Millisecond), want: 59},
		{name: "exactly at deadline", duration: 10, now: start.Add(10 * time.Minute), want: 0},
		{name: "past deadline", duration: 10, now: start.Add(3 * time.Hour), want: 0},
		{name: "clock skew clamps to duration", duration: 10, now: start.Add(-2 * time.Minute), want: 600},
		{name: "zero duration", duration: 0, now: start, want: 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := timing.RemainingSeconds(tc.duration, start, tc.now); got != tc.want {
				t.Errorf("RemainingSeconds = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestRemainingSecondsProperty(t *testing.T) {
	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	for duration := 0; duration <= 180; duration += 7 {
		for elapsed := -120; elapsed <= duration*60+120; elapsed += 13 {
			now := start.Add(time.Duration(elapsed) * time.Second)
			got := timing.RemainingSeconds(duration, start, now)
			want := duration*60 - max(0, elapsed)
			if want < 0 {
				want = 0
			}
			if got != want {
				t.Fatalf("duration=%d elapsed=%d: got %d, want %d", duration, elapsed, got, want)
			}
		}
	}
}

func TestCountdownRecomputesFromStart(t *testing.T) {
	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	clock := testutil.NewManualClock(start.Add(9*time.Minute + 30*time.Second))

	var last atomic.Int64
	last.Store(-1)
	var expired atomic.Int32

	cd := &timing.Countdown{
		DurationMinutes: 10,
		StartedAt:       start,
		Clock:           clock,
		OnTick:          func(r int) { last.Store(int64(r)) },
		OnExpire:        func() { expired.Add(1) },
	}
	cd.Start(context.Background())
	defer cd.Stop()

	testutil.WaitFor(t, func() bool { return last.Load() == 30 }, "first tick")

	// A long stall delivers one tick, which still reads the true remaining
	// time rather than a decremented counter.
	clock.Advance(20 * time.Second)
	testutil.WaitFor(t, func() bool { return last.Load() == 10 }, "tick after stall")

	clock.Advance(10 * time.Second)
	testutil.WaitFor(t, func() bool { return expired.Load() == 1 }, "expiry")

	clock.Advance(time.Second)
	clock.Advance(time.Second)
	testutil.Never(t, 50*time.Millisecond, func() bool { return expired.Load() > 1 }, "second expiry")
}

func TestCountdownRearm(t *testing.T) {
	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	clock := testutil.NewManualClock(start.Add(time.Hour))

	var expired atomic.Int32
	cd := &timing.Countdown{DurationMinutes: 1, StartedAt: start, Clock: clock}
	cd.OnExpire = func() { expired.Add(1) }
	cd.Start(context.Background())
	defer cd.Stop()

	testutil.WaitFor(t, func() bool { return expired.Load() == 1 }, "expiry on first tick")
	if !cd.Expired() {
		t.Fatal("Expired should report true after firing")
	}

	cd.Rearm()
	clock.Advance(time.Second)
	testutil.WaitFor(t, func() bool { return expired.Load() == 2 }, "expiry after rearm")
}

func TestCountdownStopIsIdempotent(t *testing.T) {
	clock := testutil.NewManualClock(time.Now())
	cd := &timing.Countdown{DurationMinutes: 5, StartedAt: clock.Now(), Clock: clock}
	cd.Start(context.Background())
	cd.Stop()
	cd.Stop()
	if clock.Tickers() != 0 {
		t.Errorf("ticker still live after Stop")
	}
}
