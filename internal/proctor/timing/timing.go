// Package timing derives remaining exam time from the server-issued start
// instant. Nothing here decrements a counter; every reading is recomputed.
package timing

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Clock abstracts wall time so countdowns can be driven in tests.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker is the subset of *time.Ticker a countdown needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// SystemClock is the real clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) NewTicker(d time.Duration) Ticker { return &sysTicker{t: time.NewTicker(d)} }

type sysTicker struct{ t *time.Ticker }

func (s *sysTicker) C() <-chan time.Time { return s.t.C }
func (s *sysTicker) Stop()               { s.t.Stop() }

// RemainingSeconds returns max(0, duration*60 - elapsed) where elapsed is the
// whole seconds since startedAt. A start in the future clamps to the full
// duration.
func RemainingSeconds(durationMinutes int, startedAt, now time.Time) int {
	total := durationMinutes * 60
	elapsed := int(now.Sub(startedAt) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}
	return max(0, total-elapsed)
}

// Deadline is the instant the exam ends.
func Deadline(durationMinutes int, startedAt time.Time) time.Time {
	return startedAt.Add(time.Duration(durationMinutes) * time.Minute)
}

// Countdown recomputes remaining time on every tick and fires OnExpire once
// when it reaches zero.
type Countdown struct {
	DurationMinutes int
	StartedAt       time.Time
	Clock           Clock
	TickInterval    time.Duration

	OnTick   func(remaining int)
	OnExpire func()

	expired atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// Remaining reads the current remaining seconds.
func (c *Countdown) Remaining() int {
	return RemainingSeconds(c.DurationMinutes, c.StartedAt, c.clock().Now())
}

func (c *Countdown) clock() Clock {
	if c.Clock == nil {
		return SystemClock{}
	}
	return c.Clock
}

// Start begins ticking. It emits an immediate tick so the first reading does
// not wait a full interval. Calling Start on a running countdown is a no-op.
func (c *Countdown) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}

	interval := c.TickInterval
	if interval <= 0 {
		interval = time.Second
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	ticker := c.clock().NewTicker(interval)

	go func(done chan struct{}) {
		defer close(done)
		defer ticker.Stop()

		c.tick()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				c.tick()
			}
		}
	}(c.done)
}

func (c *Countdown) tick() {
	remaining := c.Remaining()
	if c.OnTick != nil {
		c.OnTick(remaining)
	}
	if remaining == 0 && c.expired.CompareAndSwap(false, true) && c.OnExpire != nil {
		c.OnExpire()
	}
}

// Rearm allows OnExpire to fire again on the next zero reading. The owner calls
// it when its expiry handler failed and must be retried.
func (c *Countdown) Rearm() {
	c.expired.Store(false)
}

// Expired reports whether OnExpire has fired since the last Rearm.
func (c *Countdown) Expired() bool {
	return c.expired.Load()
}

// Stop halts ticking and waits for the tick goroutine to exit. It must not be
// called from inside OnTick or OnExpire.
func (c *Countdown) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
