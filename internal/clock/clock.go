// Package clock abstracts wall-clock reads and the cooperative yield points
// used by the idle-poll loop and the countdown tick.
//
// Loops built on a Scheduler must re-read the Clock after every Next: the
// scheduler only promises a favourable moment to run, never an exact delay.
package clock

import (
	"context"
	"runtime"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultPollInterval bounds how long an IdleScheduler defers a wake-up.
const DefaultPollInterval = 250 * time.Millisecond

// Clock reports the current wall-clock time.
type Clock interface {
	Now() time.Time
}

// Real is the system clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Since is time.Since against an arbitrary Clock.
func Since(c Clock, t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Scheduler yields until the next favourable opportunity to run.
type Scheduler interface {
	// Next returns when the caller may run again, or with ctx's error.
	Next(ctx context.Context) error
	Name() string
}

// IdleScheduler is the preferred scheduler: it gives other goroutines the
// processor first, then waits for a pacing token so a loop wakes at most
// once per interval and never waits longer than one interval.
type IdleScheduler struct {
	limiter  *rate.Limiter
	interval time.Duration
}

func NewIdleScheduler(interval time.Duration) *IdleScheduler {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &IdleScheduler{
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		interval: interval,
	}
}

func (s *IdleScheduler) Next(ctx context.Context) error {
	runtime.Gosched()
	return s.limiter.Wait(ctx)
}

func (s *IdleScheduler) Name() string { return "idle" }

// Interval returns the maximum deferral between wake-ups.
func (s *IdleScheduler) Interval() time.Duration { return s.interval }

// YieldScheduler is the zero-delay fallback: it reschedules the caller
// immediately after letting other runnable goroutines go first.
type YieldScheduler struct{}

func (YieldScheduler) Next(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	runtime.Gosched()
	return nil
}

func (YieldScheduler) Name() string { return "yield" }

// New returns an IdleScheduler for a positive interval and the
// YieldScheduler otherwise. Each loop needs its own scheduler.
func New(interval time.Duration) Scheduler {
	if interval > 0 {
		return NewIdleScheduler(interval)
	}
	return YieldScheduler{}
}

// WaitFor blocks until c reports that d has elapsed, measured from the
// call, yielding through s between checks.
func WaitFor(ctx context.Context, c Clock, s Scheduler, d time.Duration) error {
	return WaitUntil(ctx, c, s, c.Now().Add(d))
}

// WaitUntil blocks until c reports a time at or after deadline. The clock
// is re-read on every wake so scheduler jitter never accumulates.
func WaitUntil(ctx context.Context, c Clock, s Scheduler, deadline time.Time) error {
	for c.Now().Before(deadline) {
		if err := s.Next(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Fake is a manually advanced Clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set jumps the clock to t, forwards or backwards.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}
