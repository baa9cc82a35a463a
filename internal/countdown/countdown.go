// Package countdown runs the whole-second warning countdown that precedes
// a timeout action.
package countdown

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zach-source/idleguard/internal/clock"
)

// Phase is the lifecycle position of the countdown.
type Phase int

const (
	Idle Phase = iota
	Running
	Cancelled
	Expired
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Cancelled:
		return "cancelled"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// MarshalText lets Phase appear as its name in JSON.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// State is a snapshot of the engine.
type State struct {
	Phase     Phase `json:"phase"`
	Remaining int   `json:"remaining"`
}

// Options configures an Engine.
type Options struct {
	Clock clock.Clock
	// PollInterval paces the tick loop's wake-ups. Zero selects the
	// zero-delay yield scheduler.
	PollInterval time.Duration
	// Tick is the wall-clock length of one countdown second.
	Tick   time.Duration
	Logger zerolog.Logger
	// OnExpire runs once per expired run, outside the engine lock.
	OnExpire func()
	// OnTick runs after every decrement that leaves time on the clock,
	// outside the engine lock.
	OnTick func(remaining int)
}

// Engine is a single countdown. It can be restarted once the previous
// run is no longer Running.
type Engine struct {
	mu       sync.Mutex
	clock    clock.Clock
	interval time.Duration
	tick     time.Duration
	logger   zerolog.Logger
	onExpire func()
	onTick   func(remaining int)

	phase     Phase
	remaining int
	run       uint64
}

func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	return &Engine{
		clock:    opts.Clock,
		interval: opts.PollInterval,
		tick:     opts.Tick,
		logger:   opts.Logger.With().Str("component", "countdown").Logger(),
		onExpire: opts.OnExpire,
		onTick:   opts.OnTick,
	}
}

// Start begins a countdown of d truncated to whole seconds, with a
// minimum of one. It returns false without side effects when a run is
// already in progress.
func (e *Engine) Start(ctx context.Context, d time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.phase == Running {
		return false
	}
	secs := int(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	e.remaining = secs
	e.phase = Running
	e.run++

	go e.loop(ctx, e.run, e.clock.Now())

	e.logger.Debug().Int("seconds", secs).Uint64("run", e.run).Msg("countdown started")
	return true
}

// Cancel stops a running countdown. It returns false when nothing was
// running.
func (e *Engine) Cancel() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.phase != Running {
		return false
	}
	e.phase = Cancelled
	e.logger.Debug().Int("remaining", e.remaining).Msg("countdown cancelled")
	return true
}

// ManualDecrement removes one second immediately, expiring the run when
// only one second was left. It has no effect unless Running.
func (e *Engine) ManualDecrement() {
	e.mu.Lock()
	if e.phase != Running {
		e.mu.Unlock()
		return
	}
	expired := e.decrementLocked()
	remaining := e.remaining
	e.mu.Unlock()

	if expired {
		e.fireExpire()
		return
	}
	e.fireTick(remaining)
}

// Snapshot returns the current phase and remaining seconds.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return State{Phase: e.phase, Remaining: e.remaining}
}

// Preview sets the displayed seconds for a countdown that has not started.
func (e *Engine) Preview(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != Running {
		e.remaining = int(d / time.Second)
	}
}

// decrementLocked must be called with e.mu held while Running.
func (e *Engine) decrementLocked() (expired bool) {
	if e.remaining > 1 {
		e.remaining--
		return false
	}
	e.remaining = 0
	e.phase = Expired
	return true
}

// loop ticks at started+tick, started+2*tick, ... by wall clock. After a
// clock jump every missed deadline is ticked at once, so the remaining
// seconds match the time actually elapsed.
func (e *Engine) loop(ctx context.Context, run uint64, started time.Time) {
	sched := clock.New(e.interval)
	for n := 1; ; n++ {
		if err := clock.WaitUntil(ctx, e.clock, sched, started.Add(time.Duration(n)*e.tick)); err != nil {
			return
		}

		e.mu.Lock()
		if e.run != run || e.phase != Running {
			e.mu.Unlock()
			return
		}
		expired := e.decrementLocked()
		remaining := e.remaining
		e.mu.Unlock()

		if expired {
			e.fireExpire()
			return
		}
		e.fireTick(remaining)
	}
}

func (e *Engine) fireTick(remaining int) {
	if e.onTick == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Msg("tick callback failed")
		}
	}()
	e.onTick(remaining)
}

func (e *Engine) fireExpire() {
	e.logger.Debug().Msg("countdown expired")
	if e.onExpire == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Msg("expiry callback failed")
		}
	}()
	e.onExpire()
}
