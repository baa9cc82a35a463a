package activity

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zach-source/idleguard/internal/clock"
	"github.com/zach-source/idleguard/internal/config"
)

// Hooks connects the monitor to whatever owns the warning phase.
type Hooks interface {
	// WarningShown reports whether a warning is already on screen.
	WarningShown() bool
	// OnIdleDetected is called from the poll loop once the inactivity
	// timeout has elapsed and no warning is shown.
	OnIdleDetected()
}

// State is a point-in-time view of the monitor.
type State struct {
	LastActivityAt time.Time `json:"last_activity_at"`
	Monitoring     bool      `json:"monitoring"`
	WindowFocused  bool      `json:"window_focused"`
}

// Options configures a Monitor.
type Options struct {
	Bus          *Bus
	Clock        clock.Clock
	PollInterval time.Duration
	Logger       zerolog.Logger
}

// Monitor owns the activity subscriptions and the idle-poll loop.
type Monitor struct {
	mu     sync.Mutex
	bus    *Bus
	clock  clock.Clock
	sched  clock.Scheduler
	hooks  Hooks
	logger zerolog.Logger

	timeout       time.Duration
	lastActivity  time.Time
	windowFocused bool
	monitoring    bool
	subs          []func()

	// loopID identifies the live poll loop; zero means none is running.
	loopID  uint64
	loopSeq uint64
	loopCtx context.Context
}

func NewMonitor(opts Options, hooks Hooks) *Monitor {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Bus == nil {
		opts.Bus = NewBus(opts.Logger)
	}
	return &Monitor{
		bus:           opts.Bus,
		clock:         opts.Clock,
		sched:         clock.New(opts.PollInterval),
		hooks:         hooks,
		logger:        opts.Logger.With().Str("component", "activity").Logger(),
		timeout:       config.DefaultInactivityTimeout,
		lastActivity:  opts.Clock.Now(),
		windowFocused: true,
	}
}

// Start subscribes to every activity and focus signal, resets the idle
// clock and makes sure exactly one poll loop is running under ctx.
func (m *Monitor) Start(ctx context.Context, cfg config.TimeoutConfig) {
	cfg = cfg.Normalize()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.timeout = cfg.InactivityTimeout
	m.lastActivity = m.clock.Now()
	if len(m.subs) == 0 {
		m.subscribe()
	}
	m.monitoring = true

	if m.loopID != 0 && m.loopCtx == ctx && ctx.Err() == nil {
		// The previous loop has not woken since Stop; it carries on.
		return
	}
	m.loopSeq++
	m.loopID = m.loopSeq
	m.loopCtx = ctx
	go m.loop(ctx, m.loopID)

	m.logger.Debug().Dur("timeout", m.timeout).Str("scheduler", m.sched.Name()).Msg("idle monitoring started")
}

// Stop ends monitoring and releases every subscription. The poll loop
// exits the next time it wakes. Calling Stop again is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.monitoring && len(m.subs) == 0 {
		m.mu.Unlock()
		return
	}
	m.monitoring = false
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()

	for _, unsubscribe := range subs {
		unsubscribe()
	}
	m.logger.Debug().Msg("idle monitoring stopped")
}

// Touch records activity now.
func (m *Monitor) Touch() {
	m.mu.Lock()
	m.lastActivity = m.clock.Now()
	m.mu.Unlock()
}

// Monitoring reports whether the poll loop is meant to be running.
func (m *Monitor) Monitoring() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.monitoring
}

// Snapshot returns the current activity state.
func (m *Monitor) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		LastActivityAt: m.lastActivity,
		Monitoring:     m.monitoring,
		WindowFocused:  m.windowFocused,
	}
}

// subscribe must be called with m.mu held.
func (m *Monitor) subscribe() {
	for _, k := range ActivityKinds {
		m.subs = append(m.subs, m.bus.Subscribe(k, m.onActivity))
	}
	m.subs = append(m.subs,
		m.bus.Subscribe(Focus, m.onFocus),
		m.bus.Subscribe(Blur, m.onBlur),
		m.bus.Subscribe(VisibilityChange, m.onVisibility),
	)
}

func (m *Monitor) onActivity(Event) {
	m.Touch()
}

// Regaining focus resets the idle clock so a timeout that elapsed while
// the tab was in the background does not fire the moment the user returns.
func (m *Monitor) onFocus(Event) {
	m.mu.Lock()
	m.windowFocused = true
	m.lastActivity = m.clock.Now()
	m.mu.Unlock()
}

func (m *Monitor) onBlur(Event) {
	m.mu.Lock()
	m.windowFocused = false
	m.mu.Unlock()
}

func (m *Monitor) onVisibility(ev Event) {
	m.mu.Lock()
	m.windowFocused = ev.Visible
	if ev.Visible {
		m.lastActivity = m.clock.Now()
	}
	m.mu.Unlock()
}

func (m *Monitor) loop(ctx context.Context, id uint64) {
	for {
		m.mu.Lock()
		if !m.monitoring || m.loopID != id {
			if m.loopID == id {
				m.loopID = 0
			}
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		m.check()

		if err := m.sched.Next(ctx); err != nil {
			m.mu.Lock()
			if m.loopID == id {
				m.loopID = 0
				m.monitoring = false
			}
			m.mu.Unlock()
			return
		}
	}
}

// check never lets a failure escape: an idle-detection bug must not stop
// the loop that protects the session.
func (m *Monitor) check() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("idle check failed")
		}
	}()

	m.mu.Lock()
	elapsed := clock.Since(m.clock, m.lastActivity)
	timeout := m.timeout
	m.mu.Unlock()

	if elapsed >= timeout && !m.hooks.WarningShown() {
		m.logger.Debug().Dur("idle", elapsed).Msg("inactivity timeout reached")
		m.hooks.OnIdleDetected()
	}
}
