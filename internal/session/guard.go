// Package session is the guard's state machine. It ties the activity
// monitor, the countdown engine and the action dispatcher to one attached
// browsing context.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zach-source/idleguard/internal/action"
	"github.com/zach-source/idleguard/internal/activity"
	"github.com/zach-source/idleguard/internal/audit"
	"github.com/zach-source/idleguard/internal/clock"
	"github.com/zach-source/idleguard/internal/config"
	"github.com/zach-source/idleguard/internal/countdown"
	"github.com/zach-source/idleguard/internal/fetch"
	"github.com/zach-source/idleguard/internal/metrics"
	"github.com/zach-source/idleguard/internal/storage"
)

// DefaultFlagTimeout bounds each storage flag call.
const DefaultFlagTimeout = 2 * time.Second

// Options configures a Guard. Only Dispatcher is required for the guard
// to do anything useful on expiry; every other collaborator is optional.
type Options struct {
	Bus   *activity.Bus
	Clock clock.Clock
	// PollInterval paces the idle-poll and countdown loops. Zero selects
	// the zero-delay yield scheduler.
	PollInterval time.Duration
	// CountdownTick is the length of one countdown second. Tests shrink it.
	CountdownTick time.Duration
	// Defaults is the TimeoutConfig used when no settings are fetched.
	Defaults    config.TimeoutConfig
	Fetcher     fetch.Fetcher
	Flags       storage.FlagStore
	FlagTimeout time.Duration
	Dispatcher  *action.Dispatcher
	Audit       *audit.Logger
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
}

// View is what the guard exposes to the presentation layer.
type View struct {
	AttachID         string               `json:"attach_id,omitempty"`
	State            State                `json:"state"`
	ShowTimeoutModal bool                 `json:"show_timeout_modal"`
	Countdown        int                  `json:"countdown"`
	IsCountingDown   bool                 `json:"is_counting_down"`
	Phase            countdown.Phase      `json:"phase"`
	Location         string               `json:"location,omitempty"`
	Activity         activity.State       `json:"activity"`
	Config           config.TimeoutConfig `json:"config"`
	LastAction       *action.Target       `json:"last_action,omitempty"`
}

// ErrNotAttached is returned by operations that need an attached guard.
var ErrNotAttached = errors.New("guard is not attached")

// Guard is one idle-session guard.
type Guard struct {
	mu        sync.Mutex
	bus       *activity.Bus
	monitor   *activity.Monitor
	countdown *countdown.Engine
	opts      Options
	logger    zerolog.Logger

	state      State
	cfg        config.TimeoutConfig
	loc        action.Location
	attachID   string
	runCtx     context.Context
	cancelRun  context.CancelFunc
	escUnsub   func()
	lastAction *action.Target

	watchMu   sync.Mutex
	watchers  map[uint64]func(View)
	nextWatch uint64
}

// NewGuard builds a disarmed guard.
func NewGuard(opts Options) *Guard {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Bus == nil {
		opts.Bus = activity.NewBus(opts.Logger)
	}
	if opts.FlagTimeout <= 0 {
		opts.FlagTimeout = DefaultFlagTimeout
	}
	if opts.Defaults == (config.TimeoutConfig{}) {
		opts.Defaults = config.Defaults()
	}
	opts.Defaults = opts.Defaults.Normalize()

	g := &Guard{
		bus:      opts.Bus,
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "guard").Logger(),
		state:    Disarmed,
		cfg:      opts.Defaults,
		watchers: make(map[uint64]func(View)),
	}
	g.monitor = activity.NewMonitor(activity.Options{
		Bus:          opts.Bus,
		Clock:        opts.Clock,
		PollInterval: opts.PollInterval,
		Logger:       opts.Logger,
	}, g)
	g.countdown = countdown.New(countdown.Options{
		Clock:        opts.Clock,
		PollInterval: opts.PollInterval,
		Tick:         opts.CountdownTick,
		Logger:       opts.Logger,
		OnExpire:     g.OnExpiry,
		OnTick:       g.onTick,
	})
	g.countdown.Preview(opts.Defaults.LogoutCountdown)
	if opts.Metrics != nil {
		opts.Metrics.SetState(Disarmed.String(), stateNames())
	}
	return g
}

// Bus is the event target signals are dispatched on.
func (g *Guard) Bus() *activity.Bus { return g.bus }

// Attach arms the guard for the page at loc. A logout flag left by the
// previous termination suppresses arming once. Settings are fetched with
// ctx; any failure falls back to the defaults. The guard's own loops run
// until Detach, independent of ctx.
func (g *Guard) Attach(ctx context.Context, loc action.Location) (View, error) {
	g.Detach()

	attachID := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	g.mu.Lock()
	g.attachID = attachID
	g.loc = loc
	g.runCtx = runCtx
	g.cancelRun = cancel
	g.lastAction = nil
	g.mu.Unlock()

	logger := g.logger.With().Str("attach_id", attachID).Str("origin", loc.Origin()).Logger()

	if g.consumeFlag(ctx, loc, logger) {
		g.mu.Lock()
		if g.attachID == attachID {
			g.setStateLocked(Suppressed)
		}
		g.mu.Unlock()
		g.opts.Audit.LogLifecycle(audit.EventSuppressed, attachID, loc.Origin(), nil)
		logger.Info().Msg("logout flag found, guard not armed")
		g.notify()
		return g.View(), nil
	}

	cfg := config.MergeConfig(g.opts.Defaults, g.fetchSettings(ctx, logger))

	g.mu.Lock()
	if g.attachID != attachID {
		// A concurrent Attach or Detach replaced this attachment.
		g.mu.Unlock()
		cancel()
		return g.View(), ErrNotAttached
	}
	g.cfg = cfg
	g.countdown.Preview(cfg.LogoutCountdown)
	g.escUnsub = g.bus.Subscribe(activity.Escape, g.onEscape)
	g.setStateLocked(Watching)
	g.monitor.Start(runCtx, cfg)
	g.mu.Unlock()

	g.opts.Audit.LogLifecycle(audit.EventAttach, attachID, loc.Origin(), map[string]string{
		"action":     string(cfg.PostTimeoutAction),
		"inactivity": cfg.InactivityTimeout.String(),
		"countdown":  cfg.LogoutCountdown.String(),
	})
	logger.Info().
		Dur("inactivity", cfg.InactivityTimeout).
		Dur("countdown", cfg.LogoutCountdown).
		Str("action", string(cfg.PostTimeoutAction)).
		Msg("guard armed")
	g.notify()
	return g.View(), nil
}

// Detach stops every loop and releases every subscription. Detaching a
// disarmed guard is a no-op.
func (g *Guard) Detach() {
	g.mu.Lock()
	if g.state == Disarmed && g.cancelRun == nil {
		g.mu.Unlock()
		return
	}
	attachID, origin := g.attachID, g.loc.Origin()
	g.stopLocked()
	g.attachID = ""
	g.setStateLocked(Disarmed)
	g.countdown.Preview(g.opts.Defaults.LogoutCountdown)
	g.cfg = g.opts.Defaults
	g.mu.Unlock()

	g.opts.Audit.LogLifecycle(audit.EventDetach, attachID, origin, nil)
	g.logger.Debug().Str("attach_id", attachID).Msg("guard detached")
	g.notify()
}

// WarningShown reports whether idle detection should hold off. Only
// Watching lets the poll loop raise a warning.
func (g *Guard) WarningShown() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state != Watching
}

// OnIdleDetected enters the warning phase and starts the countdown.
func (g *Guard) OnIdleDetected() {
	g.mu.Lock()
	if !g.transitionLocked(EventIdle) {
		g.mu.Unlock()
		return
	}
	g.countdown.Start(g.runCtx, g.cfg.LogoutCountdown)
	g.mu.Unlock()
	g.notify()
}

// OnContinue dismisses the warning and resumes watching from now. It
// reports whether the guard was in the warning phase.
func (g *Guard) OnContinue() bool {
	g.mu.Lock()
	if !g.transitionLocked(EventContinue) {
		g.mu.Unlock()
		return false
	}
	g.countdown.Cancel()
	g.countdown.Preview(g.cfg.LogoutCountdown)
	g.monitor.Touch()
	if !g.monitor.Monitoring() {
		g.monitor.Start(g.runCtx, g.cfg)
	}
	g.mu.Unlock()
	g.notify()
	return true
}

// OnExpiry runs the terminal action after the countdown reaches zero.
func (g *Guard) OnExpiry() {
	g.terminate(EventExpire)
}

// OnManualLogout runs the terminal action straight away. It reports
// whether the guard was armed.
func (g *Guard) OnManualLogout() bool {
	return g.terminate(EventLogout)
}

// ManualDecrement takes one second off a running countdown, expiring it
// when one second is left.
func (g *Guard) ManualDecrement() bool {
	g.mu.Lock()
	warning := g.state == Warning
	g.mu.Unlock()
	if !warning {
		return false
	}
	g.countdown.ManualDecrement()
	return true
}

// Signal dispatches one activity or focus signal.
func (g *Guard) Signal(ev activity.Event) {
	if g.opts.Metrics != nil {
		g.opts.Metrics.RecordSignal(string(ev.Kind))
	}
	g.bus.Dispatch(ev)
}

// View returns the current observable state.
func (g *Guard) View() View {
	g.mu.Lock()
	v := View{
		AttachID:   g.attachID,
		State:      g.state,
		Config:     g.cfg,
		LastAction: g.lastAction,
	}
	if g.attachID != "" {
		v.Location = g.loc.String()
	}
	g.mu.Unlock()

	cd := g.countdown.Snapshot()
	v.Phase = cd.Phase
	v.Countdown = cd.Remaining
	v.IsCountingDown = cd.Phase == countdown.Running
	v.ShowTimeoutModal = v.State == Warning
	v.Activity = g.monitor.Snapshot()
	return v
}

// Watch registers fn to receive a View after every change. The returned
// function removes it.
func (g *Guard) Watch(fn func(View)) (cancel func()) {
	g.watchMu.Lock()
	g.nextWatch++
	id := g.nextWatch
	g.watchers[id] = fn
	g.watchMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.watchMu.Lock()
			delete(g.watchers, id)
			g.watchMu.Unlock()
		})
	}
}

func (g *Guard) terminate(ev Event) bool {
	g.mu.Lock()
	if !g.transitionLocked(ev) {
		g.mu.Unlock()
		return false
	}
	g.monitor.Stop()
	g.countdown.Cancel()
	if g.escUnsub != nil {
		g.escUnsub()
		g.escUnsub = nil
	}
	cfg, loc, attachID, runCtx := g.cfg, g.loc, g.attachID, g.runCtx
	g.mu.Unlock()

	logger := g.logger.With().Str("attach_id", attachID).Str("trigger", string(ev)).Logger()

	g.setFlag(runCtx, loc, logger)

	var (
		target action.Target
		err    error
	)
	if g.opts.Dispatcher == nil {
		target, err = action.Resolver{}.Resolve(cfg, loc), action.ErrNoNavigator
	} else {
		target, err = g.opts.Dispatcher.Dispatch(runCtx, cfg, loc)
	}

	result := "ok"
	if err != nil {
		result = "error"
		logger.Error().Err(err).Str("url", target.URL).Msg("timeout action failed")
	}
	if g.opts.Metrics != nil {
		g.opts.Metrics.RecordAction(string(target.Action), result)
	}
	g.opts.Audit.LogAction(attachID, loc.Origin(), string(target.Action), target.URL, err)

	g.mu.Lock()
	if g.attachID == attachID {
		g.lastAction = &target
	}
	g.mu.Unlock()
	g.notify()
	return true
}

// transitionLocked applies ev and records it. It returns false and
// changes nothing when ev is not valid in the current state.
func (g *Guard) transitionLocked(ev Event) bool {
	from := g.state
	to, ok := Next(from, ev)
	if !ok {
		g.logger.Debug().Str("event", string(ev)).Stringer("state", from).Msg("transition ignored")
		return false
	}
	g.state = to
	if g.opts.Metrics != nil {
		g.opts.Metrics.RecordTransition(string(ev), from.String(), to.String())
	}
	g.opts.Audit.LogTransition(g.attachID, g.loc.Origin(), string(ev), from.String(), to.String())
	g.logger.Info().Str("attach_id", g.attachID).Stringer("from", from).Stringer("to", to).Str("event", string(ev)).Msg("guard transition")
	return true
}

// setStateLocked moves to s outside the transition table, for attach and
// detach.
func (g *Guard) setStateLocked(s State) {
	g.state = s
	if g.opts.Metrics != nil {
		g.opts.Metrics.SetState(s.String(), stateNames())
	}
}

func (g *Guard) stopLocked() {
	g.monitor.Stop()
	g.countdown.Cancel()
	if g.escUnsub != nil {
		g.escUnsub()
		g.escUnsub = nil
	}
	if g.cancelRun != nil {
		g.cancelRun()
		g.cancelRun = nil
	}
}

func (g *Guard) onEscape(activity.Event) {
	g.OnContinue()
}

func (g *Guard) onTick(remaining int) {
	if g.opts.Metrics != nil {
		g.opts.Metrics.SetCountdown(remaining)
	}
	g.notify()
}

func (g *Guard) flagKey(loc action.Location) string {
	return storage.ScopedKey(storage.LogoutFlagKey, loc.Origin())
}

// consumeFlag reports whether the logout flag was set. Store failures are
// logged and treated as "not set" so the guard still arms.
func (g *Guard) consumeFlag(ctx context.Context, loc action.Location, logger zerolog.Logger) bool {
	if g.opts.Flags == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, g.opts.FlagTimeout)
	defer cancel()
	found, err := g.opts.Flags.Consume(ctx, g.flagKey(loc))
	if err != nil {
		logger.Warn().Err(err).Str("store", g.opts.Flags.Name()).Msg("read logout flag")
		return false
	}
	return found
}

// setFlag records the logout flag. Failure never blocks the action.
func (g *Guard) setFlag(ctx context.Context, loc action.Location, logger zerolog.Logger) {
	if g.opts.Flags == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, g.opts.FlagTimeout)
	defer cancel()
	if err := g.opts.Flags.Set(ctx, g.flagKey(loc)); err != nil {
		logger.Warn().Err(err).Str("store", g.opts.Flags.Name()).Msg("write logout flag")
	}
}

// fetchSettings returns nil, meaning "use defaults", on any failure.
func (g *Guard) fetchSettings(ctx context.Context, logger zerolog.Logger) *config.RemoteSettings {
	if g.opts.Fetcher == nil {
		return nil
	}
	rs, err := g.opts.Fetcher.Fetch(ctx)
	result := "ok"
	switch {
	case errors.Is(err, fetch.ErrNoSettings):
		result = "empty"
		rs = nil
	case err != nil:
		result = "error"
		rs = nil
		logger.Warn().Err(err).Str("source", g.opts.Fetcher.Name()).Msg("settings fetch failed, using defaults")
	}
	if g.opts.Metrics != nil {
		g.opts.Metrics.RecordFetch(result)
	}
	return rs
}

func (g *Guard) notify() {
	g.watchMu.Lock()
	if len(g.watchers) == 0 {
		g.watchMu.Unlock()
		return
	}
	fns := make([]func(View), 0, len(g.watchers))
	for _, fn := range g.watchers {
		fns = append(fns, fn)
	}
	g.watchMu.Unlock()

	v := g.View()
	for _, fn := range fns {
		g.callWatcher(fn, v)
	}
}

func (g *Guard) callWatcher(fn func(View), v View) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error().Interface("panic", r).Msg("watcher panicked")
		}
	}()
	fn(v)
}

func stateNames() []string {
	names := make([]string, len(AllStates))
	for i, s := range AllStates {
		names[i] = s.String()
	}
	return names
}
