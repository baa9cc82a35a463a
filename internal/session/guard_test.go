package session

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zach-source/idleguard/internal/action"
	"github.com/zach-source/idleguard/internal/activity"
	"github.com/zach-source/idleguard/internal/clock"
	"github.com/zach-source/idleguard/internal/config"
	"github.com/zach-source/idleguard/internal/countdown"
	"github.com/zach-source/idleguard/internal/fetch"
	"github.com/zach-source/idleguard/internal/metrics"
	"github.com/zach-source/idleguard/internal/storage"
)

type fixture struct {
	guard   *Guard
	clock   *clock.Fake
	nav     *action.RecordingNavigator
	flags   *storage.Memory
	metrics *metrics.Metrics
	loc     action.Location
}

func newFixture(t *testing.T, cfg config.TimeoutConfig, opts ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		clock:   clock.NewFake(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)),
		nav:     &action.RecordingNavigator{},
		flags:   storage.NewMemory(),
		metrics: metrics.New(),
	}
	loc, err := action.ParseLocation("https://example.com/home")
	require.NoError(t, err)
	f.loc = loc

	o := Options{
		Clock:        f.clock,
		PollInterval: time.Millisecond,
		Defaults:     cfg,
		Flags:        f.flags,
		Dispatcher:   &action.Dispatcher{Navigator: f.nav, Logger: zerolog.Nop()},
		Metrics:      f.metrics,
		Logger:       zerolog.Nop(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	f.guard = NewGuard(o)
	t.Cleanup(f.guard.Detach)
	return f
}

func (f *fixture) attach(t *testing.T) View {
	t.Helper()
	v, err := f.guard.Attach(context.Background(), f.loc)
	require.NoError(t, err)
	return v
}

func (f *fixture) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return f.guard.View().State == want }, 2*time.Second, time.Millisecond,
		"state never reached %s (now %s)", want, f.guard.View().State)
}

func (f *fixture) scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	f.metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func timeouts(inactivity, countdown time.Duration) config.TimeoutConfig {
	return config.TimeoutConfig{
		InactivityTimeout: inactivity,
		LogoutCountdown:   countdown,
		PostTimeoutAction: config.ActionLogout,
	}
}

func TestGuard_IdleEntersWarningWithFullCountdown(t *testing.T) {
	f := newFixture(t, timeouts(300*time.Second, 10*time.Second))
	v := f.attach(t)
	assert.Equal(t, Watching, v.State)
	assert.False(t, v.ShowTimeoutModal)
	assert.Equal(t, 10, v.Countdown, "initial countdown shown before the warning")

	f.clock.Advance(299 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Watching, f.guard.View().State)

	f.clock.Advance(time.Second)
	f.waitState(t, Warning)

	v = f.guard.View()
	assert.True(t, v.ShowTimeoutModal)
	assert.True(t, v.IsCountingDown)
	assert.Equal(t, 10, v.Countdown)
	assert.Equal(t, countdown.Running, v.Phase)

	// Further poll wakes while the warning is shown must not re-enter it.
	time.Sleep(20 * time.Millisecond)
	assert.Contains(t, f.scrape(t), `idleguard_transitions_total{event="idle",from="watching",to="warning"} 1`)
}

func TestGuard_ContinueResumesWatching(t *testing.T) {
	f := newFixture(t, timeouts(time.Minute, 10*time.Second))
	f.attach(t)

	f.clock.Advance(time.Minute)
	f.waitState(t, Warning)

	f.clock.Advance(3 * time.Second)
	require.Eventually(t, func() bool { return f.guard.View().Countdown == 7 }, time.Second, time.Millisecond)

	require.True(t, f.guard.OnContinue())
	v := f.guard.View()
	assert.Equal(t, Watching, v.State)
	assert.Equal(t, countdown.Cancelled, v.Phase)
	assert.False(t, v.IsCountingDown)
	assert.False(t, v.ShowTimeoutModal)
	assert.Equal(t, f.clock.Now(), v.Activity.LastActivityAt, "idle clock restarts from now")
	assert.True(t, v.Activity.Monitoring)

	f.clock.Advance(59 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Watching, f.guard.View().State)

	f.clock.Advance(time.Second)
	f.waitState(t, Warning)
	assert.Empty(t, f.nav.Targets())
}

func TestGuard_ContinueWhileWatchingIsNoop(t *testing.T) {
	f := newFixture(t, timeouts(time.Minute, 10*time.Second))
	f.attach(t)

	assert.False(t, f.guard.OnContinue())
	assert.Equal(t, Watching, f.guard.View().State)
	assert.False(t, f.guard.ManualDecrement())
}

func TestGuard_ExpiryRedirects(t *testing.T) {
	cfg := timeouts(time.Minute, 5*time.Second)
	cfg.PostTimeoutAction = config.ActionRedirect
	cfg.RedirectURL = "dashboard"
	f := newFixture(t, cfg)
	f.attach(t)

	f.clock.Advance(time.Minute)
	f.waitState(t, Warning)
	f.clock.Advance(5 * time.Second)
	f.waitState(t, Terminated)

	require.Eventually(t, func() bool { return f.guard.View().LastAction != nil }, time.Second, time.Millisecond)
	require.Len(t, f.nav.Targets(), 1)
	assert.Equal(t, action.Target{Action: config.ActionRedirect, URL: "https://example.com/dashboard"}, f.nav.Targets()[0])

	v := f.guard.View()
	assert.False(t, v.ShowTimeoutModal)
	assert.Equal(t, 0, v.Countdown)
	assert.False(t, v.Activity.Monitoring)
	require.NotNil(t, v.LastAction)
	assert.Equal(t, "https://example.com/dashboard", v.LastAction.URL)

	found, err := f.flags.Consume(context.Background(), storage.ScopedKey(storage.LogoutFlagKey, "https://example.com"))
	require.NoError(t, err)
	assert.True(t, found, "logout flag recorded")
	assert.Contains(t, f.scrape(t), `idleguard_actions_total{action="redirect",result="ok"} 1`)
}

func TestGuard_UnknownActionFallsBackToLogout(t *testing.T) {
	for _, act := range []config.Action{"", "explode"} {
		t.Run(string(act), func(t *testing.T) {
			cfg := timeouts(time.Minute, time.Second)
			cfg.PostTimeoutAction = act
			f := newFixture(t, cfg)
			f.attach(t)

			require.True(t, f.guard.OnManualLogout())
			targets := f.nav.Targets()
			require.Len(t, targets, 1)
			assert.Equal(t, config.ActionLogout, targets[0].Action)
			assert.Equal(t, "https://example.com/secur/logout.jsp?retUrl=https%3A%2F%2Fexample.com", targets[0].URL)
		})
	}
}

func TestGuard_LogoutFlagSuppressesOnce(t *testing.T) {
	f := newFixture(t, timeouts(time.Minute, time.Second))
	key := storage.ScopedKey(storage.LogoutFlagKey, f.loc.Origin())
	require.NoError(t, f.flags.Set(context.Background(), key))

	v := f.attach(t)
	assert.Equal(t, Suppressed, v.State)
	assert.False(t, v.Activity.Monitoring)

	f.clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Suppressed, f.guard.View().State)

	found, err := f.flags.Consume(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, found, "flag cleared on attach")

	v = f.attach(t)
	assert.Equal(t, Watching, v.State)
}

func TestGuard_TerminationIsAbsorbingAndDispatchesOnce(t *testing.T) {
	f := newFixture(t, timeouts(time.Minute, 2*time.Second))
	f.attach(t)

	require.True(t, f.guard.OnManualLogout())
	assert.False(t, f.guard.OnManualLogout())
	assert.False(t, f.guard.OnContinue())
	f.guard.OnExpiry()
	f.guard.OnIdleDetected()

	assert.Equal(t, Terminated, f.guard.View().State)
	assert.Len(t, f.nav.Targets(), 1)
}

func TestGuard_ManualDecrementExpires(t *testing.T) {
	f := newFixture(t, timeouts(time.Minute, 2*time.Second))
	f.attach(t)
	f.guard.OnIdleDetected()
	require.Equal(t, Warning, f.guard.View().State)

	require.True(t, f.guard.ManualDecrement())
	assert.Equal(t, 1, f.guard.View().Countdown)

	require.True(t, f.guard.ManualDecrement())
	assert.Equal(t, Terminated, f.guard.View().State)
	assert.Len(t, f.nav.Targets(), 1)
}

func TestGuard_EscapeActsAsContinue(t *testing.T) {
	f := newFixture(t, timeouts(time.Minute, 10*time.Second))
	f.attach(t)

	f.guard.Signal(activity.Event{Kind: activity.Escape})
	assert.Equal(t, Watching, f.guard.View().State, "escape outside the warning does nothing")

	f.guard.OnIdleDetected()
	f.guard.Signal(activity.Event{Kind: activity.Escape})
	assert.Equal(t, Watching, f.guard.View().State)
	assert.Contains(t, f.scrape(t), `idleguard_signals_total{kind="escape"} 2`)
}

func TestGuard_ActivityDelaysWarning(t *testing.T) {
	f := newFixture(t, timeouts(time.Minute, time.Second))
	f.attach(t)

	f.clock.Advance(50 * time.Second)
	f.guard.Signal(activity.Event{Kind: activity.KeyPress})
	f.clock.Advance(50 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Watching, f.guard.View().State)

	f.clock.Advance(10 * time.Second)
	f.waitState(t, Warning)
}

func TestGuard_DetachStopsEverything(t *testing.T) {
	f := newFixture(t, timeouts(time.Minute, 10*time.Second))
	f.attach(t)
	f.guard.OnIdleDetected()

	f.guard.Detach()
	v := f.guard.View()
	assert.Equal(t, Disarmed, v.State)
	assert.Empty(t, v.AttachID)
	assert.False(t, v.Activity.Monitoring)
	assert.Equal(t, countdown.Cancelled, v.Phase)
	assert.Zero(t, f.guard.Bus().Subscribers(activity.KeyPress))
	assert.Zero(t, f.guard.Bus().Subscribers(activity.Escape))

	f.clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, f.nav.Targets())

	assert.NotPanics(t, f.guard.Detach)
}

func TestGuard_ReattachGetsFreshID(t *testing.T) {
	f := newFixture(t, timeouts(time.Minute, time.Second))
	first := f.attach(t)
	second := f.attach(t)

	assert.NotEmpty(t, first.AttachID)
	assert.NotEqual(t, first.AttachID, second.AttachID)
	assert.Equal(t, 1, f.guard.Bus().Subscribers(activity.KeyPress))
	assert.Equal(t, 1, f.guard.Bus().Subscribers(activity.Escape))
}

func TestGuard_FetchedSettingsOverrideDefaults(t *testing.T) {
	settings := &config.RemoteSettings{
		TimeoutSettings: &config.TimeoutSettings{InactivityTimeout: 120000, LogoutCountdown: 30000},
		ActionSettings:  &config.ActionSettings{PostTimeoutAction: "redirect", RedirectURL: "/bye"},
	}
	f := newFixture(t, timeouts(time.Minute, time.Second), func(o *Options) {
		o.Fetcher = fetch.Static{Settings: settings}
	})
	v := f.attach(t)

	assert.Equal(t, 2*time.Minute, v.Config.InactivityTimeout)
	assert.Equal(t, 30*time.Second, v.Config.LogoutCountdown)
	assert.Equal(t, config.ActionRedirect, v.Config.PostTimeoutAction)
	assert.Equal(t, 30, v.Countdown)
	assert.Contains(t, f.scrape(t), `idleguard_settings_fetch_total{result="ok"} 1`)
}

type failingFetcher struct{}

func (failingFetcher) Name() string { return "failing" }
func (failingFetcher) Fetch(context.Context) (*config.RemoteSettings, error) {
	return nil, errors.New("boom")
}

func TestGuard_FetchFailureUsesDefaults(t *testing.T) {
	f := newFixture(t, timeouts(time.Minute, 4*time.Second), func(o *Options) {
		o.Fetcher = failingFetcher{}
	})
	v := f.attach(t)

	assert.Equal(t, Watching, v.State)
	assert.Equal(t, time.Minute, v.Config.InactivityTimeout)
	assert.Equal(t, 4*time.Second, v.Config.LogoutCountdown)
	assert.Contains(t, f.scrape(t), `idleguard_settings_fetch_total{result="error"} 1`)
}

type brokenFlags struct{}

func (brokenFlags) Name() string { return "broken" }
func (brokenFlags) Consume(context.Context, string) (bool, error) {
	return false, storage.ErrUnavailable
}
func (brokenFlags) Set(context.Context, string) error { return storage.ErrUnavailable }

func TestGuard_FlagStoreFailureNeverBlocks(t *testing.T) {
	f := newFixture(t, timeouts(time.Minute, time.Second), func(o *Options) {
		o.Flags = brokenFlags{}
	})
	v := f.attach(t)
	assert.Equal(t, Watching, v.State)

	require.True(t, f.guard.OnManualLogout())
	assert.Len(t, f.nav.Targets(), 1)
}

func TestGuard_NavigatorErrorStillTerminates(t *testing.T) {
	f := newFixture(t, timeouts(time.Minute, time.Second), func(o *Options) {
		o.Dispatcher = &action.Dispatcher{
			Navigator: action.NavigatorFunc(func(context.Context, action.Target) error { return errors.New("no agent") }),
			Logger:    zerolog.Nop(),
		}
	})
	f.attach(t)

	require.True(t, f.guard.OnManualLogout())
	assert.Equal(t, Terminated, f.guard.View().State)
	assert.Contains(t, f.scrape(t), `idleguard_actions_total{action="logout",result="error"} 1`)
}

func TestGuard_WatchReceivesUpdates(t *testing.T) {
	f := newFixture(t, timeouts(time.Minute, 3*time.Second))

	var last atomic.Value
	var calls atomic.Int32
	stop := f.guard.Watch(func(v View) {
		calls.Add(1)
		last.Store(v)
	})
	f.guard.Watch(func(View) { panic("bad watcher") })

	f.attach(t)
	assert.Equal(t, Watching, last.Load().(View).State)

	f.guard.OnIdleDetected()
	assert.Equal(t, Warning, last.Load().(View).State)

	f.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return last.Load().(View).Countdown == 2 }, time.Second, time.Millisecond)

	stop()
	n := calls.Load()
	f.guard.OnContinue()
	assert.Equal(t, n, calls.Load())
}

func TestGuard_ViewBeforeAttach(t *testing.T) {
	f := newFixture(t, config.TimeoutConfig{})
	v := f.guard.View()
	assert.Equal(t, Disarmed, v.State)
	assert.Equal(t, config.DefaultInactivityTimeout, v.Config.InactivityTimeout)
	assert.Equal(t, int(config.DefaultLogoutCountdown/time.Second), v.Countdown)
	assert.Empty(t, v.Location)
}
