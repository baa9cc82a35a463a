package action

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zach-source/idleguard/internal/config"
)

func mustLocation(t *testing.T, raw string) Location {
	t.Helper()
	loc, err := ParseLocation(raw)
	require.NoError(t, err)
	return loc
}

func TestNormalizeRedirectURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "/"},
		{"   ", "/"},
		{"/", "/"},
		{"home", "/home"},
		{"//a//b/", "/a/b/"},
		{"/a///b", "/a/b"},
		{"https://example.com//x//y", "https://example.com/x/y"},
		{"http://example.com", "http://example.com"},
		{"dashboard/reports", "/dashboard/reports"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeRedirectURL(tt.in), "input %q", tt.in)
	}
}

func TestNormalizeRedirectURL_Idempotent(t *testing.T) {
	for _, in := range []string{"//a//b/", "x", "https://h//p", "/s//site"} {
		once := NormalizeRedirectURL(in)
		assert.Equal(t, once, NormalizeRedirectURL(once), in)
	}
}

func TestParseLocation(t *testing.T) {
	loc := mustLocation(t, "https://acme.example.com")
	assert.Equal(t, "https://acme.example.com", loc.Origin())
	assert.Equal(t, "/", loc.Path)

	for _, bad := range []string{"ftp://x/y", "/relative", "https://", "::"} {
		_, err := ParseLocation(bad)
		assert.Error(t, err, bad)
	}
}

func TestLocation_Community(t *testing.T) {
	tests := []struct {
		raw       string
		community bool
		base      string
	}{
		{"https://acme.example.com/lightning/page/home", false, "https://acme.example.com"},
		{"https://acme.example.com/partners/s/home", true, "https://acme.example.com/partners/s/home"},
		{"https://acme.example.com/s/", true, "https://acme.example.com/s"},
		{"https://acme.example.com/sfsites/aura", true, "https://acme.example.com/sfsites/aura"},
		{"https://acme.example.com/sales", false, "https://acme.example.com"},
	}
	for _, tt := range tests {
		loc := mustLocation(t, tt.raw)
		assert.Equal(t, tt.community, loc.IsCommunity(), tt.raw)
		assert.Equal(t, tt.base, loc.CommunityBase(), tt.raw)
	}
}

func TestResolve_Logout(t *testing.T) {
	r := Resolver{}

	got := r.Resolve(config.Defaults(), mustLocation(t, "https://acme.example.com/lightning/page/home"))
	assert.Equal(t, Target{
		Action: config.ActionLogout,
		URL:    "https://acme.example.com/secur/logout.jsp?retUrl=https%3A%2F%2Facme.example.com",
	}, got)

	got = r.Resolve(config.Defaults(), mustLocation(t, "https://acme.example.com/partners/s/home"))
	assert.Equal(t,
		"https://acme.example.com/partners/s/home/secur/logout.jsp?retUrl=https%3A%2F%2Facme.example.com%2Fpartners%2Fs%2Fhome",
		got.URL)
}

func TestResolve_UnknownActionLogsOut(t *testing.T) {
	cfg := config.Defaults()
	cfg.PostTimeoutAction = "vanish"
	cfg.RedirectURL = "/elsewhere"

	got := Resolver{LogoutPath: "/logout"}.Resolve(cfg, mustLocation(t, "http://localhost:8080/app"))
	assert.Equal(t, config.ActionLogout, got.Action)
	assert.Equal(t, "http://localhost:8080/logout?retUrl=http%3A%2F%2Flocalhost%3A8080", got.URL)
}

func TestResolve_Redirect(t *testing.T) {
	std := "https://acme.example.com/lightning/page/home"
	community := "https://acme.example.com/partners/s/home"

	tests := []struct {
		name     string
		location string
		redirect string
		want     string
	}{
		{"empty goes to root", std, "", "https://acme.example.com/"},
		{"relative path", std, "dashboard", "https://acme.example.com/dashboard"},
		{"duplicate slashes", std, "//reports//q1", "https://acme.example.com/reports/q1"},
		{"absolute honoured", std, "https://other.example.org/bye", "https://other.example.org/bye"},
		{"query kept", std, "/search?q=1", "https://acme.example.com/search?q=1"},
		{"community site path", community, "/s/goodbye", "https://acme.example.com/s/goodbye"},
		{"community sfsites path", community, "/sfsites/x", "https://acme.example.com/sfsites/x"},
		{"community relative", community, "/logged-out", "https://acme.example.com/partners/s/home/logged-out"},
		{"community absolute", community, "https://other.example.org", "https://other.example.org"},
		{"scheme without host", std, "https://", "https://acme.example.com/"},
		{"empty host with path", std, "http:///path", "https://acme.example.com/"},
		{"unparsable absolute", std, "https://exa mple.com/x", "https://acme.example.com/"},
		{"community scheme without host", community, "https://", "https://acme.example.com/"},
		{"community empty host with path", community, "http:///path", "https://acme.example.com/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Defaults()
			cfg.PostTimeoutAction = config.ActionRedirect
			cfg.RedirectURL = tt.redirect

			got := Resolver{}.Resolve(cfg, mustLocation(t, tt.location))
			assert.Equal(t, config.ActionRedirect, got.Action)
			assert.Equal(t, tt.want, got.URL)
		})
	}
}

func TestDispatcher(t *testing.T) {
	nav := &RecordingNavigator{}
	d := &Dispatcher{Navigator: nav, Logger: zerolog.Nop()}

	target, err := d.Dispatch(context.Background(), config.Defaults(), mustLocation(t, "https://acme.example.com/"))
	require.NoError(t, err)
	assert.Equal(t, []Target{target}, nav.Targets())
}

func TestDispatcher_Errors(t *testing.T) {
	d := &Dispatcher{Logger: zerolog.Nop()}
	_, err := d.Dispatch(context.Background(), config.Defaults(), mustLocation(t, "https://acme.example.com/"))
	assert.ErrorIs(t, err, ErrNoNavigator)

	boom := errors.New("agent gone")
	rec := &RecordingNavigator{}
	d.Navigator = Multi{rec, NavigatorFunc(func(context.Context, Target) error { return boom })}
	_, err = d.Dispatch(context.Background(), config.Defaults(), mustLocation(t, "https://acme.example.com/"))
	assert.ErrorIs(t, err, boom)
	assert.Len(t, rec.Targets(), 1, "other navigators still run")
}
