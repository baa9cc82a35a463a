// Package action resolves and performs the terminal step of a guarded
// session: a logout through the platform endpoint or a redirect.
package action

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/zach-source/idleguard/internal/config"
)

// DefaultLogoutPath is the platform logout endpoint.
const DefaultLogoutPath = "/secur/logout.jsp"

// Community path markers. A page under one of them runs in a guest
// (community) context with its own base URL.
var communityMarkers = []string{"s", "sfsites"}

// Location is the page the guard is attached to.
type Location struct {
	Scheme string
	Host   string
	Path   string
}

// ParseLocation parses an absolute http(s) page URL.
func ParseLocation(raw string) (Location, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Location{}, fmt.Errorf("parse location: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Location{}, fmt.Errorf("location %q is not an http(s) URL", raw)
	}
	if u.Host == "" {
		return Location{}, fmt.Errorf("location %q has no host", raw)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	return Location{Scheme: u.Scheme, Host: u.Host, Path: path}, nil
}

// Origin is scheme://host.
func (l Location) Origin() string {
	return l.Scheme + "://" + l.Host
}

func (l Location) String() string {
	return l.Origin() + l.Path
}

// IsCommunity reports whether the page runs in a community context.
func (l Location) IsCommunity() bool {
	for _, m := range communityMarkers {
		if strings.Contains(l.Path, "/"+m+"/") {
			return true
		}
	}
	return false
}

// CommunityBase is the origin plus the path up to and including the
// segment after the community marker. Outside a community context it is
// the origin.
func (l Location) CommunityBase() string {
	if !l.IsCommunity() {
		return l.Origin()
	}
	parts := strings.Split(l.Path, "/")
	for i, p := range parts {
		for _, m := range communityMarkers {
			if p != m {
				continue
			}
			end := i + 2
			if end > len(parts) {
				end = len(parts)
			}
			// "/s/" yields origin/s so the logout path never doubles a slash.
			return l.Origin() + strings.TrimRight(strings.Join(parts[:end], "/"), "/")
		}
	}
	return l.Origin()
}

// NormalizeRedirectURL prefixes relative paths with "/" and collapses
// repeated slashes everywhere except directly after a scheme.
func NormalizeRedirectURL(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "/"
	}
	if !strings.HasPrefix(s, "http") && !strings.HasPrefix(s, "/") {
		s = "/" + s
	}

	prefix := ""
	if i := strings.Index(s, "://"); i > 0 && strings.HasPrefix(s, "http") {
		prefix, s = s[:i+3], s[i+3:]
	}

	var b strings.Builder
	b.Grow(len(prefix) + len(s))
	b.WriteString(prefix)
	for i := 0; i < len(s); i++ {
		if s[i] == '/' && i > 0 && s[i-1] == '/' {
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// Target is a resolved navigation.
type Target struct {
	Action config.Action `json:"action"`
	URL    string        `json:"url"`
}

// Resolver turns a TimeoutConfig and Location into a Target.
type Resolver struct {
	// LogoutPath defaults to DefaultLogoutPath.
	LogoutPath string
}

// Resolve never fails: anything that cannot be resolved lands on the
// origin root.
func (r Resolver) Resolve(cfg config.TimeoutConfig, loc Location) Target {
	if config.ParseAction(string(cfg.PostTimeoutAction)) == config.ActionRedirect {
		return Target{Action: config.ActionRedirect, URL: r.redirect(cfg.RedirectURL, loc)}
	}
	return Target{Action: config.ActionLogout, URL: r.logout(loc)}
}

func (r Resolver) logout(loc Location) string {
	path := r.LogoutPath
	if path == "" {
		path = DefaultLogoutPath
	}
	base := loc.CommunityBase()
	return base + path + "?retUrl=" + url.QueryEscape(base)
}

func (r Resolver) redirect(raw string, loc Location) string {
	target := NormalizeRedirectURL(raw)
	origin := loc.Origin()

	if isAbsoluteHTTP(target) {
		if u, err := url.Parse(target); err != nil || u.Host == "" {
			return origin + "/"
		}
		return target
	}

	if loc.IsCommunity() {
		if strings.HasPrefix(target, "/s/") || strings.HasPrefix(target, "/sfsites/") {
			return origin + target
		}
		return loc.CommunityBase() + target
	}

	base, err := url.Parse(origin + "/")
	if err != nil {
		return origin + "/"
	}
	ref, err := url.Parse(target)
	if err != nil {
		return origin + "/"
	}
	resolved := base.ResolveReference(ref)
	if resolved.Host != base.Host {
		// Stay on this origin: keep only the path part.
		return origin + NormalizeRedirectURL(resolved.RequestURI())
	}
	return resolved.String()
}

func isAbsoluteHTTP(s string) bool {
	l := strings.ToLower(s)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}

// Navigator performs a navigation in the attached browsing context.
type Navigator interface {
	Navigate(ctx context.Context, t Target) error
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(ctx context.Context, t Target) error

func (f NavigatorFunc) Navigate(ctx context.Context, t Target) error { return f(ctx, t) }

// ErrNoNavigator is returned by Dispatch when no Navigator is set.
var ErrNoNavigator = errors.New("no navigator configured")

// Dispatcher resolves the terminal action and hands it to a Navigator.
type Dispatcher struct {
	Resolver  Resolver
	Navigator Navigator
	Logger    zerolog.Logger
}

// Dispatch resolves the action for cfg at loc and navigates once.
func (d *Dispatcher) Dispatch(ctx context.Context, cfg config.TimeoutConfig, loc Location) (Target, error) {
	t := d.Resolver.Resolve(cfg, loc)
	if d.Navigator == nil {
		return t, ErrNoNavigator
	}
	d.Logger.Info().Str("action", string(t.Action)).Str("url", t.URL).Msg("dispatching timeout action")
	if err := d.Navigator.Navigate(ctx, t); err != nil {
		return t, fmt.Errorf("navigate to %s: %w", t.URL, err)
	}
	return t, nil
}

// RecordingNavigator keeps every Target it is asked to navigate to.
type RecordingNavigator struct {
	mu      sync.Mutex
	targets []Target
}

func (n *RecordingNavigator) Navigate(_ context.Context, t Target) error {
	n.mu.Lock()
	n.targets = append(n.targets, t)
	n.mu.Unlock()
	return nil
}

// Targets returns a copy of the recorded navigations.
func (n *RecordingNavigator) Targets() []Target {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Target, len(n.targets))
	copy(out, n.targets)
	return out
}

// LogNavigator logs every navigation and never fails. On its own it stands
// in for a connected agent; inside Multi it mirrors one to the log.
type LogNavigator struct {
	Logger zerolog.Logger
}

func (n LogNavigator) Navigate(_ context.Context, t Target) error {
	n.Logger.Info().Str("action", string(t.Action)).Str("url", t.URL).Msg("navigation")
	return nil
}

// Multi navigates through every Navigator and joins their errors.
type Multi []Navigator

func (m Multi) Navigate(ctx context.Context, t Target) error {
	var errs []error
	for _, n := range m {
		if err := n.Navigate(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
