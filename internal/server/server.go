// Package server exposes the guard over a TLS-wrapped unix socket.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/zach-source/idleguard/internal/action"
	"github.com/zach-source/idleguard/internal/activity"
	"github.com/zach-source/idleguard/internal/audit"
	"github.com/zach-source/idleguard/internal/fetch"
	"github.com/zach-source/idleguard/internal/metrics"
	"github.com/zach-source/idleguard/internal/policy"
	"github.com/zach-source/idleguard/internal/protocol"
	"github.com/zach-source/idleguard/internal/safestring"
	"github.com/zach-source/idleguard/internal/security"
	"github.com/zach-source/idleguard/internal/session"
	"github.com/zach-source/idleguard/internal/util"
)

const (
	maxBodyBytes    = 64 << 10
	shutdownTimeout = 5 * time.Second
)

type Server struct {
	SockPath string
	Token    *safestring.SafeString
	Guard    *session.Guard
	Hub      *Hub
	// Settings is optional; when set its cache shows up in status and is
	// swept periodically.
	Settings   *fetch.Cached
	FlagStore  string
	Policy     policy.Policy
	PolicyPath string
	Audit      *audit.Logger
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
}

func (s *Server) Serve(ctx context.Context) error {
	if s.SockPath == "" {
		p, err := util.SocketPath()
		if err != nil {
			return err
		}
		s.SockPath = p
	}
	if err := os.MkdirAll(filepath.Dir(s.SockPath), 0o700); err != nil {
		return err
	}
	_ = os.Remove(s.SockPath) // remove stale

	tlsConfig, err := util.TLSConfig()
	if err != nil {
		return fmt.Errorf("failed to setup TLS: %w", err)
	}

	l, err := net.Listen("unix", s.SockPath)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", s.SockPath, err)
	}
	if err := os.Chmod(s.SockPath, 0o700); err != nil {
		l.Close()
		return err
	}
	tlsListener := tls.NewListener(l, tlsConfig)

	if s.Token.IsEmpty() {
		tokPath, err := util.TokenPath()
		if err != nil {
			l.Close()
			return err
		}
		tok, err := util.EnsureToken(tokPath)
		if err != nil {
			l.Close()
			return err
		}
		s.Token = safestring.New(tok)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ConnContext:       s.peerConnContext,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopWatch := s.Guard.Watch(func(session.View) { s.Hub.PublishStatus(s.status()) })
	defer stopWatch()

	if s.Settings != nil {
		go s.startCacheCleanup(ctx)
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		s.Hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
		}
		_ = tlsListener.Close()
		_ = os.Remove(s.SockPath)
		// No handler can read the token past this point.
		s.Token.Zero()
	}()

	s.Logger.Info().Str("socket", s.SockPath).Str("flag_store", s.FlagStore).Msg("idleguardd listening on unix+tls")

	if err := srv.Serve(tlsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-stopped
	return nil
}

// Handler returns the daemon's HTTP API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/status", s.route("status", policy.CmdStatus, http.MethodGet, s.handleStatus))
	mux.HandleFunc("/v1/attach", s.route("attach", policy.CmdAttach, http.MethodPost, s.handleAttach))
	mux.HandleFunc("/v1/detach", s.route("detach", policy.CmdDetach, http.MethodPost, s.handleDetach))
	mux.HandleFunc("/v1/signal", s.route("signal", policy.CmdSignal, http.MethodPost, s.handleSignal))
	mux.HandleFunc("/v1/continue", s.route("continue", policy.CmdContinue, http.MethodPost, s.handleContinue))
	mux.HandleFunc("/v1/logout", s.route("logout", policy.CmdLogout, http.MethodPost, s.handleLogout))
	mux.HandleFunc("/v1/decrement", s.route("decrement", policy.CmdDecrement, http.MethodPost, s.handleDecrement))
	mux.HandleFunc("/v1/events", s.auth(s.withPolicy(policy.CmdEvents, s.handleEvents)))
	if s.Metrics != nil {
		mux.Handle("/metrics", s.auth(s.withPolicy(policy.CmdStatus, s.Metrics.Handler().ServeHTTP)))
	}
	return mux
}

// route wraps a JSON endpoint with auth, policy, method check and metrics.
func (s *Server) route(name, cmd, method string, next http.HandlerFunc) http.HandlerFunc {
	return s.instrument(name, s.auth(s.withPolicy(cmd, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	})))
}

// peerConnContext extracts peer information from Unix socket connections
func (s *Server) peerConnContext(ctx context.Context, conn net.Conn) context.Context {
	if tlsConn, ok := conn.(*tls.Conn); ok {
		conn = tlsConn.NetConn()
	}
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return ctx
	}
	peerInfo, err := security.PeerFromUnixConn(unixConn)
	if err != nil {
		s.Logger.Debug().Err(err).Msg("failed to get peer info")
		return ctx
	}
	s.Logger.Debug().Stringer("peer", peerInfo).Msg("peer connection")
	return security.WithPeer(ctx, peerInfo)
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.Token.EqualString(r.Header.Get(protocol.TokenHeader)) {
			var peer *security.PeerInfo
			if pi, ok := security.PeerFromContext(r.Context()); ok {
				peer = &pi
			}
			s.Audit.LogAuthentication(peer, false, "invalid token")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// withPolicy enforces the peer policy for cmd. Requests without peer
// credentials, such as in-process tests, are not policy checked.
func (s *Server) withPolicy(cmd string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		peerInfo, hasPeer := security.PeerFromContext(r.Context())
		if !hasPeer {
			next(w, r)
			return
		}
		if !s.validateAccess(peerInfo, cmd) {
			http.Error(w, "forbidden by policy", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

// validateAccess checks the policy and records denials, plus approvals
// for commands that change guard state.
func (s *Server) validateAccess(peerInfo security.PeerInfo, cmd string) bool {
	allowed := policy.Allowed(s.Policy, policy.Subject{PID: peerInfo.PID, Path: peerInfo.Path}, cmd)
	if !allowed || mutating(cmd) {
		s.Audit.LogAccessDecision(peerInfo, cmd, allowed, s.PolicyPath)
	}
	if !allowed {
		s.Logger.Warn().Stringer("peer", peerInfo).Str("command", cmd).Msg("access denied")
	}
	return allowed
}

func mutating(cmd string) bool {
	switch cmd {
	case policy.CmdStatus, policy.CmdEvents, policy.CmdSignal:
		return false
	}
	return true
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	if s.Metrics == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		s.Metrics.RecordRequest(name, strconv.Itoa(rec.status))
		s.Metrics.ObserveDuration(name, time.Since(start).Seconds())
	}
}

func (s *Server) startCacheCleanup(ctx context.Context) {
	c := s.Settings.Cache()
	interval := c.TTL() / 2
	if interval < 30*time.Second {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := c.CleanupExpired(); removed > 0 {
				s.Logger.Debug().Int("removed", removed).Msg("settings cache cleanup")
			}
		}
	}
}

func (s *Server) status() protocol.Status {
	v := s.Guard.View()
	st := protocol.Status{
		AttachID:         v.AttachID,
		State:            v.State.String(),
		ShowTimeoutModal: v.ShowTimeoutModal,
		Countdown:        v.Countdown,
		IsCountingDown:   v.IsCountingDown,
		Phase:            v.Phase.String(),
		Location:         v.Location,
		Activity: protocol.ActivityStatus{
			LastActivityAt: v.Activity.LastActivityAt,
			Monitoring:     v.Activity.Monitoring,
			WindowFocused:  v.Activity.WindowFocused,
		},
		Config:         protocol.ConfigFromTimeout(v.Config),
		SocketPath:     s.SockPath,
		FlagStore:      s.FlagStore,
		SettingsSource: s.settingsSource(),
		EventClients:   s.Hub.Clients(),
	}
	if v.Activity.Monitoring {
		st.Activity.IdleSeconds = int(time.Since(v.Activity.LastActivityAt) / time.Second)
	}
	if v.LastAction != nil {
		st.LastAction = &protocol.Target{Action: string(v.LastAction.Action), URL: v.LastAction.URL}
	}
	if s.Settings != nil {
		c := s.Settings.Cache()
		size, hits, misses, inflight := c.Stats()
		st.SettingsCache = &protocol.CacheStatus{
			Size:       size,
			Hits:       hits,
			Misses:     misses,
			InFlight:   inflight,
			TTLSeconds: int(c.TTL().Seconds()),
		}
	}
	return st
}

func (s *Server) settingsSource() string {
	if s.Settings == nil {
		return ""
	}
	return s.Settings.Name()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	var req protocol.AttachRequest
	if !decode(w, r, &req) {
		return
	}
	loc, err := action.ParseLocation(req.Location)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := s.Guard.Attach(r.Context(), loc); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleDetach(w http.ResponseWriter, r *http.Request) {
	s.Guard.Detach()
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var req protocol.SignalRequest
	if !decode(w, r, &req) {
		return
	}
	kind, err := activity.ParseKind(strings.TrimSpace(req.Kind))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.Guard.Signal(activity.Event{Kind: kind, Visible: req.Visible})
	s.ack(w, true)
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	s.ack(w, s.Guard.OnContinue())
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.ack(w, s.Guard.OnManualLogout())
}

func (s *Server) handleDecrement(w http.ResponseWriter, r *http.Request) {
	s.ack(w, s.Guard.ManualDecrement())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.Hub.Serve(w, r, s.status())
}

func (s *Server) ack(w http.ResponseWriter, accepted bool) {
	writeJSON(w, http.StatusOK, protocol.AckResponse{
		Accepted: accepted,
		State:    s.Guard.View().State.String(),
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
