package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zach-source/idleguard/internal/protocol"
)

const testToken = "tok"

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return &Client{
		http:  ts.Client(),
		ws:    websocket.DefaultDialer,
		base:  ts.URL,
		token: testToken,
	}
}

func requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(protocol.TokenHeader) != testToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func TestClient_Status(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/status", requireToken(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		_ = json.NewEncoder(w).Encode(protocol.Status{State: "warning", Countdown: 4, IsCountingDown: true})
	}))
	c := newTestClient(t, mux)

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "warning", st.State)
	assert.Equal(t, 4, st.Countdown)
	assert.True(t, st.IsCountingDown)
}

func TestClient_AttachSendsLocation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/attach", requireToken(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var req protocol.AttachRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(protocol.Status{State: "watching", Location: req.Location})
	}))
	c := newTestClient(t, mux)

	st, err := c.Attach(context.Background(), "https://example.com/home")
	require.NoError(t, err)
	assert.Equal(t, "watching", st.State)
	assert.Equal(t, "https://example.com/home", st.Location)
}

func TestClient_Acks(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	mux := http.NewServeMux()
	for _, p := range []string{"/v1/signal", "/v1/continue", "/v1/logout", "/v1/decrement"} {
		mux.HandleFunc(p, requireToken(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			seen = append(seen, r.URL.Path)
			mu.Unlock()
			if r.URL.Path == "/v1/signal" {
				var req protocol.SignalRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "visibilitychange", req.Kind)
				assert.True(t, req.Visible)
			}
			_ = json.NewEncoder(w).Encode(protocol.AckResponse{Accepted: true, State: "warning"})
		}))
	}
	c := newTestClient(t, mux)
	ctx := context.Background()

	ack, err := c.Signal(ctx, "visibilitychange", true)
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
	_, err = c.Continue(ctx)
	require.NoError(t, err)
	_, err = c.Logout(ctx)
	require.NoError(t, err)
	ack, err = c.Decrement(ctx)
	require.NoError(t, err)
	assert.Equal(t, "warning", ack.State)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/v1/signal", "/v1/continue", "/v1/logout", "/v1/decrement"}, seen)
}

func TestClient_Errors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/attach", requireToken(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "location has no host", http.StatusBadRequest)
	}))
	c := newTestClient(t, mux)

	_, err := c.Attach(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "location has no host")

	c.token = "wrong"
	_, err = c.Status(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestClient_Watch(t *testing.T) {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/events", requireToken(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		_ = conn.WriteJSON(protocol.Frame{Type: protocol.FrameStatus, Status: &protocol.Status{State: "watching"}})
		_ = conn.WriteJSON(protocol.Frame{Type: protocol.FrameNavigate, Navigate: &protocol.Target{Action: "logout", URL: "https://example.com/secur/logout.jsp"}})
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	c := newTestClient(t, mux)

	var frames []protocol.Frame
	err := c.Watch(context.Background(), func(f protocol.Frame) { frames = append(frames, f) })
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, protocol.FrameStatus, frames[0].Type)
	assert.Equal(t, "watching", frames[0].Status.State)
	assert.Equal(t, protocol.FrameNavigate, frames[1].Type)
	assert.Equal(t, "https://example.com/secur/logout.jsp", frames[1].Navigate.URL)
}

func TestClient_WatchStopsOnCancel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/events", requireToken(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(protocol.Frame{Type: protocol.FrameStatus, Status: &protocol.Status{State: "watching"}})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	c := newTestClient(t, mux)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Watch(ctx, func(protocol.Frame) { cancel() })
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestClient_WatchUnauthorized(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/events", requireToken(func(w http.ResponseWriter, r *http.Request) {}))
	c := newTestClient(t, mux)
	c.token = ""

	err := c.Watch(context.Background(), func(protocol.Frame) {})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestEventsURL(t *testing.T) {
	assert.Equal(t, "wss://unix/v1/events", (&Client{base: "https://unix"}).eventsURL())
	assert.Equal(t, "ws://127.0.0.1:9/v1/events", (&Client{base: "http://127.0.0.1:9"}).eventsURL())
}

func TestDaemonPathFromEnv(t *testing.T) {
	t.Setenv("IDLEGUARD_DAEMON_PATH", "/opt/idleguard/bin/idleguardd")
	assert.Equal(t, "/opt/idleguard/bin/idleguardd", getDaemonPath())
}

func TestEnsureReady_AutostartDisabled(t *testing.T) {
	t.Setenv("IDLEGUARD_AUTOSTART", "0")
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/status", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	})
	c := newTestClient(t, mux)

	err := c.EnsureReady(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "autostart disabled")
}
