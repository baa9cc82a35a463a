// Package client talks to idleguardd over its unix socket.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zach-source/idleguard/internal/protocol"
	"github.com/zach-source/idleguard/internal/util"
)

// ErrUnauthorized means the daemon rejected the client's token.
var ErrUnauthorized = errors.New("unauthorized (token mismatch). Remove the idleguard token file and restart the daemon if needed")

type Client struct {
	http  *http.Client
	ws    *websocket.Dialer
	base  string
	token string
	sock  string
}

func New() (*Client, error) {
	sock, err := util.SocketPath()
	if err != nil {
		return nil, err
	}
	tokPath, err := util.TokenPath()
	if err != nil {
		return nil, err
	}
	tok, _ := os.ReadFile(tokPath) // may not exist yet; daemon will create

	tlsConfig, err := util.ClientTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to setup client TLS: %w", err)
	}

	dialUnix := func(ctx context.Context, _, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", sock)
	}
	tr := &http.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialUnix(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			tlsConn := tls.Client(conn, tlsConfig)
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				conn.Close()
				return nil, fmt.Errorf("TLS handshake failed: %w", err)
			}
			return tlsConn, nil
		},
	}
	return &Client{
		http: &http.Client{Transport: tr, Timeout: 30 * time.Second},
		ws: &websocket.Dialer{
			NetDialContext:   dialUnix,
			TLSClientConfig:  tlsConfig,
			HandshakeTimeout: 10 * time.Second,
		},
		base:  "https://unix",
		token: strings.TrimSpace(string(tok)),
		sock:  sock,
	}, nil
}

func (c *Client) ensureDaemon(ctx context.Context) error {
	if err := c.Ping(ctx); err == nil {
		return nil
	}
	if os.Getenv("IDLEGUARD_AUTOSTART") == "0" {
		return errors.New("daemon not reachable and autostart disabled (IDLEGUARD_AUTOSTART=0)")
	}
	exe := getDaemonPath()
	if exe == "" {
		var err error
		exe, err = exec.LookPath("idleguardd")
		if err != nil {
			return fmt.Errorf("idleguardd not found in PATH: %w", err)
		}
	}
	cmd := exec.Command(exe)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to launch idleguardd: %w", err)
	}
	go func() { _ = cmd.Wait() }()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if err := c.reloadToken(); err == nil {
			if err := c.Ping(ctx); err == nil {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(150 * time.Millisecond):
		}
	}
	return errors.New("failed to connect to idleguardd after autostart")
}

// reloadToken picks up a token written by a daemon we just started.
func (c *Client) reloadToken() error {
	if c.token != "" {
		return nil
	}
	tokPath, err := util.TokenPath()
	if err != nil {
		return err
	}
	tok, err := os.ReadFile(tokPath)
	if err != nil {
		return err
	}
	c.token = strings.TrimSpace(string(tok))
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, req any, resp any) error {
	var body io.Reader = http.NoBody
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if req != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		httpReq.Header.Set(protocol.TokenHeader, c.token)
	}
	r, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer r.Body.Close()
	if r.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if r.StatusCode >= 400 {
		b, _ := io.ReadAll(r.Body)
		return fmt.Errorf("server error: %s: %s", r.Status, strings.TrimSpace(string(b)))
	}
	if resp != nil {
		return json.NewDecoder(r.Body).Decode(resp)
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/v1/status", nil, nil)
}

// getDaemonPath returns the configured path to the idleguardd binary.
func getDaemonPath() string {
	return os.Getenv("IDLEGUARD_DAEMON_PATH")
}

func (c *Client) EnsureReady(ctx context.Context) error {
	return c.ensureDaemon(ctx)
}

func (c *Client) Status(ctx context.Context) (protocol.Status, error) {
	var st protocol.Status
	err := c.doJSON(ctx, http.MethodGet, "/v1/status", nil, &st)
	return st, err
}

// Attach arms the guard for the page at location.
func (c *Client) Attach(ctx context.Context, location string) (protocol.Status, error) {
	var st protocol.Status
	err := c.doJSON(ctx, http.MethodPost, "/v1/attach", protocol.AttachRequest{Location: location}, &st)
	return st, err
}

func (c *Client) Detach(ctx context.Context) (protocol.Status, error) {
	var st protocol.Status
	err := c.doJSON(ctx, http.MethodPost, "/v1/detach", nil, &st)
	return st, err
}

// Signal forwards one activity or focus signal. visible is only sent
// with visibilitychange.
func (c *Client) Signal(ctx context.Context, kind string, visible bool) (protocol.AckResponse, error) {
	return c.ack(ctx, "/v1/signal", protocol.SignalRequest{Kind: kind, Visible: visible})
}

func (c *Client) Continue(ctx context.Context) (protocol.AckResponse, error) {
	return c.ack(ctx, "/v1/continue", nil)
}

func (c *Client) Logout(ctx context.Context) (protocol.AckResponse, error) {
	return c.ack(ctx, "/v1/logout", nil)
}

func (c *Client) Decrement(ctx context.Context) (protocol.AckResponse, error) {
	return c.ack(ctx, "/v1/decrement", nil)
}

func (c *Client) ack(ctx context.Context, path string, req any) (protocol.AckResponse, error) {
	var resp protocol.AckResponse
	err := c.doJSON(ctx, http.MethodPost, path, req, &resp)
	return resp, err
}

// Watch streams frames from /v1/events to fn until ctx is cancelled or
// the daemon closes the stream. A normal close returns nil.
func (c *Client) Watch(ctx context.Context, fn func(protocol.Frame)) error {
	header := http.Header{}
	if c.token != "" {
		header.Set(protocol.TokenHeader, c.token)
	}
	conn, resp, err := c.ws.DialContext(ctx, c.eventsURL(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return ErrUnauthorized
		}
		return fmt.Errorf("connect events: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	for {
		var f protocol.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		fn(f)
	}
}

func (c *Client) eventsURL() string {
	switch {
	case strings.HasPrefix(c.base, "https://"):
		return "wss://" + strings.TrimPrefix(c.base, "https://") + "/v1/events"
	case strings.HasPrefix(c.base, "http://"):
		return "ws://" + strings.TrimPrefix(c.base, "http://") + "/v1/events"
	}
	return c.base + "/v1/events"
}
