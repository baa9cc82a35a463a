package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zach-source/idleguard/internal/action"
	"github.com/zach-source/idleguard/internal/metrics"
	"github.com/zach-source/idleguard/internal/protocol"
)

// ErrNoAgent is returned by Hub.Navigate when no event client is
// connected to carry out the navigation.
var ErrNoAgent = errors.New("no agent connected")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
	sendBuffer     = 32
)

// Hub fans status and navigate frames out to every /v1/events client.
// It is the daemon's action.Navigator.
type Hub struct {
	mu       sync.Mutex
	clients  map[*wsClient]struct{}
	closed   bool
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

func NewHub(logger zerolog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Clients are local processes that already passed token auth.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:  logger.With().Str("component", "events").Logger(),
		metrics: m,
	}
}

var _ action.Navigator = (*Hub)(nil)

// Navigate broadcasts a navigate frame. It fails with ErrNoAgent when
// nobody is listening.
func (h *Hub) Navigate(_ context.Context, t action.Target) error {
	n := h.broadcast(protocol.Frame{
		Type:     protocol.FrameNavigate,
		Navigate: &protocol.Target{Action: string(t.Action), URL: t.URL},
	})
	if n == 0 {
		return ErrNoAgent
	}
	h.logger.Info().Int("clients", n).Str("url", t.URL).Msg("navigate sent")
	return nil
}

// PublishStatus broadcasts a status frame.
func (h *Hub) PublishStatus(st protocol.Status) {
	h.broadcast(protocol.Frame{Type: protocol.FrameStatus, Status: &st})
}

// Clients is the number of connected event clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// broadcast queues f for every client and returns how many accepted it.
// A client whose buffer is full is dropped.
func (h *Hub) broadcast(f protocol.Frame) int {
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error().Err(err).Str("type", f.Type).Msg("marshal frame")
		return 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for c := range h.clients {
		select {
		case c.send <- data:
			n++
		default:
			h.logger.Warn().Msg("event client too slow, dropping")
			h.removeLocked(c)
		}
	}
	return n
}

// Serve upgrades the request and streams frames to it, starting with
// initial, until the client goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, initial protocol.Status) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &wsClient{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	if data, err := json.Marshal(protocol.Frame{Type: protocol.FrameStatus, Status: &initial}); err == nil {
		c.send <- data
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.ClientConnected()
	}
	h.logger.Debug().Str("remote", r.RemoteAddr).Msg("event client connected")

	go h.writePump(c)
	h.readPump(c)
}

// readPump only watches for close and pong; clients send nothing else.
func (h *Hub) readPump(c *wsClient) {
	defer h.remove(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
}

func (h *Hub) removeLocked(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.once.Do(func() { close(c.done) })
	if h.metrics != nil {
		h.metrics.ClientDisconnected()
	}
	h.logger.Debug().Msg("event client disconnected")
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}
