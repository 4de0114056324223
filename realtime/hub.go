// Package realtime pushes editor events to websocket clients.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Skryldev/idphoto/core"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 32
)

// Event is the message sent to websocket clients.
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	JobID     string         `json:"job_id,omitempty"`
	Status    string         `json:"status,omitempty"`
	Fallback  bool           `json:"fallback,omitempty"`
	Error     string         `json:"error,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

type client struct {
	conn    *websocket.Conn
	send    chan []byte
	session string // empty receives every event
}

// Hub fans events out to connected clients.  A client connected with
// ?session=<id> only receives that session's events.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}

	broadcast chan Event
	logger    core.Logger
	upgrader  websocket.Upgrader
}

// NewHub creates a hub.  checkOrigin may be nil to accept any origin.
func NewHub(logger core.Logger, checkOrigin func(*http.Request) bool) *Hub {
	if logger == nil {
		logger = core.NopLogger{}
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		clients:   make(map[*client]struct{}),
		broadcast: make(chan Event, 256),
		logger:    logger,
		upgrader:  websocket.Upgrader{CheckOrigin: checkOrigin},
	}
}

// Run delivers broadcasts until ctx is cancelled, then disconnects every
// client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.dropLocked(c)
			}
			h.mu.Unlock()
			return
		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

func (h *Hub) deliver(ev Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("realtime.marshal_failed", "error", err.Error())
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.session != "" && c.session != ev.SessionID {
			continue
		}
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("realtime.slow_client_dropped", "session", c.session)
			h.dropLocked(c)
		}
	}
}

func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Broadcast queues ev.  Events are dropped, not blocked on, when the queue
// is full.
func (h *Hub) Broadcast(ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().Unix()
	}
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn("realtime.event_dropped", "type", ev.Type, "session", ev.SessionID)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the connection and registers a client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("realtime.upgrade_failed", "error", err.Error())
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer), session: r.URL.Query().Get("session")}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go func() {
		for msg := range c.send {
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
		c.conn.Close()
	}()

	// reader only consumes control frames
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.mu.Lock()
	h.dropLocked(c)
	h.mu.Unlock()
}
