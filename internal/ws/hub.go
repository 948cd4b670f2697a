package ws

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ntheanh201/vibesdk/internal/logging"
)

// Conn is the subset of *websocket.Conn the hub uses, extracted so tests
// can attach in-memory connections.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Hub is the per-agent set of active websocket connections.
type Hub struct {
	mu     sync.Mutex
	conns  map[Conn]bool
	logger *logging.Logger

	onProjectUpdate func(text string)
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithProjectUpdateSink registers the accumulator callback invoked for
// project-update message kinds.
func WithProjectUpdateSink(fn func(text string)) HubOption {
	return func(h *Hub) { h.onProjectUpdate = fn }
}

// WithHubLogger sets the hub logger.
func WithHubLogger(logger *logging.Logger) HubOption {
	return func(h *Hub) { h.logger = logger }
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		conns:  make(map[Conn]bool),
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Attach registers a connection.
func (h *Hub) Attach(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = true
}

// Detach removes a connection, closing it.
func (h *Hub) Detach(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[conn] {
		delete(h.conns, conn)
		_ = conn.Close()
	}
}

// Count returns the number of attached connections.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Broadcast serializes and sends to every attached connection. Connections
// whose send fails are detached. Project-update kinds also feed the
// accumulator callback.
func (h *Hub) Broadcast(msgType MessageType, payload any) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		h.logger.Error("broadcast payload marshal failed", "type", msgType, "error", err)
		return
	}

	h.mu.Lock()
	conns := make([]Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	sink := h.onProjectUpdate
	h.mu.Unlock()

	for _, c := range conns {
		if err := c.WriteJSON(msg); err != nil {
			h.logger.Warn("websocket send failed, detaching", "type", msgType, "error", err)
			h.Detach(c)
		}
	}

	if IsProjectUpdate(msgType) && sink != nil {
		sink(fmt.Sprintf("%s: %s", msgType, string(msg.Payload)))
	}
}

// Send delivers a message to one connection.
func (h *Hub) Send(conn Conn, msgType MessageType, payload any) error {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

// SetProjectUpdateSink replaces the accumulator callback. The agent wires
// this after construction because the hub is built by the factory first.
func (h *Hub) SetProjectUpdateSink(fn func(text string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onProjectUpdate = fn
}

// CloseAll detaches and closes every connection.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		_ = c.Close()
		delete(h.conns, c)
	}
}

// Upgrader is the shared websocket upgrader. Origin checking happens in the
// CORS middleware before the upgrade reaches the hub.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}
