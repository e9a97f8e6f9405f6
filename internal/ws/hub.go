// Package ws implements the Connection Manager (spec.md §4.5): accepts
// authenticated WebSocket clients, tracks active connections and the
// sidebar subset, dispatches inbound messages, and enforces the
// per-connection malformed-message rate limit. It is grounded in the
// teacher's terminal.Manager.ServeWebSocket (a per-connection read loop
// over a *websocket.Conn, one goroutine per connection) generalized from a
// single fixed PTY target to the full message table in spec.md §6.1.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Hub tracks every live connection plus the sidebar subset (connections
// that sent `identify` with clientType "sidebar").
type Hub struct {
	mu      sync.RWMutex
	active  map[string]*Connection
	sidebar map[string]*Connection

	log *logrus.Entry
}

func NewHub(log *logrus.Entry) *Hub {
	return &Hub{
		active:  make(map[string]*Connection),
		sidebar: make(map[string]*Connection),
		log:     log.WithField("component", "ws"),
	}
}

func (h *Hub) register(c *Connection) {
	h.mu.Lock()
	h.active[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(c *Connection) {
	h.mu.Lock()
	delete(h.active, c.id)
	delete(h.sidebar, c.id)
	h.mu.Unlock()
}

func (h *Hub) markSidebar(c *Connection) {
	h.mu.Lock()
	h.sidebar[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) ActiveCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active)
}

func (h *Hub) SidebarCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sidebar)
}

// IsActive reports whether clientID is still a registered connection. The
// ownership router's sweep does not call it; it checks each client's own
// Active() instead.
func (h *Hub) IsActive(clientID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.active[clientID]
	return ok
}

// Broadcast sends v, JSON-encoded, to every active connection.
func (h *Hub) Broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.WithError(err).Error("broadcast marshal failed")
		return
	}
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.active))
	for _, c := range h.active {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		_ = c.Send(data)
	}
}

// CloseAll closes every connection with the given WS close code, for
// graceful shutdown (spec.md §4.9).
func (h *Hub) CloseAll(code int, reason string) {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.active))
	for _, c := range h.active {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.closeWithCode(code, reason)
	}
}

var upgraderWriteBufferSize = 4096

// NewUpgrader returns a gorilla/websocket Upgrader configured for a
// loopback-only broker: any Origin is accepted since the only caller is a
// browser extension/dashboard on the same machine.
func NewUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: upgraderWriteBufferSize,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}
