// Package events broadcasts scheduler lifecycle events to connected
// operator dashboards over a WebSocket. It is purely advisory: no
// pipeline invariant depends on a client being connected, and a
// message that fails to send just drops that client.
package events

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"aiwisper/internal/scheduler"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(evt scheduler.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(evt)
}

func (c *client) close() error {
	return c.conn.Close()
}

// Hub fans scheduler events out to every connected client.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]bool
	log     *zap.Logger
}

// NewHub returns an empty Hub ready to accept connections. A nil
// logger falls back to a no-op logger.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{clients: make(map[*client]bool), log: logger}
}

// Broadcast sends evt to every connected client, dropping any that
// fail to receive it. Suitable as a scheduler.Observer.
func (h *Hub) Broadcast(evt scheduler.Event) {
	h.mu.Lock()
	if len(h.clients) == 0 {
		h.mu.Unlock()
		return
	}
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if err := c.send(evt); err != nil {
			h.remove(c)
		}
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		_ = c.close()
	}
}

// ServeHTTP upgrades the request to a WebSocket and keeps the
// connection registered until the client disconnects. Connections
// never receive anything but lifecycle events; inbound messages are
// read and discarded purely to detect disconnection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn}
	h.add(c)
	defer h.remove(c)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// ClientCount reports how many dashboards are currently connected.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
