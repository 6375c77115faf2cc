package broker

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// client is one connected stream consumer.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub tracks connected clients and fans messages out to them. A client
// whose send queue is full is disconnected instead of stalling the others.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}

	logger  *slog.Logger
	metrics *Metrics
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger, metrics *Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		logger:  logger,
		metrics: metrics,
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.setClients(n)
	h.logger.Info("Stream client connected", "client_id", c.id, "clients", n)
}

// remove unregisters c and closes its send queue. It is safe to call more
// than once.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.setClients(n)
	h.logger.Info("Stream client disconnected", "client_id", c.id, "clients", n)
}

// Broadcast queues msg for every client and returns how many accepted it.
func (h *Hub) Broadcast(msg []byte) int {
	var slow []*client
	delivered := 0

	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- msg:
			delivered++
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("Dropping slow stream client", "client_id", c.id)
		h.metrics.slowClientDropped()
		h.remove(c)
	}
	return delivered
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.remove(c)
		_ = c.conn.Close()
	}
}
