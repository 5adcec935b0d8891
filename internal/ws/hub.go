package ws

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"telemetry-bridge/internal/auth"
	"telemetry-bridge/internal/envelope"
	"telemetry-bridge/internal/metrics"
)

// Hub tracks open connections and relays telemetry to the authenticated
// ones.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}

	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewHub(m *metrics.Metrics, logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		metrics: m,
		logger:  logger,
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.ActiveConnections.Inc()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		h.metrics.ActiveConnections.Dec()
	}
}

// Len returns the number of open connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Relay encodes t as an mqtt envelope and queues it on every authenticated
// connection. A connection whose send buffer is full misses the record.
// Relay has the signature of a dispatch handler.
func (h *Hub) Relay(_ context.Context, t envelope.Telemetry) error {
	raw, err := envelope.Encode(envelope.MQTT{Topic: t.Topic, Payload: t})
	if err != nil {
		return fmt.Errorf("encode relay envelope: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.session.State() != auth.Authenticated {
			continue
		}
		if !c.trySend(raw) {
			h.metrics.RelayDroppedTotal.Inc()
			h.logger.Debug("relay dropped: send buffer full", "session", c.session.ID(), "topic", t.Topic)
		}
	}
	return nil
}

// CloseAll sends a going-away close frame to every connection.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
	}
}
