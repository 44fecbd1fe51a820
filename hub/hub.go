package hub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"twin-event-mesh/domain"
	"twin-event-mesh/metrics"
)

type client struct {
	conn          domain.Connection
	twinID        string
	subscriptions map[string]struct{}
}

func (c *client) snapshot() domain.Client {
	return domain.Client{
		TwinID:        c.twinID,
		Subscriptions: slices.Sorted(maps.Keys(c.subscriptions)),
	}
}

// Hub owns every open connection and its twin metadata, and fans events out
// to the connections subscribed to a topic.
type Hub struct {
	clients map[string]*client
	mu      sync.RWMutex
	metrics *metrics.Relay
}

func New(m *metrics.Relay) *Hub {
	return &Hub{
		clients: make(map[string]*client),
		metrics: m,
	}
}

func (h *Hub) Add(conn domain.Connection) {
	h.mu.Lock()
	h.clients[conn.ID()] = &client{conn: conn, subscriptions: make(map[string]struct{})}
	count := len(h.clients)
	h.mu.Unlock()

	h.metrics.ActiveConnections.Set(float64(count))
	slog.Info("twin connected", "connId", conn.ID(), "clients", count)
}

func (h *Hub) Remove(conn domain.Connection) {
	h.mu.Lock()
	c, exists := h.clients[conn.ID()]
	delete(h.clients, conn.ID())
	count := len(h.clients)
	h.mu.Unlock()

	h.metrics.ActiveConnections.Set(float64(count))
	if exists {
		slog.Info("twin disconnected", "connId", conn.ID(), "twinId", c.twinID, "clients", count)
	}
}

func (h *Hub) Get(id string) (domain.Client, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c, exists := h.clients[id]
	if !exists {
		return domain.Client{}, fmt.Errorf("get %s: %w", id, domain.ErrNotFound)
	}
	return c.snapshot(), nil
}

func (h *Hub) SetTwinID(id, twinID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, exists := h.clients[id]
	if !exists {
		return fmt.Errorf("set twin id on %s: %w", id, domain.ErrNotFound)
	}
	c.twinID = twinID
	return nil
}

// SetSubscriptions replaces the connection's topic set; earlier topics are dropped.
func (h *Hub) SetSubscriptions(id string, topics []string) error {
	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	c, exists := h.clients[id]
	if !exists {
		return fmt.Errorf("set subscriptions on %s: %w", id, domain.ErrNotFound)
	}
	c.subscriptions = set
	return nil
}

// ForEach calls fn for every open connection under the read lock. fn must not
// call back into the hub's mutating methods.
func (h *Hub) ForEach(fn func(conn domain.Connection, c domain.Client)) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients {
		fn(c.conn, c.snapshot())
	}
}

// Broadcast sends an event frame to every connection other than sender that is
// subscribed to topic and returns the number of delivery attempts. A failed
// send is logged and does not stop delivery to the remaining subscribers.
func (h *Hub) Broadcast(sender domain.Connection, topic string, payload json.RawMessage, from string) int {
	data, err := json.Marshal(domain.Event{Type: "event", Topic: topic, Payload: payload, From: from})
	if err != nil {
		slog.Warn("marshal error", "connId", sender.ID(), "topic", topic, "error", err)
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	attempts := 0
	for id, c := range h.clients {
		if id == sender.ID() {
			continue
		}
		if _, subscribed := c.subscriptions[topic]; !subscribed {
			continue
		}

		attempts++
		if err := c.conn.Send(data); err != nil {
			h.metrics.DeliveryFailures.Inc()
			slog.Warn("delivery failed", "connId", id, "twinId", c.twinID, "topic", topic, "error", err)
			continue
		}
		h.metrics.Deliveries.Inc()
	}
	return attempts
}

// Stats returns the number of open connections and of distinct topics with at
// least one subscriber.
func (h *Hub) Stats() (clients, topics int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, c := range h.clients {
		for t := range c.subscriptions {
			seen[t] = struct{}{}
		}
	}
	return len(h.clients), len(seen)
}
