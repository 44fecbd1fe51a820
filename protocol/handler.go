package protocol

import (
	"log/slog"

	"twin-event-mesh/domain"
	"twin-event-mesh/metrics"
)

type Handler struct {
	registry    domain.Registry
	broadcaster domain.Broadcaster
	notifier    domain.Notifier
	metrics     *metrics.Relay
}

func NewHandler(r domain.Registry, b domain.Broadcaster, n domain.Notifier, m *metrics.Relay) *Handler {
	return &Handler{registry: r, broadcaster: b, notifier: n, metrics: m}
}

// Handle applies one inbound frame from conn. Nothing is ever written back to
// the sender; failures are logged and the frame is dropped.
func (h *Handler) Handle(conn domain.Connection, data []byte) {
	cmd, err := Decode(data)
	if err != nil {
		h.metrics.FramesReceived.WithLabelValues("invalid").Inc()
		slog.Warn("invalid message", "connId", conn.ID(), "error", err)
		return
	}
	h.metrics.FramesReceived.WithLabelValues(cmd.Kind()).Inc()

	switch cmd := cmd.(type) {
	case domain.Register:
		if err := h.registry.SetTwinID(conn.ID(), cmd.TwinID); err != nil {
			slog.Warn("register failed", "connId", conn.ID(), "error", err)
			return
		}
		slog.Info("twin registered", "connId", conn.ID(), "twinId", cmd.TwinID)

	case domain.Subscribe:
		if err := h.registry.SetSubscriptions(conn.ID(), cmd.Topics); err != nil {
			slog.Warn("subscribe failed", "connId", conn.ID(), "error", err)
			return
		}
		slog.Info("twin subscribed", "connId", conn.ID(), "topics", cmd.Topics)

	case domain.Publish:
		h.publish(conn, cmd)

	case domain.Unrecognized:
		slog.Debug("ignoring message", "connId", conn.ID(), "type", cmd.Type)
	}
}

func (h *Handler) publish(conn domain.Connection, cmd domain.Publish) {
	var twinID string
	if sender, err := h.registry.Get(conn.ID()); err == nil {
		twinID = sender.TwinID
	}

	from := twinID
	if from == "" {
		from = domain.UnknownTwin
	}

	recipients := h.broadcaster.Broadcast(conn, cmd.Topic, cmd.Payload, from)
	slog.Debug("event sent", "connId", conn.ID(), "twinId", from, "topic", cmd.Topic, "recipients", recipients)

	if twinID != "" {
		h.notifier.Notify(twinID)
	}
}
