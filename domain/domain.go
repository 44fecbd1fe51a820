package domain

import (
	"encoding/json"
	"errors"
)

// UnknownTwin is reported as the sender of events published before a register frame.
const UnknownTwin = "unknown"

var (
	ErrNotFound       = errors.New("connection not found")
	ErrSendBufferFull = errors.New("send buffer full")
)

// Event is the frame delivered to subscribers.
type Event struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
	From    string          `json:"from"`
}

// Client is a copy of the registry's record for one connection.
type Client struct {
	TwinID        string
	Subscriptions []string
}

type Connection interface {
	ID() string
	Send(data []byte) error
	Close() error
}

type Registry interface {
	Add(conn Connection)
	Remove(conn Connection)
	Get(id string) (Client, error)
	SetTwinID(id, twinID string) error
	SetSubscriptions(id string, topics []string) error
	ForEach(fn func(conn Connection, c Client))
	Stats() (clients, topics int)
}

type Broadcaster interface {
	Broadcast(sender Connection, topic string, payload json.RawMessage, from string) int
}

type Notifier interface {
	Notify(twinID string)
}

type MessageHandler interface {
	Handle(conn Connection, data []byte)
}
