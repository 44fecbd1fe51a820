package domain

import "encoding/json"

// Command is one decoded inbound frame: Register, Subscribe, Publish or Unrecognized.
type Command interface {
	Kind() string
	command()
}

type Register struct {
	TwinID string
}

type Subscribe struct {
	Topics []string
}

type Publish struct {
	Topic   string
	Payload json.RawMessage
}

// Unrecognized carries the discriminator of a frame the relay does not act on.
type Unrecognized struct {
	Type string
}

func (Register) Kind() string     { return "register" }
func (Subscribe) Kind() string    { return "subscribe" }
func (Publish) Kind() string      { return "event" }
func (Unrecognized) Kind() string { return "unknown" }

func (Register) command()     {}
func (Subscribe) command()    {}
func (Publish) command()      {}
func (Unrecognized) command() {}
