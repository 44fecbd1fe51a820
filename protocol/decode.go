package protocol

import (
	"encoding/json"
	"fmt"

	"twin-event-mesh/domain"
)

// DecodeError reports an inbound frame that is not a JSON object, or whose
// topics field is not a list. The frame is dropped and the connection stays open.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decode frame: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// Decode parses a raw frame into a command. Only the fields the chosen command
// uses are read. Frames with a missing, non-string or unknown type decode to
// domain.Unrecognized without error.
func Decode(data []byte) (domain.Command, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, &DecodeError{Err: err}
	}

	var kind string
	if err := json.Unmarshal(fields["type"], &kind); err != nil {
		return domain.Unrecognized{}, nil
	}

	switch kind {
	case "register":
		return domain.Register{TwinID: text(fields["twinId"])}, nil
	case "subscribe":
		topics, err := topicList(fields["topics"])
		if err != nil {
			return nil, &DecodeError{Err: err}
		}
		return domain.Subscribe{Topics: topics}, nil
	case "event":
		return domain.Publish{Topic: text(fields["topic"]), Payload: fields["payload"]}, nil
	default:
		return domain.Unrecognized{Type: kind}, nil
	}
}

// text returns a JSON string's value, "" for null or absent, and the JSON text
// of any other value.
func text(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func topicList(raw json.RawMessage) ([]string, error) {
	var items []json.RawMessage
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("topics must be a list: %w", err)
		}
	}

	topics := make([]string, 0, len(items))
	for _, item := range items {
		topics = append(topics, text(item))
	}
	return topics, nil
}
