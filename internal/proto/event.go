package proto

import (
	"encoding/json"
	"fmt"
)

// Relay socket event names.
const (
	EventConnect        = "connect"
	EventDisconnect     = "disconnect"
	EventConnectError   = "connect_error"
	EventConnectTimeout = "connect_timeout"
	EventReconnect      = "reconnect"

	EventSubscribe    = "subscribe"
	EventMessage      = "message"
	EventSync         = "sync"
	EventNoMessages   = "no messages"
	EventInsightError = "insight-error"
	EventBlock        = "block"
)

// Event is the unit exchanged with the relay: a named event and its JSON
// argument.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

func EncodeEvent(name string, data any) ([]byte, error) {
	if name == "" {
		return nil, fmt.Errorf("empty event name")
	}
	ev := Event{Name: name}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		ev.Data = raw
	}
	return json.Marshal(ev)
}

func DecodeEvent(b []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return Event{}, err
	}
	if ev.Name == "" {
		return Event{}, fmt.Errorf("missing event name")
	}
	return ev, nil
}
