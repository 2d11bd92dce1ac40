package proto

import (
	"encoding/json"
	"fmt"
)

const (
	PayloadTypeHello = "hello"

	fieldType      = "type"
	fieldCopayerID = "copayerId"
	fieldBroadcast = "isBroadcast"
)

// Payload is an application message. The messaging layer only looks at the
// "type" field; everything else is passed through untouched.
type Payload map[string]any

func NewHello(copayerID string) Payload {
	return Payload{fieldType: PayloadTypeHello, fieldCopayerID: copayerID}
}

func (p Payload) Type() string {
	s, _ := p[fieldType].(string)
	return s
}

func (p Payload) CopayerID() string {
	s, _ := p[fieldCopayerID].(string)
	return s
}

func (p Payload) IsBroadcast() bool {
	switch v := p[fieldBroadcast].(type) {
	case float64:
		return v != 0
	case int:
		return v != 0
	case bool:
		return v
	}
	return false
}

// WithBroadcast returns a shallow copy tagged as a broadcast.
func (p Payload) WithBroadcast() Payload {
	out := make(Payload, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	out[fieldBroadcast] = 1
	return out
}

func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("nil payload")
	}
	return json.Marshal(p)
}

func DecodePayload(b []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("payload is not an object")
	}
	return p, nil
}
