package testutil

import (
	"encoding/json"
	"sync"
)

// Emitted is one event a FakeSocket was asked to send.
type Emitted struct {
	Event string
	Data  json.RawMessage
}

// FakeSocket is an in-memory relay socket. Fire delivers an event to the
// registered handlers synchronously on the calling goroutine.
type FakeSocket struct {
	mu           sync.Mutex
	handlers     map[string][]func(json.RawMessage)
	emitted      []Emitted
	disconnected bool

	// OnEmit, when set, sees every emitted event after it was recorded.
	OnEmit func(event string, data json.RawMessage)
	// EmitErr is returned by Emit when set.
	EmitErr error
}

func NewFakeSocket() *FakeSocket {
	return &FakeSocket{handlers: make(map[string][]func(json.RawMessage))}
}

func (s *FakeSocket) Emit(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.EmitErr != nil {
		err := s.EmitErr
		s.mu.Unlock()
		return err
	}
	s.emitted = append(s.emitted, Emitted{Event: event, Data: raw})
	hook := s.OnEmit
	s.mu.Unlock()
	if hook != nil {
		hook(event, raw)
	}
	return nil
}

func (s *FakeSocket) On(event string, h func(data json.RawMessage)) {
	s.mu.Lock()
	s.handlers[event] = append(s.handlers[event], h)
	s.mu.Unlock()
}

func (s *FakeSocket) RemoveAllListeners() {
	s.mu.Lock()
	s.handlers = make(map[string][]func(json.RawMessage))
	s.mu.Unlock()
}

func (s *FakeSocket) Disconnect() {
	s.mu.Lock()
	s.disconnected = true
	s.mu.Unlock()
}

// Fire delivers event with data JSON encoded, as the relay would.
func (s *FakeSocket) Fire(event string, data any) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			panic(err)
		}
		raw = b
	}
	s.FireRaw(event, raw)
}

func (s *FakeSocket) FireRaw(event string, raw json.RawMessage) {
	s.mu.Lock()
	hs := make([]func(json.RawMessage), len(s.handlers[event]))
	copy(hs, s.handlers[event])
	s.mu.Unlock()
	for _, h := range hs {
		h(raw)
	}
}

// Emitted returns the data of every emit of event, oldest first.
func (s *FakeSocket) Emitted(event string) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []json.RawMessage
	for _, e := range s.emitted {
		if e.Event == event {
			out = append(out, e.Data)
		}
	}
	return out
}

func (s *FakeSocket) All() []Emitted {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Emitted(nil), s.emitted...)
}

func (s *FakeSocket) ClearEmitted() {
	s.mu.Lock()
	s.emitted = nil
	s.mu.Unlock()
}

func (s *FakeSocket) Listeners(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers[event])
}

func (s *FakeSocket) Disconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}
