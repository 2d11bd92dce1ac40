package network

import (
	"copaynet/internal/event"
	"copaynet/internal/proto"
)

// Local events published by a Network.
const (
	EventConnect     = "connect"
	EventDisconnect  = "disconnect"
	EventReconnect   = "reconnect"
	EventData        = "data"
	EventServerError = "serverError"
	EventOnline      = "online"
	EventBlock       = "block"
	EventNoMessages  = "no messages"
)

// Data is an application message from an authenticated copayer.
type Data struct {
	PeerID    string
	CopayerID string
	Payload   proto.Payload
	// Timestamp is the relay time of the envelope in Unix milliseconds.
	Timestamp int64
}

// Subscribe attaches a raw handler to a local event.
func (n *Network) Subscribe(name string, h event.Handler) *event.Subscription {
	return n.events.Subscribe(name, h)
}

// OnConnect fires once per peer that completes a hello.
func (n *Network) OnConnect(fn func(copayerID string)) *event.Subscription {
	return n.events.Subscribe(EventConnect, func(args ...any) {
		fn(args[0].(string))
	})
}

func (n *Network) OnDisconnect(fn func()) *event.Subscription {
	return n.events.Subscribe(EventDisconnect, func(...any) { fn() })
}

func (n *Network) OnReconnect(fn func(attempt int)) *event.Subscription {
	return n.events.Subscribe(EventReconnect, func(args ...any) {
		fn(args[0].(int))
	})
}

func (n *Network) OnData(fn func(Data)) *event.Subscription {
	return n.events.Subscribe(EventData, func(args ...any) {
		fn(args[0].(Data))
	})
}

// OnServerError fires when the relay's sync service keeps failing. err
// is of KindUpstream.
func (n *Network) OnServerError(fn func(err error)) *event.Subscription {
	return n.events.Subscribe(EventServerError, func(args ...any) {
		fn(args[0].(error))
	})
}

// OnOnline fires when the relay socket connects for the first time.
func (n *Network) OnOnline(fn func()) *event.Subscription {
	return n.events.Subscribe(EventOnline, func(...any) { fn() })
}

func (n *Network) OnBlock(fn func(hash string)) *event.Subscription {
	return n.events.Subscribe(EventBlock, func(args ...any) {
		fn(args[0].(string))
	})
}

// OnNoMessages fires when a sync found nothing newer than the checkpoint.
func (n *Network) OnNoMessages(fn func()) *event.Subscription {
	return n.events.Subscribe(EventNoMessages, func(...any) { fn() })
}
