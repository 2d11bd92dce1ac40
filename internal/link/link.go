// Package link tracks the connection status of a relay socket and the
// channel subscriptions made through it, replaying them after the socket
// reconnects.
package link

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"copaynet/internal/proto"
	"copaynet/internal/transport"
)

type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusDestroyed
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Hooks are called from the socket dispatch goroutine without any link
// lock held. Nil hooks are skipped.
type Hooks struct {
	OnConnect func()
	// OnDisconnect gets the socket event that caused the transition.
	OnDisconnect func(reason string)
	// OnReconnect runs after subscriptions were replayed.
	OnReconnect func(attempt int)
	OnBlock     func(hash string)
}

type Link struct {
	mu              sync.Mutex
	sock            transport.Socket
	hooks           Hooks
	log             *zap.Logger
	status          Status
	subs            map[string]struct{}
	order           []string
	listeningBlocks bool
}

// New takes over the lifecycle events of sock.
func New(sock transport.Socket, hooks Hooks, log *zap.Logger) *Link {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Link{
		sock:   sock,
		hooks:  hooks,
		log:    log,
		status: StatusConnecting,
		subs:   make(map[string]struct{}),
	}
	sock.On(proto.EventConnect, func(json.RawMessage) { l.handleConnect() })
	sock.On(proto.EventConnectError, func(json.RawMessage) { l.handleLoss(proto.EventConnectError) })
	sock.On(proto.EventConnectTimeout, func(json.RawMessage) { l.handleLoss(proto.EventConnectTimeout) })
	sock.On(proto.EventDisconnect, func(json.RawMessage) { l.handleLoss(proto.EventDisconnect) })
	sock.On(proto.EventReconnect, func(data json.RawMessage) {
		var attempt int
		_ = json.Unmarshal(data, &attempt)
		l.handleReconnect(attempt)
	})
	return l
}

func (l *Link) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

func (l *Link) Socket() transport.Socket {
	return l.sock
}

// Subscribe asks the relay for events on channel and attaches h to them.
// A channel is subscribed once; later calls report false and do nothing.
func (l *Link) Subscribe(channel string, h transport.Handler) bool {
	l.mu.Lock()
	if l.status == StatusDestroyed {
		l.mu.Unlock()
		return false
	}
	if _, ok := l.subs[channel]; ok {
		l.mu.Unlock()
		return false
	}
	l.subs[channel] = struct{}{}
	l.order = append(l.order, channel)
	l.mu.Unlock()

	if h != nil {
		l.sock.On(channel, h)
	}
	if err := l.sock.Emit(proto.EventSubscribe, channel); err != nil {
		l.log.Warn("subscribe failed", zap.String("channel", channel), zap.Error(err))
	}
	return true
}

func (l *Link) Subscribed(channel string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.subs[channel]
	return ok
}

func (l *Link) Subscriptions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}

// Destroy disconnects the socket and forgets all subscriptions. The link
// ignores every later socket event.
func (l *Link) Destroy() {
	l.mu.Lock()
	if l.status == StatusDestroyed {
		l.mu.Unlock()
		return
	}
	l.status = StatusDestroyed
	l.subs = make(map[string]struct{})
	l.order = nil
	l.mu.Unlock()

	l.sock.RemoveAllListeners()
	l.sock.Disconnect()
}

func (l *Link) handleConnect() {
	l.mu.Lock()
	if l.status == StatusDestroyed {
		l.mu.Unlock()
		return
	}
	l.status = StatusConnected
	l.mu.Unlock()

	l.listenBlocks()
	if l.hooks.OnConnect != nil {
		l.hooks.OnConnect()
	}
}

func (l *Link) handleLoss(reason string) {
	l.mu.Lock()
	if l.status != StatusConnected {
		l.mu.Unlock()
		return
	}
	l.status = StatusDisconnected
	l.mu.Unlock()

	l.log.Debug("link down", zap.String("reason", reason))
	if l.hooks.OnDisconnect != nil {
		l.hooks.OnDisconnect(reason)
	}
}

func (l *Link) handleReconnect(attempt int) {
	l.mu.Lock()
	if l.status != StatusDisconnected {
		l.mu.Unlock()
		return
	}
	channels := append([]string(nil), l.order...)
	l.mu.Unlock()

	l.log.Debug("link back", zap.Int("attempt", attempt), zap.Int("subscriptions", len(channels)))
	for _, ch := range channels {
		if err := l.sock.Emit(proto.EventSubscribe, ch); err != nil {
			l.log.Warn("resubscribe failed", zap.String("channel", ch), zap.Error(err))
		}
	}

	l.mu.Lock()
	if l.status == StatusDestroyed {
		l.mu.Unlock()
		return
	}
	l.status = StatusConnected
	l.mu.Unlock()

	l.listenBlocks()
	if l.hooks.OnReconnect != nil {
		l.hooks.OnReconnect(attempt)
	}
}

func (l *Link) listenBlocks() {
	l.mu.Lock()
	if l.listeningBlocks || l.status != StatusConnected || l.hooks.OnBlock == nil {
		l.mu.Unlock()
		return
	}
	l.listeningBlocks = true
	l.mu.Unlock()

	l.sock.On(proto.EventBlock, func(data json.RawMessage) {
		var hash string
		if err := json.Unmarshal(data, &hash); err != nil {
			return
		}
		if l.Status() == StatusDestroyed {
			return
		}
		l.hooks.OnBlock(hash)
	})
}
