// Package transport provides the relay socket: a duplex channel of named
// JSON events carried over websocket or QUIC, with automatic reconnects.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/queue"
	"go.uber.org/zap"

	"copaynet/internal/proto"
)

const (
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = 5 * time.Second
	DefaultDialTimeout = 10 * time.Second
	DefaultOutboxSize  = 1024
)

var (
	ErrClosed     = errors.New("socket closed")
	ErrOutboxFull = errors.New("socket outbox full")
)

// Handler receives the JSON argument of an event. Lifecycle events carry
// no argument except reconnect (attempt number) and connect_error (reason).
type Handler = func(data json.RawMessage)

// Socket is the event channel the messaging layer talks to.
type Socket interface {
	Emit(event string, data any) error
	On(event string, h Handler)
	RemoveAllListeners()
	Disconnect()
}

// Conn is one established connection carrying encoded events.
type Conn interface {
	Send(ctx context.Context, msg []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Opener is implemented by sockets that wait for Open before dialing, so
// handlers can be installed without missing the first events.
type Opener interface {
	Open()
}

type Config struct {
	Dialer      Dialer
	NoReconnect bool
	BackoffBase time.Duration
	BackoffMax  time.Duration
	DialTimeout time.Duration
	OutboxSize  int
	Logger      *zap.Logger
}

type inbound struct {
	name string
	data json.RawMessage
	done bool
}

// Client is a Socket that keeps dialing from Open until Disconnect. The first
// successful dial fires connect; later ones fire reconnect with the number
// of attempts it took. Handlers run on one dispatch goroutine in arrival
// order.
type Client struct {
	cfg Config
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	conn      Conn
	outbox    [][]byte
	listeners map[string][]Handler

	writeMu  sync.Mutex
	events   *queue.ConcurrentQueue
	openOnce sync.Once
	done     chan struct{}
}

func NewClient(cfg Config) *Client {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = DefaultOutboxSize
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:       cfg,
		log:       log.Named("socket"),
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[string][]Handler),
		events:    queue.NewConcurrentQueue(64),
		done:      make(chan struct{}),
	}
	return c
}

// Open starts dialing. Emits made before Open are buffered.
func (c *Client) Open() {
	c.openOnce.Do(func() {
		c.events.Start()
		go c.dispatch()
		go c.run()
	})
}

func (c *Client) On(event string, h Handler) {
	c.mu.Lock()
	c.listeners[event] = append(c.listeners[event], h)
	c.mu.Unlock()
}

func (c *Client) RemoveAllListeners() {
	c.mu.Lock()
	c.listeners = make(map[string][]Handler)
	c.mu.Unlock()
}

// Emit sends an event, or buffers it until the next connection.
func (c *Client) Emit(event string, data any) error {
	msg, err := proto.EncodeEvent(event, data)
	if err != nil {
		return err
	}
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		defer c.mu.Unlock()
		return c.bufferLocked(msg)
	}
	c.mu.Unlock()

	if err := conn.Send(c.ctx, msg); err != nil {
		c.log.Debug("send failed, buffering", zap.String("event", event), zap.Error(err))
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.bufferLocked(msg)
	}
	return nil
}

func (c *Client) bufferLocked(msg []byte) error {
	if len(c.outbox) >= c.cfg.OutboxSize {
		return ErrOutboxFull
	}
	c.outbox = append(c.outbox, msg)
	return nil
}

// Connected reports whether a connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Disconnect closes the socket for good. Pending handlers still run.
func (c *Client) Disconnect() {
	c.cancel()
	c.openOnce.Do(func() { close(c.done) })
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Done is closed once the dispatch goroutine has exited after Disconnect.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) run() {
	defer func() {
		c.events.ChanIn() <- inbound{done: true}
	}()
	connectedOnce := false
	attempt := 0
	failures := 0
	for {
		if c.ctx.Err() != nil {
			return
		}
		if connectedOnce {
			attempt++
		}
		dctx, cancel := context.WithTimeout(c.ctx, c.cfg.DialTimeout)
		conn, err := c.cfg.Dialer.Dial(dctx)
		timedOut := errors.Is(dctx.Err(), context.DeadlineExceeded)
		cancel()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if timedOut {
				c.post(proto.EventConnectTimeout, nil)
			} else {
				c.post(proto.EventConnectError, err.Error())
			}
			c.log.Debug("dial failed", zap.Int("attempt", attempt), zap.Error(err))
			if c.cfg.NoReconnect && !connectedOnce {
				return
			}
			failures++
			if !c.sleep(c.backoff(failures)) {
				return
			}
			continue
		}
		failures = 0
		if err := c.attach(conn); err != nil {
			c.log.Debug("outbox flush failed", zap.Error(err))
			_ = conn.Close()
			continue
		}
		if !connectedOnce {
			connectedOnce = true
			c.post(proto.EventConnect, nil)
		} else {
			c.post(proto.EventReconnect, attempt)
		}
		attempt = 0

		c.readLoop(conn)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
		c.post(proto.EventDisconnect, nil)
		if c.cfg.NoReconnect {
			return
		}
	}
}

// attach flushes the outbox over conn and then makes it the live
// connection. Emits block on writeMu meanwhile so ordering holds.
func (c *Client) attach(conn Conn) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	pending := c.outbox
	c.outbox = nil
	c.mu.Unlock()
	for i, msg := range pending {
		if err := conn.Send(c.ctx, msg); err != nil {
			c.mu.Lock()
			c.outbox = append(pending[i:], c.outbox...)
			c.mu.Unlock()
			return err
		}
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *Client) readLoop(conn Conn) {
	for {
		msg, err := conn.Recv(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				c.log.Debug("connection lost", zap.Error(err))
			}
			return
		}
		ev, err := proto.DecodeEvent(msg)
		if err != nil {
			c.log.Debug("dropping malformed event", zap.Error(err))
			continue
		}
		c.events.ChanIn() <- inbound{name: ev.Name, data: ev.Data}
	}
}

func (c *Client) post(name string, data any) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return
		}
		raw = b
	}
	c.events.ChanIn() <- inbound{name: name, data: raw}
}

func (c *Client) dispatch() {
	defer close(c.done)
	for item := range c.events.ChanOut() {
		in := item.(inbound)
		if in.done {
			c.events.Stop()
			return
		}
		c.mu.Lock()
		hs := append([]Handler(nil), c.listeners[in.name]...)
		c.mu.Unlock()
		for _, h := range hs {
			h(in.data)
		}
	}
}

func (c *Client) backoff(failures int) time.Duration {
	d := c.cfg.BackoffBase
	for i := 1; i < failures && d < c.cfg.BackoffMax; i++ {
		d *= 2
	}
	if d > c.cfg.BackoffMax {
		d = c.cfg.BackoffMax
	}
	return d
}

func (c *Client) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}
