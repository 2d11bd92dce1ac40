// Package relay is the message relay copayers connect to. It joins
// sessions to channels, forwards envelopes to the recipient's channel and
// keeps a time-limited mailbox so offline copayers can catch up with a
// sync request. Blockchain notifications are fanned out the same way.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/lightningnetwork/lnd/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"copaynet/internal/logging"
	"copaynet/internal/metrics"
	"copaynet/internal/proto"
	"copaynet/internal/transport"
)

const (
	DefaultMailboxTTL        = 24 * time.Hour
	DefaultMailboxRecipients = 10000
	DefaultMailboxDepth      = 500
	DefaultSendQueue         = 256
)

var ErrSessionClosed = errors.New("session closed")

type HubConfig struct {
	// MailboxTTL is how long envelopes wait for their recipient after the
	// recipient's last delivery.
	MailboxTTL time.Duration
	// MailboxRecipients bounds the number of recipients with a mailbox.
	MailboxRecipients int
	// MailboxDepth bounds the envelopes kept per recipient; the oldest go
	// first.
	MailboxDepth int
	// SendQueue is the per-session outbound buffer. A session that lets it
	// fill up is dropped.
	SendQueue int

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Relay
}

func (c *HubConfig) applyDefaults() {
	if c.MailboxTTL <= 0 {
		c.MailboxTTL = DefaultMailboxTTL
	}
	if c.MailboxRecipients <= 0 {
		c.MailboxRecipients = DefaultMailboxRecipients
	}
	if c.MailboxDepth <= 0 {
		c.MailboxDepth = DefaultMailboxDepth
	}
	if c.SendQueue <= 0 {
		c.SendQueue = DefaultSendQueue
	}
	if c.Clock == nil {
		c.Clock = clock.NewDefaultClock()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

type stored struct {
	ts  int64
	env json.RawMessage
}

// Hub routes events between sessions. It is safe for concurrent use.
type Hub struct {
	cfg     HubConfig
	log     *zap.Logger
	metrics *metrics.Relay

	mu       sync.Mutex
	sessions map[*session]struct{}
	rooms    map[string]map[*session]struct{}
	mailbox  *expirable.LRU[string, []stored]
	lastTS   int64
}

func NewHub(cfg HubConfig) *Hub {
	cfg.applyDefaults()
	return &Hub{
		cfg:      cfg,
		log:      cfg.Logger.Named("hub"),
		metrics:  cfg.Metrics,
		sessions: make(map[*session]struct{}),
		rooms:    make(map[string]map[*session]struct{}),
		mailbox:  expirable.NewLRU[string, []stored](cfg.MailboxRecipients, nil, cfg.MailboxTTL),
	}
}

type session struct {
	id     string
	remote string
	conn   transport.Conn
	bucket *rate.Limiter
	out    chan []byte

	mu        sync.Mutex
	channels  []string
	done      chan struct{}
	closeOnce sync.Once
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *session) subscribed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.channels...)
}

// Serve runs one client session until conn fails, the session is dropped
// or ctx ends. bucket may be nil for no rate limit.
func (h *Hub) Serve(ctx context.Context, conn transport.Conn, remote string, bucket *rate.Limiter) error {
	s := &session{
		id:     uuid.NewString(),
		remote: remote,
		conn:   conn,
		bucket: bucket,
		out:    make(chan []byte, h.cfg.SendQueue),
		done:   make(chan struct{}),
	}
	log := h.log.With(zap.String("session", s.id), zap.String("remote", remote))

	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
	h.metrics.SessionOpened()
	log.Debug("session opened")

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.close()
		h.drop(s)
		h.metrics.SessionClosed()
		log.Debug("session closed")
	}()
	go func() {
		select {
		case <-ctx.Done():
			s.close()
		case <-s.done:
		}
	}()
	go h.writeLoop(ctx, s, log)

	for {
		msg, err := conn.Recv(ctx)
		if err != nil {
			select {
			case <-s.done:
				return ErrSessionClosed
			default:
			}
			return err
		}
		ev, err := proto.DecodeEvent(msg)
		if err != nil {
			log.Debug("bad frame", zap.Error(err))
			continue
		}
		if s.bucket != nil && !s.bucket.Allow() {
			h.metrics.ObserveLimited("session")
			log.Debug("event rate limited", zap.String("event", ev.Name))
			continue
		}
		h.handle(s, ev, log)
	}
}

func (h *Hub) writeLoop(ctx context.Context, s *session, log *zap.Logger) {
	for {
		select {
		case msg := <-s.out:
			if err := s.conn.Send(ctx, msg); err != nil {
				log.Debug("write failed", zap.Error(err))
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (h *Hub) drop(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s)
	for _, ch := range s.subscribed() {
		if room := h.rooms[ch]; room != nil {
			delete(room, s)
			if len(room) == 0 {
				delete(h.rooms, ch)
			}
		}
	}
}

// send queues an event for s. A session that cannot keep up is closed.
func (h *Hub) send(s *session, name string, data any) {
	msg, err := proto.EncodeEvent(name, data)
	if err != nil {
		h.log.Warn("encode event", zap.String("event", name), zap.Error(err))
		return
	}
	select {
	case s.out <- msg:
	case <-s.done:
	default:
		h.log.Info("dropping slow session", zap.String("session", s.id))
		s.close()
	}
}

func (h *Hub) handle(s *session, ev proto.Event, log *zap.Logger) {
	switch ev.Name {
	case proto.EventSubscribe:
		var ch string
		if err := json.Unmarshal(ev.Data, &ch); err != nil || ch == "" {
			log.Debug("bad subscribe", zap.Error(err))
			return
		}
		h.subscribe(s, ch)
	case proto.EventMessage:
		h.relay(ev.Data, log)
	case proto.EventSync:
		h.sync(s, ev.Data, log)
	default:
		log.Debug("unknown event", zap.String("event", ev.Name))
	}
}

func (h *Hub) subscribe(s *session, ch string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[ch]
	if room == nil {
		room = make(map[*session]struct{})
		h.rooms[ch] = room
	}
	if _, ok := room[s]; ok {
		return
	}
	room[s] = struct{}{}
	s.mu.Lock()
	s.channels = append(s.channels, ch)
	s.mu.Unlock()
}

// stampLocked returns the relay time for a new envelope. Stamps strictly
// increase so a sync from any stamp never skips a later envelope.
func (h *Hub) stampLocked() int64 {
	ts := h.cfg.Clock.Now().UnixMilli()
	if ts <= h.lastTS {
		ts = h.lastTS + 1
	}
	h.lastTS = ts
	return ts
}

func (h *Hub) relay(data json.RawMessage, log *zap.Logger) {
	env, err := proto.DecodeEnvelope(data)
	if err != nil || env.To == "" || env.PubKey == "" {
		h.metrics.ObserveMessage("rejected")
		log.Debug("bad envelope", zap.Error(err))
		return
	}

	h.mu.Lock()
	env.Timestamp = h.stampLocked()
	raw, err := json.Marshal(env)
	if err != nil {
		h.mu.Unlock()
		h.metrics.ObserveMessage("rejected")
		return
	}
	box, _ := h.mailbox.Get(env.To)
	box = append(box, stored{ts: env.Timestamp, env: raw})
	if over := len(box) - h.cfg.MailboxDepth; over > 0 {
		box = append([]stored(nil), box[over:]...)
	}
	h.mailbox.Add(env.To, box)
	recipients := h.roomLocked(env.To)
	h.metrics.SetMailboxRecipients(h.mailbox.Len())
	h.mu.Unlock()

	for _, r := range recipients {
		h.send(r, proto.EventMessage, json.RawMessage(raw))
	}
	if len(recipients) > 0 {
		h.metrics.ObserveMessage("delivered")
	} else {
		h.metrics.ObserveMessage("stored")
	}
	log.Debug("envelope relayed",
		zap.String("to", logging.Short(env.To)),
		zap.Int("live", len(recipients)))
}

func (h *Hub) roomLocked(ch string) []*session {
	room := h.rooms[ch]
	out := make([]*session, 0, len(room))
	for s := range room {
		out = append(out, s)
	}
	return out
}

// sync replays stored envelopes newer than the requested checkpoint for
// every channel the session joined.
func (h *Hub) sync(s *session, data json.RawMessage, log *zap.Logger) {
	var from int64
	if err := json.Unmarshal(data, &from); err != nil {
		h.metrics.ObserveSync("error")
		log.Debug("bad sync request", zap.Error(err))
		h.send(s, proto.EventInsightError, nil)
		return
	}

	var replay []stored
	h.mu.Lock()
	for _, ch := range s.subscribed() {
		box, _ := h.mailbox.Get(ch)
		for _, m := range box {
			if m.ts > from {
				replay = append(replay, m)
			}
		}
	}
	h.mu.Unlock()

	if len(replay) == 0 {
		h.metrics.ObserveSync("empty")
		h.send(s, proto.EventNoMessages, nil)
		return
	}
	sort.SliceStable(replay, func(i, j int) bool { return replay[i].ts < replay[j].ts })
	for _, m := range replay {
		h.send(s, proto.EventMessage, m.env)
	}
	h.metrics.ObserveSync("replayed")
	log.Debug("sync replayed", zap.Int64("from", from), zap.Int("envelopes", len(replay)))
}

// PublishBlock tells every session about a new block.
func (h *Hub) PublishBlock(hash string) int {
	h.mu.Lock()
	all := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		all = append(all, s)
	}
	h.mu.Unlock()
	for _, s := range all {
		h.send(s, proto.EventBlock, hash)
	}
	h.metrics.ObserveNotification("block")
	return len(all)
}

// PublishTx notifies the sessions following address.
func (h *Hub) PublishTx(address, txid string) int {
	h.mu.Lock()
	recipients := h.roomLocked(address)
	h.mu.Unlock()
	for _, s := range recipients {
		h.send(s, address, txid)
	}
	h.metrics.ObserveNotification("tx")
	return len(recipients)
}

func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close ends every session.
func (h *Hub) Close() {
	h.mu.Lock()
	all := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		all = append(all, s)
	}
	h.mu.Unlock()
	for _, s := range all {
		s.close()
	}
}
