// Package network is the authenticated messaging layer copayers use to
// coordinate through a relay. It owns the relay socket, issues and checks
// envelope nonces, and runs the hello handshake that binds peer ids to
// copayer ids.
package network

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/queue"
	"go.uber.org/zap"

	"copaynet/internal/event"
	"copaynet/internal/identity"
	"copaynet/internal/link"
	"copaynet/internal/logging"
	"copaynet/internal/metrics"
	"copaynet/internal/nonce"
	"copaynet/internal/peer"
	"copaynet/internal/proto"
	"copaynet/internal/transport"
)

// Network is safe for concurrent use. Inbound envelopes are processed by a
// single goroutine in arrival order; events are published without any
// internal lock held, so handlers may call back into the Network.
type Network struct {
	cfg     Config
	log     *zap.Logger
	clock   clock.Clock
	metrics *metrics.Peer
	events  *event.Emitter

	// sendMu keeps envelopes on the wire in nonce order.
	sendMu sync.Mutex

	mu         sync.Mutex
	started    bool
	ident      *identity.Manager
	nonces     *nonce.Ledger
	peers      *peer.Table
	sock       transport.Socket
	link       *link.Link
	checkpoint int64
	lastTS     int64
	syncTries  int
	session    context.Context
	cancel     context.CancelFunc
	inbound    *queue.ConcurrentQueue
}

func New(cfg Config) *Network {
	cfg.applyDefaults()
	return &Network{
		cfg:     cfg,
		log:     cfg.Logger.Named("network"),
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		events:  event.NewEmitter(),
		ident:   identity.NewManager(),
		nonces:  nonce.NewLedger(cfg.Clock),
		peers:   peer.NewTable(cfg.MaxPeers),
	}
}

// Start opens the relay socket, subscribes to this node's channel and asks
// the relay for envelopes newer than opts.LastTimestamp. ready runs once
// the socket is online. Starting a started network only runs ready.
func (n *Network) Start(opts StartOptions, ready func()) error {
	const op = "start"
	if opts.PrivKey == "" {
		return newError(KindPrecondition, op, ErrMissingPrivKey)
	}
	if opts.CopayerID == "" {
		return newError(KindPrecondition, op, ErrMissingCopayerID)
	}

	n.mu.Lock()
	if len(n.peers.OnlinePeerIDs()) > 0 {
		n.mu.Unlock()
		return newError(KindPrecondition, op, ErrPeersConnected)
	}
	if n.started {
		n.mu.Unlock()
		if ready != nil {
			ready()
		}
		return nil
	}
	if err := n.ident.SetPrivKey(opts.PrivKey); err != nil {
		n.abortStartLocked()
		n.mu.Unlock()
		return newError(KindPrecondition, op, err)
	}
	pub, err := n.ident.PublicHex()
	if err != nil {
		n.abortStartLocked()
		n.mu.Unlock()
		return newError(KindPrecondition, op, err)
	}
	if err := n.setCopayerIDLocked(opts.CopayerID); err != nil {
		n.abortStartLocked()
		n.mu.Unlock()
		return newError(KindPrecondition, op, err)
	}

	sock, err := n.cfg.Dial(n.cfg.transportOptions(), n.cfg.Logger)
	if err != nil {
		n.abortStartLocked()
		n.mu.Unlock()
		return newError(KindTransport, op, err)
	}
	if opts.MaxPeers > 0 {
		n.peers.SetMaxPeers(opts.MaxPeers)
	}
	n.ident.Freeze()
	n.session, n.cancel = context.WithCancel(context.Background())
	n.sock = sock
	n.checkpoint = opts.LastTimestamp
	n.lastTS = opts.LastTimestamp
	n.syncTries = 0
	n.inbound = queue.NewConcurrentQueue(32)
	n.inbound.Start()
	go n.consume(n.session, n.inbound)
	n.started = true
	session, inbound := n.session, n.inbound

	if ready != nil {
		n.events.Once(EventOnline, func(...any) { ready() })
	}
	l := link.New(sock, link.Hooks{
		OnConnect:    n.handleOnline,
		OnDisconnect: n.handleLinkDown,
		OnReconnect:  n.handleReconnect,
		OnBlock: func(hash string) {
			n.events.Publish(EventBlock, hash)
		},
	}, n.log)
	n.link = l
	n.mu.Unlock()

	sock.On(proto.EventMessage, func(raw json.RawMessage) {
		select {
		case inbound.ChanIn() <- raw:
		case <-session.Done():
		}
	})
	sock.On(proto.EventNoMessages, func(json.RawMessage) {
		n.mu.Lock()
		n.syncTries = 0
		n.mu.Unlock()
		n.events.Publish(EventNoMessages)
	})
	sock.On(proto.EventInsightError, func(json.RawMessage) {
		n.handleSyncError()
	})
	if o, ok := sock.(transport.Opener); ok {
		o.Open()
	}

	l.Subscribe(pub, nil)
	if err := sock.Emit(proto.EventSync, opts.LastTimestamp); err != nil {
		n.log.Warn("initial sync failed", zap.Error(err))
	}
	n.log.Info("network started",
		zap.String("copayer", logging.Short(opts.CopayerID)),
		zap.String("peer", n.ident.PeerID()),
		zap.Int64("last_ts", opts.LastTimestamp))
	return nil
}

// SetCopayerID sets this node's copayer id. It is refused once started.
func (n *Network) SetCopayerID(copayerID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return newError(KindPrecondition, "set copayer id", ErrAlreadyStarted)
	}
	if err := n.setCopayerIDLocked(copayerID); err != nil {
		return newError(KindPrecondition, "set copayer id", err)
	}
	return nil
}

// abortStartLocked forgets the key and routes a failed Start installed.
// The allow-list is kept; it was set by the caller.
func (n *Network) abortStartLocked() {
	n.ident.Reset()
	n.peers.Reset()
}

func (n *Network) setCopayerIDLocked(copayerID string) error {
	peerID, err := n.ident.SetCopayerID(copayerID)
	if err != nil {
		return err
	}
	n.peers.Bind(peerID, copayerID)
	return nil
}

// CleanUp ends the session: the socket is closed, pending sync retries are
// cancelled, every handler is dropped and all peer, nonce and identity
// state is forgotten. The Network may be started again afterwards.
func (n *Network) CleanUp() {
	n.mu.Lock()
	if n.cancel != nil {
		n.cancel()
	}
	n.started = false
	n.peers.Clear()
	n.nonces.Reset()
	n.ident.Reset()
	n.checkpoint, n.lastTS, n.syncTries = 0, 0, 0
	l, sock, inbound := n.link, n.sock, n.inbound
	n.link, n.sock, n.inbound = nil, nil, nil
	n.session, n.cancel = nil, nil
	n.mu.Unlock()

	n.events.UnsubscribeAll()
	n.metrics.SetConnected(0)
	switch {
	case l != nil:
		l.Destroy()
	case sock != nil:
		sock.RemoveAllListeners()
		sock.Disconnect()
	}
	if inbound != nil {
		inbound.Stop()
	}
}

// resetPeersLocked drops what a relay disconnect invalidates. Identity,
// outbound nonce and subscriptions survive for the reconnect.
func (n *Network) resetPeersLocked() {
	n.peers.Reset()
	n.nonces.ResetInbound()
	if self := n.ident.CopayerID(); self != "" {
		n.peers.Bind(n.ident.PeerID(), self)
	}
}

func (n *Network) handleOnline() {
	n.log.Debug("relay online")
	n.events.Publish(EventOnline)
}

func (n *Network) handleLinkDown(reason string) {
	n.mu.Lock()
	if reason == proto.EventDisconnect {
		n.resetPeersLocked()
	}
	n.mu.Unlock()
	n.metrics.SetConnected(0)
	n.log.Info("relay connection lost", zap.String("reason", reason))
	n.events.Publish(EventDisconnect)
}

func (n *Network) handleReconnect(attempt int) {
	n.mu.Lock()
	sock, from := n.sock, n.lastTS
	if from < n.checkpoint {
		from = n.checkpoint
	}
	n.syncTries = 0
	n.mu.Unlock()

	n.metrics.ObserveReconnect()
	n.log.Info("relay reconnected", zap.Int("attempt", attempt))
	n.events.Publish(EventReconnect, attempt)
	if sock != nil {
		if err := sock.Emit(proto.EventSync, from); err != nil {
			n.log.Warn("resync failed", zap.Error(err))
		}
	}
}

// handleSyncError resends the sync request after a fixed delay, up to
// SyncRetries times, then reports a server error. Retries die with the
// session.
func (n *Network) handleSyncError() {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return
	}
	n.syncTries++
	tries, ctx, sock, checkpoint := n.syncTries, n.session, n.sock, n.checkpoint
	n.mu.Unlock()

	if tries > n.cfg.SyncRetries {
		if tries == n.cfg.SyncRetries+1 {
			n.metrics.ObserveServerError()
			n.log.Warn("sync failed, giving up", zap.Int("tries", tries-1))
			n.events.Publish(EventServerError, newError(KindUpstream, "sync", ErrSyncExhausted))
		}
		return
	}
	n.log.Info("retrying to sync", zap.Int("try", tries))
	go func() {
		select {
		case <-n.clock.TickAfter(n.cfg.SyncBackoff):
		case <-ctx.Done():
			return
		}
		if !n.sessionAlive(ctx) {
			return
		}
		n.metrics.ObserveSyncRetry()
		if err := sock.Emit(proto.EventSync, checkpoint); err != nil {
			n.log.Warn("sync retry failed", zap.Error(err))
		}
	}()
}

func (n *Network) sessionAlive(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.started && n.session == ctx && n.link != nil && n.link.Status() != link.StatusDestroyed
}

func (n *Network) consume(ctx context.Context, q *queue.ConcurrentQueue) {
	for {
		select {
		case item := <-q.ChanOut():
			n.handleMessage(item.(json.RawMessage))
		case <-ctx.Done():
			return
		}
	}
}

// LockIncomingConnections restricts future hellos to the given copayers.
func (n *Network) LockIncomingConnections(copayerIDs []string) {
	n.mu.Lock()
	n.peers.Lock(copayerIDs)
	n.mu.Unlock()
}

// ConnectedCopayers lists the copayers that completed a hello.
func (n *Network) ConnectedCopayers() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers.ConnectedCopayers()
}

func (n *Network) OnlinePeerIDs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers.OnlinePeerIDs()
}

// CopayerIDs lists the broadcast audience: the allow-list when locked,
// otherwise every routed copayer including this one.
func (n *Network) CopayerIDs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers.CopayerIDs()
}

// IsOnline reports whether a relay socket is open.
func (n *Network) IsOnline() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sock != nil
}

func (n *Network) Started() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.started
}

func (n *Network) PeerID() string {
	return n.ident.PeerID()
}

func (n *Network) CopayerID() string {
	return n.ident.CopayerID()
}

// Status is the relay link status; disconnected before Start.
func (n *Network) Status() link.Status {
	n.mu.Lock()
	l := n.link
	n.mu.Unlock()
	if l == nil {
		return link.StatusDisconnected
	}
	return l.Status()
}

// LastTimestamp is the newest relay timestamp seen, never below the
// checkpoint Start was given. A restarted session syncs from it.
func (n *Network) LastTimestamp() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.lastTS < n.checkpoint {
		return n.checkpoint
	}
	return n.lastTS
}

// PeerFromCopayer exposes the peer id derivation.
func PeerFromCopayer(copayerID string) (string, error) {
	return identity.PeerFromCopayer(copayerID)
}

func (n *Network) SetHexNonce(s string) error {
	if err := n.nonces.SetHexNonce(s); err != nil {
		return newError(KindPrecondition, "set nonce", err)
	}
	return nil
}

func (n *Network) HexNonce() string {
	return n.nonces.HexNonce()
}

func (n *Network) SetHexNonces(nonces map[string]string) {
	n.nonces.SetHexNonces(nonces)
}

func (n *Network) HexNonces() map[string]string {
	return n.nonces.HexNonces()
}
