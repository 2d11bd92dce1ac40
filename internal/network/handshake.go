package network

import (
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"copaynet/internal/authmsg"
	"copaynet/internal/identity"
	"copaynet/internal/logging"
	"copaynet/internal/metrics"
	"copaynet/internal/proto"
)

// handleMessage authenticates one relayed envelope and dispatches it. An
// envelope that fails authentication drops the sender from the routing
// table; nothing is reported to the application.
func (n *Network) handleMessage(raw json.RawMessage) {
	env, err := proto.DecodeEnvelope(raw)
	if err != nil {
		n.metrics.ObserveDropped(metrics.DropMalformed)
		n.log.Debug("dropping malformed envelope", zap.Error(err))
		return
	}
	sender, err := authmsg.SenderID(env)
	if err != nil {
		n.metrics.ObserveDropped(metrics.DropMalformed)
		return
	}
	senderPeer, err := identity.PeerFromCopayer(sender)
	if err != nil {
		n.metrics.ObserveDropped(metrics.DropMalformed)
		return
	}
	log := n.log.With(zap.String("from", logging.Short(sender)))

	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return
	}
	key, err := n.ident.Key()
	if err != nil {
		n.mu.Unlock()
		return
	}
	decoded, err := n.nonces.Decode(key, env)
	switch {
	case errors.Is(err, authmsg.ErrStaleNonce):
		// A replay proves nothing about the sender, so its routes stay.
		n.mu.Unlock()
		n.metrics.ObserveDropped(metrics.DropStale)
		log.Debug("stale envelope ignored")
		return
	case err != nil:
		n.dropLocked(senderPeer, metrics.DropDecode)
		n.mu.Unlock()
		log.Debug("envelope rejected", zap.Error(err))
		return
	}
	if env.Timestamp > n.lastTS {
		n.lastTS = env.Timestamp
	}
	n.syncTries = 0

	payload := decoded.Payload
	if payload.Type() != proto.PayloadTypeHello {
		// Mailbox replays may arrive before any hello, so an authenticated
		// sender is enough; only the allow-list filters data.
		copayer, routed := n.peers.CopayerFor(senderPeer)
		if !routed {
			copayer = decoded.Sender
		}
		if !n.peers.Allowed(copayer) {
			n.metrics.ObserveDropped(metrics.DropAllowList)
			n.mu.Unlock()
			log.Debug("data from copayer outside allow-list dropped")
			return
		}
		n.mu.Unlock()
		n.metrics.ObserveReceived("data")
		n.events.Publish(EventData, Data{
			PeerID:    senderPeer,
			CopayerID: copayer,
			Payload:   payload,
			Timestamp: env.Timestamp,
		})
		return
	}

	claimed := payload.CopayerID()
	if !n.peers.Allowed(claimed) {
		n.dropLocked(senderPeer, metrics.DropAllowList)
		n.mu.Unlock()
		log.Info("hello from copayer outside allow-list", zap.String("claimed", logging.Short(claimed)))
		return
	}
	if claimed != decoded.Sender {
		n.dropLocked(senderPeer, metrics.DropSpoof)
		n.mu.Unlock()
		log.Warn("hello claims a different copayer", zap.String("claimed", logging.Short(claimed)))
		return
	}
	added, err := n.peers.Connect(senderPeer, claimed)
	if err != nil {
		n.metrics.ObserveDropped(metrics.DropTableFull)
		n.mu.Unlock()
		log.Warn("hello refused", zap.Error(err))
		return
	}
	reply := n.peers.MarkGreeted(claimed)
	connected := len(n.peers.OnlinePeerIDs())
	n.mu.Unlock()

	n.metrics.ObserveReceived("hello")
	n.metrics.SetConnected(connected)
	if reply {
		if err := n.sendHello(claimed); err != nil {
			log.Warn("hello reply failed", zap.Error(err))
		}
	}
	if added {
		log.Info("peer connected", zap.String("peer", senderPeer))
		n.events.Publish(EventConnect, claimed)
	}
}

func (n *Network) dropLocked(peerID, reason string) {
	n.peers.Delete(peerID)
	n.metrics.ObserveDropped(reason)
	n.metrics.SetConnected(len(n.peers.OnlinePeerIDs()))
}

// Greet sends a hello to copayerID and binds its peer id ahead of the
// answer.
func (n *Network) Greet(copayerID string) error {
	const op = "greet"
	peerID, err := identity.PeerFromCopayer(copayerID)
	if err != nil {
		return newError(KindPrecondition, op, err)
	}
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return newError(KindPrecondition, op, ErrNotStarted)
	}
	n.peers.MarkGreeted(copayerID)
	n.peers.Bind(peerID, copayerID)
	n.mu.Unlock()
	return n.sendHello(copayerID)
}

func (n *Network) sendHello(copayerID string) error {
	self := n.ident.CopayerID()
	return n.Send([]string{copayerID}, proto.NewHello(self), nil)
}

// Send seals payload once per recipient, in the given order, and hands the
// envelopes to the relay. With no recipients the payload is tagged as a
// broadcast and goes to every known copayer. This node is always skipped.
// done runs after the last envelope was handed over.
func (n *Network) Send(to []string, payload proto.Payload, done func()) error {
	const op = "send"
	if payload == nil {
		return newError(KindPrecondition, op, ErrNilPayload)
	}
	n.sendMu.Lock()
	defer n.sendMu.Unlock()

	n.mu.Lock()
	if !n.started || n.sock == nil {
		n.mu.Unlock()
		return newError(KindPrecondition, op, ErrNotStarted)
	}
	key, err := n.ident.Key()
	if err != nil {
		n.mu.Unlock()
		return newError(KindPrecondition, op, err)
	}
	if len(to) == 0 {
		to = n.peers.CopayerIDs()
		payload = payload.WithBroadcast()
	}
	self := n.ident.CopayerID()
	envs := make([]proto.Envelope, 0, len(to))
	for _, dest := range to {
		if dest == self {
			continue
		}
		env, err := n.nonces.Encode(key, dest, payload, nil)
		if err != nil {
			n.mu.Unlock()
			return newError(KindPrecondition, op, err)
		}
		envs = append(envs, env)
	}
	sock := n.sock
	n.mu.Unlock()

	for _, env := range envs {
		if err := sock.Emit(proto.EventMessage, env); err != nil {
			return newError(KindTransport, op, err)
		}
		n.metrics.ObserveSent()
	}
	if done != nil {
		done()
	}
	return nil
}

// Encode seals payload for copayerID without sending it. A non-empty
// nonceOverride replaces the envelope nonce; the outbound nonce still
// advances.
func (n *Network) Encode(copayerID string, payload proto.Payload, nonceOverride []byte) (proto.Envelope, error) {
	const op = "encode"
	if payload == nil {
		return proto.Envelope{}, newError(KindPrecondition, op, ErrNilPayload)
	}
	key, err := n.ident.Key()
	if err != nil {
		return proto.Envelope{}, newError(KindPrecondition, op, err)
	}
	env, err := n.nonces.Encode(key, copayerID, payload, nonceOverride)
	if err != nil {
		return proto.Envelope{}, newError(KindPrecondition, op, err)
	}
	return env, nil
}

// Decode authenticates env against the sender's last nonce and advances
// it. Unlike relayed traffic, failures are returned as KindAuth errors.
func (n *Network) Decode(env proto.Envelope) (proto.Payload, error) {
	const op = "decode"
	key, err := n.ident.Key()
	if err != nil {
		return nil, newError(KindPrecondition, op, err)
	}
	decoded, err := n.nonces.Decode(key, env)
	if err != nil {
		return nil, newError(KindAuth, op, err)
	}
	return decoded.Payload, nil
}
