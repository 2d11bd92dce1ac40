// Package nonce tracks the anti-replay nonces of the messaging layer: one
// outbound nonce for this node and the last accepted nonce of every sender.
//
// A nonce is 8 bytes read as one big endian number: the first 4 bytes are
// Unix seconds, the last 4 a counter.
package nonce

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/clock"

	"copaynet/internal/authmsg"
	"copaynet/internal/proto"
)

const Size = proto.NonceSize

var (
	ErrNonceExhausted = errors.New("nonce counter exhausted for current second")
	ErrBadHexNonce    = errors.New("incorrect length of hex nonce")
)

type Ledger struct {
	mu    sync.Mutex
	clock clock.Clock
	out   []byte
	in    map[string][]byte
}

func NewLedger(c clock.Clock) *Ledger {
	if c == nil {
		c = clock.NewDefaultClock()
	}
	return &Ledger{
		clock: c,
		in:    make(map[string][]byte),
	}
}

// Iterate advances the outbound nonce and returns a copy of it. The
// timestamp half never moves backwards and the counter only wraps when
// the timestamp half advanced, so successive nonces strictly increase.
func (l *Ledger) Iterate() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.iterateLocked()
}

func (l *Ledger) iterateLocked() ([]byte, error) {
	var prevTS, prevCtr uint32
	have := len(l.out) == Size
	if have {
		prevTS = binary.BigEndian.Uint32(l.out[:4])
		prevCtr = binary.BigEndian.Uint32(l.out[4:])
	}
	ts := uint32(l.clock.Now().Unix())
	if ts < prevTS {
		ts = prevTS
	}
	ctr := prevCtr + 1
	if have && ctr == 0 && ts == prevTS {
		return nil, ErrNonceExhausted
	}
	next := make([]byte, Size)
	binary.BigEndian.PutUint32(next[:4], ts)
	binary.BigEndian.PutUint32(next[4:], ctr)
	l.out = next
	return append([]byte(nil), next...), nil
}

// Current returns the last issued outbound nonce, nil before the first
// Iterate.
func (l *Ledger) Current() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out == nil {
		return nil
	}
	return append([]byte(nil), l.out...)
}

// Encode advances the outbound nonce and seals payload for toPubHex. A
// non-empty override is used as the envelope nonce instead.
func (l *Ledger) Encode(key *btcec.PrivateKey, toPubHex string, payload proto.Payload, override []byte) (proto.Envelope, error) {
	l.mu.Lock()
	n, err := l.iterateLocked()
	now := l.clock.Now()
	l.mu.Unlock()
	if err != nil {
		return proto.Envelope{}, err
	}
	if len(override) > 0 {
		n = override
	}
	return authmsg.Encode(toPubHex, key, payload, n, now.UnixMilli())
}

// Decode opens env, requiring its nonce to exceed the last one accepted
// from the same sender. Senders are keyed by their canonical id, so a
// re-encoded public key does not reset the check. The sender's nonce only
// moves on success.
func (l *Ledger) Decode(key *btcec.PrivateKey, env proto.Envelope) (authmsg.Decoded, error) {
	sender, err := authmsg.SenderID(env)
	if err != nil {
		return authmsg.Decoded{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	decoded, err := authmsg.Decode(key, env, l.in[sender])
	if err != nil {
		return authmsg.Decoded{}, err
	}
	l.in[decoded.Sender] = decoded.Nonce
	return decoded, nil
}

// Last is the last accepted nonce from sender.
func (l *Ledger) Last(sender string) []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.in[sender]
	if !ok {
		return nil
	}
	return append([]byte(nil), n...)
}

// SetHexNonce restores the outbound nonce. An empty string starts a fresh
// nonce instead.
func (l *Ledger) SetHexNonce(s string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s == "" {
		_, err := l.iterateLocked()
		return err
	}
	if len(s) != 2*Size {
		return ErrBadHexNonce
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadHexNonce, err)
	}
	l.out = b
	return nil
}

func (l *Ledger) HexNonce() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return hex.EncodeToString(l.out)
}

// SetHexNonces restores per-sender nonces; malformed entries are skipped.
func (l *Ledger) SetHexNonces(nonces map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for sender, s := range nonces {
		if len(s) != 2*Size {
			continue
		}
		b, err := hex.DecodeString(s)
		if err != nil {
			continue
		}
		id, err := authmsg.SenderID(proto.Envelope{PubKey: sender})
		if err != nil {
			continue
		}
		l.in[id] = b
	}
}

func (l *Ledger) HexNonces() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]string, len(l.in))
	for sender, n := range l.in {
		out[sender] = hex.EncodeToString(n)
	}
	return out
}

// ResetInbound forgets every sender nonce. The outbound nonce is kept so
// it never repeats for the lifetime of the key.
func (l *Ledger) ResetInbound() {
	l.mu.Lock()
	l.in = make(map[string][]byte)
	l.mu.Unlock()
}

// Reset forgets all nonce state.
func (l *Ledger) Reset() {
	l.mu.Lock()
	l.in = make(map[string][]byte)
	l.out = nil
	l.mu.Unlock()
}
