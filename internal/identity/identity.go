// Package identity holds a copayer's signing key and derives the peer
// identifiers used to route messages between copayers.
package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/base58"
	lru "github.com/hashicorp/golang-lru/v2"

	"copaynet/internal/crypto"
)

const (
	// sinVersion and sinEphemeral prefix the HASH160 of a copayer key to
	// form a SIN style peer identifier.
	sinVersion   = 0x0f
	sinEphemeral = 0x02

	peerCacheSize = 1024
)

var (
	ErrNoKey        = errors.New("no private key available")
	ErrStarted      = errors.New("network already started: can not change peer id")
	ErrBadCopayerID = errors.New("bad copayer id")
	ErrKeyMismatch  = errors.New("copayer id does not match private key")
	ErrEmptyPrivKey = errors.New("empty private key")
	peerCache, _    = lru.New[string, string](peerCacheSize)
)

// PeerFromCopayer maps a hex copayer id (a compressed public key) to its
// peer identifier. The mapping is pure, results are memoised.
func PeerFromCopayer(copayerID string) (string, error) {
	if id, ok := peerCache.Get(copayerID); ok {
		return id, nil
	}
	raw, err := hex.DecodeString(copayerID)
	if err != nil || len(raw) == 0 {
		return "", fmt.Errorf("%w: %q", ErrBadCopayerID, copayerID)
	}
	payload := make([]byte, 0, 1+20)
	payload = append(payload, sinEphemeral)
	payload = append(payload, crypto.Hash160(raw)...)
	id := base58.CheckEncode(payload, sinVersion)
	peerCache.Add(copayerID, id)
	return id, nil
}

// Manager owns this node's private key and copayer identity.
type Manager struct {
	mu        sync.Mutex
	privHex   string
	key       *btcec.PrivateKey
	copayerID string
	peerID    string
	frozen    bool
}

func NewManager() *Manager {
	return &Manager{}
}

// SetPrivKey stores the raw private key; the key object is built lazily.
func (m *Manager) SetPrivKey(privHex string) error {
	if privHex == "" {
		return ErrEmptyPrivKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.privHex = privHex
	m.key = nil
	return nil
}

// Key materialises the signing key from the stored private key bytes.
func (m *Manager) Key() (*btcec.PrivateKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keyLocked()
}

func (m *Manager) keyLocked() (*btcec.PrivateKey, error) {
	if m.key != nil {
		return m.key, nil
	}
	if m.privHex == "" {
		return nil, ErrNoKey
	}
	raw, err := hex.DecodeString(m.privHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", crypto.ErrBadPrivKey, err)
	}
	key, err := crypto.ParsePrivateKey(raw)
	if err != nil {
		return nil, err
	}
	m.key = key
	return key, nil
}

// PublicHex is the hex compressed public key of the signing key.
func (m *Manager) PublicHex() (string, error) {
	key, err := m.Key()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(key.PubKey().SerializeCompressed()), nil
}

// SetCopayerID records the own copayer id and derives the own peer id.
// It fails once the identity has been frozen by a started network.
func (m *Manager) SetCopayerID(copayerID string) (string, error) {
	peerID, err := PeerFromCopayer(copayerID)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen {
		return "", ErrStarted
	}
	if key, err := m.keyLocked(); err == nil {
		if hex.EncodeToString(key.PubKey().SerializeCompressed()) != copayerID {
			return "", ErrKeyMismatch
		}
	}
	m.copayerID = copayerID
	m.peerID = peerID
	return peerID, nil
}

func (m *Manager) CopayerID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copayerID
}

func (m *Manager) PeerID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peerID
}

// Freeze forbids further identity changes.
func (m *Manager) Freeze() {
	m.mu.Lock()
	m.frozen = true
	m.mu.Unlock()
}

// Reset forgets key and identity.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.privHex = ""
	m.key = nil
	m.copayerID = ""
	m.peerID = ""
	m.frozen = false
}

// Generate returns a fresh private key hex and its copayer id.
func Generate() (privHex string, copayerID string, err error) {
	pub, priv, err := crypto.GenKeypair()
	if err != nil {
		return "", "", err
	}
	return hex.EncodeToString(priv), hex.EncodeToString(pub), nil
}
