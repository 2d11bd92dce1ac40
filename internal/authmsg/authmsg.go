// Package authmsg implements the authenticated envelope copayers exchange
// through the relay. A payload is sealed with a key derived from static
// ECDH between sender and recipient, bound to an 8 byte anti-replay nonce
// and signed by the sender.
package authmsg

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"

	"copaynet/internal/crypto"
	"copaynet/internal/proto"
)

var (
	ErrWrongRecipient = errors.New("envelope not addressed to this key")
	ErrBadSignature   = errors.New("bad envelope signature")
	ErrStaleNonce     = errors.New("nonce not greater than previous nonce")
	ErrBadNonce       = errors.New("bad nonce")
)

// Decoded is the result of a successful Decode. Sender is the canonical
// sender id, see SenderID.
type Decoded struct {
	Payload proto.Payload
	Nonce   []byte
	Sender  string
}

// SenderID returns the sender key of env as lowercase hex of its
// compressed encoding. Every encoding of one key maps to the same id.
func SenderID(env proto.Envelope) (string, error) {
	pub, err := crypto.ParsePublicKeyHex(env.PubKey)
	if err != nil {
		return "", fmt.Errorf("sender: %w", err)
	}
	return hex.EncodeToString(pub.SerializeCompressed()), nil
}

// Encode seals payload for the recipient public key toPubHex.
func Encode(toPubHex string, key *btcec.PrivateKey, payload proto.Payload, nonce []byte, ts int64) (proto.Envelope, error) {
	if key == nil {
		return proto.Envelope{}, crypto.ErrEmptyKey
	}
	if len(nonce) != proto.NonceSize {
		return proto.Envelope{}, ErrBadNonce
	}
	toPub, err := crypto.ParsePublicKeyHex(toPubHex)
	if err != nil {
		return proto.Envelope{}, fmt.Errorf("recipient: %w", err)
	}
	plain, err := proto.EncodePayload(payload)
	if err != nil {
		return proto.Envelope{}, err
	}
	encKey, err := crypto.EnvelopeKey(key, toPub)
	if err != nil {
		return proto.Envelope{}, err
	}
	toBytes := toPub.SerializeCompressed()
	fromBytes := key.PubKey().SerializeCompressed()
	aad := crypto.BuildAAD(toBytes, fromBytes, nonce)
	xnonce, ct, err := crypto.XSeal(encKey, plain, aad)
	if err != nil {
		return proto.Envelope{}, err
	}
	sealed := make([]byte, 0, len(xnonce)+len(ct))
	sealed = append(sealed, xnonce...)
	sealed = append(sealed, ct...)
	sig, err := crypto.SignDigest(key, crypto.SigDigest(toBytes, fromBytes, nonce, sealed))
	if err != nil {
		return proto.Envelope{}, err
	}
	return proto.Envelope{
		To:        hex.EncodeToString(toBytes),
		PubKey:    hex.EncodeToString(fromBytes),
		Nonce:     hex.EncodeToString(nonce),
		Timestamp: ts,
		Encrypted: proto.EncodeCiphertext(sealed),
		Sig:       hex.EncodeToString(sig),
	}, nil
}

// Decode authenticates and opens env with key. When prevNonce is set the
// envelope nonce must be strictly greater than it.
func Decode(key *btcec.PrivateKey, env proto.Envelope, prevNonce []byte) (Decoded, error) {
	if key == nil {
		return Decoded{}, crypto.ErrEmptyKey
	}
	self := key.PubKey().SerializeCompressed()
	toBytes, err := hex.DecodeString(env.To)
	if err != nil || !bytes.Equal(toBytes, self) {
		return Decoded{}, ErrWrongRecipient
	}
	fromPub, err := crypto.ParsePublicKeyHex(env.PubKey)
	if err != nil {
		return Decoded{}, fmt.Errorf("sender: %w", err)
	}
	nonce, err := env.NonceBytes()
	if err != nil {
		return Decoded{}, ErrBadNonce
	}
	if len(prevNonce) > 0 && bytes.Compare(nonce, prevNonce) <= 0 {
		return Decoded{}, ErrStaleNonce
	}
	sealed, err := env.Ciphertext()
	if err != nil || len(sealed) <= crypto.XNonceSize {
		return Decoded{}, fmt.Errorf("bad ciphertext")
	}
	sig, err := env.Signature()
	if err != nil {
		return Decoded{}, ErrBadSignature
	}
	fromBytes := fromPub.SerializeCompressed()
	if !crypto.VerifyDigest(fromPub, crypto.SigDigest(toBytes, fromBytes, nonce, sealed), sig) {
		return Decoded{}, ErrBadSignature
	}
	encKey, err := crypto.EnvelopeKey(key, fromPub)
	if err != nil {
		return Decoded{}, err
	}
	aad := crypto.BuildAAD(toBytes, fromBytes, nonce)
	plain, err := crypto.XOpen(encKey, sealed[:crypto.XNonceSize], sealed[crypto.XNonceSize:], aad)
	if err != nil {
		return Decoded{}, fmt.Errorf("open: %w", err)
	}
	payload, err := proto.DecodePayload(plain)
	if err != nil {
		return Decoded{}, fmt.Errorf("payload: %w", err)
	}
	return Decoded{Payload: payload, Nonce: nonce, Sender: hex.EncodeToString(fromBytes)}, nil
}
