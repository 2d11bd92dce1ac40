package proto

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const (
	NonceSize       = 8
	MaxEnvelopeSize = 64 << 10
)

// Envelope is the authenticated, nonce-bound wire unit exchanged between
// copayers through the relay. To and PubKey are hex compressed public keys.
type Envelope struct {
	To        string `json:"to"`
	PubKey    string `json:"pubkey"`
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"ts,omitempty"`
	Encrypted string `json:"encrypted"`
	Sig       string `json:"sig"`
}

func EncodeEnvelope(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	if len(data) > MaxEnvelopeSize {
		return Envelope{}, fmt.Errorf("envelope too large")
	}
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	if e.To == "" || e.PubKey == "" {
		return Envelope{}, fmt.Errorf("envelope missing addressing")
	}
	return e, nil
}

func (e Envelope) NonceBytes() ([]byte, error) {
	return DecodeNonceHex(e.Nonce)
}

func (e Envelope) Ciphertext() ([]byte, error) {
	return base64.StdEncoding.DecodeString(e.Encrypted)
}

func (e Envelope) Signature() ([]byte, error) {
	b, err := hex.DecodeString(e.Sig)
	if err != nil || len(b) == 0 {
		return nil, fmt.Errorf("bad sig")
	}
	return b, nil
}

func EncodeCiphertext(ct []byte) string {
	return base64.StdEncoding.EncodeToString(ct)
}

func DecodeNonceHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != NonceSize {
		return nil, fmt.Errorf("bad nonce")
	}
	return b, nil
}
