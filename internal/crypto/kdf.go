package crypto

import (
	"bytes"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
)

const (
	labelEnvelopeKey = "copaynet:envelope:v1"
	labelSigDigest   = "copaynet:sig:v1"
)

// EnvelopeKey derives the symmetric key shared by the two ends of a
// sender/recipient pair. Both directions derive the same key, the public
// keys are ordered before hashing.
func EnvelopeKey(priv *btcec.PrivateKey, peerPub *btcec.PublicKey) ([]byte, error) {
	ss, err := Shared(priv, peerPub)
	if err != nil {
		return nil, err
	}
	if len(ss) == 0 {
		return nil, errors.New("empty shared secret")
	}
	a := priv.PubKey().SerializeCompressed()
	b := peerPub.SerializeCompressed()
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	return KDF(labelEnvelopeKey, ss, a, b), nil
}

// SigDigest is the digest an envelope signature commits to.
func SigDigest(toPub, fromPub, nonce, ciphertext []byte) []byte {
	return KDF(labelSigDigest, BuildAAD(toPub, fromPub, nonce), ciphertext)
}
