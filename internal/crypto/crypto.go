// internal/crypto/crypto.go
package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"
)

// -----------------------------------------------------------------------------
// copaynet crypto stack
//
// - secp256k1 keys (copayer identity, same curve the wallet uses)
// - static ECDH + SHA3-256 KDF for envelope keys
// - XChaCha20-Poly1305 for payload sealing
// - ECDSA over SHA3-256 digests for envelope signatures
// -----------------------------------------------------------------------------

const (
	// XChaCha20-Poly1305 sizes
	XKeySize   = chacha20poly1305.KeySize    // 32
	XNonceSize = chacha20poly1305.NonceSizeX // 24

	PrivKeySize = btcec.PrivKeyBytesLen
	PubKeySize  = btcec.PubKeyBytesLenCompressed
)

var (
	ErrEmptyKey   = errors.New("empty key material")
	ErrBadPrivKey = errors.New("bad private key")
	ErrBadPubKey  = errors.New("bad public key")
)

// -----------------------------------------------------------------------------
// Hashing
// -----------------------------------------------------------------------------

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

func KDF(label string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(label))
	buf = append(buf, []byte(label)...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return SHA3_256(buf)
}

// Hash160 is RIPEMD160(SHA256(b)), the digest bitcoin-style identifiers are
// built from.
func Hash160(b []byte) []byte {
	return btcutil.Hash160(b)
}

// -----------------------------------------------------------------------------
// XChaCha20-Poly1305 AEAD
// -----------------------------------------------------------------------------

// XSeal generates a random 24 byte nonce and seals plaintext with it.
func XSeal(key32, plaintext, aad []byte) (nonce24 []byte, ciphertext []byte, err error) {
	nonce := make([]byte, XNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	ct, err := XSealWithNonce(key32, nonce, plaintext, aad)
	if err != nil {
		return nil, nil, err
	}
	return nonce, ct, nil
}

func XOpen(key32, nonce24, ciphertext, aad []byte) ([]byte, error) {
	if len(key32) != XKeySize {
		return nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	if len(nonce24) != XNonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", XNonceSize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce24, ciphertext, aad)
}

func XSealWithNonce(key32, nonce24, plaintext, aad []byte) ([]byte, error) {
	if len(key32) != XKeySize {
		return nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	if len(nonce24) != XNonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", XNonceSize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce24, plaintext, aad), nil
}

// -----------------------------------------------------------------------------
// secp256k1
// -----------------------------------------------------------------------------

// GenKeypair returns a fresh compressed public key and raw private key.
func GenKeypair() ([]byte, []byte, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, nil, err
	}
	return priv.PubKey().SerializeCompressed(), priv.Serialize(), nil
}

func ParsePrivateKey(priv []byte) (*btcec.PrivateKey, error) {
	if len(priv) != PrivKeySize {
		return nil, ErrBadPrivKey
	}
	key, _ := btcec.PrivKeyFromBytes(priv)
	if key.Key.IsZero() {
		return nil, ErrBadPrivKey
	}
	return key, nil
}

func ParsePublicKey(pub []byte) (*btcec.PublicKey, error) {
	if len(pub) == 0 {
		return nil, ErrEmptyKey
	}
	key, err := btcec.ParsePubKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPubKey, err)
	}
	return key, nil
}

func ParsePublicKeyHex(s string) (*btcec.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPubKey, err)
	}
	return ParsePublicKey(b)
}

// Shared computes the static ECDH secret between priv and peerPub.
func Shared(priv *btcec.PrivateKey, peerPub *btcec.PublicKey) ([]byte, error) {
	if priv == nil || peerPub == nil {
		return nil, ErrEmptyKey
	}
	return btcec.GenerateSharedSecret(priv, peerPub), nil
}

func SignDigest(priv *btcec.PrivateKey, digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, errors.New("bad digest size")
	}
	if priv == nil {
		return nil, ErrEmptyKey
	}
	return ecdsa.Sign(priv, digest).Serialize(), nil
}

func VerifyDigest(pub *btcec.PublicKey, digest []byte, sig []byte) bool {
	if len(digest) != 32 || pub == nil || len(sig) == 0 {
		return false
	}
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	return parsed.Verify(digest, pub)
}

// -----------------------------------------------------------------------------
// Key storage
// -----------------------------------------------------------------------------

func SaveKeypair(dir string, pub, priv []byte) error {
	if len(pub) == 0 || len(priv) == 0 {
		return ErrEmptyKey
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "pub.hex"), []byte(hex.EncodeToString(pub)), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "priv.hex"), []byte(hex.EncodeToString(priv)), 0600)
}

func LoadKeypair(dir string) ([]byte, []byte, error) {
	pubHex, err := os.ReadFile(filepath.Join(dir, "pub.hex"))
	if err != nil {
		return nil, nil, err
	}
	privHex, err := os.ReadFile(filepath.Join(dir, "priv.hex"))
	if err != nil {
		return nil, nil, err
	}

	pub, err := hex.DecodeString(strings.TrimSpace(string(pubHex)))
	if err != nil {
		return nil, nil, fmt.Errorf("bad pub.hex")
	}
	priv, err := hex.DecodeString(strings.TrimSpace(string(privHex)))
	if err != nil {
		return nil, nil, fmt.Errorf("bad priv.hex")
	}
	return pub, priv, nil
}
