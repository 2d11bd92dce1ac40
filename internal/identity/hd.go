package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	bip39 "github.com/tyler-smith/go-bip39"
)

const (
	// bip45Purpose roots copay wallets at m/45'.
	bip45Purpose = 45

	// maxNonHardened is the top non-hardened index. The cosigner index
	// just below the shared branch is reserved for the copayer id.
	maxNonHardened = hdkeychain.HardenedKeyStart - 1
	idIndex        = maxNonHardened - 1

	mnemonicEntropyBits = 256
)

// IDPath is m/45'/2147483646/0/0, the branch whose key identifies a
// copayer.
var IDPath = []uint32{hdkeychain.HardenedKeyStart + bip45Purpose, idIndex, 0, 0}

var (
	ErrBadMnemonic = errors.New("invalid mnemonic")
	ErrPublicXKey  = errors.New("extended key is public")
)

// HDKey is a copayer identity derived from a wallet master key. Mnemonic
// is empty when the key was restored from an extended key string.
type HDKey struct {
	Mnemonic    string
	ExtendedKey string
	PrivKey     string
	CopayerID   string
}

// GenerateHD creates a fresh 24 word mnemonic and derives its identity.
func GenerateHD(params *chaincfg.Params) (HDKey, error) {
	entropy, err := bip39.NewEntropy(mnemonicEntropyBits)
	if err != nil {
		return HDKey{}, err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return HDKey{}, err
	}
	return FromMnemonic(mnemonic, params)
}

// FromMnemonic derives the identity of a BIP39 mnemonic with an empty
// passphrase.
func FromMnemonic(mnemonic string, params *chaincfg.Params) (HDKey, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return HDKey{}, fmt.Errorf("%w: %v", ErrBadMnemonic, err)
	}
	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return HDKey{}, err
	}
	k, err := deriveID(master)
	if err != nil {
		return HDKey{}, err
	}
	k.Mnemonic = mnemonic
	return k, nil
}

// FromExtendedKey derives the identity of a serialized extended private
// key (xprv/tprv).
func FromExtendedKey(xkey string) (HDKey, error) {
	master, err := hdkeychain.NewKeyFromString(strings.TrimSpace(xkey))
	if err != nil {
		return HDKey{}, err
	}
	if !master.IsPrivate() {
		return HDKey{}, ErrPublicXKey
	}
	return deriveID(master)
}

func deriveID(master *hdkeychain.ExtendedKey) (HDKey, error) {
	k := master
	for _, i := range IDPath {
		child, err := k.Derive(i)
		if err != nil {
			return HDKey{}, fmt.Errorf("derive %d: %w", i, err)
		}
		k = child
	}
	priv, err := k.ECPrivKey()
	if err != nil {
		return HDKey{}, err
	}
	return HDKey{
		ExtendedKey: master.String(),
		PrivKey:     hex.EncodeToString(priv.Serialize()),
		CopayerID:   hex.EncodeToString(priv.PubKey().SerializeCompressed()),
	}, nil
}
