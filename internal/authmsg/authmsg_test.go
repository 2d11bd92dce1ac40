package authmsg

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"copaynet/internal/proto"
)

func newKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	k, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return k
}

func hexPub(k *btcec.PrivateKey) string {
	return hex.EncodeToString(k.PubKey().SerializeCompressed())
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	alice, bob := newKey(t), newKey(t)
	nonce := []byte{0, 0, 0, 1, 0, 0, 0, 1}

	env, err := Encode(hexPub(bob), alice, proto.Payload{"type": "note", "n": 7.0}, nonce, 99)
	require.NoError(t, err)
	require.Equal(t, hexPub(alice), env.PubKey)
	require.EqualValues(t, 99, env.Timestamp)

	got, err := Decode(bob, env, nil)
	require.NoError(t, err)
	require.Equal(t, "note", got.Payload.Type())
	require.Equal(t, 7.0, got.Payload["n"])
	require.Equal(t, nonce, got.Nonce)
	require.Equal(t, hexPub(alice), got.Sender)
}

func TestDecodeRejectsStaleNonce(t *testing.T) {
	alice, bob := newKey(t), newKey(t)
	nonce := []byte{0, 0, 0, 2, 0, 0, 0, 5}
	env, err := Encode(hexPub(bob), alice, proto.NewHello(hexPub(alice)), nonce, 0)
	require.NoError(t, err)

	_, err = Decode(bob, env, nonce)
	require.ErrorIs(t, err, ErrStaleNonce)

	_, err = Decode(bob, env, []byte{0, 0, 0, 2, 0, 0, 0, 6})
	require.ErrorIs(t, err, ErrStaleNonce)

	_, err = Decode(bob, env, []byte{0, 0, 0, 2, 0, 0, 0, 4})
	require.NoError(t, err)
}

func TestDecodeRejectsTampering(t *testing.T) {
	alice, bob, eve := newKey(t), newKey(t), newKey(t)
	nonce := []byte{0, 0, 0, 1, 0, 0, 0, 1}
	env, err := Encode(hexPub(bob), alice, proto.Payload{"type": "x"}, nonce, 0)
	require.NoError(t, err)

	_, err = Decode(eve, env, nil)
	require.ErrorIs(t, err, ErrWrongRecipient)

	forged := env
	forged.PubKey = hexPub(eve)
	_, err = Decode(bob, forged, nil)
	require.ErrorIs(t, err, ErrBadSignature)

	bumped := env
	bumped.Nonce = "0000000100000002"
	_, err = Decode(bob, bumped, nil)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestEncodeValidatesInput(t *testing.T) {
	alice := newKey(t)
	_, err := Encode("nothex", alice, proto.Payload{"type": "x"}, make([]byte, 8), 0)
	require.Error(t, err)

	_, err = Encode(hexPub(alice), alice, proto.Payload{"type": "x"}, make([]byte, 4), 0)
	require.ErrorIs(t, err, ErrBadNonce)
}
