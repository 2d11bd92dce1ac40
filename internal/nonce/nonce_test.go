package nonce

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"

	"copaynet/internal/authmsg"
	"copaynet/internal/proto"
)

var testTime = time.Date(2015, time.March, 1, 12, 0, 0, 0, time.UTC)

func TestIterateStrictlyIncreasing(t *testing.T) {
	c := clock.NewTestClock(testTime)
	l := NewLedger(c)

	var prev []byte
	for i := 0; i < 50; i++ {
		if i%10 == 0 {
			c.SetTime(c.Now().Add(time.Second))
		}
		n, err := l.Iterate()
		require.NoError(t, err)
		require.Len(t, n, Size)
		if prev != nil {
			require.Equal(t, 1, bytes.Compare(n, prev), "nonce %x not above %x", n, prev)
		}
		prev = n
	}
	require.Equal(t, uint32(c.Now().Unix()), binary.BigEndian.Uint32(prev[:4]))
	require.Equal(t, uint32(50), binary.BigEndian.Uint32(prev[4:]))
}

func TestIterateClockSkewDoesNotRegress(t *testing.T) {
	c := clock.NewTestClock(testTime)
	l := NewLedger(c)

	first, err := l.Iterate()
	require.NoError(t, err)

	c.SetTime(testTime.Add(-time.Hour))
	second, err := l.Iterate()
	require.NoError(t, err)
	require.Equal(t, 1, bytes.Compare(second, first))
	require.Equal(t, first[:4], second[:4])
}

func TestIterateCounterWrap(t *testing.T) {
	c := clock.NewTestClock(testTime)
	l := NewLedger(c)

	full := make([]byte, Size)
	binary.BigEndian.PutUint32(full[:4], uint32(testTime.Unix()))
	binary.BigEndian.PutUint32(full[4:], ^uint32(0))
	require.NoError(t, l.SetHexNonce(hex.EncodeToString(full)))

	_, err := l.Iterate()
	require.ErrorIs(t, err, ErrNonceExhausted)
	require.Equal(t, full, l.Current())

	c.SetTime(testTime.Add(time.Second))
	n, err := l.Iterate()
	require.NoError(t, err)
	require.Equal(t, 1, bytes.Compare(n, full))
	require.Equal(t, uint32(0), binary.BigEndian.Uint32(n[4:]))
}

func TestDecodeRejectsReplay(t *testing.T) {
	c := clock.NewTestClock(testTime)
	alice, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	bob, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	bobHex := hex.EncodeToString(bob.PubKey().SerializeCompressed())

	sender := NewLedger(c)
	receiver := NewLedger(c)

	first, err := sender.Encode(alice, bobHex, proto.Payload{"type": "a"}, nil)
	require.NoError(t, err)
	second, err := sender.Encode(alice, bobHex, proto.Payload{"type": "b"}, nil)
	require.NoError(t, err)

	got, err := receiver.Decode(bob, second)
	require.NoError(t, err)
	require.Equal(t, "b", got.Payload.Type())
	last := receiver.Last(second.PubKey)

	// Older and repeated envelopes are refused and leave state alone.
	_, err = receiver.Decode(bob, first)
	require.Error(t, err)
	_, err = receiver.Decode(bob, second)
	require.Error(t, err)
	require.Equal(t, last, receiver.Last(second.PubKey))

	receiver.ResetInbound()
	require.Nil(t, receiver.Last(second.PubKey))
	_, err = receiver.Decode(bob, first)
	require.NoError(t, err)
}

func TestDecodeReplayWithReencodedSender(t *testing.T) {
	c := clock.NewTestClock(testTime)
	alice, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	bob, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	bobHex := hex.EncodeToString(bob.PubKey().SerializeCompressed())

	sender := NewLedger(c)
	receiver := NewLedger(c)
	env, err := sender.Encode(alice, bobHex, proto.Payload{"type": "pay", "amount": 1}, nil)
	require.NoError(t, err)
	got, err := receiver.Decode(bob, env)
	require.NoError(t, err)
	require.Equal(t, env.PubKey, got.Sender)

	upper := env
	upper.PubKey = strings.ToUpper(env.PubKey)
	_, err = receiver.Decode(bob, upper)
	require.ErrorIs(t, err, authmsg.ErrStaleNonce)

	long := env
	long.PubKey = hex.EncodeToString(alice.PubKey().SerializeUncompressed())
	_, err = receiver.Decode(bob, long)
	require.ErrorIs(t, err, authmsg.ErrStaleNonce)

	require.Len(t, receiver.HexNonces(), 1)
}

func TestEncodeOverride(t *testing.T) {
	c := clock.NewTestClock(testTime)
	alice, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	l := NewLedger(c)

	override := []byte{0, 0, 0, 9, 0, 0, 0, 9}
	env, err := l.Encode(alice, hex.EncodeToString(alice.PubKey().SerializeCompressed()), proto.Payload{"type": "x"}, override)
	require.NoError(t, err)
	require.Equal(t, hex.EncodeToString(override), env.Nonce)
	require.NotNil(t, l.Current(), "outbound nonce still advances")
	require.Equal(t, testTime.UnixMilli(), env.Timestamp)
}

func TestHexNonces(t *testing.T) {
	l := NewLedger(clock.NewTestClock(testTime))

	require.ErrorIs(t, l.SetHexNonce("abcd"), ErrBadHexNonce)
	require.NoError(t, l.SetHexNonce(""))
	require.Len(t, l.HexNonce(), 2*Size)
	require.NoError(t, l.SetHexNonce("0000000a0000000b"))
	require.Equal(t, "0000000a0000000b", l.HexNonce())

	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	id := hex.EncodeToString(key.PubKey().SerializeCompressed())
	other, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	l.SetHexNonces(map[string]string{
		strings.ToUpper(id): "0000000100000001",
		hex.EncodeToString(other.PubKey().SerializeCompressed()): "short",
		"02aa": "0000000100000002",
	})
	require.Equal(t, map[string]string{id: "0000000100000001"}, l.HexNonces())

	l.Reset()
	require.Empty(t, l.HexNonces())
	require.Nil(t, l.Current())
}
