package insight

import (
	"testing"

	"github.com/stretchr/testify/require"

	"copaynet/internal/link"
	"copaynet/internal/proto"
	"copaynet/internal/testutil"
)

const (
	mainAddr  = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"
	mainAddr2 = "3J98t1WpEZ73CNmQviecrnyiWrnqRhWNLy"
	testAddr  = "mipcBbFg9gMiCh81Kj8tqqdgoZub1ZJRfn"
)

func newTestClient(t *testing.T, network string) (*Client, *testutil.FakeSocket) {
	t.Helper()
	sock := testutil.NewFakeSocket()
	c, err := New(Config{URL: "http://explorer.invalid", Network: network}, sock)
	require.NoError(t, err)
	return c, sock
}

func TestParams(t *testing.T) {
	p, err := Params(NetworkTestnet)
	require.NoError(t, err)
	require.Equal(t, "testnet3", p.Name)

	_, err = Params("dogenet")
	require.ErrorIs(t, err, ErrUnknownNet)
}

func TestSubscribeValidatesAddresses(t *testing.T) {
	c, sock := newTestClient(t, NetworkLivenet)

	require.ErrorIs(t, c.Subscribe(mainAddr, "not-an-address"), ErrBadAddress)
	require.ErrorIs(t, c.Subscribe(testAddr), ErrBadAddress)
	require.Empty(t, sock.Emitted(proto.EventSubscribe))

	tc, tsock := newTestClient(t, NetworkTestnet)
	require.NoError(t, tc.Subscribe(testAddr))
	require.Len(t, tsock.Emitted(proto.EventSubscribe), 1)
}

func TestTxNotifications(t *testing.T) {
	c, sock := newTestClient(t, NetworkLivenet)

	var got []Tx
	c.OnTx(func(tx Tx) { got = append(got, tx) })

	require.NoError(t, c.Subscribe(mainAddr, mainAddr2))
	require.NoError(t, c.Subscribe(mainAddr))
	require.Equal(t, []string{mainAddr, mainAddr2}, c.Subscriptions())
	require.Len(t, sock.Emitted(proto.EventSubscribe), 2)

	sock.Fire(mainAddr2, "abcd")
	require.Equal(t, []Tx{{Address: mainAddr2, TxID: "abcd"}}, got)
}

func TestLifecycle(t *testing.T) {
	c, sock := newTestClient(t, NetworkLivenet)

	var connects, disconnects int
	var attempts []int
	var blocks []string
	c.OnConnect(func() { connects++ })
	c.OnDisconnect(func() { disconnects++ })
	c.OnReconnect(func(a int) { attempts = append(attempts, a) })
	c.OnBlock(func(h string) { blocks = append(blocks, h) })

	require.NoError(t, c.Subscribe(mainAddr))
	require.Equal(t, link.StatusConnecting, c.Status())

	sock.Fire(proto.EventConnect, nil)
	require.Equal(t, 1, connects)
	require.Equal(t, link.StatusConnected, c.Status())
	sock.Fire(proto.EventBlock, "0000beef")
	require.Equal(t, []string{"0000beef"}, blocks)

	sock.Fire(proto.EventConnectTimeout, nil)
	require.Equal(t, 1, disconnects)
	require.Equal(t, link.StatusDisconnected, c.Status())

	sock.ClearEmitted()
	sock.Fire(proto.EventReconnect, 3)
	require.Equal(t, []int{3}, attempts)
	require.Len(t, sock.Emitted(proto.EventSubscribe), 1)
	require.Equal(t, link.StatusConnected, c.Status())

	// Blocks are not double-delivered after a reconnect.
	sock.Fire(proto.EventBlock, "0000cafe")
	require.Equal(t, []string{"0000beef", "0000cafe"}, blocks)
}

func TestDestroy(t *testing.T) {
	c, sock := newTestClient(t, NetworkLivenet)
	var txs int
	c.OnTx(func(Tx) { txs++ })
	require.NoError(t, c.Subscribe(mainAddr))

	c.Destroy()
	require.Equal(t, link.StatusDestroyed, c.Status())
	require.True(t, sock.Disconnected())
	require.Empty(t, c.Subscriptions())
	require.ErrorIs(t, c.Subscribe(mainAddr2), ErrDestroyed)

	sock.Fire(mainAddr, "abcd")
	require.Zero(t, txs)
}
