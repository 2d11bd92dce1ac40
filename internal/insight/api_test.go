package insight

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"copaynet/internal/testutil"
)

type fakeExplorer struct {
	addrTxs   map[string][]string
	txs       map[string]Transaction
	txFetches atomic.Int32
	lastBody  atomic.Value
}

func (f *fakeExplorer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/tx/send":
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.lastBody.Store(req)
		if req["rawtx"] == "bad" {
			http.Error(w, "tx rejected", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"txid": "f00d"})
	case r.Method == http.MethodPost && r.URL.Path == "/api/addrs/utxo":
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.lastBody.Store(req)
		var out []UTXO
		for _, a := range strings.Split(req["addrs"], ",") {
			out = append(out, UTXO{Address: a, TxID: "aa", Amount: 0.5})
		}
		_ = json.NewEncoder(w).Encode(out)
	case strings.HasPrefix(r.URL.Path, "/api/addr/"):
		addr := strings.TrimPrefix(r.URL.Path, "/api/addr/")
		_ = json.NewEncoder(w).Encode(addressInfo{Transactions: f.addrTxs[addr]})
	case strings.HasPrefix(r.URL.Path, "/api/tx/"):
		f.txFetches.Add(1)
		tx, ok := f.txs[strings.TrimPrefix(r.URL.Path, "/api/tx/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(tx)
	default:
		http.NotFound(w, r)
	}
}

func newAPIClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{URL: srv.URL + "/", MaxRetries: 1}, testutil.NewFakeSocket())
	require.NoError(t, err)
	return c
}

func TestBroadcast(t *testing.T) {
	f := &fakeExplorer{}
	c := newAPIClient(t, f)
	ctx := context.Background()

	txid, err := c.Broadcast(ctx, "0100")
	require.NoError(t, err)
	require.Equal(t, "f00d", txid)
	require.Equal(t, map[string]string{"rawtx": "0100"}, f.lastBody.Load())

	_, err = c.Broadcast(ctx, "bad")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusBadRequest, se.Code)
	require.Equal(t, "tx rejected", se.Body)

	_, err = c.Broadcast(ctx, "")
	require.ErrorIs(t, err, ErrEmptyRawTx)

	tx := wire.NewMsgTx(wire.TxVersion)
	txid, err = c.BroadcastTx(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, "f00d", txid)
	body := f.lastBody.Load().(map[string]string)
	require.True(t, strings.HasPrefix(body["rawtx"], "01000000"))
}

func TestGetTransactionsDedups(t *testing.T) {
	f := &fakeExplorer{
		addrTxs: map[string][]string{
			mainAddr:  {"t1", "t2"},
			mainAddr2: {"t2", "t3"},
		},
		txs: map[string]Transaction{
			"t1": {TxID: "t1", Vin: []Vin{{Addr: mainAddr}}},
			"t2": {TxID: "t2", Vout: []Vout{{ScriptPubKey: ScriptPubKey{Addresses: []string{mainAddr2}}}}},
			"t3": {TxID: "t3"},
		},
	}
	c := newAPIClient(t, f)

	txs, err := c.GetTransactions(context.Background(), []string{mainAddr, mainAddr2})
	require.NoError(t, err)
	var ids []string
	for _, tx := range txs {
		ids = append(ids, tx.TxID)
	}
	require.Equal(t, []string{"t1", "t2", "t3"}, ids)
	require.EqualValues(t, 3, f.txFetches.Load())

	txs, err = c.GetTransactions(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, txs)
}

func TestGetTransactionNotFound(t *testing.T) {
	c := newAPIClient(t, &fakeExplorer{})
	_, err := c.GetTransaction(context.Background(), "missing")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusNotFound, se.Code)
}

func TestGetUnspent(t *testing.T) {
	f := &fakeExplorer{}
	c := newAPIClient(t, f)

	utxos, err := c.GetUnspent(context.Background(), []string{mainAddr, mainAddr2})
	require.NoError(t, err)
	require.Len(t, utxos, 2)
	require.Equal(t, map[string]string{"addrs": mainAddr + "," + mainAddr2}, f.lastBody.Load())

	_, err = c.GetUnspent(context.Background(), nil)
	require.ErrorIs(t, err, ErrNoAddresses)
}

func TestGetActivity(t *testing.T) {
	const idle = "1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2"
	f := &fakeExplorer{
		addrTxs: map[string][]string{mainAddr: {"t1"}, mainAddr2: {"t2"}},
		txs: map[string]Transaction{
			"t1": {TxID: "t1", Vin: []Vin{{Addr: mainAddr}}},
			"t2": {TxID: "t2", Vout: []Vout{{ScriptPubKey: ScriptPubKey{Addresses: []string{mainAddr2}}}}},
		},
	}
	c := newAPIClient(t, f)

	active, err := c.GetActivity(context.Background(), []string{mainAddr, idle, mainAddr2})
	require.NoError(t, err)
	require.Equal(t, []bool{true, false, true}, active)
}

func TestRequestHonoursContext(t *testing.T) {
	c := newAPIClient(t, &fakeExplorer{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.GetTransaction(ctx, "t1")
	require.ErrorIs(t, err, context.Canceled)
}
