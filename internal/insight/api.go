package insight

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// StatusError is returned when the explorer answers with a non-200 status.
type StatusError struct {
	Path string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("insight %s: status %d: %s", e.Path, e.Code, e.Body)
}

// Transaction is the explorer's view of a transaction.
type Transaction struct {
	TxID          string  `json:"txid"`
	Version       int32   `json:"version"`
	LockTime      uint32  `json:"locktime"`
	Vin           []Vin   `json:"vin"`
	Vout          []Vout  `json:"vout"`
	BlockHash     string  `json:"blockhash,omitempty"`
	Confirmations int64   `json:"confirmations"`
	Time          int64   `json:"time"`
	Fees          float64 `json:"fees"`
}

type Vin struct {
	TxID  string  `json:"txid"`
	Vout  uint32  `json:"vout"`
	Addr  string  `json:"addr"`
	Value float64 `json:"value"`
}

type Vout struct {
	Value        string       `json:"value"`
	N            uint32       `json:"n"`
	ScriptPubKey ScriptPubKey `json:"scriptPubKey"`
}

type ScriptPubKey struct {
	Hex       string   `json:"hex"`
	Addresses []string `json:"addresses"`
}

// Addresses lists every address the transaction spends from or pays to.
func (t *Transaction) Addresses() []string {
	var out []string
	for _, in := range t.Vin {
		if in.Addr != "" {
			out = append(out, in.Addr)
		}
	}
	for _, o := range t.Vout {
		out = append(out, o.ScriptPubKey.Addresses...)
	}
	return out
}

// UTXO is an unspent output as reported by /api/addrs/utxo.
type UTXO struct {
	Address       string  `json:"address"`
	TxID          string  `json:"txid"`
	Vout          uint32  `json:"vout"`
	ScriptPubKey  string  `json:"scriptPubKey"`
	Amount        float64 `json:"amount"`
	Satoshis      int64   `json:"satoshis,omitempty"`
	Confirmations int64   `json:"confirmations"`
}

type addressInfo struct {
	Transactions []string `json:"transactions"`
}

// doRequest performs an HTTP request with retries on transport errors.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	u := c.cfg.URL + path

	var lastErr error
	for i := 0; i <= c.cfg.MaxRetries; i++ {
		var r io.Reader
		if body != nil {
			r = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, r)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.cfg.HTTPClient.Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if i == c.cfg.MaxRetries {
			break
		}
		c.log.Debug("explorer request failed, retrying", zap.String("path", path), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", c.cfg.MaxRetries+1, lastErr)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = b
	}
	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// Broadcast submits a raw transaction hex and returns its txid.
func (c *Client) Broadcast(ctx context.Context, rawTx string) (string, error) {
	if rawTx == "" {
		return "", ErrEmptyRawTx
	}
	var resp struct {
		TxID string `json:"txid"`
	}
	err := c.do(ctx, http.MethodPost, "/api/tx/send", map[string]string{"rawtx": rawTx}, &resp)
	if err != nil {
		return "", err
	}
	c.log.Info("transaction broadcast", zap.String("txid", resp.TxID))
	return resp.TxID, nil
}

// BroadcastTx serializes tx and broadcasts it.
func (c *Client) BroadcastTx(ctx context.Context, tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("serialize tx: %w", err)
	}
	return c.Broadcast(ctx, hex.EncodeToString(buf.Bytes()))
}

func (c *Client) GetTransaction(ctx context.Context, txid string) (*Transaction, error) {
	var tx Transaction
	if err := c.do(ctx, http.MethodGet, "/api/tx/"+url.PathEscape(txid), nil, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (c *Client) transactionIDs(ctx context.Context, addr string) ([]string, error) {
	var info addressInfo
	if err := c.do(ctx, http.MethodGet, "/api/addr/"+url.PathEscape(addr), nil, &info); err != nil {
		return nil, err
	}
	return info.Transactions, nil
}

// GetTransactions fetches every transaction touching the given addresses.
// Each transaction is fetched once, in first-seen address order.
func (c *Client) GetTransactions(ctx context.Context, addresses []string) ([]*Transaction, error) {
	if len(addresses) == 0 {
		return nil, nil
	}

	perAddr := make([][]string, len(addresses))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for i, addr := range addresses {
		g.Go(func() error {
			ids, err := c.transactionIDs(gctx, addr)
			if err != nil {
				return err
			}
			perAddr[i] = ids
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var txids []string
	for _, ids := range perAddr {
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			txids = append(txids, id)
		}
	}

	txs := make([]*Transaction, len(txids))
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for i, id := range txids {
		g.Go(func() error {
			tx, err := c.GetTransaction(gctx, id)
			if err != nil {
				return err
			}
			txs[i] = tx
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return txs, nil
}

// GetUnspent lists unspent outputs of the given addresses.
func (c *Client) GetUnspent(ctx context.Context, addresses []string) ([]UTXO, error) {
	if len(addresses) == 0 {
		return nil, ErrNoAddresses
	}
	var utxos []UTXO
	req := map[string]string{"addrs": strings.Join(addresses, ",")}
	if err := c.do(ctx, http.MethodPost, "/api/addrs/utxo", req, &utxos); err != nil {
		return nil, err
	}
	return utxos, nil
}

// GetActivity reports, per address, whether any transaction touches it.
func (c *Client) GetActivity(ctx context.Context, addresses []string) ([]bool, error) {
	txs, err := c.GetTransactions(ctx, addresses)
	if err != nil {
		return nil, err
	}
	index := make(map[string]int, len(addresses))
	for i, a := range addresses {
		if _, ok := index[a]; !ok {
			index[a] = i
		}
	}
	active := make([]bool, len(addresses))
	for _, tx := range txs {
		for _, a := range tx.Addresses() {
			if i, ok := index[a]; ok {
				active[i] = true
			}
		}
	}
	return active, nil
}
