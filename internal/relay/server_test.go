package relay_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"copaynet/internal/network"
	"copaynet/internal/proto"
	"copaynet/internal/relay"
	"copaynet/internal/testutil"
	"copaynet/internal/transport"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func startServer(t *testing.T, cfg relay.ServerConfig) *relay.Server {
	t.Helper()
	cfg.Listen = "127.0.0.1:0"
	srv := relay.NewServer(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errc)
	})
	select {
	case <-srv.Ready():
	case err := <-errc:
		t.Fatalf("relay failed: %v", err)
	}
	return srv
}

func hostPort(t *testing.T, addr net.Addr) (string, int) {
	t.Helper()
	host, port, err := net.SplitHostPort(addr.String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return host, p
}

type copayer struct {
	*network.Network
	id string

	mu   sync.Mutex
	data []network.Data
}

func (c *copayer) received() []network.Data {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]network.Data(nil), c.data...)
}

func startCopayer(t *testing.T, cfg network.Config) *copayer {
	t.Helper()
	priv, id := testutil.NewCopayer(t)
	c := &copayer{Network: network.New(cfg), id: id}
	c.OnData(func(d network.Data) {
		c.mu.Lock()
		c.data = append(c.data, d)
		c.mu.Unlock()
	})
	online := make(chan struct{})
	require.NoError(t, c.Start(network.StartOptions{PrivKey: priv, CopayerID: id}, func() { close(online) }))
	t.Cleanup(c.CleanUp)
	select {
	case <-online:
	case <-time.After(waitFor):
		t.Fatalf("copayer never came online")
	}
	return c
}

func exchange(t *testing.T, a, b *copayer) {
	t.Helper()
	require.NoError(t, a.Greet(b.id))
	require.Eventually(t, func() bool {
		return len(a.ConnectedCopayers()) == 1 && len(b.ConnectedCopayers()) == 1
	}, waitFor, tick)

	require.NoError(t, b.Send([]string{a.id}, proto.Payload{"type": "walletReady"}, nil))
	require.Eventually(t, func() bool { return len(a.received()) == 1 }, waitFor, tick)
	require.Equal(t, b.id, a.received()[0].CopayerID)
	require.Equal(t, "walletReady", a.received()[0].Payload.Type())
}

func TestCopayersOverWebsocket(t *testing.T) {
	srv := startServer(t, relay.ServerConfig{})
	host, port := hostPort(t, srv.Addr())
	cfg := network.Config{Host: host, Port: port, Schema: "http", Transport: transport.KindWebsocket}

	a := startCopayer(t, cfg)
	b := startCopayer(t, cfg)
	exchange(t, a, b)
	require.Eventually(t, func() bool { return srv.Hub().Sessions() == 2 }, waitFor, tick)
}

func TestCopayersOverQUIC(t *testing.T) {
	srv := startServer(t, relay.ServerConfig{QUICListen: "127.0.0.1:0"})
	host, port := hostPort(t, srv.QUICAddr())
	cfg := network.Config{Host: host, Port: port, Transport: transport.KindQUIC, Insecure: true}

	a := startCopayer(t, cfg)
	b := startCopayer(t, cfg)
	exchange(t, a, b)
}

func TestOfflineCopayerCatchesUp(t *testing.T) {
	srv := startServer(t, relay.ServerConfig{})
	host, port := hostPort(t, srv.Addr())
	cfg := network.Config{Host: host, Port: port, Schema: "http"}

	a := startCopayer(t, cfg)
	priv, id := testutil.NewCopayer(t)

	// a writes to a copayer that is not connected yet.
	require.NoError(t, a.Send([]string{id}, proto.Payload{"type": "hello", "copayerId": a.id}, nil))
	require.NoError(t, a.Send([]string{id}, proto.Payload{"type": "txProposal"}, nil))

	late := network.New(cfg)
	var mu sync.Mutex
	var got []string
	late.OnData(func(d network.Data) {
		mu.Lock()
		got = append(got, d.Payload.Type())
		mu.Unlock()
	})
	require.NoError(t, late.Start(network.StartOptions{PrivKey: priv, CopayerID: id}, nil))
	defer late.CleanUp()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, waitFor, tick)
	require.Equal(t, []string{a.id}, late.ConnectedCopayers())
	mu.Lock()
	require.Equal(t, []string{"txProposal"}, got)
	mu.Unlock()

	// Mailboxed data is delivered even when no hello preceded it.
	priv2, id2 := testutil.NewCopayer(t)
	require.NoError(t, a.Send([]string{id2}, proto.Payload{"type": "signature"}, nil))
	other := network.New(cfg)
	from := make(chan string, 1)
	other.OnData(func(d network.Data) { from <- d.CopayerID })
	require.NoError(t, other.Start(network.StartOptions{PrivKey: priv2, CopayerID: id2}, nil))
	defer other.CleanUp()
	select {
	case c := <-from:
		require.Equal(t, a.id, c)
	case <-time.After(waitFor):
		t.Fatalf("mailboxed data not delivered")
	}
}

func TestNotifyEndpoint(t *testing.T) {
	srv := startServer(t, relay.ServerConfig{})
	host, port := hostPort(t, srv.Addr())
	base := "http://" + net.JoinHostPort(host, strconv.Itoa(port))

	c := startCopayer(t, network.Config{Host: host, Port: port, Schema: "http"})
	blocks := make(chan string, 1)
	c.OnBlock(func(h string) { blocks <- h })

	resp, err := http.Post(base+"/notify", "application/json", strings.NewReader(`{"block":"0000beef"}`))
	require.NoError(t, err)
	var out map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, out["notified"])

	select {
	case h := <-blocks:
		require.Equal(t, "0000beef", h)
	case <-time.After(waitFor):
		t.Fatalf("block not delivered")
	}

	resp, err = http.Post(base+"/notify", "application/json", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(base + "/notify")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	srv := startServer(t, relay.ServerConfig{})
	base := "http://" + srv.Addr().String()

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	require.Equal(t, "ok", health["status"])

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Contains(t, string(body), "copay_relay_sessions")
}

func TestConnectionCapPerIP(t *testing.T) {
	srv := startServer(t, relay.ServerConfig{MaxConnsPerIP: 1})
	host, port := hostPort(t, srv.Addr())
	startCopayer(t, network.Config{Host: host, Port: port, Schema: "http"})

	u, err := transport.URL("http", host, port)
	require.NoError(t, err)
	_, err = transport.WSDialer{URL: u}.Dial(context.Background())
	require.Error(t, err)
}
