package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"copaynet/internal/crypto"
	"copaynet/internal/identity"
	"copaynet/internal/relay"
	"copaynet/internal/store"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func keygen(t *testing.T, args ...string) map[string]string {
	t.Helper()
	var stdout, stderr bytes.Buffer
	require.Zero(t, run(context.Background(), append([]string{"keygen"}, args...), &stdout, &stderr), stderr.String())
	out := make(map[string]string)
	sc := bufio.NewScanner(&stdout)
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), "=")
		require.True(t, ok)
		out[k] = v
	}
	return out
}

func TestKeygen(t *testing.T) {
	keys := keygen(t)
	require.Len(t, keys["privkey"], 64)
	peerID, err := identity.PeerFromCopayer(keys["copayer_id"])
	require.NoError(t, err)
	require.Equal(t, peerID, keys["peer_id"])
}

func TestKeygenRestoresMnemonic(t *testing.T) {
	first := keygen(t)
	require.Len(t, strings.Fields(first["mnemonic"]), 24)
	require.True(t, strings.HasPrefix(first["xprv"], "xprv"))

	again := keygen(t, "--mnemonic", first["mnemonic"])
	require.Equal(t, first, again)

	fromKey := keygen(t, "--xprv", first["xprv"])
	require.Equal(t, first["copayer_id"], fromKey["copayer_id"])
	require.Empty(t, fromKey["mnemonic"])

	raw := keygen(t, "--raw")
	require.Empty(t, raw["mnemonic"])
	require.Len(t, raw["privkey"], 64)

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"keygen", "--raw", "--mnemonic", first["mnemonic"]}, &stdout, &stderr)
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "exclusive")
}

func TestKeygenOutFeedsKeyDir(t *testing.T) {
	t.Setenv("COPAY_PRIVKEY", "")
	dir := t.TempDir()
	keys := keygen(t, "--network", "testnet", "--out", dir)
	require.True(t, strings.HasPrefix(keys["xprv"], "tprv"))

	pub, priv, err := crypto.LoadKeypair(dir)
	require.NoError(t, err)
	require.Equal(t, keys["copayer_id"], hex.EncodeToString(pub))
	require.Equal(t, keys["privkey"], hex.EncodeToString(priv))

	// The key loads, so run gets as far as checking its own flags.
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"run", "--key-dir", dir, "--lock"}, &stdout, &stderr)
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "--lock")
}

func TestRunNeedsKey(t *testing.T) {
	t.Setenv("COPAY_PRIVKEY", "")
	var stdout, stderr bytes.Buffer
	require.Equal(t, 1, run(context.Background(), []string{"run"}, &stdout, &stderr))
	require.Contains(t, stderr.String(), "private key")
}

func TestRunRejectsLockWithoutGreet(t *testing.T) {
	keys := keygen(t)
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"run", "--privkey", keys["privkey"], "--lock"}, &stdout, &stderr)
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "--lock")
}

func TestUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.Equal(t, 1, run(context.Background(), []string{"dance"}, &stdout, &stderr))
}

func startRelay(t *testing.T) (port string, stop func()) {
	t.Helper()
	srv := relay.NewServer(relay.ServerConfig{Listen: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Run(ctx) }()
	<-srv.Ready()
	_, port, err := net.SplitHostPort(srv.Addr().String())
	require.NoError(t, err)
	return port, func() {
		cancel()
		require.NoError(t, <-errc)
	}
}

func TestTwoCopayersExchangeNotes(t *testing.T) {
	port, stopRelay := startRelay(t)
	a, b := keygen(t), keygen(t)
	common := []string{"--host", "127.0.0.1", "--port", port, "--schema", "http", "--log-level", "error"}

	var aOut, bOut lockedBuffer
	var stderr lockedBuffer
	peerCtx, stopPeers := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		args := append([]string{"run", "--privkey", a["privkey"], "--lock", "--greet", b["copayer_id"]}, common...)
		run(peerCtx, args, &aOut, &stderr)
	}()
	go func() {
		defer wg.Done()
		args := append([]string{"run", "--privkey", b["privkey"], "--greet", a["copayer_id"], "--message", "hi"}, common...)
		run(peerCtx, args, &bOut, &stderr)
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(aOut.String(), `"text":"hi"`)
	}, 10*time.Second, 20*time.Millisecond, stderr.String())
	stopPeers()
	wg.Wait()

	var line received
	require.NoError(t, json.Unmarshal([]byte(strings.SplitN(aOut.String(), "\n", 2)[0]), &line))
	require.Equal(t, b["copayer_id"], line.From)
	require.Equal(t, b["peer_id"], line.PeerID)
	require.Equal(t, "note", line.Payload.Type())

	stopRelay()
}

func TestStateCheckpointSurvivesRuns(t *testing.T) {
	port, stopRelay := startRelay(t)
	defer stopRelay()
	keys := keygen(t)
	state := t.TempDir() + "/state.jsonl"
	args := []string{"run", "--privkey", keys["privkey"], "--state", state,
		"--host", "127.0.0.1", "--port", port, "--schema", "http",
		"--log-level", "error", "--duration", "300ms", "--last-timestamp", "42"}

	var stdout, stderr bytes.Buffer
	require.Zero(t, run(context.Background(), args, &stdout, &stderr), stderr.String())

	st, err := store.New(state)
	require.NoError(t, err)
	cp, ok, err := st.Load(keys["copayer_id"])
	require.NoError(t, err)
	require.True(t, ok)
	require.GreaterOrEqual(t, cp.LastTimestamp, int64(42))

	// The second run resumes from the journal without the flag.
	args = args[:len(args)-2]
	require.Zero(t, run(context.Background(), args, &stdout, &stderr), stderr.String())
	cp, ok, err = st.Load(keys["copayer_id"])
	require.NoError(t, err)
	require.True(t, ok)
	require.GreaterOrEqual(t, cp.LastTimestamp, int64(42))
}
