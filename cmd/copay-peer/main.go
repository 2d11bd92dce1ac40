package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"copaynet/internal/config"
	"copaynet/internal/crypto"
	"copaynet/internal/identity"
	"copaynet/internal/insight"
	"copaynet/internal/logging"
	"copaynet/internal/network"
	"copaynet/internal/pprofutil"
	"copaynet/internal/proto"
	"copaynet/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	config.LoadEnv()
	out := &syncWriter{w: stdout}
	parser := flags.NewParser(&struct{}{}, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.AddCommand("keygen",
		"Generate a copayer key",
		"Print a copayer identity derived from a new or given wallet "+
			"master key, with its copayer and peer ids",
		&keygenCommand{out: out}); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if _, err := parser.AddCommand("run",
		"Join the relay as a copayer",
		"Connect to the relay, greet the given copayers and print every "+
			"message received as one JSON line",
		&runCommand{ctx: ctx, out: out}); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	if _, err := parser.ParseArgs(args); err != nil {
		if config.IsHelp(err) {
			fmt.Fprintln(stdout, err)
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

type keygenCommand struct {
	Raw      bool   `long:"raw" description:"bare random key instead of a wallet derived one"`
	Mnemonic string `long:"mnemonic" env:"COPAY_MNEMONIC" description:"restore the identity of this BIP39 mnemonic"`
	XPrv     string `long:"xprv" env:"COPAY_XPRV" description:"restore the identity of this extended private key"`
	Network  string `long:"network" default:"livenet" choice:"livenet" choice:"testnet" choice:"regtest" description:"network of a generated master key"`
	Out      string `long:"out" description:"also write priv.hex and pub.hex to this directory, for run --key-dir"`

	out io.Writer
}

func (c *keygenCommand) Execute(_ []string) error {
	var sources int
	for _, set := range []bool{c.Raw, c.Mnemonic != "", c.XPrv != ""} {
		if set {
			sources++
		}
	}
	if sources > 1 {
		return errors.New("--raw, --mnemonic and --xprv are exclusive")
	}

	var k identity.HDKey
	switch {
	case c.Raw:
		priv, copayerID, err := identity.Generate()
		if err != nil {
			return err
		}
		k = identity.HDKey{PrivKey: priv, CopayerID: copayerID}
	case c.XPrv != "":
		var err error
		if k, err = identity.FromExtendedKey(c.XPrv); err != nil {
			return err
		}
	default:
		params, err := insight.Params(c.Network)
		if err != nil {
			return err
		}
		if c.Mnemonic != "" {
			k, err = identity.FromMnemonic(c.Mnemonic, params)
		} else {
			k, err = identity.GenerateHD(params)
		}
		if err != nil {
			return err
		}
	}

	peerID, err := identity.PeerFromCopayer(k.CopayerID)
	if err != nil {
		return err
	}
	if c.Out != "" {
		if err := saveKeys(c.Out, k); err != nil {
			return err
		}
	}
	if k.Mnemonic != "" {
		fmt.Fprintf(c.out, "mnemonic=%s\n", k.Mnemonic)
	}
	if k.ExtendedKey != "" {
		fmt.Fprintf(c.out, "xprv=%s\n", k.ExtendedKey)
	}
	fmt.Fprintf(c.out, "privkey=%s\ncopayer_id=%s\npeer_id=%s\n", k.PrivKey, k.CopayerID, peerID)
	return nil
}

func saveKeys(dir string, k identity.HDKey) error {
	priv, err := hex.DecodeString(k.PrivKey)
	if err != nil {
		return err
	}
	pub, err := hex.DecodeString(k.CopayerID)
	if err != nil {
		return err
	}
	return crypto.SaveKeypair(dir, pub, priv)
}

type runCommand struct {
	config.Peer

	Greet    []string      `long:"greet" description:"copayer id to greet; repeatable"`
	Lock     bool          `long:"lock" description:"only accept hellos from the greeted copayers"`
	Message  string        `long:"message" description:"text sent to every copayer that connects"`
	Duration time.Duration `long:"duration" description:"leave after this long; 0 runs until interrupted"`
	State    string        `long:"state" env:"COPAY_STATE" description:"checkpoint journal; resumes nonces and sync position across runs"`

	ctx context.Context
	out io.Writer
}

// received is the line printed for each message.
type received struct {
	From      string        `json:"from"`
	PeerID    string        `json:"peer_id"`
	Timestamp int64         `json:"ts"`
	Payload   proto.Payload `json:"payload"`
}

func (c *runCommand) Execute(_ []string) error {
	if err := c.Peer.Validate(); err != nil {
		return err
	}
	for _, id := range c.Greet {
		if _, err := identity.PeerFromCopayer(id); err != nil {
			return err
		}
	}
	if c.Lock && len(c.Greet) == 0 {
		return errors.New("--lock needs at least one --greet")
	}
	log, err := c.Logger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	prof, err := pprofutil.Start(c.Pprof, c.PprofPublic, log)
	if err != nil {
		return err
	}
	defer prof.Close()

	ctx := c.ctx
	if c.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Duration)
		defer cancel()
	}

	n := network.New(c.NetworkConfig(log, prometheus.NewRegistry()))
	defer n.CleanUp()
	c.wire(n, log)
	if c.Lock {
		n.LockIncomingConnections(c.Greet)
	}

	opts := c.StartOptions()
	var st *store.Store
	if c.State != "" {
		if st, err = store.New(c.State); err != nil {
			return err
		}
		if err := resume(st, c.CopayerID, n, &opts); err != nil {
			return err
		}
	}

	ready := func() {
		for _, id := range c.Greet {
			if err := n.Greet(id); err != nil {
				log.Warn("greet failed", zap.String("copayer", logging.Short(id)), zap.Error(err))
			}
		}
	}
	if err := n.Start(opts, ready); err != nil {
		return err
	}
	log.Info("copayer running",
		zap.String("copayer", n.CopayerID()),
		zap.String("peer", n.PeerID()),
		zap.Int64("since", opts.LastTimestamp))

	<-ctx.Done()
	if st == nil {
		return nil
	}
	// Save before CleanUp wipes the nonce ledger.
	return st.Save(store.Checkpoint{
		CopayerID:     n.CopayerID(),
		LastTimestamp: n.LastTimestamp(),
		Nonce:         n.HexNonce(),
		Nonces:        n.HexNonces(),
	})
}

// resume loads the saved checkpoint of copayerID into n and opts.
func resume(st *store.Store, copayerID string, n *network.Network, opts *network.StartOptions) error {
	cp, ok, err := st.Load(copayerID)
	if err != nil || !ok {
		return err
	}
	if cp.Nonce != "" {
		if err := n.SetHexNonce(cp.Nonce); err != nil {
			return err
		}
	}
	n.SetHexNonces(cp.Nonces)
	if cp.LastTimestamp > opts.LastTimestamp {
		opts.LastTimestamp = cp.LastTimestamp
	}
	return nil
}

func (c *runCommand) wire(n *network.Network, log *zap.Logger) {
	enc := json.NewEncoder(c.out)
	n.OnConnect(func(copayerID string) {
		log.Info("copayer connected", zap.String("copayer", logging.Short(copayerID)))
		if c.Message == "" {
			return
		}
		payload := proto.Payload{"type": "note", "text": c.Message}
		if err := n.Send([]string{copayerID}, payload, nil); err != nil {
			log.Warn("send failed", zap.Error(err))
		}
	})
	n.OnData(func(d network.Data) {
		_ = enc.Encode(received{From: d.CopayerID, PeerID: d.PeerID, Timestamp: d.Timestamp, Payload: d.Payload})
	})
	n.OnDisconnect(func() { log.Warn("relay connection lost") })
	n.OnReconnect(func(attempt int) { log.Info("relay reconnected", zap.Int("attempt", attempt)) })
	n.OnServerError(func(err error) { log.Error("relay sync failing", zap.Error(err)) })
	n.OnBlock(func(hash string) { log.Info("new block", zap.String("hash", hash)) })
	n.OnNoMessages(func() { log.Debug("mailbox empty") })
}
