// Package config defines the command line and environment settings of the
// copaynet binaries.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"copaynet/internal/crypto"
	"copaynet/internal/identity"
	"copaynet/internal/logging"
	"copaynet/internal/metrics"
	"copaynet/internal/network"
	"copaynet/internal/relay"
)

// EnvFiles are tried in order by LoadEnv. Variables already set win.
var EnvFiles = []string{".env", "../.env"}

// LoadEnv loads the first readable env file and returns its path, or ""
// when none was found.
func LoadEnv(paths ...string) string {
	if len(paths) == 0 {
		paths = EnvFiles
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err == nil {
			return p
		}
	}
	return ""
}

// Common holds settings shared by both binaries.
type Common struct {
	LogLevel    string `long:"log-level" env:"COPAY_LOG_LEVEL" default:"info" description:"debug, info, warn or error"`
	Pprof       string `long:"pprof" env:"COPAY_PPROF" description:"serve pprof on this address; empty disables"`
	PprofPublic bool   `long:"pprof-public" env:"COPAY_PPROF_ALLOW_PUBLIC" description:"allow pprof on a non-loopback address"`
}

func (c *Common) Logger() (*zap.Logger, error) {
	return logging.New(c.LogLevel)
}

func (c *Common) validate() error {
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Pprof != "" {
		if _, _, err := net.SplitHostPort(c.Pprof); err != nil {
			return fmt.Errorf("pprof address %q: %w", c.Pprof, err)
		}
	}
	return nil
}

// Relay configures copay-relay.
type Relay struct {
	Common

	Listen        string        `long:"listen" env:"COPAY_RELAY_LISTEN" default:":3001" description:"HTTP and websocket listen address"`
	QUICListen    string        `long:"quic-listen" env:"COPAY_RELAY_QUIC_LISTEN" description:"QUIC listen address; empty disables"`
	MailboxTTL    time.Duration `long:"mailbox-ttl" env:"COPAY_RELAY_MAILBOX_TTL" default:"24h" description:"how long undelivered envelopes are kept"`
	MailboxDepth  int           `long:"mailbox-depth" env:"COPAY_RELAY_MAILBOX_DEPTH" default:"500" description:"envelopes kept per recipient"`
	Rate          float64       `long:"rate" env:"COPAY_RELAY_RATE" default:"50" description:"events per second per session; 0 is unlimited"`
	Burst         int           `long:"burst" env:"COPAY_RELAY_BURST" default:"100" description:"event burst per session"`
	MaxConnsPerIP int           `long:"max-conns-per-ip" env:"COPAY_RELAY_MAX_CONNS_PER_IP" default:"32" description:"concurrent sessions per remote IP; 0 is unlimited"`
}

func (r *Relay) Validate() error {
	if err := r.Common.validate(); err != nil {
		return err
	}
	if _, _, err := net.SplitHostPort(r.Listen); err != nil {
		return fmt.Errorf("listen address %q: %w", r.Listen, err)
	}
	if r.QUICListen != "" {
		if _, _, err := net.SplitHostPort(r.QUICListen); err != nil {
			return fmt.Errorf("quic listen address %q: %w", r.QUICListen, err)
		}
	}
	switch {
	case r.MailboxTTL <= 0:
		return errors.New("mailbox-ttl must be positive")
	case r.MailboxDepth <= 0:
		return errors.New("mailbox-depth must be positive")
	case r.Rate < 0:
		return errors.New("rate must not be negative")
	case r.Burst <= 0:
		return errors.New("burst must be positive")
	case r.MaxConnsPerIP < 0:
		return errors.New("max-conns-per-ip must not be negative")
	}
	return nil
}

// ServerConfig maps the flags onto the relay server.
func (r *Relay) ServerConfig(log *zap.Logger, reg *prometheus.Registry) relay.ServerConfig {
	return relay.ServerConfig{
		Listen:        r.Listen,
		QUICListen:    r.QUICListen,
		MaxConnsPerIP: r.MaxConnsPerIP,
		Rate:          r.Rate,
		Burst:         r.Burst,
		Hub: relay.HubConfig{
			MailboxTTL:   r.MailboxTTL,
			MailboxDepth: r.MailboxDepth,
		},
		Registry: reg,
		Logger:   log,
	}
}

// Peer configures the relay connection of copay-peer.
type Peer struct {
	Common

	Host      string `long:"host" env:"COPAY_HOST" default:"localhost" description:"relay host"`
	Port      int    `long:"port" env:"COPAY_PORT" default:"3001" description:"relay port"`
	Schema    string `long:"schema" env:"COPAY_SCHEMA" default:"https" choice:"http" choice:"https" description:"relay schema"`
	Transport string `long:"transport" env:"COPAY_TRANSPORT" default:"ws" choice:"ws" choice:"quic" description:"relay transport"`
	Insecure  bool   `long:"insecure" env:"COPAY_INSECURE" description:"skip relay certificate verification"`
	CAPath    string `long:"ca" env:"COPAY_CA" description:"PEM file with the relay CA"`
	MaxPeers  int    `long:"max-peers" env:"COPAY_MAX_PEERS" default:"12" description:"routing table size"`

	PrivKey       string `long:"privkey" env:"COPAY_PRIVKEY" description:"hex private key"`
	KeyDir        string `long:"key-dir" env:"COPAY_KEY_DIR" description:"directory with priv.hex and pub.hex written by keygen --out"`
	CopayerID     string `long:"copayer-id" env:"COPAY_COPAYER_ID" description:"own copayer id; derived from the key when empty"`
	LastTimestamp int64  `long:"last-timestamp" env:"COPAY_LAST_TIMESTAMP" description:"sync envelopes newer than this (ms)"`
}

func (p *Peer) Validate() error {
	if err := p.Common.validate(); err != nil {
		return err
	}
	switch {
	case p.Host == "":
		return errors.New("host is required")
	case p.Port <= 0 || p.Port > 65535:
		return fmt.Errorf("bad port %d", p.Port)
	case p.MaxPeers <= 0:
		return errors.New("max-peers must be positive")
	case p.LastTimestamp < 0:
		return errors.New("last-timestamp must not be negative")
	}
	if p.KeyDir != "" {
		if p.PrivKey != "" {
			return errors.New("give --privkey or --key-dir, not both")
		}
		if err := p.loadKeyDir(); err != nil {
			return err
		}
	}
	if p.PrivKey == "" {
		return network.ErrMissingPrivKey
	}
	m := identity.NewManager()
	if err := m.SetPrivKey(p.PrivKey); err != nil {
		return err
	}
	pub, err := m.PublicHex()
	if err != nil {
		return fmt.Errorf("privkey: %w", err)
	}
	if p.CopayerID == "" {
		p.CopayerID = pub
	}
	if _, err := m.SetCopayerID(p.CopayerID); err != nil {
		return err
	}
	return nil
}

func (p *Peer) loadKeyDir() error {
	pub, priv, err := crypto.LoadKeypair(p.KeyDir)
	if err != nil {
		return fmt.Errorf("key dir: %w", err)
	}
	p.PrivKey = hex.EncodeToString(priv)
	if p.CopayerID == "" {
		p.CopayerID = hex.EncodeToString(pub)
	}
	return nil
}

// NetworkConfig maps the flags onto a Network.
func (p *Peer) NetworkConfig(log *zap.Logger, reg prometheus.Registerer) network.Config {
	cfg := network.Config{
		MaxPeers:  p.MaxPeers,
		Host:      p.Host,
		Port:      p.Port,
		Schema:    p.Schema,
		Transport: p.Transport,
		Insecure:  p.Insecure,
		CAPath:    p.CAPath,
		Clock:     clock.NewDefaultClock(),
		Logger:    log,
	}
	if reg != nil {
		cfg.Metrics = metrics.NewPeer(reg)
	}
	return cfg
}

func (p *Peer) StartOptions() network.StartOptions {
	return network.StartOptions{
		PrivKey:       p.PrivKey,
		CopayerID:     p.CopayerID,
		LastTimestamp: p.LastTimestamp,
	}
}

// Parse fills cfg from args and the environment, then validates it when
// cfg has a Validate method. Remaining arguments are returned.
func Parse(cfg any, args []string) ([]string, error) {
	parser := flags.NewParser(cfg, flags.HelpFlag|flags.PassDoubleDash)
	rest, err := parser.ParseArgs(args)
	if err != nil {
		return nil, err
	}
	if v, ok := cfg.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return nil, err
		}
	}
	return rest, nil
}

// IsHelp reports whether err is the go-flags help request.
func IsHelp(err error) bool {
	var ferr *flags.Error
	return errors.As(err, &ferr) && ferr.Type == flags.ErrHelp
}
