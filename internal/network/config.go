package network

import (
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"go.uber.org/zap"

	"copaynet/internal/metrics"
	"copaynet/internal/peer"
	"copaynet/internal/transport"
)

const (
	DefaultHost        = "localhost"
	DefaultPort        = 3001
	DefaultSchema      = "https"
	DefaultSyncRetries = 5
	DefaultSyncBackoff = 500 * time.Millisecond
)

// DialFunc opens the relay socket.
type DialFunc func(o transport.Options, log *zap.Logger) (transport.Socket, error)

// Config holds the settings that outlive a session.
type Config struct {
	MaxPeers  int
	Host      string
	Port      int
	Schema    string
	Transport string
	Insecure  bool
	CAPath    string

	SyncRetries int
	SyncBackoff time.Duration

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Peer
	Dial    DialFunc
}

// StartOptions describe one session.
type StartOptions struct {
	PrivKey   string
	CopayerID string
	// LastTimestamp is the newest envelope timestamp the caller already
	// processed; the relay replays anything newer.
	LastTimestamp int64
	// MaxPeers overrides Config.MaxPeers when set.
	MaxPeers int
}

func (c *Config) applyDefaults() {
	if c.MaxPeers <= 0 {
		c.MaxPeers = peer.DefaultMaxPeers
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Schema == "" {
		c.Schema = DefaultSchema
	}
	if c.SyncRetries <= 0 {
		c.SyncRetries = DefaultSyncRetries
	}
	if c.SyncBackoff <= 0 {
		c.SyncBackoff = DefaultSyncBackoff
	}
	if c.Clock == nil {
		c.Clock = clock.NewDefaultClock()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Dial == nil {
		c.Dial = func(o transport.Options, log *zap.Logger) (transport.Socket, error) {
			return transport.Dial(o, log)
		}
	}
}

func (c *Config) transportOptions() transport.Options {
	return transport.Options{
		Schema:    c.Schema,
		Host:      c.Host,
		Port:      c.Port,
		Transport: c.Transport,
		Insecure:  c.Insecure,
		CAPath:    c.CAPath,
	}
}
