// Package insight talks to an Insight block explorer: it follows address
// and block notifications over the explorer's event socket and wraps the
// REST endpoints a wallet needs.
package insight

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"go.uber.org/zap"

	"copaynet/internal/event"
	"copaynet/internal/link"
	"copaynet/internal/transport"
)

const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
	EventReconnect  = "reconnect"
	EventBlock      = "block"
	EventTx         = "tx"

	NetworkLivenet = "livenet"
	NetworkTestnet = "testnet"

	DefaultRequestTimeout = 30 * time.Second
	DefaultMaxRetries     = 2
	DefaultWorkers        = 8
)

var (
	ErrDestroyed   = errors.New("insight client destroyed")
	ErrBadAddress  = errors.New("bad address")
	ErrUnknownNet  = errors.New("unknown network")
	ErrEmptyRawTx  = errors.New("empty raw transaction")
	ErrNoAddresses = errors.New("no addresses")
)

// Config holds the explorer endpoint and client knobs.
type Config struct {
	// URL is the explorer base URL, e.g. https://insight.bitpay.com.
	URL string

	// Network selects the address params: livenet or testnet.
	Network string

	RequestTimeout time.Duration
	MaxRetries     int

	// Workers bounds concurrent requests in batch lookups.
	Workers int

	HTTPClient *http.Client
	Logger     *zap.Logger
}

func (c *Config) applyDefaults() {
	c.URL = strings.TrimRight(c.URL, "/")
	if c.Network == "" {
		c.Network = NetworkLivenet
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.RequestTimeout}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Params maps an explorer network name to chain params.
func Params(network string) (*chaincfg.Params, error) {
	switch network {
	case NetworkLivenet, "mainnet", "":
		return &chaincfg.MainNetParams, nil
	case NetworkTestnet, "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownNet, network)
	}
}

// Tx is a notification that a subscribed address saw a transaction.
type Tx struct {
	Address string
	TxID    string
}

// Client is safe for concurrent use.
type Client struct {
	cfg    Config
	params *chaincfg.Params
	log    *zap.Logger
	events *event.Emitter
	link   *link.Link

	mu         sync.Mutex
	subscribed map[string]struct{}
}

// New wires a client to sock. The socket should not be open yet so that
// no lifecycle event is missed.
func New(cfg Config, sock transport.Socket) (*Client, error) {
	cfg.applyDefaults()
	params, err := Params(cfg.Network)
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:        cfg,
		params:     params,
		log:        cfg.Logger.Named("insight"),
		events:     event.NewEmitter(),
		subscribed: make(map[string]struct{}),
	}
	c.link = link.New(sock, link.Hooks{
		OnConnect: func() { c.events.Publish(EventConnect, 0) },
		OnDisconnect: func(reason string) {
			c.log.Debug("explorer socket lost", zap.String("reason", reason))
			c.events.Publish(EventDisconnect)
		},
		OnReconnect: func(attempt int) { c.events.Publish(EventReconnect, attempt) },
		OnBlock:     func(hash string) { c.events.Publish(EventBlock, hash) },
	}, c.log)
	return c, nil
}

func (c *Client) Status() link.Status {
	return c.link.Status()
}

// ValidateAddress checks addr decodes for the configured network.
func (c *Client) ValidateAddress(addr string) error {
	decoded, err := btcutil.DecodeAddress(addr, c.params)
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrBadAddress, addr, err)
	}
	if !decoded.IsForNet(c.params) {
		return fmt.Errorf("%w %q: not a %s address", ErrBadAddress, addr, c.cfg.Network)
	}
	return nil
}

// Subscribe follows transactions touching the given addresses. Nothing is
// subscribed unless every address is valid. Known addresses are skipped.
func (c *Client) Subscribe(addresses ...string) error {
	for _, addr := range addresses {
		if err := c.ValidateAddress(addr); err != nil {
			return err
		}
	}
	if c.link.Status() == link.StatusDestroyed {
		return ErrDestroyed
	}
	for _, addr := range addresses {
		c.mu.Lock()
		_, known := c.subscribed[addr]
		c.subscribed[addr] = struct{}{}
		c.mu.Unlock()
		if known {
			continue
		}
		c.log.Debug("subscribe", zap.String("address", addr))
		c.link.Subscribe(addr, c.txHandler(addr))
	}
	return nil
}

func (c *Client) txHandler(addr string) transport.Handler {
	return func(data json.RawMessage) {
		var txid string
		if err := json.Unmarshal(data, &txid); err != nil {
			c.log.Debug("bad tx notification", zap.String("address", addr), zap.Error(err))
			return
		}
		c.mu.Lock()
		_, ok := c.subscribed[addr]
		c.mu.Unlock()
		if !ok {
			return
		}
		c.events.Publish(EventTx, Tx{Address: addr, TxID: txid})
	}
}

// Subscriptions lists subscribed addresses in subscription order.
func (c *Client) Subscriptions() []string {
	return c.link.Subscriptions()
}

func (c *Client) OnConnect(h func()) *event.Subscription {
	return c.events.Subscribe(EventConnect, func(...any) { h() })
}

func (c *Client) OnDisconnect(h func()) *event.Subscription {
	return c.events.Subscribe(EventDisconnect, func(...any) { h() })
}

func (c *Client) OnReconnect(h func(attempt int)) *event.Subscription {
	return c.events.Subscribe(EventReconnect, func(args ...any) {
		attempt, _ := args[0].(int)
		h(attempt)
	})
}

func (c *Client) OnBlock(h func(hash string)) *event.Subscription {
	return c.events.Subscribe(EventBlock, func(args ...any) {
		hash, _ := args[0].(string)
		h(hash)
	})
}

func (c *Client) OnTx(h func(Tx)) *event.Subscription {
	return c.events.Subscribe(EventTx, func(args ...any) {
		tx, _ := args[0].(Tx)
		h(tx)
	})
}

// Destroy closes the socket and drops every subscription and handler.
func (c *Client) Destroy() {
	c.link.Destroy()
	c.mu.Lock()
	c.subscribed = make(map[string]struct{})
	c.mu.Unlock()
	c.events.UnsubscribeAll()
}
