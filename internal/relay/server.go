package relay

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"copaynet/internal/metrics"
	"copaynet/internal/transport"
)

const (
	DefaultListen        = ":3001"
	DefaultMaxConnsPerIP = 32
	DefaultRate          = 50
	DefaultBurst         = 100
	shutdownTimeout      = 5 * time.Second
)

type ServerConfig struct {
	Listen string
	// QUICListen enables the QUIC listener when set.
	QUICListen string
	// TLSConfig is used for QUIC; the development certificate when nil.
	TLSConfig *tls.Config

	MaxConnsPerIP int
	// Rate and Burst bound inbound events per session; Rate <= 0 is
	// unlimited.
	Rate  float64
	Burst int

	PingInterval time.Duration
	Hub          HubConfig
	Registry     *prometheus.Registry
	Logger       *zap.Logger
}

func (c *ServerConfig) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Burst <= 0 {
		c.Burst = DefaultBurst
	}
	if c.PingInterval <= 0 {
		c.PingInterval = transport.DefaultPingInterval
	}
	if c.Registry == nil {
		c.Registry = prometheus.NewRegistry()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

type Server struct {
	cfg      ServerConfig
	log      *zap.Logger
	hub      *Hub
	lim      *limiter
	metrics  *metrics.Relay
	upgrader websocket.Upgrader

	mu       sync.Mutex
	addr     net.Addr
	quicAddr net.Addr
	ready    chan struct{}
}

func NewServer(cfg ServerConfig) *Server {
	cfg.applyDefaults()
	m := cfg.Hub.Metrics
	if m == nil {
		m = metrics.NewRelay(cfg.Registry)
		cfg.Hub.Metrics = m
	}
	if cfg.Hub.Logger == nil {
		cfg.Hub.Logger = cfg.Logger
	}
	return &Server{
		cfg:     cfg,
		log:     cfg.Logger.Named("relay"),
		hub:     NewHub(cfg.Hub),
		lim:     newLimiter(cfg.MaxConnsPerIP, cfg.Rate, cfg.Burst),
		metrics: m,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ready: make(chan struct{}),
	}
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// Ready is closed once every listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr is the bound HTTP address; nil before Ready.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) QUICAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quicAddr
}

// Handler serves the websocket endpoint, notifications, health and
// metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(transport.SocketPath, s.handleSocket)
	mux.HandleFunc("/notify", s.handleNotify)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "sessions": s.hub.Sessions()})
	})
	mux.Handle("/metrics", metrics.Handler(s.cfg.Registry))
	return mux
}

// Run serves until ctx ends, then closes every session.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	var qln *quic.Listener
	if s.cfg.QUICListen != "" {
		tlsConf := s.cfg.TLSConfig
		if tlsConf == nil {
			if tlsConf, err = transport.DevServerTLS(); err != nil {
				_ = ln.Close()
				return err
			}
		}
		if qln, err = transport.ListenQUIC(s.cfg.QUICListen, tlsConf); err != nil {
			_ = ln.Close()
			return fmt.Errorf("quic listen %s: %w", s.cfg.QUICListen, err)
		}
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	if qln != nil {
		s.quicAddr = qln.Addr()
	}
	s.mu.Unlock()
	close(s.ready)

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.log.Info("relay listening", zap.Stringer("addr", ln.Addr()), zap.String("quic", s.cfg.QUICListen))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if qln != nil {
		g.Go(func() error { return s.serveQUIC(gctx, qln) })
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.hub.Close()
		err := srv.Shutdown(sctx)
		if qln != nil {
			_ = qln.Close()
		}
		return err
	})
	return g.Wait()
}

func (s *Server) serveQUIC(ctx context.Context, ln *quic.Listener) error {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go func() {
			remote := conn.RemoteAddr().String()
			qc, err := transport.AcceptQUIC(ctx, conn)
			if err != nil {
				s.log.Debug("quic stream", zap.String("remote", remote), zap.Error(err))
				_ = conn.CloseWithError(0, "no stream")
				return
			}
			s.serve(ctx, qc, remote)
		}()
	}
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r.RemoteAddr)
	if !s.lim.acquireConn(ip) {
		s.metrics.ObserveLimited("ip")
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	defer s.lim.releaseConn(ip)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", zap.Error(err))
		return
	}
	s.serveSession(r.Context(), transport.NewWSConn(ws, s.cfg.PingInterval), r.RemoteAddr)
}

func (s *Server) serve(ctx context.Context, conn transport.Conn, remote string) {
	ip := remoteIP(remote)
	if !s.lim.acquireConn(ip) {
		s.metrics.ObserveLimited("ip")
		_ = conn.Close()
		return
	}
	defer s.lim.releaseConn(ip)
	s.serveSession(ctx, conn, remote)
}

func (s *Server) serveSession(ctx context.Context, conn transport.Conn, remote string) {
	err := s.hub.Serve(ctx, conn, remote, s.lim.sessionBucket())
	if err != nil && !errors.Is(err, ErrSessionClosed) && ctx.Err() == nil {
		s.log.Debug("session ended", zap.String("remote", remote), zap.Error(err))
	}
}

// notifyRequest carries either a block hash or an address/txid pair.
type notifyRequest struct {
	Block   string `json:"block,omitempty"`
	Address string `json:"address,omitempty"`
	TxID    string `json:"txid,omitempty"`
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req notifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	var n int
	switch {
	case req.Block != "":
		n = s.hub.PublishBlock(req.Block)
	case req.Address != "" && req.TxID != "":
		n = s.hub.PublishTx(req.Address, req.TxID)
	default:
		http.Error(w, "need block or address and txid", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"notified": n})
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
