package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lightningnetwork/lnd/ticker"

	"copaynet/internal/proto"
)

const (
	DefaultPingInterval = 20 * time.Second
	writeWait           = 10 * time.Second
)

type WSDialer struct {
	URL          string
	Header       http.Header
	TLSConfig    *tls.Config
	PingInterval time.Duration
}

func (d WSDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: DefaultDialTimeout,
		TLSClientConfig:  d.TLSConfig,
	}
	ws, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	return NewWSConn(ws, d.PingInterval), nil
}

// WSConn carries one event per websocket text message. With a ping
// interval set it pings the far side and drops the connection when pongs
// stop arriving.
type WSConn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	ping      *ticker.T
	quit      chan struct{}
	closeOnce sync.Once
}

func NewWSConn(ws *websocket.Conn, pingInterval time.Duration) *WSConn {
	c := &WSConn{ws: ws, quit: make(chan struct{})}
	ws.SetReadLimit(proto.MaxFrameSize)
	if pingInterval > 0 {
		wait := 3 * pingInterval
		_ = ws.SetReadDeadline(time.Now().Add(wait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(wait))
		})
		c.ping = ticker.New(pingInterval)
		c.ping.Resume()
		go c.pingLoop()
	}
	return c
}

func (c *WSConn) pingLoop() {
	for {
		select {
		case <-c.ping.Ticks():
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.quit:
			return
		}
	}
}

func (c *WSConn) Send(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

func (c *WSConn) Recv(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		kind, msg, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return msg, nil
		}
	}
}

func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.quit)
		if c.ping != nil {
			c.ping.Stop()
		}
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
