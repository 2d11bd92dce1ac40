package transport

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"copaynet/internal/proto"
)

const (
	quicKeepAlive   = 15 * time.Second
	quicIdleTimeout = 60 * time.Second
)

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: quicKeepAlive,
		MaxIdleTimeout:  quicIdleTimeout,
	}
}

// QUICDialer opens one bidirectional stream per connection and frames
// events with a 4 byte length prefix.
type QUICDialer struct {
	Addr      string
	TLSConfig *tls.Config
}

func (d QUICDialer) Dial(ctx context.Context) (Conn, error) {
	conn, err := quic.DialAddr(ctx, d.Addr, d.TLSConfig, quicConfig())
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream")
		return nil, err
	}
	return NewQUICConn(conn, stream), nil
}

func ListenQUIC(addr string, tlsConf *tls.Config) (*quic.Listener, error) {
	return quic.ListenAddr(addr, tlsConf, quicConfig())
}

// AcceptQUIC waits for the event stream of an accepted connection. The
// stream shows up with the first frame the client writes.
func AcceptQUIC(ctx context.Context, conn *quic.Conn) (*QUICConn, error) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return NewQUICConn(conn, stream), nil
}

type QUICConn struct {
	conn      *quic.Conn
	stream    *quic.Stream
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func NewQUICConn(conn *quic.Conn, stream *quic.Stream) *QUICConn {
	return &QUICConn{conn: conn, stream: stream}
}

func (c *QUICConn) Send(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.stream.SetWriteDeadline(time.Now().Add(writeWait))
	return proto.WriteFrame(c.stream, msg)
}

func (c *QUICConn) Recv(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return proto.ReadFrame(c.stream)
}

func (c *QUICConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *QUICConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.stream.Close()
		err = c.conn.CloseWithError(0, "closed")
	})
	return err
}
