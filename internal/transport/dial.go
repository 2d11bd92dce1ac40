package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"

	"go.uber.org/zap"
)

const (
	KindWebsocket = "ws"
	KindQUIC      = "quic"

	SocketPath = "/socket"
)

// Options locate a relay.
type Options struct {
	Schema    string
	Host      string
	Port      int
	Transport string
	Insecure  bool
	CAPath    string
}

// URL maps the http(s) schema of a relay to its websocket endpoint.
func URL(schema, host string, port int) (string, error) {
	var ws string
	switch schema {
	case "http":
		ws = "ws"
	case "https", "":
		ws = "wss"
	default:
		return "", fmt.Errorf("unsupported schema %q", schema)
	}
	return ws + "://" + net.JoinHostPort(host, strconv.Itoa(port)) + SocketPath, nil
}

func NewDialer(o Options) (Dialer, error) {
	switch o.Transport {
	case KindQUIC:
		tlsConf, err := ClientTLS(o.Insecure, o.CAPath)
		if err != nil {
			return nil, err
		}
		return QUICDialer{
			Addr:      net.JoinHostPort(o.Host, strconv.Itoa(o.Port)),
			TLSConfig: tlsConf,
		}, nil
	case KindWebsocket, "":
		u, err := URL(o.Schema, o.Host, o.Port)
		if err != nil {
			return nil, err
		}
		var tlsConf *tls.Config
		if o.Schema != "http" && (o.Insecure || o.CAPath != "") {
			tlsConf, err = ClientTLS(o.Insecure, o.CAPath)
			if err != nil {
				return nil, err
			}
			tlsConf.NextProtos = nil
		}
		return WSDialer{URL: u, TLSConfig: tlsConf, PingInterval: DefaultPingInterval}, nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", o.Transport)
	}
}

// Dial returns a reconnecting socket for the relay described by o. It
// starts dialing on Open.
func Dial(o Options, log *zap.Logger) (*Client, error) {
	d, err := NewDialer(o)
	if err != nil {
		return nil, err
	}
	return NewClient(Config{Dialer: d, Logger: log}), nil
}
