package perch

import (
	"context"
	"crypto/tls"
	"net"

	"nhooyr.io/websocket"
)

// SocketFactory dials the transport for one connect candidate. addr is
// always a resolved "ip:port" pair.
type SocketFactory interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// TCPSocketFactory dials a plain TCP connection, optionally bound to a
// local address.
type TCPSocketFactory struct {
	LocalAddr net.Addr
}

func (f *TCPSocketFactory) Dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := net.Dialer{LocalAddr: f.LocalAddr}
	return dialer.DialContext(ctx, "tcp", addr)
}

// TLSSocketFactory dials TCP and layers a TLS client on top. The
// handshake is left to the first read or write, so an ident entry can be
// registered for the socket before any TLS bytes flow.
type TLSSocketFactory struct {
	LocalAddr net.Addr

	// ServerName is the configured hostname, used for certificate
	// verification regardless of which resolved IP won the dial.
	ServerName string
	Config     *tls.Config
}

func (f *TLSSocketFactory) Dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := net.Dialer{LocalAddr: f.LocalAddr}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	cfg := f.Config
	if cfg == nil {
		cfg = &tls.Config{}
	} else {
		cfg = cfg.Clone()
	}
	if cfg.ServerName == "" {
		host := f.ServerName
		if host == "" {
			host, _, _ = net.SplitHostPort(addr)
		}
		cfg.ServerName = host
	}
	return tls.Client(conn, cfg), nil
}

// WebsocketSocketFactory carries IRC lines over a websocket. The
// configured URL wins over the resolved addr, which is only used when
// the URL is empty.
type WebsocketSocketFactory struct {
	URL string
}

func (f *WebsocketSocketFactory) Dial(ctx context.Context, addr string) (net.Conn, error) {
	url := f.URL
	if url == "" {
		url = "wss://" + addr
	}
	wc, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{"text.ircv3.net", "binary.ircv3.net"},
	})
	if err != nil {
		return nil, err
	}
	msgType := websocket.MessageText
	if wc.Subprotocol() == "binary.ircv3.net" {
		msgType = websocket.MessageBinary
	}
	return websocket.NetConn(context.Background(), wc, msgType), nil
}
