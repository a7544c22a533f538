package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN protocol id for the rendezvous leg.
const ALPN = "rdlink"

var quicConfig = &quic.Config{
	MaxIdleTimeout:  30 * time.Second,
	KeepAlivePeriod: 10 * time.Second,
}

// streamConn: one QUIC stream as net.Conn. Closing it closes the connection.
type streamConn struct {
	*quic.Stream
	conn *quic.Conn
}

func (c *streamConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *streamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *streamConn) Close() error {
	c.Stream.CancelRead(0)
	err := c.Stream.Close()
	_ = c.conn.CloseWithError(0, "closed")
	return err
}

func withALPN(cfg *tls.Config) *tls.Config {
	cfg = cfg.Clone()
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{ALPN}
	}
	return cfg
}

// DialQUIC dials addr and opens the single stream the session runs on.
func DialQUIC(ctx context.Context, addr string, cfg *tls.Config) (net.Conn, error) {
	if cfg == nil {
		cfg = ClientTLS(true, "")
	}
	conn, err := quic.DialAddr(ctx, addr, withALPN(cfg), quicConfig)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	return &streamConn{Stream: stream, conn: conn}, nil
}

// QUICListener adapts a quic.Listener to net.Listener: Accept returns the
// first stream of each new connection.
type QUICListener struct {
	ln     *quic.Listener
	ctx    context.Context
	cancel context.CancelFunc
}

// ListenQUIC on addr; cfg must carry Certificates.
func ListenQUIC(addr string, cfg *tls.Config) (*QUICListener, error) {
	ln, err := quic.ListenAddr(addr, withALPN(cfg), quicConfig)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &QUICListener{ln: ln, ctx: ctx, cancel: cancel}, nil
}

func (l *QUICListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.ln.Accept(l.ctx)
		if err != nil {
			return nil, net.ErrClosed
		}
		sctx, cancel := context.WithTimeout(l.ctx, 10*time.Second)
		stream, err := conn.AcceptStream(sctx)
		cancel()
		if err != nil {
			_ = conn.CloseWithError(0, "no stream")
			continue
		}
		return &streamConn{Stream: stream, conn: conn}, nil
	}
}

func (l *QUICListener) Close() error {
	l.cancel()
	return l.ln.Close()
}

func (l *QUICListener) Addr() net.Addr { return l.ln.Addr() }
