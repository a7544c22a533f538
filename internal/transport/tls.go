// Package transport: the secured byte stream for the rendezvous leg, TLS over
// TCP or a QUIC stream.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// DialTimeout for the rendezvous connect.
const DialTimeout = 10 * time.Second

// ClientTLS for the rendezvous leg. insecure skips certificate verification:
// directories run with self-signed certs and peers are authenticated by the
// server key and the RSA handshake, not by the TLS chain. Operators with a
// real certificate set insecure=false.
func ClientTLS(insecure bool, serverName string) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: insecure,
		ServerName:         serverName,
		MinVersion:         tls.VersionTLS12,
	}
}

// ServerTLS with one certificate.
func ServerTLS(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
}

// DialTLS TCP+TLS to addr.
func DialTLS(ctx context.Context, addr string, cfg *tls.Config) (net.Conn, error) {
	if cfg == nil {
		cfg = ClientTLS(true, "")
	}
	d := tls.Dialer{NetDialer: &net.Dialer{Timeout: DialTimeout}, Config: cfg}
	return d.DialContext(ctx, "tcp", addr)
}

// ListenTLS TCP+TLS on addr.
func ListenTLS(addr string, cfg *tls.Config) (net.Listener, error) {
	return tls.Listen("tcp", addr, cfg)
}

// Dial picks the transport by name: "tls" (default) or "quic".
func Dial(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
	switch network {
	case "", "tls":
		return DialTLS(ctx, addr, cfg)
	case "quic":
		return DialQUIC(ctx, addr, cfg)
	}
	return nil, fmt.Errorf("transport: unknown network %q", network)
}
