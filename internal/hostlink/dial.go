package hostlink

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
)

// DialConfig locates and authenticates an agent's link to the server.
type DialConfig struct {
	Addr string
	Host string
	Key  string
	// TLS enables an encrypted link when non-nil.
	TLS *tls.Config
}

// Dial connects to the server, runs the handshake and returns an agent
// link. The caller runs Serve on it.
func Dial(ctx context.Context, cfg DialConfig, onFrame FrameFunc) (*Link, error) {
	host := strings.ToLower(cfg.Host)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Addr, err)
	}
	if cfg.TLS != nil {
		tc := tls.Client(conn, cfg.TLS)
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls handshake with %s: %w", cfg.Addr, err)
		}
		conn = tc
	}
	if err := DialHandshake(conn, host, cfg.Key); err != nil {
		conn.Close()
		return nil, err
	}
	link, err := NewAgentLink(host, conn, onFrame)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return link, nil
}
