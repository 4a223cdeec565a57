// Package upstream abstracts how the forward handler reaches the
// target named by a request: directly, or via a SOCKS5 proxy. This is
// the module's realization of a pluggable upstream transport, so the
// forward handler never calls net.Dial itself.
package upstream

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/proxy"
)

// Transport dials hostPort for the given scheme ("http" or "https"),
// returning a connection ready for the caller to read/write the
// application-layer bytes — already TLS-wrapped for "https".
type Transport interface {
	Dial(ctx context.Context, scheme, hostPort string) (net.Conn, error)
}

// TLSError wraps a failed upstream TLS handshake so callers can
// distinguish it from a resolve or connect failure with errors.As.
type TLSError struct {
	Err error
}

func (e *TLSError) Error() string { return e.Err.Error() }
func (e *TLSError) Unwrap() error { return e.Err }

// DirectTransport dials the target directly using net.Dialer, then
// performs a TLS handshake on top for "https" targets.
type DirectTransport struct {
	Dialer    *net.Dialer
	TLSConfig *tls.Config // cloned per dial; ServerName is set from hostPort if empty
}

// NewDirectTransport returns a DirectTransport with the given connect
// timeout and the system trust store for upstream TLS verification.
func NewDirectTransport(connectTimeout time.Duration) *DirectTransport {
	return &DirectTransport{
		Dialer: &net.Dialer{Timeout: connectTimeout},
	}
}

func (t *DirectTransport) Dial(ctx context.Context, scheme, hostPort string) (net.Conn, error) {
	conn, err := t.Dialer.DialContext(ctx, "tcp", hostPort)
	if err != nil {
		return nil, err
	}
	if scheme != "https" {
		return conn, nil
	}
	return wrapTLS(ctx, conn, hostPort, t.TLSConfig)
}

func wrapTLS(ctx context.Context, conn net.Conn, hostPort string, base *tls.Config) (net.Conn, error) {
	cfg := base.Clone()
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(hostPort)
		if err == nil {
			cfg.ServerName = host
		}
	}
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, &TLSError{Err: fmt.Errorf("upstream TLS handshake with %s: %w", hostPort, err)}
	}
	return tlsConn, nil
}

// SOCKS5Transport dials the target through a SOCKS5 proxy before
// performing the same optional TLS handshake as DirectTransport.
type SOCKS5Transport struct {
	ProxyAddress string
	Username     string
	Password     string
	TLSConfig    *tls.Config
	dialer       proxy.Dialer
}

// NewSOCKS5Transport builds a SOCKS5Transport that connects through
// proxyAddress, optionally authenticating with username/password.
func NewSOCKS5Transport(proxyAddress, username, password string) (*SOCKS5Transport, error) {
	var auth *proxy.Auth
	if username != "" {
		auth = &proxy.Auth{User: username, Password: password}
	}
	dialer, err := proxy.SOCKS5("tcp", proxyAddress, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("building SOCKS5 dialer for %s: %w", proxyAddress, err)
	}
	return &SOCKS5Transport{ProxyAddress: proxyAddress, Username: username, Password: password, dialer: dialer}, nil
}

func (t *SOCKS5Transport) Dial(ctx context.Context, scheme, hostPort string) (net.Conn, error) {
	type contextDialer interface {
		DialContext(ctx context.Context, network, address string) (net.Conn, error)
	}
	var conn net.Conn
	var err error
	if cd, ok := t.dialer.(contextDialer); ok {
		conn, err = cd.DialContext(ctx, "tcp", hostPort)
	} else {
		done := make(chan struct{})
		go func() {
			conn, err = t.dialer.Dial("tcp", hostPort)
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s via SOCKS5 proxy %s: %w", hostPort, t.ProxyAddress, err)
	}
	if scheme != "https" {
		return conn, nil
	}
	return wrapTLS(ctx, conn, hostPort, t.TLSConfig)
}
