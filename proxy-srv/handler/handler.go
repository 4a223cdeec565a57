// Package handler implements the per-connection state machine: read
// the outer request, branch on CONNECT vs a direct request, perform
// the TLS handshake for intercepted tunnels, read the effective
// request, and dispatch it to a forwarder. One goroutine runs one
// connection from accept to close; there is no pipelining and no
// connection reuse across requests, matching the scope this module
// commits to.
package handler

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/julien-duponchelle/httpsintercept/proxy-srv/hooks"
	"github.com/julien-duponchelle/httpsintercept/proxy-srv/httpmsg"
	"github.com/julien-duponchelle/httpsintercept/proxy-srv/logger"
	"github.com/julien-duponchelle/httpsintercept/proxy-srv/proxyerr"
	"github.com/julien-duponchelle/httpsintercept/proxy-srv/tlsca"
)

// Forwarder is the subset of forward.Handler this package depends on,
// kept as an interface so tests can substitute a fake.
type Forwarder interface {
	Forward(ctx context.Context, clientConn net.Conn, req *httpmsg.Request, scheme, hostPort string, body io.Reader, hks hooks.Hooks) error
}

// Timeouts bounds the phases this package itself owns: the client TLS
// handshake and the read of each request line/header block. Upstream
// phase timeouts live in forward.Timeouts.
type Timeouts struct {
	TLSHandshake time.Duration
	Read         time.Duration
}

// DefaultTimeouts matches this module's documented default: 10s.
func DefaultTimeouts() Timeouts {
	return Timeouts{TLSHandshake: 10 * time.Second, Read: 10 * time.Second}
}

// Handler runs the per-connection state machine described above.
type Handler struct {
	TLSStore  *tlsca.Store
	Forwarder Forwarder
	Hooks     hooks.Hooks
	Timeouts  Timeouts
}

// HandleConnection owns conn for its entire lifetime, reading the
// outer request, branching on CONNECT, and closing conn when done.
// It never returns an error: all failures are routed through Hooks.OnError
// and, where the error policy calls for it, a synthesized response.
func (h *Handler) HandleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(h.Timeouts.Read))
	outer, err := httpmsg.ReadRequestLineAndHeaders(reader)
	if err != nil {
		if isClientDisconnect(err) {
			h.Hooks.OnErrorFired(ctx, proxyerr.NewClientDisconnected("client closed before sending a request", err))
			return
		}
		h.fail(ctx, conn, proxyerr.NewClientParse("reading request line/headers", err))
		return
	}
	conn.SetReadDeadline(time.Time{})

	if err := h.Hooks.ClientConnected(ctx, conn, outer); err != nil {
		h.fail(ctx, conn, proxyerr.NewUserHandler("on_client_connected hook failed", err))
		return
	}

	if outer.Method == "CONNECT" {
		h.handleConnect(ctx, conn, reader, outer)
		return
	}
	h.handleDirect(ctx, conn, reader, outer)
}

// handleConnect implements TLS_HANDSHAKE and READ_INNER_REQUEST: reply
// 200 to the CONNECT, mint/serve a leaf certificate for the requested
// host, perform the handshake, then treat whatever request arrives
// inside the tunnel as the effective request.
func (h *Handler) handleConnect(ctx context.Context, conn net.Conn, outerReader *bufio.Reader, outer *httpmsg.Request) {
	host, _, err := net.SplitHostPort(outer.Target)
	if err != nil {
		host = outer.Target // CONNECT target without an explicit port
	}

	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		h.Hooks.OnErrorFired(ctx, proxyerr.NewClientDisconnected("writing CONNECT response", err))
		return
	}

	tlsConfig, err := h.TLSStore.ServerConfigFor(host)
	if err != nil {
		h.fail(ctx, conn, proxyerr.NewTLSHandshake(fmt.Sprintf("issuing certificate for %s", host), err))
		return
	}

	handshakeCtx, cancel := context.WithTimeout(ctx, h.Timeouts.TLSHandshake)
	defer cancel()
	tlsConn := tls.Server(conn, tlsConfig)
	if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
		// Per the error policy, a failed client-facing TLS handshake
		// is closed silently: the peer never completed a handshake,
		// so nothing can be written back that it would understand.
		h.Hooks.OnErrorFired(ctx, proxyerr.NewTLSHandshake(fmt.Sprintf("handshake with client for %s", host), err))
		return
	}

	innerReader := bufio.NewReader(tlsConn)
	tlsConn.SetReadDeadline(time.Now().Add(h.Timeouts.Read))
	inner, err := httpmsg.ReadRequestLineAndHeaders(innerReader)
	tlsConn.SetReadDeadline(time.Time{})
	if err != nil {
		if isClientDisconnect(err) {
			h.Hooks.OnErrorFired(ctx, proxyerr.NewClientDisconnected("client closed tunnel before sending a request", err))
			return
		}
		h.fail(ctx, tlsConn, proxyerr.NewClientParse("reading inner request line/headers", err))
		return
	}

	h.dispatch(ctx, tlsConn, innerReader, inner, "https", outer.Target)
}

// handleDirect implements the non-CONNECT path: the outer request is
// itself the effective request, forwarded over plain HTTP. The
// client's absolute-form target (e.g. "http://example.com/path?q=1")
// is rewritten to origin-form ("/path?q=1") before the request is
// dispatched, since that is what gets replayed to the upstream.
func (h *Handler) handleDirect(ctx context.Context, conn net.Conn, reader *bufio.Reader, outer *httpmsg.Request) {
	hostPort, originForm, err := splitAbsoluteTarget(outer.Target, "80")
	if err != nil {
		h.fail(ctx, conn, proxyerr.NewClientParse("parsing request target", err))
		return
	}
	outer.Target = originForm
	h.dispatch(ctx, conn, reader, outer, "http", hostPort)
}

// dispatch implements RUN_HOOKS and WRITE_RESPONSE: run
// on_request_received, read the body, and hand off to the forwarder.
func (h *Handler) dispatch(ctx context.Context, conn net.Conn, reader *bufio.Reader, req *httpmsg.Request, scheme, hostPort string) {
	if err := h.Hooks.RequestReceived(ctx, req); err != nil {
		h.fail(ctx, conn, proxyerr.NewUserHandler("on_request_received hook failed", err))
		return
	}

	body, err := httpmsg.NewBodyReader(reader, req.Headers)
	if err != nil {
		h.fail(ctx, conn, proxyerr.NewClientParse("framing request body", err))
		return
	}

	if err := h.Forwarder.Forward(ctx, conn, req, scheme, hostPort, body, h.Hooks); err != nil {
		logger.Debug("forward to %s failed: %v", hostPort, err)
	}
}

// fail reports perr via OnError and, when the error policy synthesizes
// a response for perr.Kind, writes it — unless a handshake never
// completed, in which case nothing can be sent.
func (h *Handler) fail(ctx context.Context, conn net.Conn, perr *proxyerr.Error) {
	h.Hooks.OnErrorFired(ctx, perr)
	status, ok := proxyerr.StatusFor(perr.Kind)
	if !ok {
		return
	}
	body := fmt.Sprintf("%d %s\n", status, perr.Description)
	headers := &httpmsg.Headers{}
	headers.Set("Content-Type", "text/plain; charset=utf-8")
	headers.Set("Content-Length", fmt.Sprintf("%d", len(body)))
	headers.Set("Connection", "close")
	_ = httpmsg.WriteStatusLine(conn, status, reasonPhrase(status))
	_ = httpmsg.WriteHeaders(conn, headers)
	_, _ = io.WriteString(conn, body)
}

func reasonPhrase(status int) string {
	switch status {
	case 400:
		return "Bad Request"
	case 500:
		return "Internal Server Error"
	case 502:
		return "Bad Gateway"
	case 504:
		return "Gateway Timeout"
	default:
		return "Error"
	}
}

func isClientDisconnect(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || strings.Contains(err.Error(), "reset by peer")
}

// splitAbsoluteTarget splits an absolute-form request target (e.g.
// "http://example.com/path?q=1") into the host:port to dial, defaulting
// the port when absent, and the origin-form path+query to replay
// upstream ("/path?q=1", or "/" if the target named no path). Any
// fragment is dropped, matching what real clients actually put on the
// wire in a request line.
func splitAbsoluteTarget(target, defaultPort string) (hostPort, originForm string, err error) {
	rest := target
	if idx := strings.Index(rest, "://"); idx >= 0 {
		rest = rest[idx+3:]
	}
	originForm = "/"
	if idx := strings.IndexAny(rest, "/?#"); idx >= 0 {
		originForm = rest[idx:]
		rest = rest[:idx]
	}
	if idx := strings.IndexByte(originForm, '#'); idx >= 0 {
		originForm = originForm[:idx]
	}
	if originForm == "" || originForm[0] == '?' {
		originForm = "/" + originForm
	}
	if rest == "" {
		return "", "", fmt.Errorf("empty host in target %q", target)
	}
	if _, _, err := net.SplitHostPort(rest); err == nil {
		return rest, originForm, nil
	}
	return net.JoinHostPort(rest, defaultPort), originForm, nil
}
