// Package forward implements upstream dispatch: given a parsed
// request and the connection it arrived on, resolve and connect to
// the target, replay the request, and stream the response back to
// the client while running the response lifecycle hooks.
package forward

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/julien-duponchelle/httpsintercept/proxy-srv/audit"
	"github.com/julien-duponchelle/httpsintercept/proxy-srv/hooks"
	"github.com/julien-duponchelle/httpsintercept/proxy-srv/httpmsg"
	"github.com/julien-duponchelle/httpsintercept/proxy-srv/logger"
	"github.com/julien-duponchelle/httpsintercept/proxy-srv/proxyerr"
	"github.com/julien-duponchelle/httpsintercept/proxy-srv/upstream"
)

// hopByHopHeaders are stripped before replaying a request or response;
// they describe the connection itself rather than the resource.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Timeouts bounds each phase of forwarding a single request.
type Timeouts struct {
	Connect time.Duration
	Read    time.Duration
	Idle    time.Duration
}

// DefaultTimeouts matches this module's documented defaults: 10s to
// resolve+connect, 10s per read, 60s idle.
func DefaultTimeouts() Timeouts {
	return Timeouts{Connect: 10 * time.Second, Read: 10 * time.Second, Idle: 60 * time.Second}
}

// Handler forwards one request per call to Forward.
type Handler struct {
	Transport upstream.Transport
	Timeouts  Timeouts
	// Audit, if set, receives connection/request/response telemetry for
	// every call to Forward. Left nil, forwarding proceeds without an
	// audit trail.
	Audit audit.Collector
}

// NewHandler builds a Handler dialing through transport.
func NewHandler(transport upstream.Transport, timeouts Timeouts) *Handler {
	return &Handler{Transport: transport, Timeouts: timeouts}
}

func (h *Handler) audit() audit.Collector {
	if h.Audit == nil {
		return audit.NewDummyCollector()
	}
	return h.Audit
}

// Forward replays req (scheme "http" or "https", targeting hostPort)
// to its upstream, streams the response back over clientConn, and runs
// h's response lifecycle hooks. body is the client's request body, or
// nil if it has none; it must already be framed by the caller (see
// httpmsg.NewBodyReader). If h.Audit is set, Forward records the
// connection's lifecycle (start, request, response, end) against it.
func (h *Handler) Forward(ctx context.Context, clientConn net.Conn, req *httpmsg.Request, scheme, hostPort string, body io.Reader, hks hooks.Hooks) error {
	collector := h.audit()
	start := time.Now()
	clientIP, _, _ := net.SplitHostPort(clientConn.RemoteAddr().String())
	auditHost, auditPortStr, _ := net.SplitHostPort(hostPort)
	auditPort, _ := strconv.Atoi(auditPortStr)
	connID, err := collector.StartConnection(ctx, clientIP, auditHost, auditPort)
	if err != nil {
		logger.Debug("audit StartConnection failed: %v", err)
	}
	connTag := strconv.FormatInt(connID, 10)

	var bytesIn, bytesOut int64
	endReason := "ok"
	defer func() {
		if err := collector.EndConnection(ctx, connID, bytesIn, bytesOut, time.Since(start), endReason); err != nil {
			logger.Debug("%s", logger.WithConnID(connTag, "audit EndConnection failed: %v", err))
		}
	}()

	connectCtx, cancel := context.WithTimeout(ctx, h.Timeouts.Connect)
	upstreamConn, err := h.Transport.Dial(connectCtx, scheme, hostPort)
	cancel()
	if err != nil {
		perr := classifyDialErr(hostPort, err)
		hks.OnErrorFired(ctx, perr)
		endReason = string(perr.Kind)
		return writeSynthesizedError(clientConn, perr)
	}
	defer upstreamConn.Close()

	written, err := h.replayRequest(upstreamConn, req, body)
	bytesIn = written
	if err != nil {
		perr := proxyerr.NewUpstreamConnect(fmt.Sprintf("writing request to %s", hostPort), err)
		hks.OnErrorFired(ctx, perr)
		endReason = string(perr.Kind)
		return writeSynthesizedError(clientConn, perr)
	}
	if err := collector.RecordRequest(ctx, connID, req.Method, scheme+"://"+hostPort+req.Target, auditHost, written); err != nil {
		logger.Debug("%s", logger.WithConnID(connTag, "audit RecordRequest failed: %v", err))
	}

	upstreamConn.SetReadDeadline(time.Now().Add(h.Timeouts.Read))
	reader := bufio.NewReader(upstreamConn)
	resp, err := httpmsg.ReadResponseLineAndHeaders(reader)
	if err != nil {
		perr := classifyReadErr(hostPort, err)
		hks.OnErrorFired(ctx, perr)
		endReason = string(perr.Kind)
		return writeSynthesizedError(clientConn, perr)
	}

	if err := hks.ResponseReceived(ctx, resp); err != nil {
		perr := proxyerr.NewUserHandler("on_response_received hook failed", err)
		hks.OnErrorFired(ctx, perr)
		endReason = string(perr.Kind)
		return writeSynthesizedError(clientConn, perr)
	}

	stripHopByHop(resp.Headers)

	headRequest := req.Method == "HEAD"
	var respBody io.Reader = httpmsg.NewResponseBodyReader(reader, resp, headRequest)
	if respBody != nil && h.Timeouts.Idle > 0 {
		respBody = &idleDeadlineReader{r: respBody, conn: upstreamConn, idle: h.Timeouts.Idle}
	}

	written, forwardErr := h.forwardResponse(clientConn, resp, respBody, hks)
	bytesOut = written
	hks.ResponseComplete(ctx)
	if err := collector.RecordResponse(ctx, connID, resp.StatusCode, written); err != nil {
		logger.Debug("%s", logger.WithConnID(connTag, "audit RecordResponse failed: %v", err))
	}
	if forwardErr != nil {
		endReason = "forward_error"
		logger.Errorf("%s", logger.WithConnID(connTag, "forwarding response from %s failed: %v", hostPort, forwardErr))
	}
	return forwardErr
}

// idleDeadlineReader resets conn's read deadline to idle before every
// Read, so a body that stalls entirely (neither erroring nor producing
// bytes) is bounded by the idle timeout instead of hanging until
// something else closes the connection.
type idleDeadlineReader struct {
	r    io.Reader
	conn net.Conn
	idle time.Duration
}

func (d *idleDeadlineReader) Read(p []byte) (int, error) {
	d.conn.SetReadDeadline(time.Now().Add(d.idle))
	return d.r.Read(p)
}

// countingWriter tallies the bytes written through it.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (h *Handler) replayRequest(upstreamConn net.Conn, req *httpmsg.Request, body io.Reader) (int64, error) {
	headers := req.Headers.Clone()
	stripHopByHop(headers)

	cw := &countingWriter{w: upstreamConn}
	if err := httpmsg.WriteRequestLine(cw, req.Method, req.Target, req.Version); err != nil {
		return cw.n, err
	}
	if err := httpmsg.WriteHeaders(cw, headers); err != nil {
		return cw.n, err
	}
	if body == nil {
		return cw.n, nil
	}
	_, err := io.Copy(cw, body)
	return cw.n, err
}

// forwardResponse writes the status line, headers, and body to
// clientConn. Without an OnResponseChunk hook the upstream framing is
// passed through unchanged. With one installed (and a body present),
// the response is always rewritten to chunked transfer-encoding, with
// Content-Length removed, whether or not the hook actually changes any
// chunk's length, so the framing stays correct either way.
func (h *Handler) forwardResponse(clientConn net.Conn, resp *httpmsg.Response, body io.Reader, hks hooks.Hooks) (int64, error) {
	cw := &countingWriter{w: clientConn}

	if hks.OnResponseChunk == nil || body == nil {
		if err := writeResponseHead(cw, resp); err != nil {
			return cw.n, err
		}
		if body == nil {
			return cw.n, nil
		}
		_, err := io.Copy(cw, body)
		return cw.n, err
	}

	// A hook is installed and there is a body: the hook may change
	// chunk lengths, so frame defensively as chunked regardless of how
	// the upstream framed it, rather than risk a Content-Length that
	// no longer matches what is actually written.
	headers := resp.Headers.Clone()
	headers.Del("Content-Length")
	headers.Set("Transfer-Encoding", "chunked")
	if err := httpmsg.WriteStatusLine(cw, resp.StatusCode, resp.Reason); err != nil {
		return cw.n, err
	}
	if err := httpmsg.WriteHeaders(cw, headers); err != nil {
		return cw.n, err
	}

	buf := make([]byte, 32*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			chunk := hks.ResponseChunk(append([]byte(nil), buf[:n]...))
			if len(chunk) > 0 {
				if err := httpmsg.WriteChunk(cw, chunk); err != nil {
					return cw.n, err
				}
			}
		}
		if readErr == io.EOF {
			err := httpmsg.WriteChunk(cw, nil)
			return cw.n, err
		}
		if readErr != nil {
			return cw.n, readErr
		}
	}
}

func writeResponseHead(w io.Writer, resp *httpmsg.Response) error {
	if err := httpmsg.WriteStatusLine(w, resp.StatusCode, resp.Reason); err != nil {
		return err
	}
	return httpmsg.WriteHeaders(w, resp.Headers)
}

func stripHeaders(h *httpmsg.Headers, names []string) {
	for _, n := range names {
		h.Del(n)
	}
}

// stripHopByHop strips the static hopByHopHeaders plus whatever the
// Connection header itself names (RFC 7230 §6.1): a message like
// "Connection: close, X-Session-Id" must have X-Session-Id stripped
// too, not just Connection and the static list.
func stripHopByHop(h *httpmsg.Headers) {
	for _, raw := range h.Values("Connection") {
		for _, token := range strings.Split(raw, ",") {
			token = strings.TrimSpace(token)
			if token != "" {
				h.Del(token)
			}
		}
	}
	stripHeaders(h, hopByHopHeaders)
}

func classifyDialErr(hostPort string, err error) *proxyerr.Error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return proxyerr.NewUpstreamResolve(fmt.Sprintf("resolving %s", hostPort), err)
	}
	var tlsErr *upstream.TLSError
	if errors.As(err, &tlsErr) {
		return proxyerr.NewUpstreamTLS(fmt.Sprintf("TLS handshake with %s", hostPort), err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return proxyerr.NewTimeout(fmt.Sprintf("connecting to %s", hostPort), err)
	}
	return proxyerr.NewUpstreamConnect(fmt.Sprintf("connecting to %s", hostPort), err)
}

func classifyReadErr(hostPort string, err error) *proxyerr.Error {
	if errors.Is(err, context.DeadlineExceeded) || isTimeoutErr(err) {
		return proxyerr.NewTimeout(fmt.Sprintf("reading response from %s", hostPort), err)
	}
	return proxyerr.NewUpstreamConnect(fmt.Sprintf("reading response from %s", hostPort), err)
}

func isTimeoutErr(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// writeSynthesizedError writes the status response the §7 error policy
// maps perr.Kind to, or does nothing if the kind has no synthesized
// response (TLS handshake failures, client disconnects).
func writeSynthesizedError(clientConn net.Conn, perr *proxyerr.Error) error {
	status, ok := proxyerr.StatusFor(perr.Kind)
	if !ok {
		return perr
	}
	body := fmt.Sprintf("%d %s: %s\n", status, strings.ToUpper(string(perr.Kind)), perr.Description)
	headers := &httpmsg.Headers{}
	headers.Set("Content-Type", "text/plain; charset=utf-8")
	headers.Set("Content-Length", fmt.Sprintf("%d", len(body)))
	headers.Set("Connection", "close")
	if err := httpmsg.WriteStatusLine(clientConn, status, reasonPhrase(status)); err != nil {
		return err
	}
	if err := httpmsg.WriteHeaders(clientConn, headers); err != nil {
		return err
	}
	if _, err := io.WriteString(clientConn, body); err != nil {
		return err
	}
	return perr
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
