package handler

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/julien-duponchelle/httpsintercept/proxy-srv/hooks"
	"github.com/julien-duponchelle/httpsintercept/proxy-srv/httpmsg"
	"github.com/julien-duponchelle/httpsintercept/proxy-srv/tlsca"
)

type recordingForwarder struct {
	calls []forwardCall
}

type forwardCall struct {
	scheme, hostPort, method, target string
}

func (f *recordingForwarder) Forward(ctx context.Context, clientConn net.Conn, req *httpmsg.Request, scheme, hostPort string, body io.Reader, hks hooks.Hooks) error {
	f.calls = append(f.calls, forwardCall{scheme: scheme, hostPort: hostPort, method: req.Method, target: req.Target})
	_, err := io.WriteString(clientConn, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	return err
}

func TestHandleConnectionDirectRequest(t *testing.T) {
	store, err := tlsca.NewStore()
	require.NoError(t, err)

	fwd := &recordingForwarder{}
	h := &Handler{TLSStore: store, Forwarder: fwd, Timeouts: DefaultTimeouts()}

	clientSide, proxySide := net.Pipe()
	go h.HandleConnection(context.Background(), proxySide)

	io.WriteString(clientSide, "GET http://example.com/path HTTP/1.1\r\nHost: example.com\r\n\r\n")

	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	raw, _ := io.ReadAll(clientSide)
	require.Contains(t, string(raw), "200 OK")

	require.Len(t, fwd.calls, 1)
	require.Equal(t, "http", fwd.calls[0].scheme)
	require.Equal(t, "example.com:80", fwd.calls[0].hostPort)
	require.Equal(t, "GET", fwd.calls[0].method)
	require.Equal(t, "/path", fwd.calls[0].target, "absolute-form target must be rewritten to origin-form before replay")
}

func TestSplitAbsoluteTargetRewritesToOriginForm(t *testing.T) {
	hostPort, originForm, err := splitAbsoluteTarget("http://example.com:8080/path?q=1#frag", "80")
	require.NoError(t, err)
	require.Equal(t, "example.com:8080", hostPort)
	require.Equal(t, "/path?q=1", originForm)

	hostPort, originForm, err = splitAbsoluteTarget("http://example.com", "80")
	require.NoError(t, err)
	require.Equal(t, "example.com:80", hostPort)
	require.Equal(t, "/", originForm)

	hostPort, originForm, err = splitAbsoluteTarget("http://example.com?q=1", "80")
	require.NoError(t, err)
	require.Equal(t, "example.com:80", hostPort)
	require.Equal(t, "/?q=1", originForm)
}

func TestHandleConnectionConnectIntercepts(t *testing.T) {
	store, err := tlsca.NewStore()
	require.NoError(t, err)

	fwd := &recordingForwarder{}
	h := &Handler{TLSStore: store, Forwarder: fwd, Timeouts: DefaultTimeouts()}

	clientSide, proxySide := net.Pipe()
	go h.HandleConnection(context.Background(), proxySide)

	io.WriteString(clientSide, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n")

	reader := bufio.NewReader(clientSide)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "200")
	// consume the blank line terminating the CONNECT response headers
	_, err = reader.ReadString('\n')
	require.NoError(t, err)

	tlsClient := tls.Client(readWriteConn{r: reader, c: clientSide}, &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, tlsClient.Handshake())

	io.WriteString(tlsClient, "GET /secret HTTP/1.1\r\nHost: example.com\r\n\r\n")

	buf := make([]byte, 512)
	tlsClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := tlsClient.Read(buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), "200 OK")

	require.Len(t, fwd.calls, 1)
	require.Equal(t, "https", fwd.calls[0].scheme)
	require.Equal(t, "example.com:443", fwd.calls[0].hostPort)
	require.Equal(t, "/secret", fwd.calls[0].target)
}

// readWriteConn adapts a bufio.Reader that has already buffered part
// of conn's stream back into something crypto/tls can read through,
// so bytes consumed while parsing the CONNECT response aren't lost.
type readWriteConn struct {
	r *bufio.Reader
	c net.Conn
}

func (rw readWriteConn) Read(p []byte) (int, error)         { return rw.r.Read(p) }
func (rw readWriteConn) Write(p []byte) (int, error)        { return rw.c.Write(p) }
func (rw readWriteConn) Close() error                       { return rw.c.Close() }
func (rw readWriteConn) LocalAddr() net.Addr                { return rw.c.LocalAddr() }
func (rw readWriteConn) RemoteAddr() net.Addr                { return rw.c.RemoteAddr() }
func (rw readWriteConn) SetDeadline(t time.Time) error       { return rw.c.SetDeadline(t) }
func (rw readWriteConn) SetReadDeadline(t time.Time) error   { return rw.c.SetReadDeadline(t) }
func (rw readWriteConn) SetWriteDeadline(t time.Time) error  { return rw.c.SetWriteDeadline(t) }
