package upstream

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	socks5 "github.com/armon/go-socks5"
	"github.com/stretchr/testify/require"
)

// startFakeTarget accepts one connection and echoes a fixed banner,
// standing in for the real upstream server behind the SOCKS5 proxy.
func startFakeTarget(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.WriteString(conn, "hello from target\n")
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

// startFakeSOCKS5 runs a local SOCKS5 proxy using the example pack's
// armon/go-socks5 server, standing in for a real upstream proxy so
// SOCKS5Transport can be exercised without a real network.
func startFakeSOCKS5(t *testing.T) (addr string, stop func()) {
	t.Helper()
	server, err := socks5.New(&socks5.Config{})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go server.Serve(ln)
	return ln.Addr().String(), func() { ln.Close() }
}

func TestSOCKS5TransportDialsThroughFakeProxy(t *testing.T) {
	targetAddr, stopTarget := startFakeTarget(t)
	defer stopTarget()
	proxyAddr, stopProxy := startFakeSOCKS5(t)
	defer stopProxy()

	transport, err := NewSOCKS5Transport(proxyAddr, "", "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := transport.Dial(ctx, "http", targetAddr)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "hello from target\n", line)
}

func TestDirectTransportDialsTCP(t *testing.T) {
	targetAddr, stop := startFakeTarget(t)
	defer stop()

	transport := NewDirectTransport(2 * time.Second)
	conn, err := transport.Dial(context.Background(), "http", targetAddr)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "hello from target\n", line)
}

func TestDirectTransportConnectFailureIsNotTLSError(t *testing.T) {
	transport := NewDirectTransport(50 * time.Millisecond)
	_, err := transport.Dial(context.Background(), "http", "127.0.0.1:1")
	require.Error(t, err)
	var tlsErr *TLSError
	require.False(t, errors.As(err, &tlsErr), "plain TCP connect failure must not be classified as a TLS error")
}
