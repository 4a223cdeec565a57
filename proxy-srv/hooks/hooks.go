// Package hooks defines the lifecycle callback record shared by the
// handler and forward packages, kept separate from both so neither
// has to import the other just to see this type.
package hooks

import (
	"context"
	"net"

	"github.com/julien-duponchelle/httpsintercept/proxy-srv/httpmsg"
)

// Hooks is a tagged record of optional callbacks an embedder can set
// to observe or modify a connection's lifecycle. Every field may be
// left nil; nil hooks are simply skipped.
type Hooks struct {
	// OnClientConnected fires once the outer request line and headers
	// have been parsed from the client, before any CONNECT/TLS
	// handling. Returning an error aborts the connection.
	OnClientConnected func(ctx context.Context, clientConn net.Conn, outer *httpmsg.Request) error

	// OnRequestReceived fires once the effective request is known:
	// the outer request itself for plain HTTP, or the inner request
	// read after completing the TLS handshake for an intercepted
	// CONNECT tunnel. Returning an error aborts the request.
	OnRequestReceived func(ctx context.Context, req *httpmsg.Request) error

	// OnResponseReceived fires once the upstream status line and
	// headers have arrived, before any body has been forwarded.
	OnResponseReceived func(ctx context.Context, resp *httpmsg.Response) error

	// OnResponseChunk fires once per body chunk read from upstream.
	// Returning nil forwards the chunk unchanged; returning a
	// different, possibly shorter or longer, slice substitutes it;
	// returning a non-nil empty slice drops the chunk.
	OnResponseChunk func(chunk []byte) []byte

	// OnResponseComplete fires once the response has been completely
	// forwarded to the client, or forwarding failed partway through.
	OnResponseComplete func(ctx context.Context)

	// OnError fires for any error this module classifies via
	// proxyerr.Error, and for unclassified errors from user hooks.
	OnError func(ctx context.Context, err error)
}

func (h Hooks) ClientConnected(ctx context.Context, conn net.Conn, outer *httpmsg.Request) error {
	if h.OnClientConnected == nil {
		return nil
	}
	return h.OnClientConnected(ctx, conn, outer)
}

func (h Hooks) RequestReceived(ctx context.Context, req *httpmsg.Request) error {
	if h.OnRequestReceived == nil {
		return nil
	}
	return h.OnRequestReceived(ctx, req)
}

func (h Hooks) ResponseReceived(ctx context.Context, resp *httpmsg.Response) error {
	if h.OnResponseReceived == nil {
		return nil
	}
	return h.OnResponseReceived(ctx, resp)
}

// ResponseChunk runs the configured hook, if any, and normalizes its
// result: a nil return means "unchanged".
func (h Hooks) ResponseChunk(chunk []byte) []byte {
	if h.OnResponseChunk == nil {
		return chunk
	}
	out := h.OnResponseChunk(chunk)
	if out == nil {
		return chunk
	}
	return out
}

func (h Hooks) ResponseComplete(ctx context.Context) {
	if h.OnResponseComplete != nil {
		h.OnResponseComplete(ctx)
	}
}

func (h Hooks) OnErrorFired(ctx context.Context, err error) {
	if h.OnError != nil {
		h.OnError(ctx, err)
	}
}
