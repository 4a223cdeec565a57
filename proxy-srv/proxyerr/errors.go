// Package proxyerr defines the typed error taxonomy the proxy core uses
// to decide how a failure should be surfaced to the client connection:
// silently closed, answered with a synthesized status response, or
// handed to the on-error hook.
package proxyerr

import "fmt"

// Kind identifies which branch of the error-handling policy an error
// belongs to.
type Kind string

const (
	// KindClientParse covers malformed request lines, headers, or
	// framing received from the client. Answered with 400.
	KindClientParse Kind = "client_parse"
	// KindTLSHandshake covers a failed TLS handshake with the client
	// during interception. The connection is closed silently; nothing
	// can be written back to a peer that never completed a handshake.
	KindTLSHandshake Kind = "tls_handshake"
	// KindUpstreamResolve covers DNS resolution failures for the
	// forwarding target. Answered with 502.
	KindUpstreamResolve Kind = "upstream_resolve"
	// KindUpstreamConnect covers TCP connect failures to the resolved
	// upstream address. Answered with 502.
	KindUpstreamConnect Kind = "upstream_connect"
	// KindUpstreamTLS covers a failed TLS handshake with the upstream
	// server. Answered with 502.
	KindUpstreamTLS Kind = "upstream_tls"
	// KindTimeout covers any configured deadline (connect, TLS, read,
	// idle) being exceeded. Answered with 504 when a response has not
	// yet started; otherwise the connection is simply closed.
	KindTimeout Kind = "timeout"
	// KindClientDisconnected covers the client closing its side before
	// a response could be produced. No response is attempted.
	KindClientDisconnected Kind = "client_disconnected"
	// KindUserHandler covers an error returned from a caller supplied
	// hook; a panic in a hook is not recovered. on_error is invoked and,
	// if nothing has been written yet, a 500 is synthesized.
	KindUserHandler Kind = "user_handler"
)

// Error is the typed error value passed to hooks and used to select a
// synthesized status response. Code is a stable, loggable identifier;
// Description is a short human-readable summary; Cause is the
// underlying error, if any.
type Error struct {
	Kind        Kind
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(kind Kind, code, description string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Description: description, Cause: cause}
}

// NewClientParse wraps a client request/header parsing failure.
func NewClientParse(description string, cause error) *Error {
	return newError(KindClientParse, "E1001", description, cause)
}

// NewTLSHandshake wraps a client-facing TLS handshake failure.
func NewTLSHandshake(description string, cause error) *Error {
	return newError(KindTLSHandshake, "E3001", description, cause)
}

// NewUpstreamResolve wraps a DNS resolution failure for the forwarding
// target.
func NewUpstreamResolve(description string, cause error) *Error {
	return newError(KindUpstreamResolve, "E2001", description, cause)
}

// NewUpstreamConnect wraps a TCP connect failure to the upstream.
func NewUpstreamConnect(description string, cause error) *Error {
	return newError(KindUpstreamConnect, "E2002", description, cause)
}

// NewUpstreamTLS wraps an upstream-facing TLS handshake failure.
func NewUpstreamTLS(description string, cause error) *Error {
	return newError(KindUpstreamTLS, "E3002", description, cause)
}

// NewTimeout wraps a deadline exceeded on any phase of the connection.
func NewTimeout(description string, cause error) *Error {
	return newError(KindTimeout, "E4001", description, cause)
}

// NewClientDisconnected wraps the client closing its connection before a
// response could be produced.
func NewClientDisconnected(description string, cause error) *Error {
	return newError(KindClientDisconnected, "E9001", description, cause)
}

// NewUserHandler wraps a failure raised by a caller-supplied hook.
func NewUserHandler(description string, cause error) *Error {
	return newError(KindUserHandler, "E9002", description, cause)
}

// StatusFor returns the HTTP status code the error policy synthesizes
// for kind, and ok=false for kinds that never get a synthesized
// response (TLS handshake failures, client disconnects).
func StatusFor(kind Kind) (status int, ok bool) {
	switch kind {
	case KindClientParse:
		return 400, true
	case KindUpstreamResolve, KindUpstreamConnect, KindUpstreamTLS:
		return 502, true
	case KindTimeout:
		return 504, true
	case KindUserHandler:
		return 500, true
	default:
		return 0, false
	}
}
