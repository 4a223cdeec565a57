package httpmsg

import (
	"bufio"
	"io"
	"strings"
	"testing"
)

func TestReadRequestLineAndHeaders(t *testing.T) {
	raw := "GET /foo HTTP/1.1\r\nHost: example.com\r\nX-Test:  value with leading space \r\n\r\n"
	req, err := ReadRequestLineAndHeaders(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Method != "GET" || req.Target != "/foo" || req.Version != "HTTP/1.1" {
		t.Fatalf("unexpected request line: %+v", req)
	}
	host, ok := req.Headers.Get("Host")
	if !ok || host != "example.com" {
		t.Fatalf("unexpected Host header: %q %v", host, ok)
	}
	// OWS (optional whitespace) around the header value must be trimmed.
	xtest, _ := req.Headers.Get("X-Test")
	if xtest != "value with leading space" {
		t.Fatalf("expected OWS trimmed, got %q", xtest)
	}
}

func TestReadRequestLineAndHeadersRejectsMalformedLine(t *testing.T) {
	raw := "GET /foo\r\n\r\n"
	_, err := ReadRequestLineAndHeaders(bufio.NewReader(strings.NewReader(raw)))
	if err == nil {
		t.Fatalf("expected error for malformed request line")
	}
}

func TestReadRequestLineAndHeadersRejectsUnsupportedVersion(t *testing.T) {
	raw := "GET /foo HTTP/1.0\r\nHost: example.com\r\n\r\n"
	_, err := ReadRequestLineAndHeaders(bufio.NewReader(strings.NewReader(raw)))
	if err == nil {
		t.Fatalf("expected error for unsupported HTTP version")
	}
	if !strings.Contains(err.Error(), "unsupported HTTP version") {
		t.Fatalf("expected unsupported version error, got %v", err)
	}
}

func TestReadRequestLineAndHeadersRejectsDuplicateHost(t *testing.T) {
	raw := "GET /foo HTTP/1.1\r\nHost: example.com\r\nHost: evil.example\r\n\r\n"
	_, err := ReadRequestLineAndHeaders(bufio.NewReader(strings.NewReader(raw)))
	if err == nil {
		t.Fatalf("expected error for duplicate Host header")
	}
}

func TestReadRequestLineAndHeadersFoldsObsoleteContinuationLines(t *testing.T) {
	raw := "GET /foo HTTP/1.1\r\nHost: example.com\r\nX-Long: part one\r\n continued\r\n\r\n"
	req, err := ReadRequestLineAndHeaders(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, ok := req.Headers.Get("X-Long")
	if !ok || v != "part one continued" {
		t.Fatalf("expected folded header value, got %q", v)
	}
}

func TestNewBodyReaderContentLength(t *testing.T) {
	raw := "hello world"
	h := &Headers{}
	h.Set("Content-Length", "5")
	r, err := NewBodyReader(bufio.NewReader(strings.NewReader(raw)), h)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if string(body) != "hello" {
		t.Fatalf("expected 'hello', got %q", body)
	}
}

func TestNewBodyReaderRejectsConflictingContentLength(t *testing.T) {
	h := &Headers{}
	h.Add("Content-Length", "5")
	h.Add("Content-Length", "10")
	_, err := NewBodyReader(bufio.NewReader(strings.NewReader("hello world")), h)
	if err == nil {
		t.Fatalf("expected an error for conflicting Content-Length values")
	}
}

func TestNewBodyReaderAllowsRepeatedIdenticalContentLength(t *testing.T) {
	h := &Headers{}
	h.Add("Content-Length", "5")
	h.Add("Content-Length", "5")
	r, err := NewBodyReader(bufio.NewReader(strings.NewReader("hello world")), h)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if string(body) != "hello" {
		t.Fatalf("expected 'hello', got %q", body)
	}
}

func TestNewBodyReaderNoFramingMeansNoBody(t *testing.T) {
	h := &Headers{}
	r, err := NewBodyReader(bufio.NewReader(strings.NewReader("irrelevant")), h)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r != nil {
		t.Fatalf("expected nil body reader when neither framing header is present")
	}
}

func TestChunkedReaderDecodesBodyAndIgnoresTrailers(t *testing.T) {
	raw := "4\r\nWiki\r\n5\r\npedia\r\n0\r\nX-Trailer: ignored\r\n\r\n"
	h := &Headers{}
	h.Set("Transfer-Encoding", "chunked")
	r, err := NewBodyReader(bufio.NewReader(strings.NewReader(raw)), h)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if string(body) != "Wikipedia" {
		t.Fatalf("expected 'Wikipedia', got %q", body)
	}
}

func TestChunkedTakesPrecedenceOverContentLength(t *testing.T) {
	raw := "3\r\nfoo\r\n0\r\n\r\n"
	h := &Headers{}
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Content-Length", "999")
	r, err := NewBodyReader(bufio.NewReader(strings.NewReader(raw)), h)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if string(body) != "foo" {
		t.Fatalf("expected 'foo', got %q", body)
	}
}
