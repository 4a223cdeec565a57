package httpmsg

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Response is a parsed HTTP/1.1 (or 1.0) status line plus headers.
type Response struct {
	Version    string
	StatusCode int
	Reason     string
	Headers    *Headers
}

// ReadResponseLineAndHeaders mirrors ReadRequestLineAndHeaders for the
// upstream-facing direction.
func ReadResponseLineAndHeaders(r *bufio.Reader) (*Response, error) {
	line, err := readLine(r, maxStartLineLength)
	if err != nil {
		return nil, fmt.Errorf("reading status line: %w", err)
	}
	version, status, reason, err := parseStatusLine(line)
	if err != nil {
		return nil, err
	}
	headers, err := readHeaderBlock(r)
	if err != nil {
		return nil, err
	}
	return &Response{Version: version, StatusCode: status, Reason: reason, Headers: headers}, nil
}

func parseStatusLine(line string) (version string, status int, reason string, err error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return "", 0, "", fmt.Errorf("malformed status line %q", line)
	}
	version = parts[0]
	if !strings.HasPrefix(version, "HTTP/") {
		return "", 0, "", fmt.Errorf("malformed status line %q", line)
	}
	status, err = strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, "", fmt.Errorf("malformed status code in %q", line)
	}
	if len(parts) == 3 {
		reason = parts[2]
	}
	return version, status, reason, nil
}

// NewResponseBodyReader returns a reader over the response entity body
// described by headers. Unlike requests, a response with neither
// Transfer-Encoding: chunked nor Content-Length is framed by the
// server closing the connection (RFC 7230 §3.3.3 case 7); that is
// signalled by returning an io.Reader that reads straight from r until
// EOF. Responses to HEAD requests and responses with status codes that
// forbid a body (1xx, 204, 304) have no body regardless of headers.
func NewResponseBodyReader(r *bufio.Reader, resp *Response, headRequest bool) io.Reader {
	if headRequest || noBodyStatus(resp.StatusCode) {
		return nil
	}
	if te, ok := resp.Headers.Get("Transfer-Encoding"); ok && strings.Contains(strings.ToLower(te), "chunked") {
		return newChunkedReader(r)
	}
	if cl, ok := resp.Headers.Get("Content-Length"); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err == nil && n >= 0 {
			if n == 0 {
				return nil
			}
			return io.LimitReader(r, n)
		}
	}
	// HTTP/1.0 and malformed/absent framing: read until the upstream
	// closes the connection.
	return r
}

func noBodyStatus(status int) bool {
	if status >= 100 && status < 200 {
		return true
	}
	return status == 204 || status == 304
}

// WriteStatusLine writes a status line in the form this module always
// emits: HTTP/1.1 <code> <reason>\r\n.
func WriteStatusLine(w io.Writer, statusCode int, reason string) error {
	_, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", statusCode, reason)
	return err
}

// WriteRequestLine writes a request line to w.
func WriteRequestLine(w io.Writer, method, target, version string) error {
	_, err := fmt.Fprintf(w, "%s %s %s\r\n", method, target, version)
	return err
}

// WriteHeaders writes every header in h, in order, followed by the
// blank line that terminates the header block.
func WriteHeaders(w io.Writer, h *Headers) error {
	var err error
	h.Each(func(name, value string) {
		if err != nil {
			return
		}
		_, err = fmt.Fprintf(w, "%s: %s\r\n", name, value)
	})
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, "\r\n")
	return err
}

// WriteChunk writes one chunk of a chunked-transfer-coded body. An
// empty chunk writes the terminating zero-length chunk with no
// trailers, since trailers are never forwarded by this module.
func WriteChunk(w io.Writer, chunk []byte) error {
	if len(chunk) == 0 {
		_, err := io.WriteString(w, "0\r\n\r\n")
		return err
	}
	if _, err := fmt.Fprintf(w, "%x\r\n", len(chunk)); err != nil {
		return err
	}
	if _, err := w.Write(chunk); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}
