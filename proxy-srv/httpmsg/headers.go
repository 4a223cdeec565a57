// Package httpmsg implements the wire-level HTTP/1.1 request and
// response readers this module uses instead of net/http: an
// order-preserving, duplicate-tolerant header collection, plus
// incremental readers for request/response start-lines, headers, and
// bodies framed by Content-Length, chunked transfer-encoding, or
// (for responses only) connection close.
package httpmsg

import "strings"

// field is one header as it appeared on the wire.
type field struct {
	name  string // as received, original case preserved
	value string // with leading/trailing optional whitespace (OWS) trimmed
}

// Headers is an ordered, case-insensitive multimap of header
// name/value pairs. Zero value is an empty collection ready to use.
type Headers struct {
	fields []field
	index  map[string][]int // lower(name) -> indexes into fields, in insertion order
}

func lowerKey(name string) string { return strings.ToLower(name) }

func (h *Headers) ensureIndex() {
	if h.index == nil {
		h.index = make(map[string][]int)
	}
}

// Add appends a header, preserving any existing header with the same
// name (headers may legitimately repeat, e.g. Set-Cookie).
func (h *Headers) Add(name, value string) {
	h.ensureIndex()
	key := lowerKey(name)
	h.index[key] = append(h.index[key], len(h.fields))
	h.fields = append(h.fields, field{name: name, value: value})
}

// Set replaces all existing headers named name with a single header
// carrying value. The new header is always appended at the end; the
// position of any earlier occurrence is not kept.
func (h *Headers) Set(name, value string) {
	h.Del(name)
	h.Add(name, value)
}

// Get returns the first value for name, and whether it was present.
func (h *Headers) Get(name string) (string, bool) {
	h.ensureIndex()
	idxs := h.index[lowerKey(name)]
	if len(idxs) == 0 {
		return "", false
	}
	return h.fields[idxs[0]].value, true
}

// Values returns every value for name, in the order received, or nil
// if name was never present.
func (h *Headers) Values(name string) []string {
	h.ensureIndex()
	idxs := h.index[lowerKey(name)]
	if len(idxs) == 0 {
		return nil
	}
	out := make([]string, len(idxs))
	for i, idx := range idxs {
		out[i] = h.fields[idx].value
	}
	return out
}

// Has reports whether name is present, regardless of value.
func (h *Headers) Has(name string) bool {
	h.ensureIndex()
	return len(h.index[lowerKey(name)]) > 0
}

// Del removes every header named name.
func (h *Headers) Del(name string) {
	h.ensureIndex()
	key := lowerKey(name)
	if len(h.index[key]) == 0 {
		return
	}
	removed := make(map[int]bool, len(h.index[key]))
	for _, idx := range h.index[key] {
		removed[idx] = true
	}
	kept := h.fields[:0]
	newFields := make([]field, 0, len(h.fields))
	for i, f := range h.fields {
		if removed[i] {
			continue
		}
		newFields = append(newFields, f)
	}
	h.fields = append(kept, newFields...)
	h.rebuildIndex()
}

func (h *Headers) rebuildIndex() {
	h.index = make(map[string][]int, len(h.fields))
	for i, f := range h.fields {
		key := lowerKey(f.name)
		h.index[key] = append(h.index[key], i)
	}
}

// AppendFold appends a space followed by extra to the most recently
// added header named name. This implements obsolete line folding
// (RFC 7230 §3.2.4): a continuation line is treated as if its content
// had been appended to the preceding header's value.
func (h *Headers) AppendFold(name, extra string) {
	h.ensureIndex()
	idxs := h.index[lowerKey(name)]
	if len(idxs) == 0 {
		return
	}
	last := idxs[len(idxs)-1]
	h.fields[last].value = h.fields[last].value + " " + extra
}

// Each calls fn once per header, in wire order.
func (h *Headers) Each(fn func(name, value string)) {
	for _, f := range h.fields {
		fn(f.name, f.value)
	}
}

// ToMap returns the first value per header name, keyed by the name as
// it appeared on the wire. It is a convenience view for callers that
// don't care about duplicates or ordering; use Values for headers that
// may legitimately repeat.
func (h *Headers) ToMap() map[string]string {
	out := make(map[string]string, len(h.fields))
	seen := make(map[string]bool, len(h.fields))
	for _, f := range h.fields {
		key := lowerKey(f.name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out[f.name] = f.value
	}
	return out
}

// Len returns the number of headers, counting duplicates.
func (h *Headers) Len() int { return len(h.fields) }

// Clone returns a deep copy, safe to mutate independently of h.
func (h *Headers) Clone() *Headers {
	c := &Headers{fields: append([]field(nil), h.fields...)}
	c.rebuildIndex()
	return c
}
