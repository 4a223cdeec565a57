package httpmsg

import "testing"

func TestHeadersAddPreservesOrderAndDuplicates(t *testing.T) {
	h := &Headers{}
	h.Add("Host", "example.com")
	h.Add("Set-Cookie", "a=1")
	h.Add("Set-Cookie", "b=2")

	var names []string
	h.Each(func(name, value string) { names = append(names, name) })
	if len(names) != 3 || names[0] != "Host" || names[1] != "Set-Cookie" || names[2] != "Set-Cookie" {
		t.Fatalf("unexpected order: %v", names)
	}

	values := h.Values("set-cookie")
	if len(values) != 2 || values[0] != "a=1" || values[1] != "b=2" {
		t.Fatalf("unexpected values: %v", values)
	}
}

func TestHeadersGetIsCaseInsensitive(t *testing.T) {
	h := &Headers{}
	h.Add("Content-Type", "text/plain")

	v, ok := h.Get("CONTENT-TYPE")
	if !ok || v != "text/plain" {
		t.Fatalf("Get case-insensitive lookup failed: %v %v", v, ok)
	}
}

func TestHeadersSetReplacesAllOccurrences(t *testing.T) {
	h := &Headers{}
	h.Add("X-Trace", "1")
	h.Add("X-Trace", "2")
	h.Set("X-Trace", "3")

	if h.Len() != 1 {
		t.Fatalf("expected single header after Set, got %d", h.Len())
	}
	v, _ := h.Get("x-trace")
	if v != "3" {
		t.Fatalf("expected 3, got %q", v)
	}
}

func TestHeadersDel(t *testing.T) {
	h := &Headers{}
	h.Add("A", "1")
	h.Add("B", "2")
	h.Del("a")

	if h.Has("A") {
		t.Fatalf("expected A removed")
	}
	if !h.Has("B") {
		t.Fatalf("expected B to remain")
	}
}

func TestHeadersAppendFoldAppendsToLastOccurrence(t *testing.T) {
	h := &Headers{}
	h.Add("X-Long", "part one")
	h.AppendFold("X-Long", "continued")

	v, _ := h.Get("X-Long")
	if v != "part one continued" {
		t.Fatalf("expected folded value, got %q", v)
	}
}

func TestHeadersToMapKeepsFirstOccurrence(t *testing.T) {
	h := &Headers{}
	h.Add("X-Trace", "1")
	h.Add("X-Trace", "2")
	h.Add("Host", "example.com")

	m := h.ToMap()
	if len(m) != 2 {
		t.Fatalf("expected 2 entries, got %d: %v", len(m), m)
	}
	if m["X-Trace"] != "1" {
		t.Fatalf("expected first occurrence, got %q", m["X-Trace"])
	}
	if m["Host"] != "example.com" {
		t.Fatalf("expected Host entry, got %q", m["Host"])
	}
}

func TestHeadersCloneIsIndependent(t *testing.T) {
	h := &Headers{}
	h.Add("A", "1")
	c := h.Clone()
	c.Set("A", "2")

	v, _ := h.Get("A")
	if v != "1" {
		t.Fatalf("mutating clone affected original: %q", v)
	}
}
