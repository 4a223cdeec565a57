package audit

import (
	"context"
	"time"
)

// DummyCollector is a no-op Collector, used whenever auditing is
// disabled so every call site can depend on a Collector unconditionally
// rather than nil-checking it.
type DummyCollector struct{}

// NewDummyCollector returns a Collector that does nothing.
func NewDummyCollector() *DummyCollector { return &DummyCollector{} }

func (d *DummyCollector) StartConnection(ctx context.Context, clientIP, host string, port int) (int64, error) {
	return 0, nil
}

func (d *DummyCollector) RecordRequest(ctx context.Context, connID int64, method, url, host string, contentLength int64) error {
	return nil
}

func (d *DummyCollector) RecordResponse(ctx context.Context, connID int64, status int, contentLength int64) error {
	return nil
}

func (d *DummyCollector) RecordError(ctx context.Context, connID int64, kind, message string) error {
	return nil
}

func (d *DummyCollector) EndConnection(ctx context.Context, connID int64, bytesIn, bytesOut int64, duration time.Duration, reason string) error {
	return nil
}

func (d *DummyCollector) Close() error { return nil }
