// Package audit provides an optional per-connection telemetry sink.
// It records what happened on a connection (not whether it should have
// been allowed — that policy decision is explicitly out of scope for
// this module) and is entirely off by default.
package audit

import (
	"context"
	"fmt"
	"time"
)

// Collector receives lifecycle events for each connection the proxy
// core handles. All methods must be safe for concurrent use: one
// connection's goroutine calls them independently of every other.
type Collector interface {
	StartConnection(ctx context.Context, clientIP, host string, port int) (connID int64, err error)
	RecordRequest(ctx context.Context, connID int64, method, url, host string, contentLength int64) error
	RecordResponse(ctx context.Context, connID int64, status int, contentLength int64) error
	RecordError(ctx context.Context, connID int64, kind, message string) error
	EndConnection(ctx context.Context, connID int64, bytesIn, bytesOut int64, duration time.Duration, reason string) error
	Close() error
}

// Config selects and parameterizes a Collector implementation.
type Config struct {
	// Driver is "sqlite", "postgres", or "" to disable auditing.
	Driver string
	// DSN is a sqlite file path for "sqlite", or a connection string
	// for "postgres".
	DSN string
}

// NewCollector builds the Collector described by cfg, defaulting to a
// no-op collector when Driver is empty.
func NewCollector(cfg Config) (Collector, error) {
	switch cfg.Driver {
	case "", "none":
		return NewDummyCollector(), nil
	case "sqlite":
		return NewSQLiteCollector(cfg.DSN)
	case "postgres":
		return NewPostgresCollector(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown audit driver %q", cfg.Driver)
	}
}
