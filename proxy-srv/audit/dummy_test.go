package audit

import (
	"context"
	"testing"
	"time"
)

func TestDummyCollectorNeverErrors(t *testing.T) {
	c := NewDummyCollector()
	ctx := context.Background()

	connID, err := c.StartConnection(ctx, "127.0.0.1", "example.com", 443)
	if err != nil || connID != 0 {
		t.Fatalf("unexpected StartConnection result: %d, %v", connID, err)
	}
	if err := c.RecordRequest(ctx, connID, "GET", "/", "example.com", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.RecordResponse(ctx, connID, 200, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.RecordError(ctx, connID, "timeout", "boom"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.EndConnection(ctx, connID, 0, 0, time.Second, "done"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewCollectorDefaultsToDummy(t *testing.T) {
	c, err := NewCollector(Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := c.(*DummyCollector); !ok {
		t.Fatalf("expected DummyCollector for empty config, got %T", c)
	}
}

func TestNewCollectorRejectsUnknownDriver(t *testing.T) {
	if _, err := NewCollector(Config{Driver: "nonsense"}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
