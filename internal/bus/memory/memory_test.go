package memory

import (
	"context"
	"errors"
	"testing"

	"cloud-relay/internal/bus"
	"cloud-relay/internal/bus/bustest"
)

func TestMemoryBus(t *testing.T) {
	bustest.RunBusTests(t, func(t *testing.T) bus.Bus { return New() })
}

func TestMemoryBus_ClosedRejects(t *testing.T) {
	b := New()
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := b.Publish(context.Background(), "c", []byte("x")); !errors.Is(err, bus.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := b.Subscribe(context.Background(), "c", func(context.Context, []byte) {}); !errors.Is(err, bus.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
