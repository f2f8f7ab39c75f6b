// Package bustest holds behaviour checks shared by every bus implementation.
package bustest

import (
	"context"
	"testing"
	"time"

	"cloud-relay/internal/bus"
)

type Factory func(t *testing.T) bus.Bus

func RunBusTests(t *testing.T, factory Factory) {
	t.Run("FanOutToAllSubscribers", func(t *testing.T) { testFanOut(t, factory) })
	t.Run("ChannelsAreIsolated", func(t *testing.T) { testIsolation(t, factory) })
	t.Run("UnsubscribeStopsDelivery", func(t *testing.T) { testUnsubscribe(t, factory) })
}

func channelName(t *testing.T, suffix string) string {
	return "bustest:" + t.Name() + ":" + suffix
}

func receive(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message")
		return nil
	}
}

func collector(ch chan []byte) bus.Handler {
	return func(_ context.Context, payload []byte) {
		ch <- payload
	}
}

func testFanOut(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := channelName(t, "fanout")
	first := make(chan []byte, 1)
	second := make(chan []byte, 1)
	if _, err := b.Subscribe(ctx, channel, collector(first)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := b.Subscribe(ctx, channel, collector(second)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Publish(ctx, channel, []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := string(receive(t, first)); got != "hello" {
		t.Fatalf("expected hello, got %q", got)
	}
	if got := string(receive(t, second)); got != "hello" {
		t.Fatalf("expected hello, got %q", got)
	}
}

func testIsolation(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := make(chan []byte, 4)
	other := make(chan []byte, 4)
	if _, err := b.Subscribe(ctx, channelName(t, "a"), collector(a)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := b.Subscribe(ctx, channelName(t, "b"), collector(other)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Publish(ctx, channelName(t, "a"), []byte("only-a")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := string(receive(t, a)); got != "only-a" {
		t.Fatalf("expected only-a, got %q", got)
	}
	select {
	case msg := <-other:
		t.Fatalf("unexpected message on other channel: %q", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func testUnsubscribe(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := channelName(t, "unsub")
	ch := make(chan []byte, 4)
	sub, err := b.Subscribe(ctx, channel, collector(ch))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	// Give asynchronous implementations a moment to drop the subscription.
	time.Sleep(50 * time.Millisecond)

	if err := b.Publish(ctx, channel, []byte("late")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message after unsubscribe: %q", msg)
	case <-time.After(100 * time.Millisecond):
	}
}
