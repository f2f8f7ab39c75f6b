package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"cloud-relay/internal/bus/memory"
	"cloud-relay/internal/rooms"
)

type fakeLocal struct {
	mu          sync.Mutex
	handlers    map[rooms.Topic]func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
	delivered   atomic.Int32
	broadcasts  chan string
	disconnects chan rooms.Topic
}

func newFakeLocal() *fakeLocal {
	return &fakeLocal{
		handlers:    make(map[rooms.Topic]func(context.Context, json.RawMessage) (json.RawMessage, error)),
		broadcasts:  make(chan string, 8),
		disconnects: make(chan rooms.Topic, 8),
	}
}

func (f *fakeLocal) handle(topic rooms.Topic, h func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)) {
	f.mu.Lock()
	f.handlers[topic] = h
	f.mu.Unlock()
}

func (f *fakeLocal) Deliver(ctx context.Context, topic rooms.Topic, event string, payload json.RawMessage) (json.RawMessage, bool, error) {
	f.mu.Lock()
	h := f.handlers[topic]
	f.mu.Unlock()
	if h == nil {
		return nil, false, nil
	}
	f.delivered.Add(1)
	r, err := h(ctx, payload)
	return r, true, err
}

func (f *fakeLocal) Broadcast(topic rooms.Topic, event string, payload json.RawMessage) int {
	f.mu.Lock()
	_, ok := f.handlers[topic]
	f.mu.Unlock()
	if !ok {
		return 0
	}
	f.broadcasts <- event + " " + string(payload)
	return 1
}

func (f *fakeLocal) Disconnect(topic rooms.Topic) int {
	f.mu.Lock()
	_, ok := f.handlers[topic]
	delete(f.handlers, topic)
	f.mu.Unlock()
	if !ok {
		return 0
	}
	f.disconnects <- topic
	return 1
}

func startNode(t *testing.T, b *memory.Bus, nodeID string, timeout time.Duration, local LocalDirectory) *Dispatcher {
	t.Helper()
	d := New(b, Options{NodeID: nodeID, Timeout: timeout, Logger: zerolog.Nop()})
	if err := d.Start(context.Background(), local); err != nil {
		t.Fatalf("start %s: %v", nodeID, err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func echo(tag string) func(context.Context, json.RawMessage) (json.RawMessage, error) {
	return func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(map[string]any{"from": tag, "echo": payload})
	}
}

func TestRequest_ReachesInstanceOnOtherNode(t *testing.T) {
	b := memory.New()
	defer b.Close()

	holder := newFakeLocal()
	holder.handle(rooms.InstanceTopic("i1"), echo("b"))
	origin := startNode(t, b, "a", 2*time.Second, newFakeLocal())
	startNode(t, b, "b", 2*time.Second, holder)

	got, err := origin.Request(context.Background(), rooms.InstanceTopic("i1"), "message", json.RawMessage(`{"q":1}`))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var body struct {
		From string          `json:"from"`
		Echo json.RawMessage `json:"echo"`
	}
	if err := json.Unmarshal(got, &body); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if body.From != "b" || string(body.Echo) != `{"q":1}` {
		t.Fatalf("unexpected reply: %s", got)
	}
	if origin.Pending() != 0 {
		t.Fatalf("expected no pending requests, got %d", origin.Pending())
	}
}

func TestRequest_NotFoundWithinTimeout(t *testing.T) {
	b := memory.New()
	defer b.Close()

	origin := startNode(t, b, "a", 150*time.Millisecond, newFakeLocal())
	startNode(t, b, "b", 150*time.Millisecond, newFakeLocal())

	start := time.Now()
	_, err := origin.Request(context.Background(), rooms.InstanceTopic("missing"), "message", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("request blocked past its timeout: %v", elapsed)
	}
	if origin.Pending() != 0 {
		t.Fatalf("expected pending request released, got %d", origin.Pending())
	}
}

func TestRequest_DuplicateHoldersYieldOneReply(t *testing.T) {
	b := memory.New()
	defer b.Close()

	first := newFakeLocal()
	first.handle(rooms.InstanceTopic("i1"), echo("b"))
	second := newFakeLocal()
	second.handle(rooms.InstanceTopic("i1"), echo("c"))

	origin := startNode(t, b, "a", 2*time.Second, newFakeLocal())
	startNode(t, b, "b", 2*time.Second, first)
	startNode(t, b, "c", 2*time.Second, second)

	got, err := origin.Request(context.Background(), rooms.InstanceTopic("i1"), "message", json.RawMessage(`"x"`))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var body struct {
		From string `json:"from"`
	}
	if err := json.Unmarshal(got, &body); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if body.From != "b" && body.From != "c" {
		t.Fatalf("unexpected responder %q", body.From)
	}

	deadline := time.Now().Add(time.Second)
	for first.delivered.Load()+second.delivered.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := first.delivered.Load() + second.delivered.Load(); n != 2 {
		t.Fatalf("expected both holders to be asked, got %d", n)
	}
	// The losing reply must be discarded, not parked.
	time.Sleep(50 * time.Millisecond)
	if origin.Pending() != 0 {
		t.Fatalf("expected no pending requests, got %d", origin.Pending())
	}
}

func TestRequest_CallerCancellationReleasesPending(t *testing.T) {
	b := memory.New()
	defer b.Close()

	holder := newFakeLocal()
	holder.handle(rooms.InstanceTopic("slow"), func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	origin := startNode(t, b, "a", 5*time.Second, newFakeLocal())
	startNode(t, b, "b", 5*time.Second, holder)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := origin.Request(ctx, rooms.InstanceTopic("slow"), "message", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if origin.Pending() != 0 {
		t.Fatalf("expected pending request released, got %d", origin.Pending())
	}
}

func TestRequest_CallerDeadlineIsNotFound(t *testing.T) {
	b := memory.New()
	defer b.Close()

	origin := startNode(t, b, "a", 5*time.Second, newFakeLocal())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := origin.Request(ctx, rooms.UserTopic("u1"), "message", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBroadcast_ReachesEveryHolder(t *testing.T) {
	b := memory.New()
	defer b.Close()

	topic := rooms.AccountUsersTopic("acc1")
	first := newFakeLocal()
	first.handle(topic, echo("b"))
	second := newFakeLocal()
	second.handle(topic, echo("c"))

	origin := startNode(t, b, "a", time.Second, newFakeLocal())
	startNode(t, b, "b", time.Second, first)
	startNode(t, b, "c", time.Second, second)

	if err := origin.Broadcast(context.Background(), topic, "hello", json.RawMessage(`{"instance_id":"i1"}`)); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	for _, local := range []*fakeLocal{first, second} {
		select {
		case got := <-local.broadcasts:
			if got != `hello {"instance_id":"i1"}` {
				t.Fatalf("unexpected broadcast %q", got)
			}
		case <-time.After(time.Second):
			t.Fatalf("broadcast not received")
		}
	}
}

// stallingLocal holds every broadcast until release is closed.
type stallingLocal struct {
	*fakeLocal
	release chan struct{}
}

func (s *stallingLocal) Broadcast(topic rooms.Topic, event string, payload json.RawMessage) int {
	<-s.release
	return 0
}

func TestBroadcast_SlowLocalDoesNotDelayRequests(t *testing.T) {
	b := memory.New()
	defer b.Close()

	holder := &stallingLocal{fakeLocal: newFakeLocal(), release: make(chan struct{})}
	holder.handle(rooms.InstanceTopic("i1"), echo("b"))
	origin := startNode(t, b, "a", time.Second, newFakeLocal())
	startNode(t, b, "b", time.Second, holder)
	// Registered after startNode so it runs before the dispatcher's Close.
	t.Cleanup(func() { close(holder.release) })

	if err := origin.Broadcast(context.Background(), rooms.AccountUsersTopic("acc1"), "hello", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if _, err := origin.Request(context.Background(), rooms.InstanceTopic("i1"), "message", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("request behind a stalled broadcast: %v", err)
	}
}

func TestDisconnect_ThenRequestIsNotFound(t *testing.T) {
	b := memory.New()
	defer b.Close()

	topic := rooms.UserTopic("u1")
	holder := newFakeLocal()
	holder.handle(topic, echo("b"))

	origin := startNode(t, b, "a", 200*time.Millisecond, newFakeLocal())
	startNode(t, b, "b", 200*time.Millisecond, holder)

	if err := origin.Disconnect(context.Background(), topic); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	select {
	case got := <-holder.disconnects:
		if got != topic {
			t.Fatalf("unexpected topic %q", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("disconnect not received")
	}

	if _, err := origin.Request(context.Background(), topic, "message", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after disconnect, got %v", err)
	}
}

func TestHandleQuery_DropsExpired(t *testing.T) {
	b := memory.New()
	defer b.Close()

	holder := newFakeLocal()
	holder.handle(rooms.InstanceTopic("i1"), echo("b"))
	node := startNode(t, b, "b", time.Second, holder)

	data, err := json.Marshal(query{
		Kind:        kindDeliver,
		Correlation: "c1",
		Origin:      "a",
		Topic:       rooms.InstanceTopic("i1"),
		Event:       "message",
		DeadlineMs:  time.Now().Add(-time.Second).UnixMilli(),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := b.Publish(context.Background(), node.queryChannel(), data); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if n := holder.delivered.Load(); n != 0 {
		t.Fatalf("expected expired query dropped, got %d deliveries", n)
	}
}
