// Package relay routes requests to whichever fleet node holds the live
// connection for a topic. Every node subscribes to a shared query channel;
// the node holding the target delivers locally and answers on the origin
// node's reply channel. Nodes without a match stay silent.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"cloud-relay/internal/bus"
	"cloud-relay/internal/rooms"
)

// ErrNotFound means no node answered for the topic before the deadline.
// It is an expected outcome (the target is offline), not a failure.
var ErrNotFound = errors.New("no live connection for target")

const (
	DefaultTimeout = 30 * time.Second
	DefaultPrefix  = "relay:"
)

// LocalDirectory is the node-local side of the relay: the set of sockets
// attached to this process.
type LocalDirectory interface {
	// Deliver sends event to the newest local member of topic and waits for
	// its reply. found is false when this node holds no such member.
	Deliver(ctx context.Context, topic rooms.Topic, event string, payload json.RawMessage) (reply json.RawMessage, found bool, err error)
	Broadcast(topic rooms.Topic, event string, payload json.RawMessage) int
	Disconnect(topic rooms.Topic) int
}

type Options struct {
	NodeID  string
	Prefix  string
	Timeout time.Duration
	Logger  zerolog.Logger
}

type kind string

const (
	kindDeliver    kind = "deliver"
	kindBroadcast  kind = "broadcast"
	kindDisconnect kind = "disconnect"
)

type query struct {
	Kind        kind            `json:"kind"`
	Correlation string          `json:"correlation,omitempty"`
	Origin      string          `json:"origin"`
	Topic       rooms.Topic     `json:"topic"`
	Event       string          `json:"event,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	DeadlineMs  int64           `json:"deadline_ms,omitempty"`
}

type reply struct {
	Correlation string          `json:"correlation"`
	Node        string          `json:"node"`
	Payload     json.RawMessage `json:"payload"`
}

type Dispatcher struct {
	bus     bus.Bus
	nodeID  string
	prefix  string
	timeout time.Duration
	log     zerolog.Logger

	mu      sync.Mutex
	pending map[string]chan json.RawMessage

	local  LocalDirectory
	ctx    context.Context
	cancel context.CancelFunc
	subs   []bus.Subscription
	wg     sync.WaitGroup
}

func New(b bus.Bus, opts Options) *Dispatcher {
	if opts.NodeID == "" {
		opts.NodeID = uuid.NewString()
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Dispatcher{
		bus:     b,
		nodeID:  opts.NodeID,
		prefix:  opts.Prefix,
		timeout: opts.Timeout,
		log:     opts.Logger.With().Str("node_id", opts.NodeID).Logger(),
		pending: make(map[string]chan json.RawMessage),
	}
}

func (d *Dispatcher) NodeID() string { return d.nodeID }

func (d *Dispatcher) queryChannel() string { return d.prefix + "query" }

func (d *Dispatcher) replyChannel(node string) string { return d.prefix + "reply:" + node }

// Start subscribes this node to the fleet. Requests may be issued before
// Start but will only see replies once it has returned.
func (d *Dispatcher) Start(ctx context.Context, local LocalDirectory) error {
	d.local = local
	d.ctx, d.cancel = context.WithCancel(ctx)

	replySub, err := d.bus.Subscribe(d.ctx, d.replyChannel(d.nodeID), d.handleReply)
	if err != nil {
		d.cancel()
		return fmt.Errorf("subscribe reply channel: %w", err)
	}
	querySub, err := d.bus.Subscribe(d.ctx, d.queryChannel(), d.handleQuery)
	if err != nil {
		_ = replySub.Unsubscribe()
		d.cancel()
		return fmt.Errorf("subscribe query channel: %w", err)
	}
	d.subs = []bus.Subscription{replySub, querySub}
	d.log.Info().Str("prefix", d.prefix).Dur("timeout", d.timeout).Msg("relay dispatcher started")
	return nil
}

// Close stops receiving fleet traffic and waits for in-flight local
// deliveries to finish.
func (d *Dispatcher) Close() error {
	for _, s := range d.subs {
		_ = s.Unsubscribe()
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	return nil
}

// Pending reports how many requests are awaiting a reply.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Request delivers event to the connection addressed by topic, wherever it
// lives in the fleet, and returns its reply. It resolves to ErrNotFound when
// nobody answers within the fleet timeout, and to ctx.Err() when the caller
// gives up first. At most one reply is ever returned.
func (d *Dispatcher) Request(ctx context.Context, topic rooms.Topic, event string, payload json.RawMessage) (json.RawMessage, error) {
	deadline := time.Now().Add(d.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	correlation := uuid.NewString()
	ch := make(chan json.RawMessage, 1)
	d.mu.Lock()
	d.pending[correlation] = ch
	d.mu.Unlock()
	defer d.forget(correlation)

	q := query{
		Kind:        kindDeliver,
		Correlation: correlation,
		Origin:      d.nodeID,
		Topic:       topic,
		Event:       event,
		Payload:     payload,
		DeadlineMs:  deadline.UnixMilli(),
	}
	if err := d.publish(ctx, q); err != nil {
		return nil, err
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case r := <-ch:
		return r, nil
	case <-timer.C:
		d.log.Debug().Str("topic", string(topic)).Str("correlation", correlation).Msg("relay request timed out")
		return nil, ErrNotFound
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrNotFound
		}
		return nil, ctx.Err()
	}
}

// Broadcast publishes event to every member of topic on every node without
// waiting for replies.
func (d *Dispatcher) Broadcast(ctx context.Context, topic rooms.Topic, event string, payload json.RawMessage) error {
	return d.publish(ctx, query{
		Kind:    kindBroadcast,
		Origin:  d.nodeID,
		Topic:   topic,
		Event:   event,
		Payload: payload,
	})
}

// Disconnect asks whichever nodes hold members of topic to close them.
func (d *Dispatcher) Disconnect(ctx context.Context, topic rooms.Topic) error {
	return d.publish(ctx, query{
		Kind:   kindDisconnect,
		Origin: d.nodeID,
		Topic:  topic,
	})
}

func (d *Dispatcher) publish(ctx context.Context, q query) error {
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("encode relay query: %w", err)
	}
	if err := d.bus.Publish(ctx, d.queryChannel(), data); err != nil {
		return fmt.Errorf("publish relay query: %w", err)
	}
	return nil
}

func (d *Dispatcher) forget(correlation string) {
	d.mu.Lock()
	delete(d.pending, correlation)
	d.mu.Unlock()
}

func (d *Dispatcher) handleReply(_ context.Context, data []byte) {
	var r reply
	if err := json.Unmarshal(data, &r); err != nil {
		d.log.Warn().Err(err).Msg("dropping malformed relay reply")
		return
	}

	d.mu.Lock()
	ch, ok := d.pending[r.Correlation]
	delete(d.pending, r.Correlation)
	d.mu.Unlock()
	if !ok {
		d.log.Debug().Str("correlation", r.Correlation).Str("from", r.Node).Msg("discarding late or duplicate reply")
		return
	}

	payload := r.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	ch <- payload
}

func (d *Dispatcher) handleQuery(ctx context.Context, data []byte) {
	var q query
	if err := json.Unmarshal(data, &q); err != nil {
		d.log.Warn().Err(err).Msg("dropping malformed relay query")
		return
	}
	if q.DeadlineMs > 0 && time.Now().UnixMilli() >= q.DeadlineMs {
		d.log.Debug().Str("correlation", q.Correlation).Msg("dropping expired relay query")
		return
	}
	if d.local == nil {
		return
	}

	// Local work can wait on socket writes; the subscriber goroutine must
	// stay free for the next query.
	var work func()
	switch q.Kind {
	case kindDeliver:
		work = func() { d.deliver(ctx, q) }
	case kindBroadcast:
		work = func() { d.local.Broadcast(q.Topic, q.Event, q.Payload) }
	case kindDisconnect:
		work = func() {
			if n := d.local.Disconnect(q.Topic); n > 0 {
				d.log.Info().Str("topic", string(q.Topic)).Int("closed", n).Msg("disconnected by fleet request")
			}
		}
	default:
		d.log.Warn().Str("kind", string(q.Kind)).Msg("unknown relay query kind")
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		work()
	}()
}

func (d *Dispatcher) deliver(ctx context.Context, q query) {
	ctx, cancel := context.WithDeadline(ctx, time.UnixMilli(q.DeadlineMs))
	defer cancel()

	payload, found, err := d.local.Deliver(ctx, q.Topic, q.Event, q.Payload)
	if !found {
		return
	}
	if err != nil {
		// Stay silent; the origin resolves to ErrNotFound at its deadline.
		d.log.Debug().Err(err).Str("topic", string(q.Topic)).Str("correlation", q.Correlation).Msg("local delivery failed")
		return
	}

	data, err := json.Marshal(reply{Correlation: q.Correlation, Node: d.nodeID, Payload: payload})
	if err != nil {
		d.log.Error().Err(err).Msg("encode relay reply")
		return
	}
	if err := d.bus.Publish(ctx, d.replyChannel(q.Origin), data); err != nil {
		d.log.Warn().Err(err).Str("origin", q.Origin).Msg("publish relay reply")
	}
}
