// Package memory is an in-process bus for single-node deployments and tests.
package memory

import (
	"context"
	"sync"

	"cloud-relay/internal/bus"
)

const subscriberBuffer = 256

type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	closed bool
}

var _ bus.Bus = (*Bus)(nil)

func New() *Bus {
	return &Bus{subs: make(map[string]map[*subscription]struct{})}
}

type subscription struct {
	b       *Bus
	channel string
	ch      chan []byte
	cancel  context.CancelFunc
	once    sync.Once
}

// Publish never blocks on slow subscribers; a full subscriber buffer drops
// the message for that subscriber only.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return bus.ErrClosed
	}
	for s := range b.subs[channel] {
		msg := append([]byte(nil), payload...)
		select {
		case s.ch <- msg:
		default:
		}
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, channel string, handler bus.Handler) (bus.Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, bus.ErrClosed
	}
	subCtx, cancel := context.WithCancel(ctx)
	s := &subscription{b: b, channel: channel, ch: make(chan []byte, subscriberBuffer), cancel: cancel}
	set := b.subs[channel]
	if set == nil {
		set = make(map[*subscription]struct{})
		b.subs[channel] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		defer s.Unsubscribe()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg := <-s.ch:
				handler(subCtx, msg)
			}
		}
	}()
	return s, nil
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		s.b.mu.Lock()
		if set := s.b.subs[s.channel]; set != nil {
			delete(set, s)
			if len(set) == 0 {
				delete(s.b.subs, s.channel)
			}
		}
		s.b.mu.Unlock()
	})
	return nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*subscription
	for _, set := range b.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	b.mu.Unlock()

	for _, s := range all {
		s.Unsubscribe()
	}
	return nil
}
