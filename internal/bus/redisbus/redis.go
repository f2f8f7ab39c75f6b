// Package redisbus carries relay traffic over Redis pub/sub so that any
// number of relay nodes sharing a Redis deployment form one fleet.
package redisbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"cloud-relay/internal/bus"
)

// Config for the Redis bus. Defaults can be loaded via envdecode.
type Config struct {
	// URL like "redis://localhost:6379/0". ENV: REDIS_URL
	URL string `env:"REDIS_URL,default=redis://localhost:6379/0"`
	// Client overrides URL when set.
	Client redis.UniversalClient
}

type Bus struct {
	client redis.UniversalClient
	owned  bool

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

var _ bus.Bus = (*Bus)(nil)

func New(ctx context.Context, cfg Config) (*Bus, error) {
	client := cfg.Client
	owned := false
	if client == nil {
		opt, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
		owned = true
	}
	if err := client.Ping(ctx).Err(); err != nil {
		if owned {
			_ = client.Close()
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Bus{client: client, owned: owned, subs: make(map[*subscription]struct{})}, nil
}

// NewFromEnv builds a Bus using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Bus, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("redis config: %w", err)
	}
	return New(ctx, cfg)
}

func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

type subscription struct {
	b      *Bus
	ps     *redis.PubSub
	cancel context.CancelFunc
	once   sync.Once
}

func (b *Bus) Subscribe(ctx context.Context, channel string, handler bus.Handler) (bus.Subscription, error) {
	ps := b.client.Subscribe(ctx, channel)
	// Wait for the server to confirm so publishes after return are seen.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &subscription{b: b, ps: ps, cancel: cancel}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	msgs := ps.Channel()
	go func() {
		defer s.Unsubscribe()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				handler(subCtx, []byte(msg.Payload))
			}
		}
	}()
	return s, nil
}

func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.ps.Close()
		s.b.mu.Lock()
		delete(s.b.subs, s)
		s.b.mu.Unlock()
	})
	return err
}

// Close drops every live subscription. The client is closed only when the
// bus created it.
func (b *Bus) Close() error {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	if b.owned {
		return b.client.Close()
	}
	return nil
}
