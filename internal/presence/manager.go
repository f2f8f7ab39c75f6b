// Package presence keeps instances and users informed of each other's
// reachability and owns the primary-instance toggle.
//
// Presence itself is never stored: instances are told to recompute it from
// the live socket set whenever a user comes or goes.
package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"cloud-relay/internal/model"
	"cloud-relay/internal/rooms"
)

const (
	EventPresenceRefresh = "presence-refresh"
	EventHello           = "hello"
	EventGoodbye         = "goodbye"
	EventPrimaryChanged  = "primary-changed"
	EventClearKeyCache   = "clear-key-cache"

	defaultNotifyTimeout = 5 * time.Second
)

// Broadcaster is the fleet-wide fire-and-forget half of the relay.
type Broadcaster interface {
	Broadcast(ctx context.Context, topic rooms.Topic, event string, payload json.RawMessage) error
}

type PrimaryStore interface {
	SetInstanceAsPrimaryInstance(accountID, instanceID string, nowMillis int64) (model.Instance, error)
}

type Options struct {
	NotifyTimeout time.Duration
	Logger        zerolog.Logger
}

type Manager struct {
	store   PrimaryStore
	fleet   Broadcaster
	timeout time.Duration
	log     zerolog.Logger
	wg      sync.WaitGroup
}

func NewManager(store PrimaryStore, fleet Broadcaster, opts Options) *Manager {
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = defaultNotifyTimeout
	}
	return &Manager{store: store, fleet: fleet, timeout: opts.NotifyTimeout, log: opts.Logger}
}

func (m *Manager) UserConnected(accountID, userID string) {
	m.notify(context.Background(), rooms.AccountInstancesTopic(accountID), EventPresenceRefresh,
		map[string]any{"user_id": userID, "online": true})
}

func (m *Manager) UserDisconnected(accountID, userID string) {
	m.notify(context.Background(), rooms.AccountInstancesTopic(accountID), EventPresenceRefresh,
		map[string]any{"user_id": userID, "online": false})
}

// InstanceConnected announces the instance to the account's users. The
// fingerprints are whatever the instance presented at handshake.
func (m *Manager) InstanceConnected(accountID, instanceID string, fingerprints json.RawMessage) {
	if len(fingerprints) == 0 {
		fingerprints = json.RawMessage("[]")
	}
	m.notify(context.Background(), rooms.AccountUsersTopic(accountID), EventHello,
		map[string]any{"instance_id": instanceID, "fingerprints": fingerprints})
}

func (m *Manager) InstanceDisconnected(accountID, instanceID string) {
	m.notify(context.Background(), rooms.AccountUsersTopic(accountID), EventGoodbye,
		map[string]any{"instance_id": instanceID})
}

// SetPrimary makes instanceID the account's only primary instance and tells
// the account's instances about it.
func (m *Manager) SetPrimary(ctx context.Context, accountID, instanceID string) (model.Instance, error) {
	inst, err := m.store.SetInstanceAsPrimaryInstance(accountID, instanceID, time.Now().UnixMilli())
	if err != nil {
		return model.Instance{}, err
	}
	topic := rooms.AccountInstancesTopic(accountID)
	m.notify(ctx, topic, EventPrimaryChanged, map[string]any{"instance_id": inst.ID})
	m.notify(ctx, topic, EventClearKeyCache, map[string]any{})
	m.log.Info().Str("account_id", accountID).Str("instance_id", inst.ID).Msg("primary instance changed")
	return inst, nil
}

// CredentialsChanged asks the account's instances to drop cached keys.
func (m *Manager) CredentialsChanged(ctx context.Context, accountID string) {
	m.notify(ctx, rooms.AccountInstancesTopic(accountID), EventClearKeyCache, map[string]any{})
}

// Wait blocks until every notification issued so far has been published.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) notify(ctx context.Context, topic rooms.Topic, event string, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		m.log.Error().Err(err).Str("event", event).Msg("encode notification")
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()
		if err := m.fleet.Broadcast(ctx, topic, event, payload); err != nil {
			m.log.Warn().Err(err).Str("topic", string(topic)).Str("event", event).Msg("notification not published")
		}
	}()
}
