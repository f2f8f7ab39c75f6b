// Package bus is the fleet-wide publish/subscribe fabric relay nodes use to
// reach each other. Delivery is at-most-once and unordered across channels.
package bus

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("bus closed")

// Handler is invoked once per message received on a subscribed channel.
type Handler func(ctx context.Context, payload []byte)

type Subscription interface {
	Unsubscribe() error
}

type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns once the subscription is live; messages published
	// after it returns are delivered to handler until Unsubscribe or ctx
	// cancellation.
	Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error)
	Close() error
}
