package eventbus

import (
	"context"

	"github.com/fleetctl/fleetctl/internal/domain/event"
)

type Handler func(ctx context.Context, e event.Event)

type Subscription interface {
	Unsubscribe()
}

// EventBus fans fleet events out to subscribers of a channel. Delivery is
// at-most-once; publishers treat errors as log-only.
type EventBus interface {
	Publish(ctx context.Context, e event.Event) error
	Subscribe(ctx context.Context, ch event.Channel, handler Handler) (Subscription, error)
}
