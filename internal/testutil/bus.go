package testutil

import (
	"context"
	"sync"

	"github.com/fleetctl/fleetctl/internal/domain/event"
	porteventbus "github.com/fleetctl/fleetctl/internal/port/eventbus"
)

// CaptureBus is an EventBus that records published events. Subscribe
// handlers are invoked synchronously from Publish.
type CaptureBus struct {
	mu       sync.Mutex
	events   []event.Event
	handlers map[event.Channel][]porteventbus.Handler
}

func (b *CaptureBus) Publish(ctx context.Context, e event.Event) error {
	b.mu.Lock()
	b.events = append(b.events, e)
	hs := append([]porteventbus.Handler(nil), b.handlers[event.ChannelFor(e.Type)]...)
	b.mu.Unlock()
	for _, h := range hs {
		h(ctx, e)
	}
	return nil
}

func (b *CaptureBus) Subscribe(_ context.Context, ch event.Channel, handler porteventbus.Handler) (porteventbus.Subscription, error) {
	b.mu.Lock()
	if b.handlers == nil {
		b.handlers = make(map[event.Channel][]porteventbus.Handler)
	}
	b.handlers[ch] = append(b.handlers[ch], handler)
	b.mu.Unlock()
	return noopSubscription{}, nil
}

// Types returns the type of every published event in order.
func (b *CaptureBus) Types() []event.Type {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]event.Type, len(b.events))
	for i, e := range b.events {
		out[i] = e.Type
	}
	return out
}

// OfType returns the published events of type t.
func (b *CaptureBus) OfType(t event.Type) []event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []event.Event
	for _, e := range b.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type noopSubscription struct{}

func (noopSubscription) Unsubscribe() {}
