package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/fleetctl/fleetctl/internal/domain/event"
	"github.com/fleetctl/fleetctl/internal/metrics"
	porteventbus "github.com/fleetctl/fleetctl/internal/port/eventbus"
)

const subscriptionBuffer = 256

// EventBus delivers events to in-process subscribers. Each subscription has
// its own buffered queue drained by one goroutine, so a slow handler never
// blocks the publisher; events for a full queue are dropped.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[event.Channel]map[*subscription]struct{}
	metrics *metrics.Metrics
}

type EventBusOption func(*EventBus)

func WithBusMetrics(m *metrics.Metrics) EventBusOption {
	return func(eb *EventBus) { eb.metrics = m }
}

func NewEventBus(opts ...EventBusOption) *EventBus {
	eb := &EventBus{subs: make(map[event.Channel]map[*subscription]struct{})}
	for _, opt := range opts {
		opt(eb)
	}
	return eb
}

func (eb *EventBus) Publish(ctx context.Context, e event.Event) error {
	ch := event.ChannelFor(e.Type)
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	eb.metrics.BusEvent(string(ch), "published")
	for sub := range eb.subs[ch] {
		select {
		case sub.queue <- e:
		default:
			eb.metrics.BusEvent(string(ch), "dropped")
			slog.WarnContext(ctx, "event dropped: subscriber queue full", "channel", ch, "type", e.Type)
		}
	}
	return nil
}

func (eb *EventBus) Subscribe(ctx context.Context, ch event.Channel, handler porteventbus.Handler) (porteventbus.Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		ch:     ch,
		queue:  make(chan event.Event, subscriptionBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	eb.mu.Lock()
	if eb.subs[ch] == nil {
		eb.subs[ch] = make(map[*subscription]struct{})
	}
	eb.subs[ch][sub] = struct{}{}
	eb.mu.Unlock()

	go func() {
		defer close(sub.done)
		for {
			select {
			case <-subCtx.Done():
				eb.remove(sub)
				return
			case e := <-sub.queue:
				handler(subCtx, e)
			}
		}
	}()
	return sub, nil
}

func (eb *EventBus) remove(sub *subscription) {
	eb.mu.Lock()
	delete(eb.subs[sub.ch], sub)
	eb.mu.Unlock()
}

type subscription struct {
	ch     event.Channel
	queue  chan event.Event
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *subscription) Unsubscribe() {
	s.cancel()
	<-s.done
}
