package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetctl/fleetctl/internal/domain/event"
	"github.com/fleetctl/fleetctl/internal/domain/fleeterr"
	"github.com/fleetctl/fleetctl/internal/metrics"
	porteventbus "github.com/fleetctl/fleetctl/internal/port/eventbus"
)

// MaxPayload is the NOTIFY payload limit of a default Postgres build.
const MaxPayload = 8000

const (
	minRelisten = 250 * time.Millisecond
	maxRelisten = 10 * time.Second
)

// EventBus fans fleet events out across control-plane processes with
// LISTEN/NOTIFY. Each subscription holds one pooled connection and re-LISTENs
// on a fresh one if it is lost. Events sent while a subscription is
// reconnecting are not replayed.
type EventBus struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

type Option func(*EventBus)

func WithMetrics(m *metrics.Metrics) Option {
	return func(eb *EventBus) { eb.metrics = m }
}

func New(pool *pgxpool.Pool, opts ...Option) *EventBus {
	eb := &EventBus{pool: pool}
	for _, opt := range opts {
		opt(eb)
	}
	return eb
}

// Publish sends e via NOTIFY on the channel for its type. Events with no
// channel or too large for NOTIFY are rejected with ErrInvalidRequest.
func (eb *EventBus) Publish(ctx context.Context, e event.Event) error {
	ch := event.ChannelFor(e.Type)
	if !ch.Valid() {
		eb.metrics.BusEvent("unknown", "rejected")
		return fmt.Errorf("publish %s: %w: event type has no channel", e.Type, fleeterr.ErrInvalidRequest)
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if len(payload) > MaxPayload {
		eb.metrics.BusEvent(string(ch), "rejected")
		return fmt.Errorf("publish %s: %w: payload is %d bytes, NOTIFY allows %d",
			e.Type, fleeterr.ErrInvalidRequest, len(payload), MaxPayload)
	}

	channel := channelName(ch)
	if _, err := eb.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, string(payload)); err != nil {
		return fmt.Errorf("publishing event on channel %s: %w", channel, err)
	}
	eb.metrics.BusEvent(string(ch), "published")
	return nil
}

// Subscribe LISTENs on ch and invokes handler for every event published to it
// by any process on the same database.
func (eb *EventBus) Subscribe(ctx context.Context, ch event.Channel, handler porteventbus.Handler) (porteventbus.Subscription, error) {
	if !ch.Valid() {
		return nil, fmt.Errorf("subscribe %q: %w: unknown channel", ch, fleeterr.ErrInvalidRequest)
	}
	channel := channelName(ch)
	conn, err := eb.listen(ctx, channel)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer func() {
			if conn != nil {
				conn.Exec(context.Background(), "UNLISTEN "+channel) //nolint:errcheck
				conn.Release()
			}
			close(sub.done)
		}()

		for {
			notification, err := conn.Conn().WaitForNotification(subCtx)
			if err != nil {
				if subCtx.Err() != nil {
					return
				}
				slog.WarnContext(subCtx, "listen connection lost, events may be missed", "channel", channel, "error", err)
				conn.Release()
				if conn = eb.relisten(subCtx, channel); conn == nil {
					return
				}
				continue
			}

			var e event.Event
			if err := json.Unmarshal([]byte(notification.Payload), &e); err != nil {
				eb.metrics.BusEvent(string(ch), "dropped")
				slog.WarnContext(subCtx, "dropping malformed event", "channel", channel, "error", err)
				continue
			}
			if event.ChannelFor(e.Type) != ch {
				eb.metrics.BusEvent(string(ch), "dropped")
				slog.WarnContext(subCtx, "dropping event on wrong channel", "channel", channel, "type", e.Type)
				continue
			}

			eb.metrics.BusEvent(string(ch), "received")
			handler(subCtx, e)
		}
	}()

	return sub, nil
}

func (eb *EventBus) listen(ctx context.Context, channel string) (*pgxpool.Conn, error) {
	conn, err := eb.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection for LISTEN: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("executing LISTEN on channel %s: %w", channel, err)
	}
	return conn, nil
}

// relisten retries listen with doubling delays until it succeeds or ctx ends,
// in which case it returns nil.
func (eb *EventBus) relisten(ctx context.Context, channel string) *pgxpool.Conn {
	delay := minRelisten
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		conn, err := eb.listen(ctx, channel)
		if err == nil {
			slog.InfoContext(ctx, "listen connection restored", "channel", channel)
			return conn
		}
		if ctx.Err() != nil {
			return nil
		}
		slog.WarnContext(ctx, "relisten failed", "channel", channel, "retry_in", delay, "error", err)
		delay = min(delay*2, maxRelisten)
	}
}

// channelName converts a domain Channel to a safe Postgres channel identifier.
func channelName(ch event.Channel) string {
	return "fleetctl_" + string(ch)
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *subscription) Unsubscribe() {
	s.cancel()
	<-s.done
}
