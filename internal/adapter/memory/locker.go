package memory

import (
	"context"
	"sync"

	portlocker "github.com/fleetctl/fleetctl/internal/port/locker"
)

// Locker serialises critical sections within one process. It is the
// single-replica stand-in for the Postgres advisory locker.
type Locker struct {
	mu    sync.Mutex
	locks map[int64]chan struct{}
}

func NewLocker() *Locker {
	return &Locker{locks: make(map[int64]chan struct{})}
}

func (l *Locker) slot(key int64) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[key] = ch
	}
	return ch
}

func (l *Locker) WithLock(ctx context.Context, key int64, fn func(ctx context.Context) error) error {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-ch }()
	return fn(ctx)
}

func (l *Locker) TryWithLock(ctx context.Context, key int64, fn func(ctx context.Context) error) error {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
	default:
		return portlocker.ErrHeld
	}
	defer func() { <-ch }()
	return fn(ctx)
}
