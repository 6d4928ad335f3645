package locker

import (
	"context"
	"errors"
)

// Key values for the cluster-wide critical sections.
const (
	KeyRebalance int64 = 0x666c656574 // "fleet"
)

// ErrHeld is returned by TryWithLock when another holder has the lock.
var ErrHeld = errors.New("lock held elsewhere")

// AdvisoryLocker serialises a critical section across control-plane replicas.
// WithLock waits for the lock and holds it for the duration of fn. TryWithLock
// runs fn only if the lock is free and returns ErrHeld otherwise.
type AdvisoryLocker interface {
	WithLock(ctx context.Context, key int64, fn func(ctx context.Context) error) error
	TryWithLock(ctx context.Context, key int64, fn func(ctx context.Context) error) error
}
