package locker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	portlocker "github.com/fleetctl/fleetctl/internal/port/locker"
)

// Locker implements port/locker.AdvisoryLocker with Postgres session advisory
// locks, so control-plane replicas sharing a database agree on who runs a
// rebalance. Lock and unlock run on the same acquired connection:
// pg_advisory_lock is session-level and an unlock from another session is a
// no-op.
type Locker struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Locker {
	return &Locker{pool: pool}
}

// keyName labels the well-known keys in logs.
func keyName(key int64) string {
	if key == portlocker.KeyRebalance {
		return "rebalance"
	}
	return fmt.Sprintf("%d", key)
}

func (l *Locker) WithLock(ctx context.Context, key int64, fn func(ctx context.Context) error) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection for %s lock: %w", keyName(key), err)
	}
	defer conn.Release()

	start := time.Now()
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", key); err != nil {
		return fmt.Errorf("acquire %s lock: %w", keyName(key), err)
	}
	if waited := time.Since(start); waited > time.Second {
		slog.InfoContext(ctx, "advisory lock acquired after wait", "lock", keyName(key), "waited", waited)
	}
	defer l.unlock(conn, key)

	return fn(ctx)
}

// TryWithLock skips fn with ErrHeld when another session holds key, so a
// replica does not queue a second rebalance behind one already running.
func (l *Locker) TryWithLock(ctx context.Context, key int64, fn func(ctx context.Context) error) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection for %s lock: %w", keyName(key), err)
	}
	defer conn.Release()

	var got bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&got); err != nil {
		return fmt.Errorf("try %s lock: %w", keyName(key), err)
	}
	if !got {
		return fmt.Errorf("%s lock: %w", keyName(key), portlocker.ErrHeld)
	}
	defer l.unlock(conn, key)

	return fn(ctx)
}

// unlock uses a background context so it still runs when fn's ctx was
// cancelled.
func (l *Locker) unlock(conn *pgxpool.Conn, key int64) {
	if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", key); err != nil {
		slog.Warn("release advisory lock failed", "lock", keyName(key), "error", err)
	}
}
