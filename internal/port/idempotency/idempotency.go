package idempotency

import "context"

// Store remembers the response for an Idempotency-Key so a retried request
// replays it instead of running again.
type Store interface {
	Check(ctx context.Context, key string) ([]byte, bool, error)
	Store(ctx context.Context, key, operation string, result []byte) error
}
