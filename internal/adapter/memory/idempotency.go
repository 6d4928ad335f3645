package memory

import (
	"context"
	"sync"
	"time"
)

type idempotencyEntry struct {
	value     []byte
	expiresAt time.Time
}

// IdempotencyStore keeps idempotency keys in process memory for ttl.
type IdempotencyStore struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]idempotencyEntry
}

func NewIdempotencyStore(ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{
		ttl:     ttl,
		entries: make(map[string]idempotencyEntry),
	}
}

func (c *IdempotencyStore) Check(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Store keeps the first result recorded for key; later stores are ignored
// until it expires.
func (c *IdempotencyStore) Store(_ context.Context, key, _ string, result []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[key]; ok && time.Now().Before(existing.expiresAt) {
		return nil
	}
	c.entries[key] = idempotencyEntry{
		value:     append([]byte(nil), result...),
		expiresAt: time.Now().Add(c.ttl),
	}
	return nil
}
