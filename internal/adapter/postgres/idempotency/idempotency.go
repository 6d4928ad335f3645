package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

// New returns a repository whose keys stop matching ttl after they were
// stored. A zero ttl keeps keys forever.
func New(pool *pgxpool.Pool, ttl time.Duration) *Repository {
	return &Repository{pool: pool, ttl: ttl}
}

// Check looks up an existing idempotency key. Returns the stored result JSON,
// whether the key exists, and any error.
func (r *Repository) Check(ctx context.Context, key string) ([]byte, bool, error) {
	query := `SELECT result_jsonb FROM processed_operations
		WHERE idempotency_key = $1 AND ($2::bigint = 0 OR created_at > NOW() - make_interval(secs => $2::bigint))`

	var result []byte
	err := r.pool.QueryRow(ctx, query, key, int64(r.ttl/time.Second)).Scan(&result)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("checking idempotency key: %w", err)
	}
	return result, true, nil
}

// Store records a processed operation keyed by the idempotency key. The
// first result wins; an expired row is replaced.
func (r *Repository) Store(ctx context.Context, key, operation string, resultJSON []byte) error {
	query := `
		INSERT INTO processed_operations (idempotency_key, operation_type, result_jsonb, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (idempotency_key) DO UPDATE
			SET operation_type = EXCLUDED.operation_type,
				result_jsonb = EXCLUDED.result_jsonb,
				created_at = EXCLUDED.created_at
			WHERE $4::bigint > 0 AND processed_operations.created_at <= NOW() - make_interval(secs => $4::bigint)`

	_, err := r.pool.Exec(ctx, query, key, operation, resultJSON, int64(r.ttl/time.Second))
	if err != nil {
		return fmt.Errorf("storing idempotency key: %w", err)
	}
	return nil
}
