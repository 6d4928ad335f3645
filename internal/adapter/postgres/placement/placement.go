package placement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetctl/fleetctl/internal/domain/fleeterr"
	domainplacement "github.com/fleetctl/fleetctl/internal/domain/placement"
)

const columns = `account_id, node_id, script_id, location, strategy, remote_path, assigned_at, last_migrated_at`

// Repository implements port/placement.Repository on the account_placements table.
type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Get(ctx context.Context, accountID string) (domainplacement.Placement, error) {
	query := `SELECT ` + columns + ` FROM account_placements WHERE account_id = $1`

	p, err := scanPlacement(r.pool.QueryRow(ctx, query, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domainplacement.Placement{}, fmt.Errorf("placement %s: %w", accountID, fleeterr.ErrPlacementNotFound)
		}
		return domainplacement.Placement{}, fmt.Errorf("querying placement: %w", err)
	}
	return p, nil
}

func (r *Repository) Upsert(ctx context.Context, p domainplacement.Placement) error {
	query := `
		INSERT INTO account_placements (` + columns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (account_id) DO UPDATE SET
			node_id = EXCLUDED.node_id,
			script_id = EXCLUDED.script_id,
			location = EXCLUDED.location,
			strategy = EXCLUDED.strategy,
			remote_path = EXCLUDED.remote_path,
			assigned_at = EXCLUDED.assigned_at,
			last_migrated_at = EXCLUDED.last_migrated_at`

	_, err := r.pool.Exec(ctx, query,
		p.AccountID, p.NodeID, p.ScriptID, p.Location, string(p.Strategy),
		p.RemotePath, p.AssignedAt, p.LastMigratedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting placement: %w", err)
	}
	return nil
}

// UpdateNode is a compare-and-swap on node_id; a concurrent move or release
// leaves zero rows affected.
func (r *Repository) UpdateNode(ctx context.Context, accountID, fromNode, toNode string, migratedAt time.Time) error {
	query := `
		UPDATE account_placements SET node_id = $3, last_migrated_at = $4
		WHERE account_id = $1 AND node_id = $2`

	tag, err := r.pool.Exec(ctx, query, accountID, fromNode, toNode, migratedAt)
	if err != nil {
		return fmt.Errorf("moving placement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("move %s from %s: %w", accountID, fromNode, fleeterr.ErrPlacementNotFound)
	}
	return nil
}

func (r *Repository) Delete(ctx context.Context, accountID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM account_placements WHERE account_id = $1`, accountID)
	if err != nil {
		return fmt.Errorf("deleting placement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete placement %s: %w", accountID, fleeterr.ErrPlacementNotFound)
	}
	return nil
}

func (r *Repository) ListByNode(ctx context.Context, nodeID string) ([]domainplacement.Placement, error) {
	return r.List(ctx, domainplacement.ListFilters{NodeID: &nodeID})
}

func (r *Repository) List(ctx context.Context, filters domainplacement.ListFilters) ([]domainplacement.Placement, error) {
	query := `SELECT ` + columns + ` FROM account_placements WHERE 1=1`

	args := []interface{}{}
	argIdx := 1

	if filters.NodeID != nil {
		query += fmt.Sprintf(" AND node_id = $%d", argIdx)
		args = append(args, *filters.NodeID)
		argIdx++
	}
	if filters.ScriptID != nil {
		query += fmt.Sprintf(" AND script_id = $%d", argIdx)
		args = append(args, *filters.ScriptID)
		argIdx++
	}

	query += " ORDER BY account_id"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing placements: %w", err)
	}
	defer rows.Close()

	out := []domainplacement.Placement{}
	for rows.Next() {
		p, err := scanPlacement(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning placement: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repository) CountByNode(ctx context.Context) (map[string]int, error) {
	return r.count(ctx, `SELECT node_id, COUNT(*) FROM account_placements GROUP BY node_id`)
}

func (r *Repository) CountByScript(ctx context.Context, scriptID string) (map[string]int, error) {
	return r.count(ctx, `SELECT node_id, COUNT(*) FROM account_placements WHERE script_id = $1 GROUP BY node_id`, scriptID)
}

func (r *Repository) count(ctx context.Context, query string, args ...interface{}) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("counting placements: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var nodeID string
		var n int
		if err := rows.Scan(&nodeID, &n); err != nil {
			return nil, fmt.Errorf("scanning placement count: %w", err)
		}
		out[nodeID] = n
	}
	return out, rows.Err()
}

func scanPlacement(row pgx.Row) (domainplacement.Placement, error) {
	var p domainplacement.Placement
	var strategy string
	err := row.Scan(
		&p.AccountID, &p.NodeID, &p.ScriptID, &p.Location, &strategy,
		&p.RemotePath, &p.AssignedAt, &p.LastMigratedAt,
	)
	p.Strategy = domainplacement.Kind(strategy)
	return p, err
}
