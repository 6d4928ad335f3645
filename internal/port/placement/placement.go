package placement

import (
	"context"
	"time"

	"github.com/fleetctl/fleetctl/internal/domain/placement"
)

// Repository persists the account -> node binding. Get, UpdateNode and Delete
// return fleeterr.ErrPlacementNotFound when no row matches.
type Repository interface {
	Get(ctx context.Context, accountID string) (placement.Placement, error)
	// Upsert creates or replaces the placement for p.AccountID.
	Upsert(ctx context.Context, p placement.Placement) error
	// UpdateNode moves the account only if it is still on fromNode.
	UpdateNode(ctx context.Context, accountID, fromNode, toNode string, migratedAt time.Time) error
	Delete(ctx context.Context, accountID string) error
	ListByNode(ctx context.Context, nodeID string) ([]placement.Placement, error)
	List(ctx context.Context, filters placement.ListFilters) ([]placement.Placement, error)
	CountByNode(ctx context.Context) (map[string]int, error)
	CountByScript(ctx context.Context, scriptID string) (map[string]int, error)
}
