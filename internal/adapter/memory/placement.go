package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fleetctl/fleetctl/internal/domain/fleeterr"
	"github.com/fleetctl/fleetctl/internal/domain/placement"
)

// PlacementStore is an in-process placement repository for development and
// tests. It satisfies the same contract as the Postgres repository.
type PlacementStore struct {
	mu   sync.RWMutex
	rows map[string]placement.Placement
}

func NewPlacementStore() *PlacementStore {
	return &PlacementStore{rows: make(map[string]placement.Placement)}
}

func (s *PlacementStore) Get(_ context.Context, accountID string) (placement.Placement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.rows[accountID]
	if !ok {
		return placement.Placement{}, fmt.Errorf("placement %s: %w", accountID, fleeterr.ErrPlacementNotFound)
	}
	return p, nil
}

func (s *PlacementStore) Upsert(_ context.Context, p placement.Placement) error {
	s.mu.Lock()
	s.rows[p.AccountID] = p
	s.mu.Unlock()
	return nil
}

func (s *PlacementStore) UpdateNode(_ context.Context, accountID, fromNode, toNode string, migratedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[accountID]
	if !ok || p.NodeID != fromNode {
		return fmt.Errorf("move %s from %s: %w", accountID, fromNode, fleeterr.ErrPlacementNotFound)
	}
	p.NodeID = toNode
	p.LastMigratedAt = &migratedAt
	s.rows[accountID] = p
	return nil
}

func (s *PlacementStore) Delete(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[accountID]; !ok {
		return fmt.Errorf("delete placement %s: %w", accountID, fleeterr.ErrPlacementNotFound)
	}
	delete(s.rows, accountID)
	return nil
}

func (s *PlacementStore) ListByNode(ctx context.Context, nodeID string) ([]placement.Placement, error) {
	return s.List(ctx, placement.ListFilters{NodeID: &nodeID})
}

func (s *PlacementStore) List(_ context.Context, filters placement.ListFilters) ([]placement.Placement, error) {
	s.mu.RLock()
	out := make([]placement.Placement, 0, len(s.rows))
	for _, p := range s.rows {
		if filters.NodeID != nil && p.NodeID != *filters.NodeID {
			continue
		}
		if filters.ScriptID != nil && p.ScriptID != *filters.ScriptID {
			continue
		}
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

func (s *PlacementStore) CountByNode(_ context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int)
	for _, p := range s.rows {
		out[p.NodeID]++
	}
	return out, nil
}

func (s *PlacementStore) CountByScript(_ context.Context, scriptID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int)
	for _, p := range s.rows {
		if p.ScriptID == scriptID {
			out[p.NodeID]++
		}
	}
	return out, nil
}
