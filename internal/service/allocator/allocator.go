package allocator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/fleetctl/fleetctl/internal/domain/event"
	"github.com/fleetctl/fleetctl/internal/domain/fleeterr"
	"github.com/fleetctl/fleetctl/internal/domain/node"
	"github.com/fleetctl/fleetctl/internal/domain/placement"
	"github.com/fleetctl/fleetctl/internal/domain/protocol"
	portbus "github.com/fleetctl/fleetctl/internal/port/eventbus"
	portfleet "github.com/fleetctl/fleetctl/internal/port/fleet"
	portplacement "github.com/fleetctl/fleetctl/internal/port/placement"
	"github.com/fleetctl/fleetctl/internal/metrics"
	"github.com/fleetctl/fleetctl/internal/service/ranking"
	"github.com/fleetctl/fleetctl/internal/service/reservation"
)

type Config struct {
	// CapacityCeiling excludes nodes whose score is at or above it.
	CapacityCeiling float64
	// RemoteSessionDir is where workers store session files when the ack
	// does not name a path.
	RemoteSessionDir string
	// MaxAttempts bounds reselection after a chosen node turns out to be
	// unavailable.
	MaxAttempts int
}

var DefaultConfig = Config{
	CapacityCeiling:  90,
	RemoteSessionDir: "/data/sessions",
	MaxAttempts:      3,
}

// Service places accounts on nodes. Placement is two-phase: the account is
// reserved and the chosen node must ack place_account before the placement
// is committed.
type Service struct {
	cfg          Config
	reg          portfleet.Registry
	ranks        *ranking.Service
	repo         portplacement.Repository
	reservations *reservation.Set
	bus          portbus.EventBus
	metrics      *metrics.Metrics
	now          func() time.Time
}

type Option func(*Service)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(
	cfg Config,
	reg portfleet.Registry,
	ranks *ranking.Service,
	repo portplacement.Repository,
	reservations *reservation.Set,
	bus portbus.EventBus,
	opts ...Option,
) *Service {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	s := &Service{
		cfg:          cfg,
		reg:          reg,
		ranks:        ranks,
		repo:         repo,
		reservations: reservations,
		bus:          bus,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Allocate chooses a node for req and places the account there. The result is
// always populated; on failure err carries the taxonomy sentinel and the
// result's Message and ErrorCode describe it.
func (s *Service) Allocate(ctx context.Context, req placement.AllocationRequest) (placement.AllocationResult, error) {
	req.AccountID = strings.TrimSpace(req.AccountID)
	strategy, err := validate(req)
	if err != nil {
		return s.fail(ctx, req, "invalid", err)
	}
	kind := string(strategy.Kind())

	release, ok := s.reservations.Acquire(req.AccountID, "allocate")
	if !ok {
		return s.fail(ctx, req, kind, fmt.Errorf("allocate %s: %w", req.AccountID, fleeterr.ErrAllocationInProgress))
	}
	defer release()

	previous, err := s.repo.Get(ctx, req.AccountID)
	hadPrevious := err == nil
	if err != nil && !errors.Is(err, fleeterr.ErrPlacementNotFound) {
		return s.fail(ctx, req, kind, fmt.Errorf("allocate %s: %w", req.AccountID, err))
	}

	payload, err := json.Marshal(protocol.PlaceAccount{
		AccountID:   req.AccountID,
		SessionFile: req.SessionFile,
		ScriptID:    req.ScriptID,
		RemoteDir:   s.cfg.RemoteSessionDir,
	})
	if err != nil {
		return s.fail(ctx, req, kind, fmt.Errorf("encode place_account: %w", err))
	}

	excluded := make(map[string]bool)
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		cands, err := s.candidates(ctx, strategy, req.ScriptID, excluded)
		if err != nil {
			return s.fail(ctx, req, kind, fmt.Errorf("allocate %s: %w", req.AccountID, err))
		}
		chosen, err := strategy.Select(cands, s.cfg.CapacityCeiling)
		if err != nil {
			if lastErr != nil {
				err = lastErr
			}
			return s.fail(ctx, req, kind, fmt.Errorf("allocate %s: %w", req.AccountID, err))
		}

		ack, err := s.reg.Call(ctx, chosen.NodeID, protocol.ActionPlaceAccount, payload)
		if errors.Is(err, fleeterr.ErrNodeUnavailable) {
			slog.WarnContext(ctx, "allocation target unavailable, reselecting",
				"account_id", req.AccountID, "node_id", chosen.NodeID, "error", err)
			excluded[chosen.NodeID] = true
			lastErr = err
			continue
		}
		if err != nil {
			return s.fail(ctx, req, kind, fmt.Errorf("allocate %s: %w", req.AccountID, err))
		}

		// The ack may race with a heartbeat lapse or a reconnect. Commit only
		// to a node that is still online.
		if n, ok := s.reg.Get(chosen.NodeID); !ok || n.Status != node.StatusOnline {
			status := node.StatusOffline
			if ok {
				status = n.Status
			}
			return s.fail(ctx, req, kind, fmt.Errorf("allocate %s: %w: %s is %s at commit",
				req.AccountID, fleeterr.ErrNodeUnavailable, chosen.NodeID, status))
		}

		now := s.now()
		p := placement.Placement{
			AccountID:  req.AccountID,
			NodeID:     chosen.NodeID,
			ScriptID:   req.ScriptID,
			Location:   chosen.Location,
			Strategy:   strategy.Kind(),
			RemotePath: s.remotePath(ack, req.SessionFile),
			AssignedAt: now,
		}
		if err := s.repo.Upsert(ctx, p); err != nil {
			return s.fail(ctx, req, kind, fmt.Errorf("commit placement %s: %w", req.AccountID, err))
		}
		s.reg.MarkAssigned(chosen.NodeID, now)

		if hadPrevious && previous.NodeID != chosen.NodeID {
			s.removeFrom(ctx, previous)
		}

		s.metrics.Allocation(kind, "ok")
		s.publish(ctx, event.New(event.TypeAccountPlaced, chosen.NodeID, req.AccountID).With("strategy", kind))
		slog.InfoContext(ctx, "account placed",
			"account_id", req.AccountID, "node_id", chosen.NodeID, "strategy", kind, "load_score", chosen.Score)

		score := chosen.Score
		return placement.AllocationResult{
			Success:    true,
			ServerID:   chosen.NodeID,
			RemotePath: p.RemotePath,
			LoadScore:  &score,
			Message:    fmt.Sprintf("placed on %s using %s", chosen.NodeID, kind),
		}, nil
	}
	return s.fail(ctx, req, kind, fmt.Errorf("allocate %s: %w", req.AccountID, lastErr))
}

// Release drops the account's placement, as when the account is deleted
// upstream, and asks the hosting node to remove it. The remove command is
// best effort.
func (s *Service) Release(ctx context.Context, accountID string) (placement.Placement, error) {
	releaseRes, ok := s.reservations.Acquire(accountID, "release")
	if !ok {
		return placement.Placement{}, fmt.Errorf("release %s: %w", accountID, fleeterr.ErrAllocationInProgress)
	}
	defer releaseRes()

	p, err := s.repo.Get(ctx, accountID)
	if err != nil {
		return placement.Placement{}, fmt.Errorf("release %s: %w", accountID, err)
	}
	if err := s.repo.Delete(ctx, accountID); err != nil {
		return placement.Placement{}, fmt.Errorf("release %s: %w", accountID, err)
	}
	s.removeFrom(ctx, p)

	s.publish(ctx, event.New(event.TypeAccountReleased, p.NodeID, accountID))
	slog.InfoContext(ctx, "account released", "account_id", accountID, "node_id", p.NodeID)
	return p, nil
}

func (s *Service) GetPlacement(ctx context.Context, accountID string) (placement.Placement, error) {
	p, err := s.repo.Get(ctx, accountID)
	if err != nil {
		return placement.Placement{}, fmt.Errorf("get placement: %w", err)
	}
	return p, nil
}

func (s *Service) ListPlacements(ctx context.Context, filters placement.ListFilters) ([]placement.Placement, error) {
	ps, err := s.repo.List(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("list placements: %w", err)
	}
	return ps, nil
}

func validate(req placement.AllocationRequest) (placement.Strategy, error) {
	if req.AccountID == "" {
		return nil, fmt.Errorf("%w: account_id is required", fleeterr.ErrInvalidRequest)
	}
	if strings.TrimSpace(req.SessionFile) == "" {
		return nil, fmt.Errorf("%w: session_file is required", fleeterr.ErrInvalidRequest)
	}
	return placement.ParseStrategy(req.Strategy, req.AccountLocation, req.ScriptID)
}

// candidates converts the current ranking into strategy input. Account counts
// come from committed placements, falling back to what the node reports.
func (s *Service) candidates(ctx context.Context, strategy placement.Strategy, scriptID string, excluded map[string]bool) ([]placement.Candidate, error) {
	counts, err := s.repo.CountByNode(ctx)
	if err != nil {
		return nil, fmt.Errorf("count placements: %w", err)
	}
	var scriptCounts map[string]int
	if strategy.Kind() == placement.KindAffinity && scriptID != "" {
		scriptCounts, err = s.repo.CountByScript(ctx, scriptID)
		if err != nil {
			return nil, fmt.Errorf("count script placements: %w", err)
		}
	}

	entries := s.ranks.Rankings()
	out := make([]placement.Candidate, 0, len(entries))
	for _, e := range entries {
		if excluded[e.ServerID] {
			continue
		}
		accounts, ok := counts[e.ServerID]
		if !ok {
			accounts = e.AccountCount
		}
		out = append(out, placement.Candidate{
			NodeID:         e.ServerID,
			Score:          e.Score,
			Location:       e.Location,
			Accounts:       accounts,
			ScriptAccounts: scriptCounts[e.ServerID],
			LastAssignedAt: e.Node.LastAssignedAt,
		})
	}
	return out, nil
}

func (s *Service) remotePath(ack node.CommandResult, sessionFile string) string {
	if len(ack.Payload) > 0 {
		var pa protocol.PlacementAck
		if err := json.Unmarshal(ack.Payload, &pa); err == nil && pa.RemotePath != "" {
			return pa.RemotePath
		}
	}
	base := path.Base(strings.ReplaceAll(sessionFile, `\`, "/"))
	return path.Join(s.cfg.RemoteSessionDir, base)
}

func (s *Service) removeFrom(ctx context.Context, p placement.Placement) {
	payload, err := json.Marshal(protocol.RemoveAccount{AccountID: p.AccountID})
	if err != nil {
		return
	}
	if _, err := s.reg.Dispatch(p.NodeID, protocol.ActionRemoveAccount, payload); err != nil {
		slog.WarnContext(ctx, "remove_account not delivered", "account_id", p.AccountID, "node_id", p.NodeID, "error", err)
	}
}

func (s *Service) fail(ctx context.Context, req placement.AllocationRequest, kind string, err error) (placement.AllocationResult, error) {
	code := fleeterr.Code(err)
	label := code
	if label == "" {
		label = "error"
	}
	s.metrics.Allocation(kind, label)
	s.publish(ctx, event.New(event.TypeAllocationFailed, "", req.AccountID).With("error_code", code))
	slog.WarnContext(ctx, "allocation failed", "account_id", req.AccountID, "strategy", kind, "error", err)
	return placement.AllocationResult{
		Success:   false,
		Message:   err.Error(),
		ErrorCode: code,
	}, err
}

func (s *Service) publish(ctx context.Context, e event.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, e); err != nil {
		slog.ErrorContext(ctx, "failed to publish placement event", "type", e.Type, "account_id", e.AccountID, "error", err)
	}
}
