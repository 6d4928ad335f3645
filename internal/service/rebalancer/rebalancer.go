package rebalancer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/fleetctl/fleetctl/internal/domain/event"
	"github.com/fleetctl/fleetctl/internal/domain/fleeterr"
	"github.com/fleetctl/fleetctl/internal/domain/loadscore"
	"github.com/fleetctl/fleetctl/internal/domain/node"
	"github.com/fleetctl/fleetctl/internal/domain/placement"
	"github.com/fleetctl/fleetctl/internal/domain/protocol"
	"github.com/fleetctl/fleetctl/internal/domain/rebalance"
	portbus "github.com/fleetctl/fleetctl/internal/port/eventbus"
	portfleet "github.com/fleetctl/fleetctl/internal/port/fleet"
	portlocker "github.com/fleetctl/fleetctl/internal/port/locker"
	portplacement "github.com/fleetctl/fleetctl/internal/port/placement"
	"github.com/fleetctl/fleetctl/internal/metrics"
	"github.com/fleetctl/fleetctl/internal/service/ranking"
	"github.com/fleetctl/fleetctl/internal/service/reservation"
)

type Config struct {
	Threshold     float64
	MaxMigrations int
	// Cooldown keeps a recently migrated account in place.
	Cooldown time.Duration
}

var DefaultConfig = Config{
	Threshold:     20,
	MaxMigrations: 5,
	Cooldown:      30 * time.Minute,
}

type Service struct {
	cfg          Config
	reg          portfleet.Registry
	ranks        *ranking.Service
	repo         portplacement.Repository
	reservations *reservation.Set
	calc         *loadscore.Calculator
	bus          portbus.EventBus
	locker       portlocker.AdvisoryLocker
	metrics      *metrics.Metrics
	now          func() time.Time

	running sync.Mutex
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
	calc *loadscore.Calculator,
	bus portbus.EventBus,
	locker portlocker.AdvisoryLocker,
	opts ...Option,
) *Service {
	s := &Service{
		cfg:          cfg,
		reg:          reg,
		ranks:        ranks,
		repo:         repo,
		reservations: reservations,
		calc:         calc,
		bus:          bus,
		locker:       locker,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Defaults returns the configured threshold and migration bound.
func (s *Service) Defaults() rebalance.Request {
	return rebalance.Request{Threshold: s.cfg.Threshold, MaxMigrations: s.cfg.MaxMigrations}
}

// Rebalance plans and executes migrations from the most to the least loaded
// nodes. Failed moves are reported in the result; only invalid arguments or a
// concurrent run produce an error.
func (s *Service) Rebalance(ctx context.Context, req rebalance.Request) (rebalance.Result, error) {
	if err := req.Validate(); err != nil {
		return rebalance.Result{}, fmt.Errorf("rebalance: %w", err)
	}
	if !s.running.TryLock() {
		return rebalance.Result{}, fmt.Errorf("rebalance: %w", fleeterr.ErrRebalanceInProgress)
	}
	defer s.running.Unlock()

	start := time.Now()
	plan, err := s.Plan(ctx, req)
	if err != nil {
		return rebalance.Result{}, err
	}

	res := rebalance.NewResult(plan)
	if plan.Empty() {
		res.Message = plan.Reason
	}
	s.execute(ctx, plan, &res)
	res.Summarize()

	s.metrics.ObserveRebalance(time.Since(start))
	s.publish(ctx, event.New(event.TypeRebalanceCompleted, "", "").
		With("migrated", strconv.Itoa(len(res.MigratedAccounts))).
		With("failed", strconv.Itoa(len(res.FailedAccounts))))
	slog.InfoContext(ctx, "rebalance finished",
		"planned", len(plan.Moves), "migrated", len(res.MigratedAccounts), "failed", len(res.FailedAccounts),
		"initial_gap", plan.InitialGap, "predicted_gap", plan.PredictedGap)
	return res, nil
}

// RunScheduled runs one rebalance with the configured defaults while holding
// the cluster-wide rebalance lock. If another replica holds it the run is
// skipped with ErrRebalanceInProgress.
func (s *Service) RunScheduled(ctx context.Context) error {
	err := s.locker.TryWithLock(ctx, portlocker.KeyRebalance, func(ctx context.Context) error {
		_, err := s.Rebalance(ctx, s.Defaults())
		return err
	})
	if errors.Is(err, portlocker.ErrHeld) {
		return fmt.Errorf("scheduled rebalance: %w", fleeterr.ErrRebalanceInProgress)
	}
	return err
}

// simNode is a node's state as the planner predicts it after the moves so far.
type simNode struct {
	id       string
	metrics  node.Metrics
	capacity int
	score    float64
	hosted   int
	movable  []placement.Placement
}

// Plan computes the moves Rebalance would make without executing them.
func (s *Service) Plan(ctx context.Context, req rebalance.Request) (rebalance.Plan, error) {
	if err := req.Validate(); err != nil {
		return rebalance.Plan{}, fmt.Errorf("plan rebalance: %w", err)
	}
	plan := rebalance.Plan{Threshold: req.Threshold, MaxMigrations: req.MaxMigrations, Moves: []rebalance.Move{}}

	entries := s.ranks.Rankings()
	if len(entries) < 2 {
		plan.Reason = "fewer than two online nodes"
		return plan, nil
	}
	plan.InitialGap = ranking.Gap(entries)
	plan.PredictedGap = plan.InitialGap
	if plan.InitialGap < req.Threshold {
		plan.Reason = fmt.Sprintf("load gap %.2f below threshold %.2f", plan.InitialGap, req.Threshold)
		return plan, nil
	}

	all, err := s.repo.List(ctx, placement.ListFilters{})
	if err != nil {
		return rebalance.Plan{}, fmt.Errorf("plan rebalance: %w", err)
	}
	byNode := make(map[string][]placement.Placement)
	for _, p := range all {
		byNode[p.NodeID] = append(byNode[p.NodeID], p)
	}

	now := s.now()
	sims := make([]*simNode, 0, len(entries))
	for _, e := range entries {
		sn := &simNode{
			id:       e.ServerID,
			metrics:  e.Node.Metrics,
			capacity: e.Node.Metadata.MaxAccounts,
			score:    e.Score,
			hosted:   len(byNode[e.ServerID]),
		}
		for _, p := range byNode[e.ServerID] {
			if p.MigratedWithin(s.cfg.Cooldown, now) {
				continue
			}
			if _, busy := s.reservations.Held(p.AccountID); busy {
				continue
			}
			sn.movable = append(sn.movable, p)
		}
		sort.Slice(sn.movable, func(i, j int) bool { return placement.MovedBefore(sn.movable[i], sn.movable[j]) })
		sims = append(sims, sn)
	}

	exhausted := make(map[string]bool)
	for len(plan.Moves) < req.MaxMigrations {
		sortSims(sims)
		dst := sims[0]
		var src *simNode
		for i := len(sims) - 1; i > 0; i-- {
			if !exhausted[sims[i].id] {
				src = sims[i]
				break
			}
		}
		if src == nil || src.score-dst.score < req.Threshold {
			break
		}
		if len(src.movable) == 0 {
			exhausted[src.id] = true
			continue
		}

		fromMetrics, toMetrics := shareLoad(src, dst)
		fromScore := s.calc.Score(fromMetrics, src.capacity)
		toScore := s.calc.Score(toMetrics, dst.capacity)
		if toScore > fromScore {
			// Moving would just swap which node is overloaded.
			if plan.Empty() {
				plan.Reason = fmt.Sprintf("moving an account from %s to %s would invert their load", src.id, dst.id)
			}
			break
		}

		acct := src.movable[0]
		src.movable = src.movable[1:]
		src.metrics, src.score, src.hosted = fromMetrics, fromScore, src.hosted-1
		dst.metrics, dst.score, dst.hosted = toMetrics, toScore, dst.hosted+1

		plan.Moves = append(plan.Moves, rebalance.Move{
			AccountID:     acct.AccountID,
			FromNode:      src.id,
			ToNode:        dst.id,
			PredictedFrom: fromScore,
			PredictedTo:   toScore,
		})
	}

	sortSims(sims)
	plan.PredictedGap = sims[len(sims)-1].score - sims[0].score
	if plan.Empty() && plan.Reason == "" {
		plan.Reason = "no movable accounts on overloaded nodes"
	}
	return plan, nil
}

func sortSims(sims []*simNode) {
	sort.Slice(sims, func(i, j int) bool {
		if sims[i].score != sims[j].score {
			return sims[i].score < sims[j].score
		}
		return sims[i].id < sims[j].id
	})
}

// shareLoad predicts both nodes' metrics after one account moves from src to
// dst: the account count shifts by one and src hands over a 1/n share of its
// cpu, memory, bandwidth and tasks. Unreported fields stay unreported.
func shareLoad(src, dst *simNode) (node.Metrics, node.Metrics) {
	n := src.hosted
	if src.metrics.AccountCount != nil && *src.metrics.AccountCount > n {
		n = *src.metrics.AccountCount
	}
	if n < 1 {
		n = 1
	}
	from, to := src.metrics, dst.metrics

	from.AccountCount, to.AccountCount = shiftInt(from.AccountCount, to.AccountCount, 1)
	if from.ActiveTasks != nil {
		from.ActiveTasks, to.ActiveTasks = shiftInt(from.ActiveTasks, to.ActiveTasks, *from.ActiveTasks/n)
	}
	from.CPUPercent, to.CPUPercent = shiftFloat(from.CPUPercent, to.CPUPercent, n)
	from.MemoryPercent, to.MemoryPercent = shiftFloat(from.MemoryPercent, to.MemoryPercent, n)
	from.BandwidthPercent, to.BandwidthPercent = shiftFloat(from.BandwidthPercent, to.BandwidthPercent, n)
	return from, to
}

func shiftInt(from, to *int, amount int) (*int, *int) {
	var f, t *int
	if from != nil {
		v := *from - amount
		if v < 0 {
			v = 0
		}
		f = &v
	}
	if to != nil {
		v := *to + amount
		t = &v
	}
	return f, t
}

func shiftFloat(from, to *float64, n int) (*float64, *float64) {
	if from == nil {
		return nil, to
	}
	share := *from / float64(n)
	f := *from - share
	var t *float64
	if to != nil {
		v := *to + share
		t = &v
	}
	return &f, t
}

func (s *Service) execute(ctx context.Context, plan rebalance.Plan, res *rebalance.Result) {
	for i, mv := range plan.Moves {
		if err := ctx.Err(); err != nil {
			for _, rest := range plan.Moves[i:] {
				res.Fail(rest.AccountID, err)
				s.metrics.Migration("cancelled")
			}
			return
		}
		if err := s.migrate(ctx, mv); err != nil {
			res.Fail(mv.AccountID, err)
			s.metrics.Migration("failed")
			slog.WarnContext(ctx, "migration failed",
				"account_id", mv.AccountID, "from_node", mv.FromNode, "to_node", mv.ToNode, "error", err)
			continue
		}
		res.MigratedAccounts = append(res.MigratedAccounts, mv.AccountID)
		s.metrics.Migration("ok")
	}
}

func (s *Service) migrate(ctx context.Context, mv rebalance.Move) error {
	release, ok := s.reservations.Acquire(mv.AccountID, "rebalance")
	if !ok {
		return fmt.Errorf("migrate %s: %w", mv.AccountID, fleeterr.ErrAllocationInProgress)
	}
	defer release()

	p, err := s.repo.Get(ctx, mv.AccountID)
	if err != nil {
		return fmt.Errorf("migrate %s: %w", mv.AccountID, err)
	}
	if p.NodeID != mv.FromNode {
		return fmt.Errorf("migrate %s: %w: account moved to %s since planning", mv.AccountID, fleeterr.ErrPlacementNotFound, p.NodeID)
	}
	if n, ok := s.reg.Get(mv.ToNode); !ok || n.Status != node.StatusOnline {
		return fmt.Errorf("migrate %s: %w: target %s is not online", mv.AccountID, fleeterr.ErrNodeUnavailable, mv.ToNode)
	}

	payload, err := json.Marshal(protocol.MigrateAccount{
		AccountID:  mv.AccountID,
		TargetNode: mv.ToNode,
		RemotePath: p.RemotePath,
	})
	if err != nil {
		return fmt.Errorf("encode migrate_account: %w", err)
	}
	if _, err := s.reg.Call(ctx, mv.FromNode, protocol.ActionMigrateAccount, payload); err != nil {
		return fmt.Errorf("migrate %s: %w", mv.AccountID, err)
	}

	now := s.now()
	if err := s.repo.UpdateNode(ctx, mv.AccountID, mv.FromNode, mv.ToNode, now); err != nil {
		return fmt.Errorf("commit migration %s: %w", mv.AccountID, err)
	}
	s.reg.MarkAssigned(mv.ToNode, now)
	s.publish(ctx, event.New(event.TypeAccountMigrated, mv.ToNode, mv.AccountID).With("from_node", mv.FromNode))
	slog.InfoContext(ctx, "account migrated", "account_id", mv.AccountID, "from_node", mv.FromNode, "to_node", mv.ToNode)
	return nil
}

func (s *Service) publish(ctx context.Context, e event.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, e); err != nil {
		slog.ErrorContext(ctx, "failed to publish rebalance event", "type", e.Type, "error", err)
	}
}
