package rebalancer_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/fleetctl/fleetctl/internal/adapter/memory"
	"github.com/fleetctl/fleetctl/internal/domain/event"
	"github.com/fleetctl/fleetctl/internal/domain/fleeterr"
	"github.com/fleetctl/fleetctl/internal/domain/loadscore"
	"github.com/fleetctl/fleetctl/internal/domain/node"
	"github.com/fleetctl/fleetctl/internal/domain/placement"
	"github.com/fleetctl/fleetctl/internal/domain/protocol"
	"github.com/fleetctl/fleetctl/internal/domain/rebalance"
	portlocker "github.com/fleetctl/fleetctl/internal/port/locker"
	"github.com/fleetctl/fleetctl/internal/mocks"
	"github.com/fleetctl/fleetctl/internal/service/ranking"
	"github.com/fleetctl/fleetctl/internal/service/rebalancer"
	"github.com/fleetctl/fleetctl/internal/service/reservation"
	"github.com/fleetctl/fleetctl/internal/testutil"
)

// ── helpers ───────────────────────────────────────────────────────────────────

var accountsOnly = loadscore.Config{
	Weights:         loadscore.Weights{Accounts: 1},
	DefaultCapacity: 100,
	MaxActiveTasks:  10,
	MissingValue:    50,
}

var baseTime = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	svc          *rebalancer.Service
	reg          *mocks.MockRegistry
	locker       *mocks.MockAdvisoryLocker
	store        *memory.PlacementStore
	bus          *testutil.CaptureBus
	reservations *reservation.Set
	calc         *loadscore.Calculator
}

func newFixture(t *testing.T, nodes ...node.Node) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := &fixture{
		reg:          mocks.NewMockRegistry(ctrl),
		locker:       mocks.NewMockAdvisoryLocker(ctrl),
		store:        memory.NewPlacementStore(),
		bus:          &testutil.CaptureBus{},
		reservations: reservation.New(),
		calc:         loadscore.New(accountsOnly),
	}
	byID := make(map[string]node.Node)
	for _, n := range nodes {
		byID[n.ID] = n
	}
	f.reg.EXPECT().List(gomock.Any()).Return(nodes).AnyTimes()
	f.reg.EXPECT().Get(gomock.Any()).DoAndReturn(func(id string) (node.Node, bool) {
		n, ok := byID[id]
		return n, ok
	}).AnyTimes()
	f.reg.EXPECT().MarkAssigned(gomock.Any(), gomock.Any()).AnyTimes()

	f.svc = rebalancer.NewService(
		rebalancer.DefaultConfig, f.reg, ranking.NewService(f.reg), f.store, f.reservations,
		f.calc, f.bus, f.locker, rebalancer.WithClock(func() time.Time { return baseTime }),
	)
	return f
}

func fleetNode(id string, accounts, capacity int) node.Node {
	m := node.Metrics{AccountCount: &accounts}
	return node.Node{
		ID:        id,
		Status:    node.StatusOnline,
		Metadata:  node.Metadata{MaxAccounts: capacity},
		Metrics:   m,
		LoadScore: loadscore.New(accountsOnly).Score(m, capacity),
	}
}

func (f *fixture) seed(t *testing.T, nodeID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, f.store.Upsert(context.Background(), placement.Placement{
			AccountID:  fmt.Sprintf("%s-acct-%02d", nodeID, i),
			NodeID:     nodeID,
			AssignedAt: baseTime.Add(-time.Hour),
		}))
	}
}

func (f *fixture) ackMigrations() {
	f.reg.EXPECT().Call(gomock.Any(), gomock.Any(), protocol.ActionMigrateAccount, gomock.Any()).
		Return(node.CommandResult{Success: true}, nil).AnyTimes()
}

// ── planning ──────────────────────────────────────────────────────────────────

// Scenario A: the first move leaves the most loaded node for the least loaded.
func TestRebalance_MovesFromMostToLeastLoaded(t *testing.T) {
	f := newFixture(t, fleetNode("w1", 90, 100), fleetNode("w2", 40, 100), fleetNode("w3", 10, 100))
	f.seed(t, "w1", 5)
	f.seed(t, "w2", 3)
	f.seed(t, "w3", 1)

	f.reg.EXPECT().Call(gomock.Any(), "w1", protocol.ActionMigrateAccount, gomock.Any()).
		DoAndReturn(func(_ context.Context, _, _ string, payload json.RawMessage) (node.CommandResult, error) {
			var m protocol.MigrateAccount
			require.NoError(t, json.Unmarshal(payload, &m))
			assert.Equal(t, "w3", m.TargetNode)
			return node.CommandResult{Success: true}, nil
		})

	res, err := f.svc.Rebalance(context.Background(), rebalance.Request{Threshold: 20, MaxMigrations: 1})
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, res.Planned, 1)
	assert.Equal(t, "w1", res.Planned[0].FromNode)
	assert.Equal(t, "w3", res.Planned[0].ToNode)
	assert.InDelta(t, 89, res.Planned[0].PredictedFrom, 0.001)
	assert.InDelta(t, 11, res.Planned[0].PredictedTo, 0.001)
	assert.Equal(t, []string{res.Planned[0].AccountID}, res.MigratedAccounts)

	p, err := f.store.Get(context.Background(), res.Planned[0].AccountID)
	require.NoError(t, err)
	assert.Equal(t, "w3", p.NodeID)
	require.NotNil(t, p.LastMigratedAt)
	assert.Len(t, f.bus.OfType(event.TypeAccountMigrated), 1)
	assert.Len(t, f.bus.OfType(event.TypeRebalanceCompleted), 1)
}

func TestRebalance_RespectsMaxMigrations(t *testing.T) {
	f := newFixture(t, fleetNode("hot", 95, 100), fleetNode("cold", 0, 100))
	f.seed(t, "hot", 20)
	f.ackMigrations()

	res, err := f.svc.Rebalance(context.Background(), rebalance.Request{Threshold: 5, MaxMigrations: 3})
	require.NoError(t, err)
	assert.Len(t, res.Planned, 3)
	assert.LessOrEqual(t, len(res.MigratedAccounts)+len(res.FailedAccounts), 3)
}

func TestPlan_StopsWhenGapClosesBelowThreshold(t *testing.T) {
	f := newFixture(t, fleetNode("a", 60, 100), fleetNode("b", 30, 100))
	f.seed(t, "a", 60)

	plan, err := f.svc.Plan(context.Background(), rebalance.Request{Threshold: 20, MaxMigrations: 50})
	require.NoError(t, err)
	// 60/30 -> 55/35 closes the gap to 20, 54/36 falls below it.
	assert.Len(t, plan.Moves, 6)
	assert.Less(t, plan.PredictedGap, 20.0)
	assert.InDelta(t, 30, plan.InitialGap, 0.001)
}

func TestPlan_StopsBeforeInvertingPair(t *testing.T) {
	f := newFixture(t, fleetNode("big", 3, 10), fleetNode("tiny", 0, 2))
	f.seed(t, "big", 3)

	plan, err := f.svc.Plan(context.Background(), rebalance.Request{Threshold: 10, MaxMigrations: 5})
	require.NoError(t, err)
	assert.Empty(t, plan.Moves, "moving one account would leave tiny at 50 and big at 20")
}

func TestPlan_SkipsCooldownAndReservedAccounts(t *testing.T) {
	f := newFixture(t, fleetNode("hot", 80, 100), fleetNode("cold", 0, 100))
	ctx := context.Background()
	recent := baseTime.Add(-time.Minute)
	old := baseTime.Add(-48 * time.Hour)
	for _, p := range []placement.Placement{
		{AccountID: "cooling", NodeID: "hot", LastMigratedAt: &recent},
		{AccountID: "settled", NodeID: "hot", LastMigratedAt: &old},
		{AccountID: "reserved", NodeID: "hot"},
		{AccountID: "fresh", NodeID: "hot"},
	} {
		require.NoError(t, f.store.Upsert(ctx, p))
	}
	release, ok := f.reservations.Acquire("reserved", "allocate")
	require.True(t, ok)
	defer release()

	plan, err := f.svc.Plan(ctx, rebalance.Request{Threshold: 1, MaxMigrations: 10})
	require.NoError(t, err)

	var moved []string
	for _, m := range plan.Moves {
		moved = append(moved, m.AccountID)
	}
	assert.Equal(t, []string{"fresh", "settled"}, moved, "never-migrated first, cooldown and reserved skipped")
}

func TestRebalance_NoopWhenBalanced(t *testing.T) {
	f := newFixture(t, fleetNode("a", 30, 100), fleetNode("b", 25, 100))
	f.seed(t, "a", 3)

	res, err := f.svc.Rebalance(context.Background(), rebalance.Request{Threshold: 10, MaxMigrations: 5})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.Planned)
	assert.Empty(t, res.MigratedAccounts)
	assert.Contains(t, res.Message, "below threshold")
}

func TestRebalance_SingleNodeIsNoop(t *testing.T) {
	f := newFixture(t, fleetNode("only", 99, 100))
	res, err := f.svc.Rebalance(context.Background(), rebalance.Request{Threshold: 0, MaxMigrations: 5})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.Planned)
}

func TestRebalance_InvalidArguments(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Rebalance(context.Background(), rebalance.Request{Threshold: 10, MaxMigrations: 0})
	assert.True(t, errors.Is(err, fleeterr.ErrInvalidRequest))
	_, err = f.svc.Rebalance(context.Background(), rebalance.Request{Threshold: -5, MaxMigrations: 1})
	assert.True(t, errors.Is(err, fleeterr.ErrInvalidRequest))
}

// ── execution ─────────────────────────────────────────────────────────────────

func TestRebalance_FailSoft(t *testing.T) {
	f := newFixture(t, fleetNode("hot", 90, 100), fleetNode("cold", 0, 100))
	f.seed(t, "hot", 10)

	gomock.InOrder(
		f.reg.EXPECT().Call(gomock.Any(), "hot", protocol.ActionMigrateAccount, gomock.Any()).
			Return(node.CommandResult{}, fmt.Errorf("migrate: %w", fleeterr.ErrCommandTimeout)),
		f.reg.EXPECT().Call(gomock.Any(), "hot", protocol.ActionMigrateAccount, gomock.Any()).
			Return(node.CommandResult{Success: true}, nil),
	)

	res, err := f.svc.Rebalance(context.Background(), rebalance.Request{Threshold: 5, MaxMigrations: 2})
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, res.FailedAccounts, 1)
	require.Len(t, res.MigratedAccounts, 1)
	assert.Contains(t, res.Errors[res.FailedAccounts[0]], "command timed out")
	assert.Equal(t, "migrated 1 accounts, 1 failed", res.Message)

	p, err := f.store.Get(context.Background(), res.FailedAccounts[0])
	require.NoError(t, err)
	assert.Equal(t, "hot", p.NodeID, "failed move leaves the placement untouched")
}

func TestRebalance_RejectsConcurrentRun(t *testing.T) {
	f := newFixture(t, fleetNode("hot", 90, 100), fleetNode("cold", 0, 100))
	f.seed(t, "hot", 2)

	entered := make(chan struct{}, 1)
	unblock := make(chan struct{})
	f.reg.EXPECT().Call(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, string, string, json.RawMessage) (node.CommandResult, error) {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-unblock
			return node.CommandResult{Success: true}, nil
		}).AnyTimes()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.svc.Rebalance(context.Background(), rebalance.Request{Threshold: 5, MaxMigrations: 1})
	}()
	<-entered

	_, err := f.svc.Rebalance(context.Background(), rebalance.Request{Threshold: 5, MaxMigrations: 1})
	assert.True(t, errors.Is(err, fleeterr.ErrRebalanceInProgress))

	close(unblock)
	<-done
}

func TestPlan_LeavesDegradedNodesOut(t *testing.T) {
	hot := fleetNode("hot", 95, 100)
	hot.Status = node.StatusDegraded
	idle := fleetNode("idle", 0, 100)
	idle.Status = node.StatusDegraded
	f := newFixture(t, hot, idle, fleetNode("w1", 60, 100), fleetNode("w2", 20, 100))
	f.seed(t, "hot", 5)
	f.seed(t, "w1", 5)

	plan, err := f.svc.Plan(context.Background(), rebalance.Request{Threshold: 10, MaxMigrations: 5})
	require.NoError(t, err)
	require.NotEmpty(t, plan.Moves)
	for _, mv := range plan.Moves {
		assert.Equal(t, "w1", mv.FromNode)
		assert.Equal(t, "w2", mv.ToNode)
	}
	assert.InDelta(t, 40, plan.InitialGap, 0.001)
}

func TestRebalance_CancelledContextFailsRemainingMoves(t *testing.T) {
	f := newFixture(t, fleetNode("hot", 90, 100), fleetNode("cold", 0, 100))
	f.seed(t, "hot", 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := f.svc.Rebalance(ctx, rebalance.Request{Threshold: 5, MaxMigrations: 3})
	require.NoError(t, err)
	assert.Len(t, res.FailedAccounts, 3)
	assert.Empty(t, res.MigratedAccounts)
}

func TestRunScheduled_HoldsRebalanceLock(t *testing.T) {
	f := newFixture(t, fleetNode("a", 10, 100), fleetNode("b", 10, 100))
	f.locker.EXPECT().TryWithLock(gomock.Any(), portlocker.KeyRebalance, gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ int64, fn func(context.Context) error) error {
			return fn(ctx)
		})

	require.NoError(t, f.svc.RunScheduled(context.Background()))
	assert.Len(t, f.bus.OfType(event.TypeRebalanceCompleted), 1)
}

func TestRunScheduled_SkipsWhenLockHeldElsewhere(t *testing.T) {
	f := newFixture(t, fleetNode("hot", 90, 100), fleetNode("cold", 0, 100))
	f.locker.EXPECT().TryWithLock(gomock.Any(), portlocker.KeyRebalance, gomock.Any()).
		Return(fmt.Errorf("rebalance lock: %w", portlocker.ErrHeld))

	err := f.svc.RunScheduled(context.Background())
	assert.True(t, errors.Is(err, fleeterr.ErrRebalanceInProgress))
	assert.Empty(t, f.bus.OfType(event.TypeRebalanceCompleted))
}
