//go:build integration

package placement_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pgidempotency "github.com/fleetctl/fleetctl/internal/adapter/postgres/idempotency"
	pglocker "github.com/fleetctl/fleetctl/internal/adapter/postgres/locker"
	pgplacement "github.com/fleetctl/fleetctl/internal/adapter/postgres/placement"
	"github.com/fleetctl/fleetctl/internal/domain/fleeterr"
	domainplacement "github.com/fleetctl/fleetctl/internal/domain/placement"
	portlocker "github.com/fleetctl/fleetctl/internal/port/locker"
	"github.com/fleetctl/fleetctl/internal/testutil"
)

// ── helpers ───────────────────────────────────────────────────────────────────

func uniq(prefix string) string {
	return prefix + "-" + uuid.New().String()[:8]
}

func makePlacement(t *testing.T, ctx context.Context, r *pgplacement.Repository, nodeID, scriptID string) domainplacement.Placement {
	t.Helper()
	p := domainplacement.Placement{
		AccountID:  uniq("acct"),
		NodeID:     nodeID,
		ScriptID:   scriptID,
		Strategy:   domainplacement.KindLoadBalance,
		RemotePath: "/data/sessions/x.session",
		AssignedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, r.Upsert(ctx, p))
	return p
}

// ── placements ────────────────────────────────────────────────────────────────

func TestPlacement_UpsertAndGet(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	ctx := context.Background()
	r := pgplacement.New(pool)

	p := makePlacement(t, ctx, r, uniq("node"), "")

	got, err := r.Get(ctx, p.AccountID)
	require.NoError(t, err)
	assert.Equal(t, p.NodeID, got.NodeID)
	assert.Equal(t, domainplacement.KindLoadBalance, got.Strategy)
	assert.True(t, p.AssignedAt.Equal(got.AssignedAt))
	assert.Nil(t, got.LastMigratedAt)

	p.NodeID = uniq("node")
	require.NoError(t, r.Upsert(ctx, p))
	got, err = r.Get(ctx, p.AccountID)
	require.NoError(t, err)
	assert.Equal(t, p.NodeID, got.NodeID)
}

func TestPlacement_GetMissing(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	_, err := pgplacement.New(pool).Get(context.Background(), uniq("missing"))
	assert.ErrorIs(t, err, fleeterr.ErrPlacementNotFound)
}

func TestPlacement_UpdateNodeIsCompareAndSwap(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	ctx := context.Background()
	r := pgplacement.New(pool)

	from, to := uniq("node"), uniq("node")
	p := makePlacement(t, ctx, r, from, "")
	now := time.Now().UTC()

	require.NoError(t, r.UpdateNode(ctx, p.AccountID, from, to, now))
	err := r.UpdateNode(ctx, p.AccountID, from, to, now)
	assert.ErrorIs(t, err, fleeterr.ErrPlacementNotFound, "second move from the old node must not apply")

	got, err := r.Get(ctx, p.AccountID)
	require.NoError(t, err)
	assert.Equal(t, to, got.NodeID)
	require.NotNil(t, got.LastMigratedAt)
}

func TestPlacement_CountsAndFilters(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	ctx := context.Background()
	r := pgplacement.New(pool)

	n1, n2, script := uniq("node"), uniq("node"), uniq("script")
	makePlacement(t, ctx, r, n1, script)
	makePlacement(t, ctx, r, n1, script)
	makePlacement(t, ctx, r, n2, "")

	counts, err := r.CountByNode(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[n1])
	assert.Equal(t, 1, counts[n2])

	byScript, err := r.CountByScript(ctx, script)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{n1: 2}, byScript)

	onN1, err := r.ListByNode(ctx, n1)
	require.NoError(t, err)
	assert.Len(t, onN1, 2)
	assert.Less(t, onN1[0].AccountID, onN1[1].AccountID)
}

func TestPlacement_Delete(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	ctx := context.Background()
	r := pgplacement.New(pool)

	p := makePlacement(t, ctx, r, uniq("node"), "")
	require.NoError(t, r.Delete(ctx, p.AccountID))
	assert.ErrorIs(t, r.Delete(ctx, p.AccountID), fleeterr.ErrPlacementNotFound)
}

// ── idempotency and locking ───────────────────────────────────────────────────

func TestIdempotency_FirstResultWins(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	ctx := context.Background()
	r := pgidempotency.New(pool, time.Hour)

	key := uniq("key")
	_, ok, err := r.Check(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Store(ctx, key, "allocate", []byte(`{"n":1}`)))
	require.NoError(t, r.Store(ctx, key, "allocate", []byte(`{"n":2}`)))

	got, ok, err := r.Check(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"n":1}`, string(got))
}

func TestLocker_SerialisesHolders(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	l := pglocker.New(pool)
	key := int64(uuid.New().ID())

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.WithLock(context.Background(), key, func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := l.WithLock(ctx, key, func(context.Context) error { return nil })
	assert.Error(t, err, "second holder must wait until ctx expires")

	close(release)
	<-done
	require.NoError(t, l.WithLock(context.Background(), key, func(context.Context) error { return nil }))
}

func TestLocker_TrySkipsWhileHeld(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	l := pglocker.New(pool)
	key := int64(uuid.New().ID())
	ctx := context.Background()

	err := l.WithLock(ctx, key, func(ctx context.Context) error {
		return l.TryWithLock(ctx, key, func(context.Context) error { return nil })
	})
	assert.ErrorIs(t, err, portlocker.ErrHeld)

	require.NoError(t, l.TryWithLock(ctx, key, func(context.Context) error { return nil }))
}
