package wire

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetctl/fleetctl/internal/config"
	"github.com/fleetctl/fleetctl/internal/domain/node"
	"github.com/fleetctl/fleetctl/internal/testutil"
)

func TestBuild_MemoryMode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Default()
	cfg.Rebalance.Interval = 0

	app, err := Build(ctx, cfg)
	require.NoError(t, err)
	defer app.Close()
	assert.Nil(t, app.Pool)
	assert.Equal(t, ":8080", app.Server.Addr)

	srv := httptest.NewServer(app.Server.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/rankings")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSweeper_MarksSilentNodesOffline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Default()
	cfg.Rebalance.Interval = 0
	cfg.Registry.DegradedAfter = 20 * time.Millisecond
	cfg.Registry.HeartbeatTimeout = 40 * time.Millisecond
	cfg.Registry.SweepInterval = 10 * time.Millisecond

	app, err := Build(ctx, cfg)
	require.NoError(t, err)
	defer app.Close()

	accounts := 0
	_, err = app.Registry.Register(ctx, testutil.NewFakeConn(), "w1", node.Metadata{}, &node.Metrics{AccountCount: &accounts})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, ok := app.Registry.Get("w1")
		return ok && n.Status == node.StatusOffline
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScheduledRebalance_Runs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Default()
	cfg.Rebalance.Interval = 20 * time.Millisecond

	app, err := Build(ctx, cfg)
	require.NoError(t, err)
	defer app.Close()

	// Each scheduled run observes the rebalance duration histogram.
	require.Eventually(t, func() bool {
		mfs, err := app.Metrics.Registry().Gather()
		if err != nil {
			return false
		}
		for _, mf := range mfs {
			if mf.GetName() == "fleetctl_rebalance_duration_seconds" && len(mf.GetMetric()) > 0 {
				return mf.GetMetric()[0].GetHistogram().GetSampleCount() > 0
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}
