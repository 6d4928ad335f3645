package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetctl/fleetctl/internal/config"
	"github.com/fleetctl/fleetctl/internal/domain/node"
	"github.com/fleetctl/fleetctl/internal/domain/placement"
	"github.com/fleetctl/fleetctl/internal/wire"
	"github.com/fleetctl/fleetctl/internal/workerclient"
)

// ── test harness ──────────────────────────────────────────────────────────────

type fleet struct {
	srv     *httptest.Server
	workers map[string]*worker
}

type worker struct {
	client *workerclient.Client
	stop   context.CancelFunc
	done   chan struct{}
}

// newFleet runs the whole control plane on in-memory storage behind an HTTP
// test server and connects one reference worker per id.
func newFleet(t *testing.T, ids ...string) *fleet {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := config.Default()
	cfg.Rebalance.Interval = 0
	cfg.Registry.DegradedAfter = 150 * time.Millisecond
	cfg.Registry.HeartbeatTimeout = 300 * time.Millisecond
	cfg.Registry.SweepInterval = 20 * time.Millisecond
	cfg.Registry.CommandTimeout = 2 * time.Second

	app, err := wire.Build(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(app.Close)

	f := &fleet{srv: httptest.NewServer(app.Server.Handler), workers: make(map[string]*worker)}
	t.Cleanup(f.srv.Close)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/worker"
	for _, id := range ids {
		c := workerclient.New(workerclient.Config{
			URL:               url,
			NodeID:            id,
			Metadata:          node.Metadata{Location: "eu", MaxAccounts: 10},
			HeartbeatInterval: 50 * time.Millisecond,
			MinBackoff:        20 * time.Millisecond,
			MaxBackoff:        100 * time.Millisecond,
		})
		wctx, stop := context.WithCancel(ctx)
		w := &worker{client: c, stop: stop, done: make(chan struct{})}
		go func() {
			defer close(w.done)
			c.Run(wctx) //nolint:errcheck
		}()
		f.workers[id] = w
		t.Cleanup(func() { w.halt() })
	}
	for _, id := range ids {
		f.waitStatus(t, id, node.StatusOnline)
	}
	return f
}

func (w *worker) halt() {
	w.stop()
	<-w.done
}

func (f *fleet) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out.Bytes()
}

func (f *fleet) waitStatus(t *testing.T, id string, want node.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		code, body := f.do(t, http.MethodGet, "/api/agents/"+id, nil)
		if code != http.StatusOK {
			return false
		}
		var n node.Node
		return json.Unmarshal(body, &n) == nil && n.Status == want
	}, 3*time.Second, 20*time.Millisecond, "node %s never became %s", id, want)
}

// waitReported blocks until id is online and its last reported snapshot
// carries want accounts, so scores reflect the placements made so far.
func (f *fleet) waitReported(t *testing.T, id string, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		code, body := f.do(t, http.MethodGet, "/api/agents/"+id, nil)
		if code != http.StatusOK {
			return false
		}
		var n node.Node
		if json.Unmarshal(body, &n) != nil || n.Status != node.StatusOnline {
			return false
		}
		return n.Metrics.AccountCount != nil && *n.Metrics.AccountCount == want
	}, 3*time.Second, 20*time.Millisecond, "node %s never reported %d accounts", id, want)
}

func (f *fleet) hosting(accountID string) string {
	for id, w := range f.workers {
		for _, a := range w.client.Accounts() {
			if a == accountID {
				return id
			}
		}
	}
	return ""
}

// ── scenarios ─────────────────────────────────────────────────────────────────

func TestFleet_AllocateThenRelease(t *testing.T) {
	f := newFleet(t, "w1", "w2")

	for i := 1; i <= 4; i++ {
		id := fmt.Sprintf("acct-%d", i)
		code, body := f.do(t, http.MethodPost, "/api/allocate", placement.AllocationRequest{AccountID: id, SessionFile: id + ".session"})
		require.Equal(t, http.StatusOK, code, string(body))

		var res placement.AllocationResult
		require.NoError(t, json.Unmarshal(body, &res))
		require.True(t, res.Success, res.Message)
		assert.Equal(t, res.ServerID, f.hosting(id), "the chosen node hosts the account")
	}

	code, body := f.do(t, http.MethodGet, "/api/placements", nil)
	require.Equal(t, http.StatusOK, code)
	var ps []placement.Placement
	require.NoError(t, json.Unmarshal(body, &ps))
	assert.Len(t, ps, 4)

	code, _ = f.do(t, http.MethodDelete, "/api/placements/acct-1", nil)
	require.Equal(t, http.StatusOK, code)
	require.Eventually(t, func() bool { return f.hosting("acct-1") == "" }, 2*time.Second, 20*time.Millisecond)

	code, _ = f.do(t, http.MethodGet, "/api/placements/acct-1", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestFleet_LocationWithoutMatchingNode(t *testing.T) {
	f := newFleet(t, "w1")

	code, body := f.do(t, http.MethodPost, "/api/allocate", placement.AllocationRequest{
		AccountID: "acct-sg", SessionFile: "s", Strategy: "location", AccountLocation: "SG",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	var res placement.AllocationResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.False(t, res.Success)
	assert.Contains(t, strings.ToLower(res.Message), "no matching location")
}

func TestFleet_SilentWorkerGoesOfflineAndRejectsCommands(t *testing.T) {
	f := newFleet(t, "w1", "w2")

	f.workers["w2"].halt()
	f.waitStatus(t, "w2", node.StatusOffline)

	start := time.Now()
	code, _ := f.do(t, http.MethodPost, "/api/agents/w2/command", map[string]any{"action": "chat", "wait": true})
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Less(t, time.Since(start), time.Second, "dispatch to an offline node fails fast")

	// The surviving worker still takes placements.
	code, body := f.do(t, http.MethodPost, "/api/allocate", placement.AllocationRequest{AccountID: "a1", SessionFile: "s"})
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, "w1", f.hosting("a1"))
}

func TestFleet_RebalanceMovesAccountsOffBusyWorker(t *testing.T) {
	f := newFleet(t, "w1")

	for i := 1; i <= 6; i++ {
		id := fmt.Sprintf("acct-%d", i)
		code, body := f.do(t, http.MethodPost, "/api/allocate", placement.AllocationRequest{AccountID: id, SessionFile: "s"})
		require.Equal(t, http.StatusOK, code, string(body))
	}
	require.Len(t, f.workers["w1"].client.Accounts(), 6)

	// A second, empty worker joins; w1's migrate acks hand accounts off.
	newLateWorker(t, f, "w2")
	f.waitReported(t, "w1", 6)
	f.waitReported(t, "w2", 0)

	code, body := f.do(t, http.MethodPost, "/api/rebalance", map[string]any{"threshold": 1, "max_migrations": 2})
	require.Equal(t, http.StatusOK, code, string(body))

	var res struct {
		Success          bool     `json:"success"`
		MigratedAccounts []string `json:"migrated_accounts"`
	}
	require.NoError(t, json.Unmarshal(body, &res))
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.MigratedAccounts)
	assert.LessOrEqual(t, len(res.MigratedAccounts), 2)
	assert.Len(t, f.workers["w1"].client.Accounts(), 6-len(res.MigratedAccounts))

	code, body = f.do(t, http.MethodGet, "/api/placements?node_id=w2", nil)
	require.Equal(t, http.StatusOK, code)
	var moved []placement.Placement
	require.NoError(t, json.Unmarshal(body, &moved))
	assert.Len(t, moved, len(res.MigratedAccounts))
}

func newLateWorker(t *testing.T, f *fleet, id string) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/worker"
	c := workerclient.New(workerclient.Config{
		URL:               url,
		NodeID:            id,
		Metadata:          node.Metadata{Location: "eu", MaxAccounts: 10},
		HeartbeatInterval: 50 * time.Millisecond,
	})
	ctx, stop := context.WithCancel(context.Background())
	w := &worker{client: c, stop: stop, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		c.Run(ctx) //nolint:errcheck
	}()
	f.workers[id] = w
	t.Cleanup(w.halt)
}
