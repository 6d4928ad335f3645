package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetctl/fleetctl/internal/adapter/memory"
	"github.com/fleetctl/fleetctl/internal/domain/event"
	"github.com/fleetctl/fleetctl/internal/domain/loadscore"
	"github.com/fleetctl/fleetctl/internal/domain/node"
	"github.com/fleetctl/fleetctl/internal/metrics"
	"github.com/fleetctl/fleetctl/internal/service/allocator"
	"github.com/fleetctl/fleetctl/internal/service/ranking"
	"github.com/fleetctl/fleetctl/internal/service/rebalancer"
	"github.com/fleetctl/fleetctl/internal/service/registry"
	"github.com/fleetctl/fleetctl/internal/service/reservation"
	"github.com/fleetctl/fleetctl/internal/testutil"
	mcptransport "github.com/fleetctl/fleetctl/internal/transport/mcp"
	wshandler "github.com/fleetctl/fleetctl/internal/transport/ws"
)

func newTestServer(t *testing.T) (*httptest.Server, *registry.Service, *memory.EventBus) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	m := metrics.New()
	bus := memory.NewEventBus()
	calc := loadscore.New(loadscore.DefaultConfig)
	reg := registry.NewService(registry.DefaultConfig, calc, bus, registry.WithMetrics(m))
	ranks := ranking.NewService(reg)
	store := memory.NewPlacementStore()
	reservations := reservation.New()
	alloc := allocator.NewService(allocator.DefaultConfig, reg, ranks, store, reservations, bus, allocator.WithMetrics(m))
	rebal := rebalancer.NewService(rebalancer.DefaultConfig, reg, ranks, store, reservations, calc, bus, memory.NewLocker(), rebalancer.WithMetrics(m))

	r := NewRouter(ctx, Deps{
		Registry:    reg,
		Ranking:     ranks,
		Allocator:   alloc,
		Rebalancer:  rebal,
		MCP:         mcptransport.New(mcptransport.NewWatchRegistry(), mcptransport.Services{Registry: reg, Ranking: ranks, Allocator: alloc, Rebalancer: rebal}),
		EventBus:    bus,
		Idempotency: memory.NewIdempotencyStore(time.Hour),
		Metrics:     m,
		Worker:      wshandler.DefaultWorkerConfig,
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, reg, bus
}

func TestRouter_Healthz(t *testing.T) {
	srv, reg, _ := newTestServer(t)
	accounts := 1
	_, err := reg.Register(context.Background(), testutil.NewFakeConn(), "w1", node.Metadata{}, &node.Metrics{AccountCount: &accounts})
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["online_nodes"])
}

func TestRouter_Metrics(t *testing.T) {
	srv, reg, _ := newTestServer(t)
	accounts := 1
	_, err := reg.Register(context.Background(), testutil.NewFakeConn(), "w1", node.Metadata{}, &node.Metrics{AccountCount: &accounts})
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRouter_AllocateReplaysWithIdempotencyKey(t *testing.T) {
	srv, _, _ := newTestServer(t)

	send := func() *http.Response {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/allocate",
			strings.NewReader(`{"account_id":"a1","session_file":"a1.session"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(IdempotencyHeader, "retry-1")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	// No nodes: the failure is not recorded, so the retry runs again.
	assert.Equal(t, http.StatusUnprocessableEntity, send().StatusCode)
	second := send()
	assert.Equal(t, http.StatusUnprocessableEntity, second.StatusCode)
	assert.Empty(t, second.Header.Get("Idempotent-Replayed"))
}

func TestRouter_EventsReachHub(t *testing.T) {
	srv, _, bus := newTestServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The hub registers the client after the upgrade returns, so publish
	// until the first event arrives.
	done := make(chan struct{})
	defer close(done)
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				bus.Publish(context.Background(), event.New(event.TypeNodeOnline, "w9", "")) //nolint:errcheck
			}
		}
	}()

	var got event.Event
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, event.TypeNodeOnline, got.Type)
	assert.Equal(t, "w9", got.NodeID)
}
