package agent_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetctl/fleetctl/internal/domain/loadscore"
	"github.com/fleetctl/fleetctl/internal/domain/node"
	"github.com/fleetctl/fleetctl/internal/domain/protocol"
	"github.com/fleetctl/fleetctl/internal/service/registry"
	"github.com/fleetctl/fleetctl/internal/testutil"
	transportagent "github.com/fleetctl/fleetctl/internal/transport/agent"
)

func init() { gin.SetMode(gin.TestMode) }

// ── helpers ───────────────────────────────────────────────────────────────────

func newRegistry(t *testing.T) *registry.Service {
	t.Helper()
	cfg := registry.DefaultConfig
	cfg.CommandTimeout = 200 * time.Millisecond
	return registry.NewService(cfg, loadscore.New(loadscore.DefaultConfig), &testutil.CaptureBus{})
}

func newRouter(reg *registry.Service) *gin.Engine {
	r := gin.New()
	api := r.Group("/api")
	transportagent.Register(api.Group("/agents"), reg)
	transportagent.RegisterBroadcast(api, reg)
	return r
}

func addNode(t *testing.T, reg *registry.Service, id, location string) *testutil.FakeConn {
	t.Helper()
	conn := testutil.NewFakeConn()
	accounts := 3
	_, err := reg.Register(context.Background(), conn, id, node.Metadata{Location: location}, &node.Metrics{AccountCount: &accounts})
	require.NoError(t, err)
	return conn
}

func do(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body) //nolint:errcheck
	}
	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// ── GET /agents ───────────────────────────────────────────────────────────────

func TestListAgents(t *testing.T) {
	reg := newRegistry(t)
	addNode(t, reg, "w2", "us")
	addNode(t, reg, "w1", "eu")
	r := newRouter(reg)

	w := do(r, http.MethodGet, "/api/agents", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	got := decode[[]node.Node](t, w)
	require.Len(t, got, 2)
	assert.Equal(t, "w1", got[0].ID)
	assert.Equal(t, node.StatusOnline, got[0].Status)
}

func TestListAgents_Filters(t *testing.T) {
	reg := newRegistry(t)
	addNode(t, reg, "w1", "eu")
	conn := addNode(t, reg, "w2", "us")
	reg.Disconnect(context.Background(), "w2", conn)
	r := newRouter(reg)

	got := decode[[]node.Node](t, do(r, http.MethodGet, "/api/agents?location=EU", nil))
	require.Len(t, got, 1)
	assert.Equal(t, "w1", got[0].ID)

	got = decode[[]node.Node](t, do(r, http.MethodGet, "/api/agents?status=offline", nil))
	require.Len(t, got, 1)
	assert.Equal(t, "w2", got[0].ID)
}

func TestListAgents_InvalidStatus(t *testing.T) {
	r := newRouter(newRegistry(t))
	w := do(r, http.MethodGet, "/api/agents?status=asleep", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ── GET /agents/:id ───────────────────────────────────────────────────────────

func TestGetAgent(t *testing.T) {
	reg := newRegistry(t)
	addNode(t, reg, "w1", "eu")
	r := newRouter(reg)

	w := do(r, http.MethodGet, "/api/agents/w1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "w1", decode[node.Node](t, w).ID)

	w = do(r, http.MethodGet, "/api/agents/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "UnknownNode", decode[map[string]string](t, w)["error_code"])
}

// ── POST /agents/:id/command ──────────────────────────────────────────────────

func TestSendCommand_FireAndForget(t *testing.T) {
	reg := newRegistry(t)
	conn := addNode(t, reg, "w1", "eu")
	r := newRouter(reg)

	w := do(r, http.MethodPost, "/api/agents/w1/command", map[string]any{"action": "monitor", "payload": map[string]int{"interval": 5}})
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "dispatched", decode[map[string]any](t, w)["status"])

	env, ok := conn.Next(time.Second)
	require.True(t, ok)
	assert.Equal(t, protocol.TypeCommand, env.Type)
	var cmd protocol.CommandPayload
	require.NoError(t, json.Unmarshal(env.Payload, &cmd))
	assert.Equal(t, "monitor", cmd.Action)
	assert.JSONEq(t, `{"interval":5}`, string(cmd.Payload))
}

func TestSendCommand_WaitAcked(t *testing.T) {
	reg := newRegistry(t)
	conn := addNode(t, reg, "w1", "eu")
	testutil.AutoAck(t, reg, "w1", conn, nil)
	r := newRouter(reg)

	w := do(r, http.MethodPost, "/api/agents/w1/command", map[string]any{"action": "chat", "wait": true})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "acked", decode[map[string]any](t, w)["status"])
}

func TestSendCommand_WaitRejected(t *testing.T) {
	reg := newRegistry(t)
	conn := addNode(t, reg, "w1", "eu")
	testutil.AutoAck(t, reg, "w1", conn, func(protocol.Envelope) node.CommandResult {
		return node.CommandResult{Success: false, Error: "busy"}
	})
	r := newRouter(reg)

	w := do(r, http.MethodPost, "/api/agents/w1/command", map[string]any{"action": "chat", "wait": true})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "rejected", decode[map[string]any](t, w)["status"])
}

func TestSendCommand_WaitTimesOut(t *testing.T) {
	reg := newRegistry(t)
	addNode(t, reg, "w1", "eu")
	r := newRouter(reg)

	w := do(r, http.MethodPost, "/api/agents/w1/command", map[string]any{"action": "chat", "wait": true})
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Equal(t, "failed", decode[map[string]any](t, w)["status"])
}

func TestSendCommand_Errors(t *testing.T) {
	reg := newRegistry(t)
	addNode(t, reg, "w1", "eu")
	r := newRouter(reg)

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"missing action", "/api/agents/w1/command", map[string]any{"payload": 1}, http.StatusBadRequest},
		{"unregistered node", "/api/agents/ghost/command", map[string]any{"action": "chat"}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

// ── POST /broadcast ───────────────────────────────────────────────────────────

func TestBroadcast(t *testing.T) {
	reg := newRegistry(t)
	c1 := addNode(t, reg, "w1", "eu")
	c2 := addNode(t, reg, "w2", "eu")
	addNode(t, reg, "w3", "eu")
	r := newRouter(reg)

	w := do(r, http.MethodPost, "/api/broadcast", map[string]any{"action": "reload", "exclude": []string{"w3"}})
	assert.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Action   string                      `json:"action"`
		Outcomes []registry.BroadcastOutcome `json:"outcomes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Outcomes, 2)
	for _, o := range body.Outcomes {
		assert.NotNil(t, o.CommandID, o.NodeID)
		assert.Empty(t, o.Error)
	}
	assert.Len(t, c1.Sent(), 1)
	assert.Len(t, c2.Sent(), 1)
}
