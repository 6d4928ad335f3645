package ranking_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetctl/fleetctl/internal/domain/loadscore"
	"github.com/fleetctl/fleetctl/internal/domain/node"
	rankingsvc "github.com/fleetctl/fleetctl/internal/service/ranking"
	"github.com/fleetctl/fleetctl/internal/service/registry"
	"github.com/fleetctl/fleetctl/internal/testutil"
	transportranking "github.com/fleetctl/fleetctl/internal/transport/ranking"
)

func init() { gin.SetMode(gin.TestMode) }

func TestListRankings(t *testing.T) {
	reg := registry.NewService(registry.DefaultConfig, loadscore.New(loadscore.DefaultConfig), &testutil.CaptureBus{})
	for id, accounts := range map[string]int{"busy": 70, "idle": 5} {
		n := accounts
		_, err := reg.Register(context.Background(), testutil.NewFakeConn(), id, node.Metadata{}, &node.Metrics{AccountCount: &n})
		require.NoError(t, err)
	}
	// Connecting nodes are never ranked.
	_, err := reg.Register(context.Background(), testutil.NewFakeConn(), "new", node.Metadata{}, nil)
	require.NoError(t, err)

	r := gin.New()
	transportranking.Register(r.Group("/api/rankings"), rankingsvc.NewService(reg))

	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, "/api/rankings", nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var got []rankingsvc.Entry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "idle", got[0].ServerID)
	assert.Equal(t, "busy", got[1].ServerID)
	assert.LessOrEqual(t, got[0].Score, got[1].Score)
}
