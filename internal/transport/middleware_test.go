package transport

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/fleetctl/fleetctl/internal/adapter/memory"
	"github.com/fleetctl/fleetctl/internal/mocks"
	portidempotency "github.com/fleetctl/fleetctl/internal/port/idempotency"
)

func init() { gin.SetMode(gin.TestMode) }

// ── helpers ───────────────────────────────────────────────────────────────────

// countingRouter mounts POST /api/allocate answering with status and a body
// that includes the call count, and POST /api/other which is not guarded.
func countingRouter(store portidempotency.Store, status *int32) (*gin.Engine, *int32) {
	var calls int32
	r := gin.New()
	r.Use(IdempotencyMiddleware(store, "/api/allocate"))
	handler := func(c *gin.Context) {
		n := atomic.AddInt32(&calls, 1)
		c.JSON(int(atomic.LoadInt32(status)), gin.H{"call": n})
	}
	r.POST("/api/allocate", handler)
	r.POST("/api/other", handler)
	return r, &calls
}

func post(r *gin.Engine, path, key string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodPost, path, bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(IdempotencyHeader, key)
	}
	r.ServeHTTP(w, req)
	return w
}

// ── IdempotencyMiddleware ─────────────────────────────────────────────────────

func TestIdempotency_ReplaysSuccess(t *testing.T) {
	status := int32(http.StatusOK)
	r, calls := countingRouter(memory.NewIdempotencyStore(time.Hour), &status)

	first := post(r, "/api/allocate", "k1")
	second := post(r, "/api/allocate", "k1")

	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
	assert.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
}

func TestIdempotency_DistinctKeysRunAgain(t *testing.T) {
	status := int32(http.StatusOK)
	r, calls := countingRouter(memory.NewIdempotencyStore(time.Hour), &status)

	post(r, "/api/allocate", "k1")
	post(r, "/api/allocate", "k2")
	post(r, "/api/allocate", "")

	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

func TestIdempotency_FailuresAreNotRecorded(t *testing.T) {
	status := int32(http.StatusConflict)
	r, calls := countingRouter(memory.NewIdempotencyStore(time.Hour), &status)

	assert.Equal(t, http.StatusConflict, post(r, "/api/allocate", "k1").Code)
	atomic.StoreInt32(&status, http.StatusOK)
	assert.Equal(t, http.StatusOK, post(r, "/api/allocate", "k1").Code)

	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
}

func TestIdempotency_UnguardedRoute(t *testing.T) {
	status := int32(http.StatusOK)
	r, calls := countingRouter(memory.NewIdempotencyStore(time.Hour), &status)

	post(r, "/api/other", "k1")
	post(r, "/api/other", "k1")

	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
}

func TestIdempotency_StoreErrorRunsHandler(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockIdempotencyStore(ctrl)
	store.EXPECT().Check(gomock.Any(), "/api/allocate:k1").Return(nil, false, errors.New("db down"))
	store.EXPECT().Store(gomock.Any(), "/api/allocate:k1", "/api/allocate", gomock.Any()).Return(errors.New("db down"))

	status := int32(http.StatusOK)
	r, calls := countingRouter(store, &status)

	w := post(r, "/api/allocate", "k1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

// ── CORSMiddleware ────────────────────────────────────────────────────────────

func TestCORS_Preflight(t *testing.T) {
	r := gin.New()
	r.Use(CORSMiddleware())
	r.POST("/api/allocate", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodOptions, "/api/allocate", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), IdempotencyHeader)
}
