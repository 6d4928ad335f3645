package transport

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	portidempotency "github.com/fleetctl/fleetctl/internal/port/idempotency"
)

// noisyPaths are high-frequency read paths logged at Debug to keep Info clean.
var noisyPaths = map[string]bool{
	"/api/agents":   true,
	"/api/rankings": true,
	"/healthz":      true,
	"/metrics":      true,
	"/ws/worker":    true,
	"/ws/events":    true,
}

// IdempotencyHeader names the client-chosen key for a retryable POST.
const IdempotencyHeader = "Idempotency-Key"

func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if c.Request.Method == http.MethodOptions {
			return
		}
		level := slog.LevelInfo
		if c.Request.Method == http.MethodGet && noisyPaths[c.Request.URL.Path] {
			level = slog.LevelDebug
		}

		slog.Log(c.Request.Context(), level, "request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+IdempotencyHeader)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// recordedResponse is what the idempotency store keeps per key.
type recordedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// captureWriter tees the response body so it can be recorded after the
// handler returns.
type captureWriter struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.buf.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// IdempotencyMiddleware replays the recorded response for a POST carrying an
// Idempotency-Key that already succeeded on the same route. Only 2xx
// responses are recorded, so a failed attempt can be retried with the same key.
// Store failures degrade to running the handler.
func IdempotencyMiddleware(store portidempotency.Store, routes ...string) gin.HandlerFunc {
	guarded := make(map[string]bool, len(routes))
	for _, r := range routes {
		guarded[r] = true
	}
	return func(c *gin.Context) {
		key := c.GetHeader(IdempotencyHeader)
		route := c.FullPath()
		if key == "" || c.Request.Method != http.MethodPost || !guarded[route] {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		storeKey := route + ":" + key

		data, found, err := store.Check(ctx, storeKey)
		if err != nil {
			slog.WarnContext(ctx, "idempotency check failed", "route", route, "error", err)
		}
		if found {
			var rec recordedResponse
			if err := json.Unmarshal(data, &rec); err == nil {
				slog.InfoContext(ctx, "idempotent replay", "route", route, "idempotency_key", key)
				c.Header("Idempotent-Replayed", "true")
				c.Data(rec.Status, "application/json; charset=utf-8", rec.Body)
				c.Abort()
				return
			}
			slog.WarnContext(ctx, "idempotency record unreadable", "route", route, "idempotency_key", key)
		}

		w := &captureWriter{ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()

		status := w.Status()
		if status < 200 || status >= 300 || !json.Valid(w.buf.Bytes()) {
			return
		}
		rec, err := json.Marshal(recordedResponse{Status: status, Body: w.buf.Bytes()})
		if err != nil {
			return
		}
		if err := store.Store(ctx, storeKey, route, rec); err != nil {
			slog.WarnContext(ctx, "idempotency store failed", "route", route, "error", err)
		}
	}
}
