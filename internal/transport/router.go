package transport

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fleetctl/fleetctl/internal/domain/event"
	"github.com/fleetctl/fleetctl/internal/domain/node"
	"github.com/fleetctl/fleetctl/internal/metrics"
	porteventbus "github.com/fleetctl/fleetctl/internal/port/eventbus"
	portidempotency "github.com/fleetctl/fleetctl/internal/port/idempotency"
	"github.com/fleetctl/fleetctl/internal/service/allocator"
	rankingsvc "github.com/fleetctl/fleetctl/internal/service/ranking"
	"github.com/fleetctl/fleetctl/internal/service/rebalancer"
	"github.com/fleetctl/fleetctl/internal/service/registry"

	agenthandler "github.com/fleetctl/fleetctl/internal/transport/agent"
	allocationhandler "github.com/fleetctl/fleetctl/internal/transport/allocation"
	mcptransport "github.com/fleetctl/fleetctl/internal/transport/mcp"
	rankinghandler "github.com/fleetctl/fleetctl/internal/transport/ranking"
	rebalancehandler "github.com/fleetctl/fleetctl/internal/transport/rebalance"
	wshandler "github.com/fleetctl/fleetctl/internal/transport/ws"
)

// Deps are the services and adapters the HTTP surface is built from.
type Deps struct {
	Registry    *registry.Service
	Ranking     *rankingsvc.Service
	Allocator   *allocator.Service
	Rebalancer  *rebalancer.Service
	MCP         *mcptransport.Server
	EventBus    porteventbus.EventBus
	Idempotency portidempotency.Store
	Metrics     *metrics.Metrics
	Worker      wshandler.WorkerConfig
}

func NewRouter(ctx context.Context, d Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestLogger())
	r.Use(CORSMiddleware())
	if d.Idempotency != nil {
		r.Use(IdempotencyMiddleware(d.Idempotency, "/api/allocate", "/api/rebalance"))
	}

	api := r.Group("/api")

	agenthandler.Register(api.Group("/agents"), d.Registry)
	agenthandler.RegisterBroadcast(api, d.Registry)
	allocationhandler.Register(api, d.Allocator)
	rebalancehandler.Register(api, d.Rebalancer)
	rankinghandler.Register(api.Group("/rankings"), d.Ranking)

	ws := r.Group("/ws")
	wshandler.NewWorkerHandler(d.Worker, d.Registry, d.Metrics).Register(ws)
	hub := wshandler.NewHub()
	hub.Register(ws)

	r.GET("/healthz", healthz(d.Registry))
	r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	if d.MCP != nil {
		r.Any("/mcp", gin.WrapH(d.MCP.Handler()))
	}

	// One subscription per channel feeds both the browser hub and any MCP
	// sessions watching that channel.
	for _, ch := range event.Channels() {
		c := ch
		if _, err := d.EventBus.Subscribe(ctx, c, func(ctx context.Context, e event.Event) {
			hub.Broadcast(e)
			if d.MCP == nil {
				return
			}
			if err := d.MCP.Watchers().Notify(ctx, e); err != nil {
				slog.WarnContext(ctx, "mcp notify failed", "channel", c, "event_type", e.Type, "error", err)
			}
		}); err != nil {
			slog.Error("failed to subscribe channel to event fan-out", "channel", c, "error", err)
		}
	}

	return r
}

func healthz(reg *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		online := node.StatusOnline
		c.JSON(http.StatusOK, gin.H{
			"status":       "ok",
			"nodes":        len(reg.Snapshot()),
			"online_nodes": len(reg.List(node.ListFilters{Status: &online})),
		})
	}
}
