package wire

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetctl/fleetctl/internal/adapter/memory"
	pgdb "github.com/fleetctl/fleetctl/internal/adapter/postgres"
	pgeventbus "github.com/fleetctl/fleetctl/internal/adapter/postgres/eventbus"
	pgidempotency "github.com/fleetctl/fleetctl/internal/adapter/postgres/idempotency"
	pglocker "github.com/fleetctl/fleetctl/internal/adapter/postgres/locker"
	pgplacement "github.com/fleetctl/fleetctl/internal/adapter/postgres/placement"
	"github.com/fleetctl/fleetctl/internal/config"
	"github.com/fleetctl/fleetctl/internal/domain/loadscore"
	"github.com/fleetctl/fleetctl/internal/metrics"
	porteventbus "github.com/fleetctl/fleetctl/internal/port/eventbus"
	portidempotency "github.com/fleetctl/fleetctl/internal/port/idempotency"
	portlocker "github.com/fleetctl/fleetctl/internal/port/locker"
	portplacement "github.com/fleetctl/fleetctl/internal/port/placement"
	"github.com/fleetctl/fleetctl/internal/service/allocator"
	"github.com/fleetctl/fleetctl/internal/service/ranking"
	"github.com/fleetctl/fleetctl/internal/service/rebalancer"
	"github.com/fleetctl/fleetctl/internal/service/registry"
	"github.com/fleetctl/fleetctl/internal/service/reservation"
	"github.com/fleetctl/fleetctl/internal/transport"
	mcptransport "github.com/fleetctl/fleetctl/internal/transport/mcp"
	wshandler "github.com/fleetctl/fleetctl/internal/transport/ws"
)

// App holds the top-level resources needed to run and gracefully stop the server.
type App struct {
	Config     *config.Config
	Pool       *pgxpool.Pool
	Server     *http.Server
	Registry   *registry.Service
	Allocator  *allocator.Service
	Rebalancer *rebalancer.Service
	MCPServer  *mcptransport.Server
	Metrics    *metrics.Metrics
}

// adapters are the storage-backed ports; Postgres or in-memory.
type adapters struct {
	pool        *pgxpool.Pool
	placements  portplacement.Repository
	eventBus    porteventbus.EventBus
	locker      portlocker.AdvisoryLocker
	idempotency portidempotency.Store
}

// Build is the composition root: the only place concrete types are wired to their
// interface dependencies. Background loops start with ctx and stop when it ends.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	m := metrics.New()

	// ── Adapters ─────────────────────────────────────────────────────────────
	ad, err := buildAdapters(ctx, cfg, m)
	if err != nil {
		return nil, err
	}

	// ── Services ─────────────────────────────────────────────────────────────
	calc := loadscore.New(cfg.Score)

	reg := registry.NewService(registry.Config{
		DegradedAfter:    cfg.Registry.DegradedAfter,
		HeartbeatTimeout: cfg.Registry.HeartbeatTimeout,
		CommandTimeout:   cfg.Registry.CommandTimeout,
		OfflineRetention: cfg.Registry.OfflineRetention,
	}, calc, ad.eventBus, registry.WithMetrics(m))
	ranks := ranking.NewService(reg)

	// Allocation and migration share one reservation set so an account is
	// never placed and moved at the same time.
	reservations := reservation.New()

	alloc := allocator.NewService(allocator.Config{
		CapacityCeiling:  cfg.Allocation.CapacityCeiling,
		RemoteSessionDir: cfg.Allocation.RemoteSessionDir,
		MaxAttempts:      cfg.Allocation.MaxAttempts,
	}, reg, ranks, ad.placements, reservations, ad.eventBus, allocator.WithMetrics(m))

	rebal := rebalancer.NewService(rebalancer.Config{
		Threshold:     cfg.Rebalance.Threshold,
		MaxMigrations: cfg.Rebalance.MaxMigrations,
		Cooldown:      cfg.Rebalance.Cooldown,
	}, reg, ranks, ad.placements, reservations, calc, ad.eventBus, ad.locker, rebalancer.WithMetrics(m))

	mcpServer := mcptransport.New(mcptransport.NewWatchRegistry(), mcptransport.Services{
		Registry:   reg,
		Ranking:    ranks,
		Allocator:  alloc,
		Rebalancer: rebal,
	})

	// ── Transport ─────────────────────────────────────────────────────────────
	router := transport.NewRouter(ctx, transport.Deps{
		Registry:    reg,
		Ranking:     ranks,
		Allocator:   alloc,
		Rebalancer:  rebal,
		MCP:         mcpServer,
		EventBus:    ad.eventBus,
		Idempotency: ad.idempotency,
		Metrics:     m,
		Worker:      wshandler.DefaultWorkerConfig,
	})

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	slog.Info("application wired", "port", cfg.Server.Port, "storage", storageName(ad.pool))

	app := &App{
		Config:     cfg,
		Pool:       ad.pool,
		Server:     server,
		Registry:   reg,
		Allocator:  alloc,
		Rebalancer: rebal,
		MCPServer:  mcpServer,
		Metrics:    m,
	}

	// ── Background loops ──────────────────────────────────────────────────────
	startSweeper(ctx, reg, cfg.Registry.SweepInterval)
	startScheduledRebalance(ctx, rebal, cfg.Rebalance.Interval)

	return app, nil
}

// Close releases the database pool, if any.
func (a *App) Close() {
	if a.Pool != nil {
		a.Pool.Close()
	}
}

func buildAdapters(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (adapters, error) {
	if cfg.Database.URL == "" {
		slog.Warn("database.url not set: placements are kept in memory and lost on restart")
		return adapters{
			placements:  memory.NewPlacementStore(),
			eventBus:    memory.NewEventBus(memory.WithBusMetrics(m)),
			locker:      memory.NewLocker(),
			idempotency: memory.NewIdempotencyStore(cfg.Idempotency.TTL),
		}, nil
	}

	pool, err := pgdb.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return adapters{}, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pgdb.Migrate(ctx, pool); err != nil {
		pool.Close()
		return adapters{}, fmt.Errorf("migrating database: %w", err)
	}
	return adapters{
		pool:        pool,
		placements:  pgplacement.New(pool),
		eventBus:    pgeventbus.New(pool, pgeventbus.WithMetrics(m)),
		locker:      pglocker.New(pool),
		idempotency: pgidempotency.New(pool, cfg.Idempotency.TTL),
	}, nil
}

func storageName(pool *pgxpool.Pool) string {
	if pool == nil {
		return "memory"
	}
	return "postgres"
}
