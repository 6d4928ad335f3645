package wire

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fleetctl/fleetctl/internal/domain/fleeterr"
	"github.com/fleetctl/fleetctl/internal/service/rebalancer"
	"github.com/fleetctl/fleetctl/internal/service/registry"
)

// startSweeper applies heartbeat timeouts and command deadlines on every tick.
func startSweeper(ctx context.Context, reg *registry.Service, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				rep := reg.SweepTimeouts(ctx, now)
				if len(rep.Degraded)+len(rep.Offline)+len(rep.Pruned)+rep.ExpiredCommands > 0 {
					slog.DebugContext(ctx, "sweep",
						"degraded", len(rep.Degraded), "offline", len(rep.Offline),
						"pruned", len(rep.Pruned), "expired_commands", rep.ExpiredCommands)
				}
			}
		}
	}()
}

// startScheduledRebalance runs a rebalance every interval. Zero disables it.
// With several control planes on one database only the replica that wins the
// advisory lock runs; the others skip that tick.
func startScheduledRebalance(ctx context.Context, rebal *rebalancer.Service, interval time.Duration) {
	if interval <= 0 {
		slog.Info("scheduled rebalance disabled")
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				err := rebal.RunScheduled(ctx)
				switch {
				case err == nil:
				case errors.Is(err, fleeterr.ErrRebalanceInProgress):
					slog.InfoContext(ctx, "scheduled rebalance skipped: one is already running", "error", err)
				case ctx.Err() != nil:
					return
				default:
					slog.ErrorContext(ctx, "scheduled rebalance failed", "error", err)
				}
			}
		}
	}()
}
