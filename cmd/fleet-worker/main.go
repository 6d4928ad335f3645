// Command fleet-worker is a reference worker node. It connects to a fleetctl
// control plane, reports synthetic load and acks placement commands.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/fleetctl/fleetctl/internal/workerclient"
)

func main() {
	cfg := workerclient.DefaultConfig
	hostname, _ := os.Hostname()

	flag.StringVar(&cfg.URL, "url", "ws://localhost:8080/ws/worker", "control plane worker endpoint")
	flag.StringVar(&cfg.NodeID, "node-id", hostname, "node identifier")
	flag.StringVar(&cfg.Metadata.Location, "location", "", "location pool this node belongs to")
	flag.IntVar(&cfg.Metadata.MaxAccounts, "max-accounts", 100, "account capacity")
	flag.DurationVar(&cfg.HeartbeatInterval, "heartbeat", cfg.HeartbeatInterval, "heartbeat interval")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if cfg.NodeID == "" {
		slog.Error("node id is required")
		os.Exit(1)
	}
	cfg.Metadata.Hostname = hostname
	cfg.Metadata.Version = "fleet-worker/1"
	cfg.Metadata.Labels = map[string]string{"kind": "reference"}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := workerclient.New(cfg)
	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("worker stopped", "node_id", cfg.NodeID, "accounts", len(client.Accounts()))
}
