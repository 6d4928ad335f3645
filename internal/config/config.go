// Package config loads the control-plane configuration.
//
// Configuration comes from one YAML file named by the --config flag or the
// FLEETCTL_CONFIG environment variable. Without a file the defaults apply.
// A small set of environment variables then override the file, so container
// deployments can set the database URL and port without templating YAML.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fleetctl/fleetctl/internal/domain/loadscore"
)

type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Registry    RegistryConfig    `yaml:"registry"`
	Score       loadscore.Config  `yaml:"score"`
	Allocation  AllocationConfig  `yaml:"allocation"`
	Rebalance   RebalanceConfig   `yaml:"rebalance"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	// URL is a Postgres connection string. Empty runs on in-memory storage.
	URL string `yaml:"url"`
}

type RegistryConfig struct {
	DegradedAfter    time.Duration `yaml:"degraded_after"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	CommandTimeout   time.Duration `yaml:"command_timeout"`
	OfflineRetention time.Duration `yaml:"offline_retention"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

type AllocationConfig struct {
	CapacityCeiling  float64 `yaml:"capacity_ceiling"`
	RemoteSessionDir string  `yaml:"remote_session_dir"`
	MaxAttempts      int     `yaml:"max_attempts"`
}

type RebalanceConfig struct {
	Threshold     float64       `yaml:"threshold"`
	MaxMigrations int           `yaml:"max_migrations"`
	Cooldown      time.Duration `yaml:"cooldown"`
	// Interval between scheduled runs; 0 disables the scheduler.
	Interval time.Duration `yaml:"interval"`
}

type IdempotencyConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Registry: RegistryConfig{
			DegradedAfter:    45 * time.Second,
			HeartbeatTimeout: 90 * time.Second,
			CommandTimeout:   30 * time.Second,
			OfflineRetention: 10 * time.Minute,
			SweepInterval:    5 * time.Second,
		},
		Score: loadscore.DefaultConfig,
		Allocation: AllocationConfig{
			CapacityCeiling:  90,
			RemoteSessionDir: "/data/sessions",
			MaxAttempts:      3,
		},
		Rebalance: RebalanceConfig{
			Threshold:     20,
			MaxMigrations: 5,
			Cooldown:      30 * time.Minute,
			Interval:      10 * time.Minute,
		},
		Idempotency: IdempotencyConfig{TTL: 24 * time.Hour},
	}
}

// Load reads path (or FLEETCTL_CONFIG when path is empty) over the defaults,
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("FLEETCTL_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	c.Registry.HeartbeatTimeout = envDuration("HEARTBEAT_TIMEOUT_SECONDS", c.Registry.HeartbeatTimeout)
	c.Registry.CommandTimeout = envDuration("COMMAND_TIMEOUT_SECONDS", c.Registry.CommandTimeout)
	c.Rebalance.Interval = envDuration("REBALANCE_INTERVAL_SECONDS", c.Rebalance.Interval)
}

// envDuration reads an integer-seconds env var and returns a Duration.
// Falls back to defaultVal if the var is unset or invalid.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

// Validate checks the configuration for errors. All problems are reported
// together.
func (c *Config) Validate() error {
	var errs []error

	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}

	r := c.Registry
	if r.DegradedAfter <= 0 || r.HeartbeatTimeout <= 0 || r.CommandTimeout <= 0 || r.SweepInterval <= 0 {
		errs = append(errs, errors.New("registry durations must be positive"))
	}
	if r.DegradedAfter >= r.HeartbeatTimeout {
		errs = append(errs, fmt.Errorf("registry.degraded_after (%s) must be below heartbeat_timeout (%s)",
			r.DegradedAfter, r.HeartbeatTimeout))
	}
	if r.OfflineRetention < 0 {
		errs = append(errs, errors.New("registry.offline_retention must not be negative"))
	}

	w := c.Score.Weights
	for name, v := range map[string]float64{
		"accounts": w.Accounts, "cpu": w.CPU, "memory": w.Memory,
		"bandwidth": w.Bandwidth, "tasks": w.Tasks, "errors": w.Errors,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("score.weights.%s must not be negative", name))
		}
	}
	if c.Score.DefaultCapacity < 1 || c.Score.MaxActiveTasks < 1 {
		errs = append(errs, errors.New("score.default_capacity and score.max_active_tasks must be at least 1"))
	}
	if c.Score.MissingValue < 0 || c.Score.MissingValue > 100 {
		errs = append(errs, errors.New("score.missing_value must be within [0,100]"))
	}

	if c.Allocation.CapacityCeiling <= 0 || c.Allocation.CapacityCeiling > 100 {
		errs = append(errs, errors.New("allocation.capacity_ceiling must be within (0,100]"))
	}
	if c.Allocation.MaxAttempts < 1 {
		errs = append(errs, errors.New("allocation.max_attempts must be at least 1"))
	}

	if c.Rebalance.Threshold < 0 {
		errs = append(errs, errors.New("rebalance.threshold must not be negative"))
	}
	if c.Rebalance.MaxMigrations < 1 {
		errs = append(errs, errors.New("rebalance.max_migrations must be at least 1"))
	}
	if c.Rebalance.Interval < 0 || c.Rebalance.Cooldown < 0 {
		errs = append(errs, errors.New("rebalance.interval and rebalance.cooldown must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	lvl, _ := parseLevel(c.LogLevel)
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log_level %q", s)
}
