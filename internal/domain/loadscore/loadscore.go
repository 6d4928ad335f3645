// Package loadscore derives a node's normalized load score from its latest
// reported metrics. The score is in [0,100], lower means more available.
//
// Score is a pure function of (metrics, capacity): the same snapshot always
// yields the same score, so callers can re-score hypothetical snapshots (for
// example a planned migration) without touching live state.
package loadscore

import (
	"math"

	"github.com/fleetctl/fleetctl/internal/domain/node"
)

// Weights are relative; they need not sum to 1. Negative weights count as 0.
type Weights struct {
	Accounts  float64 `yaml:"accounts" json:"accounts"`
	CPU       float64 `yaml:"cpu" json:"cpu"`
	Memory    float64 `yaml:"memory" json:"memory"`
	Bandwidth float64 `yaml:"bandwidth" json:"bandwidth"`
	Tasks     float64 `yaml:"tasks" json:"tasks"`
	Errors    float64 `yaml:"errors" json:"errors"`
}

var DefaultWeights = Weights{
	Accounts:  0.40,
	CPU:       0.20,
	Memory:    0.15,
	Bandwidth: 0.10,
	Tasks:     0.05,
	Errors:    0.10,
}

type Config struct {
	Weights Weights `yaml:"weights"`
	// DefaultCapacity is the account capacity assumed for nodes that do not
	// report max_accounts.
	DefaultCapacity int `yaml:"default_capacity"`
	// MaxActiveTasks normalizes active_task_count.
	MaxActiveTasks int `yaml:"max_active_tasks"`
	// MissingValue is used for any component the node did not report.
	MissingValue float64 `yaml:"missing_value"`
}

var DefaultConfig = Config{
	Weights:         DefaultWeights,
	DefaultCapacity: 100,
	MaxActiveTasks:  50,
	MissingValue:    50,
}

type Calculator struct {
	cfg Config
}

func New(cfg Config) *Calculator {
	return &Calculator{cfg: cfg}
}

func (c *Calculator) Config() Config { return c.cfg }

// Score returns the load score for m. capacity is the node's max_accounts;
// 0 falls back to the configured default.
func (c *Calculator) Score(m node.Metrics, capacity int) float64 {
	if capacity <= 0 {
		capacity = c.cfg.DefaultCapacity
	}

	components := [...]component{
		{c.cfg.Weights.Accounts, ratio(m.AccountCount, capacity)},
		{c.cfg.Weights.CPU, percent(m.CPUPercent)},
		{c.cfg.Weights.Memory, percent(m.MemoryPercent)},
		{c.cfg.Weights.Bandwidth, percent(m.BandwidthPercent)},
		{c.cfg.Weights.Tasks, ratio(m.ActiveTasks, c.cfg.MaxActiveTasks)},
		{c.cfg.Weights.Errors, fraction(m.ErrorRate)},
	}

	missing := clamp(c.cfg.MissingValue)
	var sum, total float64
	for _, comp := range components {
		if comp.weight <= 0 || math.IsNaN(comp.weight) || math.IsInf(comp.weight, 0) {
			continue
		}
		v := missing
		if comp.reading != nil {
			v = clamp(*comp.reading)
		}
		sum += comp.weight * v
		total += comp.weight
	}
	if total == 0 {
		return round2(missing)
	}
	return round2(clamp(sum / total))
}

// component is one weighted input; a nil reading means "not reported".
type component struct {
	weight  float64
	reading *float64
}

func ratio(v *int, denom int) *float64 {
	if v == nil || denom <= 0 {
		return nil
	}
	r := float64(*v) / float64(denom) * 100
	return &r
}

func percent(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	return v
}

func fraction(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	r := *v * 100
	return &r
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 50
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
