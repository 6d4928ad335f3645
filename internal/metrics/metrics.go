// Package metrics holds the control plane's prometheus collectors. A nil
// *Metrics is valid and records nothing, so services can run without it.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleetctl"

type Metrics struct {
	reg *prometheus.Registry

	nodes             *prometheus.GaugeVec
	loadScore         *prometheus.GaugeVec
	pendingCommands   prometheus.Gauge
	commands          *prometheus.CounterVec
	protocolErrors    *prometheus.CounterVec
	allocations       *prometheus.CounterVec
	migrations        *prometheus.CounterVec
	rebalanceDuration prometheus.Histogram
	busEvents         *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		nodes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "nodes", Help: "Worker nodes by connection status."},
			[]string{"status"},
		),
		loadScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "node_load_score", Help: "Latest load score per node."},
			[]string{"node_id"},
		),
		pendingCommands: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "pending_commands", Help: "Commands awaiting an ack."},
		),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "commands_total", Help: "Commands by action and outcome."},
			[]string{"action", "outcome"},
		),
		protocolErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "protocol_errors_total", Help: "Rejected worker frames."},
			[]string{"type"},
		),
		allocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "allocations_total", Help: "Allocation attempts by strategy and outcome."},
			[]string{"strategy", "outcome"},
		),
		migrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "migrations_total", Help: "Account migrations by outcome."},
			[]string{"outcome"},
		),
		rebalanceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rebalance_duration_seconds",
			Help:      "Wall time of rebalance runs.",
			Buckets:   prometheus.DefBuckets,
		}),
		busEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "bus_events_total", Help: "Event bus traffic by channel and outcome."},
			[]string{"channel", "outcome"},
		),
	}
	m.reg.MustRegister(
		m.nodes, m.loadScore, m.pendingCommands, m.commands, m.protocolErrors,
		m.allocations, m.migrations, m.rebalanceDuration, m.busEvents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// NodeStatus moves one node between status gauges. Empty from or to means the
// node is entering or leaving the registry.
func (m *Metrics) NodeStatus(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.nodes.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.nodes.WithLabelValues(to).Inc()
	}
}

func (m *Metrics) LoadScore(nodeID string, score float64) {
	if m == nil {
		return
	}
	m.loadScore.WithLabelValues(nodeID).Set(score)
}

func (m *Metrics) ForgetNode(nodeID string) {
	if m == nil {
		return
	}
	m.loadScore.DeleteLabelValues(nodeID)
}

func (m *Metrics) CommandIssued() {
	if m == nil {
		return
	}
	m.pendingCommands.Inc()
}

// CommandFinished records the outcome of a command that was counted by
// CommandIssued.
func (m *Metrics) CommandFinished(action, outcome string) {
	if m == nil {
		return
	}
	m.pendingCommands.Dec()
	m.commands.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) ProtocolError(msgType string) {
	if m == nil {
		return
	}
	if msgType == "" {
		msgType = "unknown"
	}
	m.protocolErrors.WithLabelValues(msgType).Inc()
}

func (m *Metrics) Allocation(strategy, outcome string) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(strategy, outcome).Inc()
}

func (m *Metrics) Migration(outcome string) {
	if m == nil {
		return
	}
	m.migrations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveRebalance(d time.Duration) {
	if m == nil {
		return
	}
	m.rebalanceDuration.Observe(d.Seconds())
}

// BusEvent counts one event crossing the bus. outcome is published, received,
// dropped or rejected.
func (m *Metrics) BusEvent(channel, outcome string) {
	if m == nil {
		return
	}
	m.busEvents.WithLabelValues(channel, outcome).Inc()
}
