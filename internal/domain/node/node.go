package node

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusConnecting Status = "connecting"
	StatusOnline     Status = "online"
	StatusDegraded   Status = "degraded"
	StatusOffline    Status = "offline"
)

// Offline is terminal for a connection; the next REGISTER creates a fresh one.
var validTransitions = map[Status][]Status{
	StatusConnecting: {StatusOnline, StatusOffline},
	StatusOnline:     {StatusDegraded, StatusOffline},
	StatusDegraded:   {StatusOnline, StatusOffline},
	StatusOffline:    {},
}

func (s Status) CanTransitionTo(target Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

func (s Status) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// Metrics is the snapshot a worker reports. A nil field means "not reported",
// which the load score treats as a conservative mid-value rather than zero.
// Pointees are never mutated after a snapshot is stored.
type Metrics struct {
	AccountCount     *int     `json:"account_count,omitempty"`
	CPUPercent       *float64 `json:"cpu_percent,omitempty"`
	MemoryPercent    *float64 `json:"memory_percent,omitempty"`
	BandwidthPercent *float64 `json:"bandwidth_percent,omitempty"`
	ActiveTasks      *int     `json:"active_task_count,omitempty"`
	ErrorRate        *float64 `json:"error_rate,omitempty"`
}

// Merge overlays the fields present in update onto m.
func (m Metrics) Merge(update Metrics) Metrics {
	if update.AccountCount != nil {
		m.AccountCount = update.AccountCount
	}
	if update.CPUPercent != nil {
		m.CPUPercent = update.CPUPercent
	}
	if update.MemoryPercent != nil {
		m.MemoryPercent = update.MemoryPercent
	}
	if update.BandwidthPercent != nil {
		m.BandwidthPercent = update.BandwidthPercent
	}
	if update.ActiveTasks != nil {
		m.ActiveTasks = update.ActiveTasks
	}
	if update.ErrorRate != nil {
		m.ErrorRate = update.ErrorRate
	}
	return m
}

// Metadata is reported once at registration.
type Metadata struct {
	Location    string            `json:"location,omitempty"`
	MaxAccounts int               `json:"max_accounts,omitempty"`
	Hostname    string            `json:"hostname,omitempty"`
	Version     string            `json:"version,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// InLocation reports whether the node belongs to the given pool, ignoring case.
func (m Metadata) InLocation(location string) bool {
	return location != "" && strings.EqualFold(strings.TrimSpace(m.Location), strings.TrimSpace(location))
}

type PendingCommand struct {
	CommandID uuid.UUID `json:"command_id"`
	Action    string    `json:"action"`
	IssuedAt  time.Time `json:"issued_at"`
	Deadline  time.Time `json:"deadline"`
}

// Node is a point-in-time copy of one worker connection's state.
type Node struct {
	ID              string           `json:"node_id"`
	Status          Status           `json:"status"`
	Metadata        Metadata         `json:"metadata"`
	Metrics         Metrics          `json:"reported_metrics"`
	LoadScore       float64          `json:"load_score"`
	Pending         []PendingCommand `json:"pending_commands"`
	RemoteAddr      string           `json:"remote_addr,omitempty"`
	RegisteredAt    time.Time        `json:"registered_at"`
	LastHeartbeatAt *time.Time       `json:"last_heartbeat_at,omitempty"`
	LastAssignedAt  *time.Time       `json:"last_assigned_at,omitempty"`
	DisconnectedAt  *time.Time       `json:"disconnected_at,omitempty"`
}

func (n *Node) RecordHeartbeat(at time.Time) {
	n.LastHeartbeatAt = &at
}

// SinceHeartbeat returns the time since the last heartbeat, falling back to
// the registration time for nodes that never sent one.
func (n *Node) SinceHeartbeat(now time.Time) time.Duration {
	if n.LastHeartbeatAt == nil {
		return now.Sub(n.RegisteredAt)
	}
	return now.Sub(*n.LastHeartbeatAt)
}

// AccountCount returns the reported account count, or 0 when unreported.
func (n *Node) AccountCount() int {
	if n.Metrics.AccountCount == nil {
		return 0
	}
	return *n.Metrics.AccountCount
}

type ListFilters struct {
	Status   *Status
	Location *string
}

func (f ListFilters) Matches(n Node) bool {
	if f.Status != nil && n.Status != *f.Status {
		return false
	}
	if f.Location != nil && !n.Metadata.InLocation(*f.Location) {
		return false
	}
	return true
}

// CommandResult is a worker's ACK for one dispatched command.
type CommandResult struct {
	CommandID uuid.UUID       `json:"command_id"`
	Success   bool            `json:"success"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}
