package placement

import (
	"time"
)

// Placement binds one account to exactly one node. Changing NodeID through the
// repository is the only way an account moves.
type Placement struct {
	AccountID      string     `json:"account_id"`
	NodeID         string     `json:"node_id"`
	ScriptID       string     `json:"script_id,omitempty"`
	Location       string     `json:"location,omitempty"`
	Strategy       Kind       `json:"strategy_used"`
	RemotePath     string     `json:"remote_path,omitempty"`
	AssignedAt     time.Time  `json:"assigned_at"`
	LastMigratedAt *time.Time `json:"last_migrated_at,omitempty"`
}

// MigratedWithin reports whether the placement moved less than d ago.
func (p Placement) MigratedWithin(d time.Duration, now time.Time) bool {
	return p.LastMigratedAt != nil && now.Sub(*p.LastMigratedAt) < d
}

// MovedBefore orders placements for migration: never-migrated accounts first,
// then the longest-settled ones, then by account id.
func MovedBefore(a, b Placement) bool {
	switch {
	case a.LastMigratedAt == nil && b.LastMigratedAt != nil:
		return true
	case a.LastMigratedAt != nil && b.LastMigratedAt == nil:
		return false
	case a.LastMigratedAt != nil && b.LastMigratedAt != nil && !a.LastMigratedAt.Equal(*b.LastMigratedAt):
		return a.LastMigratedAt.Before(*b.LastMigratedAt)
	}
	return a.AccountID < b.AccountID
}

type ListFilters struct {
	NodeID   *string
	ScriptID *string
}

type AllocationRequest struct {
	AccountID       string `json:"account_id"`
	SessionFile     string `json:"session_file"`
	ScriptID        string `json:"script_id,omitempty"`
	Strategy        string `json:"strategy"`
	AccountLocation string `json:"account_location,omitempty"`
}

// AllocationResult is returned for every allocation attempt. On failure
// ServerID is empty and Message explains why.
type AllocationResult struct {
	Success    bool     `json:"success"`
	ServerID   string   `json:"server_id,omitempty"`
	RemotePath string   `json:"remote_path,omitempty"`
	LoadScore  *float64 `json:"load_score,omitempty"`
	Message    string   `json:"message"`
	ErrorCode  string   `json:"error_code,omitempty"`
}
