// Package rebalance holds the value types the rebalancer plans and reports with.
package rebalance

import (
	"fmt"

	"github.com/fleetctl/fleetctl/internal/domain/fleeterr"
)

// Move relocates one account from FromNode to ToNode.
type Move struct {
	AccountID string `json:"account_id"`
	FromNode  string `json:"from_node"`
	ToNode    string `json:"to_node"`
	// PredictedFrom and PredictedTo are the scores the plan expects after the move.
	PredictedFrom float64 `json:"predicted_from_score"`
	PredictedTo   float64 `json:"predicted_to_score"`
}

// Plan is an ordered list of moves, never longer than MaxMigrations.
type Plan struct {
	Threshold     float64 `json:"threshold"`
	MaxMigrations int     `json:"max_migrations"`
	InitialGap    float64 `json:"initial_gap"`
	PredictedGap  float64 `json:"predicted_gap"`
	Moves         []Move  `json:"moves"`
	Reason        string  `json:"reason,omitempty"`
}

func (p Plan) Empty() bool { return len(p.Moves) == 0 }

// Request carries rebalance arguments. Zero values are replaced by configured
// defaults before validation.
type Request struct {
	Threshold     float64 `json:"threshold"`
	MaxMigrations int     `json:"max_migrations"`
}

func (r Request) Validate() error {
	if r.Threshold < 0 {
		return fmt.Errorf("%w: threshold must be >= 0, got %.2f", fleeterr.ErrInvalidRequest, r.Threshold)
	}
	if r.MaxMigrations < 1 {
		return fmt.Errorf("%w: max_migrations must be >= 1, got %d", fleeterr.ErrInvalidRequest, r.MaxMigrations)
	}
	return nil
}

// Result reports a rebalance run. A partial run is still a success: failed
// moves are listed, not raised.
type Result struct {
	Success          bool              `json:"success"`
	MigratedAccounts []string          `json:"migrated_accounts"`
	FailedAccounts   []string          `json:"failed_accounts"`
	Errors           map[string]string `json:"errors,omitempty"`
	Planned          []Move            `json:"planned"`
	Message          string            `json:"message"`
}

// NewResult returns an empty successful result for plan.
func NewResult(plan Plan) Result {
	planned := plan.Moves
	if planned == nil {
		planned = []Move{}
	}
	return Result{
		Success:          true,
		MigratedAccounts: []string{},
		FailedAccounts:   []string{},
		Planned:          planned,
	}
}

func (r *Result) Fail(accountID string, err error) {
	r.FailedAccounts = append(r.FailedAccounts, accountID)
	if r.Errors == nil {
		r.Errors = make(map[string]string)
	}
	r.Errors[accountID] = err.Error()
}

// Summarize fills Message from the counters.
func (r *Result) Summarize() {
	switch {
	case len(r.Planned) == 0:
		if r.Message == "" {
			r.Message = "fleet already balanced"
		}
	case len(r.FailedAccounts) == 0:
		r.Message = fmt.Sprintf("migrated %d accounts", len(r.MigratedAccounts))
	default:
		r.Message = fmt.Sprintf("migrated %d accounts, %d failed", len(r.MigratedAccounts), len(r.FailedAccounts))
	}
}
