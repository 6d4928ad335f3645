package placement

import (
	"fmt"
	"strings"
	"time"

	"github.com/fleetctl/fleetctl/internal/domain/fleeterr"
)

type Kind string

const (
	KindLoadBalance Kind = "load_balance"
	KindLocation    Kind = "location"
	KindAffinity    Kind = "affinity"
	KindIsolation   Kind = "isolation"
)

// Candidate is an online node as a strategy sees it.
type Candidate struct {
	NodeID   string
	Score    float64
	Location string
	// Accounts is the number of placements the node hosts.
	Accounts int
	// ScriptAccounts is the number of those placements sharing the request's script id.
	ScriptAccounts int
	LastAssignedAt *time.Time
}

// Strategy is a closed set of placement policies. The unexported method keeps
// the set sealed to this package: LoadBalance, Location, Affinity, Isolation.
type Strategy interface {
	Kind() Kind
	// Select picks one candidate. Candidates at or above ceiling are never chosen.
	Select(candidates []Candidate, ceiling float64) (Candidate, error)
	sealed()
}

type LoadBalance struct{}

type Location struct {
	Location string
}

type Affinity struct {
	ScriptID string
}

type Isolation struct{}

func (LoadBalance) Kind() Kind { return KindLoadBalance }
func (Location) Kind() Kind    { return KindLocation }
func (Affinity) Kind() Kind    { return KindAffinity }
func (Isolation) Kind() Kind   { return KindIsolation }

func (LoadBalance) sealed() {}
func (Location) sealed()    {}
func (Affinity) sealed()    {}
func (Isolation) sealed()   {}

// ParseStrategy resolves a request's strategy name. An empty name means
// LOAD_BALANCE. Names are case-insensitive and accept either "LOAD_BALANCE"
// or "load-balance".
func ParseStrategy(name, location, scriptID string) (Strategy, error) {
	switch Kind(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")) {
	case "", KindLoadBalance:
		return LoadBalance{}, nil
	case KindLocation:
		if strings.TrimSpace(location) == "" {
			return nil, fmt.Errorf("%w: strategy location requires account_location", fleeterr.ErrInvalidRequest)
		}
		return Location{Location: strings.TrimSpace(location)}, nil
	case KindAffinity:
		return Affinity{ScriptID: scriptID}, nil
	case KindIsolation:
		return Isolation{}, nil
	}
	return nil, fmt.Errorf("%w: unknown strategy %q", fleeterr.ErrInvalidRequest, name)
}

// Select picks the lowest score; ties go to the node that has gone longest
// without an assignment, so consecutive placements spread over time too.
func (LoadBalance) Select(candidates []Candidate, ceiling float64) (Candidate, error) {
	eligible := belowCeiling(candidates, ceiling)
	if len(eligible) == 0 {
		return Candidate{}, noEligible(len(candidates), ceiling)
	}
	best := eligible[0]
	for _, c := range eligible[1:] {
		if lessLoaded(c, best) {
			best = c
		}
	}
	return best, nil
}

func (s Location) Select(candidates []Candidate, ceiling float64) (Candidate, error) {
	var subset []Candidate
	for _, c := range candidates {
		if strings.EqualFold(strings.TrimSpace(c.Location), s.Location) {
			subset = append(subset, c)
		}
	}
	if len(subset) == 0 {
		return Candidate{}, fmt.Errorf("%w: no online node in location %q", fleeterr.ErrNoMatchingLocation, s.Location)
	}
	return LoadBalance{}.Select(subset, ceiling)
}

// Select prefers the node already hosting the most accounts of the same
// script, falling back to LoadBalance when no such node is eligible.
func (s Affinity) Select(candidates []Candidate, ceiling float64) (Candidate, error) {
	if s.ScriptID == "" {
		return LoadBalance{}.Select(candidates, ceiling)
	}
	var best *Candidate
	for _, c := range belowCeiling(candidates, ceiling) {
		if c.ScriptAccounts == 0 {
			continue
		}
		if best == nil || c.ScriptAccounts > best.ScriptAccounts ||
			(c.ScriptAccounts == best.ScriptAccounts && lessLoaded(c, *best)) {
			c := c
			best = &c
		}
	}
	if best == nil {
		return LoadBalance{}.Select(candidates, ceiling)
	}
	return *best, nil
}

// Select prefers the node hosting the fewest accounts overall.
func (Isolation) Select(candidates []Candidate, ceiling float64) (Candidate, error) {
	eligible := belowCeiling(candidates, ceiling)
	if len(eligible) == 0 {
		return Candidate{}, noEligible(len(candidates), ceiling)
	}
	best := eligible[0]
	for _, c := range eligible[1:] {
		if c.Accounts < best.Accounts || (c.Accounts == best.Accounts && lessLoaded(c, best)) {
			best = c
		}
	}
	return best, nil
}

func effectiveCeiling(ceiling float64) float64 {
	if ceiling <= 0 {
		return 100
	}
	return ceiling
}

func belowCeiling(candidates []Candidate, ceiling float64) []Candidate {
	ceiling = effectiveCeiling(ceiling)
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Score < ceiling {
			out = append(out, c)
		}
	}
	return out
}

func noEligible(online int, ceiling float64) error {
	if online == 0 {
		return fmt.Errorf("%w: no online nodes", fleeterr.ErrNoEligibleNode)
	}
	return fmt.Errorf("%w: %d online nodes, none below load ceiling %.1f", fleeterr.ErrNoEligibleNode, online, effectiveCeiling(ceiling))
}

// lessLoaded orders by score, then by time since last assignment (never
// assigned first), then by node id for determinism.
func lessLoaded(a, b Candidate) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	switch {
	case a.LastAssignedAt == nil && b.LastAssignedAt != nil:
		return true
	case a.LastAssignedAt != nil && b.LastAssignedAt == nil:
		return false
	case a.LastAssignedAt != nil && b.LastAssignedAt != nil && !a.LastAssignedAt.Equal(*b.LastAssignedAt):
		return a.LastAssignedAt.Before(*b.LastAssignedAt)
	}
	return a.NodeID < b.NodeID
}
