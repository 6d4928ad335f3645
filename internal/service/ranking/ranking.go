// Package ranking orders online nodes by load score, least loaded first.
package ranking

import (
	"sort"

	"github.com/fleetctl/fleetctl/internal/domain/node"
	portfleet "github.com/fleetctl/fleetctl/internal/port/fleet"
)

type Entry struct {
	ServerID     string      `json:"server_id"`
	Score        float64     `json:"score"`
	Status       node.Status `json:"status"`
	AccountCount int         `json:"account_count"`
	Location     string      `json:"location,omitempty"`
	Node         node.Node   `json:"-"`
}

type Service struct {
	nodes portfleet.NodeReader
}

func NewService(nodes portfleet.NodeReader) *Service {
	return &Service{nodes: nodes}
}

// Rankings returns online nodes in ascending score order, ties by server id.
// Degraded, connecting and offline nodes are never ranked.
func (s *Service) Rankings() []Entry {
	online := node.StatusOnline
	nodes := s.nodes.List(node.ListFilters{Status: &online})

	out := make([]Entry, 0, len(nodes))
	for _, n := range nodes {
		if n.Status != node.StatusOnline {
			continue
		}
		out = append(out, Entry{
			ServerID:     n.ID,
			Score:        n.LoadScore,
			Status:       n.Status,
			AccountCount: n.AccountCount(),
			Location:     n.Metadata.Location,
			Node:         n,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].ServerID < out[j].ServerID
	})
	return out
}

// Gap is the score difference between the most and least loaded entries.
func Gap(entries []Entry) float64 {
	if len(entries) < 2 {
		return 0
	}
	return entries[len(entries)-1].Score - entries[0].Score
}
