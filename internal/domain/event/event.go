package event

import (
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeNodeOnline     Type = "node_online"
	TypeNodeDegraded   Type = "node_degraded"
	TypeNodeOffline    Type = "node_offline"
	TypeNodeSuperseded Type = "node_superseded"

	TypeAccountPlaced      Type = "account_placed"
	TypeAccountMigrated    Type = "account_migrated"
	TypeAccountReleased    Type = "account_released"
	TypeAllocationFailed   Type = "allocation_failed"
	TypeRebalanceCompleted Type = "rebalance_completed"
)

// Channel is a domain-scoped bus channel. All event types within a domain
// share one LISTEN connection.
type Channel string

const (
	ChannelNode      Channel = "node"
	ChannelPlacement Channel = "placement"
)

var typeToChannel = map[Type]Channel{
	TypeNodeOnline:         ChannelNode,
	TypeNodeDegraded:       ChannelNode,
	TypeNodeOffline:        ChannelNode,
	TypeNodeSuperseded:     ChannelNode,
	TypeAccountPlaced:      ChannelPlacement,
	TypeAccountMigrated:    ChannelPlacement,
	TypeAccountReleased:    ChannelPlacement,
	TypeAllocationFailed:   ChannelPlacement,
	TypeRebalanceCompleted: ChannelPlacement,
}

// ChannelFor returns the domain channel for a given event type.
func ChannelFor(t Type) Channel { return typeToChannel[t] }

// Channels lists every channel in a stable order.
func Channels() []Channel { return []Channel{ChannelNode, ChannelPlacement} }

// Valid reports whether c is one of Channels.
func (c Channel) Valid() bool {
	return c == ChannelNode || c == ChannelPlacement
}

// Event is a fact about the fleet for downstream consumers (alerting,
// audit). It carries identifiers and a small data map, not full state.
type Event struct {
	ID        uuid.UUID         `json:"id"`
	Type      Type              `json:"type"`
	NodeID    string            `json:"node_id,omitempty"`
	AccountID string            `json:"account_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Data      map[string]string `json:"data,omitempty"`
}

func New(eventType Type, nodeID, accountID string) Event {
	return Event{
		ID:        uuid.New(),
		Type:      eventType,
		NodeID:    nodeID,
		AccountID: accountID,
		Timestamp: time.Now().UTC(),
	}
}

// With returns a copy of e with key set in Data.
func (e Event) With(key, value string) Event {
	data := make(map[string]string, len(e.Data)+1)
	for k, v := range e.Data {
		data[k] = v
	}
	data[key] = value
	e.Data = data
	return e
}
