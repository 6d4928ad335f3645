// Package fleet exposes the registry to the placement services as narrow views.
package fleet

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/fleetctl/fleetctl/internal/domain/node"
)

type NodeReader interface {
	Get(nodeID string) (node.Node, bool)
	List(filters node.ListFilters) []node.Node
}

type Commander interface {
	Dispatch(nodeID, action string, payload json.RawMessage) (uuid.UUID, error)
	// Call dispatches and waits for the ack, the command deadline, or ctx.
	Call(ctx context.Context, nodeID, action string, payload json.RawMessage) (node.CommandResult, error)
}

type Registry interface {
	NodeReader
	Commander
	MarkAssigned(nodeID string, at time.Time)
}
