package testutil

import (
	"context"
	"testing"

	"github.com/fleetctl/fleetctl/internal/domain/node"
	"github.com/fleetctl/fleetctl/internal/domain/protocol"
)

// Acker is the registry side that receives worker acks.
type Acker interface {
	Ack(ctx context.Context, nodeID string, res node.CommandResult)
}

// AutoAck plays a worker behind conn: every COMMAND sent to it is acked
// through a until the test ends. reply builds each ack; nil acks success.
func AutoAck(t testing.TB, a Acker, nodeID string, conn *FakeConn, reply func(protocol.Envelope) node.CommandResult) {
	t.Helper()
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })

	go func() {
		for {
			select {
			case <-done:
				return
			case env := <-conn.ch:
				if env.Type != protocol.TypeCommand || env.CommandID == nil {
					continue
				}
				res := node.CommandResult{Success: true}
				if reply != nil {
					res = reply(env)
				}
				res.CommandID = *env.CommandID
				a.Ack(context.Background(), nodeID, res)
			}
		}
	}()
}
