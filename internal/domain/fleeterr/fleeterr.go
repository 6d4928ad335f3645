// Package fleeterr defines the control plane's error taxonomy. Every sentinel
// carries a stable code that is surfaced to API callers as error_code.
package fleeterr

import "errors"

// Error is a coded sentinel. Wrap it with fmt.Errorf("...: %w", err) and test
// with errors.Is.
type Error struct {
	code   string
	msg    string
	parent *Error
}

func (e *Error) Error() string { return e.msg }

// Code returns the stable taxonomy name, e.g. "NodeUnavailable".
func (e *Error) Code() string { return e.code }

// Unwrap exposes the broader category this error refines, if any.
func (e *Error) Unwrap() error {
	if e.parent == nil {
		return nil
	}
	return e.parent
}

var (
	// ErrNodeUnavailable: target node offline, unknown, or not accepting commands.
	// Retryable after the node's next heartbeat.
	ErrNodeUnavailable = &Error{code: "NodeUnavailable", msg: "node unavailable"}

	// ErrNoEligibleNode: the strategy found no candidate.
	ErrNoEligibleNode = &Error{code: "NoEligibleNode", msg: "no eligible node"}

	// ErrNoMatchingLocation refines ErrNoEligibleNode for LOCATION placement.
	ErrNoMatchingLocation = &Error{code: "NoMatchingLocation", msg: "no matching location", parent: ErrNoEligibleNode}

	ErrAllocationInProgress = &Error{code: "AllocationInProgress", msg: "allocation in progress"}
	ErrCommandTimeout       = &Error{code: "CommandTimeout", msg: "command timed out"}
	ErrCommandRejected      = &Error{code: "CommandRejected", msg: "command rejected by node"}
	ErrProtocol             = &Error{code: "ProtocolError", msg: "protocol error"}
	ErrUnknownNode          = &Error{code: "UnknownNode", msg: "unknown node"}
	ErrPlacementNotFound    = &Error{code: "PlacementNotFound", msg: "placement not found"}
	ErrRebalanceInProgress  = &Error{code: "RebalanceInProgress", msg: "rebalance in progress"}
	ErrInvalidRequest       = &Error{code: "InvalidRequest", msg: "invalid request"}
)

// Code returns the taxonomy code of the outermost coded error in err's chain,
// or "" if err carries none.
func Code(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.code
	}
	return ""
}
