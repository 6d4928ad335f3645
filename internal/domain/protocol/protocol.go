// Package protocol defines the envelopes exchanged with worker nodes over their
// persistent connection. It is pure: parsing and encoding touch no shared
// state, so a connection loop can call it for every frame.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fleetctl/fleetctl/internal/domain/fleeterr"
	"github.com/fleetctl/fleetctl/internal/domain/node"
)

type Type string

const (
	TypeRegister  Type = "REGISTER"
	TypeHeartbeat Type = "HEARTBEAT"
	TypeCommand   Type = "COMMAND"
	TypeAck       Type = "ACK"
	TypeMetrics   Type = "METRICS"
	TypeError     Type = "ERROR"
)

// Actions the control plane issues itself. Any other action string is an
// application-level passthrough that this package does not interpret.
const (
	ActionPlaceAccount   = "place_account"
	ActionMigrateAccount = "migrate_account"
	ActionRemoveAccount  = "remove_account"
)

// IsCoreAction reports whether action is one issued by the control plane.
func IsCoreAction(action string) bool {
	switch action {
	case ActionPlaceAccount, ActionMigrateAccount, ActionRemoveAccount:
		return true
	}
	return false
}

type Envelope struct {
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	CommandID *uuid.UUID      `json:"command_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type RegisterPayload struct {
	NodeID   string        `json:"node_id"`
	Metadata node.Metadata `json:"metadata"`
	Metrics  *node.Metrics `json:"metrics,omitempty"`
}

type HeartbeatPayload struct {
	NodeID  string       `json:"node_id"`
	Metrics node.Metrics `json:"metrics"`
}

type MetricsPayload struct {
	NodeID  string       `json:"node_id"`
	Metrics node.Metrics `json:"metrics"`
}

type CommandPayload struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type AckPayload struct {
	Success bool            `json:"success"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// PlaceAccount is the payload of a place_account command.
type PlaceAccount struct {
	AccountID   string `json:"account_id"`
	SessionFile string `json:"session_file"`
	ScriptID    string `json:"script_id,omitempty"`
	RemoteDir   string `json:"remote_dir,omitempty"`
}

// MigrateAccount is the payload of a migrate_account command, sent to the
// node currently hosting the account.
type MigrateAccount struct {
	AccountID  string `json:"account_id"`
	TargetNode string `json:"target_node"`
	RemotePath string `json:"remote_path,omitempty"`
}

type RemoveAccount struct {
	AccountID string `json:"account_id"`
}

// PlacementAck is the optional payload a worker returns when acking
// place_account.
type PlacementAck struct {
	RemotePath string `json:"remote_path,omitempty"`
}

// Message is a parsed, validated envelope. Exactly one payload pointer is set,
// matching Type.
type Message struct {
	Envelope
	Register  *RegisterPayload
	Heartbeat *HeartbeatPayload
	Metrics   *MetricsPayload
	Command   *CommandPayload
	Ack       *AckPayload
	Error     *ErrorPayload
}

// Error describes a malformed frame. It unwraps to fleeterr.ErrProtocol.
type Error struct {
	Reason    string
	CommandID *uuid.UUID
}

func (e *Error) Error() string { return "protocol: " + e.Reason }

func (e *Error) Unwrap() error { return fleeterr.ErrProtocol }

// Reply is the ERROR envelope to send back to the peer.
func (e *Error) Reply() Envelope {
	env := NewError(e.Reason)
	env.CommandID = e.CommandID
	return env
}

func errorf(format string, args ...any) *Error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}

// Parse decodes and validates one frame. It never panics; any defect is
// reported as a *Error so the caller can reply and keep the connection alive.
func Parse(data []byte) (Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Message{}, errorf("empty message")
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, errorf("malformed envelope: %v", err)
	}
	msg := Message{Envelope: env}

	switch env.Type {
	case TypeRegister:
		var p RegisterPayload
		if err := decodePayload(env, &p); err != nil {
			return msg, err
		}
		if err := requireNodeID(p.NodeID); err != nil {
			return msg, err
		}
		if p.Metadata.MaxAccounts < 0 {
			return msg, errorf("max_accounts must be non-negative")
		}
		if p.Metrics != nil {
			if err := validateMetrics(*p.Metrics); err != nil {
				return msg, err
			}
		}
		p.NodeID = strings.TrimSpace(p.NodeID)
		msg.Register = &p

	case TypeHeartbeat:
		var p HeartbeatPayload
		if err := decodePayload(env, &p); err != nil {
			return msg, err
		}
		if err := requireNodeID(p.NodeID); err != nil {
			return msg, err
		}
		if err := validateMetrics(p.Metrics); err != nil {
			return msg, err
		}
		p.NodeID = strings.TrimSpace(p.NodeID)
		msg.Heartbeat = &p

	case TypeMetrics:
		var p MetricsPayload
		if err := decodePayload(env, &p); err != nil {
			return msg, err
		}
		if err := requireNodeID(p.NodeID); err != nil {
			return msg, err
		}
		if err := validateMetrics(p.Metrics); err != nil {
			return msg, err
		}
		p.NodeID = strings.TrimSpace(p.NodeID)
		msg.Metrics = &p

	case TypeCommand:
		if err := requireCommandID(env); err != nil {
			return msg, err
		}
		var p CommandPayload
		if err := decodePayload(env, &p); err != nil {
			return msg, err
		}
		if strings.TrimSpace(p.Action) == "" {
			return msg, &Error{Reason: "command action is required", CommandID: env.CommandID}
		}
		msg.Command = &p

	case TypeAck:
		if err := requireCommandID(env); err != nil {
			return msg, err
		}
		var p AckPayload
		if err := decodePayload(env, &p); err != nil {
			return msg, err
		}
		msg.Ack = &p

	case TypeError:
		var p ErrorPayload
		if len(env.Payload) > 0 {
			if err := decodePayload(env, &p); err != nil {
				return msg, err
			}
		}
		msg.Error = &p

	case "":
		return msg, errorf("message type is required")

	default:
		return msg, errorf("unknown message type %q", env.Type)
	}

	return msg, nil
}

func decodePayload(env Envelope, dst any) error {
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return &Error{Reason: fmt.Sprintf("%s payload is required", env.Type), CommandID: env.CommandID}
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return &Error{Reason: fmt.Sprintf("malformed %s payload: %v", env.Type, err), CommandID: env.CommandID}
	}
	return nil
}

func requireNodeID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errorf("node_id is required")
	}
	return nil
}

func requireCommandID(env Envelope) error {
	if env.CommandID == nil || *env.CommandID == uuid.Nil {
		return errorf("%s requires command_id", env.Type)
	}
	return nil
}

func validateMetrics(m node.Metrics) error {
	if m.AccountCount != nil && *m.AccountCount < 0 {
		return errorf("account_count must be non-negative")
	}
	if m.ActiveTasks != nil && *m.ActiveTasks < 0 {
		return errorf("active_task_count must be non-negative")
	}
	if m.ErrorRate != nil && (*m.ErrorRate < 0 || *m.ErrorRate > 1) {
		return errorf("error_rate must be within [0,1]")
	}
	return nil
}

// ── Encoders ──────────────────────────────────────────────────────────────────

func newEnvelope(t Type, commandID *uuid.UUID, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshaling %s payload: %w", t, err)
	}
	return Envelope{
		Type:      t,
		Timestamp: time.Now().UTC(),
		CommandID: commandID,
		Payload:   raw,
	}, nil
}

func NewRegister(nodeID string, meta node.Metadata, metrics *node.Metrics) (Envelope, error) {
	return newEnvelope(TypeRegister, nil, RegisterPayload{NodeID: nodeID, Metadata: meta, Metrics: metrics})
}

func NewHeartbeat(nodeID string, metrics node.Metrics) (Envelope, error) {
	return newEnvelope(TypeHeartbeat, nil, HeartbeatPayload{NodeID: nodeID, Metrics: metrics})
}

func NewMetrics(nodeID string, metrics node.Metrics) (Envelope, error) {
	return newEnvelope(TypeMetrics, nil, MetricsPayload{NodeID: nodeID, Metrics: metrics})
}

// NewCommand wraps an already-encoded action payload.
func NewCommand(id uuid.UUID, action string, payload json.RawMessage) (Envelope, error) {
	return newEnvelope(TypeCommand, &id, CommandPayload{Action: action, Payload: payload})
}

func NewAck(id uuid.UUID, success bool, payload json.RawMessage, errMsg string) (Envelope, error) {
	return newEnvelope(TypeAck, &id, AckPayload{Success: success, Payload: payload, Error: errMsg})
}

func NewError(message string) Envelope {
	raw, _ := json.Marshal(ErrorPayload{Message: message}) // a string field cannot fail
	return Envelope{Type: TypeError, Timestamp: time.Now().UTC(), Payload: raw}
}

func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", env.Type, err)
	}
	return data, nil
}
