package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetctl/fleetctl/internal/domain/event"
	"github.com/fleetctl/fleetctl/internal/domain/fleeterr"
	"github.com/fleetctl/fleetctl/internal/domain/loadscore"
	"github.com/fleetctl/fleetctl/internal/domain/node"
	"github.com/fleetctl/fleetctl/internal/domain/protocol"
	portbus "github.com/fleetctl/fleetctl/internal/port/eventbus"
	"github.com/fleetctl/fleetctl/internal/metrics"
)

// Conn is the transport side of one worker connection. Send must not block:
// it enqueues into the connection's mailbox and fails when the mailbox is full
// or closed.
type Conn interface {
	Send(env protocol.Envelope) error
	Close() error
	RemoteAddr() string
}

type Config struct {
	// DegradedAfter is the heartbeat silence after which an online node is
	// excluded from placement decisions.
	DegradedAfter time.Duration
	// HeartbeatTimeout is the silence after which a node is declared offline.
	HeartbeatTimeout time.Duration
	// CommandTimeout bounds how long a dispatched command waits for its ack.
	CommandTimeout time.Duration
	// OfflineRetention is how long an offline node stays visible before it is
	// forgotten.
	OfflineRetention time.Duration
}

var DefaultConfig = Config{
	DegradedAfter:    45 * time.Second,
	HeartbeatTimeout: 90 * time.Second,
	CommandTimeout:   30 * time.Second,
	OfflineRetention: 10 * time.Minute,
}

type outcome struct {
	result node.CommandResult
	err    error
}

type pendingCommand struct {
	owner    *entry
	action   string
	issuedAt time.Time
	deadline time.Time
	// done has capacity 1 and receives exactly once, from whoever removes the
	// command from owner.pending.
	done chan outcome
	// detached is set for Dispatch commands nobody waits on yet. Their outcome
	// is parked in owner.settled so a later Await still sees it.
	detached bool
}

// entry is one connection's live state. mu guards every field.
type entry struct {
	mu      sync.Mutex
	conn    Conn
	node    node.Node
	pending map[uuid.UUID]*pendingCommand
	settled map[uuid.UUID]*pendingCommand
}

// Service is the authoritative in-memory view of the worker fleet.
//
// The node map lock guards structure only. Each entry has its own mutex, so
// heartbeats for different nodes never contend. When both are held, the map
// lock is taken first.
type Service struct {
	cfg     Config
	calc    *loadscore.Calculator
	bus     portbus.EventBus
	metrics *metrics.Metrics
	now     func() time.Time

	mu    sync.RWMutex
	nodes map[string]*entry
}

type Option func(*Service)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source used for heartbeats, deadlines and sweeps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(cfg Config, calc *loadscore.Calculator, bus portbus.EventBus, opts ...Option) *Service {
	s := &Service{
		cfg:   cfg,
		calc:  calc,
		bus:   bus,
		now:   func() time.Time { return time.Now().UTC() },
		nodes: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register accepts a connection for nodeID. A previous connection with the
// same id is retired first: marked offline, its pending commands failed with
// ErrNodeUnavailable, and its transport closed.
func (s *Service) Register(ctx context.Context, conn Conn, nodeID string, meta node.Metadata, initial *node.Metrics) (node.Node, error) {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return node.Node{}, fmt.Errorf("register node: %w: node_id is required", fleeterr.ErrInvalidRequest)
	}
	now := s.now()

	e := &entry{
		conn:    conn,
		pending: make(map[uuid.UUID]*pendingCommand),
		settled: make(map[uuid.UUID]*pendingCommand),
		node: node.Node{
			ID:           nodeID,
			Status:       node.StatusConnecting,
			Metadata:     meta,
			RemoteAddr:   conn.RemoteAddr(),
			RegisteredAt: now,
		},
	}
	if initial != nil {
		e.node.Metrics = *initial
		e.node.Status = node.StatusOnline
		e.node.RecordHeartbeat(now)
	}
	e.node.LoadScore = s.score(e.node)

	var (
		prevConn   Conn
		prevStatus node.Status
	)
	s.mu.Lock()
	prev := s.nodes[nodeID]
	if prev != nil {
		prev.mu.Lock()
		prevStatus = prev.node.Status
		e.node.LastAssignedAt = prev.node.LastAssignedAt
		prevConn = s.retireLocked(prev, now, fleeterr.ErrNodeUnavailable, "superseded")
		prev.mu.Unlock()
	}
	s.nodes[nodeID] = e
	snap := snapshot(e)
	s.mu.Unlock()

	if prev != nil {
		s.metrics.NodeStatus(string(prevStatus), "")
		if prevConn != nil && prevConn != conn {
			_ = prevConn.Close()
		}
		if prevStatus != node.StatusOffline {
			s.publish(ctx, event.New(event.TypeNodeSuperseded, nodeID, "").With("remote_addr", snap.RemoteAddr))
			slog.InfoContext(ctx, "node connection superseded", "node_id", nodeID, "remote_addr", snap.RemoteAddr)
		}
	}
	s.metrics.NodeStatus("", string(snap.Status))
	s.metrics.LoadScore(nodeID, snap.LoadScore)
	if snap.Status == node.StatusOnline {
		s.publish(ctx, event.New(event.TypeNodeOnline, nodeID, ""))
	}
	slog.InfoContext(ctx, "node registered",
		"node_id", nodeID, "status", snap.Status, "location", meta.Location, "load_score", snap.LoadScore)
	return snap, nil
}

// Heartbeat replaces the node's metrics, refreshes liveness and recomputes its
// score. Degraded and connecting nodes return to online.
func (s *Service) Heartbeat(ctx context.Context, nodeID string, m node.Metrics) error {
	e := s.lookup(nodeID)
	if e == nil {
		slog.WarnContext(ctx, "heartbeat from unknown node", "node_id", nodeID)
		return fmt.Errorf("heartbeat %s: %w", nodeID, fleeterr.ErrUnknownNode)
	}

	e.mu.Lock()
	if e.node.Status == node.StatusOffline {
		e.mu.Unlock()
		slog.WarnContext(ctx, "heartbeat from offline node", "node_id", nodeID)
		return fmt.Errorf("heartbeat %s: %w: node must re-register", nodeID, fleeterr.ErrUnknownNode)
	}
	now := s.now()
	from := e.node.Status
	e.node.Metrics = m
	e.node.RecordHeartbeat(now)
	e.node.LoadScore = s.score(e.node)
	if from != node.StatusOnline {
		e.node.Status = node.StatusOnline
	}
	score := e.node.LoadScore
	e.mu.Unlock()

	s.metrics.LoadScore(nodeID, score)
	if from != node.StatusOnline {
		s.metrics.NodeStatus(string(from), string(node.StatusOnline))
		s.publish(ctx, event.New(event.TypeNodeOnline, nodeID, "").With("previous_status", string(from)))
		slog.InfoContext(ctx, "node online", "node_id", nodeID, "previous_status", from)
	}
	slog.DebugContext(ctx, "heartbeat", "node_id", nodeID, "load_score", score)
	return nil
}

// ReportMetrics merges an out-of-band metrics report. It does not count as a
// heartbeat.
func (s *Service) ReportMetrics(ctx context.Context, nodeID string, m node.Metrics) error {
	e := s.lookup(nodeID)
	if e == nil {
		slog.WarnContext(ctx, "metrics from unknown node", "node_id", nodeID)
		return fmt.Errorf("report metrics %s: %w", nodeID, fleeterr.ErrUnknownNode)
	}

	e.mu.Lock()
	if e.node.Status == node.StatusOffline {
		e.mu.Unlock()
		return fmt.Errorf("report metrics %s: %w: node must re-register", nodeID, fleeterr.ErrUnknownNode)
	}
	e.node.Metrics = e.node.Metrics.Merge(m)
	e.node.LoadScore = s.score(e.node)
	score := e.node.LoadScore
	e.mu.Unlock()

	s.metrics.LoadScore(nodeID, score)
	slog.DebugContext(ctx, "metrics reported", "node_id", nodeID, "load_score", score)
	return nil
}

// Dispatch enqueues a command for an online node and returns its id without
// waiting for the ack.
func (s *Service) Dispatch(nodeID, action string, payload json.RawMessage) (uuid.UUID, error) {
	_, id, err := s.dispatch(nodeID, action, payload, true)
	return id, err
}

func (s *Service) dispatch(nodeID, action string, payload json.RawMessage, detached bool) (*pendingCommand, uuid.UUID, error) {
	if strings.TrimSpace(action) == "" {
		return nil, uuid.Nil, fmt.Errorf("dispatch to %s: %w: action is required", nodeID, fleeterr.ErrInvalidRequest)
	}
	e := s.lookup(nodeID)
	if e == nil {
		return nil, uuid.Nil, fmt.Errorf("dispatch %s to %s: %w: node not registered", action, nodeID, fleeterr.ErrNodeUnavailable)
	}

	id := uuid.New()
	env, err := protocol.NewCommand(id, action, payload)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("dispatch %s to %s: %w: %v", action, nodeID, fleeterr.ErrInvalidRequest, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.node.Status != node.StatusOnline {
		return nil, uuid.Nil, fmt.Errorf("dispatch %s to %s: %w: node is %s", action, nodeID, fleeterr.ErrNodeUnavailable, e.node.Status)
	}
	if err := e.conn.Send(env); err != nil {
		return nil, uuid.Nil, fmt.Errorf("dispatch %s to %s: %w: %v", action, nodeID, fleeterr.ErrNodeUnavailable, err)
	}
	now := s.now()
	p := &pendingCommand{
		owner:    e,
		action:   action,
		issuedAt: now,
		deadline: now.Add(s.cfg.CommandTimeout),
		done:     make(chan outcome, 1),
		detached: detached,
	}
	e.pending[id] = p
	s.metrics.CommandIssued()
	return p, id, nil
}

// Call dispatches a command and waits for its ack. An ack with success=false
// is returned together with ErrCommandRejected.
func (s *Service) Call(ctx context.Context, nodeID, action string, payload json.RawMessage) (node.CommandResult, error) {
	p, id, err := s.dispatch(nodeID, action, payload, false)
	if err != nil {
		return node.CommandResult{}, err
	}
	slog.DebugContext(ctx, "command dispatched", "node_id", nodeID, "command_id", id, "action", action)

	res, err := s.wait(ctx, id, p)
	if err != nil {
		return res, fmt.Errorf("%s on %s: %w", action, nodeID, err)
	}
	if !res.Success {
		reason := res.Error
		if reason == "" {
			reason = "no reason given"
		}
		return res, fmt.Errorf("%s on %s: %w: %s", action, nodeID, fleeterr.ErrCommandRejected, reason)
	}
	return res, nil
}

// Await waits for a command previously returned by Dispatch. An outcome that
// arrived before Await is returned as long as it is claimed within one
// CommandTimeout of the command deadline. Each outcome is delivered to one
// waiter only; an id that is unknown, expired or already claimed reports
// ErrCommandTimeout.
func (s *Service) Await(ctx context.Context, nodeID string, commandID uuid.UUID) (node.CommandResult, error) {
	e := s.lookup(nodeID)
	if e == nil {
		return node.CommandResult{}, fmt.Errorf("await %s: %w", commandID, fleeterr.ErrNodeUnavailable)
	}
	e.mu.Lock()
	p, ok := e.pending[commandID]
	if ok {
		if !p.detached {
			ok = false
		}
		p.detached = false
	} else if p, ok = e.settled[commandID]; ok {
		delete(e.settled, commandID)
	}
	e.mu.Unlock()
	if !ok {
		return node.CommandResult{}, fmt.Errorf("await %s: %w: command is not pending", commandID, fleeterr.ErrCommandTimeout)
	}
	return s.wait(ctx, commandID, p)
}

func (s *Service) wait(ctx context.Context, id uuid.UUID, p *pendingCommand) (node.CommandResult, error) {
	remaining := p.deadline.Sub(s.now())
	if remaining < 0 {
		remaining = 0
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case o := <-p.done:
		return o.result, o.err
	case <-timer.C:
		if s.resolve(p.owner, id, outcome{err: fleeterr.ErrCommandTimeout}, "timeout") {
			return node.CommandResult{}, fmt.Errorf("command %s: %w", id, fleeterr.ErrCommandTimeout)
		}
	case <-ctx.Done():
		if s.resolve(p.owner, id, outcome{err: ctx.Err()}, "cancelled") {
			return node.CommandResult{}, fmt.Errorf("command %s: %w", id, ctx.Err())
		}
	}
	// Someone else resolved it between our wakeup and resolve; the outcome is
	// already buffered.
	o := <-p.done
	return o.result, o.err
}

// resolve removes the command from e.pending and delivers o. It reports false
// if the command was already resolved.
func (s *Service) resolve(e *entry, id uuid.UUID, o outcome, result string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.resolveLocked(e, id, o, result)
}

func (s *Service) resolveLocked(e *entry, id uuid.UUID, o outcome, result string) bool {
	p, ok := e.pending[id]
	if !ok {
		return false
	}
	delete(e.pending, id)
	p.done <- o
	if p.detached {
		e.settled[id] = p
	}
	s.metrics.CommandFinished(p.action, result)
	return true
}

// Ack resolves a pending command. Acks for unknown or already resolved
// commands are ignored.
func (s *Service) Ack(ctx context.Context, nodeID string, res node.CommandResult) {
	e := s.lookup(nodeID)
	if e == nil {
		slog.DebugContext(ctx, "ignoring ack from unknown node", "node_id", nodeID, "command_id", res.CommandID)
		return
	}
	outcomeLabel := "ok"
	if !res.Success {
		outcomeLabel = "rejected"
	}
	if !s.resolve(e, res.CommandID, outcome{result: res}, outcomeLabel) {
		slog.DebugContext(ctx, "ignoring ack for unknown command", "node_id", nodeID, "command_id", res.CommandID)
		return
	}
	slog.DebugContext(ctx, "command acked", "node_id", nodeID, "command_id", res.CommandID, "success", res.Success)
}

type BroadcastOutcome struct {
	NodeID    string     `json:"node_id"`
	CommandID *uuid.UUID `json:"command_id,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Broadcast dispatches action to every online node not in exclude. A failure
// for one node is reported in its outcome and does not stop the rest.
func (s *Service) Broadcast(ctx context.Context, action string, payload json.RawMessage, exclude []string) []BroadcastOutcome {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	online := node.StatusOnline
	nodes := s.List(node.ListFilters{Status: &online})

	out := make([]BroadcastOutcome, 0, len(nodes))
	for _, n := range nodes {
		if _, ok := skip[n.ID]; ok {
			continue
		}
		o := BroadcastOutcome{NodeID: n.ID}
		id, err := s.Dispatch(n.ID, action, payload)
		if err != nil {
			o.Error = err.Error()
			slog.WarnContext(ctx, "broadcast dispatch failed", "node_id", n.ID, "action", action, "error", err)
		} else {
			o.CommandID = &id
		}
		out = append(out, o)
	}
	return out
}

// Get returns a copy of the node's state.
func (s *Service) Get(nodeID string) (node.Node, bool) {
	e := s.lookup(nodeID)
	if e == nil {
		return node.Node{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(e), true
}

// List returns copies of the matching nodes ordered by node id. Each copy is
// consistent for its node; the set as a whole may be slightly stale.
func (s *Service) List(filters node.ListFilters) []node.Node {
	out := make([]node.Node, 0)
	for _, e := range s.entries() {
		e.mu.Lock()
		n := snapshot(e)
		e.mu.Unlock()
		if filters.Matches(n) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Service) Snapshot() []node.Node { return s.List(node.ListFilters{}) }

// MarkAssigned records when a node last received an account.
func (s *Service) MarkAssigned(nodeID string, at time.Time) {
	e := s.lookup(nodeID)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.node.LastAssignedAt = &at
	e.mu.Unlock()
}

// Disconnect handles the transport closing. It only acts if conn is still the
// node's current connection.
func (s *Service) Disconnect(ctx context.Context, nodeID string, conn Conn) {
	e := s.lookup(nodeID)
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.conn != conn || e.node.Status == node.StatusOffline {
		e.mu.Unlock()
		return
	}
	from := e.node.Status
	c := s.retireLocked(e, s.now(), fleeterr.ErrNodeUnavailable, "disconnected")
	e.mu.Unlock()

	if c != nil {
		_ = c.Close()
	}
	s.metrics.NodeStatus(string(from), string(node.StatusOffline))
	s.publish(ctx, event.New(event.TypeNodeOffline, nodeID, "").With("reason", "disconnected"))
	slog.InfoContext(ctx, "node disconnected", "node_id", nodeID)
}

// CloseAll closes every live connection on shutdown. Nodes go offline with
// their pending commands failed, as on a transport close.
func (s *Service) CloseAll(ctx context.Context) int {
	closed := 0
	for _, e := range s.entries() {
		e.mu.Lock()
		conn, id := e.conn, e.node.ID
		e.mu.Unlock()
		if conn == nil {
			continue
		}
		s.Disconnect(ctx, id, conn)
		closed++
	}
	if closed > 0 {
		slog.InfoContext(ctx, "closed worker connections", "count", closed)
	}
	return closed
}

type SweepReport struct {
	Degraded        []string
	Offline         []string
	Pruned          []string
	ExpiredCommands int
}

type transition struct {
	nodeID string
	from   node.Status
	to     node.Status
	conn   Conn
}

// SweepTimeouts applies heartbeat and command deadlines as of now: online
// nodes silent past DegradedAfter become degraded, any node silent past
// HeartbeatTimeout goes offline with its pending commands failed, overdue
// commands expire, and offline nodes older than OfflineRetention are removed.
func (s *Service) SweepTimeouts(ctx context.Context, now time.Time) SweepReport {
	var (
		report      SweepReport
		transitions []transition
		prune       = make(map[string]*entry)
	)

	for _, e := range s.entries() {
		e.mu.Lock()
		for id, p := range e.pending {
			if !now.Before(p.deadline) {
				if s.resolveLocked(e, id, outcome{err: fleeterr.ErrCommandTimeout}, "timeout") {
					report.ExpiredCommands++
				}
			}
		}
		for id, p := range e.settled {
			if !now.Before(p.deadline.Add(s.cfg.CommandTimeout)) {
				delete(e.settled, id)
			}
		}

		n := &e.node
		switch {
		case n.Status == node.StatusOffline:
			if n.DisconnectedAt != nil && now.Sub(*n.DisconnectedAt) >= s.cfg.OfflineRetention {
				prune[n.ID] = e
			}
		case n.SinceHeartbeat(now) > s.cfg.HeartbeatTimeout:
			from := n.Status
			c := s.retireLocked(e, now, fleeterr.ErrCommandTimeout, "heartbeat timeout")
			transitions = append(transitions, transition{nodeID: n.ID, from: from, to: node.StatusOffline, conn: c})
		case n.Status == node.StatusOnline && n.SinceHeartbeat(now) > s.cfg.DegradedAfter:
			n.Status = node.StatusDegraded
			transitions = append(transitions, transition{nodeID: n.ID, from: node.StatusOnline, to: node.StatusDegraded})
		}
		e.mu.Unlock()
	}

	for _, t := range transitions {
		s.metrics.NodeStatus(string(t.from), string(t.to))
		switch t.to {
		case node.StatusDegraded:
			report.Degraded = append(report.Degraded, t.nodeID)
			s.publish(ctx, event.New(event.TypeNodeDegraded, t.nodeID, ""))
			slog.WarnContext(ctx, "node degraded: heartbeat late", "node_id", t.nodeID)
		case node.StatusOffline:
			if t.conn != nil {
				_ = t.conn.Close()
			}
			report.Offline = append(report.Offline, t.nodeID)
			s.publish(ctx, event.New(event.TypeNodeOffline, t.nodeID, "").With("reason", "heartbeat_timeout"))
			slog.WarnContext(ctx, "node offline: heartbeat timeout", "node_id", t.nodeID)
		}
	}

	if len(prune) > 0 {
		s.mu.Lock()
		for id, e := range prune {
			if s.nodes[id] == e {
				delete(s.nodes, id)
				report.Pruned = append(report.Pruned, id)
			}
		}
		s.mu.Unlock()
		for _, id := range report.Pruned {
			s.metrics.NodeStatus(string(node.StatusOffline), "")
			s.metrics.ForgetNode(id)
		}
	}

	sort.Strings(report.Degraded)
	sort.Strings(report.Offline)
	sort.Strings(report.Pruned)
	return report
}

// retireLocked marks e offline, fails its pending commands with cause and
// detaches its connection, which the caller closes after unlocking.
func (s *Service) retireLocked(e *entry, now time.Time, cause error, reason string) Conn {
	e.node.Status = node.StatusOffline
	e.node.DisconnectedAt = &now
	for id := range e.pending {
		s.resolveLocked(e, id, outcome{err: fmt.Errorf("%w: %s", cause, reason)}, "failed")
	}
	c := e.conn
	e.conn = nil
	return c
}

func (s *Service) lookup(nodeID string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodes[nodeID]
}

func (s *Service) entries() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entry, 0, len(s.nodes))
	for _, e := range s.nodes {
		out = append(out, e)
	}
	return out
}

func (s *Service) score(n node.Node) float64 {
	return s.calc.Score(n.Metrics, n.Metadata.MaxAccounts)
}

func (s *Service) publish(ctx context.Context, e event.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, e); err != nil && !errors.Is(err, context.Canceled) {
		slog.ErrorContext(ctx, "failed to publish fleet event", "type", e.Type, "node_id", e.NodeID, "error", err)
	}
}

// snapshot copies e's node, including its pending commands ordered by issue
// time. Callers hold e.mu.
func snapshot(e *entry) node.Node {
	n := e.node
	n.Pending = make([]node.PendingCommand, 0, len(e.pending))
	for id, p := range e.pending {
		n.Pending = append(n.Pending, node.PendingCommand{
			CommandID: id,
			Action:    p.action,
			IssuedAt:  p.issuedAt,
			Deadline:  p.deadline,
		})
	}
	sort.Slice(n.Pending, func(i, j int) bool {
		if !n.Pending[i].IssuedAt.Equal(n.Pending[j].IssuedAt) {
			return n.Pending[i].IssuedAt.Before(n.Pending[j].IssuedAt)
		}
		return n.Pending[i].CommandID.String() < n.Pending[j].CommandID.String()
	})
	return n
}
