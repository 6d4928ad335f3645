// Package workerclient is a reference fleet worker. It keeps one websocket
// connection to the control plane, registers, heartbeats with synthetic
// metrics and acks commands, tracking which accounts it hosts.
package workerclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fleetctl/fleetctl/internal/domain/node"
	"github.com/fleetctl/fleetctl/internal/domain/protocol"
)

type Config struct {
	// URL of the control plane worker endpoint, e.g. ws://localhost:8080/ws/worker.
	URL      string
	NodeID   string
	Metadata node.Metadata

	HeartbeatInterval time.Duration
	MinBackoff        time.Duration
	MaxBackoff        time.Duration
}

var DefaultConfig = Config{
	HeartbeatInterval: 15 * time.Second,
	MinBackoff:        500 * time.Millisecond,
	MaxBackoff:        30 * time.Second,
}

// ActionHandler answers a passthrough command. The returned payload is sent
// back in the ack.
type ActionHandler func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// hostedAccount is what the worker remembers about one placed account.
type hostedAccount struct {
	SessionFile string
	RemotePath  string
	PlacedAt    time.Time
}

type Client struct {
	cfg    Config
	dialer *websocket.Dialer

	mu       sync.Mutex
	accounts map[string]hostedAccount
	handlers map[string]ActionHandler

	// writeMu serialises frames; a gorilla connection has one writer.
	writeMu sync.Mutex
}

func New(cfg Config) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig.HeartbeatInterval
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultConfig.MinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}
	return &Client{
		cfg:      cfg,
		dialer:   websocket.DefaultDialer,
		accounts: make(map[string]hostedAccount),
		handlers: make(map[string]ActionHandler),
	}
}

// Handle registers fn for a passthrough action. Actions without a handler are
// acked successfully with no payload.
func (c *Client) Handle(action string, fn ActionHandler) {
	c.mu.Lock()
	c.handlers[action] = fn
	c.mu.Unlock()
}

// Accounts returns the hosted account ids in order.
func (c *Client) Accounts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.accounts))
	for id := range c.accounts {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Run keeps the worker connected until ctx ends, reconnecting with
// exponential backoff. The backoff resets after every session that got as far
// as registering.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.MinBackoff
	for {
		registered, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if registered {
			backoff = c.cfg.MinBackoff
		}
		slog.WarnContext(ctx, "worker connection lost", "node_id", c.cfg.NodeID, "error", err, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(backoff)):
		}
		backoff = min(backoff*2, c.cfg.MaxBackoff)
	}
}

// session runs one connection: dial, register, then heartbeat and serve
// commands until the connection fails or ctx ends.
func (c *Client) session(ctx context.Context) (bool, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	defer conn.Close()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessCtx.Done()
		conn.Close()
	}()

	m := c.metrics()
	reg, err := protocol.NewRegister(c.cfg.NodeID, c.cfg.Metadata, &m)
	if err != nil {
		return false, err
	}
	if err := c.write(conn, reg); err != nil {
		return false, fmt.Errorf("send register: %w", err)
	}
	slog.InfoContext(ctx, "worker registered", "node_id", c.cfg.NodeID, "url", c.cfg.URL)

	go c.heartbeatLoop(sessCtx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		msg, err := protocol.Parse(data)
		if err != nil {
			slog.WarnContext(ctx, "worker dropped malformed frame", "node_id", c.cfg.NodeID, "error", err)
			continue
		}
		switch msg.Type {
		case protocol.TypeCommand:
			ack := c.execute(sessCtx, *msg.CommandID, *msg.Command)
			if err := c.write(conn, ack); err != nil {
				return true, fmt.Errorf("send ack: %w", err)
			}
		case protocol.TypeError:
			slog.WarnContext(ctx, "control plane reported error", "node_id", c.cfg.NodeID, "message", msg.Error.Message)
		default:
			slog.DebugContext(ctx, "worker ignored frame", "node_id", c.cfg.NodeID, "type", msg.Type)
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			env, err := protocol.NewHeartbeat(c.cfg.NodeID, c.metrics())
			if err != nil {
				continue
			}
			if err := c.write(conn, env); err != nil {
				slog.DebugContext(ctx, "heartbeat failed", "node_id", c.cfg.NodeID, "error", err)
				return
			}
		}
	}
}

// execute applies one command and builds its ack.
func (c *Client) execute(ctx context.Context, id uuid.UUID, cmd protocol.CommandPayload) protocol.Envelope {
	payload, err := c.apply(ctx, cmd)
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		slog.WarnContext(ctx, "command failed", "node_id", c.cfg.NodeID, "command_id", id, "action", cmd.Action, "error", err)
	}
	ack, encErr := protocol.NewAck(id, err == nil, payload, errMsg)
	if encErr != nil {
		ack, _ = protocol.NewAck(id, false, nil, encErr.Error())
	}
	return ack
}

func (c *Client) apply(ctx context.Context, cmd protocol.CommandPayload) (json.RawMessage, error) {
	switch cmd.Action {
	case protocol.ActionPlaceAccount:
		var p protocol.PlaceAccount
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode place_account: %w", err)
		}
		if p.AccountID == "" {
			return nil, errors.New("place_account: account_id is required")
		}
		remote := p.SessionFile
		if p.RemoteDir != "" {
			remote = p.RemoteDir + "/" + p.AccountID + ".session"
		}
		c.mu.Lock()
		c.accounts[p.AccountID] = hostedAccount{SessionFile: p.SessionFile, RemotePath: remote, PlacedAt: time.Now()}
		c.mu.Unlock()
		slog.InfoContext(ctx, "account placed", "node_id", c.cfg.NodeID, "account_id", p.AccountID)
		return json.Marshal(protocol.PlacementAck{RemotePath: remote})

	case protocol.ActionMigrateAccount:
		var p protocol.MigrateAccount
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode migrate_account: %w", err)
		}
		if !c.drop(p.AccountID) {
			return nil, fmt.Errorf("migrate_account: account %s is not hosted here", p.AccountID)
		}
		slog.InfoContext(ctx, "account handed off", "node_id", c.cfg.NodeID, "account_id", p.AccountID, "target_node", p.TargetNode)
		return nil, nil

	case protocol.ActionRemoveAccount:
		var p protocol.RemoveAccount
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode remove_account: %w", err)
		}
		c.drop(p.AccountID)
		return nil, nil
	}

	c.mu.Lock()
	fn := c.handlers[cmd.Action]
	c.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx, cmd.Payload)
}

func (c *Client) drop(accountID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.accounts[accountID]; !ok {
		return false
	}
	delete(c.accounts, accountID)
	return true
}

// metrics reports the hosted account count and noisy synthetic resource use
// that grows with it.
func (c *Client) metrics() node.Metrics {
	c.mu.Lock()
	n := len(c.accounts)
	c.mu.Unlock()

	capacity := c.cfg.Metadata.MaxAccounts
	if capacity <= 0 {
		capacity = 100
	}
	load := float64(n) / float64(capacity) * 100
	cpu := clampPercent(load*0.8 + rand.Float64()*10)
	mem := clampPercent(20 + load*0.6 + rand.Float64()*5)
	bw := clampPercent(load*0.5 + rand.Float64()*5)
	tasks := n / 4
	errRate := 0.0
	return node.Metrics{
		AccountCount:     &n,
		CPUPercent:       &cpu,
		MemoryPercent:    &mem,
		BandwidthPercent: &bw,
		ActiveTasks:      &tasks,
		ErrorRate:        &errRate,
	}
}

func (c *Client) write(conn *websocket.Conn, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second)) //nolint:errcheck
	return conn.WriteMessage(websocket.TextMessage, data)
}

func clampPercent(v float64) float64 {
	return max(0, min(100, v))
}

// jitter spreads reconnects by up to a fifth of d.
func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int64N(int64(d)/5+1))
}
