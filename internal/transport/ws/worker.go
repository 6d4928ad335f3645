package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/fleetctl/fleetctl/internal/domain/fleeterr"
	"github.com/fleetctl/fleetctl/internal/domain/node"
	"github.com/fleetctl/fleetctl/internal/domain/protocol"
	"github.com/fleetctl/fleetctl/internal/metrics"
	"github.com/fleetctl/fleetctl/internal/service/registry"
)

// Registry is the part of the agent registry the worker endpoint drives.
type Registry interface {
	Register(ctx context.Context, conn registry.Conn, nodeID string, meta node.Metadata, initial *node.Metrics) (node.Node, error)
	Heartbeat(ctx context.Context, nodeID string, m node.Metrics) error
	ReportMetrics(ctx context.Context, nodeID string, m node.Metrics) error
	Ack(ctx context.Context, nodeID string, res node.CommandResult)
	Disconnect(ctx context.Context, nodeID string, conn registry.Conn)
}

type WorkerConfig struct {
	// MaxFrameBytes is the websocket read limit.
	MaxFrameBytes int64
	// Mailbox is the number of outbound frames buffered per worker.
	Mailbox      int
	PingInterval time.Duration
	// PongWait is how long the socket may stay silent, pongs included.
	PongWait time.Duration
}

var DefaultWorkerConfig = WorkerConfig{
	MaxFrameBytes: 64 << 10,
	Mailbox:       64,
	PingInterval:  25 * time.Second,
	PongWait:      60 * time.Second,
}

// WorkerHandler serves the worker protocol endpoint. Each socket gets one
// read loop (this goroutine) and one write pump.
type WorkerHandler struct {
	cfg     WorkerConfig
	reg     Registry
	metrics *metrics.Metrics
}

func NewWorkerHandler(cfg WorkerConfig, reg Registry, m *metrics.Metrics) *WorkerHandler {
	return &WorkerHandler{cfg: cfg, reg: reg, metrics: m}
}

func (h *WorkerHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/worker", h.serve)
}

func (h *WorkerHandler) serve(c *gin.Context) {
	sock, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("worker websocket upgrade failed", "error", err)
		return
	}
	conn := newWorkerConn(sock, h.cfg.Mailbox)
	go conn.writePump(h.cfg.PingInterval)

	// Detached so the disconnect event still publishes during server shutdown.
	h.readLoop(context.WithoutCancel(c.Request.Context()), conn)
}

// session tracks which node a socket registered as.
type session struct {
	conn   *workerConn
	nodeID string
}

func (h *WorkerHandler) readLoop(ctx context.Context, conn *workerConn) {
	s := &session{conn: conn}
	sock := conn.ws

	sock.SetReadLimit(h.cfg.MaxFrameBytes)
	_ = sock.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	sock.SetPongHandler(func(string) error {
		return sock.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	defer func() {
		if s.nodeID != "" {
			h.reg.Disconnect(ctx, s.nodeID, conn)
		}
		_ = conn.Close()
	}()

	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				h.metrics.ProtocolError("oversized")
				slog.WarnContext(ctx, "worker frame exceeds read limit",
					"node_id", s.nodeID, "limit_bytes", h.cfg.MaxFrameBytes)
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.InfoContext(ctx, "worker socket closed", "node_id", s.nodeID, "error", err)
			}
			return
		}
		_ = sock.SetReadDeadline(time.Now().Add(h.cfg.PongWait))

		msg, err := protocol.Parse(data)
		if err != nil {
			var perr *protocol.Error
			if errors.As(err, &perr) {
				h.reject(ctx, s, "malformed", perr.Reply())
			}
			continue
		}
		h.handle(ctx, s, msg)
	}
}

func (h *WorkerHandler) handle(ctx context.Context, s *session, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeRegister:
		h.register(ctx, s, msg.Register)

	case protocol.TypeHeartbeat:
		if !h.bound(ctx, s, msg.Type, msg.Heartbeat.NodeID) {
			return
		}
		if err := h.reg.Heartbeat(ctx, s.nodeID, msg.Heartbeat.Metrics); err != nil {
			h.replyRegistryError(ctx, s, err)
		}

	case protocol.TypeMetrics:
		if !h.bound(ctx, s, msg.Type, msg.Metrics.NodeID) {
			return
		}
		if err := h.reg.ReportMetrics(ctx, s.nodeID, msg.Metrics.Metrics); err != nil {
			h.replyRegistryError(ctx, s, err)
		}

	case protocol.TypeAck:
		if !h.bound(ctx, s, msg.Type, "") {
			return
		}
		h.reg.Ack(ctx, s.nodeID, node.CommandResult{
			CommandID: *msg.CommandID,
			Success:   msg.Ack.Success,
			Payload:   msg.Ack.Payload,
			Error:     msg.Ack.Error,
		})

	case protocol.TypeError:
		slog.WarnContext(ctx, "worker reported error", "node_id", s.nodeID, "message", msg.Error.Message)

	default:
		h.reject(ctx, s, "unexpected_type",
			protocol.NewError(fmt.Sprintf("%s is not accepted from workers", msg.Type)))
	}
}

func (h *WorkerHandler) register(ctx context.Context, s *session, p *protocol.RegisterPayload) {
	if s.nodeID != "" {
		h.reject(ctx, s, "duplicate_register",
			protocol.NewError(fmt.Sprintf("connection already registered as %s", s.nodeID)))
		return
	}
	n, err := h.reg.Register(ctx, s.conn, p.NodeID, p.Metadata, p.Metrics)
	if err != nil {
		h.reject(ctx, s, "register", protocol.NewError(err.Error()))
		return
	}
	s.nodeID = n.ID
	slog.InfoContext(ctx, "worker registered", "node_id", n.ID, "status", n.Status, "remote_addr", s.conn.addr)
}

// bound reports whether the session may send msgType. claimed, when set, must
// match the registered node id.
func (h *WorkerHandler) bound(ctx context.Context, s *session, msgType protocol.Type, claimed string) bool {
	if s.nodeID == "" {
		h.reject(ctx, s, "unregistered", protocol.NewError(fmt.Sprintf("%s before REGISTER", msgType)))
		return false
	}
	if claimed != "" && claimed != s.nodeID {
		h.reject(ctx, s, "node_mismatch",
			protocol.NewError(fmt.Sprintf("node_id %s does not match registered %s", claimed, s.nodeID)))
		return false
	}
	return true
}

func (h *WorkerHandler) replyRegistryError(ctx context.Context, s *session, err error) {
	if errors.Is(err, fleeterr.ErrUnknownNode) {
		// The registry already dropped this node; it must reconnect.
		_ = s.conn.Send(protocol.NewError("unknown node: re-register"))
		return
	}
	slog.ErrorContext(ctx, "worker message failed", "node_id", s.nodeID, "error", err)
}

func (h *WorkerHandler) reject(ctx context.Context, s *session, kind string, reply protocol.Envelope) {
	h.metrics.ProtocolError(kind)
	slog.WarnContext(ctx, "worker protocol error", "node_id", s.nodeID, "kind", kind, "remote_addr", s.conn.addr)
	if err := s.conn.Send(reply); err != nil {
		slog.WarnContext(ctx, "worker error reply dropped", "node_id", s.nodeID, "error", err)
	}
}
