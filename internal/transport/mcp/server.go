package mcp

import (
	"context"
	"log/slog"
	"net/http"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/fleetctl/fleetctl/internal/service/allocator"
	"github.com/fleetctl/fleetctl/internal/service/ranking"
	"github.com/fleetctl/fleetctl/internal/service/rebalancer"
	"github.com/fleetctl/fleetctl/internal/service/registry"
)

// Server wraps the mark3labs/mcp-go MCPServer and its StreamableHTTPServer.
// Tools are registered in tools.go, prompts in prompts.go, watch state in
// watchers.go.
type Server struct {
	httpSrv  *mcpserver.StreamableHTTPServer
	watchers *WatchRegistry
}

// Services are the control-plane services the operator tools drive.
type Services struct {
	Registry   *registry.Service
	Ranking    *ranking.Service
	Allocator  *allocator.Service
	Rebalancer *rebalancer.Service
}

func New(watchers *WatchRegistry, svcs Services) *Server {
	s := &Server{watchers: watchers}

	hooks := &mcpserver.Hooks{}
	hooks.OnUnregisterSession = append(hooks.OnUnregisterSession, s.onSessionClose)

	mcpSrv := mcpserver.NewMCPServer(
		"fleetctl",
		"1.0.0",
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithHooks(hooks),
	)
	watchers.SetMCPServer(mcpSrv)

	RegisterTools(mcpSrv, watchers, svcs)
	RegisterPrompts(mcpSrv, svcs.Ranking)

	s.httpSrv = mcpserver.NewStreamableHTTPServer(mcpSrv)
	return s
}

// Handler returns an http.Handler that serves the MCP endpoint.
func (s *Server) Handler() http.Handler {
	return s.httpSrv
}

func (s *Server) Watchers() *WatchRegistry {
	return s.watchers
}

func (s *Server) onSessionClose(ctx context.Context, session mcpserver.ClientSession) {
	if s.watchers.Unwatch(session.SessionID()) {
		slog.InfoContext(ctx, "mcp: watching session closed", "session_id", session.SessionID())
	}
}
