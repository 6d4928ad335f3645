package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcpmcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/fleetctl/fleetctl/internal/domain/event"
	"github.com/fleetctl/fleetctl/internal/domain/fleeterr"
	"github.com/fleetctl/fleetctl/internal/domain/node"
	"github.com/fleetctl/fleetctl/internal/domain/placement"
	"github.com/fleetctl/fleetctl/internal/domain/rebalance"
	"github.com/fleetctl/fleetctl/internal/service/allocator"
	"github.com/fleetctl/fleetctl/internal/service/ranking"
	"github.com/fleetctl/fleetctl/internal/service/rebalancer"
	"github.com/fleetctl/fleetctl/internal/service/registry"
)

// RegisterTools registers the operator tools on the server. Each tool is a
// thin adapter over the same services the HTTP API uses.
func RegisterTools(s *mcpserver.MCPServer, watchers *WatchRegistry, svcs Services) {
	s.AddTool(mcpmcp.NewTool("list_agents",
		mcpmcp.WithDescription("List worker nodes with status, metadata, reported metrics and load score."),
		mcpmcp.WithString("status", mcpmcp.Description("Optional filter: connecting, online, degraded or offline")),
	), listAgentsHandler(svcs.Registry))

	s.AddTool(mcpmcp.NewTool("get_rankings",
		mcpmcp.WithDescription("Online nodes ordered by load score, least loaded first."),
	), getRankingsHandler(svcs.Ranking))

	s.AddTool(mcpmcp.NewTool("allocate_account",
		mcpmcp.WithDescription("Place an account on a worker node. Returns the allocation result, including the error code on failure."),
		mcpmcp.WithString("account_id", mcpmcp.Required(), mcpmcp.Description("Account identifier")),
		mcpmcp.WithString("session_file", mcpmcp.Required(), mcpmcp.Description("Session file to ship to the node")),
		mcpmcp.WithString("strategy", mcpmcp.Description("load_balance (default), location, affinity or isolation"),
			mcpmcp.Enum(string(placement.KindLoadBalance), string(placement.KindLocation),
				string(placement.KindAffinity), string(placement.KindIsolation))),
		mcpmcp.WithString("script_id", mcpmcp.Description("Script the account runs; used by affinity")),
		mcpmcp.WithString("account_location", mcpmcp.Description("Required for the location strategy")),
	), allocateHandler(svcs.Allocator))

	s.AddTool(mcpmcp.NewTool("rebalance_fleet",
		mcpmcp.WithDescription("Migrate accounts from the most to the least loaded nodes. With dry_run only the plan is returned."),
		mcpmcp.WithNumber("threshold", mcpmcp.Description("Minimum load gap that triggers a move")),
		mcpmcp.WithNumber("max_migrations", mcpmcp.Description("Upper bound on moves this run")),
		mcpmcp.WithBoolean("dry_run", mcpmcp.Description("Plan without migrating")),
	), rebalanceHandler(svcs.Rebalancer))

	s.AddTool(mcpmcp.NewTool("dispatch_command",
		mcpmcp.WithDescription("Send a command to one worker node. With wait the tool returns the worker's ack."),
		mcpmcp.WithString("node_id", mcpmcp.Required(), mcpmcp.Description("Target node")),
		mcpmcp.WithString("action", mcpmcp.Required(), mcpmcp.Description("Command action, e.g. chat or monitor")),
		mcpmcp.WithString("payload", mcpmcp.Description("JSON payload passed through to the worker")),
		mcpmcp.WithBoolean("wait", mcpmcp.Description("Wait for the ack")),
	), dispatchHandler(svcs.Registry))

	s.AddTool(mcpmcp.NewTool("watch_fleet",
		mcpmcp.WithDescription("Stream fleet events to this session as notifications. Call again to change channels; pass none to stop."),
		mcpmcp.WithString("channels", mcpmcp.Description("Comma-separated channels: node, placement. Default both.")),
	), watchHandler(watchers))
}

func listAgentsHandler(reg *registry.Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		var filters node.ListFilters
		if v := mcpmcp.ParseString(req, "status", ""); v != "" {
			s := node.Status(v)
			if !s.Valid() {
				return mcpmcp.NewToolResultText(fmt.Sprintf("error: invalid status %q", v)), nil
			}
			filters.Status = &s
		}
		return jsonResult(reg.List(filters))
	}
}

func getRankingsHandler(ranks *ranking.Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		return jsonResult(ranks.Rankings())
	}
}

func allocateHandler(alloc *allocator.Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		// Failures are described by the result itself (message, error_code).
		res, _ := alloc.Allocate(ctx, placement.AllocationRequest{
			AccountID:       mcpmcp.ParseString(req, "account_id", ""),
			SessionFile:     mcpmcp.ParseString(req, "session_file", ""),
			ScriptID:        mcpmcp.ParseString(req, "script_id", ""),
			Strategy:        mcpmcp.ParseString(req, "strategy", string(placement.KindLoadBalance)),
			AccountLocation: mcpmcp.ParseString(req, "account_location", ""),
		})
		return jsonResult(res)
	}
}

func rebalanceHandler(rebal *rebalancer.Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		defaults := rebal.Defaults()
		r := rebalance.Request{
			Threshold:     mcpmcp.ParseFloat64(req, "threshold", defaults.Threshold),
			MaxMigrations: mcpmcp.ParseInt(req, "max_migrations", defaults.MaxMigrations),
		}

		if mcpmcp.ParseBoolean(req, "dry_run", false) {
			plan, err := rebal.Plan(ctx, r)
			if err != nil {
				return errorResult(err), nil
			}
			return jsonResult(plan)
		}
		res, err := rebal.Rebalance(ctx, r)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(res)
	}
}

func dispatchHandler(reg *registry.Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		nodeID := mcpmcp.ParseString(req, "node_id", "")
		action := strings.TrimSpace(mcpmcp.ParseString(req, "action", ""))

		var payload json.RawMessage
		if raw := mcpmcp.ParseString(req, "payload", ""); raw != "" {
			if !json.Valid([]byte(raw)) {
				return mcpmcp.NewToolResultText("error: payload must be valid JSON"), nil
			}
			payload = json.RawMessage(raw)
		}

		id, err := reg.Dispatch(nodeID, action, payload)
		if err != nil {
			return errorResult(err), nil
		}
		if !mcpmcp.ParseBoolean(req, "wait", false) {
			return jsonResult(map[string]string{"command_id": id.String(), "status": "dispatched"})
		}

		res, err := reg.Await(ctx, nodeID, id)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(res)
	}
}

func watchHandler(watchers *WatchRegistry) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		session := mcpserver.ClientSessionFromContext(ctx)
		if session == nil {
			return mcpmcp.NewToolResultText("error: watch_fleet needs a session"), nil
		}

		raw := mcpmcp.ParseString(req, "channels", "node,placement")
		known := make(map[event.Channel]bool)
		for _, ch := range event.Channels() {
			known[ch] = true
		}
		var channels []event.Channel
		for _, part := range strings.Split(raw, ",") {
			ch := event.Channel(strings.TrimSpace(part))
			if ch == "" {
				continue
			}
			if !known[ch] {
				return mcpmcp.NewToolResultText(fmt.Sprintf("error: unknown channel %q", ch)), nil
			}
			channels = append(channels, ch)
		}

		if len(channels) == 0 {
			watchers.Unwatch(session.SessionID())
		} else {
			watchers.Watch(session.SessionID(), channels)
		}
		return jsonResult(map[string]any{"session_id": session.SessionID(), "channels": channels})
	}
}

func jsonResult(v any) (*mcpmcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	return mcpmcp.NewToolResultText(string(data)), nil
}

func errorResult(err error) *mcpmcp.CallToolResult {
	if code := fleeterr.Code(err); code != "" {
		return mcpmcp.NewToolResultText(fmt.Sprintf("error: %s: %s", code, err))
	}
	return mcpmcp.NewToolResultText(fmt.Sprintf("error: %s", err))
}
