package mcp

import (
	"context"
	"fmt"
	"strings"

	mcpmcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/fleetctl/fleetctl/internal/service/ranking"
)

// RegisterPrompts registers the fleet_status prompt, which hands an operator
// model the current load ranking as context.
func RegisterPrompts(s *mcpserver.MCPServer, ranks *ranking.Service) {
	s.AddPrompt(
		mcpmcp.NewPrompt("fleet_status",
			mcpmcp.WithPromptDescription("Current load ranking of online worker nodes, for deciding on allocations or a rebalance."),
			mcpmcp.WithArgument("location",
				mcpmcp.ArgumentDescription("Only include nodes in this location."),
			),
		),
		fleetStatusHandler(ranks),
	)
}

func fleetStatusHandler(ranks *ranking.Service) mcpserver.PromptHandlerFunc {
	return func(ctx context.Context, req mcpmcp.GetPromptRequest) (*mcpmcp.GetPromptResult, error) {
		location := strings.TrimSpace(req.Params.Arguments["location"])

		entries := ranks.Rankings()
		var b strings.Builder
		b.WriteString("Online worker nodes, least loaded first (score 0-100):\n")
		shown := 0
		for _, e := range entries {
			if location != "" && !e.Node.Metadata.InLocation(location) {
				continue
			}
			fmt.Fprintf(&b, "- %s score=%.2f accounts=%d location=%s\n", e.ServerID, e.Score, e.AccountCount, e.Location)
			shown++
		}
		if shown == 0 {
			b.WriteString("(no online nodes)\n")
		}
		if location == "" {
			fmt.Fprintf(&b, "Load gap: %.2f\n", ranking.Gap(entries))
		}

		return mcpmcp.NewGetPromptResult(
			"Fleet load ranking",
			[]mcpmcp.PromptMessage{
				mcpmcp.NewPromptMessage(
					mcpmcp.RoleUser,
					mcpmcp.TextContent{
						Type: "text",
						Text: b.String(),
					},
				),
			},
		), nil
	}
}
