package agent

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/fleetctl/fleetctl/internal/domain/fleeterr"
	"github.com/fleetctl/fleetctl/internal/domain/node"
	"github.com/fleetctl/fleetctl/internal/service/registry"
	"github.com/fleetctl/fleetctl/internal/transport/httperr"
)

func Register(rg *gin.RouterGroup, reg *registry.Service) {
	rg.GET("", listAgents(reg))
	rg.GET("/:id", getAgent(reg))
	rg.POST("/:id/command", sendCommand(reg))
}

// RegisterBroadcast mounts POST /broadcast on rg.
func RegisterBroadcast(rg *gin.RouterGroup, reg *registry.Service) {
	rg.POST("/broadcast", broadcast(reg))
}

func listAgents(reg *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var filters node.ListFilters

		if v := c.Query("status"); v != "" {
			s := node.Status(v)
			if !s.Valid() {
				httperr.BadRequest(c, fmt.Errorf("invalid status %q", v))
				return
			}
			filters.Status = &s
		}
		if v := c.Query("location"); v != "" {
			filters.Location = &v
		}

		c.JSON(http.StatusOK, reg.List(filters))
	}
}

func getAgent(reg *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, ok := reg.Get(c.Param("id"))
		if !ok {
			httperr.Abort(c, fmt.Errorf("agent %s: %w", c.Param("id"), fleeterr.ErrUnknownNode))
			return
		}
		c.JSON(http.StatusOK, n)
	}
}

type commandReq struct {
	Action  string          `json:"action" binding:"required"`
	Payload json.RawMessage `json:"payload"`
	// Wait blocks until the worker acks or the command deadline passes.
	Wait bool `json:"wait"`
}

type commandResp struct {
	CommandID string              `json:"command_id"`
	NodeID    string              `json:"node_id"`
	Status    string              `json:"status"`
	Result    *node.CommandResult `json:"result,omitempty"`
	Error     string              `json:"error,omitempty"`
}

func sendCommand(reg *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req commandReq
		if err := c.ShouldBindJSON(&req); err != nil {
			httperr.BadRequest(c, err)
			return
		}
		nodeID := c.Param("id")

		id, err := reg.Dispatch(nodeID, strings.TrimSpace(req.Action), req.Payload)
		if err != nil {
			httperr.Abort(c, err)
			return
		}
		resp := commandResp{CommandID: id.String(), NodeID: nodeID, Status: "dispatched"}
		if !req.Wait {
			c.JSON(http.StatusAccepted, resp)
			return
		}

		res, err := reg.Await(c.Request.Context(), nodeID, id)
		if err != nil {
			resp.Status = "failed"
			resp.Error = err.Error()
			c.JSON(httperr.Status(err), resp)
			return
		}
		resp.Status = "acked"
		resp.Result = &res
		if !res.Success {
			resp.Status = "rejected"
			c.JSON(http.StatusBadGateway, resp)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

type broadcastReq struct {
	Action  string          `json:"action" binding:"required"`
	Payload json.RawMessage `json:"payload"`
	Exclude []string        `json:"exclude"`
}

func broadcast(reg *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req broadcastReq
		if err := c.ShouldBindJSON(&req); err != nil {
			httperr.BadRequest(c, err)
			return
		}
		outcomes := reg.Broadcast(c.Request.Context(), strings.TrimSpace(req.Action), req.Payload, req.Exclude)
		c.JSON(http.StatusOK, gin.H{"action": req.Action, "outcomes": outcomes})
	}
}
