package allocation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fleetctl/fleetctl/internal/domain/placement"
	"github.com/fleetctl/fleetctl/internal/service/allocator"
	"github.com/fleetctl/fleetctl/internal/transport/httperr"
)

// Register mounts POST /allocate and the /placements resource on rg.
func Register(rg *gin.RouterGroup, svc *allocator.Service) {
	rg.POST("/allocate", allocate(svc))

	placements := rg.Group("/placements")
	placements.GET("", listPlacements(svc))
	placements.GET("/:account_id", getPlacement(svc))
	placements.DELETE("/:account_id", releasePlacement(svc))
}

// allocate always answers with an AllocationResult; the status code carries
// the failure class.
func allocate(svc *allocator.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req placement.AllocationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			httperr.BadRequest(c, err)
			return
		}

		res, err := svc.Allocate(c.Request.Context(), req)
		c.JSON(httperr.Status(err), res)
	}
}

func listPlacements(svc *allocator.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var filters placement.ListFilters
		if v := c.Query("node_id"); v != "" {
			filters.NodeID = &v
		}
		if v := c.Query("script_id"); v != "" {
			filters.ScriptID = &v
		}

		ps, err := svc.ListPlacements(c.Request.Context(), filters)
		if err != nil {
			httperr.Abort(c, err)
			return
		}
		if ps == nil {
			ps = []placement.Placement{}
		}
		c.JSON(http.StatusOK, ps)
	}
}

func getPlacement(svc *allocator.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := svc.GetPlacement(c.Request.Context(), c.Param("account_id"))
		if err != nil {
			httperr.Abort(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

func releasePlacement(svc *allocator.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := svc.Release(c.Request.Context(), c.Param("account_id"))
		if err != nil {
			httperr.Abort(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}
