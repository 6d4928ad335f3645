package rebalance

import (
	"net/http"

	"github.com/gin-gonic/gin"

	domainrebalance "github.com/fleetctl/fleetctl/internal/domain/rebalance"
	"github.com/fleetctl/fleetctl/internal/service/rebalancer"
	"github.com/fleetctl/fleetctl/internal/transport/httperr"
)

// Register mounts POST /rebalance and GET /rebalance/plan on rg.
func Register(rg *gin.RouterGroup, svc *rebalancer.Service) {
	rg.POST("/rebalance", runRebalance(svc))
	rg.GET("/rebalance/plan", planRebalance(svc))
}

// rebalanceReq uses pointers so an omitted field takes the configured default
// while an explicit zero is still validated.
type rebalanceReq struct {
	Threshold     *float64 `json:"threshold" form:"threshold"`
	MaxMigrations *int     `json:"max_migrations" form:"max_migrations"`
}

func (r rebalanceReq) resolve(defaults domainrebalance.Request) domainrebalance.Request {
	out := defaults
	if r.Threshold != nil {
		out.Threshold = *r.Threshold
	}
	if r.MaxMigrations != nil {
		out.MaxMigrations = *r.MaxMigrations
	}
	return out
}

func runRebalance(svc *rebalancer.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req rebalanceReq
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				httperr.BadRequest(c, err)
				return
			}
		}

		res, err := svc.Rebalance(c.Request.Context(), req.resolve(svc.Defaults()))
		if err != nil {
			httperr.Abort(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// planRebalance is a dry run: it returns the moves without executing them.
func planRebalance(svc *rebalancer.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req rebalanceReq
		if err := c.ShouldBindQuery(&req); err != nil {
			httperr.BadRequest(c, err)
			return
		}

		plan, err := svc.Plan(c.Request.Context(), req.resolve(svc.Defaults()))
		if err != nil {
			httperr.Abort(c, err)
			return
		}
		c.JSON(http.StatusOK, plan)
	}
}
