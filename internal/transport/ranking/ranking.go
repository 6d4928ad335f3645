package ranking

import (
	"net/http"

	"github.com/gin-gonic/gin"

	rankingsvc "github.com/fleetctl/fleetctl/internal/service/ranking"
)

func Register(rg *gin.RouterGroup, svc *rankingsvc.Service) {
	rg.GET("", listRankings(svc))
}

// listRankings returns online nodes, least loaded first.
func listRankings(svc *rankingsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, svc.Rankings())
	}
}
