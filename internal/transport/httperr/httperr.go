// Package httperr maps fleet error codes to HTTP responses.
package httperr

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fleetctl/fleetctl/internal/domain/fleeterr"
)

// Status returns the HTTP status for err. Errors without a fleet code are
// internal failures.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, fleeterr.ErrInvalidRequest), errors.Is(err, fleeterr.ErrProtocol):
		return http.StatusBadRequest
	case errors.Is(err, fleeterr.ErrUnknownNode), errors.Is(err, fleeterr.ErrPlacementNotFound):
		return http.StatusNotFound
	case errors.Is(err, fleeterr.ErrAllocationInProgress), errors.Is(err, fleeterr.ErrRebalanceInProgress):
		return http.StatusConflict
	case errors.Is(err, fleeterr.ErrNoEligibleNode):
		return http.StatusUnprocessableEntity
	case errors.Is(err, fleeterr.ErrCommandRejected):
		return http.StatusBadGateway
	case errors.Is(err, fleeterr.ErrNodeUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, fleeterr.ErrCommandTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// Abort writes {"error", "error_code"} with the mapped status.
func Abort(c *gin.Context, err error) {
	body := gin.H{"error": err.Error()}
	if code := fleeterr.Code(err); code != "" {
		body["error_code"] = code
	}
	c.AbortWithStatusJSON(Status(err), body)
}

// BadRequest reports a request that failed to bind.
func BadRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error(), "error_code": fleeterr.ErrInvalidRequest.Code()})
}
