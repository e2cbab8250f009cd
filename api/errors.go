package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"gitlab.com/inference-grid/routing-service/dispatch"
	"gitlab.com/inference-grid/routing-service/gateway"
	"gitlab.com/inference-grid/routing-service/ledger"
	"gitlab.com/inference-grid/routing-service/liveness"
	"gitlab.com/inference-grid/routing-service/registry"
	"gitlab.com/inference-grid/routing-service/selector"
)

// respondError maps domain errors onto HTTP statuses. Unclassified
// errors are logged and reported as 500 without leaking internals.
func respondError(c *gin.Context, err error) {
	var (
		upstream *dispatch.UpstreamError
		capacity *selector.ErrInsufficientCapacity
		rejected *gateway.RejectedError
	)
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient credits"})
	case errors.Is(err, ledger.ErrUnknownModel):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, dispatch.ErrNoModels):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, selector.ErrNoMachines), errors.As(err, &capacity):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.As(err, &upstream):
		c.JSON(http.StatusBadGateway, gin.H{"error": "machine error", "detail": upstream.Error()})
	case errors.As(err, &rejected):
		c.JSON(http.StatusBadGateway, gin.H{"error": "gateway rejected the change", "detail": rejected.Error()})
	case errors.Is(err, registry.ErrMachineNotFound),
		errors.Is(err, registry.ErrTokenNotFound),
		errors.Is(err, liveness.ErrUnknownMachine):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "request timed out"})
	default:
		zlog.Sugar().Errorf("unhandled error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
