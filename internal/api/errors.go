package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"tradegate/internal/gateway"
	"tradegate/pkg/db"
	"tradegate/pkg/exchanges/common"
)

// writeError maps a gateway error to an HTTP status and stable error code.
// Raw exchange messages pass through for rejections (they tell the user what
// to fix); transient and connection failures get a generic message instead.
func writeError(c *gin.Context, err error) {
	switch {
	case common.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PARAMETERS",
			"error": err.Error(),
		})
	case errors.Is(err, common.ErrNotConfigured):
		c.JSON(http.StatusPreconditionFailed, gin.H{
			"code":  "EXCHANGE_NOT_CONFIGURED",
			"error": "no active credential for this exchange",
		})
	case common.IsRejected(err):
		c.JSON(http.StatusConflict, gin.H{
			"code":  "EXCHANGE_REJECTED",
			"error": err.Error(),
		})
	case common.IsTransient(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":  "EXCHANGE_UNAVAILABLE",
			"error": "exchange temporarily unavailable, please retry",
		})
	case errors.Is(err, gateway.ErrUnhealthy):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":  "SESSION_UNHEALTHY",
			"error": "exchange session is recovering, please retry shortly",
		})
	case isConnectionError(err):
		c.JSON(http.StatusBadGateway, gin.H{
			"code":  "EXCHANGE_CONNECTION_FAILED",
			"error": "could not connect to the exchange",
		})
	case errors.Is(err, db.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "NOT_FOUND",
			"error": "record not found",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": "internal error",
		})
	}
}

func isConnectionError(err error) bool {
	var ce *common.ConnectionError
	return errors.As(err, &ce) || errors.Is(err, common.ErrNotConnected)
}
