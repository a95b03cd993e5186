package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"risk-trader/internal/auth"
	"risk-trader/internal/database"
	"risk-trader/internal/exchange"
	"risk-trader/internal/execution"
	"risk-trader/internal/intent"
	"risk-trader/internal/operations"
	"risk-trader/internal/policy"
)

// writeError translates domain errors onto the HTTP taxonomy. Each kind the
// handler layer knows is mapped; everything else becomes a 500 with a
// correlation ID, logged server-side with the tenant.
func (s *Server) writeError(c *gin.Context, err error) {
	var reqErr *intent.RequestError
	if errors.As(err, &reqErr) {
		body := gin.H{"error": "VALIDATION_ERROR", "message": reqErr.Message}
		if len(reqErr.MissingFields) > 0 {
			body["missing_fields"] = reqErr.MissingFields
		}
		if len(reqErr.FieldsNotAllowed) > 0 {
			body["fields_not_allowed"] = reqErr.FieldsNotAllowed
		}
		if len(reqErr.FieldErrors) > 0 {
			body["field_errors"] = reqErr.FieldErrors
		}
		c.JSON(http.StatusBadRequest, body)
		return
	}

	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "NOT_FOUND", "message": "resource not found"})
		return
	}

	if errors.Is(err, intent.ErrConflict) || errors.Is(err, operations.ErrConflict) ||
		errors.Is(err, policy.ErrInvalidTransition) {
		c.JSON(http.StatusConflict, gin.H{"error": "STATE_CONFLICT", "message": err.Error()})
		return
	}

	if errors.Is(err, execution.ErrTradingDisabled) {
		c.JSON(http.StatusForbidden, gin.H{"error": "TRADING_DISABLED", "message": err.Error()})
		return
	}

	if xe, ok := exchange.AsError(err); ok {
		if xe.IsTransient() {
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "EXCHANGE_UNAVAILABLE",
				"message": xe.Message,
				"kind":    string(xe.Kind),
			})
			return
		}
		// Permanent exchange errors are the user's problem; never retried.
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "EXCHANGE_REJECTED",
			"message": xe.Message,
			"kind":    string(xe.Kind),
		})
		return
	}

	correlationID := uuid.NewString()
	s.log.WithTenant(auth.TenantID(c)).Error("unhandled error",
		"correlation_id", correlationID,
		"path", c.FullPath(),
		"error", err.Error())
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":          "INTERNAL_ERROR",
		"message":        "internal server error",
		"correlation_id": correlationID,
	})
}
