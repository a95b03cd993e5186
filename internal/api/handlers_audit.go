package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"risk-trader/internal/auth"
)

// handleAuditList returns the tenant's audit trail, newest first.
func (s *Server) handleAuditList(c *gin.Context) {
	tenantID := auth.TenantID(c)

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_ERROR", "message": "limit must be an integer in [1, 1000]"})
			return
		}
		limit = parsed
	}

	transactions, err := s.svc.Repo.ListAuditTransactions(c.Request.Context(), tenantID, c.Query("type"), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": transactions, "count": len(transactions)})
}
