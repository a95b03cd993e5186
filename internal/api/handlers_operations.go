package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"risk-trader/internal/auth"
	"risk-trader/internal/database"
)

func operationID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_ERROR", "message": "id must be a positive integer"})
		return 0, false
	}
	return id, true
}

// handleListOperations lists the tenant's operations, optionally by status.
func (s *Server) handleListOperations(c *gin.Context) {
	tenantID := auth.TenantID(c)

	status := database.OperationStatus(c.Query("status"))
	ops, err := s.svc.Operations.List(c.Request.Context(), tenantID, status)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"operations": ops, "count": len(ops)})
}

// handleGetOperation fetches one operation.
func (s *Server) handleGetOperation(c *gin.Context) {
	tenantID := auth.TenantID(c)
	id, ok := operationID(c)
	if !ok {
		return
	}

	op, err := s.svc.Operations.Get(c.Request.Context(), tenantID, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"operation": op})
}

// handleCancelOperation cancels an operation. Cancelling an already
// cancelled operation succeeds without changing anything; other terminal
// states are a 409.
func (s *Server) handleCancelOperation(c *gin.Context) {
	tenantID := auth.TenantID(c)
	id, ok := operationID(c)
	if !ok {
		return
	}

	result, err := s.svc.Operations.Cancel(c.Request.Context(), tenantID, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"operation": result.Operation,
		"no_op":     result.NoOp,
	})
}

// handlePortfolio returns the unified spot + isolated-margin projection
// with live unrealized P&L.
func (s *Server) handlePortfolio(c *gin.Context) {
	tenantID := auth.TenantID(c)

	cards, err := s.svc.Operations.Portfolio(c.Request.Context(), tenantID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": cards, "count": len(cards)})
}

// handleTrailingAdjust evaluates one trailing-stop adjustment. The price is
// taken from the body or, when omitted, from the live book. The token makes
// replays no-ops.
func (s *Server) handleTrailingAdjust(c *gin.Context) {
	tenantID := auth.TenantID(c)
	id, ok := operationID(c)
	if !ok {
		return
	}

	var body struct {
		CurrentPrice decimal.Decimal `json:"current_price"`
		Token        string          `json:"token"`
	}
	_ = c.ShouldBindJSON(&body)

	ctx := c.Request.Context()
	price := body.CurrentPrice
	if price.LessThanOrEqual(decimal.Zero) {
		op, err := s.svc.Operations.Get(ctx, tenantID, id)
		if err != nil {
			s.writeError(c, err)
			return
		}
		port, err := s.svc.Ports.PortFor(ctx, tenantID)
		if err != nil {
			s.writeError(c, err)
			return
		}
		if op.Side == "SELL" {
			price, err = port.BestAsk(ctx, op.Symbol)
		} else {
			price, err = port.BestBid(ctx, op.Symbol)
		}
		if err != nil {
			s.writeError(c, err)
			return
		}
	}

	outcome, err := s.svc.Trailing.Adjust(ctx, tenantID, id, price, body.Token)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": outcome})
}

// handleTrailingAdjustAll sweeps all ACTIVE operations.
func (s *Server) handleTrailingAdjustAll(c *gin.Context) {
	tenantID := auth.TenantID(c)

	result, err := s.svc.Trailing.AdjustAll(c.Request.Context(), tenantID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// handleTrailingHistory returns the persisted adjustment trail for one
// operation, oldest first.
func (s *Server) handleTrailingHistory(c *gin.Context) {
	tenantID := auth.TenantID(c)
	id, ok := operationID(c)
	if !ok {
		return
	}

	// The adjustment trail is keyed by the string position ID.
	adjustments, err := s.svc.Repo.ListStopAdjustments(c.Request.Context(), tenantID, strconv.FormatInt(id, 10))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"adjustments": adjustments, "count": len(adjustments)})
}
