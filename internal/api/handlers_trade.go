package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"risk-trader/internal/auth"
	"risk-trader/internal/database"
	"risk-trader/internal/execution"
)

// handleRiskManagedBuy executes a guarded buy.
func (s *Server) handleRiskManagedBuy(c *gin.Context) {
	s.riskManagedTrade(c, "BUY")
}

// handleRiskManagedSell executes a guarded sell.
func (s *Server) handleRiskManagedSell(c *gin.Context) {
	s.riskManagedTrade(c, "SELL")
}

func (s *Server) riskManagedTrade(c *gin.Context, side string) {
	tenantID := auth.TenantID(c)

	var req execution.DirectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_ERROR", "message": "invalid request body: " + err.Error()})
		return
	}
	req.Side = side

	if req.Symbol == "" || req.Quantity.LessThanOrEqual(decimal.Zero) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_ERROR", "message": "symbol and a positive quantity are required"})
		return
	}

	// A protective stop is mandatory; only a sell flagged as closing an
	// existing long may omit it.
	closingWaiver := req.ClosingLong && side == "SELL"
	if req.StopPrice.LessThanOrEqual(decimal.Zero) && !closingWaiver {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":          "VALIDATION_ERROR",
			"message":        "stop_price is required for risk-managed trades",
			"missing_fields": []string{"stop_price"},
		})
		return
	}

	result, err := s.svc.Executor.ExecuteDirect(c.Request.Context(), tenantID, &req)
	if err != nil {
		s.writeError(c, err)
		return
	}

	if result.Status == execution.StatusBlocked {
		c.JSON(http.StatusForbidden, gin.H{
			"error":  "GUARD_BLOCKED",
			"result": result.ToMap(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result.ToMap()})
}

// handleRiskManagedValidate evaluates the guard suite without trading.
// Always a 200; the verdict is in the body.
func (s *Server) handleRiskManagedValidate(c *gin.Context) {
	tenantID := auth.TenantID(c)

	var req execution.DirectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_ERROR", "message": "invalid request body: " + err.Error()})
		return
	}
	if req.Side == "" {
		req.Side = "BUY"
	}

	result, err := s.svc.Executor.ValidateDirect(c.Request.Context(), tenantID, &req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result.ToMap()})
}

// handleRiskStatus returns the tenant's policy state for the current month.
func (s *Server) handleRiskStatus(c *gin.Context) {
	tenantID := auth.TenantID(c)

	state, err := s.svc.Policy.Get(c.Request.Context(), tenantID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusOK, gin.H{
				"policy":          nil,
				"status":          string(database.PolicyActive),
				"trading_allowed": true,
				"message":         "no trades recorded this month",
			})
			return
		}
		s.writeError(c, err)
		return
	}

	drawdown := decimal.Zero
	if state.StartingCapital.IsPositive() {
		pnl := state.RealizedPnL.Add(state.UnrealizedPnL)
		if pnl.IsNegative() {
			drawdown = pnl.Abs().Div(state.StartingCapital).Mul(decimal.NewFromInt(100)).Round(2)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"policy":           state,
		"status":           string(state.Status),
		"trading_allowed":  state.Status == database.PolicyActive,
		"drawdown_percent": drawdown,
	})
}

// handlePolicyPause manually pauses the tenant's trading for the month.
func (s *Server) handlePolicyPause(c *gin.Context) {
	tenantID := auth.TenantID(c)

	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Reason == "" {
		body.Reason = "manual pause"
	}

	state, err := s.svc.Policy.Pause(c.Request.Context(), tenantID, body.Reason)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": state})
}

// handlePolicyResume lifts a pause or suspension.
func (s *Server) handlePolicyResume(c *gin.Context) {
	tenantID := auth.TenantID(c)

	state, err := s.svc.Policy.Resume(c.Request.Context(), tenantID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": state})
}
