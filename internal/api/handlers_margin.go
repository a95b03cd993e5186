package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"risk-trader/internal/auth"
	"risk-trader/internal/margin"
)

// handleMarginOpen opens a leveraged isolated-margin position:
// transfer, borrow via side effect, market order, protective stop.
func (s *Server) handleMarginOpen(c *gin.Context) {
	tenantID := auth.TenantID(c)

	var req margin.OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_ERROR", "message": "invalid request body: " + err.Error()})
		return
	}
	if req.QuoteAsset == "" {
		req.QuoteAsset = "USDC"
	}
	if req.Side == "" {
		req.Side = "BUY"
	}

	result, err := s.svc.Margin.Open(c.Request.Context(), tenantID, &req)
	if err != nil {
		s.writeError(c, err)
		return
	}

	status := http.StatusCreated
	body := gin.H{"position": result.Position}
	if result.StopFailed {
		body["stop_failed"] = true
		body["warning"] = result.StopWarning
	}
	c.JSON(status, body)
}

// handleMarginClose unwinds a position: opposite market order with
// auto-repay, residual repay, sweep free quote back to spot.
func (s *Server) handleMarginClose(c *gin.Context) {
	tenantID := auth.TenantID(c)
	id, ok := operationID(c)
	if !ok {
		return
	}

	var body struct {
		QuoteAsset string `json:"quote_asset"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.QuoteAsset == "" {
		body.QuoteAsset = "USDC"
	}

	position, err := s.svc.Margin.Close(c.Request.Context(), tenantID, id, body.QuoteAsset)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"position": position})
}

// handleMarginList lists the tenant's open margin positions, raw rows plus
// the per-symbol aggregation used by position displays.
func (s *Server) handleMarginList(c *gin.Context) {
	tenantID := auth.TenantID(c)

	positions, err := s.svc.Margin.ListOpen(c.Request.Context(), tenantID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"positions":  positions,
		"aggregated": margin.Aggregate(positions),
		"count":      len(positions),
	})
}

// handleMarginGet fetches one margin position.
func (s *Server) handleMarginGet(c *gin.Context) {
	tenantID := auth.TenantID(c)
	id, ok := operationID(c)
	if !ok {
		return
	}

	position, err := s.svc.Margin.Get(c.Request.Context(), tenantID, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"position": position})
}
