package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"risk-trader/internal/auth"
	"risk-trader/internal/database"
	"risk-trader/internal/guards"
	"risk-trader/internal/intent"
)

// handleCreateIntent creates an intent in auto or manual mode.
func (s *Server) handleCreateIntent(c *gin.Context) {
	tenantID := auth.TenantID(c)

	var req intent.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_ERROR", "message": "invalid request body: " + err.Error()})
		return
	}

	created, err := s.svc.Intents.Create(c.Request.Context(), tenantID, &req)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"intent": created})
}

// handleGetIntent fetches one intent, tenant-filtered.
func (s *Server) handleGetIntent(c *gin.Context) {
	tenantID := auth.TenantID(c)

	i, err := s.svc.Intents.Get(c.Request.Context(), tenantID, c.Param("intent_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"intent": i})
}

// handleListIntents lists intents with status/strategy/symbol filters.
func (s *Server) handleListIntents(c *gin.Context) {
	tenantID := auth.TenantID(c)

	filter := database.IntentFilter{
		Status:   c.Query("status"),
		Strategy: c.Query("strategy"),
		Symbol:   c.Query("symbol"),
	}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_ERROR", "message": "limit must be an integer in [1, 1000]"})
			return
		}
		filter.Limit = limit
	}
	if raw := c.Query("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_ERROR", "message": "offset must be a non-negative integer"})
			return
		}
		filter.Offset = offset
	}

	intents, err := s.svc.Intents.List(c.Request.Context(), tenantID, filter)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"intents": intents, "count": len(intents)})
}

// handleValidateIntent runs the validation suite, persists the report and
// transitions the intent. An already executed or terminal intent is a 400
// carrying the current status.
func (s *Server) handleValidateIntent(c *gin.Context) {
	tenantID := auth.TenantID(c)

	maxDrawdown := guards.DefaultMaxDrawdownPercent
	if state, err := s.svc.Policy.Get(c.Request.Context(), tenantID); err == nil {
		maxDrawdown = state.MaxDrawdownPercent
	}

	i, report, err := s.svc.Intents.Validate(c.Request.Context(), tenantID, c.Param("intent_id"), maxDrawdown)
	if err != nil {
		if errors.Is(err, intent.ErrConflict) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_STATE", "message": err.Error()})
			return
		}
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"intent":            i,
		"validation_result": report.ToMap(),
	})
}

// handleExecuteIntent executes a VALIDATED intent in dry-run or live mode.
func (s *Server) handleExecuteIntent(c *gin.Context) {
	tenantID := auth.TenantID(c)

	mode := guards.ModeDryRun
	switch c.Query("mode") {
	case "", "dry-run", "dry_run":
	case "live":
		mode = guards.ModeLive
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_ERROR", "message": "mode must be dry-run or live"})
		return
	}

	var body struct {
		Confirmed bool `json:"confirmed"`
	}
	_ = c.ShouldBindJSON(&body)

	i, result, err := s.svc.Executor.ExecuteIntent(c.Request.Context(), tenantID, c.Param("intent_id"), mode, body.Confirmed)
	if err != nil {
		if errors.Is(err, intent.ErrConflict) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_STATE", "message": err.Error()})
			return
		}
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"intent": i,
		"result": result.ToMap(),
	})
}

// handleAutoCalculate previews the auto-parameter bundle without persisting
// an intent. The persisted quantity for the same inputs is identical because
// both paths quantize exactly once in the pipeline.
func (s *Server) handleAutoCalculate(c *gin.Context) {
	tenantID := auth.TenantID(c)

	var req struct {
		Symbol   string `json:"symbol"`
		Strategy string `json:"strategy"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Symbol == "" || req.Strategy == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_ERROR", "message": "symbol and strategy are required"})
		return
	}

	ctx := c.Request.Context()
	symbol, err := s.svc.Repo.GetSymbol(ctx, tenantID, req.Symbol)
	if err != nil {
		s.writeError(c, err)
		return
	}
	strategy, err := s.svc.Repo.GetStrategy(ctx, tenantID, req.Strategy)
	if err != nil {
		s.writeError(c, err)
		return
	}
	port, err := s.svc.Ports.PortFor(ctx, tenantID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	proposal, err := s.svc.Pipeline.Build(ctx, port, symbol, strategy)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"proposal": proposal,
		// Downstream consumers parse this as a string regardless of locale.
		"confidence_float": decimal.NewFromFloat(proposal.ConfidenceFloat).String(),
	})
}

// handlePatternTrigger creates an intent for a pattern event, idempotently
// on (tenant, pattern_event_id).
func (s *Server) handlePatternTrigger(c *gin.Context) {
	tenantID := auth.TenantID(c)

	var req intent.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_ERROR", "message": "invalid request body: " + err.Error()})
		return
	}

	result, err := s.svc.Intents.CreateFromPattern(c.Request.Context(), tenantID, &req)
	if err != nil {
		s.writeError(c, err)
		return
	}

	if result.AlreadyProcessed {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ALREADY_PROCESSED",
			"intent_id": result.Intent.IntentID,
			"intent":    result.Intent,
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"status":    "CREATED",
		"intent_id": result.Intent.IntentID,
		"intent":    result.Intent,
	})
}
