package execution

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"risk-trader/internal/audit"
	"risk-trader/internal/database"
	"risk-trader/internal/exchange"
	"risk-trader/internal/guards"
)

// DirectRequest is a risk-managed trade placed without an intent record:
// the caller supplies the full plan and the guard suite runs inline.
type DirectRequest struct {
	Symbol   string          `json:"symbol"`
	Side     string          `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`

	EntryPrice decimal.Decimal `json:"entry_price"`
	StopPrice  decimal.Decimal `json:"stop_price"`
	Capital    decimal.Decimal `json:"capital"`

	StrategyName  string      `json:"strategy_name"`
	Confirmed     bool        `json:"confirmed"`
	ClosingLong   bool        `json:"closing_long"`
	ForceOverride bool        `json:"force_override"`
	Mode          guards.Mode `json:"mode"`

	// Entry-gate inputs. FundingRate is the current rate when the caller
	// tracks one; PriceAt timestamps a caller-supplied entry price so the
	// staleness check can age it.
	FundingRate decimal.Decimal `json:"funding_rate"`
	PriceAt     *time.Time      `json:"price_at,omitempty"`
}

// gateDataTimestamp ages a caller-supplied price by PriceAt; a price fetched
// from the exchange in this call is fresh by definition.
func (r *DirectRequest) gateDataTimestamp(now time.Time) *time.Time {
	if r.EntryPrice.IsZero() {
		return &now
	}
	return r.PriceAt
}

// ExecuteDirect runs the guard suite and, on pass, places the market order
// plus protective stop exactly like intent execution. Closing a long with
// closing_long waives the stop requirement (the original stop is being
// retired); any other stop-less request is blocked.
func (e *Executor) ExecuteDirect(ctx context.Context, tenantID string, req *DirectRequest) (*Result, error) {
	if req.Mode == "" {
		req.Mode = guards.ModeDryRun
	}
	if req.Mode == guards.ModeLive && !e.TradingEnabled {
		return nil, ErrTradingDisabled
	}

	entry := req.EntryPrice
	if entry.IsZero() {
		port, err := e.ports.PortFor(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		if req.Side == "SELL" {
			entry, err = port.BestBid(ctx, req.Symbol)
		} else {
			entry, err = port.BestAsk(ctx, req.Symbol)
		}
		if err != nil {
			return nil, err
		}
	}

	if req.ClosingLong && req.Side == "SELL" && req.StopPrice.LessThanOrEqual(decimal.Zero) {
		e.log.WithTenant(tenantID).Warn("closing_long sell without stop, RiskManagement waived",
			"symbol", req.Symbol)
	}

	now := e.clk.Now()
	gctx := &guards.Context{
		Mode:          req.Mode,
		Side:          req.Side,
		EntryPrice:    entry,
		StopPrice:     req.StopPrice,
		Quantity:      req.Quantity,
		Capital:       req.Capital,
		StrategyName:  req.StrategyName,
		Confirmed:     req.Confirmed,
		ClosingLong:   req.ClosingLong,
		ForceOverride: req.ForceOverride,
		Now:           now,
	}
	gctx.Gate = e.gateConfig(ctx, tenantID, req.Symbol, req.gateDataTimestamp(now), req.FundingRate)
	if state, err := e.policy.Get(ctx, tenantID); err == nil {
		gctx.MonthlyPnL = state.RealizedPnL.Add(state.UnrealizedPnL)
		gctx.MonthlyCapital = state.StartingCapital
		gctx.MaxDrawdownPercent = state.MaxDrawdownPercent
		gctx.PolicyPaused = state.Status != database.PolicyActive
	} else if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	// Reuse the intent path's order placement by shaping a transient intent.
	shadow := &database.TradingIntent{
		TenantID:   tenantID,
		Symbol:     req.Symbol,
		Strategy:   req.StrategyName,
		Side:       req.Side,
		EntryPrice: entry,
		StopPrice:  req.StopPrice,
		Quantity:   req.Quantity,
		Capital:    req.Capital,
	}
	result := e.runDirect(ctx, tenantID, shadow, gctx, req.ClosingLong)
	return result, nil
}

// ValidateDirect evaluates the guard suite without placing anything;
// always returns the full guard breakdown.
func (e *Executor) ValidateDirect(ctx context.Context, tenantID string, req *DirectRequest) (*Result, error) {
	req2 := *req
	req2.Mode = guards.ModeDryRun
	entry := req2.EntryPrice
	if entry.IsZero() {
		port, err := e.ports.PortFor(ctx, tenantID)
		if err == nil {
			if req2.Side == "SELL" {
				entry, _ = port.BestBid(ctx, req2.Symbol)
			} else {
				entry, _ = port.BestAsk(ctx, req2.Symbol)
			}
		}
	}

	now := e.clk.Now()
	gctx := &guards.Context{
		Mode:          guards.ModeDryRun,
		Side:          req2.Side,
		EntryPrice:    entry,
		StopPrice:     req2.StopPrice,
		Quantity:      req2.Quantity,
		Capital:       req2.Capital,
		StrategyName:  req2.StrategyName,
		Confirmed:     req2.Confirmed,
		ClosingLong:   req2.ClosingLong,
		ForceOverride: req2.ForceOverride,
		Now:           now,
	}
	gctx.Gate = e.gateConfig(ctx, tenantID, req2.Symbol, req2.gateDataTimestamp(now), req2.FundingRate)
	if state, err := e.policy.Get(ctx, tenantID); err == nil {
		gctx.MonthlyPnL = state.RealizedPnL.Add(state.UnrealizedPnL)
		gctx.MonthlyCapital = state.StartingCapital
		gctx.MaxDrawdownPercent = state.MaxDrawdownPercent
		gctx.PolicyPaused = state.Status != database.PolicyActive
	} else if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	result := &Result{Mode: guards.ModeDryRun, ExecutedAt: now}
	guardResults, allPassed := guards.RunAll(gctx, guards.Suite(guards.ModeDryRun))
	result.Guards = guardResults
	e.persistGate(ctx, tenantID, req2.Symbol, guardResults, gctx.Gate.LastStopOutAt)
	if allPassed {
		result.Status = StatusSuccess
	} else {
		result.Status = StatusBlocked
		for _, g := range guardResults {
			if !g.Passed {
				result.Error = g.Message
				result.setMetadata("blocking_guard", g.Name)
				break
			}
		}
	}
	return result, nil
}

// runDirect mirrors run but skips the protective stop when the sell is
// closing an existing long.
func (e *Executor) runDirect(ctx context.Context, tenantID string, i *database.TradingIntent, gctx *guards.Context, closingLong bool) *Result {
	result := &Result{Mode: gctx.Mode, ExecutedAt: e.clk.Now()}

	guardResults, allPassed := guards.RunAll(gctx, guards.Suite(gctx.Mode))
	result.Guards = guardResults
	e.persistGate(ctx, tenantID, i.Symbol, guardResults, gctx.Gate.LastStopOutAt)
	if !allPassed {
		result.Status = StatusBlocked
		for _, g := range guardResults {
			if !g.Passed {
				result.Error = g.Message
				result.setMetadata("blocking_guard", g.Name)
				break
			}
		}
		return result
	}

	if gctx.Mode == guards.ModeDryRun {
		result.Actions = append(result.Actions, Action{
			Type:      marketActionType(i.Side),
			Symbol:    i.Symbol,
			Side:      i.Side,
			Quantity:  i.Quantity,
			Price:     i.EntryPrice,
			Simulated: true,
		})
		if !closingLong && i.StopPrice.IsPositive() {
			result.Actions = append(result.Actions, Action{
				Type:      "STOP_LOSS",
				Symbol:    i.Symbol,
				Side:      string(exchange.Side(i.Side).Opposite()),
				Quantity:  i.Quantity,
				Price:     i.StopPrice,
				Simulated: true,
			})
		}
		result.Status = StatusSuccess
		return result
	}

	if closingLong && i.Side == "SELL" {
		e.placeClosingSell(ctx, tenantID, i, result)
		return result
	}
	e.placeLive(ctx, tenantID, i, result)
	return result
}

// placeClosingSell sells to unwind an existing long; no new stop is paired.
func (e *Executor) placeClosingSell(ctx context.Context, tenantID string, i *database.TradingIntent, result *Result) {
	port, err := e.ports.PortFor(ctx, tenantID)
	if err != nil {
		result.Status = StatusFailed
		result.Error = err.Error()
		return
	}
	order, err := port.PlaceMarket(ctx, i.Symbol, exchange.SideSell, i.Quantity)
	if err != nil {
		result.Status = StatusFailed
		result.Error = err.Error()
		result.Actions = append(result.Actions, Action{
			Type: "MARKET_SELL", Symbol: i.Symbol, Side: "SELL", Quantity: i.Quantity, Error: err.Error(),
		})
		return
	}
	fillPrice := order.AvgFillPrice()
	result.Actions = append(result.Actions, Action{
		Type: "MARKET_SELL", Symbol: i.Symbol, Side: "SELL", Quantity: i.Quantity,
		Price: fillPrice, OrderID: &order.OrderID,
	})
	result.setMetadata("closing_long", true)
	e.auditor.Record(ctx, audit.Entry{
		TenantID: tenantID,
		Type:     audit.TypeOrderPlaced,
		Symbol:   i.Symbol,
		Side:     "SELL",
		Quantity: i.Quantity,
		Price:    fillPrice,
		Raw:      map[string]interface{}{"closing_long": true, "order_id": order.OrderID},
	})
	result.Status = StatusSuccess
}
