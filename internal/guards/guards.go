// Package guards holds the stateless pre-execution checks. Each guard reads
// a context snapshot and returns a verdict; none mutate anything. Guards run
// both at validation time and again immediately before execution.
package guards

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"risk-trader/internal/money"
)

// Mode mirrors the execution mode; DRY_RUN relaxes the trade-intent guard
// but never the risk or drawdown guards.
type Mode string

const (
	ModeDryRun Mode = "DRY_RUN"
	ModeLive   Mode = "LIVE"
)

// Result is one guard's verdict.
type Result struct {
	Name    string                 `json:"name"`
	Passed  bool                   `json:"passed"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func pass(name, message string) Result {
	return Result{Name: name, Passed: true, Message: message}
}

func fail(name, message string) Result {
	return Result{Name: name, Passed: false, Message: message}
}

// Context is the snapshot guards evaluate. Callers assemble it once per
// check; guards never reach out to stores or exchanges themselves.
type Context struct {
	Mode Mode
	Side string

	EntryPrice decimal.Decimal
	StopPrice  decimal.Decimal
	Quantity   decimal.Decimal
	Capital    decimal.Decimal

	MaxRiskPercent decimal.Decimal

	// Monthly policy snapshot. MonthlyCapital is the month's starting
	// capital; zero means fall back to Capital.
	MonthlyPnL         decimal.Decimal
	MonthlyCapital     decimal.Decimal
	MaxDrawdownPercent decimal.Decimal
	PolicyPaused       bool

	// Intent confirmation.
	StrategyName string
	Confirmed    bool

	// Entry gate inputs.
	Gate GateConfig

	// ClosingLong skips the stop requirement when unwinding an existing
	// long with a market sell. Known footgun: a mistakenly set flag lets a
	// stop-less sell through.
	ClosingLong bool

	// ForceOverride lets an operator trade through a drawdown pause.
	ForceOverride bool

	Now time.Time
}

// Guard is one stateless check.
type Guard interface {
	Name() string
	Check(ctx *Context) Result
}

// DefaultMaxRiskPercent caps per-trade risk when the context does not
// override it.
var DefaultMaxRiskPercent = decimal.NewFromInt(1)

// DefaultMaxDrawdownPercent is the monthly loss limit.
var DefaultMaxDrawdownPercent = decimal.NewFromInt(4)

// ============================================================================
// RISK MANAGEMENT
// ============================================================================

// RiskManagement enforces the mandatory stop-loss and the per-trade risk
// cap. It never relaxes for DRY_RUN.
type RiskManagement struct{}

func (RiskManagement) Name() string { return "RiskManagement" }

func (g RiskManagement) Check(ctx *Context) Result {
	if ctx.StopPrice.LessThanOrEqual(decimal.Zero) {
		if ctx.ClosingLong && ctx.Side == "SELL" {
			r := pass(g.Name(), "stop requirement waived for closing_long sell")
			r.Details = map[string]interface{}{"closing_long": true}
			return r
		}
		return fail(g.Name(), "stop_price is required")
	}

	switch ctx.Side {
	case "BUY":
		if ctx.StopPrice.GreaterThanOrEqual(ctx.EntryPrice) {
			return fail(g.Name(), fmt.Sprintf("BUY stop %s must be below entry %s", ctx.StopPrice, ctx.EntryPrice))
		}
	case "SELL":
		if !ctx.ClosingLong && ctx.StopPrice.LessThanOrEqual(ctx.EntryPrice) {
			return fail(g.Name(), fmt.Sprintf("SELL stop %s must be above entry %s", ctx.StopPrice, ctx.EntryPrice))
		}
	}

	maxRisk := ctx.MaxRiskPercent
	if maxRisk.LessThanOrEqual(decimal.Zero) {
		maxRisk = DefaultMaxRiskPercent
	}
	if ctx.Capital.LessThanOrEqual(decimal.Zero) {
		return fail(g.Name(), "capital must be positive to assess risk")
	}

	stopDistance := ctx.EntryPrice.Sub(ctx.StopPrice).Abs()
	riskAmount := stopDistance.Mul(ctx.Quantity)
	riskPercent := riskAmount.Div(ctx.Capital).Mul(decimal.NewFromInt(100))

	if riskPercent.GreaterThan(maxRisk) {
		r := fail(g.Name(), fmt.Sprintf("risk %s%% exceeds maximum %s%%", riskPercent.Round(4), maxRisk))
		r.Details = map[string]interface{}{
			"risk_percent":     riskPercent.Round(4).String(),
			"max_risk_percent": maxRisk.String(),
		}
		// When arithmetic allows, hand back the quantity that would fit.
		if stopDistance.IsPositive() {
			safe := money.Quantize8(money.PercentOf(ctx.Capital, maxRisk).Div(stopDistance))
			r.Details["recommendation"] = safe.String()
		}
		return r
	}

	r := pass(g.Name(), fmt.Sprintf("risk %s%% within limit %s%%", riskPercent.Round(4), maxRisk))
	r.Details = map[string]interface{}{"risk_percent": riskPercent.Round(4).String()}
	return r
}

// ============================================================================
// MONTHLY DRAWDOWN
// ============================================================================

// MonthlyDrawdown blocks trading once the month's losses reach the
// configured limit. It also blocks when the policy is already paused.
type MonthlyDrawdown struct{}

func (MonthlyDrawdown) Name() string { return "MonthlyDrawdown" }

func (g MonthlyDrawdown) Check(ctx *Context) Result {
	limit := ctx.MaxDrawdownPercent
	if limit.LessThanOrEqual(decimal.Zero) {
		limit = DefaultMaxDrawdownPercent
	}

	if ctx.PolicyPaused {
		if ctx.ForceOverride {
			r := pass(g.Name(), "EMERGENCY OVERRIDE: trading through paused policy")
			r.Details = map[string]interface{}{"force_override": true}
			return r
		}
		return fail(g.Name(), "trading paused by monthly policy")
	}

	capital := ctx.MonthlyCapital
	if capital.LessThanOrEqual(decimal.Zero) {
		capital = ctx.Capital
	}
	if capital.LessThanOrEqual(decimal.Zero) {
		return pass(g.Name(), "no capital recorded, drawdown not assessable")
	}
	if !ctx.MonthlyPnL.IsNegative() {
		return pass(g.Name(), "month is flat or profitable")
	}

	drawdown := ctx.MonthlyPnL.Abs().Div(capital).Mul(decimal.NewFromInt(100))
	if drawdown.GreaterThanOrEqual(limit) {
		if ctx.ForceOverride {
			r := pass(g.Name(), fmt.Sprintf("EMERGENCY OVERRIDE: drawdown %s%% past limit %s%%", drawdown.Round(2), limit))
			r.Details = map[string]interface{}{"force_override": true, "drawdown_percent": drawdown.Round(2).String()}
			return r
		}
		r := fail(g.Name(), fmt.Sprintf("monthly drawdown %s%% breaches limit %s%%", drawdown.Round(2), limit))
		r.Details = map[string]interface{}{"drawdown_percent": drawdown.Round(2).String(), "limit_percent": limit.String()}
		return r
	}

	return pass(g.Name(), fmt.Sprintf("monthly drawdown %s%% within limit %s%%", drawdown.Round(2), limit))
}

// ============================================================================
// TRADE INTENT
// ============================================================================

// TradeIntent requires an explicit confirmation and a named strategy before
// LIVE execution. DRY_RUN waives it.
type TradeIntent struct{}

func (TradeIntent) Name() string { return "TradeIntent" }

func (g TradeIntent) Check(ctx *Context) Result {
	if ctx.Mode != ModeLive {
		return pass(g.Name(), "dry run, confirmation not required")
	}
	if ctx.StrategyName == "" {
		return fail(g.Name(), "live trade requires a strategy name")
	}
	if !ctx.Confirmed {
		return fail(g.Name(), "live trade requires explicit confirmation")
	}
	return pass(g.Name(), "confirmed for strategy "+ctx.StrategyName)
}

// ============================================================================
// ENTRY GATE
// ============================================================================

// GateConfig carries the per-tenant entry-gate inputs and toggles.
type GateConfig struct {
	CooldownEnabled bool
	LastStopOutAt   *time.Time
	CooldownSeconds int

	FundingEnabled   bool
	FundingRate      decimal.Decimal
	MaxFundingRate   decimal.Decimal

	StalenessEnabled bool
	DataTimestamp    *time.Time
	MaxDataAge       time.Duration
}

// DefaultCooldown applies after a stop-out.
const DefaultCooldown = 900 * time.Second

// DefaultMaxDataAge bounds how stale market data may be.
const DefaultMaxDataAge = 300 * time.Second

// EntryGate runs the optional market-condition checks: stop-out cooldown,
// funding-rate sanity and data staleness. Disabled sub-checks pass.
type EntryGate struct{}

func (EntryGate) Name() string { return "EntryGate" }

func (g EntryGate) Check(ctx *Context) Result {
	cfg := ctx.Gate
	var reasons []string
	details := map[string]interface{}{}

	if cfg.CooldownEnabled && cfg.LastStopOutAt != nil {
		cooldown := time.Duration(cfg.CooldownSeconds) * time.Second
		if cooldown <= 0 {
			cooldown = DefaultCooldown
		}
		elapsed := ctx.Now.Sub(*cfg.LastStopOutAt)
		if elapsed < cooldown {
			remaining := cooldown - elapsed
			reasons = append(reasons, fmt.Sprintf("cooldown after stop-out, %s remaining", remaining.Round(time.Second)))
			details["cooldown_remaining_seconds"] = int(remaining.Seconds())
		}
	}

	if cfg.FundingEnabled {
		limit := cfg.MaxFundingRate
		if limit.LessThanOrEqual(decimal.Zero) {
			limit = decimal.NewFromFloat(0.001)
		}
		if cfg.FundingRate.Abs().GreaterThan(limit) {
			reasons = append(reasons, fmt.Sprintf("funding rate %s beyond limit %s", cfg.FundingRate, limit))
			details["funding_rate"] = cfg.FundingRate.String()
		}
	}

	if cfg.StalenessEnabled && cfg.DataTimestamp != nil {
		maxAge := cfg.MaxDataAge
		if maxAge <= 0 {
			maxAge = DefaultMaxDataAge
		}
		age := ctx.Now.Sub(*cfg.DataTimestamp)
		if age > maxAge {
			reasons = append(reasons, fmt.Sprintf("market data is %s old, limit %s", age.Round(time.Second), maxAge))
			details["data_age_seconds"] = int(age.Seconds())
		}
	}

	if len(reasons) > 0 {
		r := fail(g.Name(), reasons[0])
		details["reasons"] = reasons
		r.Details = details
		return r
	}
	return pass(g.Name(), "entry conditions acceptable")
}

// ============================================================================
// SUITES
// ============================================================================

// Suite returns the guard set for a mode. The set is identical in both
// modes; TradeIntent relaxes itself under DRY_RUN.
func Suite(mode Mode) []Guard {
	return []Guard{RiskManagement{}, MonthlyDrawdown{}, TradeIntent{}, EntryGate{}}
}

// RunAll evaluates every guard and reports whether all passed. All guards
// run even after a failure so the caller can log the full picture.
func RunAll(ctx *Context, set []Guard) ([]Result, bool) {
	results := make([]Result, 0, len(set))
	allPassed := true
	for _, g := range set {
		r := g.Check(ctx)
		if !r.Passed {
			allPassed = false
		}
		results = append(results, r)
	}
	return results, allPassed
}
