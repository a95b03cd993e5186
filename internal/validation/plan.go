package validation

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Plan is the flattened trade plan the validators inspect. It mirrors what
// the intent service assembles before persisting.
type Plan struct {
	TenantID string
	Symbol   string
	Side     string
	Type     string

	EntryPrice decimal.Decimal
	StopPrice  decimal.Decimal
	Quantity   decimal.Decimal
	Capital    decimal.Decimal

	MaxDrawdownPercent decimal.Decimal
	MaxRiskPercent     decimal.Decimal
	StopLossPercent    decimal.Decimal
}

// Validator inspects one aspect of a plan and appends its findings.
type Validator interface {
	Name() string
	Validate(plan *Plan, report *Report)
}

// ValidatePlan runs every validator in order and returns the combined
// report. No validator can stop the others from running.
func ValidatePlan(plan *Plan, validators ...Validator) *Report {
	report := &Report{}
	if len(validators) == 0 {
		validators = DefaultValidators()
	}
	var ran []string
	for _, v := range validators {
		v.Validate(plan, report)
		ran = append(ran, v.Name())
	}
	report.SetMetadata("validators", ran)
	return report
}

// DefaultValidators is the standard pre-trade suite.
func DefaultValidators() []Validator {
	return []Validator{
		TenantIsolation{},
		RiskConfiguration{},
		OperationShape{},
	}
}

// TenantIsolation fails any plan without a usable tenant identity. Nothing
// downstream may run on behalf of an anonymous caller.
type TenantIsolation struct{}

func (TenantIsolation) Name() string { return "tenant_isolation" }

func (TenantIsolation) Validate(plan *Plan, report *Report) {
	if strings.TrimSpace(plan.TenantID) == "" {
		report.AddFail("TENANT_MISSING", "tenant_id", "tenant identity is required")
	}
}

// RiskConfiguration checks presence and sanity of the risk limits the
// guards will later enforce.
type RiskConfiguration struct{}

func (RiskConfiguration) Name() string { return "risk_configuration" }

func (RiskConfiguration) Validate(plan *Plan, report *Report) {
	if plan.MaxDrawdownPercent.LessThanOrEqual(decimal.Zero) {
		report.AddFail("DRAWDOWN_LIMIT_INVALID", "max_drawdown_percent",
			"max drawdown percent must be positive, got %s", plan.MaxDrawdownPercent)
	} else if plan.MaxDrawdownPercent.GreaterThan(decimal.NewFromInt(20)) {
		report.AddWarning("DRAWDOWN_LIMIT_HIGH", "max_drawdown_percent",
			"max drawdown of %s%% is unusually permissive", plan.MaxDrawdownPercent)
	}

	if plan.MaxRiskPercent.LessThanOrEqual(decimal.Zero) {
		report.AddFail("RISK_LIMIT_INVALID", "max_risk_percent",
			"max risk percent must be positive, got %s", plan.MaxRiskPercent)
	} else if plan.MaxRiskPercent.GreaterThan(decimal.NewFromInt(5)) {
		report.AddWarning("RISK_LIMIT_HIGH", "max_risk_percent",
			"max risk of %s%% per trade is unusually permissive", plan.MaxRiskPercent)
	}

	if !plan.StopLossPercent.IsZero() && plan.StopLossPercent.IsNegative() {
		report.AddFail("STOP_PCT_INVALID", "stop_loss_percent",
			"stop loss percent cannot be negative, got %s", plan.StopLossPercent)
	}
}

// OperationShape checks the mechanical shape of the order itself.
type OperationShape struct{}

func (OperationShape) Name() string { return "operation" }

func (OperationShape) Validate(plan *Plan, report *Report) {
	if plan.Symbol == "" {
		report.AddFail("SYMBOL_MISSING", "symbol", "symbol is required")
	}
	switch plan.Side {
	case "BUY", "SELL":
	case "":
		report.AddFail("SIDE_MISSING", "side", "side is required")
	default:
		report.AddFail("SIDE_INVALID", "side", "side must be BUY or SELL, got %q", plan.Side)
	}
	if plan.Quantity.LessThanOrEqual(decimal.Zero) {
		report.AddFail("QUANTITY_INVALID", "quantity", "quantity must be positive, got %s", plan.Quantity)
	}
	if plan.EntryPrice.LessThanOrEqual(decimal.Zero) {
		report.AddFail("ENTRY_INVALID", "entry_price", "entry price must be positive, got %s", plan.EntryPrice)
	}
	if plan.StopPrice.LessThanOrEqual(decimal.Zero) {
		report.AddFail("STOP_MISSING", "stop_price", "stop price is required and must be positive")
	}
	if plan.StopPrice.Equal(plan.EntryPrice) && plan.EntryPrice.IsPositive() {
		report.AddFail("STOP_AT_ENTRY", "stop_price", "stop price equals entry price; risk per unit is zero")
	}
}
