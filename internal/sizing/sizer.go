// Package sizing turns capital, entry and stop into a safe position size.
// The sizing functions are pure; all arithmetic is fixed-precision decimal.
package sizing

import (
	"github.com/shopspring/decimal"

	"risk-trader/internal/money"
)

// DefaultMaxRiskPct is the hard per-trade risk limit: 1% of capital.
var DefaultMaxRiskPct = decimal.NewFromFloat(1.0)

// MaxPositionCapitalPct caps any position's notional at half of capital, no
// matter how tight the stop is.
var MaxPositionCapitalPct = decimal.NewFromInt(50)

// Result is the full sizing output.
type Result struct {
	Quantity        decimal.Decimal `json:"quantity"`
	PositionValue   decimal.Decimal `json:"position_value"`
	RiskAmount      decimal.Decimal `json:"risk_amount"`
	RiskPercent     decimal.Decimal `json:"risk_percent"`
	StopDistance    decimal.Decimal `json:"stop_distance"`
	StopDistancePct decimal.Decimal `json:"stop_distance_pct"`
	IsCapped        bool            `json:"is_capped"`
}

// OK reports whether sizing produced a tradable quantity.
func (r *Result) OK() bool {
	return r.Quantity.GreaterThan(decimal.Zero)
}

// Size computes the quantity risking at most maxRiskPct of capital between
// entry and stop. A zero stop distance returns a zero quantity; validation
// turns that into a hard failure upstream. maxRiskPct of zero means the 1%
// default.
func Size(capital, entry, stop decimal.Decimal, maxRiskPct decimal.Decimal) Result {
	if maxRiskPct.LessThanOrEqual(decimal.Zero) {
		maxRiskPct = DefaultMaxRiskPct
	}

	riskAmount := money.Percent(capital, maxRiskPct)
	stopDistance := entry.Sub(stop).Abs()

	if stopDistance.IsZero() || entry.LessThanOrEqual(decimal.Zero) || capital.LessThanOrEqual(decimal.Zero) {
		return Result{
			RiskAmount:   riskAmount,
			StopDistance: stopDistance,
		}
	}

	quantity := money.Quantize8(riskAmount.Div(stopDistance))

	// Notional cap: the position may never bind more than half the capital.
	capped := false
	maxNotional := money.Percent(capital, MaxPositionCapitalPct)
	if quantity.Mul(entry).GreaterThan(maxNotional) {
		quantity = money.Quantize8(maxNotional.Div(entry))
		capped = true
	}

	positionValue := quantity.Mul(entry)
	actualRisk := quantity.Mul(stopDistance)

	return Result{
		Quantity:        quantity,
		PositionValue:   positionValue,
		RiskAmount:      actualRisk,
		RiskPercent:     money.PercentOf(actualRisk, capital),
		StopDistance:    stopDistance,
		StopDistancePct: money.PercentOf(stopDistance, entry),
		IsCapped:        capped,
	}
}

// SizeWithLeverage sizes an isolated-margin position. The base quantity is
// computed at 1x and multiplied by leverage; the 50%-of-capital cap then
// applies to the trader's own capital, not the borrowed notional.
func SizeWithLeverage(capital, entry, stop decimal.Decimal, maxRiskPct decimal.Decimal, leverage int) Result {
	if leverage < 1 {
		leverage = 1
	}

	base := Size(capital, entry, stop, maxRiskPct)
	if !base.OK() || leverage == 1 {
		return base
	}

	quantity := money.Quantize8(base.Quantity.Mul(decimal.NewFromInt(int64(leverage))))

	capped := base.IsCapped
	maxNotional := money.Percent(capital, MaxPositionCapitalPct).Mul(decimal.NewFromInt(int64(leverage)))
	if quantity.Mul(entry).GreaterThan(maxNotional) {
		quantity = money.Quantize8(maxNotional.Div(entry))
		capped = true
	}

	stopDistance := entry.Sub(stop).Abs()
	positionValue := quantity.Mul(entry)
	actualRisk := quantity.Mul(stopDistance)

	return Result{
		Quantity:        quantity,
		PositionValue:   positionValue,
		RiskAmount:      actualRisk,
		RiskPercent:     money.PercentOf(actualRisk, capital.Mul(decimal.NewFromInt(int64(leverage)))),
		StopDistance:    stopDistance,
		StopDistancePct: money.PercentOf(stopDistance, entry),
		IsCapped:        capped,
	}
}
