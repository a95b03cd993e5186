// Package money holds the shared fixed-precision helpers used everywhere a
// price, quantity or P&L amount is computed. Monetary values never pass
// through binary floats; they stay decimal from the wire to the database.
package money

import "github.com/shopspring/decimal"

// QuantityPlaces is the exchange-wide quantity precision. Binance spot
// accepts at most 8 decimal places on LOT_SIZE filters.
const QuantityPlaces = 8

// Quantize8 truncates d to 8 decimal places, rounding toward zero. Truncation
// (not half-even) keeps a computed quantity from ever exceeding the risk
// budget it was derived from.
func Quantize8(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(QuantityPlaces)
}

// Percent returns value * pct / 100.
func Percent(value decimal.Decimal, pct decimal.Decimal) decimal.Decimal {
	return value.Mul(pct).Div(decimal.NewFromInt(100))
}

// PercentOf returns part / whole * 100, or zero when whole is zero.
func PercentOf(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(decimal.NewFromInt(100))
}

// Clamp limits d to the inclusive range [lo, hi].
func Clamp(d, lo, hi decimal.Decimal) decimal.Decimal {
	if d.LessThan(lo) {
		return lo
	}
	if d.GreaterThan(hi) {
		return hi
	}
	return d
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
