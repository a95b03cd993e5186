// Package technical derives protective stop prices from candle history using
// ranked support/resistance levels, with a fixed-percent fallback when the
// structure is too thin to trust.
package technical

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"risk-trader/internal/exchange"
)

// Method records how a stop was derived.
type Method string

const (
	MethodSupportResistance Method = "SUPPORT_RESISTANCE"
	MethodFallbackFixedPct  Method = "FALLBACK_FIXED_PCT"
)

// Confidence grades a stop result.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// Level is one clustered support or resistance level.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Touches  int             `json:"touches"`
	Strength decimal.Decimal `json:"strength"`
}

// StopResult is the full output of a stop calculation.
type StopResult struct {
	StopPrice       decimal.Decimal `json:"stop_price"`
	EntryPrice      decimal.Decimal `json:"entry_price"`
	Side            exchange.Side   `json:"side"`
	Timeframe       string          `json:"timeframe"`
	MethodUsed      Method          `json:"method_used"`
	Confidence      Confidence      `json:"confidence"`
	LevelsFound     []Level         `json:"levels_found"`
	Warnings        []string        `json:"warnings"`
	StopDistance    decimal.Decimal `json:"stop_distance"`
	StopDistancePct decimal.Decimal `json:"stop_distance_pct"`
}

// Calculator computes stops. It is pure: identical candle input produces
// bit-identical output.
type Calculator struct {
	// PivotSpan is the fractal half-window: bar i is a pivot high when its
	// high strictly exceeds every high within [i-k, i+k].
	PivotSpan int
	// ClusterTolerancePct groups pivots within this percent of each other.
	ClusterTolerancePct decimal.Decimal
	// FallbackPct is the fixed stop distance used when structure is thin.
	FallbackPct decimal.Decimal
	// LevelBufferPct offsets the stop just beyond the chosen level.
	LevelBufferPct decimal.Decimal
	// DefaultLevelN selects which ranked level backs the stop.
	DefaultLevelN int
}

// NewCalculator returns a calculator with production defaults.
func NewCalculator() *Calculator {
	return &Calculator{
		PivotSpan:           3,
		ClusterTolerancePct: decimal.NewFromFloat(0.25),
		FallbackPct:         decimal.NewFromFloat(2.0),
		LevelBufferPct:      decimal.NewFromFloat(0.1),
		DefaultLevelN:       2,
	}
}

type pivot struct {
	index int
	price decimal.Decimal
}

// pivots returns fractal pivot lows and highs across the window.
func (c *Calculator) pivots(candles []exchange.Kline) (lows, highs []pivot) {
	k := c.PivotSpan
	for i := k; i < len(candles)-k; i++ {
		isHigh, isLow := true, true
		for j := i - k; j <= i+k; j++ {
			if j == i {
				continue
			}
			if candles[j].High.GreaterThanOrEqual(candles[i].High) {
				isHigh = false
			}
			if candles[j].Low.LessThanOrEqual(candles[i].Low) {
				isLow = false
			}
			if !isHigh && !isLow {
				break
			}
		}
		if isHigh {
			highs = append(highs, pivot{index: i, price: candles[i].High})
		}
		if isLow {
			lows = append(lows, pivot{index: i, price: candles[i].Low})
		}
	}
	return lows, highs
}

// cluster groups price-sorted pivots whose prices sit within the tolerance of
// the cluster base. Strength weights touch count by how recent the latest
// touch is, so freshly respected levels outrank stale ones.
func (c *Calculator) cluster(pivots []pivot, windowLen int) []Level {
	if len(pivots) == 0 {
		return nil
	}
	sorted := make([]pivot, len(pivots))
	copy(sorted, pivots)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].price.Equal(sorted[j].price) {
			return sorted[i].price.LessThan(sorted[j].price)
		}
		return sorted[i].index < sorted[j].index
	})

	tolerance := c.ClusterTolerancePct.Div(decimal.NewFromInt(100))
	n := decimal.NewFromInt(int64(windowLen))

	var levels []Level
	start := 0
	for start < len(sorted) {
		base := sorted[start].price
		end := start + 1
		latest := sorted[start].index
		sum := sorted[start].price
		for end < len(sorted) {
			limit := base.Mul(decimal.NewFromInt(1).Add(tolerance))
			if sorted[end].price.GreaterThan(limit) {
				break
			}
			sum = sum.Add(sorted[end].price)
			if sorted[end].index > latest {
				latest = sorted[end].index
			}
			end++
		}
		touches := end - start
		// recency weight in [0.5, 1.0]: most recent touch at the window end
		// counts fully, a touch at the start counts half.
		half := decimal.NewFromFloat(0.5)
		recency := half.Add(half.Mul(decimal.NewFromInt(int64(latest + 1)).Div(n)))
		levels = append(levels, Level{
			Price:    sum.Div(decimal.NewFromInt(int64(touches))),
			Touches:  touches,
			Strength: decimal.NewFromInt(int64(touches)).Mul(recency),
		})
		start = end
	}
	return levels
}

// rank orders levels by strength descending with deterministic tie-breaks.
func rank(levels []Level, side exchange.Side) {
	sort.Slice(levels, func(i, j int) bool {
		if !levels[i].Strength.Equal(levels[j].Strength) {
			return levels[i].Strength.GreaterThan(levels[j].Strength)
		}
		// ties: for a BUY prefer the support closer to entry (higher price),
		// for a SELL the resistance closer to entry (lower price).
		if side == exchange.SideBuy {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
}

func (c *Calculator) fallback(entry decimal.Decimal, side exchange.Side, timeframe string, levels []Level, warnings []string, conf Confidence) *StopResult {
	pct := c.FallbackPct.Div(decimal.NewFromInt(100))
	var stop decimal.Decimal
	if side == exchange.SideBuy {
		stop = entry.Mul(decimal.NewFromInt(1).Sub(pct))
	} else {
		stop = entry.Mul(decimal.NewFromInt(1).Add(pct))
	}
	distance := entry.Sub(stop).Abs()
	return &StopResult{
		StopPrice:       stop,
		EntryPrice:      entry,
		Side:            side,
		Timeframe:       timeframe,
		MethodUsed:      MethodFallbackFixedPct,
		Confidence:      conf,
		LevelsFound:     levels,
		Warnings:        warnings,
		StopDistance:    distance,
		StopDistancePct: distance.Div(entry).Mul(decimal.NewFromInt(100)),
	}
}

// Calculate derives a stop for entering at entry on side, from the candle
// window (oldest first). levelN selects the n-th strongest qualifying level;
// zero means the calculator default.
func (c *Calculator) Calculate(candles []exchange.Kline, entry decimal.Decimal, side exchange.Side, timeframe string, levelN int) (*StopResult, error) {
	if entry.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("entry price must be positive, got %s", entry)
	}
	if levelN <= 0 {
		levelN = c.DefaultLevelN
	}

	if len(candles) == 0 {
		warnings := []string{"empty candle window, using fixed-percent fallback stop"}
		return c.fallback(entry, side, timeframe, nil, warnings, ConfidenceLow), nil
	}

	lows, highs := c.pivots(candles)

	var candidates []Level
	if side == exchange.SideBuy {
		for _, lvl := range c.cluster(lows, len(candles)) {
			if lvl.Price.LessThan(entry) {
				candidates = append(candidates, lvl)
			}
		}
	} else {
		for _, lvl := range c.cluster(highs, len(candles)) {
			if lvl.Price.GreaterThan(entry) {
				candidates = append(candidates, lvl)
			}
		}
	}
	rank(candidates, side)

	if len(candidates) < levelN {
		warnings := []string{fmt.Sprintf("found %d qualifying levels, need %d; using fixed-percent fallback stop", len(candidates), levelN)}
		conf := ConfidenceMedium
		if len(candidates) == 0 {
			conf = ConfidenceLow
		}
		return c.fallback(entry, side, timeframe, candidates, warnings, conf), nil
	}

	chosen := candidates[levelN-1]
	buffer := c.LevelBufferPct.Div(decimal.NewFromInt(100))
	var stop decimal.Decimal
	if side == exchange.SideBuy {
		stop = chosen.Price.Mul(decimal.NewFromInt(1).Sub(buffer))
	} else {
		stop = chosen.Price.Mul(decimal.NewFromInt(1).Add(buffer))
	}

	distance := entry.Sub(stop).Abs()
	return &StopResult{
		StopPrice:       stop,
		EntryPrice:      entry,
		Side:            side,
		Timeframe:       timeframe,
		MethodUsed:      MethodSupportResistance,
		Confidence:      ConfidenceHigh,
		LevelsFound:     candidates,
		Warnings:        nil,
		StopDistance:    distance,
		StopDistancePct: distance.Div(entry).Mul(decimal.NewFromInt(100)),
	}, nil
}
