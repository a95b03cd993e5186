package margin

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"risk-trader/internal/database"
)

// AggregatedPosition is the per-symbol display projection over open
// positions: net quantity across sides, quantity-weighted entry and the most
// conservative stop for the net direction.
type AggregatedPosition struct {
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Positions     int             `json:"positions"`
	NetQuantity   decimal.Decimal `json:"net_quantity"`
	WeightedEntry decimal.Decimal `json:"weighted_entry"`
	StopPrice     decimal.Decimal `json:"stop_price"`
	Borrowed      decimal.Decimal `json:"borrowed"`
	RiskAmount    decimal.Decimal `json:"risk_amount"`
	MaxLeverage   int             `json:"max_leverage"`
}

// Aggregate merges open positions sharing a symbol. Net quantity is long
// minus short; the weighted entry averages every fill by size; the stop kept
// is the tightest one protecting the net direction (highest for a net long,
// lowest for a net short).
func Aggregate(positions []*database.MarginPosition) []*AggregatedPosition {
	groups := map[string][]*database.MarginPosition{}
	for _, p := range positions {
		groups[p.Symbol] = append(groups[p.Symbol], p)
	}

	out := make([]*AggregatedPosition, 0, len(groups))
	for symbol, group := range groups {
		agg := &AggregatedPosition{Symbol: symbol, Positions: len(group)}
		var totalQty, entryNotional decimal.Decimal
		for _, p := range group {
			if p.Side == "SELL" {
				agg.NetQuantity = agg.NetQuantity.Sub(p.Quantity)
			} else {
				agg.NetQuantity = agg.NetQuantity.Add(p.Quantity)
			}
			totalQty = totalQty.Add(p.Quantity)
			entryNotional = entryNotional.Add(p.EntryPrice.Mul(p.Quantity))
			agg.Borrowed = agg.Borrowed.Add(p.Borrowed)
			agg.RiskAmount = agg.RiskAmount.Add(p.RiskAmount)
			if p.Leverage > agg.MaxLeverage {
				agg.MaxLeverage = p.Leverage
			}
		}
		if totalQty.IsPositive() {
			agg.WeightedEntry = entryNotional.Div(totalQty)
		}
		agg.Side = "BUY"
		if agg.NetQuantity.IsNegative() {
			agg.Side = "SELL"
		}
		agg.StopPrice = conservativeStop(group, agg.Side)
		out = append(out, agg)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// conservativeStop picks the stop that gives up the least of the net
// position: the highest stop among longs, the lowest among shorts.
func conservativeStop(group []*database.MarginPosition, netSide string) decimal.Decimal {
	var stop decimal.Decimal
	for _, p := range group {
		if p.Side != netSide || p.StopPrice.LessThanOrEqual(decimal.Zero) {
			continue
		}
		if stop.IsZero() {
			stop = p.StopPrice
			continue
		}
		if netSide == "BUY" && p.StopPrice.GreaterThan(stop) {
			stop = p.StopPrice
		}
		if netSide == "SELL" && p.StopPrice.LessThan(stop) {
			stop = p.StopPrice
		}
	}
	return stop
}

// ListOpenAggregated returns the tenant's open positions grouped per symbol.
func (s *Service) ListOpenAggregated(ctx context.Context, tenantID string) ([]*AggregatedPosition, error) {
	positions, err := s.store.ListOpenMarginPositions(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return Aggregate(positions), nil
}
