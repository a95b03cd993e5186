// Package trailing implements the hand-span trailing stop. The span is the
// distance from entry to the initial stop; as price moves a whole span into
// profit the stop first jumps to break-even (fees included), then follows
// one span behind each further span crossed. The stop only ever tightens.
package trailing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"risk-trader/internal/money"
)

// PositionSide is the direction of the protected position.
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

// Adjustment reasons.
const (
	ReasonNoAdjustment = "NO_ADJUSTMENT"
	ReasonBreakEven    = "BREAK_EVEN"
	ReasonTrailing     = "TRAILING"
)

// Default cost buffers applied to the break-even stop.
var (
	DefaultTradingFeePct     = decimal.NewFromFloat(0.1)
	DefaultSlippageBufferPct = decimal.NewFromFloat(0.05)
)

// State is an immutable snapshot of one position at one price. It is a
// projection; it never persists on its own.
type State struct {
	PositionID   string          `json:"position_id"`
	Symbol       string          `json:"symbol"`
	Side         PositionSide    `json:"side"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	InitialStop  decimal.Decimal `json:"initial_stop"`
	CurrentStop  decimal.Decimal `json:"current_stop"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	Quantity     decimal.Decimal `json:"quantity"`
}

// Span is the hand-span: |entry - initial_stop|.
func (s *State) Span() decimal.Decimal {
	return s.EntryPrice.Sub(s.InitialStop).Abs()
}

// SpansInProfit is how many whole spans the price has moved in the
// position's favor, clamped at zero.
func (s *State) SpansInProfit() int {
	span := s.Span()
	if span.IsZero() {
		return 0
	}
	profit := s.CurrentPrice.Sub(s.EntryPrice)
	if s.Side == Short {
		profit = s.EntryPrice.Sub(s.CurrentPrice)
	}
	if profit.LessThanOrEqual(decimal.Zero) {
		return 0
	}
	spans := profit.Div(span).IntPart()
	return int(spans)
}

// Validate checks the snapshot's structural invariants. A monotonicity
// violation in current_stop indicates a store bug; the caller must surface
// it rather than overwrite the stop.
func (s *State) Validate() error {
	if s.EntryPrice.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("entry price must be positive, got %s", s.EntryPrice)
	}
	if s.Span().IsZero() {
		return fmt.Errorf("span is zero: entry %s equals initial stop %s", s.EntryPrice, s.InitialStop)
	}
	switch s.Side {
	case Long:
		if s.InitialStop.GreaterThanOrEqual(s.EntryPrice) {
			return fmt.Errorf("long initial stop %s must be below entry %s", s.InitialStop, s.EntryPrice)
		}
		if s.CurrentStop.LessThan(s.InitialStop) {
			return fmt.Errorf("long current stop %s below initial stop %s: monotonicity violated in store", s.CurrentStop, s.InitialStop)
		}
	case Short:
		if s.InitialStop.LessThanOrEqual(s.EntryPrice) {
			return fmt.Errorf("short initial stop %s must be above entry %s", s.InitialStop, s.EntryPrice)
		}
		if s.CurrentStop.GreaterThan(s.InitialStop) {
			return fmt.Errorf("short current stop %s above initial stop %s: monotonicity violated in store", s.CurrentStop, s.InitialStop)
		}
	default:
		return fmt.Errorf("unknown position side %q", s.Side)
	}
	return nil
}

// Decision is the outcome of one trailing computation.
type Decision struct {
	NewStop      decimal.Decimal `json:"new_stop"`
	Reason       string          `json:"reason"`
	SpansCrossed int             `json:"spans_crossed"`
	StepIndex    int             `json:"step_index"`
}

// Adjusted reports whether the decision moves the stop.
func (d *Decision) Adjusted() bool { return d.Reason != ReasonNoAdjustment }

// Calculator computes trailing decisions. Zero-valued cost fields fall back
// to the defaults.
type Calculator struct {
	TradingFeePct     decimal.Decimal
	SlippageBufferPct decimal.Decimal
}

// NewCalculator returns a calculator with production cost buffers.
func NewCalculator() *Calculator {
	return &Calculator{
		TradingFeePct:     DefaultTradingFeePct,
		SlippageBufferPct: DefaultSlippageBufferPct,
	}
}

// breakEven is entry adjusted past the round-trip costs so a stop-out at
// break-even genuinely loses nothing.
func (c *Calculator) breakEven(s *State) decimal.Decimal {
	fee := c.TradingFeePct
	if fee.IsZero() {
		fee = DefaultTradingFeePct
	}
	slip := c.SlippageBufferPct
	if slip.IsZero() {
		slip = DefaultSlippageBufferPct
	}
	costs := fee.Add(slip).Div(decimal.NewFromInt(100))
	if s.Side == Long {
		return s.EntryPrice.Mul(decimal.NewFromInt(1).Add(costs))
	}
	return s.EntryPrice.Mul(decimal.NewFromInt(1).Sub(costs))
}

// Compute derives the next stop for the snapshot. The monotonic clamp is
// applied last: the returned stop never loosens relative to current_stop.
func (c *Calculator) Compute(s *State) (*Decision, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	spans := s.SpansInProfit()
	d := &Decision{NewStop: s.CurrentStop, SpansCrossed: spans}

	if spans == 0 {
		d.Reason = ReasonNoAdjustment
		return d, nil
	}

	var candidate decimal.Decimal
	if spans == 1 {
		candidate = c.breakEven(s)
		d.Reason = ReasonBreakEven
	} else {
		step := s.Span().Mul(decimal.NewFromInt(int64(spans - 1)))
		if s.Side == Long {
			candidate = s.EntryPrice.Add(step)
		} else {
			candidate = s.EntryPrice.Sub(step)
		}
		d.Reason = ReasonTrailing
		d.StepIndex = spans
	}

	if s.Side == Long {
		d.NewStop = money.Max(s.CurrentStop, candidate)
	} else {
		d.NewStop = money.Min(s.CurrentStop, candidate)
	}
	if d.NewStop.Equal(s.CurrentStop) {
		d.Reason = ReasonNoAdjustment
		d.StepIndex = 0
	}
	return d, nil
}
