package trailing

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// longState is a fresh long: entry 50000, stop 49000, span 1000.
func longState(price string) *State {
	return &State{
		PositionID:   "42",
		Symbol:       "BTCUSDC",
		Side:         Long,
		EntryPrice:   dec("50000"),
		InitialStop:  dec("49000"),
		CurrentStop:  dec("49000"),
		CurrentPrice: dec(price),
		Quantity:     dec("0.01"),
	}
}

func TestSpansInProfit(t *testing.T) {
	tests := []struct {
		price string
		want  int
	}{
		{"48000", 0}, // under water
		{"50000", 0},
		{"50500", 0}, // half a span
		{"50999", 0},
		{"51000", 1},
		{"51999", 1},
		{"52000", 2},
		{"53500", 3},
	}
	for _, tt := range tests {
		if got := longState(tt.price).SpansInProfit(); got != tt.want {
			t.Errorf("price %s: spans = %d, want %d", tt.price, got, tt.want)
		}
	}
}

func TestComputeLadder(t *testing.T) {
	calc := NewCalculator()
	tests := []struct {
		name     string
		price    string
		wantStop string
		reason   string
	}{
		{"half span is a no-op", "50500", "49000", ReasonNoAdjustment},
		{"one span moves to break-even", "51000", "50075", ReasonBreakEven},
		{"two spans trail one behind", "52000", "51000", ReasonTrailing},
		{"three spans trail again", "53000", "52000", ReasonTrailing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := calc.Compute(longState(tt.price))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !d.NewStop.Equal(dec(tt.wantStop)) {
				t.Errorf("stop = %s, want %s", d.NewStop, tt.wantStop)
			}
			if d.Reason != tt.reason {
				t.Errorf("reason = %s, want %s", d.Reason, tt.reason)
			}
		})
	}
}

func TestComputeMonotonicClamp(t *testing.T) {
	// Stop already trailed to 51000; price falls back to one span in profit.
	// The break-even candidate 50075 would loosen the stop, so nothing moves.
	calc := NewCalculator()
	s := longState("51000")
	s.CurrentStop = dec("51000")

	d, err := calc.Compute(s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.NewStop.Equal(dec("51000")) {
		t.Errorf("stop = %s, want unchanged 51000", d.NewStop)
	}
	if d.Adjusted() {
		t.Error("clamped decision must report NO_ADJUSTMENT")
	}
}

func TestComputeShortLadder(t *testing.T) {
	calc := NewCalculator()
	s := &State{
		PositionID:   "7",
		Symbol:       "BTCUSDC",
		Side:         Short,
		EntryPrice:   dec("50000"),
		InitialStop:  dec("51000"),
		CurrentStop:  dec("51000"),
		CurrentPrice: dec("49000"),
		Quantity:     dec("0.01"),
	}

	d, err := calc.Compute(s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Break-even below entry for a short: 50000 * (1 - 0.0015).
	if !d.NewStop.Equal(dec("49925")) {
		t.Errorf("stop = %s, want 49925", d.NewStop)
	}

	s.CurrentStop = d.NewStop
	s.CurrentPrice = dec("48000")
	d, err = calc.Compute(s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.NewStop.Equal(dec("49000")) {
		t.Errorf("two-span short stop = %s, want 49000", d.NewStop)
	}
}

func TestComputeStopOnlyTightens(t *testing.T) {
	// Walk the price up then back down; the stop must never decrease.
	calc := NewCalculator()
	s := longState("50000")
	prices := []string{"50500", "51000", "52000", "53000", "51500", "50200", "49500"}

	prev := s.CurrentStop
	for _, p := range prices {
		s.CurrentPrice = dec(p)
		d, err := calc.Compute(s)
		if err != nil {
			t.Fatalf("price %s: %v", p, err)
		}
		if d.NewStop.LessThan(prev) {
			t.Fatalf("price %s loosened stop %s -> %s", p, prev, d.NewStop)
		}
		s.CurrentStop = d.NewStop
		prev = d.NewStop
	}
	if !prev.Equal(dec("52000")) {
		t.Errorf("final stop = %s, want 52000 from the peak", prev)
	}
}

func TestValidateRejectsBrokenStates(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *State)
	}{
		{"zero span", func(s *State) { s.InitialStop = s.EntryPrice }},
		{"long stop above entry", func(s *State) { s.InitialStop = dec("51000") }},
		{"long monotonicity violated", func(s *State) { s.CurrentStop = dec("48000") }},
		{"unknown side", func(s *State) { s.Side = "SIDEWAYS" }},
		{"non-positive entry", func(s *State) { s.EntryPrice = decimal.Zero }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := longState("50000")
			tt.mutate(s)
			if err := s.Validate(); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}
