package technical

import (
	"testing"

	"github.com/shopspring/decimal"

	"risk-trader/internal/exchange"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// candle builds a bar whose high/low straddle the close.
func candle(i int, low, high string) exchange.Kline {
	return exchange.Kline{
		OpenTime:  int64(i) * 3600_000,
		CloseTime: int64(i+1)*3600_000 - 1,
		Open:      dec(low),
		High:      dec(high),
		Low:       dec(low),
		Close:     dec(high),
		Volume:    dec("100"),
	}
}

// window builds a series with two clear support zones near 48000 and 49000,
// both touched repeatedly, below an entry around 50000.
func window() []exchange.Kline {
	var candles []exchange.Kline
	lows := []string{
		"49500", "49200", "48010", "49300", "49400",
		"49100", "48990", "49350", "49450", "49250",
		"48020", "49300", "49420", "49150", "49010",
		"49380", "49460", "49270", "48015", "49310",
		"49430", "49160", "49005", "49390", "49470",
	}
	for i, lo := range lows {
		candles = append(candles, candle(i, lo, dec(lo).Add(dec("400")).String()))
	}
	return candles
}

func TestCalculateEmptyWindowFallsBack(t *testing.T) {
	c := NewCalculator()

	result, err := c.Calculate(nil, dec("50000"), exchange.SideBuy, "1h", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.MethodUsed != MethodFallbackFixedPct {
		t.Errorf("method = %s, want %s", result.MethodUsed, MethodFallbackFixedPct)
	}
	if result.Confidence != ConfidenceLow {
		t.Errorf("confidence = %s, want %s", result.Confidence, ConfidenceLow)
	}
	// 2% below 50000.
	if !result.StopPrice.Equal(dec("49000")) {
		t.Errorf("stop = %s, want 49000", result.StopPrice)
	}
	if len(result.Warnings) == 0 {
		t.Error("expected a fallback warning")
	}
}

func TestCalculateSellFallbackAboveEntry(t *testing.T) {
	c := NewCalculator()

	result, err := c.Calculate(nil, dec("50000"), exchange.SideSell, "1h", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.StopPrice.Equal(dec("51000")) {
		t.Errorf("stop = %s, want 51000", result.StopPrice)
	}
}

func TestCalculateRejectsNonPositiveEntry(t *testing.T) {
	c := NewCalculator()
	if _, err := c.Calculate(nil, decimal.Zero, exchange.SideBuy, "1h", 0); err == nil {
		t.Fatal("expected error for zero entry")
	}
}

func TestCalculateDeterministic(t *testing.T) {
	c := NewCalculator()
	candles := window()

	first, err := c.Calculate(candles, dec("50000"), exchange.SideBuy, "1h", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := c.Calculate(candles, dec("50000"), exchange.SideBuy, "1h", 0)
		if err != nil {
			t.Fatalf("unexpected error on run %d: %v", i, err)
		}
		if !again.StopPrice.Equal(first.StopPrice) {
			t.Fatalf("run %d stop %s differs from first %s", i, again.StopPrice, first.StopPrice)
		}
		if again.MethodUsed != first.MethodUsed || again.Confidence != first.Confidence {
			t.Fatalf("run %d method/confidence drifted", i)
		}
		if len(again.LevelsFound) != len(first.LevelsFound) {
			t.Fatalf("run %d level count drifted", i)
		}
	}
}

func TestCalculateBuyStopBelowEntry(t *testing.T) {
	c := NewCalculator()

	result, err := c.Calculate(window(), dec("50000"), exchange.SideBuy, "1h", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.StopPrice.GreaterThanOrEqual(dec("50000")) {
		t.Errorf("buy stop %s must sit below entry", result.StopPrice)
	}
	if result.StopDistance.LessThanOrEqual(decimal.Zero) {
		t.Errorf("stop distance %s must be positive", result.StopDistance)
	}
}

func TestCalculateThinStructureFallsBack(t *testing.T) {
	c := NewCalculator()
	// Too few bars to form any pivot with span 3.
	candles := []exchange.Kline{
		candle(0, "49000", "49500"),
		candle(1, "49100", "49600"),
		candle(2, "49200", "49700"),
	}

	result, err := c.Calculate(candles, dec("50000"), exchange.SideBuy, "1h", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.MethodUsed != MethodFallbackFixedPct {
		t.Errorf("method = %s, want fallback", result.MethodUsed)
	}
}
