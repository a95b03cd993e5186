package autoparams

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"risk-trader/internal/database"
	"risk-trader/internal/exchange"
	"risk-trader/internal/technical"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testSymbol() *database.Symbol {
	return &database.Symbol{TenantID: "tenant-a", Name: "BTCUSDC", BaseAsset: "BTC", QuoteAsset: "USDC"}
}

func testStrategy(config map[string]interface{}) *database.Strategy {
	return &database.Strategy{TenantID: "tenant-a", Name: "breakout", Config: config}
}

func newMock(price string) *exchange.MockClient {
	m := exchange.NewMockClient()
	m.SetPrice("BTCUSDC", dec(price))
	return m
}

func TestBuildFixedCapital(t *testing.T) {
	p := NewPipeline()
	mock := newMock("50000")

	prop, err := p.Build(context.Background(), mock, testSymbol(), testStrategy(map[string]interface{}{
		"capital_mode":  "fixed",
		"capital_fixed": 1000.0,
	}))
	require.NoError(t, err)

	assert.Equal(t, SourceFixed, prop.CapitalSource)
	assert.True(t, prop.Capital.Equal(dec("1000")))
	assert.Equal(t, "BUY", prop.Side)
	assert.Equal(t, SideFromDefault, prop.SideSource)
	// No candles: 2% fallback stop below the ask.
	assert.True(t, prop.StopPrice.Equal(dec("49000")), "stop = %s", prop.StopPrice)
	assert.Equal(t, technical.MethodFallbackFixedPct, prop.MethodUsed)
	assert.True(t, prop.Quantity.Equal(dec("0.01")), "quantity = %s", prop.Quantity)
	assert.Equal(t, 0.4, prop.ConfidenceFloat)
}

func TestBuildBalancePercent(t *testing.T) {
	p := NewPipeline()
	mock := newMock("50000")
	mock.Balances["USDC"] = dec("2000")

	prop, err := p.Build(context.Background(), mock, testSymbol(), testStrategy(map[string]interface{}{
		"capital_mode":            "balance",
		"capital_balance_percent": 50.0,
	}))
	require.NoError(t, err)

	assert.Equal(t, SourceBalance, prop.CapitalSource)
	assert.True(t, prop.Capital.Equal(dec("1000")), "capital = %s", prop.Capital)
}

func TestBuildBalanceFromIsolatedMargin(t *testing.T) {
	p := NewPipeline()
	mock := newMock("50000")
	mock.Balances["USDC"] = dec("99") // spot balance must not be consulted
	mock.Margin["BTCUSDC"] = &exchange.MarginAccount{
		Quote: exchange.MarginAsset{Asset: "USDC", Free: dec("4000")},
	}

	prop, err := p.Build(context.Background(), mock, testSymbol(), testStrategy(map[string]interface{}{
		"capital_mode":            "balance",
		"capital_balance_percent": 50.0,
		"account_type":            "isolated_margin",
	}))
	require.NoError(t, err)

	assert.Equal(t, SourceBalance, prop.CapitalSource)
	assert.True(t, prop.Capital.Equal(dec("2000")), "capital = %s", prop.Capital)
}

func TestBuildBalancePercentClamped(t *testing.T) {
	p := NewPipeline()

	tests := []struct {
		name    string
		percent float64
		want    string
	}{
		{"over 100 clamps to full balance", 150.0, "2000"},
		{"negative clamps to zero", -10.0, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMock("50000")
			mock.Balances["USDC"] = dec("2000")

			prop, err := p.Build(context.Background(), mock, testSymbol(), testStrategy(map[string]interface{}{
				"capital_mode":            "balance",
				"capital_balance_percent": tt.percent,
			}))
			if tt.want == "0" {
				// Zero capital cannot produce a proposal.
				assert.ErrorIs(t, err, ErrBadInput)
				return
			}
			require.NoError(t, err)
			assert.True(t, prop.Capital.Equal(dec(tt.want)), "capital = %s", prop.Capital)
		})
	}
}

func TestBuildBalanceFetchFailureFallsBack(t *testing.T) {
	p := NewPipeline()
	mock := newMock("50000")
	mock.FailAlways("account", &exchange.Error{Kind: exchange.KindConnection, Op: "account", Message: "down"})

	prop, err := p.Build(context.Background(), mock, testSymbol(), testStrategy(map[string]interface{}{
		"capital_mode":  "balance",
		"capital_fixed": 500.0,
	}))
	require.NoError(t, err)

	assert.Equal(t, SourceFallback, prop.CapitalSource)
	assert.True(t, prop.Capital.Equal(dec("500")), "capital = %s", prop.Capital)
	assert.NotEmpty(t, prop.Warnings)
}

func TestBuildKlineFailureStillProposes(t *testing.T) {
	p := NewPipeline()
	mock := newMock("50000")
	mock.FailAlways("klines", &exchange.Error{Kind: exchange.KindTimeout, Op: "klines", Message: "timeout"})

	prop, err := p.Build(context.Background(), mock, testSymbol(), testStrategy(map[string]interface{}{
		"capital_mode":  "fixed",
		"capital_fixed": 1000.0,
	}))
	require.NoError(t, err)

	assert.Equal(t, technical.MethodFallbackFixedPct, prop.MethodUsed)
	assert.Equal(t, technical.ConfidenceLow, prop.Confidence)
}

func TestBuildCapitalCeiling(t *testing.T) {
	p := NewPipeline()
	mock := newMock("50000")

	prop, err := p.Build(context.Background(), mock, testSymbol(), testStrategy(map[string]interface{}{
		"capital_mode":  "fixed",
		"capital_fixed": 250000.0,
	}))
	require.NoError(t, err)

	assert.True(t, prop.Capital.Equal(MaxCapital), "capital = %s", prop.Capital)
	assert.NotEmpty(t, prop.Warnings)
}

func TestBuildSideFromBias(t *testing.T) {
	p := NewPipeline()

	tests := []struct {
		bias   database.MarketBias
		side   string
		source string
	}{
		{database.BiasBullish, "BUY", SideFromBias},
		{database.BiasBearish, "SELL", SideFromBias},
	}
	for _, tt := range tests {
		mock := newMock("50000")
		strategy := testStrategy(map[string]interface{}{
			"capital_mode":  "fixed",
			"capital_fixed": 1000.0,
		})
		strategy.MarketBias = tt.bias

		prop, err := p.Build(context.Background(), mock, testSymbol(), strategy)
		require.NoError(t, err)
		assert.Equal(t, tt.side, prop.Side)
		assert.Equal(t, tt.source, prop.SideSource)
	}
}

func TestBuildRejectsMissingInputs(t *testing.T) {
	p := NewPipeline()
	mock := newMock("50000")
	strategy := testStrategy(map[string]interface{}{"capital_fixed": 1000.0})

	_, err := p.Build(context.Background(), mock, nil, strategy)
	assert.ErrorIs(t, err, ErrBadInput)

	_, err = p.Build(context.Background(), mock, testSymbol(), nil)
	assert.ErrorIs(t, err, ErrBadInput)
}

func TestConfidenceFloat(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"HIGH", 0.8},
		{"MEDIUM", 0.6},
		{"MED", 0.6},
		{"LOW", 0.4},
		{"", 0.4},
		{"garbage", 0.4},
	}
	for _, tt := range tests {
		if got := ConfidenceFloat(tt.in); got != tt.want {
			t.Errorf("ConfidenceFloat(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
