// Package autoparams derives a complete trade proposal from nothing but a
// symbol and a strategy: side from the strategy's bias, capital from config
// or live balance, stop from the technical calculator, quantity from the
// sizer. The pipeline degrades instead of failing: a balance fetch error
// falls back to fixed capital, a thin candle window falls back to a
// percentage stop. It only errors on inputs it cannot reason about at all.
package autoparams

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"risk-trader/internal/database"
	"risk-trader/internal/exchange"
	"risk-trader/internal/logging"
	"risk-trader/internal/money"
	"risk-trader/internal/sizing"
	"risk-trader/internal/technical"
)

// Capital sources.
const (
	SourceFixed    = "FIXED"
	SourceBalance  = "BALANCE"
	SourceFallback = "FALLBACK"
)

// Side sources.
const (
	SideFromBias    = "STRATEGY_BIAS"
	SideFromConfig  = "CONFIG_DEFAULT"
	SideFromDefault = "DEFAULT_BUY"
)

// MaxCapital is the hard ceiling on capital committed to a single proposal
// regardless of account balance.
var MaxCapital = decimal.NewFromInt(100_000)

// MinCapitalWarning is the threshold below which execution will likely fail
// exchange minimum-notional filters. Capital is not raised; the proposal
// just carries the warning.
var MinCapitalWarning = decimal.NewFromInt(10)

// DefaultTimeframe is used when the strategy config does not name one.
const DefaultTimeframe = "1h"

// DefaultKlineLimit is the candle window fetched for stop calculation.
const DefaultKlineLimit = 100

// ErrBadInput marks malformed symbol or strategy input. Balance failures
// never produce it.
var ErrBadInput = errors.New("auto-params input invalid")

// Proposal is the pipeline's output bundle. Quantity is quantized exactly
// once here; the intent persists this value unchanged so preview and
// execution cannot drift.
type Proposal struct {
	Symbol          string                `json:"symbol"`
	Strategy        string                `json:"strategy"`
	Side            string                `json:"side"`
	SideSource      string                `json:"side_source"`
	EntryPrice      decimal.Decimal       `json:"entry_price"`
	StopPrice       decimal.Decimal       `json:"stop_price"`
	Capital         decimal.Decimal       `json:"capital"`
	CapitalUsed     decimal.Decimal       `json:"capital_used"`
	CapitalSource   string                `json:"capital_source"`
	Quantity        decimal.Decimal       `json:"quantity"`
	RiskAmount      decimal.Decimal       `json:"risk_amount"`
	PositionValue   decimal.Decimal       `json:"position_value"`
	Timeframe       string                `json:"timeframe"`
	MethodUsed      technical.Method      `json:"method_used"`
	Confidence      technical.Confidence  `json:"confidence"`
	ConfidenceFloat float64               `json:"confidence_float"`
	Warnings        []string              `json:"warnings"`
	StopResult      *technical.StopResult `json:"stop_result"`
}

// Pipeline assembles proposals.
type Pipeline struct {
	stops *technical.Calculator
	log   *logging.Logger
}

// NewPipeline creates a pipeline with default calculators.
func NewPipeline() *Pipeline {
	return &Pipeline{
		stops: technical.NewCalculator(),
		log:   logging.WithComponent("autoparams"),
	}
}

// Build produces a proposal for the tenant's symbol and strategy. port is
// the tenant's exchange connection; symbol and strategy have already been
// loaded with tenant filtering.
func (p *Pipeline) Build(ctx context.Context, port exchange.Port, symbol *database.Symbol, strategy *database.Strategy) (*Proposal, error) {
	if symbol == nil || symbol.Name == "" {
		return nil, fmt.Errorf("%w: symbol is required", ErrBadInput)
	}
	if strategy == nil || strategy.Name == "" {
		return nil, fmt.Errorf("%w: strategy is required", ErrBadInput)
	}

	prop := &Proposal{
		Symbol:   symbol.Name,
		Strategy: strategy.Name,
	}

	prop.Side, prop.SideSource = chooseSide(strategy)

	capital, source, warnings := p.chooseCapital(ctx, port, symbol, strategy)
	prop.Capital = capital
	prop.CapitalSource = source
	prop.Warnings = append(prop.Warnings, warnings...)
	if capital.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: no usable capital for strategy %s", ErrBadInput, strategy.Name)
	}

	entry, err := p.entryPrice(ctx, port, symbol.Name, prop.Side)
	if err != nil {
		return nil, err
	}
	prop.EntryPrice = entry

	prop.Timeframe = timeframe(strategy)
	stop, err := p.technicalStop(ctx, port, symbol.Name, prop.Side, entry, prop.Timeframe)
	if err != nil {
		return nil, err
	}
	prop.StopResult = stop
	prop.StopPrice = stop.StopPrice
	prop.MethodUsed = stop.MethodUsed
	prop.Confidence = stop.Confidence
	prop.ConfidenceFloat = ConfidenceFloat(string(stop.Confidence))
	prop.Warnings = append(prop.Warnings, stop.Warnings...)

	if stop.StopPrice.Equal(entry) {
		return nil, fmt.Errorf("%w: stop equals entry at %s", ErrBadInput, entry)
	}

	sized := sizing.Size(capital, entry, stop.StopPrice, sizing.DefaultMaxRiskPct)
	if !sized.OK() {
		return nil, fmt.Errorf("%w: sizing produced zero quantity", ErrBadInput)
	}
	prop.Quantity = sized.Quantity
	prop.RiskAmount = sized.RiskAmount
	prop.PositionValue = sized.PositionValue
	prop.CapitalUsed = sized.PositionValue
	if sized.IsCapped {
		prop.Warnings = append(prop.Warnings, "position capped at 50% of capital")
	}
	if prop.Warnings == nil {
		prop.Warnings = []string{}
	}
	return prop, nil
}

// chooseSide maps a directional bias to a side, falling through to the
// config default and finally to BUY.
func chooseSide(strategy *database.Strategy) (side, source string) {
	switch strategy.MarketBias {
	case database.BiasBullish:
		return "BUY", SideFromBias
	case database.BiasBearish:
		return "SELL", SideFromBias
	}
	if s, ok := strategy.ConfigString("default_side"); ok && (s == "BUY" || s == "SELL") {
		return s, SideFromConfig
	}
	return "BUY", SideFromDefault
}

// chooseCapital resolves capital per the strategy's capital_mode. Balance
// failures never propagate; they degrade to the fixed amount with
// source=FALLBACK.
func (p *Pipeline) chooseCapital(ctx context.Context, port exchange.Port, symbol *database.Symbol, strategy *database.Strategy) (decimal.Decimal, string, []string) {
	var warnings []string
	fixed, _ := strategy.ConfigDecimal("capital_fixed")
	mode, _ := strategy.ConfigString("capital_mode")

	capital := fixed
	source := SourceFixed

	if mode == "balance" {
		available, err := port.AvailableQuoteBalance(ctx, symbol.QuoteAsset, accountType(strategy), symbol.Name)
		if err != nil || available.LessThanOrEqual(decimal.Zero) {
			if err != nil {
				p.log.Warn("balance fetch failed, using fallback capital", "symbol", symbol.Name, "error", err)
				warnings = append(warnings, fmt.Sprintf("balance unavailable (%v), using fixed capital", err))
			} else {
				warnings = append(warnings, "zero available balance, using fixed capital")
			}
			source = SourceFallback
		} else {
			pct, ok := strategy.ConfigDecimal("capital_balance_percent")
			if !ok {
				pct = decimal.NewFromInt(100)
			}
			pct = money.Clamp(pct, decimal.Zero, decimal.NewFromInt(100))
			capital = money.Percent(available, pct)
			source = SourceBalance
		}
	}

	if capital.GreaterThan(MaxCapital) {
		warnings = append(warnings, fmt.Sprintf("capital clamped to ceiling %s", MaxCapital))
		capital = MaxCapital
	}
	if capital.IsPositive() && capital.LessThan(MinCapitalWarning) {
		warnings = append(warnings, fmt.Sprintf("capital %s below %s, order may fail exchange minimums", capital, MinCapitalWarning))
	}
	return capital, source, warnings
}

// accountType reads the strategy's account_type key; anything but
// isolated_margin draws from spot.
func accountType(strategy *database.Strategy) exchange.AccountType {
	if at, ok := strategy.ConfigString("account_type"); ok && at == string(exchange.AccountIsolatedMargin) {
		return exchange.AccountIsolatedMargin
	}
	return exchange.AccountSpot
}

// entryPrice is best ask for a BUY, best bid for a SELL.
func (p *Pipeline) entryPrice(ctx context.Context, port exchange.Port, symbol, side string) (decimal.Decimal, error) {
	if side == "SELL" {
		return port.BestBid(ctx, symbol)
	}
	return port.BestAsk(ctx, symbol)
}

func (p *Pipeline) technicalStop(ctx context.Context, port exchange.Port, symbol, side string, entry decimal.Decimal, tf string) (*technical.StopResult, error) {
	klines, err := port.Klines(ctx, symbol, tf, DefaultKlineLimit)
	if err != nil {
		// No candles at all still yields a fallback stop; the calculator
		// flags it LOW confidence.
		p.log.Warn("kline fetch failed, stop falls back to fixed percent", "symbol", symbol, "error", err)
		klines = nil
	}
	return p.stops.Calculate(klines, entry, exchange.Side(side), tf, 0)
}

func timeframe(strategy *database.Strategy) string {
	if tf, ok := strategy.ConfigString("timeframe"); ok && tf != "" {
		return tf
	}
	return DefaultTimeframe
}

// ConfidenceFloat maps the categorical confidence to the float the intent
// persists. MED is an accepted alias for MEDIUM.
func ConfidenceFloat(confidence string) float64 {
	switch confidence {
	case "HIGH":
		return 0.8
	case "MEDIUM", "MED":
		return 0.6
	case "LOW":
		return 0.4
	}
	return 0.4
}
