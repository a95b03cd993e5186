package database

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MarketBias is a strategy's directional stance.
type MarketBias string

const (
	BiasBullish MarketBias = "BULLISH"
	BiasBearish MarketBias = "BEARISH"
	BiasNeutral MarketBias = "NEUTRAL"
)

// IntentStatus is the trading-intent lifecycle state.
type IntentStatus string

const (
	IntentPending   IntentStatus = "PENDING"
	IntentValidated IntentStatus = "VALIDATED"
	IntentExecuted  IntentStatus = "EXECUTED"
	IntentFailed    IntentStatus = "FAILED"
	IntentCancelled IntentStatus = "CANCELLED"
)

// OperationStatus is the live-position lifecycle state.
type OperationStatus string

const (
	OperationPlanned   OperationStatus = "PLANNED"
	OperationActive    OperationStatus = "ACTIVE"
	OperationClosed    OperationStatus = "CLOSED"
	OperationCancelled OperationStatus = "CANCELLED"
)

// MarginPositionStatus is the isolated-margin position state.
type MarginPositionStatus string

const (
	MarginOpen   MarginPositionStatus = "OPEN"
	MarginClosed MarginPositionStatus = "CLOSED"
)

// PolicyStatus is the per-month risk policy state.
type PolicyStatus string

const (
	PolicyActive    PolicyStatus = "ACTIVE"
	PolicyPaused    PolicyStatus = "PAUSED"
	PolicySuspended PolicyStatus = "SUSPENDED"
)

// Symbol is an administratively created trading pair. Referenced, never
// mutated, by intents and operations.
type Symbol struct {
	ID         int64            `json:"id"`
	TenantID   string           `json:"tenant_id"`
	Name       string           `json:"name"`
	BaseAsset  string           `json:"base_asset"`
	QuoteAsset string           `json:"quote_asset"`
	MinQty     *decimal.Decimal `json:"min_qty,omitempty"`
	MaxQty     *decimal.Decimal `json:"max_qty,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Strategy is a named trading template with a free-form config mapping and
// aggregate performance counters.
type Strategy struct {
	ID          int64                  `json:"id"`
	TenantID    string                 `json:"tenant_id"`
	Name        string                 `json:"name"`
	MarketBias  MarketBias             `json:"market_bias"`
	Config      map[string]interface{} `json:"config"`
	TotalTrades int                    `json:"total_trades"`
	WinTrades   int                    `json:"win_trades"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// ConfigString reads a string config key.
func (s *Strategy) ConfigString(key string) (string, bool) {
	v, ok := s.Config[key]
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

// ConfigDecimal reads a numeric config key as a decimal. JSON numbers arrive
// as float64; strings are parsed.
func (s *Strategy) ConfigDecimal(key string) (decimal.Decimal, bool) {
	v, ok := s.Config[key]
	if !ok {
		return decimal.Zero, false
	}
	switch t := v.(type) {
	case float64:
		return decimal.NewFromFloat(t), true
	case string:
		d, err := decimal.NewFromString(t)
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	}
	return decimal.Zero, false
}

// TradingIntent is the aggregate root of the PLAN -> VALIDATE -> EXECUTE
// state machine.
type TradingIntent struct {
	ID       int64  `json:"id"`
	IntentID string `json:"intent_id"`
	TenantID string `json:"tenant_id"`
	Symbol   string `json:"symbol"`
	Strategy string `json:"strategy"`

	Side        string           `json:"side"`
	EntryPrice  decimal.Decimal  `json:"entry_price"`
	StopPrice   decimal.Decimal  `json:"stop_price"`
	TargetPrice *decimal.Decimal `json:"target_price,omitempty"`
	Quantity    decimal.Decimal  `json:"quantity"`
	Capital     decimal.Decimal  `json:"capital"`
	RiskAmount  decimal.Decimal  `json:"risk_amount"`
	RiskPercent decimal.Decimal  `json:"risk_percent"`

	Regime         string  `json:"regime,omitempty"`
	Confidence     float64 `json:"confidence"`
	Reason         string  `json:"reason,omitempty"`
	PatternCode    string  `json:"pattern_code,omitempty"`
	PatternEventID string  `json:"pattern_event_id,omitempty"`
	PatternSource  string  `json:"pattern_source,omitempty"`

	Status           IntentStatus           `json:"status"`
	ValidatedAt      *time.Time             `json:"validated_at,omitempty"`
	ExecutedAt       *time.Time             `json:"executed_at,omitempty"`
	ValidationResult map[string]interface{} `json:"validation_result,omitempty"`
	ExecutionResult  map[string]interface{} `json:"execution_result,omitempty"`
	ErrorMessage     string                 `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsTerminal reports whether the intent can no longer transition.
func (i *TradingIntent) IsTerminal() bool {
	return i.Status == IntentExecuted || i.Status == IntentFailed || i.Status == IntentCancelled
}

// CanTransitionTo enforces the transition table: PENDING -> VALIDATED ->
// EXECUTED, with FAILED and CANCELLED reachable from any non-terminal state.
func (i *TradingIntent) CanTransitionTo(next IntentStatus) bool {
	if i.IsTerminal() {
		return false
	}
	switch next {
	case IntentValidated:
		return i.Status == IntentPending
	case IntentExecuted:
		return i.Status == IntentValidated
	case IntentFailed, IntentCancelled:
		return true
	default:
		return false
	}
}

// Transition moves the intent to next or reports the violation.
func (i *TradingIntent) Transition(next IntentStatus, now time.Time) error {
	if !i.CanTransitionTo(next) {
		return fmt.Errorf("invalid intent transition %s -> %s", i.Status, next)
	}
	i.Status = next
	switch next {
	case IntentValidated:
		i.ValidatedAt = &now
	case IntentExecuted:
		i.ExecutedAt = &now
	}
	return nil
}

// PatternTrigger maps a detected pattern event to the intent it produced.
// The (tenant_id, pattern_event_id) pair is unique, which makes the
// pattern-trigger endpoint idempotent.
type PatternTrigger struct {
	ID             int64     `json:"id"`
	TenantID       string    `json:"tenant_id"`
	PatternEventID string    `json:"pattern_event_id"`
	IntentID       string    `json:"intent_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// Operation is a live spot position derived from an executed intent. Stop and
// target are absolute prices; percentage stops are converted on the way in
// and never persisted.
type Operation struct {
	ID       int64  `json:"id"`
	TenantID string `json:"tenant_id"`
	Symbol   string `json:"symbol"`
	Strategy string `json:"strategy"`
	Side     string `json:"side"`

	Status OperationStatus `json:"status"`
	// StopPrice is the working stop; InitialStop stays at the entry-time
	// level so the trailing span never drifts as the stop tightens.
	StopPrice   decimal.Decimal  `json:"stop_price"`
	InitialStop *decimal.Decimal `json:"initial_stop,omitempty"`
	TargetPrice *decimal.Decimal `json:"target_price,omitempty"`

	EntryOrderID *int64 `json:"entry_order_id,omitempty"`
	StopOrderID  *int64 `json:"stop_order_id,omitempty"`
	ExitOrderID  *int64 `json:"exit_order_id,omitempty"`

	EntryPrice decimal.Decimal `json:"entry_price"`
	Quantity   decimal.Decimal `json:"quantity"`

	IntentID  string    `json:"intent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// MarginPosition is an open isolated-margin position.
type MarginPosition struct {
	ID       int64  `json:"id"`
	TenantID string `json:"tenant_id"`
	Symbol   string `json:"symbol"`
	Strategy string `json:"strategy"`
	Side     string `json:"side"`

	Status       MarginPositionStatus `json:"status"`
	Leverage     int                  `json:"leverage"`
	EntryPrice   decimal.Decimal      `json:"entry_price"`
	Quantity     decimal.Decimal      `json:"quantity"`
	StopPrice    decimal.Decimal      `json:"stop_price"`
	CurrentPrice decimal.Decimal      `json:"current_price"`
	MarginLevel  decimal.Decimal      `json:"margin_level"`
	RiskAmount   decimal.Decimal      `json:"risk_amount"`
	RiskPercent  decimal.Decimal      `json:"risk_percent"`
	Borrowed     decimal.Decimal      `json:"borrowed"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// IsOpen is derived from status.
func (p *MarginPosition) IsOpen() bool { return p.Status == MarginOpen }

// PolicyState is the per-(tenant, month) risk accounting record. Month is
// formatted "2006-01".
type PolicyState struct {
	ID       int64  `json:"id"`
	TenantID string `json:"tenant_id"`
	Month    string `json:"month"`

	Status          PolicyStatus    `json:"status"`
	StartingCapital decimal.Decimal `json:"starting_capital"`
	CurrentCapital  decimal.Decimal `json:"current_capital"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`

	TotalTrades int `json:"total_trades"`
	WinTrades   int `json:"win_trades"`
	LossTrades  int `json:"loss_trades"`
	TradesToday int `json:"trades_today"`

	MaxDrawdownPercent decimal.Decimal `json:"max_drawdown_percent"`
	MaxTradesPerDay    int             `json:"max_trades_per_day"`

	PausedAt    *time.Time `json:"paused_at,omitempty"`
	PauseReason string     `json:"pause_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DrawdownPercent returns (starting - current) / starting * 100, clamped to
// zero when the account is up.
func (p *PolicyState) DrawdownPercent() decimal.Decimal {
	if p.StartingCapital.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	dd := p.StartingCapital.Sub(p.CurrentCapital).Div(p.StartingCapital).Mul(decimal.NewFromInt(100))
	if dd.IsNegative() {
		return decimal.Zero
	}
	return dd
}

// StopAdjustment is the immutable audit record of one trailing-stop
// decision. adjustment_token is globally unique; inserting the same token
// twice is a no-op.
type StopAdjustment struct {
	ID              int64                  `json:"id"`
	TenantID        string                 `json:"tenant_id"`
	PositionID      string                 `json:"position_id"`
	OldStop         decimal.Decimal        `json:"old_stop"`
	NewStop         decimal.Decimal        `json:"new_stop"`
	Reason          string                 `json:"reason"`
	AdjustmentToken string                 `json:"adjustment_token"`
	CurrentPrice    decimal.Decimal        `json:"current_price"`
	SpansCrossed    int                    `json:"spans_crossed"`
	StepIndex       int                    `json:"step_index"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// AuditTransaction is one append-only record of an externally visible
// action: order placed, filled, cancelled, transfer, stop adjustment,
// policy pause.
type AuditTransaction struct {
	ID            int64           `json:"id"`
	TransactionID string          `json:"transaction_id"`
	TenantID      string          `json:"tenant_id"`
	Type          string          `json:"type"`
	Symbol        string          `json:"symbol,omitempty"`
	Side          string          `json:"side,omitempty"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	Fees          decimal.Decimal `json:"fees"`
	RawResponse   map[string]interface{} `json:"raw_response,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// EntryGateDecision is one append-only record of an entry-gate evaluation.
type EntryGateDecision struct {
	ID         int64                  `json:"id"`
	DecisionID string                 `json:"decision_id"`
	TenantID   string                 `json:"tenant_id"`
	Symbol     string                 `json:"symbol"`
	Allowed    bool                   `json:"allowed"`
	Reasons    []string               `json:"reasons"`
	Details    map[string]interface{} `json:"details,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}
