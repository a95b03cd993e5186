// Package execution turns a VALIDATED intent into exchange orders. DRY_RUN
// is the default everywhere; LIVE placement happens only after the full
// guard suite passes again at execution time. A market order that fills but
// whose protective stop fails is the worst state this system can be in, so
// that path produces a hard STOP_LOSS_FAILED alert rather than a rollback.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"risk-trader/internal/audit"
	"risk-trader/internal/clock"
	"risk-trader/internal/database"
	"risk-trader/internal/events"
	"risk-trader/internal/exchange"
	"risk-trader/internal/guards"
	"risk-trader/internal/logging"
)

// Status of an execution attempt.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusBlocked Status = "BLOCKED"
)

// ManualStopWarning is the operational alert attached when a position exists
// without its protective stop.
const ManualStopWarning = "Stop-loss order failed - set manually!"

// marketActionType is the side-qualified market action name: MARKET_BUY or
// MARKET_SELL.
func marketActionType(side string) string {
	if side == "SELL" {
		return "MARKET_SELL"
	}
	return "MARKET_BUY"
}

// Action is one step the executor took or simulated.
type Action struct {
	Type      string                 `json:"type"`
	Symbol    string                 `json:"symbol"`
	Side      string                 `json:"side"`
	Quantity  decimal.Decimal        `json:"quantity"`
	Price     decimal.Decimal        `json:"price,omitempty"`
	OrderID   *int64                 `json:"order_id,omitempty"`
	Simulated bool                   `json:"simulated"`
	Error     string                 `json:"error,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Result is the full execution outcome.
type Result struct {
	Status     Status                 `json:"status"`
	Mode       guards.Mode            `json:"mode"`
	Guards     []guards.Result        `json:"guards"`
	Actions    []Action               `json:"actions"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	ExecutedAt time.Time              `json:"executed_at"`
	Error      string                 `json:"error,omitempty"`
}

// ToMap flattens the result for persistence on the intent.
func (r *Result) ToMap() map[string]interface{} {
	guardList := make([]interface{}, 0, len(r.Guards))
	for _, g := range r.Guards {
		guardList = append(guardList, map[string]interface{}{
			"name":    g.Name,
			"passed":  g.Passed,
			"message": g.Message,
			"details": g.Details,
		})
	}
	actions := make([]interface{}, 0, len(r.Actions))
	for _, a := range r.Actions {
		m := map[string]interface{}{
			"type":      a.Type,
			"symbol":    a.Symbol,
			"side":      a.Side,
			"quantity":  a.Quantity.String(),
			"simulated": a.Simulated,
		}
		if !a.Price.IsZero() {
			m["price"] = a.Price.String()
		}
		if a.OrderID != nil {
			m["order_id"] = *a.OrderID
		}
		if a.Error != "" {
			m["error"] = a.Error
		}
		if a.Details != nil {
			m["details"] = a.Details
		}
		actions = append(actions, m)
	}
	out := map[string]interface{}{
		"status":      string(r.Status),
		"mode":        string(r.Mode),
		"guards":      guardList,
		"actions":     actions,
		"executed_at": r.ExecutedAt.Format(time.RFC3339Nano),
	}
	if len(r.Metadata) > 0 {
		out["metadata"] = r.Metadata
	}
	if r.Error != "" {
		out["error"] = r.Error
	}
	return out
}

func (r *Result) setMetadata(key string, value interface{}) {
	if r.Metadata == nil {
		r.Metadata = map[string]interface{}{}
	}
	r.Metadata[key] = value
}

// IntentStore is the repository slice the executor needs.
type IntentStore interface {
	GetIntent(ctx context.Context, tenantID, intentID string) (*database.TradingIntent, error)
	UpdateIntentStatus(ctx context.Context, i *database.TradingIntent) error
	CreateOperation(ctx context.Context, o *database.Operation) error
}

// PolicyReader snapshots the monthly policy for the guard context.
type PolicyReader interface {
	Get(ctx context.Context, tenantID string) (*database.PolicyState, error)
}

// Ports resolves the tenant's exchange connection.
type Ports interface {
	PortFor(ctx context.Context, tenantID string) (exchange.Port, error)
}

// Executor runs validated intents.
type Executor struct {
	store   IntentStore
	gates   GateStore
	policy  PolicyReader
	ports   Ports
	auditor *audit.Recorder
	clk     clock.Clock
	bus     *events.Bus
	log     *logging.Logger

	// TradingEnabled gates LIVE mode globally; the API layer turns a
	// disabled LIVE request into a 403 before reaching here, this is the
	// second line.
	TradingEnabled bool
}

// NewExecutor creates an executor.
func NewExecutor(store IntentStore, gates GateStore, policy PolicyReader, ports Ports, auditor *audit.Recorder, clk clock.Clock, bus *events.Bus, tradingEnabled bool) *Executor {
	return &Executor{
		store:          store,
		gates:          gates,
		policy:         policy,
		ports:          ports,
		auditor:        auditor,
		clk:            clk,
		bus:            bus,
		log:            logging.WithComponent("execution"),
		TradingEnabled: tradingEnabled,
	}
}

// ErrTradingDisabled is returned for LIVE attempts while the global switch
// is off.
var ErrTradingDisabled = errors.New("live trading is disabled")

// ExecuteIntent runs a VALIDATED intent in the given mode. The result is
// persisted on the intent whatever the outcome.
func (e *Executor) ExecuteIntent(ctx context.Context, tenantID, intentID string, mode guards.Mode, confirmed bool) (*database.TradingIntent, *Result, error) {
	if mode == "" {
		mode = guards.ModeDryRun
	}
	if mode == guards.ModeLive && !e.TradingEnabled {
		return nil, nil, ErrTradingDisabled
	}

	i, err := e.store.GetIntent(ctx, tenantID, intentID)
	if err != nil {
		return nil, nil, err
	}
	if i.Status != database.IntentValidated {
		return nil, nil, fmt.Errorf("intent %s is %s, only VALIDATED intents execute", intentID, i.Status)
	}

	gctx, err := e.guardContext(ctx, tenantID, i, mode, confirmed)
	if err != nil {
		return nil, nil, err
	}

	result := e.run(ctx, tenantID, i, gctx)

	now := e.clk.Now()
	i.ExecutionResult = result.ToMap()
	switch result.Status {
	case StatusSuccess:
		if err := i.Transition(database.IntentExecuted, now); err != nil {
			return nil, nil, err
		}
	case StatusFailed:
		if err := i.Transition(database.IntentFailed, now); err != nil {
			return nil, nil, err
		}
		i.ErrorMessage = result.Error
	case StatusBlocked:
		// A block leaves the intent VALIDATED; the operator can resolve the
		// guard condition and retry.
	}
	if err := e.store.UpdateIntentStatus(ctx, i); err != nil {
		return nil, nil, err
	}

	eventType := events.IntentExecuted
	if result.Status != StatusSuccess {
		eventType = events.IntentFailed
	}
	if result.Status == StatusBlocked {
		eventType = events.IntentFailed
	}
	e.bus.Publish(events.Event{
		Type:     eventType,
		TenantID: tenantID,
		Payload: map[string]interface{}{
			"intent_id": i.IntentID,
			"status":    string(result.Status),
			"mode":      string(result.Mode),
		},
	})
	return i, result, nil
}

// guardContext assembles the guard snapshot from the intent and the
// tenant's monthly policy.
func (e *Executor) guardContext(ctx context.Context, tenantID string, i *database.TradingIntent, mode guards.Mode, confirmed bool) (*guards.Context, error) {
	gctx := &guards.Context{
		Mode:         mode,
		Side:         i.Side,
		EntryPrice:   i.EntryPrice,
		StopPrice:    i.StopPrice,
		Quantity:     i.Quantity,
		Capital:      i.Capital,
		StrategyName: i.Strategy,
		Confirmed:    confirmed,
		Now:          e.clk.Now(),
	}
	// The plan's prices date from validation; executing a stale plan is what
	// the staleness sub-check guards against.
	gctx.Gate = e.gateConfig(ctx, tenantID, i.Symbol, i.ValidatedAt, decimal.Zero)

	state, err := e.policy.Get(ctx, tenantID)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			return nil, err
		}
		// First trade of the month; no policy record yet.
		return gctx, nil
	}
	gctx.MonthlyPnL = state.RealizedPnL.Add(state.UnrealizedPnL)
	gctx.MonthlyCapital = state.StartingCapital
	gctx.MaxDrawdownPercent = state.MaxDrawdownPercent
	gctx.PolicyPaused = state.Status != database.PolicyActive
	return gctx, nil
}

// run evaluates guards and performs or simulates the orders.
func (e *Executor) run(ctx context.Context, tenantID string, i *database.TradingIntent, gctx *guards.Context) *Result {
	result := &Result{
		Mode:       gctx.Mode,
		ExecutedAt: e.clk.Now(),
	}

	guardResults, allPassed := guards.RunAll(gctx, guards.Suite(gctx.Mode))
	result.Guards = guardResults
	e.persistGate(ctx, tenantID, i.Symbol, guardResults, gctx.Gate.LastStopOutAt)
	if !allPassed {
		result.Status = StatusBlocked
		for _, g := range guardResults {
			if !g.Passed {
				result.Error = fmt.Sprintf("blocked by %s: %s", g.Name, g.Message)
				result.setMetadata("blocking_guard", g.Name)
				break
			}
		}
		e.log.WithTenant(tenantID).Warn("execution blocked", "intent_id", i.IntentID, "reason", result.Error)
		return result
	}

	if gctx.Mode == guards.ModeDryRun {
		e.simulate(ctx, tenantID, i, result)
		return result
	}
	e.placeLive(ctx, tenantID, i, result)
	return result
}

// simulate appends the market and stop actions without touching the
// exchange.
func (e *Executor) simulate(ctx context.Context, tenantID string, i *database.TradingIntent, result *Result) {
	stopSide := exchange.Side(i.Side).Opposite()
	result.Actions = append(result.Actions,
		Action{
			Type:      marketActionType(i.Side),
			Symbol:    i.Symbol,
			Side:      i.Side,
			Quantity:  i.Quantity,
			Price:     i.EntryPrice,
			Simulated: true,
		},
		Action{
			Type:      "STOP_LOSS",
			Symbol:    i.Symbol,
			Side:      string(stopSide),
			Quantity:  i.Quantity,
			Price:     i.StopPrice,
			Simulated: true,
		},
	)
	result.Status = StatusSuccess
	e.auditor.Record(ctx, audit.Entry{
		TenantID: tenantID,
		Type:     audit.TypeDryRunExecution,
		Symbol:   i.Symbol,
		Side:     i.Side,
		Quantity: i.Quantity,
		Price:    i.EntryPrice,
		Raw:      map[string]interface{}{"intent_id": i.IntentID},
	})
}

// placeLive places the market order and immediately pairs it with the
// protective stop. A stop failure after a filled entry does not roll
// anything back; it records the fill and raises the manual-stop alert.
func (e *Executor) placeLive(ctx context.Context, tenantID string, i *database.TradingIntent, result *Result) {
	port, err := e.ports.PortFor(ctx, tenantID)
	if err != nil {
		result.Status = StatusFailed
		result.Error = err.Error()
		return
	}

	order, err := port.PlaceMarket(ctx, i.Symbol, exchange.Side(i.Side), i.Quantity)
	if err != nil {
		result.Status = StatusFailed
		result.Error = err.Error()
		result.Actions = append(result.Actions, Action{
			Type:     marketActionType(i.Side),
			Symbol:   i.Symbol,
			Side:     i.Side,
			Quantity: i.Quantity,
			Error:    err.Error(),
		})
		e.auditor.Record(ctx, audit.Entry{
			TenantID: tenantID,
			Type:     audit.TypeOrderFailed,
			Symbol:   i.Symbol,
			Side:     i.Side,
			Quantity: i.Quantity,
			Raw:      map[string]interface{}{"intent_id": i.IntentID, "error": err.Error()},
		})
		return
	}

	fillPrice := order.AvgFillPrice()
	if fillPrice.IsZero() {
		fillPrice = i.EntryPrice
	}
	result.Actions = append(result.Actions, Action{
		Type:     marketActionType(i.Side),
		Symbol:   i.Symbol,
		Side:     i.Side,
		Quantity: i.Quantity,
		Price:    fillPrice,
		OrderID:  &order.OrderID,
	})
	e.auditor.Record(ctx, audit.Entry{
		TenantID: tenantID,
		Type:     audit.TypeOrderPlaced,
		Symbol:   i.Symbol,
		Side:     i.Side,
		Quantity: i.Quantity,
		Price:    fillPrice,
		Raw:      map[string]interface{}{"intent_id": i.IntentID, "order_id": order.OrderID},
	})
	e.bus.Publish(events.Event{
		Type:     events.OrderPlaced,
		TenantID: tenantID,
		Payload:  map[string]interface{}{"intent_id": i.IntentID, "order_id": order.OrderID, "symbol": i.Symbol},
	})

	op := &database.Operation{
		TenantID:     tenantID,
		Symbol:       i.Symbol,
		Strategy:     i.Strategy,
		Side:         i.Side,
		Status:       database.OperationActive,
		StopPrice:    i.StopPrice,
		TargetPrice:  i.TargetPrice,
		EntryOrderID: &order.OrderID,
		EntryPrice:   fillPrice,
		Quantity:     i.Quantity,
		IntentID:     i.IntentID,
	}

	stopSide := exchange.Side(i.Side).Opposite()
	stopOrder, stopErr := port.PlaceStopLoss(ctx, i.Symbol, stopSide, i.Quantity, i.StopPrice)
	if stopErr != nil {
		// The position is live with no protection. Hard alert, no rollback.
		result.Actions = append(result.Actions, Action{
			Type:     "STOP_LOSS_FAILED",
			Symbol:   i.Symbol,
			Side:     string(stopSide),
			Quantity: i.Quantity,
			Price:    i.StopPrice,
			Error:    stopErr.Error(),
		})
		result.setMetadata("warning", ManualStopWarning)
		e.log.WithTenant(tenantID).Error("stop-loss placement failed after fill",
			"intent_id", i.IntentID, "symbol", i.Symbol, "error", stopErr)
		e.auditor.Record(ctx, audit.Entry{
			TenantID: tenantID,
			Type:     audit.TypeStopFailed,
			Symbol:   i.Symbol,
			Side:     string(stopSide),
			Quantity: i.Quantity,
			Price:    i.StopPrice,
			Raw:      map[string]interface{}{"intent_id": i.IntentID, "error": stopErr.Error()},
		})
		e.bus.Publish(events.Event{
			Type:     events.StopLossFailed,
			TenantID: tenantID,
			Payload: map[string]interface{}{
				"intent_id": i.IntentID,
				"symbol":    i.Symbol,
				"warning":   ManualStopWarning,
			},
		})
	} else {
		result.Actions = append(result.Actions, Action{
			Type:     "STOP_LOSS",
			Symbol:   i.Symbol,
			Side:     string(stopSide),
			Quantity: i.Quantity,
			Price:    i.StopPrice,
			OrderID:  &stopOrder.OrderID,
		})
		op.StopOrderID = &stopOrder.OrderID
		e.auditor.Record(ctx, audit.Entry{
			TenantID: tenantID,
			Type:     audit.TypeStopPlaced,
			Symbol:   i.Symbol,
			Side:     string(stopSide),
			Quantity: i.Quantity,
			Price:    i.StopPrice,
			Raw:      map[string]interface{}{"intent_id": i.IntentID, "order_id": stopOrder.OrderID},
		})
	}

	if err := e.store.CreateOperation(ctx, op); err != nil {
		e.log.WithTenant(tenantID).Error("operation persist failed after live execution",
			"intent_id", i.IntentID, "error", err)
		result.setMetadata("operation_persist_error", err.Error())
	} else {
		result.setMetadata("operation_id", op.ID)
	}

	result.Status = StatusSuccess
}
