// Package intent owns the PLAN -> VALIDATE -> EXECUTE lifecycle of trading
// intents: creation in manual or auto mode, pattern-driven creation with
// idempotency, validation, and cancellation. Execution itself lives in the
// execution package; this one only moves the state machine.
package intent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"risk-trader/internal/autoparams"
	"risk-trader/internal/clock"
	"risk-trader/internal/database"
	"risk-trader/internal/events"
	"risk-trader/internal/exchange"
	"risk-trader/internal/logging"
	"risk-trader/internal/money"
	"risk-trader/internal/sizing"
	"risk-trader/internal/validation"
)

// manualFields are the payload fields that together constitute manual mode.
var manualFields = []string{"side", "entry_price", "stop_price", "capital"}

// RequestError is a malformed-payload error; the API layer renders it as a
// 400 with the structured field lists.
type RequestError struct {
	Message         string            `json:"message"`
	MissingFields   []string          `json:"missing_fields,omitempty"`
	FieldsNotAllowed []string         `json:"fields_not_allowed,omitempty"`
	FieldErrors     map[string]string `json:"field_errors,omitempty"`
}

func (e *RequestError) Error() string { return e.Message }

// ErrConflict marks a lifecycle operation applied in the wrong state.
var ErrConflict = errors.New("intent state conflict")

// Store is the repository slice the service needs.
type Store interface {
	GetSymbol(ctx context.Context, tenantID, name string) (*database.Symbol, error)
	GetStrategy(ctx context.Context, tenantID, name string) (*database.Strategy, error)
	CreateIntent(ctx context.Context, i *database.TradingIntent) error
	GetIntent(ctx context.Context, tenantID, intentID string) (*database.TradingIntent, error)
	ListIntents(ctx context.Context, tenantID string, f database.IntentFilter) ([]*database.TradingIntent, error)
	UpdateIntentStatus(ctx context.Context, i *database.TradingIntent) error
	CreatePatternTrigger(ctx context.Context, t *database.PatternTrigger) error
	GetPatternTrigger(ctx context.Context, tenantID, patternEventID string) (*database.PatternTrigger, error)
}

// Ports resolves the tenant's exchange connection.
type Ports interface {
	PortFor(ctx context.Context, tenantID string) (exchange.Port, error)
}

// Service drives the intent lifecycle.
type Service struct {
	store    Store
	ports    Ports
	pipeline *autoparams.Pipeline
	clk      clock.Clock
	bus      *events.Bus
	log      *logging.Logger
}

// NewService creates an intent service.
func NewService(store Store, ports Ports, pipeline *autoparams.Pipeline, clk clock.Clock, bus *events.Bus) *Service {
	return &Service{
		store:    store,
		ports:    ports,
		pipeline: pipeline,
		clk:      clk,
		bus:      bus,
		log:      logging.WithComponent("intent"),
	}
}

// CreateRequest is the creation payload. Pointer fields distinguish absent
// from zero, which the mode detection depends on.
type CreateRequest struct {
	Symbol   string `json:"symbol"`
	Strategy string `json:"strategy"`
	Mode     string `json:"mode,omitempty"`

	Side       string           `json:"side,omitempty"`
	EntryPrice *decimal.Decimal `json:"entry_price,omitempty"`
	StopPrice  *decimal.Decimal `json:"stop_price,omitempty"`
	Capital    *decimal.Decimal `json:"capital,omitempty"`

	TargetPrice *decimal.Decimal `json:"target_price,omitempty"`
	Quantity    *decimal.Decimal `json:"quantity,omitempty"`

	Regime         string  `json:"regime,omitempty"`
	Confidence     float64 `json:"confidence,omitempty"`
	Reason         string  `json:"reason,omitempty"`
	PatternCode    string  `json:"pattern_code,omitempty"`
	PatternEventID string  `json:"pattern_event_id,omitempty"`
	PatternSource  string  `json:"pattern_source,omitempty"`
}

// presentManualFields lists which manual fields the payload carries.
func (r *CreateRequest) presentManualFields() []string {
	var present []string
	if r.Side != "" {
		present = append(present, "side")
	}
	if r.EntryPrice != nil {
		present = append(present, "entry_price")
	}
	if r.StopPrice != nil {
		present = append(present, "stop_price")
	}
	if r.Capital != nil {
		present = append(present, "capital")
	}
	return present
}

// detectMode applies the auto-mode contract: an explicit mode="auto" rejects
// any manual field; all manual fields present means manual; some present is
// a partial-payload error; none present infers auto.
func detectMode(r *CreateRequest) (auto bool, err *RequestError) {
	present := r.presentManualFields()

	if strings.EqualFold(r.Mode, "auto") {
		if len(present) > 0 {
			return false, &RequestError{
				Message:          "auto mode does not accept manual trade fields",
				FieldsNotAllowed: present,
			}
		}
		return true, nil
	}

	if len(present) == 0 {
		return true, nil
	}
	if len(present) < len(manualFields) {
		var missing []string
		for _, f := range manualFields {
			found := false
			for _, p := range present {
				if p == f {
					found = true
					break
				}
			}
			if !found {
				missing = append(missing, f)
			}
		}
		return false, &RequestError{
			Message:       "partial manual payload: supply all of side, entry_price, stop_price, capital or none",
			MissingFields: missing,
		}
	}
	return false, nil
}

// Create builds and persists a PENDING intent.
func (s *Service) Create(ctx context.Context, tenantID string, req *CreateRequest) (*database.TradingIntent, error) {
	if req.Symbol == "" || req.Strategy == "" {
		var missing []string
		if req.Symbol == "" {
			missing = append(missing, "symbol")
		}
		if req.Strategy == "" {
			missing = append(missing, "strategy")
		}
		return nil, &RequestError{Message: "symbol and strategy are required", MissingFields: missing}
	}

	auto, reqErr := detectMode(req)
	if reqErr != nil {
		return nil, reqErr
	}

	symbol, err := s.store.GetSymbol(ctx, tenantID, req.Symbol)
	if err != nil {
		return nil, err
	}
	strategy, err := s.store.GetStrategy(ctx, tenantID, req.Strategy)
	if err != nil {
		return nil, err
	}

	var i *database.TradingIntent
	if auto {
		i, err = s.buildAuto(ctx, tenantID, symbol, strategy, req)
	} else {
		i, err = s.buildManual(tenantID, symbol, strategy, req)
	}
	if err != nil {
		return nil, err
	}

	i.IntentID = clock.NewID()
	i.Status = database.IntentPending

	if err := s.store.CreateIntent(ctx, i); err != nil {
		return nil, err
	}

	s.log.WithTenant(tenantID).Info("intent created",
		"intent_id", i.IntentID, "symbol", i.Symbol, "side", i.Side, "quantity", i.Quantity.String())
	s.bus.Publish(events.Event{
		Type:     events.IntentCreated,
		TenantID: tenantID,
		Payload:  map[string]interface{}{"intent_id": i.IntentID, "symbol": i.Symbol, "side": i.Side},
	})
	return i, nil
}

// buildAuto drives the auto-parameter pipeline and copies its exact
// quantized outputs into the intent.
func (s *Service) buildAuto(ctx context.Context, tenantID string, symbol *database.Symbol, strategy *database.Strategy, req *CreateRequest) (*database.TradingIntent, error) {
	port, err := s.ports.PortFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	prop, err := s.pipeline.Build(ctx, port, symbol, strategy)
	if err != nil {
		return nil, err
	}

	riskPercent := money.PercentOf(prop.RiskAmount, prop.Capital)
	return &database.TradingIntent{
		TenantID:       tenantID,
		Symbol:         symbol.Name,
		Strategy:       strategy.Name,
		Side:           prop.Side,
		EntryPrice:     prop.EntryPrice,
		StopPrice:      prop.StopPrice,
		Quantity:       prop.Quantity,
		Capital:        prop.Capital,
		RiskAmount:     prop.RiskAmount,
		RiskPercent:    riskPercent,
		Regime:         req.Regime,
		Confidence:     prop.ConfidenceFloat,
		Reason:         joinReason(req.Reason, prop.Warnings),
		PatternCode:    req.PatternCode,
		PatternEventID: req.PatternEventID,
		PatternSource:  req.PatternSource,
	}, nil
}

// buildManual validates the caller-supplied plan and sizes it unless a
// pre-computed quantity came with the payload.
func (s *Service) buildManual(tenantID string, symbol *database.Symbol, strategy *database.Strategy, req *CreateRequest) (*database.TradingIntent, error) {
	fieldErrors := map[string]string{}

	side := strings.ToUpper(req.Side)
	if side != "BUY" && side != "SELL" {
		fieldErrors["side"] = fmt.Sprintf("side must be BUY or SELL, got %q", req.Side)
	}
	entry := *req.EntryPrice
	stop := *req.StopPrice
	capital := *req.Capital
	if entry.LessThanOrEqual(decimal.Zero) {
		fieldErrors["entry_price"] = "entry_price must be positive"
	}
	if stop.LessThanOrEqual(decimal.Zero) {
		fieldErrors["stop_price"] = "stop_price must be positive"
	}
	if capital.LessThanOrEqual(decimal.Zero) {
		fieldErrors["capital"] = "capital must be positive"
	}
	if stop.Equal(entry) {
		fieldErrors["stop_price"] = "stop_price must differ from entry_price"
	}
	if side == "BUY" && stop.GreaterThanOrEqual(entry) {
		fieldErrors["stop_price"] = "BUY stop must be below entry"
	}
	if side == "SELL" && stop.LessThanOrEqual(entry) {
		fieldErrors["stop_price"] = "SELL stop must be above entry"
	}
	if len(fieldErrors) > 0 {
		return nil, &RequestError{Message: "invalid trade plan", FieldErrors: fieldErrors}
	}

	var sized sizing.Result
	if req.Quantity != nil && req.Quantity.GreaterThan(decimal.Zero) {
		// Pre-computed quantity from a preview; keep it verbatim so the
		// persisted plan cannot drift from what the user saw.
		qty := money.Quantize8(*req.Quantity)
		stopDistance := entry.Sub(stop).Abs()
		risk := qty.Mul(stopDistance)
		sized = sizing.Result{
			Quantity:      qty,
			PositionValue: qty.Mul(entry),
			RiskAmount:    risk,
			RiskPercent:   money.PercentOf(risk, capital),
			StopDistance:  stopDistance,
		}
	} else {
		sized = sizing.Size(capital, entry, stop, sizing.DefaultMaxRiskPct)
	}
	if !sized.OK() {
		return nil, &RequestError{
			Message:     "sizing produced zero quantity",
			FieldErrors: map[string]string{"quantity": "computed quantity is zero; stop too close to entry or capital too small"},
		}
	}
	if sized.RiskPercent.GreaterThan(sizing.DefaultMaxRiskPct) {
		return nil, &RequestError{
			Message: "plan exceeds per-trade risk limit",
			FieldErrors: map[string]string{
				"quantity": fmt.Sprintf("risk %s%% exceeds maximum %s%%", sized.RiskPercent.Round(4), sizing.DefaultMaxRiskPct),
			},
		}
	}

	confidence := req.Confidence
	if confidence < 0 || confidence > 1 {
		return nil, &RequestError{
			Message:     "confidence out of range",
			FieldErrors: map[string]string{"confidence": "confidence must be in [0, 1]"},
		}
	}

	return &database.TradingIntent{
		TenantID:       tenantID,
		Symbol:         symbol.Name,
		Strategy:       strategy.Name,
		Side:           side,
		EntryPrice:     entry,
		StopPrice:      stop,
		TargetPrice:    req.TargetPrice,
		Quantity:       sized.Quantity,
		Capital:        capital,
		RiskAmount:     sized.RiskAmount,
		RiskPercent:    sized.RiskPercent,
		Regime:         req.Regime,
		Confidence:     confidence,
		Reason:         req.Reason,
		PatternCode:    req.PatternCode,
		PatternEventID: req.PatternEventID,
		PatternSource:  req.PatternSource,
	}, nil
}

func joinReason(reason string, warnings []string) string {
	if len(warnings) == 0 {
		return reason
	}
	joined := strings.Join(warnings, "; ")
	if reason == "" {
		return joined
	}
	return reason + " | " + joined
}

// TriggerResult is the outcome of a pattern-trigger call.
type TriggerResult struct {
	Intent           *database.TradingIntent `json:"intent"`
	AlreadyProcessed bool                    `json:"already_processed"`
}

// CreateFromPattern creates an intent for a detected pattern event. Replays
// of the same (tenant, pattern_event_id) return the original intent with
// AlreadyProcessed set instead of creating a duplicate.
func (s *Service) CreateFromPattern(ctx context.Context, tenantID string, req *CreateRequest) (*TriggerResult, error) {
	if req.PatternEventID == "" {
		return nil, &RequestError{Message: "pattern_event_id is required", MissingFields: []string{"pattern_event_id"}}
	}

	if existing, err := s.store.GetPatternTrigger(ctx, tenantID, req.PatternEventID); err == nil {
		original, err := s.store.GetIntent(ctx, tenantID, existing.IntentID)
		if err != nil {
			return nil, err
		}
		return &TriggerResult{Intent: original, AlreadyProcessed: true}, nil
	} else if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	created, err := s.Create(ctx, tenantID, req)
	if err != nil {
		return nil, err
	}

	trigger := &database.PatternTrigger{
		TenantID:       tenantID,
		PatternEventID: req.PatternEventID,
		IntentID:       created.IntentID,
	}
	if err := s.store.CreatePatternTrigger(ctx, trigger); err != nil {
		if errors.Is(err, database.ErrDuplicateTrigger) {
			// Raced with a concurrent trigger; theirs won.
			existing, lookupErr := s.store.GetPatternTrigger(ctx, tenantID, req.PatternEventID)
			if lookupErr != nil {
				return nil, lookupErr
			}
			original, lookupErr := s.store.GetIntent(ctx, tenantID, existing.IntentID)
			if lookupErr != nil {
				return nil, lookupErr
			}
			return &TriggerResult{Intent: original, AlreadyProcessed: true}, nil
		}
		return nil, err
	}
	return &TriggerResult{Intent: created}, nil
}

// Validate runs the validation suite against a PENDING intent, persists the
// report and transitions to VALIDATED when the report passes.
func (s *Service) Validate(ctx context.Context, tenantID, intentID string, maxDrawdownPct decimal.Decimal) (*database.TradingIntent, *validation.Report, error) {
	i, err := s.store.GetIntent(ctx, tenantID, intentID)
	if err != nil {
		return nil, nil, err
	}
	if i.Status == database.IntentExecuted {
		return nil, nil, fmt.Errorf("%w: intent %s already executed", ErrConflict, intentID)
	}
	if i.IsTerminal() {
		return nil, nil, fmt.Errorf("%w: intent %s is %s", ErrConflict, intentID, i.Status)
	}

	if maxDrawdownPct.LessThanOrEqual(decimal.Zero) {
		maxDrawdownPct = decimal.NewFromInt(4)
	}
	report := validation.ValidatePlan(&validation.Plan{
		TenantID:           tenantID,
		Symbol:             i.Symbol,
		Side:               i.Side,
		EntryPrice:         i.EntryPrice,
		StopPrice:          i.StopPrice,
		Quantity:           i.Quantity,
		Capital:            i.Capital,
		MaxDrawdownPercent: maxDrawdownPct,
		MaxRiskPercent:     sizing.DefaultMaxRiskPct,
	})

	now := s.clk.Now()
	i.ValidationResult = report.ToMap()
	if report.Passed() {
		if err := i.Transition(database.IntentValidated, now); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrConflict, err)
		}
	} else {
		if err := i.Transition(database.IntentFailed, now); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrConflict, err)
		}
		i.ErrorMessage = report.HumanReadable()
	}

	if err := s.store.UpdateIntentStatus(ctx, i); err != nil {
		return nil, nil, err
	}

	eventType := events.IntentValidated
	if i.Status == database.IntentFailed {
		eventType = events.IntentFailed
	}
	s.bus.Publish(events.Event{
		Type:     eventType,
		TenantID: tenantID,
		Payload:  map[string]interface{}{"intent_id": i.IntentID, "status": string(report.Status())},
	})
	return i, report, nil
}

// Cancel moves a non-terminal intent to CANCELLED.
func (s *Service) Cancel(ctx context.Context, tenantID, intentID string) (*database.TradingIntent, error) {
	i, err := s.store.GetIntent(ctx, tenantID, intentID)
	if err != nil {
		return nil, err
	}
	if i.Status == database.IntentCancelled {
		return i, nil
	}
	if err := i.Transition(database.IntentCancelled, s.clk.Now()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConflict, err)
	}
	if err := s.store.UpdateIntentStatus(ctx, i); err != nil {
		return nil, err
	}
	s.bus.Publish(events.Event{
		Type:     events.IntentCancelled,
		TenantID: tenantID,
		Payload:  map[string]interface{}{"intent_id": i.IntentID},
	})
	return i, nil
}

// Get fetches a single intent.
func (s *Service) Get(ctx context.Context, tenantID, intentID string) (*database.TradingIntent, error) {
	return s.store.GetIntent(ctx, tenantID, intentID)
}

// List returns the tenant's intents with filtering.
func (s *Service) List(ctx context.Context, tenantID string, f database.IntentFilter) ([]*database.TradingIntent, error) {
	return s.store.ListIntents(ctx, tenantID, f)
}
