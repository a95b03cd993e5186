package trailing

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"

	"risk-trader/internal/audit"
	"risk-trader/internal/clock"
	"risk-trader/internal/database"
	"risk-trader/internal/events"
	"risk-trader/internal/exchange"
	"risk-trader/internal/logging"
)

// Store is the repository slice the service needs. Stop updates run under a
// row lock so concurrent adjustments of one position serialize.
type Store interface {
	GetOperation(ctx context.Context, tenantID string, id int64) (*database.Operation, error)
	ListOperations(ctx context.Context, tenantID string, status database.OperationStatus) ([]*database.Operation, error)
	UpdateOperationStopForUpdate(ctx context.Context, tenantID string, id int64, fn func(o *database.Operation) (decimal.Decimal, error)) error
	AdjustmentTokenExists(ctx context.Context, token string) (bool, error)
	InsertStopAdjustment(ctx context.Context, a *database.StopAdjustment) (bool, error)
}

// Ports resolves the tenant's exchange connection.
type Ports interface {
	PortFor(ctx context.Context, tenantID string) (exchange.Port, error)
}

// Service adjusts stops over time.
type Service struct {
	store   Store
	ports   Ports
	calc    *Calculator
	auditor *audit.Recorder
	clk     clock.Clock
	bus     *events.Bus
	log     *logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService creates a trailing service.
func NewService(store Store, ports Ports, auditor *audit.Recorder, clk clock.Clock, bus *events.Bus) *Service {
	return &Service{
		store:   store,
		ports:   ports,
		calc:    NewCalculator(),
		auditor: auditor,
		clk:     clk,
		bus:     bus,
		log:     logging.WithComponent("trailing"),
		locks:   map[string]*sync.Mutex{},
	}
}

// positionLock serializes adjustments per position. Different positions
// proceed in parallel.
func (s *Service) positionLock(positionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[positionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[positionID] = l
	}
	return l
}

// AdjustOutcome is the result of one adjustment attempt.
type AdjustOutcome struct {
	PositionID string          `json:"position_id"`
	Decision   *Decision       `json:"decision,omitempty"`
	OldStop    decimal.Decimal `json:"old_stop"`
	Duplicate  bool            `json:"duplicate"`
	Message    string          `json:"message"`
}

// Adjust evaluates and, when warranted, applies a trailing adjustment for
// one operation. token may be empty, in which case the wall-clock token is
// generated; callers wanting replay safety pass a deterministic one. A
// token seen before is a no-op.
func (s *Service) Adjust(ctx context.Context, tenantID string, operationID int64, currentPrice decimal.Decimal, token string) (*AdjustOutcome, error) {
	positionID := strconv.FormatInt(operationID, 10)
	if token == "" {
		token = clock.AdjustmentToken(positionID, s.clk.Now())
	}

	lock := s.positionLock(positionID)
	lock.Lock()
	defer lock.Unlock()

	if exists, err := s.store.AdjustmentTokenExists(ctx, token); err != nil {
		return nil, err
	} else if exists {
		return &AdjustOutcome{
			PositionID: positionID,
			Duplicate:  true,
			Message:    "duplicate adjustment (idempotency)",
		}, nil
	}

	outcome := &AdjustOutcome{PositionID: positionID}
	var decision *Decision
	var op *database.Operation

	err := s.store.UpdateOperationStopForUpdate(ctx, tenantID, operationID, func(o *database.Operation) (decimal.Decimal, error) {
		op = o
		if o.Status != database.OperationActive {
			return o.StopPrice, fmt.Errorf("operation %d is %s, not adjustable", operationID, o.Status)
		}
		state, err := stateFromOperation(o, currentPrice)
		if err != nil {
			return o.StopPrice, err
		}
		outcome.OldStop = o.StopPrice
		decision, err = s.calc.Compute(state)
		if err != nil {
			return o.StopPrice, err
		}
		return decision.NewStop, nil
	})
	if err != nil {
		return nil, err
	}
	outcome.Decision = decision

	if !decision.Adjusted() {
		outcome.Message = "no adjustment"
		// NO_ADJUSTMENT decisions still consume the token so a replayed
		// tick stays a no-op.
		_, _ = s.store.InsertStopAdjustment(ctx, &database.StopAdjustment{
			TenantID:        tenantID,
			PositionID:      positionID,
			OldStop:         outcome.OldStop,
			NewStop:         outcome.OldStop,
			Reason:          ReasonNoAdjustment,
			AdjustmentToken: token,
			CurrentPrice:    currentPrice,
			SpansCrossed:    decision.SpansCrossed,
		})
		return outcome, nil
	}

	applied, err := s.store.InsertStopAdjustment(ctx, &database.StopAdjustment{
		TenantID:        tenantID,
		PositionID:      positionID,
		OldStop:         outcome.OldStop,
		NewStop:         decision.NewStop,
		Reason:          decision.Reason,
		AdjustmentToken: token,
		CurrentPrice:    currentPrice,
		SpansCrossed:    decision.SpansCrossed,
		StepIndex:       decision.StepIndex,
		Metadata:        map[string]interface{}{"symbol": op.Symbol},
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		outcome.Duplicate = true
		outcome.Message = "duplicate adjustment (idempotency)"
		return outcome, nil
	}

	s.replaceExchangeStop(ctx, tenantID, op, decision.NewStop)

	outcome.Message = fmt.Sprintf("%s: stop %s -> %s", decision.Reason, outcome.OldStop, decision.NewStop)
	s.log.WithTenant(tenantID).Info("stop adjusted",
		"position_id", positionID, "reason", decision.Reason,
		"old_stop", outcome.OldStop.String(), "new_stop", decision.NewStop.String())
	s.auditor.Record(ctx, audit.Entry{
		TenantID: tenantID,
		Type:     audit.TypeStopAdjusted,
		Symbol:   op.Symbol,
		Side:     op.Side,
		Quantity: op.Quantity,
		Price:    decision.NewStop,
		Raw: map[string]interface{}{
			"adjustment_token": token,
			"old_stop":         outcome.OldStop.String(),
			"reason":           decision.Reason,
		},
	})
	s.bus.Publish(events.Event{
		Type:     events.StopAdjusted,
		TenantID: tenantID,
		Payload: map[string]interface{}{
			"position_id": positionID,
			"symbol":      op.Symbol,
			"old_stop":    outcome.OldStop.String(),
			"new_stop":    decision.NewStop.String(),
			"reason":      decision.Reason,
		},
	})
	return outcome, nil
}

// replaceExchangeStop cancels the working stop order and places one at the
// new level. A failure here leaves the persisted stop authoritative and is
// surfaced through logs and audit; the next tick retries.
func (s *Service) replaceExchangeStop(ctx context.Context, tenantID string, op *database.Operation, newStop decimal.Decimal) {
	if op.StopOrderID == nil {
		return
	}
	port, err := s.ports.PortFor(ctx, tenantID)
	if err != nil {
		s.log.WithTenant(tenantID).Warn("exchange unavailable for stop replace", "error", err)
		return
	}
	if err := port.CancelOrder(ctx, op.Symbol, *op.StopOrderID); err != nil {
		s.log.WithTenant(tenantID).Warn("old stop cancel failed", "order_id", *op.StopOrderID, "error", err)
	}
	stopSide := exchange.Side(op.Side).Opposite()
	order, err := port.PlaceStopLoss(ctx, op.Symbol, stopSide, op.Quantity, newStop)
	if err != nil {
		s.log.WithTenant(tenantID).Error("replacement stop placement failed", "symbol", op.Symbol, "error", err)
		s.auditor.Record(ctx, audit.Entry{
			TenantID: tenantID,
			Type:     audit.TypeStopFailed,
			Symbol:   op.Symbol,
			Side:     string(stopSide),
			Quantity: op.Quantity,
			Price:    newStop,
			Raw:      map[string]interface{}{"error": err.Error()},
		})
		return
	}
	op.StopOrderID = &order.OrderID
}

// stateFromOperation projects the persisted operation and live price into a
// trailing snapshot. The initial stop is recovered from the first recorded
// adjustment when present; otherwise the current stop doubles as initial.
func stateFromOperation(op *database.Operation, currentPrice decimal.Decimal) (*State, error) {
	side := Long
	if op.Side == "SELL" {
		side = Short
	}
	initial := op.StopPrice
	if op.InitialStop != nil {
		initial = *op.InitialStop
	}
	return &State{
		PositionID:   strconv.FormatInt(op.ID, 10),
		Symbol:       op.Symbol,
		Side:         side,
		EntryPrice:   op.EntryPrice,
		InitialStop:  initial,
		CurrentStop:  op.StopPrice,
		CurrentPrice: currentPrice,
		Quantity:     op.Quantity,
	}, nil
}

// BatchResult aggregates an adjust-all sweep.
type BatchResult struct {
	Adjusted  int             `json:"adjusted"`
	NoOps     int             `json:"no_ops"`
	Failed    int             `json:"failed"`
	Outcomes  []AdjustOutcome `json:"outcomes"`
	Errors    []string        `json:"errors,omitempty"`
}

// AdjustAll sweeps every ACTIVE operation for the tenant. Positions are
// independent; one failure never aborts the batch.
func (s *Service) AdjustAll(ctx context.Context, tenantID string) (*BatchResult, error) {
	ops, err := s.store.ListOperations(ctx, tenantID, database.OperationActive)
	if err != nil {
		return nil, err
	}
	port, err := s.ports.PortFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{}
	for _, op := range ops {
		price, err := port.BestBid(ctx, op.Symbol)
		if op.Side == "SELL" {
			price, err = port.BestAsk(ctx, op.Symbol)
		}
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("operation %d: price fetch: %v", op.ID, err))
			continue
		}
		outcome, err := s.Adjust(ctx, tenantID, op.ID, price, "")
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("operation %d: %v", op.ID, err))
			continue
		}
		result.Outcomes = append(result.Outcomes, *outcome)
		if outcome.Decision != nil && outcome.Decision.Adjusted() && !outcome.Duplicate {
			result.Adjusted++
		} else {
			result.NoOps++
		}
	}
	return result, nil
}
