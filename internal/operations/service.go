// Package operations manages live positions after execution: idempotent
// cancellation and the unified portfolio projection joining spot operations
// with isolated-margin positions.
package operations

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"risk-trader/internal/audit"
	"risk-trader/internal/database"
	"risk-trader/internal/events"
	"risk-trader/internal/exchange"
	"risk-trader/internal/logging"
	"risk-trader/internal/money"
)

// ErrConflict marks a cancel attempt on an operation that is neither
// cancellable nor already cancelled.
var ErrConflict = errors.New("operation state conflict")

// Store is the repository slice the service needs.
type Store interface {
	GetOperation(ctx context.Context, tenantID string, id int64) (*database.Operation, error)
	ListOperations(ctx context.Context, tenantID string, status database.OperationStatus) ([]*database.Operation, error)
	UpdateOperationStatus(ctx context.Context, tenantID string, id int64, status database.OperationStatus) error
	ListOpenMarginPositions(ctx context.Context, tenantID string) ([]*database.MarginPosition, error)
}

// Ports resolves the tenant's exchange connection.
type Ports interface {
	PortFor(ctx context.Context, tenantID string) (exchange.Port, error)
}

// Service owns operation lifecycle and projection.
type Service struct {
	store   Store
	ports   Ports
	auditor *audit.Recorder
	bus     *events.Bus
	log     *logging.Logger
}

// NewService creates an operations service.
func NewService(store Store, ports Ports, auditor *audit.Recorder, bus *events.Bus) *Service {
	return &Service{
		store:   store,
		ports:   ports,
		auditor: auditor,
		bus:     bus,
		log:     logging.WithComponent("operations"),
	}
}

// CancelResult distinguishes a fresh cancel from an idempotent replay.
type CancelResult struct {
	Operation *database.Operation `json:"operation"`
	NoOp      bool                `json:"no_op"`
}

// Cancel flips a PLANNED or ACTIVE operation to CANCELLED. Cancelling an
// already-CANCELLED operation succeeds as a no-op; any other state is a
// conflict. A missing row and a tenant mismatch are the same 404.
func (s *Service) Cancel(ctx context.Context, tenantID string, id int64) (*CancelResult, error) {
	op, err := s.store.GetOperation(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	switch op.Status {
	case database.OperationCancelled:
		return &CancelResult{Operation: op, NoOp: true}, nil
	case database.OperationPlanned, database.OperationActive:
	default:
		return nil, fmt.Errorf("%w: operation %d is %s", ErrConflict, id, op.Status)
	}

	if err := s.store.UpdateOperationStatus(ctx, tenantID, id, database.OperationCancelled); err != nil {
		return nil, err
	}
	op.Status = database.OperationCancelled

	s.log.WithTenant(tenantID).Info("operation cancelled", "operation_id", id, "symbol", op.Symbol)
	s.auditor.Record(ctx, audit.Entry{
		TenantID: tenantID,
		Type:     audit.TypeOrderCancelled,
		Symbol:   op.Symbol,
		Side:     op.Side,
		Quantity: op.Quantity,
		Raw:      map[string]interface{}{"operation_id": id},
	})
	s.bus.Publish(events.Event{
		Type:     events.OrderCancelled,
		TenantID: tenantID,
		Payload:  map[string]interface{}{"operation_id": id, "symbol": op.Symbol},
	})
	return &CancelResult{Operation: op}, nil
}

// Close marks an operation CLOSED after its exit fills.
func (s *Service) Close(ctx context.Context, tenantID string, id int64) (*database.Operation, error) {
	op, err := s.store.GetOperation(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if op.Status == database.OperationClosed {
		return op, nil
	}
	if op.Status != database.OperationActive {
		return nil, fmt.Errorf("%w: operation %d is %s", ErrConflict, id, op.Status)
	}
	if err := s.store.UpdateOperationStatus(ctx, tenantID, id, database.OperationClosed); err != nil {
		return nil, err
	}
	op.Status = database.OperationClosed
	s.bus.Publish(events.Event{
		Type:     events.OperationClosed,
		TenantID: tenantID,
		Payload:  map[string]interface{}{"operation_id": id, "symbol": op.Symbol},
	})
	return op, nil
}

// Get fetches a single operation.
func (s *Service) Get(ctx context.Context, tenantID string, id int64) (*database.Operation, error) {
	return s.store.GetOperation(ctx, tenantID, id)
}

// List returns the tenant's operations, optionally by status.
func (s *Service) List(ctx context.Context, tenantID string, status database.OperationStatus) ([]*database.Operation, error) {
	return s.store.ListOperations(ctx, tenantID, status)
}

// PositionCard is one row of the unified portfolio view.
type PositionCard struct {
	Kind     string `json:"kind"` // spot | isolated_margin
	ID       int64  `json:"id"`
	Symbol   string `json:"symbol"`
	Strategy string `json:"strategy"`
	Side     string `json:"side"`
	Status   string `json:"status"`

	EntryPrice   decimal.Decimal `json:"entry_price"`
	Quantity     decimal.Decimal `json:"quantity"`
	CurrentPrice decimal.Decimal `json:"current_price"`

	UnrealizedPnL      decimal.Decimal  `json:"unrealized_pnl"`
	StopPrice          decimal.Decimal  `json:"stop_price"`
	DistanceToStopPct  decimal.Decimal  `json:"distance_to_stop_pct"`
	TargetPrice        *decimal.Decimal `json:"target_price,omitempty"`
	DistanceToTargetPct *decimal.Decimal `json:"distance_to_target_pct,omitempty"`

	Leverage    int              `json:"leverage,omitempty"`
	MarginLevel *decimal.Decimal `json:"margin_level,omitempty"`
}

// Portfolio projects active spot operations and open margin positions into
// cards with live prices. Price or margin-level failures degrade that card
// rather than failing the whole view.
func (s *Service) Portfolio(ctx context.Context, tenantID string) ([]PositionCard, error) {
	port, err := s.ports.PortFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	ops, err := s.store.ListOperations(ctx, tenantID, database.OperationActive)
	if err != nil {
		return nil, err
	}
	margins, err := s.store.ListOpenMarginPositions(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	cards := make([]PositionCard, 0, len(ops)+len(margins))
	for _, op := range ops {
		card := PositionCard{
			Kind:        "spot",
			ID:          op.ID,
			Symbol:      op.Symbol,
			Strategy:    op.Strategy,
			Side:        op.Side,
			Status:      string(op.Status),
			EntryPrice:  op.EntryPrice,
			Quantity:    op.Quantity,
			StopPrice:   op.StopPrice,
			TargetPrice: op.TargetPrice,
		}
		s.markCard(ctx, port, &card)
		cards = append(cards, card)
	}
	for _, p := range margins {
		card := PositionCard{
			Kind:       "isolated_margin",
			ID:         p.ID,
			Symbol:     p.Symbol,
			Strategy:   p.Strategy,
			Side:       p.Side,
			Status:     string(p.Status),
			EntryPrice: p.EntryPrice,
			Quantity:   p.Quantity,
			StopPrice:  p.StopPrice,
			Leverage:   p.Leverage,
		}
		s.markCard(ctx, port, &card)
		if level, err := port.MarginLevel(ctx, p.Symbol); err == nil {
			card.MarginLevel = &level
		} else {
			s.log.WithTenant(tenantID).Warn("margin level fetch failed", "symbol", p.Symbol, "error", err)
		}
		cards = append(cards, card)
	}
	return cards, nil
}

// markCard fills current price, unrealized P&L and the stop/target
// distances.
func (s *Service) markCard(ctx context.Context, port exchange.Port, card *PositionCard) {
	price, err := port.BestBid(ctx, card.Symbol)
	if card.Side == "SELL" {
		price, err = port.BestAsk(ctx, card.Symbol)
	}
	if err != nil {
		s.log.Warn("price fetch failed for portfolio card", "symbol", card.Symbol, "error", err)
		return
	}
	card.CurrentPrice = price

	diff := price.Sub(card.EntryPrice)
	if card.Side == "SELL" {
		diff = card.EntryPrice.Sub(price)
	}
	card.UnrealizedPnL = diff.Mul(card.Quantity)

	if card.StopPrice.IsPositive() && price.IsPositive() {
		card.DistanceToStopPct = money.PercentOf(price.Sub(card.StopPrice).Abs(), price)
	}
	if card.TargetPrice != nil && card.TargetPrice.IsPositive() && price.IsPositive() {
		d := money.PercentOf(card.TargetPrice.Sub(price).Abs(), price)
		card.DistanceToTargetPct = &d
	}
}
