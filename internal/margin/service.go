// Package margin is the isolated-margin sub-core: leveraged open with
// transfer + borrow + protective stop, close with repay and sweep back to
// spot, and the periodic margin-level monitor.
package margin

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"risk-trader/internal/audit"
	"risk-trader/internal/database"
	"risk-trader/internal/events"
	"risk-trader/internal/exchange"
	"risk-trader/internal/execution"
	"risk-trader/internal/logging"
	"risk-trader/internal/sizing"
)

// MaxLeverage bounds accepted leverage.
const MaxLeverage = 10

// Margin-level thresholds. Binance liquidates isolated pairs at 1.1; the
// defensive close fires with headroom above that.
var (
	WarningMarginLevel   = decimal.NewFromFloat(2.0)
	DefensiveMarginLevel = decimal.NewFromFloat(1.3)
)

// ErrBadLeverage marks leverage outside [1, MaxLeverage].
var ErrBadLeverage = errors.New("leverage out of range")

// Store is the repository slice the service needs.
type Store interface {
	CreateMarginPosition(ctx context.Context, p *database.MarginPosition) error
	GetMarginPosition(ctx context.Context, tenantID string, id int64) (*database.MarginPosition, error)
	ListOpenMarginPositions(ctx context.Context, tenantID string) ([]*database.MarginPosition, error)
	UpdateMarginPositionMark(ctx context.Context, tenantID string, id int64, currentPrice, marginLevel decimal.Decimal) error
	CloseMarginPosition(ctx context.Context, tenantID string, id int64) error
}

// Ports resolves the tenant's exchange connection.
type Ports interface {
	PortFor(ctx context.Context, tenantID string) (exchange.Port, error)
}

// Service runs leveraged positions.
type Service struct {
	store   Store
	ports   Ports
	auditor *audit.Recorder
	bus     *events.Bus
	log     *logging.Logger
}

// NewService creates a margin service.
func NewService(store Store, ports Ports, auditor *audit.Recorder, bus *events.Bus) *Service {
	return &Service{
		store:   store,
		ports:   ports,
		auditor: auditor,
		bus:     bus,
		log:     logging.WithComponent("margin"),
	}
}

// OpenRequest describes a leveraged entry.
type OpenRequest struct {
	Symbol     string          `json:"symbol"`
	QuoteAsset string          `json:"quote_asset"`
	Strategy   string          `json:"strategy"`
	Side       string          `json:"side"`
	Leverage   int             `json:"leverage"`
	Capital    decimal.Decimal `json:"capital"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	StopPrice  decimal.Decimal `json:"stop_price"`
}

// OpenResult reports the opened position and any stop failure.
type OpenResult struct {
	Position    *database.MarginPosition `json:"position"`
	StopFailed  bool                     `json:"stop_failed"`
	StopWarning string                   `json:"stop_warning,omitempty"`
}

// Open transfers capital into the isolated account, places the borrowing
// market order and pairs it with a stop. The sequence is only as atomic as
// the exchange allows: a stop failure after the fill raises the hard alert
// instead of unwinding the position.
func (s *Service) Open(ctx context.Context, tenantID string, req *OpenRequest) (*OpenResult, error) {
	if req.Leverage < 1 || req.Leverage > MaxLeverage {
		return nil, fmt.Errorf("%w: %d not in [1, %d]", ErrBadLeverage, req.Leverage, MaxLeverage)
	}
	if req.StopPrice.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("margin positions require a stop price")
	}

	sized := sizing.SizeWithLeverage(req.Capital, req.EntryPrice, req.StopPrice, sizing.DefaultMaxRiskPct, req.Leverage)
	if !sized.OK() {
		return nil, errors.New("sizing produced zero quantity")
	}

	port, err := s.ports.PortFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if err := port.Transfer(ctx, exchange.TransferToMargin, req.QuoteAsset, req.Capital, req.Symbol); err != nil {
		return nil, fmt.Errorf("transfer to margin account: %w", err)
	}
	s.auditor.Record(ctx, audit.Entry{
		TenantID: tenantID,
		Type:     audit.TypeTransfer,
		Symbol:   req.Symbol,
		Quantity: req.Capital,
		Raw:      map[string]interface{}{"direction": string(exchange.TransferToMargin), "asset": req.QuoteAsset},
	})

	order, err := port.PlaceMarginMarket(ctx, req.Symbol, exchange.Side(req.Side), sized.Quantity, exchange.SideEffectMarginBuy)
	if err != nil {
		// Sweep the transferred capital back before surfacing the failure.
		if backErr := port.Transfer(ctx, exchange.TransferFromMargin, req.QuoteAsset, req.Capital, req.Symbol); backErr != nil {
			s.log.WithTenant(tenantID).Error("sweep-back after failed margin order also failed",
				"symbol", req.Symbol, "error", backErr)
		}
		return nil, fmt.Errorf("margin market order: %w", err)
	}

	fillPrice := order.AvgFillPrice()
	if fillPrice.IsZero() {
		fillPrice = req.EntryPrice
	}
	borrowed := fillPrice.Mul(sized.Quantity).Sub(req.Capital)
	if borrowed.IsNegative() {
		borrowed = decimal.Zero
	}
	s.auditor.Record(ctx, audit.Entry{
		TenantID: tenantID,
		Type:     audit.TypeBorrow,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Quantity: sized.Quantity,
		Price:    fillPrice,
		Raw:      map[string]interface{}{"order_id": order.OrderID, "leverage": req.Leverage},
	})

	position := &database.MarginPosition{
		TenantID:     tenantID,
		Symbol:       req.Symbol,
		Strategy:     req.Strategy,
		Side:         req.Side,
		Status:       database.MarginOpen,
		Leverage:     req.Leverage,
		EntryPrice:   fillPrice,
		Quantity:     sized.Quantity,
		StopPrice:    req.StopPrice,
		CurrentPrice: fillPrice,
		RiskAmount:   sized.RiskAmount,
		RiskPercent:  sized.RiskPercent,
		Borrowed:     borrowed,
	}

	result := &OpenResult{Position: position}
	stopSide := exchange.Side(req.Side).Opposite()
	if _, err := port.PlaceStopLoss(ctx, req.Symbol, stopSide, sized.Quantity, req.StopPrice); err != nil {
		result.StopFailed = true
		result.StopWarning = execution.ManualStopWarning
		s.log.WithTenant(tenantID).Error("margin stop placement failed after fill",
			"symbol", req.Symbol, "error", err)
		s.auditor.Record(ctx, audit.Entry{
			TenantID: tenantID,
			Type:     audit.TypeStopFailed,
			Symbol:   req.Symbol,
			Side:     string(stopSide),
			Quantity: sized.Quantity,
			Price:    req.StopPrice,
			Raw:      map[string]interface{}{"error": err.Error()},
		})
		s.bus.Publish(events.Event{
			Type:     events.StopLossFailed,
			TenantID: tenantID,
			Payload:  map[string]interface{}{"symbol": req.Symbol, "warning": execution.ManualStopWarning},
		})
	} else {
		s.auditor.Record(ctx, audit.Entry{
			TenantID: tenantID,
			Type:     audit.TypeStopPlaced,
			Symbol:   req.Symbol,
			Side:     string(stopSide),
			Quantity: sized.Quantity,
			Price:    req.StopPrice,
		})
	}

	if level, err := port.MarginLevel(ctx, req.Symbol); err == nil {
		position.MarginLevel = level
	}

	if err := s.store.CreateMarginPosition(ctx, position); err != nil {
		return nil, fmt.Errorf("persisting margin position: %w", err)
	}
	s.log.WithTenant(tenantID).Info("margin position opened",
		"symbol", req.Symbol, "side", req.Side, "leverage", req.Leverage,
		"quantity", sized.Quantity.String(), "borrowed", borrowed.String())
	return result, nil
}

// Close reverses the open: closing order with auto-repay, explicit repay of
// any remainder, then sweep the residual quote back to spot.
func (s *Service) Close(ctx context.Context, tenantID string, id int64, quoteAsset string) (*database.MarginPosition, error) {
	p, err := s.store.GetMarginPosition(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !p.IsOpen() {
		return p, nil
	}

	port, err := s.ports.PortFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	closeSide := exchange.Side(p.Side).Opposite()
	order, err := port.PlaceMarginMarket(ctx, p.Symbol, closeSide, p.Quantity, exchange.SideEffectAutoRepay)
	if err != nil {
		return nil, fmt.Errorf("closing margin order: %w", err)
	}
	s.auditor.Record(ctx, audit.Entry{
		TenantID: tenantID,
		Type:     audit.TypeOrderPlaced,
		Symbol:   p.Symbol,
		Side:     string(closeSide),
		Quantity: p.Quantity,
		Price:    order.AvgFillPrice(),
		Raw:      map[string]interface{}{"order_id": order.OrderID, "margin_close": true},
	})

	// AUTO_REPAY settles the loan from the close; repay any interest left.
	if account, err := port.MarginAccount(ctx, p.Symbol); err == nil {
		outstanding := account.Quote.Borrowed.Add(account.Quote.Interest)
		if outstanding.IsPositive() {
			if err := port.Repay(ctx, quoteAsset, outstanding, p.Symbol); err != nil {
				s.log.WithTenant(tenantID).Warn("residual repay failed", "symbol", p.Symbol, "error", err)
			} else {
				s.auditor.Record(ctx, audit.Entry{
					TenantID: tenantID,
					Type:     audit.TypeRepay,
					Symbol:   p.Symbol,
					Quantity: outstanding,
				})
			}
		}
		if free := account.Quote.Free; free.IsPositive() {
			if err := port.Transfer(ctx, exchange.TransferFromMargin, quoteAsset, free, p.Symbol); err != nil {
				s.log.WithTenant(tenantID).Warn("sweep back to spot failed", "symbol", p.Symbol, "error", err)
			} else {
				s.auditor.Record(ctx, audit.Entry{
					TenantID: tenantID,
					Type:     audit.TypeTransfer,
					Symbol:   p.Symbol,
					Quantity: free,
					Raw:      map[string]interface{}{"direction": string(exchange.TransferFromMargin)},
				})
			}
		}
	} else {
		s.log.WithTenant(tenantID).Warn("margin account query failed during close", "symbol", p.Symbol, "error", err)
	}

	if err := s.store.CloseMarginPosition(ctx, tenantID, id); err != nil {
		return nil, err
	}
	p.Status = database.MarginClosed
	s.log.WithTenant(tenantID).Info("margin position closed", "symbol", p.Symbol, "position_id", id)
	return p, nil
}

// MonitorSweep checks every open position's margin level once. Below the
// warning threshold it alerts; below the defensive threshold it closes the
// position outright.
func (s *Service) MonitorSweep(ctx context.Context, tenantID, quoteAsset string) error {
	positions, err := s.store.ListOpenMarginPositions(ctx, tenantID)
	if err != nil {
		return err
	}
	if len(positions) == 0 {
		return nil
	}
	port, err := s.ports.PortFor(ctx, tenantID)
	if err != nil {
		return err
	}

	for _, p := range positions {
		level, err := port.MarginLevel(ctx, p.Symbol)
		if err != nil {
			s.log.WithTenant(tenantID).Warn("margin level query failed", "symbol", p.Symbol, "error", err)
			continue
		}
		price := p.CurrentPrice
		if bid, err := port.BestBid(ctx, p.Symbol); err == nil {
			price = bid
		}
		if err := s.store.UpdateMarginPositionMark(ctx, tenantID, p.ID, price, level); err != nil {
			s.log.WithTenant(tenantID).Warn("margin mark update failed", "position_id", p.ID, "error", err)
		}

		switch {
		case level.LessThan(DefensiveMarginLevel):
			s.log.WithTenant(tenantID).Error("margin level critical, defensive close",
				"symbol", p.Symbol, "level", level.String())
			s.bus.Publish(events.Event{
				Type:     events.MarginDefensive,
				TenantID: tenantID,
				Payload:  map[string]interface{}{"symbol": p.Symbol, "margin_level": level.String()},
			})
			if _, err := s.Close(ctx, tenantID, p.ID, quoteAsset); err != nil {
				s.log.WithTenant(tenantID).Error("defensive close failed", "position_id", p.ID, "error", err)
			}
		case level.LessThan(WarningMarginLevel):
			s.log.WithTenant(tenantID).Warn("margin level low",
				"symbol", p.Symbol, "level", level.String())
			s.bus.Publish(events.Event{
				Type:     events.MarginWarning,
				TenantID: tenantID,
				Payload:  map[string]interface{}{"symbol": p.Symbol, "margin_level": level.String()},
			})
		}
	}
	return nil
}

// Get fetches a single margin position.
func (s *Service) Get(ctx context.Context, tenantID string, id int64) (*database.MarginPosition, error) {
	return s.store.GetMarginPosition(ctx, tenantID, id)
}

// ListOpen lists open positions.
func (s *Service) ListOpen(ctx context.Context, tenantID string) ([]*database.MarginPosition, error) {
	return s.store.ListOpenMarginPositions(ctx, tenantID)
}
