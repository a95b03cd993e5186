// Package audit writes the append-only trail of externally visible actions.
// Every order placement, cancellation, transfer, stop adjustment and policy
// pause lands here whether or not the action succeeded.
package audit

import (
	"context"

	"github.com/shopspring/decimal"

	"risk-trader/internal/clock"
	"risk-trader/internal/database"
	"risk-trader/internal/events"
	"risk-trader/internal/logging"
)

// Transaction types.
const (
	TypeOrderPlaced     = "ORDER_PLACED"
	TypeOrderFailed     = "ORDER_FAILED"
	TypeOrderCancelled  = "ORDER_CANCELLED"
	TypeStopPlaced      = "STOP_PLACED"
	TypeStopFailed      = "STOP_FAILED"
	TypeStopAdjusted    = "STOP_ADJUSTED"
	TypeTransfer        = "TRANSFER"
	TypeBorrow          = "BORROW"
	TypeRepay           = "REPAY"
	TypePolicyPaused    = "POLICY_PAUSED"
	TypePolicyResumed   = "POLICY_RESUMED"
	TypeDryRunExecution = "DRY_RUN_EXECUTION"
)

// Store is the slice of the repository the recorder needs.
type Store interface {
	InsertAuditTransaction(ctx context.Context, t *database.AuditTransaction) error
}

// Recorder persists audit transactions. A failed insert is logged, never
// propagated: audit must not abort the action it describes.
type Recorder struct {
	store Store
	log   *logging.Logger
}

// NewRecorder creates a recorder.
func NewRecorder(store Store) *Recorder {
	return &Recorder{
		store: store,
		log:   logging.WithComponent("audit"),
	}
}

// Entry is one action to record.
type Entry struct {
	TenantID string
	Type     string
	Symbol   string
	Side     string
	Quantity decimal.Decimal
	Price    decimal.Decimal
	Fees     decimal.Decimal
	Raw      map[string]interface{}
}

// Record appends one transaction and returns its generated ID.
func (r *Recorder) Record(ctx context.Context, e Entry) string {
	tx := &database.AuditTransaction{
		TransactionID: clock.NewID(),
		TenantID:      e.TenantID,
		Type:          e.Type,
		Symbol:        e.Symbol,
		Side:          e.Side,
		Quantity:      e.Quantity,
		Price:         e.Price,
		Fees:          e.Fees,
		RawResponse:   e.Raw,
	}
	if err := r.store.InsertAuditTransaction(ctx, tx); err != nil {
		r.log.WithTenant(e.TenantID).Error("audit insert failed", "type", e.Type, "error", err)
	}
	return tx.TransactionID
}

// BusSink subscribes the recorder to the event bus so policy pauses and
// stop adjustments published by other components are captured even when
// they bypass the execution path.
func (r *Recorder) BusSink(bus *events.Bus) {
	bus.Subscribe(events.PolicyPaused, func(e events.Event) {
		r.Record(context.Background(), Entry{TenantID: e.TenantID, Type: TypePolicyPaused, Raw: e.Payload})
	})
	bus.Subscribe(events.PolicyResumed, func(e events.Event) {
		r.Record(context.Background(), Entry{TenantID: e.TenantID, Type: TypePolicyResumed, Raw: e.Payload})
	})
}
