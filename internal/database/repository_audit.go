package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// InsertAuditTransaction appends one audit record. Records are never updated
// or deleted.
func (r *Repository) InsertAuditTransaction(ctx context.Context, t *AuditTransaction) error {
	raw, err := marshalJSON(t.RawResponse)
	if err != nil {
		return fmt.Errorf("marshaling raw response: %w", err)
	}
	query := `
		INSERT INTO audit_transactions (transaction_id, tenant_id, type, symbol, side, quantity, price, fees, raw_response)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		t.TransactionID, t.TenantID, t.Type, nullable(t.Symbol), nullable(t.Side),
		t.Quantity, t.Price, t.Fees, raw,
	).Scan(&t.ID, &t.CreatedAt)
}

// ListAuditTransactions returns a tenant's audit trail, newest first,
// optionally filtered by type.
func (r *Repository) ListAuditTransactions(ctx context.Context, tenantID, txType string, limit int) ([]*AuditTransaction, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `
		SELECT id, transaction_id, tenant_id, type, symbol, side, quantity, price, fees, raw_response, created_at
		FROM audit_transactions
		WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	if txType != "" {
		args = append(args, txType)
		query += ` AND type = $2`
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []*AuditTransaction
	for rows.Next() {
		t := &AuditTransaction{}
		var symbol, side *string
		var raw []byte
		err := rows.Scan(&t.ID, &t.TransactionID, &t.TenantID, &t.Type, &symbol, &side,
			&t.Quantity, &t.Price, &t.Fees, &raw, &t.CreatedAt)
		if err != nil {
			return nil, err
		}
		if symbol != nil {
			t.Symbol = *symbol
		}
		if side != nil {
			t.Side = *side
		}
		if len(raw) > 0 {
			_ = unmarshalJSON(raw, &t.RawResponse)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// ============================================================================
// STOP ADJUSTMENTS
// ============================================================================

// InsertStopAdjustment records one trailing-stop decision. The adjustment
// token is globally unique; replaying a token inserts nothing and returns
// applied=false, which is how trailing replays stay no-ops.
func (r *Repository) InsertStopAdjustment(ctx context.Context, a *StopAdjustment) (applied bool, err error) {
	meta, err := marshalJSON(a.Metadata)
	if err != nil {
		return false, fmt.Errorf("marshaling adjustment metadata: %w", err)
	}
	query := `
		INSERT INTO stop_adjustments (tenant_id, position_id, old_stop, new_stop, reason,
			adjustment_token, current_price, spans_crossed, step_index, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (adjustment_token) DO NOTHING
		RETURNING id, created_at
	`
	err = r.db.Pool.QueryRow(
		ctx, query,
		a.TenantID, a.PositionID, a.OldStop, a.NewStop, a.Reason,
		a.AdjustmentToken, a.CurrentPrice, a.SpansCrossed, a.StepIndex, meta,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// AdjustmentTokenExists reports whether a token was already applied.
func (r *Repository) AdjustmentTokenExists(ctx context.Context, token string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM stop_adjustments WHERE adjustment_token = $1)`, token).
		Scan(&exists)
	return exists, err
}

// ListStopAdjustments returns a position's adjustment history, oldest first.
func (r *Repository) ListStopAdjustments(ctx context.Context, tenantID, positionID string) ([]*StopAdjustment, error) {
	query := `
		SELECT id, tenant_id, position_id, old_stop, new_stop, reason, adjustment_token,
			current_price, spans_crossed, step_index, metadata, created_at
		FROM stop_adjustments
		WHERE tenant_id = $1 AND position_id = $2
		ORDER BY created_at ASC, id ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, tenantID, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var adjustments []*StopAdjustment
	for rows.Next() {
		a := &StopAdjustment{}
		var meta []byte
		err := rows.Scan(&a.ID, &a.TenantID, &a.PositionID, &a.OldStop, &a.NewStop, &a.Reason,
			&a.AdjustmentToken, &a.CurrentPrice, &a.SpansCrossed, &a.StepIndex, &meta, &a.CreatedAt)
		if err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			_ = unmarshalJSON(meta, &a.Metadata)
		}
		adjustments = append(adjustments, a)
	}
	return adjustments, rows.Err()
}

// ============================================================================
// ENTRY GATE DECISIONS
// ============================================================================

// InsertEntryGateDecision appends one gate evaluation.
func (r *Repository) InsertEntryGateDecision(ctx context.Context, d *EntryGateDecision) error {
	reasons, err := marshalJSON(d.Reasons)
	if err != nil {
		return fmt.Errorf("marshaling gate reasons: %w", err)
	}
	if reasons == nil {
		reasons = []byte("[]")
	}
	details, err := marshalJSON(d.Details)
	if err != nil {
		return fmt.Errorf("marshaling gate details: %w", err)
	}
	query := `
		INSERT INTO entry_gate_decisions (decision_id, tenant_id, symbol, allowed, reasons, details)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	return r.db.Pool.QueryRow(ctx, query, d.DecisionID, d.TenantID, d.Symbol, d.Allowed, reasons, details).
		Scan(&d.ID, &d.CreatedAt)
}

// LastEntryGateDecision returns the most recent gate evaluation for a symbol.
func (r *Repository) LastEntryGateDecision(ctx context.Context, tenantID, symbol string) (*EntryGateDecision, error) {
	query := `
		SELECT id, decision_id, tenant_id, symbol, allowed, reasons, details, created_at
		FROM entry_gate_decisions
		WHERE tenant_id = $1 AND symbol = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`
	d := &EntryGateDecision{}
	var reasons, details []byte
	err := r.db.Pool.QueryRow(ctx, query, tenantID, symbol).Scan(
		&d.ID, &d.DecisionID, &d.TenantID, &d.Symbol, &d.Allowed, &reasons, &details, &d.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	if len(reasons) > 0 {
		_ = unmarshalJSON(reasons, &d.Reasons)
	}
	if len(details) > 0 {
		_ = unmarshalJSON(details, &d.Details)
	}
	return d, nil
}
