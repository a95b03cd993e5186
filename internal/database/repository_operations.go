package database

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

const operationColumns = `
	id, tenant_id, symbol, strategy, side, status, stop_price, initial_stop, target_price,
	entry_order_id, stop_order_id, exit_order_id, entry_price, quantity,
	intent_id, created_at, updated_at, closed_at`

func scanOperation(row interface{ Scan(...interface{}) error }) (*Operation, error) {
	o := &Operation{}
	var intentID *string
	err := row.Scan(
		&o.ID, &o.TenantID, &o.Symbol, &o.Strategy, &o.Side, &o.Status, &o.StopPrice, &o.InitialStop, &o.TargetPrice,
		&o.EntryOrderID, &o.StopOrderID, &o.ExitOrderID, &o.EntryPrice, &o.Quantity,
		&intentID, &o.CreatedAt, &o.UpdatedAt, &o.ClosedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	if intentID != nil {
		o.IntentID = *intentID
	}
	return o, nil
}

// CreateOperation persists a new operation.
func (r *Repository) CreateOperation(ctx context.Context, o *Operation) error {
	if o.InitialStop == nil {
		initial := o.StopPrice
		o.InitialStop = &initial
	}
	query := `
		INSERT INTO operations (
			tenant_id, symbol, strategy, side, status, stop_price, initial_stop, target_price,
			entry_order_id, stop_order_id, entry_price, quantity, intent_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at, updated_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		o.TenantID, o.Symbol, o.Strategy, o.Side, o.Status, o.StopPrice, o.InitialStop, o.TargetPrice,
		o.EntryOrderID, o.StopOrderID, o.EntryPrice, o.Quantity, nullable(o.IntentID),
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
}

// GetOperation fetches one operation, tenant-filtered. A tenant mismatch is
// indistinguishable from a missing row.
func (r *Repository) GetOperation(ctx context.Context, tenantID string, id int64) (*Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE id = $1 AND tenant_id = $2`
	return scanOperation(r.db.Pool.QueryRow(ctx, query, id, tenantID))
}

// ListOperations returns operations for a tenant, optionally by status.
func (r *Repository) ListOperations(ctx context.Context, tenantID string, status OperationStatus) ([]*Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	if status != "" {
		args = append(args, status)
		query += ` AND status = $2`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		o, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, o)
	}
	return ops, rows.Err()
}

// UpdateOperationStatus flips an operation's status, stamping closed_at on
// terminal states.
func (r *Repository) UpdateOperationStatus(ctx context.Context, tenantID string, id int64, status OperationStatus) error {
	var closedAt *time.Time
	if status == OperationClosed || status == OperationCancelled {
		now := time.Now().UTC()
		closedAt = &now
	}
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE operations SET status = $3, closed_at = COALESCE($4, closed_at), updated_at = CURRENT_TIMESTAMP
		 WHERE id = $1 AND tenant_id = $2`,
		id, tenantID, status, closedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateOperationStopForUpdate loads the operation's stop under a row lock,
// applies fn, and persists the returned stop in the same transaction. This
// serializes concurrent trailing adjustments on one position.
func (r *Repository) UpdateOperationStopForUpdate(ctx context.Context, tenantID string, id int64, fn func(o *Operation) (decimal.Decimal, error)) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `SELECT ` + operationColumns + ` FROM operations WHERE id = $1 AND tenant_id = $2 FOR UPDATE`
	o, err := scanOperation(tx.QueryRow(ctx, query, id, tenantID))
	if err != nil {
		return err
	}

	newStop, err := fn(o)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE operations SET stop_price = $3, updated_at = CURRENT_TIMESTAMP WHERE id = $1 AND tenant_id = $2`,
		id, tenantID, newStop); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ============================================================================
// MARGIN POSITIONS
// ============================================================================

const marginColumns = `
	id, tenant_id, symbol, strategy, side, status, leverage, entry_price, quantity,
	stop_price, current_price, margin_level, risk_amount, risk_percent, borrowed,
	created_at, updated_at, closed_at`

func scanMarginPosition(row interface{ Scan(...interface{}) error }) (*MarginPosition, error) {
	p := &MarginPosition{}
	err := row.Scan(
		&p.ID, &p.TenantID, &p.Symbol, &p.Strategy, &p.Side, &p.Status, &p.Leverage, &p.EntryPrice, &p.Quantity,
		&p.StopPrice, &p.CurrentPrice, &p.MarginLevel, &p.RiskAmount, &p.RiskPercent, &p.Borrowed,
		&p.CreatedAt, &p.UpdatedAt, &p.ClosedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

// CreateMarginPosition persists a new isolated-margin position.
func (r *Repository) CreateMarginPosition(ctx context.Context, p *MarginPosition) error {
	query := `
		INSERT INTO margin_positions (
			tenant_id, symbol, strategy, side, status, leverage, entry_price, quantity,
			stop_price, current_price, margin_level, risk_amount, risk_percent, borrowed
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at, updated_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		p.TenantID, p.Symbol, p.Strategy, p.Side, p.Status, p.Leverage, p.EntryPrice, p.Quantity,
		p.StopPrice, p.CurrentPrice, p.MarginLevel, p.RiskAmount, p.RiskPercent, p.Borrowed,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
}

// GetMarginPosition fetches one margin position, tenant-filtered.
func (r *Repository) GetMarginPosition(ctx context.Context, tenantID string, id int64) (*MarginPosition, error) {
	query := `SELECT ` + marginColumns + ` FROM margin_positions WHERE id = $1 AND tenant_id = $2`
	return scanMarginPosition(r.db.Pool.QueryRow(ctx, query, id, tenantID))
}

// ListOpenMarginPositions returns all open margin positions for a tenant.
func (r *Repository) ListOpenMarginPositions(ctx context.Context, tenantID string) ([]*MarginPosition, error) {
	query := `SELECT ` + marginColumns + ` FROM margin_positions WHERE tenant_id = $1 AND status = 'OPEN' ORDER BY created_at DESC`
	rows, err := r.db.Pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*MarginPosition
	for rows.Next() {
		p, err := scanMarginPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// UpdateMarginPositionMark refreshes price and margin level.
func (r *Repository) UpdateMarginPositionMark(ctx context.Context, tenantID string, id int64, currentPrice, marginLevel decimal.Decimal) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE margin_positions SET current_price = $3, margin_level = $4, updated_at = CURRENT_TIMESTAMP
		 WHERE id = $1 AND tenant_id = $2`,
		id, tenantID, currentPrice, marginLevel)
	return err
}

// CloseMarginPosition marks a position CLOSED.
func (r *Repository) CloseMarginPosition(ctx context.Context, tenantID string, id int64) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE margin_positions SET status = 'CLOSED', closed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		 WHERE id = $1 AND tenant_id = $2 AND status = 'OPEN'`,
		id, tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
