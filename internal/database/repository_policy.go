package database

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const policyColumns = `
	id, tenant_id, month, status, starting_capital, current_capital,
	realized_pnl, unrealized_pnl, total_trades, win_trades, loss_trades, trades_today,
	max_drawdown_percent, max_trades_per_day, paused_at, pause_reason,
	created_at, updated_at`

func scanPolicyState(row interface{ Scan(...interface{}) error }) (*PolicyState, error) {
	p := &PolicyState{}
	var pauseReason *string
	err := row.Scan(
		&p.ID, &p.TenantID, &p.Month, &p.Status, &p.StartingCapital, &p.CurrentCapital,
		&p.RealizedPnL, &p.UnrealizedPnL, &p.TotalTrades, &p.WinTrades, &p.LossTrades, &p.TradesToday,
		&p.MaxDrawdownPercent, &p.MaxTradesPerDay, &p.PausedAt, &pauseReason,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	if pauseReason != nil {
		p.PauseReason = *pauseReason
	}
	return p, nil
}

// GetPolicyState reads the per-month policy record without creating it.
func (r *Repository) GetPolicyState(ctx context.Context, tenantID, month string) (*PolicyState, error) {
	query := `SELECT ` + policyColumns + ` FROM policy_states WHERE tenant_id = $1 AND month = $2`
	return scanPolicyState(r.db.Pool.QueryRow(ctx, query, tenantID, month))
}

// GetOrCreatePolicyState returns the month's record, seeding a fresh ACTIVE
// one from startingCapital the first time the month is touched. The insert
// races safely: a concurrent creator wins and we read back the row.
func (r *Repository) GetOrCreatePolicyState(ctx context.Context, tenantID, month string, startingCapital decimal.Decimal) (*PolicyState, error) {
	p, err := r.GetPolicyState(ctx, tenantID, month)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	query := `
		INSERT INTO policy_states (tenant_id, month, starting_capital, current_capital)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (tenant_id, month) DO NOTHING
		RETURNING ` + policyColumns
	p, err = scanPolicyState(r.db.Pool.QueryRow(ctx, query, tenantID, month, startingCapital))
	if errors.Is(err, ErrNotFound) {
		// Lost the race; the other writer's row is now visible.
		return r.GetPolicyState(ctx, tenantID, month)
	}
	return p, err
}

// MutatePolicyState applies fn to the month's record under a row-level lock
// and persists the result in one transaction. All policy writes go through
// here so drawdown checks and counters never interleave.
func (r *Repository) MutatePolicyState(ctx context.Context, tenantID, month string, fn func(p *PolicyState) error) (*PolicyState, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	query := `SELECT ` + policyColumns + ` FROM policy_states WHERE tenant_id = $1 AND month = $2 FOR UPDATE`
	p, err := scanPolicyState(tx.QueryRow(ctx, query, tenantID, month))
	if err != nil {
		return nil, err
	}

	if err := fn(p); err != nil {
		return nil, err
	}

	update := `
		UPDATE policy_states
		SET status = $3, current_capital = $4, realized_pnl = $5, unrealized_pnl = $6,
		    total_trades = $7, win_trades = $8, loss_trades = $9, trades_today = $10,
		    max_drawdown_percent = $11, max_trades_per_day = $12,
		    paused_at = $13, pause_reason = $14, updated_at = CURRENT_TIMESTAMP
		WHERE tenant_id = $1 AND month = $2
		RETURNING updated_at
	`
	err = tx.QueryRow(
		ctx, update,
		tenantID, month, p.Status, p.CurrentCapital, p.RealizedPnL, p.UnrealizedPnL,
		p.TotalTrades, p.WinTrades, p.LossTrades, p.TradesToday,
		p.MaxDrawdownPercent, p.MaxTradesPerDay,
		p.PausedAt, nullable(p.PauseReason),
	).Scan(&p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return p, nil
}
