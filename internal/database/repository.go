package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a tenant-filtered lookup matches nothing.
// Tenant mismatches surface as the same error as genuinely missing rows.
var ErrNotFound = errors.New("not found")

// Repository provides data access over the pool.
type Repository struct {
	db *DB
}

// NewRepository creates a repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalJSON(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// ============================================================================
// SYMBOLS
// ============================================================================

// CreateSymbol inserts a symbol for a tenant.
func (r *Repository) CreateSymbol(ctx context.Context, s *Symbol) error {
	query := `
		INSERT INTO symbols (tenant_id, name, base_asset, quote_asset, min_qty, max_qty)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		s.TenantID, s.Name, s.BaseAsset, s.QuoteAsset, s.MinQty, s.MaxQty,
	).Scan(&s.ID, &s.CreatedAt)
}

// GetSymbol retrieves a symbol by name for a tenant.
func (r *Repository) GetSymbol(ctx context.Context, tenantID, name string) (*Symbol, error) {
	query := `
		SELECT id, tenant_id, name, base_asset, quote_asset, min_qty, max_qty, created_at
		FROM symbols
		WHERE tenant_id = $1 AND name = $2
	`
	s := &Symbol{}
	err := r.db.Pool.QueryRow(ctx, query, tenantID, name).Scan(
		&s.ID, &s.TenantID, &s.Name, &s.BaseAsset, &s.QuoteAsset, &s.MinQty, &s.MaxQty, &s.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return s, nil
}

// ============================================================================
// STRATEGIES
// ============================================================================

// CreateStrategy inserts a strategy for a tenant.
func (r *Repository) CreateStrategy(ctx context.Context, s *Strategy) error {
	cfg, err := marshalJSON(s.Config)
	if err != nil {
		return fmt.Errorf("marshaling strategy config: %w", err)
	}
	query := `
		INSERT INTO strategies (tenant_id, name, market_bias, config)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`
	return r.db.Pool.QueryRow(ctx, query, s.TenantID, s.Name, s.MarketBias, cfg).
		Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
}

// GetStrategy retrieves a strategy by name for a tenant.
func (r *Repository) GetStrategy(ctx context.Context, tenantID, name string) (*Strategy, error) {
	query := `
		SELECT id, tenant_id, name, market_bias, config, total_trades, win_trades, created_at, updated_at
		FROM strategies
		WHERE tenant_id = $1 AND name = $2
	`
	s := &Strategy{}
	var cfg []byte
	err := r.db.Pool.QueryRow(ctx, query, tenantID, name).Scan(
		&s.ID, &s.TenantID, &s.Name, &s.MarketBias, &cfg, &s.TotalTrades, &s.WinTrades, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &s.Config); err != nil {
			return nil, fmt.Errorf("unmarshaling strategy config: %w", err)
		}
	}
	return s, nil
}

// RecordStrategyTrade bumps the aggregate counters after a close.
func (r *Repository) RecordStrategyTrade(ctx context.Context, tenantID, name string, won bool) error {
	query := `
		UPDATE strategies
		SET total_trades = total_trades + 1,
		    win_trades = win_trades + CASE WHEN $3 THEN 1 ELSE 0 END,
		    updated_at = CURRENT_TIMESTAMP
		WHERE tenant_id = $1 AND name = $2
	`
	_, err := r.db.Pool.Exec(ctx, query, tenantID, name, won)
	return err
}
