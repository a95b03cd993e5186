// Package database owns the PostgreSQL pool, schema migrations and the
// tenant-scoped repositories. Every query touching tenant data filters by
// tenant_id; cross-tenant reads do not exist.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"risk-trader/internal/logging"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration.
type Config struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// NewDB creates a new database connection pool.
func NewDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logging.WithComponent("database").Info("connected to PostgreSQL", "database", cfg.Database)

	return &DB{Pool: pool}, nil
}

// NewDBFromURL creates a pool from a postgres:// connection URL.
func NewDBFromURL(url string, maxConns int32) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logging.WithComponent("database").Info("connected to PostgreSQL")

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		logging.WithComponent("database").Info("database connection closed")
	}
}

// RunMigrations creates the schema. Statements are idempotent so startup can
// run them unconditionally.
func (db *DB) RunMigrations(ctx context.Context) error {
	log := logging.WithComponent("database")
	log.Info("running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS symbols (
			id BIGSERIAL PRIMARY KEY,
			tenant_id VARCHAR(64) NOT NULL,
			name VARCHAR(20) NOT NULL,
			base_asset VARCHAR(10) NOT NULL,
			quote_asset VARCHAR(10) NOT NULL,
			min_qty DECIMAL(20, 8),
			max_qty DECIMAL(20, 8),
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (tenant_id, name)
		)`,

		`CREATE TABLE IF NOT EXISTS strategies (
			id BIGSERIAL PRIMARY KEY,
			tenant_id VARCHAR(64) NOT NULL,
			name VARCHAR(100) NOT NULL,
			market_bias VARCHAR(10) NOT NULL DEFAULT 'NEUTRAL',
			config JSONB NOT NULL DEFAULT '{}',
			total_trades INTEGER NOT NULL DEFAULT 0,
			win_trades INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (tenant_id, name)
		)`,

		`CREATE TABLE IF NOT EXISTS trading_intents (
			id BIGSERIAL PRIMARY KEY,
			intent_id UUID NOT NULL,
			tenant_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			strategy VARCHAR(100) NOT NULL,
			side VARCHAR(4) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			stop_price DECIMAL(20, 8) NOT NULL,
			target_price DECIMAL(20, 8),
			quantity DECIMAL(20, 8) NOT NULL,
			capital DECIMAL(20, 8) NOT NULL,
			risk_amount DECIMAL(20, 8) NOT NULL,
			risk_percent DECIMAL(10, 4) NOT NULL,
			regime VARCHAR(40),
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			reason TEXT,
			pattern_code VARCHAR(40),
			pattern_event_id VARCHAR(80),
			pattern_source VARCHAR(40),
			status VARCHAR(12) NOT NULL DEFAULT 'PENDING',
			validated_at TIMESTAMPTZ,
			executed_at TIMESTAMPTZ,
			validation_result JSONB,
			execution_result JSONB,
			error_message TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (tenant_id, intent_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_intents_tenant_status ON trading_intents(tenant_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_intents_tenant_symbol ON trading_intents(tenant_id, symbol)`,

		`CREATE TABLE IF NOT EXISTS pattern_triggers (
			id BIGSERIAL PRIMARY KEY,
			tenant_id VARCHAR(64) NOT NULL,
			pattern_event_id VARCHAR(80) NOT NULL,
			intent_id UUID NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (tenant_id, pattern_event_id)
		)`,

		`CREATE TABLE IF NOT EXISTS operations (
			id BIGSERIAL PRIMARY KEY,
			tenant_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			strategy VARCHAR(100) NOT NULL,
			side VARCHAR(4) NOT NULL,
			status VARCHAR(12) NOT NULL DEFAULT 'PLANNED',
			stop_price DECIMAL(20, 8) NOT NULL,
			initial_stop DECIMAL(20, 8),
			target_price DECIMAL(20, 8),
			entry_order_id BIGINT,
			stop_order_id BIGINT,
			exit_order_id BIGINT,
			entry_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			quantity DECIMAL(20, 8) NOT NULL DEFAULT 0,
			intent_id UUID,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			closed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_operations_tenant_status ON operations(tenant_id, status)`,

		`CREATE TABLE IF NOT EXISTS margin_positions (
			id BIGSERIAL PRIMARY KEY,
			tenant_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			strategy VARCHAR(100) NOT NULL,
			side VARCHAR(4) NOT NULL,
			status VARCHAR(8) NOT NULL DEFAULT 'OPEN',
			leverage INTEGER NOT NULL DEFAULT 1,
			entry_price DECIMAL(20, 8) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			stop_price DECIMAL(20, 8) NOT NULL,
			current_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			margin_level DECIMAL(10, 4) NOT NULL DEFAULT 999,
			risk_amount DECIMAL(20, 8) NOT NULL DEFAULT 0,
			risk_percent DECIMAL(10, 4) NOT NULL DEFAULT 0,
			borrowed DECIMAL(20, 8) NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			closed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_margin_tenant_status ON margin_positions(tenant_id, status)`,

		`CREATE TABLE IF NOT EXISTS policy_states (
			id BIGSERIAL PRIMARY KEY,
			tenant_id VARCHAR(64) NOT NULL,
			month VARCHAR(7) NOT NULL,
			status VARCHAR(10) NOT NULL DEFAULT 'ACTIVE',
			starting_capital DECIMAL(20, 8) NOT NULL,
			current_capital DECIMAL(20, 8) NOT NULL,
			realized_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			unrealized_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			total_trades INTEGER NOT NULL DEFAULT 0,
			win_trades INTEGER NOT NULL DEFAULT 0,
			loss_trades INTEGER NOT NULL DEFAULT 0,
			trades_today INTEGER NOT NULL DEFAULT 0,
			max_drawdown_percent DECIMAL(10, 4) NOT NULL DEFAULT 4.0,
			max_trades_per_day INTEGER NOT NULL DEFAULT 50,
			paused_at TIMESTAMPTZ,
			pause_reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (tenant_id, month)
		)`,

		`CREATE TABLE IF NOT EXISTS stop_adjustments (
			id BIGSERIAL PRIMARY KEY,
			tenant_id VARCHAR(64) NOT NULL,
			position_id VARCHAR(80) NOT NULL,
			old_stop DECIMAL(20, 8) NOT NULL,
			new_stop DECIMAL(20, 8) NOT NULL,
			reason VARCHAR(16) NOT NULL,
			adjustment_token VARCHAR(160) NOT NULL UNIQUE,
			current_price DECIMAL(20, 8) NOT NULL,
			spans_crossed INTEGER NOT NULL DEFAULT 0,
			step_index INTEGER NOT NULL DEFAULT 0,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_adjustments_position ON stop_adjustments(tenant_id, position_id)`,

		`CREATE TABLE IF NOT EXISTS audit_transactions (
			id BIGSERIAL PRIMARY KEY,
			transaction_id UUID NOT NULL,
			tenant_id VARCHAR(64) NOT NULL,
			type VARCHAR(40) NOT NULL,
			symbol VARCHAR(20),
			side VARCHAR(4),
			quantity DECIMAL(20, 8) NOT NULL DEFAULT 0,
			price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			fees DECIMAL(20, 8) NOT NULL DEFAULT 0,
			raw_response JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_tenant_type ON audit_transactions(tenant_id, type)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_tenant_created ON audit_transactions(tenant_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS entry_gate_decisions (
			id BIGSERIAL PRIMARY KEY,
			decision_id UUID NOT NULL,
			tenant_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			allowed BOOLEAN NOT NULL,
			reasons JSONB NOT NULL DEFAULT '[]',
			details JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_gate_tenant_symbol ON entry_gate_decisions(tenant_id, symbol)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}

	log.Info("database migrations complete", "count", len(migrations))
	return nil
}
