package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

const intentColumns = `
	id, intent_id, tenant_id, symbol, strategy, side,
	entry_price, stop_price, target_price, quantity, capital, risk_amount, risk_percent,
	regime, confidence, reason, pattern_code, pattern_event_id, pattern_source,
	status, validated_at, executed_at, validation_result, execution_result, error_message,
	created_at, updated_at`

func (r *Repository) scanIntent(row interface{ Scan(...interface{}) error }) (*TradingIntent, error) {
	i := &TradingIntent{}
	var regime, reason, patternCode, patternEventID, patternSource, errorMessage *string
	var validationResult, executionResult []byte
	err := row.Scan(
		&i.ID, &i.IntentID, &i.TenantID, &i.Symbol, &i.Strategy, &i.Side,
		&i.EntryPrice, &i.StopPrice, &i.TargetPrice, &i.Quantity, &i.Capital, &i.RiskAmount, &i.RiskPercent,
		&regime, &i.Confidence, &reason, &patternCode, &patternEventID, &patternSource,
		&i.Status, &i.ValidatedAt, &i.ExecutedAt, &validationResult, &executionResult, &errorMessage,
		&i.CreatedAt, &i.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	if regime != nil {
		i.Regime = *regime
	}
	if reason != nil {
		i.Reason = *reason
	}
	if patternCode != nil {
		i.PatternCode = *patternCode
	}
	if patternEventID != nil {
		i.PatternEventID = *patternEventID
	}
	if patternSource != nil {
		i.PatternSource = *patternSource
	}
	if errorMessage != nil {
		i.ErrorMessage = *errorMessage
	}
	if len(validationResult) > 0 {
		_ = json.Unmarshal(validationResult, &i.ValidationResult)
	}
	if len(executionResult) > 0 {
		_ = json.Unmarshal(executionResult, &i.ExecutionResult)
	}
	return i, nil
}

// CreateIntent persists a new intent with status PENDING.
func (r *Repository) CreateIntent(ctx context.Context, i *TradingIntent) error {
	query := `
		INSERT INTO trading_intents (
			intent_id, tenant_id, symbol, strategy, side,
			entry_price, stop_price, target_price, quantity, capital, risk_amount, risk_percent,
			regime, confidence, reason, pattern_code, pattern_event_id, pattern_source, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		RETURNING id, created_at, updated_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		i.IntentID, i.TenantID, i.Symbol, i.Strategy, i.Side,
		i.EntryPrice, i.StopPrice, i.TargetPrice, i.Quantity, i.Capital, i.RiskAmount, i.RiskPercent,
		nullable(i.Regime), i.Confidence, nullable(i.Reason),
		nullable(i.PatternCode), nullable(i.PatternEventID), nullable(i.PatternSource),
		i.Status,
	).Scan(&i.ID, &i.CreatedAt, &i.UpdatedAt)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// GetIntent fetches one intent by intent_id, tenant-filtered.
func (r *Repository) GetIntent(ctx context.Context, tenantID, intentID string) (*TradingIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM trading_intents WHERE tenant_id = $1 AND intent_id = $2`
	return r.scanIntent(r.db.Pool.QueryRow(ctx, query, tenantID, intentID))
}

// IntentFilter narrows ListIntents.
type IntentFilter struct {
	Status   string
	Strategy string
	Symbol   string
	Limit    int
	Offset   int
}

// ListIntents returns intents for a tenant, newest first.
func (r *Repository) ListIntents(ctx context.Context, tenantID string, f IntentFilter) ([]*TradingIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM trading_intents WHERE tenant_id = $1`
	args := []interface{}{tenantID}

	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Strategy != "" {
		args = append(args, f.Strategy)
		query += fmt.Sprintf(" AND strategy = $%d", len(args))
	}
	if f.Symbol != "" {
		args = append(args, f.Symbol)
		query += fmt.Sprintf(" AND symbol = $%d", len(args))
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	args = append(args, f.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var intents []*TradingIntent
	for rows.Next() {
		i, err := r.scanIntent(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, i)
	}
	return intents, rows.Err()
}

// UpdateIntentStatus persists a lifecycle transition together with its
// result payloads.
func (r *Repository) UpdateIntentStatus(ctx context.Context, i *TradingIntent) error {
	validation, err := marshalJSON(i.ValidationResult)
	if err != nil {
		return fmt.Errorf("marshaling validation result: %w", err)
	}
	execution, err := marshalJSON(i.ExecutionResult)
	if err != nil {
		return fmt.Errorf("marshaling execution result: %w", err)
	}
	query := `
		UPDATE trading_intents
		SET status = $3, validated_at = $4, executed_at = $5,
		    validation_result = $6, execution_result = $7, error_message = $8,
		    updated_at = CURRENT_TIMESTAMP
		WHERE tenant_id = $1 AND intent_id = $2
		RETURNING updated_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		i.TenantID, i.IntentID, i.Status, i.ValidatedAt, i.ExecutedAt,
		validation, execution, nullable(i.ErrorMessage),
	).Scan(&i.UpdatedAt)
}

// ============================================================================
// PATTERN TRIGGERS
// ============================================================================

// ErrDuplicateTrigger marks an already-processed pattern event.
var ErrDuplicateTrigger = errors.New("pattern event already processed")

// CreatePatternTrigger records the (tenant, pattern_event) -> intent mapping.
// A duplicate event returns ErrDuplicateTrigger so the caller can respond
// ALREADY_PROCESSED with the original intent.
func (r *Repository) CreatePatternTrigger(ctx context.Context, t *PatternTrigger) error {
	query := `
		INSERT INTO pattern_triggers (tenant_id, pattern_event_id, intent_id)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`
	err := r.db.Pool.QueryRow(ctx, query, t.TenantID, t.PatternEventID, t.IntentID).
		Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateTrigger
		}
		return err
	}
	return nil
}

// GetPatternTrigger looks up a processed pattern event.
func (r *Repository) GetPatternTrigger(ctx context.Context, tenantID, patternEventID string) (*PatternTrigger, error) {
	query := `
		SELECT id, tenant_id, pattern_event_id, intent_id, created_at
		FROM pattern_triggers
		WHERE tenant_id = $1 AND pattern_event_id = $2
	`
	t := &PatternTrigger{}
	err := r.db.Pool.QueryRow(ctx, query, tenantID, patternEventID).Scan(
		&t.ID, &t.TenantID, &t.PatternEventID, &t.IntentID, &t.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return t, nil
}
