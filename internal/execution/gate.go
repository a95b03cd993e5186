package execution

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"risk-trader/internal/database"
	"risk-trader/internal/events"
	"risk-trader/internal/guards"
)

// GateStore persists entry-gate evaluations. The most recent record for a
// symbol anchors the stop-out cooldown: its details carry the stop-out
// timestamp forward across evaluations.
type GateStore interface {
	InsertEntryGateDecision(ctx context.Context, d *database.EntryGateDecision) error
	LastEntryGateDecision(ctx context.Context, tenantID, symbol string) (*database.EntryGateDecision, error)
}

const stopOutDetailKey = "stop_out_at"

// gateConfig assembles the entry-gate inputs for one evaluation. All three
// sub-checks run; a sub-check with no input (no prior stop-out, zero funding
// rate, no data timestamp) passes on its own.
func (e *Executor) gateConfig(ctx context.Context, tenantID, symbol string, dataTimestamp *time.Time, fundingRate decimal.Decimal) guards.GateConfig {
	cfg := guards.GateConfig{
		CooldownEnabled:  true,
		FundingEnabled:   true,
		FundingRate:      fundingRate,
		StalenessEnabled: true,
		DataTimestamp:    dataTimestamp,
	}
	if e.gates == nil {
		return cfg
	}

	last, err := e.gates.LastEntryGateDecision(ctx, tenantID, symbol)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			e.log.WithTenant(tenantID).Warn("entry-gate history unavailable", "symbol", symbol, "error", err)
		}
		return cfg
	}
	if raw, ok := last.Details[stopOutDetailKey].(string); ok {
		if at, perr := time.Parse(time.RFC3339Nano, raw); perr == nil {
			cfg.LastStopOutAt = &at
		}
	}
	return cfg
}

// persistGate appends the EntryGate verdict from a guard run to the
// append-only decision record. The stop-out anchor is carried onto the new
// record so the cooldown survives intermediate evaluations.
func (e *Executor) persistGate(ctx context.Context, tenantID, symbol string, results []guards.Result, lastStopOut *time.Time) {
	if e.gates == nil {
		return
	}
	for _, r := range results {
		if r.Name != (guards.EntryGate{}).Name() {
			continue
		}
		d := &database.EntryGateDecision{
			DecisionID: uuid.NewString(),
			TenantID:   tenantID,
			Symbol:     symbol,
			Allowed:    r.Passed,
			Details:    map[string]interface{}{},
		}
		for k, v := range r.Details {
			d.Details[k] = v
		}
		if reasons, ok := r.Details["reasons"].([]string); ok {
			d.Reasons = reasons
		} else if !r.Passed {
			d.Reasons = []string{r.Message}
		}
		if lastStopOut != nil {
			d.Details[stopOutDetailKey] = lastStopOut.Format(time.RFC3339Nano)
		}
		if err := e.gates.InsertEntryGateDecision(ctx, d); err != nil {
			e.log.WithTenant(tenantID).Warn("entry-gate decision persist failed", "symbol", symbol, "error", err)
		}
		return
	}
}

// RecordStopOut marks a stop-out for a symbol. Subsequent entry-gate
// evaluations enforce the cooldown from this moment.
func (e *Executor) RecordStopOut(ctx context.Context, tenantID, symbol string) {
	if e.gates == nil {
		return
	}
	now := e.clk.Now()
	d := &database.EntryGateDecision{
		DecisionID: uuid.NewString(),
		TenantID:   tenantID,
		Symbol:     symbol,
		Allowed:    false,
		Reasons:    []string{"stop-out recorded"},
		Details:    map[string]interface{}{stopOutDetailKey: now.Format(time.RFC3339Nano)},
	}
	if err := e.gates.InsertEntryGateDecision(ctx, d); err != nil {
		e.log.WithTenant(tenantID).Warn("stop-out record failed", "symbol", symbol, "error", err)
	}
}

// WatchStopOuts subscribes the cooldown to defensive margin closes, the one
// place the system observes a forced exit directly.
func (e *Executor) WatchStopOuts(bus *events.Bus) {
	bus.Subscribe(events.MarginDefensive, func(ev events.Event) {
		symbol, _ := ev.Payload["symbol"].(string)
		if symbol == "" {
			return
		}
		e.RecordStopOut(context.Background(), ev.TenantID, symbol)
	})
}
