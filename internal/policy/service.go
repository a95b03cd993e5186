// Package policy tracks per-tenant monthly capital, P&L and trade counters
// and auto-pauses a tenant whose drawdown breaches the configured limit.
// All writes run inside a row-locked transaction so a pause is atomic with
// the trade that triggered it.
package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"risk-trader/internal/clock"
	"risk-trader/internal/database"
	"risk-trader/internal/events"
	"risk-trader/internal/logging"
)

// ErrInvalidTransition marks a disallowed policy state change.
var ErrInvalidTransition = errors.New("invalid policy transition")

// Store is the repository slice the service needs.
type Store interface {
	GetPolicyState(ctx context.Context, tenantID, month string) (*database.PolicyState, error)
	GetOrCreatePolicyState(ctx context.Context, tenantID, month string, startingCapital decimal.Decimal) (*database.PolicyState, error)
	MutatePolicyState(ctx context.Context, tenantID, month string, fn func(p *database.PolicyState) error) (*database.PolicyState, error)
}

// Service owns the monthly risk policy.
type Service struct {
	store Store
	clk   clock.Clock
	bus   *events.Bus
	log   *logging.Logger
}

// NewService creates a policy service.
func NewService(store Store, clk clock.Clock, bus *events.Bus) *Service {
	return &Service{
		store: store,
		clk:   clk,
		bus:   bus,
		log:   logging.WithComponent("policy"),
	}
}

// month formats the current accounting period.
func (s *Service) month() string {
	return s.clk.Now().Format("2006-01")
}

// Current returns the tenant's state for this month, creating it from
// startingCapital on first touch.
func (s *Service) Current(ctx context.Context, tenantID string, startingCapital decimal.Decimal) (*database.PolicyState, error) {
	return s.store.GetOrCreatePolicyState(ctx, tenantID, s.month(), startingCapital)
}

// Get returns the tenant's state without creating it.
func (s *Service) Get(ctx context.Context, tenantID string) (*database.PolicyState, error) {
	return s.store.GetPolicyState(ctx, tenantID, s.month())
}

// RecordTrade books a closed trade. Counters, realized P&L and capital move
// together; if the resulting drawdown breaches the limit the same
// transaction flips the policy to PAUSED.
func (s *Service) RecordTrade(ctx context.Context, tenantID string, pnl decimal.Decimal, isWinner bool) (*database.PolicyState, error) {
	var paused bool
	state, err := s.store.MutatePolicyState(ctx, tenantID, s.month(), func(p *database.PolicyState) error {
		p.TotalTrades++
		p.TradesToday++
		if isWinner {
			p.WinTrades++
		} else {
			p.LossTrades++
		}
		p.RealizedPnL = p.RealizedPnL.Add(pnl)
		p.CurrentCapital = p.CurrentCapital.Add(pnl)
		paused = s.applyBreach(p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if paused {
		s.announcePause(tenantID, state)
	}
	return state, nil
}

// UpdateUnrealizedPnL refreshes the mark-to-market loss from the live
// position tracker. Unrealized losses can pause the tenant too.
func (s *Service) UpdateUnrealizedPnL(ctx context.Context, tenantID string, pnl decimal.Decimal) (*database.PolicyState, error) {
	var paused bool
	state, err := s.store.MutatePolicyState(ctx, tenantID, s.month(), func(p *database.PolicyState) error {
		p.UnrealizedPnL = pnl
		paused = s.applyBreach(p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if paused {
		s.announcePause(tenantID, state)
	}
	return state, nil
}

// applyBreach flips an ACTIVE policy to PAUSED when total drawdown
// (realized plus unrealized) reaches the limit. Runs inside the row lock;
// returns true when this call flipped the status.
func (s *Service) applyBreach(p *database.PolicyState) bool {
	if p.Status != database.PolicyActive {
		return false
	}
	if p.StartingCapital.LessThanOrEqual(decimal.Zero) {
		return false
	}
	total := p.RealizedPnL.Add(p.UnrealizedPnL)
	if !total.IsNegative() {
		return false
	}
	drawdown := total.Abs().Div(p.StartingCapital).Mul(decimal.NewFromInt(100))
	if drawdown.LessThan(p.MaxDrawdownPercent) {
		return false
	}
	now := s.clk.Now()
	p.Status = database.PolicyPaused
	p.PausedAt = &now
	p.PauseReason = fmt.Sprintf("monthly drawdown %s%% breached limit %s%%",
		drawdown.Round(2).StringFixed(2), p.MaxDrawdownPercent)
	return true
}

// announcePause logs and publishes a pause that just happened.
func (s *Service) announcePause(tenantID string, p *database.PolicyState) {
	s.log.WithTenant(tenantID).Warn("policy paused", "reason", p.PauseReason, "month", p.Month)
	s.bus.Publish(events.Event{
		Type:     events.PolicyPaused,
		TenantID: tenantID,
		Payload: map[string]interface{}{
			"month":  p.Month,
			"reason": p.PauseReason,
		},
	})
}

// Pause manually pauses the tenant.
func (s *Service) Pause(ctx context.Context, tenantID, reason string) (*database.PolicyState, error) {
	state, err := s.transition(ctx, tenantID, database.PolicyPaused, reason,
		database.PolicyActive)
	if err != nil {
		return nil, err
	}
	s.announcePause(tenantID, state)
	return state, nil
}

// Resume reactivates a paused tenant. A new month's record starts ACTIVE
// anyway; this clears a mid-month pause.
func (s *Service) Resume(ctx context.Context, tenantID string) (*database.PolicyState, error) {
	state, err := s.transition(ctx, tenantID, database.PolicyActive, "",
		database.PolicyPaused, database.PolicySuspended)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(events.Event{
		Type:     events.PolicyResumed,
		TenantID: tenantID,
		Payload:  map[string]interface{}{"month": state.Month},
	})
	return state, nil
}

// Suspend is the admin hard stop.
func (s *Service) Suspend(ctx context.Context, tenantID, reason string) (*database.PolicyState, error) {
	state, err := s.transition(ctx, tenantID, database.PolicySuspended, reason,
		database.PolicyActive, database.PolicyPaused)
	if err != nil {
		return nil, err
	}
	s.log.WithTenant(tenantID).Warn("policy suspended", "reason", reason)
	return state, nil
}

func (s *Service) transition(ctx context.Context, tenantID string, to database.PolicyStatus, reason string, from ...database.PolicyStatus) (*database.PolicyState, error) {
	return s.store.MutatePolicyState(ctx, tenantID, s.month(), func(p *database.PolicyState) error {
		allowed := false
		for _, f := range from {
			if p.Status == f {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, to)
		}
		p.Status = to
		switch to {
		case database.PolicyPaused, database.PolicySuspended:
			now := s.clk.Now()
			p.PausedAt = &now
			p.PauseReason = reason
		case database.PolicyActive:
			p.PausedAt = nil
			p.PauseReason = ""
		}
		return nil
	})
}

// ResetDailyCounter zeroes trades_today at the day boundary.
func (s *Service) ResetDailyCounter(ctx context.Context, tenantID string) error {
	_, err := s.store.MutatePolicyState(ctx, tenantID, s.month(), func(p *database.PolicyState) error {
		p.TradesToday = 0
		return nil
	})
	return err
}
