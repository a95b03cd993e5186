package policy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"risk-trader/internal/clock"
	"risk-trader/internal/database"
	"risk-trader/internal/events"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type fakeStore struct {
	mu     sync.Mutex
	states map[string]*database.PolicyState
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: map[string]*database.PolicyState{}}
}

func key(tenantID, month string) string { return tenantID + ":" + month }

func (s *fakeStore) GetPolicyState(_ context.Context, tenantID, month string) (*database.PolicyState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.states[key(tenantID, month)]
	if !ok {
		return nil, database.ErrNotFound
	}
	return p, nil
}

func (s *fakeStore) GetOrCreatePolicyState(_ context.Context, tenantID, month string, startingCapital decimal.Decimal) (*database.PolicyState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(tenantID, month)
	if p, ok := s.states[k]; ok {
		return p, nil
	}
	p := &database.PolicyState{
		TenantID:           tenantID,
		Month:              month,
		Status:             database.PolicyActive,
		StartingCapital:    startingCapital,
		CurrentCapital:     startingCapital,
		MaxDrawdownPercent: dec("4"),
	}
	s.states[k] = p
	return p, nil
}

func (s *fakeStore) MutatePolicyState(_ context.Context, tenantID, month string, fn func(p *database.PolicyState) error) (*database.PolicyState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.states[key(tenantID, month)]
	if !ok {
		return nil, database.ErrNotFound
	}
	if err := fn(p); err != nil {
		return nil, err
	}
	return p, nil
}

func newTestService(store *fakeStore) (*Service, *events.Bus) {
	bus := events.NewBus()
	clk := clock.NewFixed(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	return NewService(store, clk, bus), bus
}

func seed(t *testing.T, svc *Service, capital string) *database.PolicyState {
	t.Helper()
	state, err := svc.Current(context.Background(), "tenant-a", dec(capital))
	require.NoError(t, err)
	return state
}

func TestCurrentCreatesActiveState(t *testing.T) {
	svc, _ := newTestService(newFakeStore())

	state := seed(t, svc, "10000")
	assert.Equal(t, database.PolicyActive, state.Status)
	assert.Equal(t, "2026-03", state.Month)
	assert.True(t, state.StartingCapital.Equal(dec("10000")))
}

func TestRecordTradeBooksCounters(t *testing.T) {
	svc, _ := newTestService(newFakeStore())
	seed(t, svc, "10000")

	state, err := svc.RecordTrade(context.Background(), "tenant-a", dec("120"), true)
	require.NoError(t, err)

	assert.Equal(t, 1, state.TotalTrades)
	assert.Equal(t, 1, state.WinTrades)
	assert.Equal(t, 0, state.LossTrades)
	assert.True(t, state.RealizedPnL.Equal(dec("120")))
	assert.True(t, state.CurrentCapital.Equal(dec("10120")))
	assert.Equal(t, database.PolicyActive, state.Status)
}

func TestDrawdownBreachPausesAtomically(t *testing.T) {
	// Three losers totalling -500 on 10000 starting capital cross the 4%
	// limit on the last one.
	svc, bus := newTestService(newFakeStore())
	seed(t, svc, "10000")
	ctx := context.Background()

	var pauses []events.Event
	bus.Subscribe(events.PolicyPaused, func(e events.Event) { pauses = append(pauses, e) })

	state, err := svc.RecordTrade(ctx, "tenant-a", dec("-250"), false)
	require.NoError(t, err)
	assert.Equal(t, database.PolicyActive, state.Status, "2.5% is under the limit")

	state, err = svc.RecordTrade(ctx, "tenant-a", dec("-100"), false)
	require.NoError(t, err)
	assert.Equal(t, database.PolicyActive, state.Status, "3.5% is under the limit")

	state, err = svc.RecordTrade(ctx, "tenant-a", dec("-150"), false)
	require.NoError(t, err)
	assert.Equal(t, database.PolicyPaused, state.Status)
	assert.NotNil(t, state.PausedAt)
	assert.Contains(t, state.PauseReason, "5.00%")
	assert.Equal(t, 3, state.LossTrades)

	require.Len(t, pauses, 1, "exactly one pause event for the breaching trade")
	assert.Equal(t, "tenant-a", pauses[0].TenantID)
}

func TestDrawdownExactlyAtLimitPauses(t *testing.T) {
	svc, _ := newTestService(newFakeStore())
	seed(t, svc, "10000")

	state, err := svc.RecordTrade(context.Background(), "tenant-a", dec("-400"), false)
	require.NoError(t, err)
	assert.Equal(t, database.PolicyPaused, state.Status, "the limit itself is a breach")
	assert.Contains(t, state.PauseReason, "4.00%")
}

func TestUnrealizedLossPausesToo(t *testing.T) {
	svc, _ := newTestService(newFakeStore())
	seed(t, svc, "10000")
	ctx := context.Background()

	_, err := svc.RecordTrade(ctx, "tenant-a", dec("-200"), false)
	require.NoError(t, err)

	state, err := svc.UpdateUnrealizedPnL(ctx, "tenant-a", dec("-250"))
	require.NoError(t, err)
	assert.Equal(t, database.PolicyPaused, state.Status, "realized -200 plus unrealized -250 is 4.5%")
}

func TestBreachDoesNotRefirePaused(t *testing.T) {
	svc, bus := newTestService(newFakeStore())
	seed(t, svc, "10000")
	ctx := context.Background()

	var pauses int
	bus.Subscribe(events.PolicyPaused, func(events.Event) { pauses++ })

	_, err := svc.RecordTrade(ctx, "tenant-a", dec("-500"), false)
	require.NoError(t, err)
	_, err = svc.RecordTrade(ctx, "tenant-a", dec("-100"), false)
	require.NoError(t, err)

	assert.Equal(t, 1, pauses, "an already-paused policy must not announce again")
}

func TestProfitableMonthNeverPauses(t *testing.T) {
	svc, _ := newTestService(newFakeStore())
	seed(t, svc, "10000")

	state, err := svc.RecordTrade(context.Background(), "tenant-a", dec("800"), true)
	require.NoError(t, err)
	assert.Equal(t, database.PolicyActive, state.Status)
}

func TestManualPauseAndResume(t *testing.T) {
	svc, _ := newTestService(newFakeStore())
	seed(t, svc, "10000")
	ctx := context.Background()

	state, err := svc.Pause(ctx, "tenant-a", "maintenance window")
	require.NoError(t, err)
	assert.Equal(t, database.PolicyPaused, state.Status)
	assert.Equal(t, "maintenance window", state.PauseReason)

	state, err = svc.Resume(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, database.PolicyActive, state.Status)
	assert.Nil(t, state.PausedAt)
	assert.Empty(t, state.PauseReason)
}

func TestPauseActiveOnly(t *testing.T) {
	svc, _ := newTestService(newFakeStore())
	seed(t, svc, "10000")
	ctx := context.Background()

	_, err := svc.Pause(ctx, "tenant-a", "first")
	require.NoError(t, err)

	_, err = svc.Pause(ctx, "tenant-a", "second")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestResumeActivePolicyFails(t *testing.T) {
	svc, _ := newTestService(newFakeStore())
	seed(t, svc, "10000")

	_, err := svc.Resume(context.Background(), "tenant-a")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSuspendBlocksResumeViaPausedPath(t *testing.T) {
	svc, _ := newTestService(newFakeStore())
	seed(t, svc, "10000")
	ctx := context.Background()

	state, err := svc.Suspend(ctx, "tenant-a", "compliance hold")
	require.NoError(t, err)
	assert.Equal(t, database.PolicySuspended, state.Status)

	state, err = svc.Resume(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, database.PolicyActive, state.Status, "suspended resumes through the admin path")
}

func TestResetDailyCounter(t *testing.T) {
	svc, _ := newTestService(newFakeStore())
	seed(t, svc, "10000")
	ctx := context.Background()

	_, err := svc.RecordTrade(ctx, "tenant-a", dec("50"), true)
	require.NoError(t, err)

	require.NoError(t, svc.ResetDailyCounter(ctx, "tenant-a"))
	state, err := svc.Get(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, 0, state.TradesToday)
	assert.Equal(t, 1, state.TotalTrades, "monthly counter is untouched")
}
