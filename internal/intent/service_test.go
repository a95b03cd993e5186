package intent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"risk-trader/internal/autoparams"
	"risk-trader/internal/clock"
	"risk-trader/internal/database"
	"risk-trader/internal/events"
	"risk-trader/internal/exchange"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

type fakeStore struct {
	symbols    map[string]*database.Symbol
	strategies map[string]*database.Strategy
	intents    map[string]*database.TradingIntent
	triggers   map[string]*database.PatternTrigger
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		symbols: map[string]*database.Symbol{
			"BTCUSDC": {TenantID: "tenant-a", Name: "BTCUSDC", BaseAsset: "BTC", QuoteAsset: "USDC"},
		},
		strategies: map[string]*database.Strategy{
			"breakout": {TenantID: "tenant-a", Name: "breakout", Config: map[string]interface{}{
				"capital_mode":  "fixed",
				"capital_fixed": 1000.0,
			}},
		},
		intents:  map[string]*database.TradingIntent{},
		triggers: map[string]*database.PatternTrigger{},
	}
}

func (s *fakeStore) GetSymbol(_ context.Context, tenantID, name string) (*database.Symbol, error) {
	sym, ok := s.symbols[name]
	if !ok || sym.TenantID != tenantID {
		return nil, database.ErrNotFound
	}
	return sym, nil
}

func (s *fakeStore) GetStrategy(_ context.Context, tenantID, name string) (*database.Strategy, error) {
	st, ok := s.strategies[name]
	if !ok || st.TenantID != tenantID {
		return nil, database.ErrNotFound
	}
	return st, nil
}

func (s *fakeStore) CreateIntent(_ context.Context, i *database.TradingIntent) error {
	s.intents[i.IntentID] = i
	return nil
}

func (s *fakeStore) GetIntent(_ context.Context, tenantID, intentID string) (*database.TradingIntent, error) {
	i, ok := s.intents[intentID]
	if !ok || i.TenantID != tenantID {
		return nil, database.ErrNotFound
	}
	return i, nil
}

func (s *fakeStore) ListIntents(_ context.Context, tenantID string, f database.IntentFilter) ([]*database.TradingIntent, error) {
	var out []*database.TradingIntent
	for _, i := range s.intents {
		if i.TenantID == tenantID {
			out = append(out, i)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateIntentStatus(_ context.Context, i *database.TradingIntent) error {
	s.intents[i.IntentID] = i
	return nil
}

func (s *fakeStore) CreatePatternTrigger(_ context.Context, t *database.PatternTrigger) error {
	key := t.TenantID + ":" + t.PatternEventID
	if _, ok := s.triggers[key]; ok {
		return database.ErrDuplicateTrigger
	}
	s.triggers[key] = t
	return nil
}

func (s *fakeStore) GetPatternTrigger(_ context.Context, tenantID, patternEventID string) (*database.PatternTrigger, error) {
	t, ok := s.triggers[tenantID+":"+patternEventID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return t, nil
}

type fakePorts struct {
	port exchange.Port
	err  error
}

func (p *fakePorts) PortFor(context.Context, string) (exchange.Port, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.port, nil
}

func newTestService(store *fakeStore, port exchange.Port) *Service {
	ports := &fakePorts{port: port}
	if port == nil {
		ports = &fakePorts{err: errors.New("no exchange in this test")}
	}
	clk := clock.NewFixed(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewService(store, ports, autoparams.NewPipeline(), clk, events.NewBus())
}

func manualRequest() *CreateRequest {
	return &CreateRequest{
		Symbol:     "BTCUSDC",
		Strategy:   "breakout",
		Side:       "BUY",
		EntryPrice: decPtr("50000"),
		StopPrice:  decPtr("49000"),
		Capital:    decPtr("1000"),
	}
}

func TestCreateManualIntent(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil)

	i, err := svc.Create(context.Background(), "tenant-a", manualRequest())
	require.NoError(t, err)

	assert.Equal(t, database.IntentPending, i.Status)
	assert.NotEmpty(t, i.IntentID)
	assert.True(t, i.Quantity.Equal(dec("0.01")), "quantity = %s", i.Quantity)
	assert.True(t, i.RiskAmount.Equal(dec("10")), "risk amount = %s", i.RiskAmount)
	assert.Contains(t, store.intents, i.IntentID)
}

func TestCreatePartialManualPayload(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil)

	req := manualRequest()
	req.StopPrice = nil
	req.Capital = nil

	_, err := svc.Create(context.Background(), "tenant-a", req)
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, []string{"stop_price", "capital"}, reqErr.MissingFields)
	assert.Empty(t, store.intents, "nothing may persist on a rejected payload")
}

func TestCreateAutoModeRejectsManualFields(t *testing.T) {
	svc := newTestService(newFakeStore(), nil)

	req := &CreateRequest{
		Symbol:   "BTCUSDC",
		Strategy: "breakout",
		Mode:     "auto",
		Side:     "BUY",
	}

	_, err := svc.Create(context.Background(), "tenant-a", req)
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, []string{"side"}, reqErr.FieldsNotAllowed)
}

func TestCreateRequiresSymbolAndStrategy(t *testing.T) {
	svc := newTestService(newFakeStore(), nil)

	_, err := svc.Create(context.Background(), "tenant-a", &CreateRequest{})
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.ElementsMatch(t, []string{"symbol", "strategy"}, reqErr.MissingFields)
}

func TestCreateManualWrongSideStop(t *testing.T) {
	svc := newTestService(newFakeStore(), nil)

	req := manualRequest()
	req.StopPrice = decPtr("51000") // above entry on a BUY

	_, err := svc.Create(context.Background(), "tenant-a", req)
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Contains(t, reqErr.FieldErrors, "stop_price")
}

func TestCreateUnknownSymbolIsNotFound(t *testing.T) {
	svc := newTestService(newFakeStore(), nil)

	req := manualRequest()
	req.Symbol = "DOGEUSDC"

	_, err := svc.Create(context.Background(), "tenant-a", req)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestCreateTenantIsolation(t *testing.T) {
	svc := newTestService(newFakeStore(), nil)

	_, err := svc.Create(context.Background(), "tenant-b", manualRequest())
	assert.ErrorIs(t, err, database.ErrNotFound, "foreign tenant must not see the symbol")
}

func TestCreateAutoIntent(t *testing.T) {
	store := newFakeStore()
	mock := exchange.NewMockClient()
	mock.SetPrice("BTCUSDC", dec("50000"))
	svc := newTestService(store, mock)

	req := &CreateRequest{Symbol: "BTCUSDC", Strategy: "breakout", Mode: "auto"}
	i, err := svc.Create(context.Background(), "tenant-a", req)
	require.NoError(t, err)

	// No candles in the mock: the stop falls back 2% below the 50000 ask.
	assert.Equal(t, "BUY", i.Side)
	assert.True(t, i.EntryPrice.Equal(dec("50000")), "entry = %s", i.EntryPrice)
	assert.True(t, i.StopPrice.Equal(dec("49000")), "stop = %s", i.StopPrice)
	assert.True(t, i.Quantity.Equal(dec("0.01")), "quantity = %s", i.Quantity)
	assert.Equal(t, 0.4, i.Confidence, "fallback stop carries LOW confidence")
	assert.NotEmpty(t, i.Reason, "fallback warnings land in the reason")
}

func TestPatternTriggerIdempotent(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil)
	ctx := context.Background()

	req := manualRequest()
	req.PatternEventID = "evt-123"

	first, err := svc.CreateFromPattern(ctx, "tenant-a", req)
	require.NoError(t, err)
	assert.False(t, first.AlreadyProcessed)

	second, err := svc.CreateFromPattern(ctx, "tenant-a", req)
	require.NoError(t, err)
	assert.True(t, second.AlreadyProcessed)
	assert.Equal(t, first.Intent.IntentID, second.Intent.IntentID)
	assert.Len(t, store.intents, 1, "replay must not create a second intent")
}

func TestPatternTriggerRequiresEventID(t *testing.T) {
	svc := newTestService(newFakeStore(), nil)

	_, err := svc.CreateFromPattern(context.Background(), "tenant-a", manualRequest())
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, []string{"pattern_event_id"}, reqErr.MissingFields)
}

func TestValidateTransitionsToValidated(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil)
	ctx := context.Background()

	i, err := svc.Create(ctx, "tenant-a", manualRequest())
	require.NoError(t, err)

	validated, report, err := svc.Validate(ctx, "tenant-a", i.IntentID, dec("4"))
	require.NoError(t, err)
	assert.Equal(t, database.IntentValidated, validated.Status)
	assert.True(t, report.Passed())
	assert.NotNil(t, validated.ValidatedAt)
	assert.NotEmpty(t, validated.ValidationResult)
}

func TestValidateExecutedIntentConflicts(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil)
	ctx := context.Background()

	i, err := svc.Create(ctx, "tenant-a", manualRequest())
	require.NoError(t, err)
	i.Status = database.IntentExecuted

	_, _, err = svc.Validate(ctx, "tenant-a", i.IntentID, dec("4"))
	assert.ErrorIs(t, err, ErrConflict)
}

func TestCancelPendingIntent(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil)
	ctx := context.Background()

	i, err := svc.Create(ctx, "tenant-a", manualRequest())
	require.NoError(t, err)

	cancelled, err := svc.Cancel(ctx, "tenant-a", i.IntentID)
	require.NoError(t, err)
	assert.Equal(t, database.IntentCancelled, cancelled.Status)

	// Cancelling again is a no-op, not an error.
	again, err := svc.Cancel(ctx, "tenant-a", i.IntentID)
	require.NoError(t, err)
	assert.Equal(t, database.IntentCancelled, again.Status)
}

func TestCancelExecutedIntentConflicts(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil)
	ctx := context.Background()

	i, err := svc.Create(ctx, "tenant-a", manualRequest())
	require.NoError(t, err)
	i.Status = database.IntentExecuted

	_, err = svc.Cancel(ctx, "tenant-a", i.IntentID)
	assert.ErrorIs(t, err, ErrConflict)
}
