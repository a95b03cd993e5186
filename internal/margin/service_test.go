package margin

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"risk-trader/internal/audit"
	"risk-trader/internal/database"
	"risk-trader/internal/events"
	"risk-trader/internal/exchange"
	"risk-trader/internal/execution"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type fakeStore struct {
	positions map[int64]*database.MarginPosition
	nextID    int64
	audits    []*database.AuditTransaction
}

func newFakeStore() *fakeStore {
	return &fakeStore{positions: map[int64]*database.MarginPosition{}}
}

func (s *fakeStore) CreateMarginPosition(_ context.Context, p *database.MarginPosition) error {
	s.nextID++
	p.ID = s.nextID
	s.positions[p.ID] = p
	return nil
}

func (s *fakeStore) GetMarginPosition(_ context.Context, tenantID string, id int64) (*database.MarginPosition, error) {
	p, ok := s.positions[id]
	if !ok || p.TenantID != tenantID {
		return nil, database.ErrNotFound
	}
	return p, nil
}

func (s *fakeStore) ListOpenMarginPositions(_ context.Context, tenantID string) ([]*database.MarginPosition, error) {
	var out []*database.MarginPosition
	for _, p := range s.positions {
		if p.TenantID == tenantID && p.IsOpen() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateMarginPositionMark(_ context.Context, tenantID string, id int64, currentPrice, marginLevel decimal.Decimal) error {
	p, ok := s.positions[id]
	if !ok || p.TenantID != tenantID {
		return database.ErrNotFound
	}
	p.CurrentPrice = currentPrice
	p.MarginLevel = marginLevel
	return nil
}

func (s *fakeStore) CloseMarginPosition(_ context.Context, tenantID string, id int64) error {
	p, ok := s.positions[id]
	if !ok || p.TenantID != tenantID {
		return database.ErrNotFound
	}
	p.Status = database.MarginClosed
	return nil
}

func (s *fakeStore) InsertAuditTransaction(_ context.Context, t *database.AuditTransaction) error {
	s.audits = append(s.audits, t)
	return nil
}

type fakePorts struct {
	port exchange.Port
}

func (p *fakePorts) PortFor(context.Context, string) (exchange.Port, error) {
	return p.port, nil
}

func openRequest() *OpenRequest {
	return &OpenRequest{
		Symbol:     "BTCUSDC",
		QuoteAsset: "USDC",
		Strategy:   "swing",
		Side:       "BUY",
		Leverage:   3,
		Capital:    dec("1000"),
		EntryPrice: dec("50000"),
		StopPrice:  dec("49000"),
	}
}

func newTestService(store *fakeStore, mock *exchange.MockClient) *Service {
	return NewService(store, &fakePorts{port: mock}, audit.NewRecorder(store), events.NewBus())
}

func TestOpenLeveragedPosition(t *testing.T) {
	store := newFakeStore()
	mock := exchange.NewMockClient()
	mock.SetPrice("BTCUSDC", dec("50000"))
	mock.Margin["BTCUSDC"] = &exchange.MarginAccount{MarginLevel: dec("3.0")}
	svc := newTestService(store, mock)

	result, err := svc.Open(context.Background(), "tenant-a", openRequest())
	require.NoError(t, err)
	require.False(t, result.StopFailed)

	p := result.Position
	assert.Equal(t, database.MarginOpen, p.Status)
	assert.Equal(t, 3, p.Leverage)
	// Base quantity 0.01 at 3x.
	assert.True(t, p.Quantity.Equal(dec("0.03")), "quantity = %s", p.Quantity)
	// Notional 1500 against 1000 of own capital.
	assert.True(t, p.Borrowed.Equal(dec("500")), "borrowed = %s", p.Borrowed)
	assert.True(t, p.MarginLevel.Equal(dec("3.0")))

	require.Len(t, mock.Transfers, 1, "capital moves into the isolated account")
	assert.NotZero(t, p.ID, "position persisted")
}

func TestOpenRejectsBadLeverage(t *testing.T) {
	svc := newTestService(newFakeStore(), exchange.NewMockClient())

	for _, lev := range []int{0, -1, 11} {
		req := openRequest()
		req.Leverage = lev
		_, err := svc.Open(context.Background(), "tenant-a", req)
		assert.ErrorIs(t, err, ErrBadLeverage, "leverage %d", lev)
	}
}

func TestOpenRequiresStop(t *testing.T) {
	svc := newTestService(newFakeStore(), exchange.NewMockClient())

	req := openRequest()
	req.StopPrice = decimal.Zero
	_, err := svc.Open(context.Background(), "tenant-a", req)
	assert.Error(t, err)
}

func TestOpenFailedOrderSweepsCapitalBack(t *testing.T) {
	store := newFakeStore()
	mock := exchange.NewMockClient()
	mock.SetPrice("BTCUSDC", dec("50000"))
	mock.FailNext("place_margin_market", &exchange.Error{
		Kind: exchange.KindInsufficientFunds, Op: "place_margin_market", Message: "insufficient balance",
	})
	svc := newTestService(store, mock)

	_, err := svc.Open(context.Background(), "tenant-a", openRequest())
	require.Error(t, err)

	require.Len(t, mock.Transfers, 2, "the transferred capital is swept back")
	assert.Contains(t, mock.Transfers[1], string(exchange.TransferFromMargin))
	assert.Empty(t, store.positions, "no position persists for a failed open")
}

func TestOpenStopFailureRaisesAlert(t *testing.T) {
	store := newFakeStore()
	mock := exchange.NewMockClient()
	mock.SetPrice("BTCUSDC", dec("50000"))
	mock.FailNext("place_stop_loss", &exchange.Error{
		Kind: exchange.KindExchange, Op: "place_stop_loss", Message: "filter failure",
	})
	svc := newTestService(store, mock)

	result, err := svc.Open(context.Background(), "tenant-a", openRequest())
	require.NoError(t, err, "the filled position stands")

	assert.True(t, result.StopFailed)
	assert.Equal(t, execution.ManualStopWarning, result.StopWarning)
	assert.Len(t, store.positions, 1, "position persists without its stop")
}

func TestCloseRepaysAndSweeps(t *testing.T) {
	store := newFakeStore()
	mock := exchange.NewMockClient()
	mock.SetPrice("BTCUSDC", dec("51000"))
	mock.Margin["BTCUSDC"] = &exchange.MarginAccount{
		MarginLevel: dec("3.0"),
		Quote: exchange.MarginAsset{
			Asset:    "USDC",
			Free:     dec("1100"),
			Borrowed: dec("20"),
			Interest: dec("0.5"),
		},
	}
	store.positions[1] = &database.MarginPosition{
		ID:         1,
		TenantID:   "tenant-a",
		Symbol:     "BTCUSDC",
		Side:       "BUY",
		Status:     database.MarginOpen,
		Leverage:   3,
		EntryPrice: dec("50000"),
		Quantity:   dec("0.03"),
		StopPrice:  dec("49000"),
	}
	store.nextID = 1
	svc := newTestService(store, mock)

	p, err := svc.Close(context.Background(), "tenant-a", 1, "USDC")
	require.NoError(t, err)

	assert.Equal(t, database.MarginClosed, p.Status)
	require.Len(t, mock.Repaid, 1, "outstanding interest is repaid explicitly")
	assert.Equal(t, "USDC:20.5", mock.Repaid[0])
	require.Len(t, mock.Transfers, 1, "free quote sweeps back to spot")
	assert.Contains(t, mock.Transfers[0], string(exchange.TransferFromMargin))
}

func TestCloseIsIdempotent(t *testing.T) {
	store := newFakeStore()
	mock := exchange.NewMockClient()
	store.positions[1] = &database.MarginPosition{
		ID: 1, TenantID: "tenant-a", Symbol: "BTCUSDC", Side: "BUY",
		Status: database.MarginClosed,
	}
	svc := newTestService(store, mock)

	p, err := svc.Close(context.Background(), "tenant-a", 1, "USDC")
	require.NoError(t, err)
	assert.Equal(t, database.MarginClosed, p.Status)
	assert.Empty(t, mock.Orders, "a closed position places no orders")
}

func TestMonitorSweepDefensiveClose(t *testing.T) {
	store := newFakeStore()
	mock := exchange.NewMockClient()
	mock.SetPrice("BTCUSDC", dec("48000"))
	mock.Margin["BTCUSDC"] = &exchange.MarginAccount{MarginLevel: dec("1.2")}
	store.positions[1] = &database.MarginPosition{
		ID: 1, TenantID: "tenant-a", Symbol: "BTCUSDC", Side: "BUY",
		Status: database.MarginOpen, Leverage: 3,
		EntryPrice: dec("50000"), Quantity: dec("0.03"), StopPrice: dec("49000"),
	}
	store.nextID = 1

	bus := events.NewBus()
	svc := NewService(store, &fakePorts{port: mock}, audit.NewRecorder(store), bus)
	var defensive int
	bus.Subscribe(events.MarginDefensive, func(events.Event) { defensive++ })

	require.NoError(t, svc.MonitorSweep(context.Background(), "tenant-a", "USDC"))

	assert.Equal(t, 1, defensive)
	assert.Equal(t, database.MarginClosed, store.positions[1].Status, "1.2 is under the defensive 1.3")
}

func TestMonitorSweepWarningOnly(t *testing.T) {
	store := newFakeStore()
	mock := exchange.NewMockClient()
	mock.SetPrice("BTCUSDC", dec("49500"))
	mock.Margin["BTCUSDC"] = &exchange.MarginAccount{MarginLevel: dec("1.8")}
	store.positions[1] = &database.MarginPosition{
		ID: 1, TenantID: "tenant-a", Symbol: "BTCUSDC", Side: "BUY",
		Status: database.MarginOpen, Leverage: 3,
		EntryPrice: dec("50000"), Quantity: dec("0.03"), StopPrice: dec("49000"),
	}
	store.nextID = 1

	bus := events.NewBus()
	svc := NewService(store, &fakePorts{port: mock}, audit.NewRecorder(store), bus)
	var warnings, defensive int
	bus.Subscribe(events.MarginWarning, func(events.Event) { warnings++ })
	bus.Subscribe(events.MarginDefensive, func(events.Event) { defensive++ })

	require.NoError(t, svc.MonitorSweep(context.Background(), "tenant-a", "USDC"))

	assert.Equal(t, 1, warnings)
	assert.Equal(t, 0, defensive)
	assert.Equal(t, database.MarginOpen, store.positions[1].Status)
	assert.True(t, store.positions[1].MarginLevel.Equal(dec("1.8")), "mark persisted")
}
