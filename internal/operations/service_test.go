package operations

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"risk-trader/internal/audit"
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

type fakeStore struct {
	ops     map[int64]*database.Operation
	margins []*database.MarginPosition
	audits  []*database.AuditTransaction
}

func newFakeStore(ops ...*database.Operation) *fakeStore {
	s := &fakeStore{ops: map[int64]*database.Operation{}}
	for _, op := range ops {
		s.ops[op.ID] = op
	}
	return s
}

func (s *fakeStore) GetOperation(_ context.Context, tenantID string, id int64) (*database.Operation, error) {
	op, ok := s.ops[id]
	if !ok || op.TenantID != tenantID {
		return nil, database.ErrNotFound
	}
	return op, nil
}

func (s *fakeStore) ListOperations(_ context.Context, tenantID string, status database.OperationStatus) ([]*database.Operation, error) {
	var out []*database.Operation
	for _, op := range s.ops {
		if op.TenantID == tenantID && (status == "" || op.Status == status) {
			out = append(out, op)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateOperationStatus(_ context.Context, tenantID string, id int64, status database.OperationStatus) error {
	op, ok := s.ops[id]
	if !ok || op.TenantID != tenantID {
		return database.ErrNotFound
	}
	op.Status = status
	return nil
}

func (s *fakeStore) ListOpenMarginPositions(_ context.Context, tenantID string) ([]*database.MarginPosition, error) {
	var out []*database.MarginPosition
	for _, p := range s.margins {
		if p.TenantID == tenantID && p.IsOpen() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeStore) InsertAuditTransaction(_ context.Context, t *database.AuditTransaction) error {
	s.audits = append(s.audits, t)
	return nil
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

func activeOperation() *database.Operation {
	return &database.Operation{
		ID:         1,
		TenantID:   "tenant-a",
		Symbol:     "BTCUSDC",
		Strategy:   "breakout",
		Side:       "BUY",
		Status:     database.OperationActive,
		EntryPrice: dec("50000"),
		StopPrice:  dec("49000"),
		Quantity:   dec("0.01"),
	}
}

func newTestService(store *fakeStore, port exchange.Port) *Service {
	ports := &fakePorts{port: port}
	if port == nil {
		ports = &fakePorts{err: errors.New("no exchange in this test")}
	}
	return NewService(store, ports, audit.NewRecorder(store), events.NewBus())
}

func TestCancelActiveOperation(t *testing.T) {
	store := newFakeStore(activeOperation())
	svc := newTestService(store, nil)

	result, err := svc.Cancel(context.Background(), "tenant-a", 1)
	require.NoError(t, err)
	assert.False(t, result.NoOp)
	assert.Equal(t, database.OperationCancelled, result.Operation.Status)
	assert.Len(t, store.audits, 1)
}

func TestCancelIsIdempotent(t *testing.T) {
	store := newFakeStore(activeOperation())
	svc := newTestService(store, nil)
	ctx := context.Background()

	_, err := svc.Cancel(ctx, "tenant-a", 1)
	require.NoError(t, err)

	replay, err := svc.Cancel(ctx, "tenant-a", 1)
	require.NoError(t, err)
	assert.True(t, replay.NoOp)
	assert.Len(t, store.audits, 1, "the replay must not audit a second cancel")
}

func TestCancelClosedOperationConflicts(t *testing.T) {
	op := activeOperation()
	op.Status = database.OperationClosed
	svc := newTestService(newFakeStore(op), nil)

	_, err := svc.Cancel(context.Background(), "tenant-a", 1)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestCancelTenantMismatchNotFound(t *testing.T) {
	svc := newTestService(newFakeStore(activeOperation()), nil)

	_, err := svc.Cancel(context.Background(), "tenant-b", 1)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestCloseActiveOperation(t *testing.T) {
	store := newFakeStore(activeOperation())
	svc := newTestService(store, nil)
	ctx := context.Background()

	op, err := svc.Close(ctx, "tenant-a", 1)
	require.NoError(t, err)
	assert.Equal(t, database.OperationClosed, op.Status)

	// Closing again is a no-op.
	again, err := svc.Close(ctx, "tenant-a", 1)
	require.NoError(t, err)
	assert.Equal(t, database.OperationClosed, again.Status)
}

func TestPortfolioJoinsSpotAndMargin(t *testing.T) {
	store := newFakeStore(activeOperation())
	store.margins = append(store.margins, &database.MarginPosition{
		ID:         7,
		TenantID:   "tenant-a",
		Symbol:     "ETHUSDC",
		Strategy:   "swing",
		Side:       "BUY",
		Status:     database.MarginOpen,
		Leverage:   3,
		EntryPrice: dec("3000"),
		Quantity:   dec("1"),
		StopPrice:  dec("2900"),
	})

	mock := exchange.NewMockClient()
	mock.SetPrice("BTCUSDC", dec("51000"))
	mock.SetPrice("ETHUSDC", dec("3100"))
	mock.Margin["ETHUSDC"] = &exchange.MarginAccount{MarginLevel: dec("5.5")}

	svc := newTestService(store, mock)
	cards, err := svc.Portfolio(context.Background(), "tenant-a")
	require.NoError(t, err)
	require.Len(t, cards, 2)

	var spot, margin *PositionCard
	for i := range cards {
		switch cards[i].Kind {
		case "spot":
			spot = &cards[i]
		case "isolated_margin":
			margin = &cards[i]
		}
	}
	require.NotNil(t, spot)
	require.NotNil(t, margin)

	assert.True(t, spot.CurrentPrice.Equal(dec("51000")))
	assert.True(t, spot.UnrealizedPnL.Equal(dec("10")), "pnl = %s", spot.UnrealizedPnL)

	assert.Equal(t, 3, margin.Leverage)
	assert.True(t, margin.UnrealizedPnL.Equal(dec("100")), "pnl = %s", margin.UnrealizedPnL)
	require.NotNil(t, margin.MarginLevel)
	assert.True(t, margin.MarginLevel.Equal(dec("5.5")))
}

func TestPortfolioDegradesOnPriceFailure(t *testing.T) {
	store := newFakeStore(activeOperation())
	mock := exchange.NewMockClient() // no prices set

	svc := newTestService(store, mock)
	cards, err := svc.Portfolio(context.Background(), "tenant-a")
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.True(t, cards[0].CurrentPrice.IsZero(), "unpriceable card stays unmarked")
}
