package trailing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"risk-trader/internal/audit"
	"risk-trader/internal/clock"
	"risk-trader/internal/database"
	"risk-trader/internal/events"
	"risk-trader/internal/exchange"
)

type fakeStore struct {
	ops         map[int64]*database.Operation
	tokens      map[string]bool
	adjustments []*database.StopAdjustment
	audits      []*database.AuditTransaction
}

func newFakeStore(ops ...*database.Operation) *fakeStore {
	s := &fakeStore{ops: map[int64]*database.Operation{}, tokens: map[string]bool{}}
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
		if op.TenantID == tenantID && op.Status == status {
			out = append(out, op)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateOperationStopForUpdate(ctx context.Context, tenantID string, id int64, fn func(o *database.Operation) (decimal.Decimal, error)) error {
	op, err := s.GetOperation(ctx, tenantID, id)
	if err != nil {
		return err
	}
	newStop, err := fn(op)
	if err != nil {
		return err
	}
	op.StopPrice = newStop
	return nil
}

func (s *fakeStore) AdjustmentTokenExists(_ context.Context, token string) (bool, error) {
	return s.tokens[token], nil
}

func (s *fakeStore) InsertStopAdjustment(_ context.Context, a *database.StopAdjustment) (bool, error) {
	if s.tokens[a.AdjustmentToken] {
		return false, nil
	}
	s.tokens[a.AdjustmentToken] = true
	s.adjustments = append(s.adjustments, a)
	return true, nil
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
	initial := dec("49000")
	return &database.Operation{
		ID:          42,
		TenantID:    "tenant-a",
		Symbol:      "BTCUSDC",
		Side:        "BUY",
		Status:      database.OperationActive,
		EntryPrice:  dec("50000"),
		StopPrice:   dec("49000"),
		InitialStop: &initial,
		Quantity:    dec("0.01"),
	}
}

func newTestService(store *fakeStore, ports Ports) *Service {
	clk := clock.NewFixed(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	if ports == nil {
		ports = &fakePorts{err: errors.New("no exchange in this test")}
	}
	return NewService(store, ports, audit.NewRecorder(store), clk, events.NewBus())
}

func TestAdjustBreakEven(t *testing.T) {
	store := newFakeStore(activeOperation())
	svc := newTestService(store, nil)

	out, err := svc.Adjust(context.Background(), "tenant-a", 42, dec("51000"), "tick-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Decision.Reason != ReasonBreakEven {
		t.Fatalf("reason = %s, want BREAK_EVEN", out.Decision.Reason)
	}
	if !store.ops[42].StopPrice.Equal(dec("50075")) {
		t.Errorf("persisted stop = %s, want 50075", store.ops[42].StopPrice)
	}
	if len(store.adjustments) != 1 {
		t.Fatalf("adjustment rows = %d, want 1", len(store.adjustments))
	}
	if store.adjustments[0].AdjustmentToken != "tick-1" {
		t.Errorf("token = %s, want tick-1", store.adjustments[0].AdjustmentToken)
	}
}

func TestAdjustReplayedTokenIsNoOp(t *testing.T) {
	store := newFakeStore(activeOperation())
	svc := newTestService(store, nil)
	ctx := context.Background()

	first, err := svc.Adjust(ctx, "tenant-a", 42, dec("51000"), "tick-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Duplicate {
		t.Fatal("first adjustment must not be a duplicate")
	}

	second, err := svc.Adjust(ctx, "tenant-a", 42, dec("51000"), "tick-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second.Duplicate {
		t.Fatal("replayed token must be reported as duplicate")
	}
	if !store.ops[42].StopPrice.Equal(dec("50075")) {
		t.Errorf("stop moved on replay: %s", store.ops[42].StopPrice)
	}
	if len(store.adjustments) != 1 {
		t.Errorf("replay wrote %d rows, want 1", len(store.adjustments))
	}
}

func TestAdjustNoAdjustmentStillConsumesToken(t *testing.T) {
	store := newFakeStore(activeOperation())
	svc := newTestService(store, nil)
	ctx := context.Background()

	out, err := svc.Adjust(ctx, "tenant-a", 42, dec("50400"), "tick-quiet")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Decision.Adjusted() {
		t.Fatal("half a span must not adjust")
	}

	again, err := svc.Adjust(ctx, "tenant-a", 42, dec("50400"), "tick-quiet")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !again.Duplicate {
		t.Error("token from a no-op must still be consumed")
	}
}

func TestAdjustStopNeverLoosens(t *testing.T) {
	store := newFakeStore(activeOperation())
	svc := newTestService(store, nil)
	ctx := context.Background()

	if _, err := svc.Adjust(ctx, "tenant-a", 42, dec("53000"), "tick-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !store.ops[42].StopPrice.Equal(dec("52000")) {
		t.Fatalf("stop = %s, want 52000", store.ops[42].StopPrice)
	}

	// Price retreats a whole ladder step; the stop holds.
	out, err := svc.Adjust(ctx, "tenant-a", 42, dec("51200"), "tick-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Decision.Adjusted() {
		t.Error("retreating price must not move the stop")
	}
	if !store.ops[42].StopPrice.Equal(dec("52000")) {
		t.Errorf("stop loosened to %s", store.ops[42].StopPrice)
	}
}

func TestAdjustRejectsInactiveOperation(t *testing.T) {
	op := activeOperation()
	op.Status = database.OperationClosed
	svc := newTestService(newFakeStore(op), nil)

	if _, err := svc.Adjust(context.Background(), "tenant-a", 42, dec("51000"), "t"); err == nil {
		t.Fatal("closed operation must not be adjustable")
	}
}

func TestAdjustTenantMismatchNotFound(t *testing.T) {
	svc := newTestService(newFakeStore(activeOperation()), nil)

	_, err := svc.Adjust(context.Background(), "tenant-b", 42, dec("51000"), "t")
	if !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound for foreign tenant", err)
	}
}

func TestAdjustAllSweepsActivePositions(t *testing.T) {
	opA := activeOperation()
	opB := activeOperation()
	opB.ID = 43
	store := newFakeStore(opA, opB)

	mock := exchange.NewMockClient()
	mock.SetPrice("BTCUSDC", dec("52000"))
	svc := newTestService(store, &fakePorts{port: mock})

	result, err := svc.AdjustAll(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Adjusted != 2 {
		t.Errorf("adjusted = %d, want 2", result.Adjusted)
	}
	if result.Failed != 0 {
		t.Errorf("failed = %d, want 0: %v", result.Failed, result.Errors)
	}
}
