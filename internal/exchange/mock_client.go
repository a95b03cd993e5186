package exchange

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// MockClient is the in-memory Port used by tests and local development. Every
// knob is settable; failure injection mirrors the real error taxonomy so
// callers exercise the same paths they hit in production.
type MockClient struct {
	mu sync.Mutex

	Bids     map[string]decimal.Decimal
	Asks     map[string]decimal.Decimal
	Candles  map[string][]Kline // keyed symbol:interval
	Balances map[string]decimal.Decimal
	Margin   map[string]*MarginAccount

	nextOrderID int64
	Orders      []*Order
	Transfers   []string
	Repaid      []string

	// FailOps maps an op name ("place_stop_loss", "account", ...) to the
	// error returned for it. One-shot failures pop after firing.
	FailOps     map[string]*Error
	OneShotOps  map[string]bool
	CancelCalls int
}

// NewMockClient creates an empty mock.
func NewMockClient() *MockClient {
	return &MockClient{
		Bids:        make(map[string]decimal.Decimal),
		Asks:        make(map[string]decimal.Decimal),
		Candles:     make(map[string][]Kline),
		Balances:    make(map[string]decimal.Decimal),
		Margin:      make(map[string]*MarginAccount),
		FailOps:     make(map[string]*Error),
		OneShotOps:  make(map[string]bool),
		nextOrderID: 1000,
	}
}

// SetPrice sets both bid and ask for a symbol, the ask one tick above.
func (m *MockClient) SetPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Bids[symbol] = price
	m.Asks[symbol] = price
}

// FailNext makes the next call to op return err once.
func (m *MockClient) FailNext(op string, err *Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailOps[op] = err
	m.OneShotOps[op] = true
}

// FailAlways makes every call to op return err.
func (m *MockClient) FailAlways(op string, err *Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailOps[op] = err
	m.OneShotOps[op] = false
}

func (m *MockClient) failure(op string) *Error {
	if err, ok := m.FailOps[op]; ok {
		if m.OneShotOps[op] {
			delete(m.FailOps, op)
			delete(m.OneShotOps, op)
		}
		return err
	}
	return nil
}

func (m *MockClient) BestBid(_ context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("best_bid"); err != nil {
		return decimal.Zero, err
	}
	if p, ok := m.Bids[symbol]; ok {
		return p, nil
	}
	return decimal.Zero, &Error{Kind: KindExchange, Op: "best_bid", Symbol: symbol, Message: "unknown symbol"}
}

func (m *MockClient) BestAsk(_ context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("best_ask"); err != nil {
		return decimal.Zero, err
	}
	if p, ok := m.Asks[symbol]; ok {
		return p, nil
	}
	return decimal.Zero, &Error{Kind: KindExchange, Op: "best_ask", Symbol: symbol, Message: "unknown symbol"}
}

func (m *MockClient) Klines(_ context.Context, symbol, interval string, limit int) ([]Kline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("klines"); err != nil {
		return nil, err
	}
	candles := m.Candles[symbol+":"+interval]
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	out := make([]Kline, len(candles))
	copy(out, candles)
	return out, nil
}

func (m *MockClient) AvailableQuoteBalance(_ context.Context, quoteAsset string, accountType AccountType, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("account"); err != nil {
		return decimal.Zero, err
	}
	if accountType == AccountIsolatedMargin {
		if acct, ok := m.Margin[symbol]; ok {
			return acct.Quote.Free, nil
		}
		return decimal.Zero, nil
	}
	return m.Balances[quoteAsset], nil
}

func (m *MockClient) fill(symbol string, side Side, qty, price decimal.Decimal, orderType string) *Order {
	m.nextOrderID++
	o := &Order{
		OrderID:     m.nextOrderID,
		Symbol:      symbol,
		Side:        side,
		Type:        orderType,
		Price:       price,
		Quantity:    qty,
		ExecutedQty: qty,
		QuoteQty:    qty.Mul(price),
		Status:      "FILLED",
	}
	m.Orders = append(m.Orders, o)
	return o
}

func (m *MockClient) PlaceMarket(_ context.Context, symbol string, side Side, qty decimal.Decimal) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("place_market"); err != nil {
		return nil, err
	}
	price := m.Asks[symbol]
	if side == SideSell {
		price = m.Bids[symbol]
	}
	return m.fill(symbol, side, qty, price, "MARKET"), nil
}

func (m *MockClient) PlaceLimit(_ context.Context, symbol string, side Side, qty, price decimal.Decimal) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("place_limit"); err != nil {
		return nil, err
	}
	o := m.fill(symbol, side, qty, price, "LIMIT")
	o.Status = "NEW"
	o.ExecutedQty = decimal.Zero
	o.QuoteQty = decimal.Zero
	return o, nil
}

func (m *MockClient) PlaceStopLoss(_ context.Context, symbol string, side Side, qty, stopPrice decimal.Decimal) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("place_stop_loss"); err != nil {
		return nil, err
	}
	o := m.fill(symbol, side, qty, stopPrice, "STOP_LOSS_LIMIT")
	o.Status = "NEW"
	o.StopPrice = stopPrice
	o.ExecutedQty = decimal.Zero
	o.QuoteQty = decimal.Zero
	return o, nil
}

func (m *MockClient) CancelOrder(_ context.Context, symbol string, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("cancel_order"); err != nil {
		return err
	}
	m.CancelCalls++
	return nil
}

func (m *MockClient) Transfer(_ context.Context, direction TransferDirection, asset string, amount decimal.Decimal, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("transfer"); err != nil {
		return err
	}
	m.Transfers = append(m.Transfers, string(direction)+":"+asset+":"+amount.String())
	return nil
}

func (m *MockClient) PlaceMarginMarket(_ context.Context, symbol string, side Side, qty decimal.Decimal, sideEffect SideEffect) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("place_margin_market"); err != nil {
		return nil, err
	}
	price := m.Asks[symbol]
	if side == SideSell {
		price = m.Bids[symbol]
	}
	return m.fill(symbol, side, qty, price, "MARGIN_MARKET"), nil
}

func (m *MockClient) Repay(_ context.Context, asset string, amount decimal.Decimal, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("repay"); err != nil {
		return err
	}
	m.Repaid = append(m.Repaid, asset+":"+amount.String())
	return nil
}

func (m *MockClient) MarginAccount(_ context.Context, symbol string) (*MarginAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("margin_account"); err != nil {
		return nil, err
	}
	if acct, ok := m.Margin[symbol]; ok {
		return acct, nil
	}
	return nil, &Error{Kind: KindExchange, Op: "margin_account", Symbol: symbol, Message: "isolated pair not found"}
}

func (m *MockClient) MarginLevel(ctx context.Context, symbol string) (decimal.Decimal, error) {
	acct, err := m.MarginAccount(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return acct.MarginLevel, nil
}
