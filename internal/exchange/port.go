// Package exchange defines the capability contract over the spot and
// isolated-margin exchange, plus the Binance-backed implementation, an
// in-memory mock and the short-TTL market data cache.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"
)

// Side is an order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// AccountType selects which balance pool an operation draws from.
type AccountType string

const (
	AccountSpot           AccountType = "spot"
	AccountIsolatedMargin AccountType = "isolated_margin"
)

// TransferDirection moves funds between the spot wallet and an isolated
// margin account.
type TransferDirection string

const (
	TransferToMargin   TransferDirection = "SPOT_TO_MARGIN"
	TransferFromMargin TransferDirection = "MARGIN_TO_SPOT"
)

// SideEffect controls borrow/repay behavior on isolated-margin orders.
type SideEffect string

const (
	SideEffectNone      SideEffect = "NO_SIDE_EFFECT"
	SideEffectMarginBuy SideEffect = "MARGIN_BUY"
	SideEffectAutoRepay SideEffect = "AUTO_REPAY"
)

// Kline is one OHLCV candle. Values stay decimal end to end.
type Kline struct {
	OpenTime  int64           `json:"open_time"`
	CloseTime int64           `json:"close_time"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Order is the normalized response from placing or querying an order.
type Order struct {
	OrderID       int64           `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Type          string          `json:"type"`
	Price         decimal.Decimal `json:"price"`
	StopPrice     decimal.Decimal `json:"stop_price"`
	Quantity      decimal.Decimal `json:"quantity"`
	ExecutedQty   decimal.Decimal `json:"executed_qty"`
	QuoteQty      decimal.Decimal `json:"quote_qty"`
	Status        string          `json:"status"`
	TransactTime  int64           `json:"transact_time"`
}

// AvgFillPrice returns the volume-weighted fill price, or zero before fills.
func (o *Order) AvgFillPrice() decimal.Decimal {
	if o.ExecutedQty.IsZero() {
		return decimal.Zero
	}
	return o.QuoteQty.Div(o.ExecutedQty)
}

// MarginAsset is one side of an isolated margin account.
type MarginAsset struct {
	Asset    string          `json:"asset"`
	Free     decimal.Decimal `json:"free"`
	Borrowed decimal.Decimal `json:"borrowed"`
	Interest decimal.Decimal `json:"interest"`
	NetAsset decimal.Decimal `json:"net_asset"`
}

// MarginAccount is the isolated margin account state for one symbol.
type MarginAccount struct {
	Symbol      string          `json:"symbol"`
	Base        MarginAsset     `json:"base"`
	Quote       MarginAsset     `json:"quote"`
	MarginLevel decimal.Decimal `json:"margin_level"`
}

// Port is the capability interface the trading core sees. Two concrete
// implementations exist: the Binance REST client (testnet or production,
// chosen per tenant) and the in-memory mock used by tests and dry runs.
type Port interface {
	BestBid(ctx context.Context, symbol string) (decimal.Decimal, error)
	BestAsk(ctx context.Context, symbol string) (decimal.Decimal, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)

	// AvailableQuoteBalance returns the free quote-asset balance for the
	// given account type. For isolated margin the symbol selects the pair.
	AvailableQuoteBalance(ctx context.Context, quoteAsset string, accountType AccountType, symbol string) (decimal.Decimal, error)

	PlaceMarket(ctx context.Context, symbol string, side Side, qty decimal.Decimal) (*Order, error)
	PlaceLimit(ctx context.Context, symbol string, side Side, qty, price decimal.Decimal) (*Order, error)
	PlaceStopLoss(ctx context.Context, symbol string, side Side, qty, stopPrice decimal.Decimal) (*Order, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error

	Transfer(ctx context.Context, direction TransferDirection, asset string, amount decimal.Decimal, symbol string) error
	PlaceMarginMarket(ctx context.Context, symbol string, side Side, qty decimal.Decimal, sideEffect SideEffect) (*Order, error)
	Repay(ctx context.Context, asset string, amount decimal.Decimal, symbol string) error
	MarginAccount(ctx context.Context, symbol string) (*MarginAccount, error)
	MarginLevel(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Ensure the concrete clients satisfy the contract.
var _ Port = (*Client)(nil)
var _ Port = (*MockClient)(nil)
