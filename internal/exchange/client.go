package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// ProductionBaseURL is the live Binance spot/margin REST endpoint.
	ProductionBaseURL = "https://api.binance.com"
	// TestnetBaseURL is the spot testnet endpoint.
	TestnetBaseURL = "https://testnet.binance.vision"

	// DefaultTimeout is the per-call deadline applied when the caller's
	// context carries none.
	DefaultTimeout = 5 * time.Second
)

// Client is the Binance-backed Port implementation. It is immutable once
// constructed; switching between testnet and production means building a new
// client through the factory.
type Client struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Binance REST client against baseURL.
func NewClient(apiKey, secretKey, baseURL string) *Client {
	return &Client{
		apiKey:     apiKey,
		secretKey:  secretKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (c *Client) sign(values url.Values) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(values.Encode()))
	return hex.EncodeToString(mac.Sum(nil))
}

func withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultTimeout)
}

// do performs one REST call. Signed requests get timestamp + signature and
// the API key header.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, signed bool, op, symbol string) ([]byte, *Error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		params.Set("signature", c.sign(params))
	}

	endpoint := fmt.Sprintf("%s%s?%s", c.baseURL, path, params.Encode())
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, &Error{Kind: KindConnection, Op: op, Symbol: symbol, Message: err.Error(), Err: err}
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, wrapTransportErr(op, symbol, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapTransportErr(op, symbol, err)
	}

	if resp.StatusCode != http.StatusOK {
		var ae apiError
		if json.Unmarshal(body, &ae) == nil && ae.Code != 0 {
			return nil, classifyAPIError(op, symbol, resp.StatusCode, ae.Code, ae.Msg)
		}
		return nil, classifyAPIError(op, symbol, resp.StatusCode, 0, string(body))
	}

	return body, nil
}

type bookTicker struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	AskPrice string `json:"askPrice"`
}

func (c *Client) bookTicker(ctx context.Context, symbol string) (*bookTicker, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, xerr := c.do(ctx, http.MethodGet, "/api/v3/ticker/bookTicker", params, false, "book_ticker", symbol)
	if xerr != nil {
		return nil, xerr
	}
	var bt bookTicker
	if err := json.Unmarshal(body, &bt); err != nil {
		return nil, &Error{Kind: KindExchange, Op: "book_ticker", Symbol: symbol, Message: err.Error(), Err: err}
	}
	return &bt, nil
}

// BestBid returns the top-of-book bid.
func (c *Client) BestBid(ctx context.Context, symbol string) (decimal.Decimal, error) {
	bt, err := c.bookTicker(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(bt.BidPrice)
}

// BestAsk returns the top-of-book ask.
func (c *Client) BestAsk(ctx context.Context, symbol string) (decimal.Decimal, error) {
	bt, err := c.bookTicker(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(bt.AskPrice)
}

// Klines fetches candlestick data, oldest first.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	body, xerr := c.do(ctx, http.MethodGet, "/api/v3/klines", params, false, "klines", symbol)
	if xerr != nil {
		return nil, xerr
	}

	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &Error{Kind: KindExchange, Op: "klines", Symbol: symbol, Message: err.Error(), Err: err}
	}

	klines := make([]Kline, 0, len(raw))
	for i, row := range raw {
		k, err := parseKlineRow(row)
		if err != nil {
			return nil, &Error{
				Kind:    KindExchange,
				Op:      "klines",
				Symbol:  symbol,
				Message: fmt.Sprintf("malformed kline row %d: %v", i, err),
			}
		}
		klines = append(klines, k)
	}
	return klines, nil
}

// parseKlineRow converts one raw candle array into a Kline. Binance sends
// timestamps as JSON numbers and prices as strings; anything else is a
// malformed payload, not a value to guess at.
func parseKlineRow(row []interface{}) (Kline, error) {
	if len(row) < 7 {
		return Kline{}, fmt.Errorf("%d fields, want at least 7", len(row))
	}
	openTime, ok := row[0].(float64)
	if !ok {
		return Kline{}, fmt.Errorf("open time is %T, want number", row[0])
	}
	closeTime, ok := row[6].(float64)
	if !ok {
		return Kline{}, fmt.Errorf("close time is %T, want number", row[6])
	}
	return Kline{
		OpenTime:  int64(openTime),
		Open:      parseDecimal(row[1]),
		High:      parseDecimal(row[2]),
		Low:       parseDecimal(row[3]),
		Close:     parseDecimal(row[4]),
		Volume:    parseDecimal(row[5]),
		CloseTime: int64(closeTime),
	}, nil
}

func parseDecimal(v interface{}) decimal.Decimal {
	switch t := v.(type) {
	case string:
		d, err := decimal.NewFromString(t)
		if err == nil {
			return d
		}
	case float64:
		return decimal.NewFromFloat(t)
	}
	return decimal.Zero
}

type accountInfo struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

// AvailableQuoteBalance returns the free quote balance for the account type.
func (c *Client) AvailableQuoteBalance(ctx context.Context, quoteAsset string, accountType AccountType, symbol string) (decimal.Decimal, error) {
	if accountType == AccountIsolatedMargin {
		acct, err := c.MarginAccount(ctx, symbol)
		if err != nil {
			return decimal.Zero, err
		}
		return acct.Quote.Free, nil
	}

	body, xerr := c.do(ctx, http.MethodGet, "/api/v3/account", url.Values{}, true, "account", "")
	if xerr != nil {
		return decimal.Zero, xerr
	}
	var info accountInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return decimal.Zero, &Error{Kind: KindExchange, Op: "account", Message: err.Error(), Err: err}
	}
	for _, b := range info.Balances {
		if b.Asset == quoteAsset {
			return decimal.NewFromString(b.Free)
		}
	}
	return decimal.Zero, nil
}

type orderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	TransactTime        int64  `json:"transactTime"`
	Price               string `json:"price"`
	StopPrice           string `json:"stopPrice"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
	Type                string `json:"type"`
	Side                string `json:"side"`
}

func toOrder(or *orderResponse) *Order {
	return &Order{
		OrderID:       or.OrderID,
		ClientOrderID: or.ClientOrderID,
		Symbol:        or.Symbol,
		Side:          Side(or.Side),
		Type:          or.Type,
		Price:         parseDecimal(or.Price),
		StopPrice:     parseDecimal(or.StopPrice),
		Quantity:      parseDecimal(or.OrigQty),
		ExecutedQty:   parseDecimal(or.ExecutedQty),
		QuoteQty:      parseDecimal(or.CummulativeQuoteQty),
		Status:        or.Status,
		TransactTime:  or.TransactTime,
	}
}

func (c *Client) placeOrder(ctx context.Context, path string, params url.Values, op, symbol string) (*Order, error) {
	body, xerr := c.do(ctx, http.MethodPost, path, params, true, op, symbol)
	if xerr != nil {
		return nil, xerr
	}
	var or orderResponse
	if err := json.Unmarshal(body, &or); err != nil {
		return nil, &Error{Kind: KindExchange, Op: op, Symbol: symbol, Message: err.Error(), Err: err}
	}
	return toOrder(&or), nil
}

// PlaceMarket places a spot market order.
func (c *Client) PlaceMarket(ctx context.Context, symbol string, side Side, qty decimal.Decimal) (*Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "MARKET")
	params.Set("quantity", qty.String())
	return c.placeOrder(ctx, "/api/v3/order", params, "place_market", symbol)
}

// PlaceLimit places a spot GTC limit order.
func (c *Client) PlaceLimit(ctx context.Context, symbol string, side Side, qty, price decimal.Decimal) (*Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "LIMIT")
	params.Set("timeInForce", "GTC")
	params.Set("quantity", qty.String())
	params.Set("price", price.String())
	return c.placeOrder(ctx, "/api/v3/order", params, "place_limit", symbol)
}

// PlaceStopLoss places a STOP_LOSS_LIMIT protective order. The limit price
// sits 0.5% beyond the trigger so the order fills through fast moves.
func (c *Client) PlaceStopLoss(ctx context.Context, symbol string, side Side, qty, stopPrice decimal.Decimal) (*Order, error) {
	slip := stopPrice.Mul(decimal.NewFromFloat(0.005))
	limitPrice := stopPrice.Sub(slip)
	if side == SideBuy {
		limitPrice = stopPrice.Add(slip)
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "STOP_LOSS_LIMIT")
	params.Set("timeInForce", "GTC")
	params.Set("quantity", qty.String())
	params.Set("stopPrice", stopPrice.String())
	params.Set("price", limitPrice.String())
	return c.placeOrder(ctx, "/api/v3/order", params, "place_stop_loss", symbol)
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	_, xerr := c.do(ctx, http.MethodDelete, "/api/v3/order", params, true, "cancel_order", symbol)
	if xerr != nil {
		return xerr
	}
	return nil
}

// Transfer moves funds between spot and an isolated margin account.
func (c *Client) Transfer(ctx context.Context, direction TransferDirection, asset string, amount decimal.Decimal, symbol string) error {
	params := url.Values{}
	params.Set("asset", asset)
	params.Set("symbol", symbol)
	params.Set("amount", amount.String())
	if direction == TransferToMargin {
		params.Set("transFrom", "SPOT")
		params.Set("transTo", "ISOLATED_MARGIN")
	} else {
		params.Set("transFrom", "ISOLATED_MARGIN")
		params.Set("transTo", "SPOT")
	}
	_, xerr := c.do(ctx, http.MethodPost, "/sapi/v1/margin/isolated/transfer", params, true, "transfer", symbol)
	if xerr != nil {
		return xerr
	}
	return nil
}

// PlaceMarginMarket places an isolated-margin market order with the given
// borrow/repay side effect.
func (c *Client) PlaceMarginMarket(ctx context.Context, symbol string, side Side, qty decimal.Decimal, sideEffect SideEffect) (*Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("isIsolated", "TRUE")
	params.Set("side", string(side))
	params.Set("type", "MARKET")
	params.Set("quantity", qty.String())
	params.Set("sideEffectType", string(sideEffect))
	return c.placeOrder(ctx, "/sapi/v1/margin/order", params, "place_margin_market", symbol)
}

// Repay pays back a margin loan on the isolated pair.
func (c *Client) Repay(ctx context.Context, asset string, amount decimal.Decimal, symbol string) error {
	params := url.Values{}
	params.Set("asset", asset)
	params.Set("isIsolated", "TRUE")
	params.Set("symbol", symbol)
	params.Set("amount", amount.String())
	_, xerr := c.do(ctx, http.MethodPost, "/sapi/v1/margin/repay", params, true, "repay", symbol)
	if xerr != nil {
		return xerr
	}
	return nil
}

type isolatedAccountResponse struct {
	Assets []struct {
		Symbol      string `json:"symbol"`
		MarginLevel string `json:"marginLevel"`
		BaseAsset   struct {
			Asset    string `json:"asset"`
			Free     string `json:"free"`
			Borrowed string `json:"borrowed"`
			Interest string `json:"interest"`
			NetAsset string `json:"netAsset"`
		} `json:"baseAsset"`
		QuoteAsset struct {
			Asset    string `json:"asset"`
			Free     string `json:"free"`
			Borrowed string `json:"borrowed"`
			Interest string `json:"interest"`
			NetAsset string `json:"netAsset"`
		} `json:"quoteAsset"`
	} `json:"assets"`
}

// MarginAccount returns the isolated margin account for a symbol.
func (c *Client) MarginAccount(ctx context.Context, symbol string) (*MarginAccount, error) {
	params := url.Values{}
	params.Set("symbols", symbol)
	body, xerr := c.do(ctx, http.MethodGet, "/sapi/v1/margin/isolated/account", params, true, "margin_account", symbol)
	if xerr != nil {
		return nil, xerr
	}
	var resp isolatedAccountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Kind: KindExchange, Op: "margin_account", Symbol: symbol, Message: err.Error(), Err: err}
	}
	for _, a := range resp.Assets {
		if a.Symbol != symbol {
			continue
		}
		return &MarginAccount{
			Symbol:      a.Symbol,
			MarginLevel: parseDecimal(a.MarginLevel),
			Base: MarginAsset{
				Asset:    a.BaseAsset.Asset,
				Free:     parseDecimal(a.BaseAsset.Free),
				Borrowed: parseDecimal(a.BaseAsset.Borrowed),
				Interest: parseDecimal(a.BaseAsset.Interest),
				NetAsset: parseDecimal(a.BaseAsset.NetAsset),
			},
			Quote: MarginAsset{
				Asset:    a.QuoteAsset.Asset,
				Free:     parseDecimal(a.QuoteAsset.Free),
				Borrowed: parseDecimal(a.QuoteAsset.Borrowed),
				Interest: parseDecimal(a.QuoteAsset.Interest),
				NetAsset: parseDecimal(a.QuoteAsset.NetAsset),
			},
		}, nil
	}
	return nil, &Error{Kind: KindExchange, Op: "margin_account", Symbol: symbol, Message: "isolated pair not found"}
}

// MarginLevel returns the current margin level for the isolated pair.
func (c *Client) MarginLevel(ctx context.Context, symbol string) (decimal.Decimal, error) {
	acct, err := c.MarginAccount(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return acct.MarginLevel, nil
}
