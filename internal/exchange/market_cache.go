package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// PriceTTL bounds staleness for top-of-book reads.
	PriceTTL = 5 * time.Second
	// KlinesTTL bounds staleness for candle windows.
	KlinesTTL = 30 * time.Second
)

type cachedPrice struct {
	bid       decimal.Decimal
	ask       decimal.Decimal
	updatedAt time.Time
}

type cachedKlines struct {
	data      []Kline
	updatedAt time.Time
}

// MarketCache is the short-TTL read-through cache in front of a Port. Prices
// are cached per symbol, candle windows per (symbol, interval, limit). The
// cache is process-local; stale reads within the TTL are acceptable.
type MarketCache struct {
	port   Port
	prices sync.Map // symbol -> *cachedPrice
	klines sync.Map // "symbol:interval:limit" -> *cachedKlines

	statsMu   sync.Mutex
	hitCount  int64
	missCount int64
}

// NewMarketCache wraps port with the TTL cache.
func NewMarketCache(port Port) *MarketCache {
	return &MarketCache{port: port}
}

func (c *MarketCache) recordHit() {
	c.statsMu.Lock()
	c.hitCount++
	c.statsMu.Unlock()
}

func (c *MarketCache) recordMiss() {
	c.statsMu.Lock()
	c.missCount++
	c.statsMu.Unlock()
}

// Stats returns hit/miss counters.
func (c *MarketCache) Stats() (hits, misses int64) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.hitCount, c.missCount
}

func (c *MarketCache) loadPrice(ctx context.Context, symbol string) (*cachedPrice, error) {
	if val, ok := c.prices.Load(symbol); ok {
		cached := val.(*cachedPrice)
		if time.Since(cached.updatedAt) < PriceTTL {
			c.recordHit()
			return cached, nil
		}
	}
	c.recordMiss()

	bid, err := c.port.BestBid(ctx, symbol)
	if err != nil {
		return nil, err
	}
	ask, err := c.port.BestAsk(ctx, symbol)
	if err != nil {
		return nil, err
	}
	cached := &cachedPrice{bid: bid, ask: ask, updatedAt: time.Now()}
	c.prices.Store(symbol, cached)
	return cached, nil
}

// BestBid returns the cached (or freshly fetched) top-of-book bid.
func (c *MarketCache) BestBid(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p, err := c.loadPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return p.bid, nil
}

// BestAsk returns the cached (or freshly fetched) top-of-book ask.
func (c *MarketCache) BestAsk(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p, err := c.loadPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return p.ask, nil
}

// Klines returns a cached candle window, falling through to the port on miss.
func (c *MarketCache) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	key := fmt.Sprintf("%s:%s:%d", symbol, interval, limit)
	if val, ok := c.klines.Load(key); ok {
		cached := val.(*cachedKlines)
		if time.Since(cached.updatedAt) < KlinesTTL {
			c.recordHit()
			out := make([]Kline, len(cached.data))
			copy(out, cached.data)
			return out, nil
		}
	}
	c.recordMiss()

	data, err := c.port.Klines(ctx, symbol, interval, limit)
	if err != nil {
		return nil, err
	}
	c.klines.Store(key, &cachedKlines{data: data, updatedAt: time.Now()})
	return data, nil
}

// Invalidate drops all cached entries for a symbol.
func (c *MarketCache) Invalidate(symbol string) {
	c.prices.Delete(symbol)
	c.klines.Range(func(k, _ interface{}) bool {
		if key, ok := k.(string); ok && len(key) > len(symbol) && key[:len(symbol)] == symbol {
			c.klines.Delete(k)
		}
		return true
	})
}
