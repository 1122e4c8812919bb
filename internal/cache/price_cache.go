// Package cache holds the per-engine price cache: a short-TTL map that
// shields the exchange from duplicate ticker calls within one tick
// when several decisions need the same symbol's price.
package cache

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const defaultTTL = 5 * time.Second

type entry struct {
	price   decimal.Decimal
	cachedAt time.Time
}

// PriceCache is safe for concurrent use; one instance is owned per bot
// engine, never shared across bots.
type PriceCache struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]entry
}

func New() *PriceCache {
	return &PriceCache{ttl: defaultTTL, m: make(map[string]entry)}
}

// NewWithTTL overrides the default 5s TTL, mainly for tests.
func NewWithTTL(ttl time.Duration) *PriceCache {
	return &PriceCache{ttl: ttl, m: make(map[string]entry)}
}

// Get returns the cached price and true if present and not yet expired.
func (c *PriceCache) Get(symbol string) (decimal.Decimal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[symbol]
	if !ok || time.Since(e.cachedAt) > c.ttl {
		return decimal.Zero, false
	}
	return e.price, true
}

// Set stores price for symbol, stamped with the current time.
func (c *PriceCache) Set(symbol string, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[symbol] = entry{price: price, cachedAt: time.Now()}
}

// Invalidate drops a symbol's cached price, forcing the next Get to miss.
func (c *PriceCache) Invalidate(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, symbol)
}
