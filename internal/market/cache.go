// Package market caches per-symbol venue trading rules with TTL and
// generation tracking.
package market

import (
	"context"
	"sync"
	"time"

	"perpcore/internal/core"
)

// Cache serves MarketInfo with a TTL. Version increases monotonically on
// every successful load even when the content hash is unchanged, so audit
// rows can always name the exact generation a decision saw.
type Cache struct {
	exchange core.IExchange
	logger   core.ILogger
	ttl      time.Duration
	clock    core.Clock

	mu      sync.Mutex
	info    map[string]*core.MarketInfo
	version int64
}

// NewCache creates a market-info cache over the exchange
func NewCache(exchange core.IExchange, ttl time.Duration, logger core.ILogger, clock core.Clock) *Cache {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &Cache{
		exchange: exchange,
		logger:   logger.WithField("component", "market_cache"),
		ttl:      ttl,
		clock:    clock,
		info:     make(map[string]*core.MarketInfo),
	}
}

// Get returns cached info, refreshing when the TTL expired. A refresh
// failure with a warm cache serves the stale entry rather than failing;
// a cold cache propagates the error.
func (c *Cache) Get(ctx context.Context, symbol string) (*core.MarketInfo, error) {
	c.mu.Lock()
	cached, ok := c.info[symbol]
	c.mu.Unlock()

	if ok && c.clock.Now().Sub(cached.LoadedAt) < c.ttl {
		return cached, nil
	}

	info, err := c.refresh(ctx, symbol)
	if err != nil {
		if ok {
			c.logger.Warn("Market info refresh failed, serving stale entry",
				"symbol", symbol, "age", c.clock.Now().Sub(cached.LoadedAt).String(), "error", err)
			return cached, nil
		}
		return nil, err
	}
	return info, nil
}

// ForceRefresh reloads regardless of TTL. The compliance layer calls this
// when a venue rejection indicates the cached rules went stale.
func (c *Cache) ForceRefresh(ctx context.Context, symbol string) (*core.MarketInfo, error) {
	return c.refresh(ctx, symbol)
}

func (c *Cache) refresh(ctx context.Context, symbol string) (*core.MarketInfo, error) {
	info, err := c.exchange.LoadMarkets(ctx, symbol)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.version++
	info.Version = c.version
	info.LoadedAt = c.clock.Now()

	if prev, ok := c.info[symbol]; ok && prev.Hash != info.Hash {
		c.logger.Warn("Market rules changed",
			"symbol", symbol, "old_hash", prev.Hash, "new_hash", info.Hash,
			"version", info.Version)
	} else {
		c.logger.Debug("Market info loaded", "symbol", symbol, "version", info.Version)
	}
	c.info[symbol] = info
	return info, nil
}
