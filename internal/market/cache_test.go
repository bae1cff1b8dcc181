package market

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpcore/internal/core"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               {}
func (m *mockLogger) Info(msg string, f ...interface{})                {}
func (m *mockLogger) Warn(msg string, f ...interface{})                {}
func (m *mockLogger) Error(msg string, f ...interface{})               {}
func (m *mockLogger) Fatal(msg string, f ...interface{})               {}
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// marketsExchange stubs only LoadMarkets; the rest of IExchange is unused
// by the cache.
type marketsExchange struct {
	core.IExchange
	mu      sync.Mutex
	loads   int
	hash    string
	loadErr error
}

func (m *marketsExchange) LoadMarkets(ctx context.Context, symbol string) (*core.MarketInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	m.loads++
	return &core.MarketInfo{
		Symbol:   symbol,
		MinQty:   decimal.RequireFromString("0.001"),
		StepSize: decimal.RequireFromString("0.001"),
		Hash:     m.hash,
	}, nil
}

func (m *marketsExchange) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadErr = err
}

func (m *marketsExchange) loadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads
}

func newTestCache(exch core.IExchange, ttl time.Duration) (*Cache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)}
	return NewCache(exch, ttl, &mockLogger{}, clock), clock
}

func TestGetServesCachedWithinTTL(t *testing.T) {
	exch := &marketsExchange{hash: "h1"}
	cache, clock := newTestCache(exch, 10*time.Minute)
	ctx := context.Background()

	first, err := cache.Get(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Version)

	clock.Advance(5 * time.Minute)
	second, err := cache.Get(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1, exch.loadCount(), "within TTL the venue is not hit again")
	assert.Equal(t, first.Version, second.Version)

	clock.Advance(6 * time.Minute)
	third, err := cache.Get(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 2, exch.loadCount())
	assert.Equal(t, int64(2), third.Version)
}

func TestVersionMonotonicAcrossSymbols(t *testing.T) {
	exch := &marketsExchange{hash: "h1"}
	cache, _ := newTestCache(exch, 10*time.Minute)
	ctx := context.Background()

	a, err := cache.Get(ctx, "BTCUSDT")
	require.NoError(t, err)
	b, err := cache.Get(ctx, "ETHUSDT")
	require.NoError(t, err)
	c, err := cache.ForceRefresh(ctx, "BTCUSDT")
	require.NoError(t, err)

	assert.Equal(t, int64(1), a.Version)
	assert.Equal(t, int64(2), b.Version)
	assert.Equal(t, int64(3), c.Version, "version grows even when content is unchanged")
}

func TestGetServesStaleOnRefreshFailure(t *testing.T) {
	exch := &marketsExchange{hash: "h1"}
	cache, clock := newTestCache(exch, 10*time.Minute)
	ctx := context.Background()

	warm, err := cache.Get(ctx, "BTCUSDT")
	require.NoError(t, err)

	exch.setErr(errors.New("venue 503"))
	clock.Advance(11 * time.Minute)

	stale, err := cache.Get(ctx, "BTCUSDT")
	require.NoError(t, err, "warm cache tolerates a failed refresh")
	assert.Equal(t, warm.Version, stale.Version)
}

func TestGetColdCachePropagatesError(t *testing.T) {
	exch := &marketsExchange{loadErr: errors.New("venue down")}
	cache, _ := newTestCache(exch, 10*time.Minute)

	_, err := cache.Get(context.Background(), "BTCUSDT")
	require.Error(t, err)
}

func TestForceRefreshIgnoresTTL(t *testing.T) {
	exch := &marketsExchange{hash: "h1"}
	cache, _ := newTestCache(exch, 10*time.Minute)
	ctx := context.Background()

	_, err := cache.Get(ctx, "BTCUSDT")
	require.NoError(t, err)
	_, err = cache.ForceRefresh(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 2, exch.loadCount())
}
