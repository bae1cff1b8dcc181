// Package snapshot assembles point-in-time market observations from the
// store plus the live venue.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"perpcore/internal/core"
	"perpcore/internal/store"
)

// maxSpreadPct is the relative spread above which the book is degraded
const maxSpreadPct = 0.05

// minDepthBase is the minimum summed top-of-book depth per side
var minDepthBase = decimal.NewFromInt(5)

// PriceSource supplies a streamed price, with REST as fallback
type PriceSource interface {
	LastPrice(maxAge time.Duration) (decimal.Decimal, bool)
}

// Builder produces snapshots. Indicator values come from the indicators
// table (written by the market-data pipeline); returns are computed from
// stored candles; price and book health come from the venue.
type Builder struct {
	store    *store.Store
	exchange core.IExchange
	stream   PriceSource
	logger   core.ILogger
	clock    core.Clock
}

// NewBuilder creates a snapshot builder. stream may be nil.
func NewBuilder(st *store.Store, exchange core.IExchange, stream PriceSource,
	logger core.ILogger, clock core.Clock) *Builder {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &Builder{
		store:    st,
		exchange: exchange,
		stream:   stream,
		logger:   logger.WithField("component", "snapshot"),
		clock:    clock,
	}
}

// Build assembles a snapshot. Venue failures degrade to DB-only data
// rather than failing the build; only a missing price is fatal since
// Validate is fail-closed on it.
func (b *Builder) Build(ctx context.Context, symbol string) (*core.Snapshot, error) {
	now := b.clock.Now()
	s := &core.Snapshot{
		Symbol:      symbol,
		TS:          now,
		SpreadOK:    true,
		LiquidityOK: true,
		Regime:      core.RegimeUnknown,
	}

	price, live := b.livePrice(ctx, symbol)
	if !live {
		s.Degraded = true
	}

	candles, err := b.store.RecentCandles(ctx, symbol, "1m", 16)
	if err != nil {
		return nil, fmt.Errorf("failed to load candles: %w", err)
	}
	if price.IsZero() && len(candles) > 0 {
		price = candles[len(candles)-1].Close
	}
	if price.IsZero() {
		return nil, fmt.Errorf("no price available for %s", symbol)
	}
	s.Price = price
	s.Ret1m = retOver(candles, price, 1)
	s.Ret5m = retOver(candles, price, 5)
	s.Ret15m = retOver(candles, price, 15)

	ind, err := b.store.LatestIndicators(ctx, symbol, now)
	if err != nil {
		return nil, fmt.Errorf("failed to load indicators: %w", err)
	}
	b.applyIndicators(s, ind)

	if !s.Degraded {
		spreadPct, bidDepth, askDepth, err := b.exchange.GetOrderBookSpread(ctx, symbol)
		if err != nil {
			b.logger.Warn("Order book fetch failed, degrading snapshot",
				"symbol", symbol, "error", err)
			s.Degraded = true
		} else {
			s.SpreadOK = spreadPct <= maxSpreadPct
			s.LiquidityOK = bidDepth.GreaterThanOrEqual(minDepthBase) &&
				askDepth.GreaterThanOrEqual(minDepthBase)
		}
	}

	s.Regime, s.RegimeConfidence = classifyRegime(s)
	return s, nil
}

func (b *Builder) livePrice(ctx context.Context, symbol string) (decimal.Decimal, bool) {
	if b.stream != nil {
		if p, ok := b.stream.LastPrice(10 * time.Second); ok {
			return p, true
		}
	}
	p, err := b.exchange.GetTicker(ctx, symbol)
	if err != nil {
		b.logger.Warn("Ticker fetch failed", "symbol", symbol, "error", err)
		return decimal.Zero, false
	}
	return p, true
}

func (b *Builder) applyIndicators(s *core.Snapshot, ind map[string]float64) {
	getDec := func(name string) decimal.Decimal {
		if v, ok := ind[name]; ok {
			return decimal.NewFromFloat(v)
		}
		return decimal.Zero
	}

	s.BBUpper = getDec("bb_upper")
	s.BBMiddle = getDec("bb_middle")
	s.BBLower = getDec("bb_lower")
	s.Tenkan = getDec("tenkan")
	s.Kijun = getDec("kijun")
	s.CloudUpper = getDec("cloud_upper")
	s.CloudLower = getDec("cloud_lower")
	s.MA50 = getDec("ma50")
	s.MA200 = getDec("ma200")
	s.POC = getDec("poc")
	s.VAH = getDec("vah")
	s.VAL = getDec("val")

	s.RSI14 = ind["rsi14"]
	s.ATR14 = ind["atr14_pct"]
	s.VolMA = ind["vol_ma_ratio"]
	s.Impulse = ind["impulse"]
	if v, ok := ind["range_position"]; ok {
		s.RangePosition = v
	} else {
		s.RangePosition = rangePositionFromVA(s)
	}
}

// rangePositionFromVA derives where price sits inside the value area
func rangePositionFromVA(s *core.Snapshot) float64 {
	if s.VAH.IsZero() || s.VAL.IsZero() || s.VAH.LessThanOrEqual(s.VAL) {
		return 0.5
	}
	pos, _ := s.Price.Sub(s.VAL).Div(s.VAH.Sub(s.VAL)).Float64()
	return pos
}

// classifyRegime is a coarse structural classification off the snapshot
// indicators. Confidence is a rough [0,1] self-assessment, not a model.
func classifyRegime(s *core.Snapshot) (core.Regime, float64) {
	if s.Degraded || s.MA50.IsZero() || s.MA200.IsZero() {
		return core.RegimeUnknown, 0
	}

	if s.ATR14 >= 2.0 {
		return core.RegimeVolatile, 0.7
	}

	maSpread, _ := s.MA50.Sub(s.MA200).Div(s.MA200).Float64()
	switch {
	case maSpread > 0.005 && s.Price.GreaterThan(s.Kijun):
		return core.RegimeTrendUp, 0.6
	case maSpread < -0.005 && s.Price.LessThan(s.Kijun):
		return core.RegimeTrendDown, 0.6
	case s.ATR14 < 0.8:
		return core.RegimeStaticRange, 0.6
	}
	return core.RegimeUnknown, 0.3
}

// retOver computes the percent return over n closed 1m candles, using the
// oldest candle inside the lookback as the base.
func retOver(candles []core.Candle, price decimal.Decimal, n int) float64 {
	if len(candles) < n+1 {
		return 0
	}
	base := candles[len(candles)-1-n].Close
	if base.IsZero() {
		return 0
	}
	ret, _ := price.Sub(base).Div(base).Mul(decimal.NewFromInt(100)).Float64()
	return ret
}
