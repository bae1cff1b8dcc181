package snapshot

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"perpcore/internal/core"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestClassifyRegime(t *testing.T) {
	tests := []struct {
		name       string
		snap       *core.Snapshot
		wantRegime core.Regime
	}{
		{
			name:       "degraded snapshot is unknown",
			snap:       &core.Snapshot{Degraded: true, MA50: dec("50000"), MA200: dec("49000")},
			wantRegime: core.RegimeUnknown,
		},
		{
			name:       "missing moving averages is unknown",
			snap:       &core.Snapshot{Price: dec("50000")},
			wantRegime: core.RegimeUnknown,
		},
		{
			name: "high atr dominates everything",
			snap: &core.Snapshot{
				Price: dec("50000"), ATR14: 2.5,
				MA50: dec("51000"), MA200: dec("49000"), Kijun: dec("49500"),
			},
			wantRegime: core.RegimeVolatile,
		},
		{
			name: "ma spread up with price above kijun trends up",
			snap: &core.Snapshot{
				Price: dec("50000"), ATR14: 1.0,
				MA50: dec("50000"), MA200: dec("49000"), Kijun: dec("49500"),
			},
			wantRegime: core.RegimeTrendUp,
		},
		{
			name: "ma spread down with price below kijun trends down",
			snap: &core.Snapshot{
				Price: dec("48000"), ATR14: 1.0,
				MA50: dec("48500"), MA200: dec("50000"), Kijun: dec("48800"),
			},
			wantRegime: core.RegimeTrendDown,
		},
		{
			name: "flat mas with low atr is static range",
			snap: &core.Snapshot{
				Price: dec("50000"), ATR14: 0.5,
				MA50: dec("50010"), MA200: dec("50000"), Kijun: dec("50000"),
			},
			wantRegime: core.RegimeStaticRange,
		},
		{
			name: "flat mas with middling atr stays unknown",
			snap: &core.Snapshot{
				Price: dec("50000"), ATR14: 1.2,
				MA50: dec("50010"), MA200: dec("50000"), Kijun: dec("50000"),
			},
			wantRegime: core.RegimeUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			regime, conf := classifyRegime(tt.snap)
			assert.Equal(t, tt.wantRegime, regime)
			assert.GreaterOrEqual(t, conf, 0.0)
			assert.LessOrEqual(t, conf, 1.0)
		})
	}
}

func TestRangePositionFromVA(t *testing.T) {
	s := &core.Snapshot{Price: dec("50500"), VAH: dec("51000"), VAL: dec("50000")}
	assert.InDelta(t, 0.5, rangePositionFromVA(s), 1e-9)

	s.Price = dec("51000")
	assert.InDelta(t, 1.0, rangePositionFromVA(s), 1e-9)

	// Above the value area: position exceeds 1.
	s.Price = dec("51500")
	assert.InDelta(t, 1.5, rangePositionFromVA(s), 1e-9)

	// Degenerate value area defaults to the midpoint.
	s.VAH = dec("50000")
	s.VAL = dec("50000")
	assert.Equal(t, 0.5, rangePositionFromVA(s))
}

func TestRetOver(t *testing.T) {
	candles := []core.Candle{
		{Close: dec("49000")},
		{Close: dec("49500")},
		{Close: dec("49800")},
		{Close: dec("50000")},
	}

	// One candle back from 50500: base is the second-to-last close.
	ret := retOver(candles, dec("50500"), 1)
	assert.InDelta(t, 1.4056, ret, 0.001)

	// Lookback longer than history yields zero rather than a bad base.
	assert.Zero(t, retOver(candles, dec("50500"), 10))
	assert.Zero(t, retOver(nil, dec("50500"), 1))
}
