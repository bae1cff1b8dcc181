package fillwatcher

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpcore/internal/adaptive"
	"perpcore/internal/core"
	"perpcore/pkg/tradingutils"
)

func TestRealizedPnLSign(t *testing.T) {
	entry := decimal.RequireFromString("50000")
	exit := decimal.RequireFromString("51000")
	qty := decimal.RequireFromString("0.1")

	// Long profits when price rises, short loses the same amount.
	long := tradingutils.RealizedPnL(entry, exit, qty, dirSign(core.SideLong))
	assert.True(t, long.Equal(decimal.RequireFromString("100")), "got %s", long)

	short := tradingutils.RealizedPnL(entry, exit, qty, dirSign(core.SideShort))
	assert.True(t, short.Equal(decimal.RequireFromString("-100")), "got %s", short)

	// Falling price mirrors.
	exit = decimal.RequireFromString("49500")
	assert.True(t, tradingutils.RealizedPnL(entry, exit, qty, dirSign(core.SideLong)).Equal(decimal.RequireFromString("-50")))
	assert.True(t, tradingutils.RealizedPnL(entry, exit, qty, dirSign(core.SideShort)).Equal(decimal.RequireFromString("50")))

	// Flat exit is zero either way.
	assert.True(t, tradingutils.RealizedPnL(entry, entry, qty, dirSign(core.SideLong)).IsZero())
}

func TestParseMeta(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantStage int
		wantPct   float64
		wantMode  string
	}{
		{"empty meta defaults to stage 1", "", 1, 0, adaptive.ModeTrend},
		{"explicit stage and pct", `{"start_stage":3,"entry_pct":15}`, 3, 15, adaptive.ModeTrend},
		{"stage zero clamps to 1", `{"start_stage":0}`, 1, 0, adaptive.ModeTrend},
		{"stage past pyramid clamps to 1", `{"start_stage":9}`, 1, 0, adaptive.ModeTrend},
		{"malformed json falls back", `{start_stage`, 1, 0, adaptive.ModeTrend},
		{"mean reversion mode kept", `{"entry_mode":"MeanRev"}`, 1, 0, adaptive.ModeMeanRev},
		{"unknown mode falls back to trend", `{"entry_mode":"EVENT"}`, 1, 0, adaptive.ModeTrend},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := parseMeta(json.RawMessage(tt.raw))
			assert.Equal(t, tt.wantStage, m.StartStage)
			assert.Equal(t, tt.wantPct, m.EntryPct)
			assert.Equal(t, tt.wantMode, m.EntryMode)
		})
	}
}

func TestApplyEntryFillStartStage(t *testing.T) {
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	rec := &core.ExecutionRecord{
		Symbol:       "BTCUSDT",
		Direction:    core.DirectionLong,
		FilledQty:    decimal.RequireFromString("0.05"),
		AvgFillPrice: decimal.RequireFromString("60000"),
		Fee:          decimal.RequireFromString("-1.2"),
	}

	// A signal entry may start at a stage past 1; the consumed mask and
	// the stages detail must then name the same stage.
	state := &core.PositionState{Symbol: "BTCUSDT"}
	applyEntryFill(state, rec, fillMeta{StartStage: 3, EntryMode: adaptive.ModeMeanRev}, 15, now)

	assert.Equal(t, 1<<2, state.StageConsumedMask)
	require.Len(t, state.StagesDetail, 1)
	assert.Equal(t, 3, state.StagesDetail[0].Stage)
	assert.Equal(t, 1, state.Stage)
	assert.Equal(t, 2, state.NextStageAvailable)
	assert.Equal(t, adaptive.ModeMeanRev, state.EntryMode)
	assert.Equal(t, core.SideLong, state.Side)
	assert.True(t, state.AccumulatedEntryFee.Equal(decimal.RequireFromString("1.2")))

	// Default entry starts at stage 1 under the trend bucket.
	state = &core.PositionState{Symbol: "BTCUSDT"}
	applyEntryFill(state, rec, parseMeta(nil), 10, now)
	assert.Equal(t, 1, state.StageConsumedMask)
	assert.Equal(t, 1, state.StagesDetail[0].Stage)
	assert.Equal(t, adaptive.ModeTrend, state.EntryMode)
}

func TestOrderStatusClassification(t *testing.T) {
	for _, s := range []string{"Cancelled", "canceled", "REJECTED", "Deactivated"} {
		assert.True(t, isCanceled(s), "%s", s)
		assert.False(t, isFilled(s), "%s", s)
		assert.False(t, isOpen(s), "%s", s)
	}
	for _, s := range []string{"Filled", "closed"} {
		assert.True(t, isFilled(s), "%s", s)
		assert.False(t, isCanceled(s), "%s", s)
	}
	for _, s := range []string{"New", "Created", "open", "PartiallyFilled", "Untriggered"} {
		assert.True(t, isOpen(s), "%s", s)
		assert.False(t, isFilled(s), "%s", s)
		assert.False(t, isCanceled(s), "%s", s)
	}
	assert.False(t, isOpen("SomethingElse"))
}
