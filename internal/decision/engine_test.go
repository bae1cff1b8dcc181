package decision

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"perpcore/internal/adaptive"
	"perpcore/internal/config"
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

func testManagerConfig() *config.ManagerConfig {
	return &config.ManagerConfig{
		SleepFastSec:   10,
		SleepNormalSec: 15,
		SleepSlowSec:   30,
		DynamicSLPct:   2.0,
		AddScoreMin:    65,
		ReverseScore:   70,
		ReduceCounter:  65,
		ReduceOwnMax:   40,
		DeferWindowSec: 300,
		AddSlicePct:    10,
	}
}

func longPosition(entry, qty string) *core.ExchangePosition {
	return &core.ExchangePosition{
		Symbol:     "BTCUSDT",
		Side:       core.SideLong,
		Qty:        decimal.RequireFromString(qty),
		EntryPrice: decimal.RequireFromString(entry),
	}
}

func shortPosition(entry, qty string) *core.ExchangePosition {
	p := longPosition(entry, qty)
	p.Side = core.SideShort
	return p
}

func bearishSnapshot() *core.Snapshot {
	return &core.Snapshot{
		Price:  decimal.RequireFromString("49000"),
		Tenkan: decimal.RequireFromString("48800"),
		Kijun:  decimal.RequireFromString("49500"),
		MA50:   decimal.RequireFromString("49200"),
		MA200:  decimal.RequireFromString("50100"),
		RSI14:  75,
	}
}

func TestDecideFlatHolds(t *testing.T) {
	eng := NewEngine(testManagerConfig(), &mockLogger{})

	d := eng.Decide(Context{Position: nil})
	assert.Equal(t, core.DecideHold, d.Action)

	d = eng.Decide(Context{Position: &core.ExchangePosition{Side: core.SideFlat}})
	assert.Equal(t, core.DecideHold, d.Action)
	assert.Equal(t, "no position", d.Reason)
}

func TestDecideStopLossFirst(t *testing.T) {
	eng := NewEngine(testManagerConfig(), &mockLogger{})

	// Long from 50000, price at 48900: -2.2% breaches the 2% dynamic SL.
	// Scores would otherwise call for ADD; the stop wins.
	d := eng.Decide(Context{
		Position: longPosition("50000", "0.1"),
		State:    &core.PositionState{Stage: 1, TradeBudgetUsedPct: 10},
		Price:    decimal.RequireFromString("48900"),
		Scores:   core.Scores{Long: 80, Short: 10},
	})
	assert.Equal(t, core.DecideClose, d.Action)
	assert.Equal(t, core.DirectionLong, d.Direction)
	assert.Contains(t, d.Reason, "dynamic stop loss")
}

func TestDecideStopLossShortSide(t *testing.T) {
	eng := NewEngine(testManagerConfig(), &mockLogger{})

	// Short from 50000, price rallies to 51100: -2.2% for the short.
	d := eng.Decide(Context{
		Position: shortPosition("50000", "0.1"),
		Price:    decimal.RequireFromString("51100"),
	})
	assert.Equal(t, core.DecideClose, d.Action)
	assert.Equal(t, core.DirectionShort, d.Direction)

	// A 1% adverse move does not trip a 2% stop.
	d = eng.Decide(Context{
		Position: shortPosition("50000", "0.1"),
		Price:    decimal.RequireFromString("50500"),
	})
	assert.Equal(t, core.DecideHold, d.Action)
}

func TestDecideReverseNeedsConfirmations(t *testing.T) {
	eng := NewEngine(testManagerConfig(), &mockLogger{})

	base := Context{
		Position: longPosition("49000", "0.1"),
		Price:    decimal.RequireFromString("49000"),
		Scores:   core.Scores{Long: 20, Short: 75},
		Snapshot: bearishSnapshot(),
	}

	// Tenkan<Kijun, RSI 75, MA50<MA200, price<Kijun: 4/4 confirmations.
	d := eng.Decide(base)
	assert.Equal(t, core.DecideReverse, d.Action)
	assert.Equal(t, core.DirectionShort, d.Direction)
	assert.Contains(t, d.Reason, "4/4")
	assert.Equal(t, adaptive.ModeTrend, d.EntryMode, "reversal in an unclassified regime opens a trend entry")

	// In a static range the reversed position opens under the mean
	// reversion bucket.
	ranging := bearishSnapshot()
	ranging.Regime = core.RegimeStaticRange
	base.Snapshot = ranging
	d = eng.Decide(base)
	assert.Equal(t, core.DecideReverse, d.Action)
	assert.Equal(t, adaptive.ModeMeanRev, d.EntryMode)

	// Two confirmations withdrawn: no reversal; the strong counter score
	// degrades to REDUCE instead.
	weak := bearishSnapshot()
	weak.RSI14 = 50
	weak.MA50 = decimal.RequireFromString("50500")
	base.Snapshot = weak
	d = eng.Decide(base)
	assert.Equal(t, core.DecideReduce, d.Action)
	assert.Equal(t, 0.5, d.ReducePct)

	// Counter score below the reversal bar never reverses.
	base.Snapshot = bearishSnapshot()
	base.Scores = core.Scores{Long: 20, Short: 69}
	d = eng.Decide(base)
	assert.NotEqual(t, core.DecideReverse, d.Action)
}

func TestDecideAddGatedByStageAndBudget(t *testing.T) {
	eng := NewEngine(testManagerConfig(), &mockLogger{})

	base := Context{
		Position: longPosition("50000", "0.1"),
		Price:    decimal.RequireFromString("50500"),
		Scores:   core.Scores{Long: 70, Short: 20},
		State:    &core.PositionState{Stage: 2, TradeBudgetUsedPct: 20},
	}

	d := eng.Decide(base)
	assert.Equal(t, core.DecideAdd, d.Action)
	assert.Equal(t, core.DirectionLong, d.Direction)

	// Pyramid exhausted.
	base.State = &core.PositionState{Stage: core.MaxStages, TradeBudgetUsedPct: 20}
	d = eng.Decide(base)
	assert.Equal(t, core.DecideHold, d.Action)

	// Budget exhausted.
	base.State = &core.PositionState{Stage: 2, TradeBudgetUsedPct: core.MaxBudgetUsedPct}
	d = eng.Decide(base)
	assert.Equal(t, core.DecideHold, d.Action)

	// Score just under the ADD bar.
	base.State = &core.PositionState{Stage: 2, TradeBudgetUsedPct: 20}
	base.Scores = core.Scores{Long: 64, Short: 20}
	d = eng.Decide(base)
	assert.Equal(t, core.DecideHold, d.Action)
}

func TestDecideReduceOnStrongCounter(t *testing.T) {
	eng := NewEngine(testManagerConfig(), &mockLogger{})

	// Counter 65 with own 40: both thresholds inclusive.
	d := eng.Decide(Context{
		Position: longPosition("50000", "0.1"),
		Price:    decimal.RequireFromString("50000"),
		Scores:   core.Scores{Long: 40, Short: 65},
	})
	assert.Equal(t, core.DecideReduce, d.Action)
	assert.Equal(t, 0.5, d.ReducePct)

	// Own score too healthy to reduce.
	d = eng.Decide(Context{
		Position: longPosition("50000", "0.1"),
		Price:    decimal.RequireFromString("50000"),
		Scores:   core.Scores{Long: 41, Short: 65},
	})
	assert.Equal(t, core.DecideHold, d.Action)
}

func TestPriorityFor(t *testing.T) {
	assert.Equal(t, PriorityClose, PriorityFor(core.ActionClose))
	assert.Equal(t, PriorityClose, PriorityFor(core.ActionFullClose))
	assert.Equal(t, PriorityClose, PriorityFor(core.ActionReverseClose))
	assert.Equal(t, PriorityClose, PriorityFor(core.ActionReverseOpen))
	assert.Equal(t, PriorityReduce, PriorityFor(core.ActionReduce))
	assert.Equal(t, PriorityAdd, PriorityFor(core.ActionAdd))
	assert.Equal(t, PriorityAdd, PriorityFor(core.ActionOpen))
}
