package core

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumeStageMaskInvariant(t *testing.T) {
	p := &PositionState{NextStageAvailable: 1}

	p.ConsumeStage(1)
	assert.Equal(t, 1, p.StageConsumedMask)
	assert.Equal(t, 1, p.Stage)
	assert.Equal(t, 2, p.NextStageAvailable)

	// Stage count always equals the set bits, including gaps.
	p.ConsumeStage(3)
	assert.Equal(t, 0b101, p.StageConsumedMask)
	assert.Equal(t, 2, p.Stage)
	assert.Equal(t, 4, p.NextStageAvailable)

	// Re-consuming an already-set stage changes nothing.
	p.ConsumeStage(3)
	assert.Equal(t, 2, p.Stage)

	// Out-of-range stages are ignored.
	p.ConsumeStage(0)
	p.ConsumeStage(MaxStages + 1)
	assert.Equal(t, 0b101, p.StageConsumedMask)

	// The last stage caps next-available at MaxStages.
	p.ConsumeStage(MaxStages)
	assert.Equal(t, MaxStages, p.NextStageAvailable)
	assert.Equal(t, 3, p.Stage)
}

func TestStageFromMaskMatchesPopcount(t *testing.T) {
	for mask := 0; mask < 1<<MaxStages; mask++ {
		p := &PositionState{StageConsumedMask: mask}
		want := 0
		for b := 0; b < MaxStages; b++ {
			if mask&(1<<b) != 0 {
				want++
			}
		}
		require.Equal(t, want, p.StageFromMask(), "mask %b", mask)
	}
}

func TestClearToFlat(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	p := &PositionState{
		Symbol:              "BTCUSDT",
		Side:                SideLong,
		TotalQty:            decimal.RequireFromString("0.5"),
		AvgEntryPrice:       decimal.RequireFromString("50000"),
		Stage:               3,
		StageConsumedMask:   0b111,
		NextStageAvailable:  4,
		TradeBudgetUsedPct:  30,
		CapitalUsedUSDT:     decimal.RequireFromString("25000"),
		AccumulatedEntryFee: decimal.RequireFromString("12.5"),
		OrderState:          OrderFilled,
		PlanState:           PlanOpen,
		LastOrderID:         "abc",
		StagesDetail:        []StageFill{{Stage: 1}},
	}

	p.ClearToFlat(now)

	assert.True(t, p.IsFlat())
	assert.Equal(t, SideFlat, p.Side)
	assert.True(t, p.TotalQty.IsZero())
	assert.True(t, p.AvgEntryPrice.IsZero())
	assert.Zero(t, p.Stage)
	assert.Zero(t, p.StageConsumedMask)
	assert.Equal(t, 1, p.NextStageAvailable)
	assert.Zero(t, p.TradeBudgetUsedPct)
	assert.True(t, p.AccumulatedEntryFee.IsZero())
	assert.Equal(t, OrderNone, p.OrderState)
	assert.Equal(t, PlanNone, p.PlanState)
	assert.Empty(t, p.LastOrderID)
	assert.Nil(t, p.StagesDetail)
	assert.Equal(t, now, p.UpdatedAt)
	assert.Equal(t, now, p.StateChangedAt)
}

func TestIsFlat(t *testing.T) {
	assert.True(t, (*PositionState)(nil).IsFlat())
	assert.True(t, (&PositionState{Side: SideFlat}).IsFlat())
	assert.True(t, (&PositionState{Side: SideLong, TotalQty: decimal.Zero}).IsFlat())
	assert.False(t, (&PositionState{Side: SideLong, TotalQty: decimal.RequireFromString("0.1")}).IsFlat())
}

func TestSideHelpers(t *testing.T) {
	assert.Equal(t, SideShort, SideLong.Opposite())
	assert.Equal(t, SideLong, SideShort.Opposite())
	assert.Equal(t, SideFlat, SideFlat.Opposite())

	assert.Equal(t, 1, SideLong.DirSign())
	assert.Equal(t, -1, SideShort.DirSign())
	assert.Equal(t, 0, SideFlat.DirSign())

	assert.Equal(t, SideLong, DirectionLong.Side())
	assert.Equal(t, SideShort, DirectionShort.Side())
}

func TestRiskIncreasing(t *testing.T) {
	increasing := []ActionType{ActionOpen, ActionAdd, ActionReverseOpen}
	for _, a := range increasing {
		assert.True(t, a.RiskIncreasing(), "%s", a)
	}
	reducing := []ActionType{ActionReduce, ActionClose, ActionFullClose, ActionReverseClose}
	for _, a := range reducing {
		assert.False(t, a.RiskIncreasing(), "%s", a)
	}
}

func TestParseEnums(t *testing.T) {
	side, err := ParseSide("long")
	require.NoError(t, err)
	assert.Equal(t, SideLong, side)
	_, err = ParseSide("sideways")
	assert.Error(t, err)

	action, err := ParseActionType("FULL_CLOSE")
	require.NoError(t, err)
	assert.Equal(t, ActionFullClose, action)
	_, err = ParseActionType("YOLO")
	assert.Error(t, err)

	da, err := ParseDecisionAction("REVERSE")
	require.NoError(t, err)
	assert.Equal(t, DecideReverse, da)
	_, err = ParseDecisionAction("reverse")
	assert.Error(t, err, "decision actions are case sensitive")

	// Unknown event actions map to HOLD at the boundary instead of erroring.
	ea, known := ParseEventAction("HEDGE")
	assert.True(t, known)
	assert.Equal(t, EventHedge, ea)
	ea, known = ParseEventAction("SELL_EVERYTHING")
	assert.False(t, known)
	assert.Equal(t, EventHold, ea)
}

func TestScores(t *testing.T) {
	assert.Equal(t, SideLong, Scores{Long: 60, Short: 40}.Dominant())
	assert.Equal(t, SideShort, Scores{Long: 40, Short: 60}.Dominant())
	assert.Equal(t, SideFlat, Scores{Long: 50, Short: 50}.Dominant())

	s := Scores{Long: 60, Short: 40}
	assert.Equal(t, 60.0, s.ScoreFor(SideLong))
	assert.Equal(t, 40.0, s.ScoreFor(SideShort))
	assert.Equal(t, 0.0, s.ScoreFor(SideFlat))
}
