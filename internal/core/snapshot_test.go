package core

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func validSnapshot() *Snapshot {
	return &Snapshot{
		Symbol:      "BTCUSDT",
		Price:       decimal.RequireFromString("50000"),
		RSI14:       55,
		ATR14:       0.9,
		Kijun:       decimal.RequireFromString("49800"),
		SpreadOK:    true,
		LiquidityOK: true,
	}
}

func TestSnapshotValidate(t *testing.T) {
	assert.NoError(t, validSnapshot().Validate())

	var nilSnap *Snapshot
	assert.Error(t, nilSnap.Validate())

	s := validSnapshot()
	s.Price = decimal.Zero
	assert.Error(t, s.Validate(), "non-positive price")

	s = validSnapshot()
	s.RSI14 = 101
	assert.Error(t, s.Validate(), "rsi out of range")

	s = validSnapshot()
	s.RSI14 = -1
	assert.Error(t, s.Validate())

	s = validSnapshot()
	s.ATR14 = -0.1
	assert.Error(t, s.Validate(), "negative atr")

	// Missing every essential indicator fails closed.
	s = validSnapshot()
	s.Kijun = decimal.Zero
	assert.Error(t, s.Validate())

	// Any one of kijun/tenkan/bb-middle is enough.
	s = validSnapshot()
	s.Kijun = decimal.Zero
	s.BBMiddle = decimal.RequireFromString("49900")
	assert.NoError(t, s.Validate())
}

func TestLiquidityStress(t *testing.T) {
	s := validSnapshot()
	assert.False(t, s.LiquidityStress())

	s.SpreadOK = false
	assert.True(t, s.LiquidityStress())

	s.SpreadOK = true
	s.LiquidityOK = false
	assert.True(t, s.LiquidityStress())
}
