package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Regime classifies market structure for the snapshot
type Regime string

const (
	RegimeTrendUp     Regime = "TREND_UP"
	RegimeTrendDown   Regime = "TREND_DOWN"
	RegimeStaticRange Regime = "STATIC_RANGE"
	RegimeVolatile    Regime = "VOLATILE"
	RegimeUnknown     Regime = "UNKNOWN"
)

// Snapshot is a point-in-time market observation. Returns and most indicator
// values are percentages/ratios and stay float64; price-like fields are decimal.
type Snapshot struct {
	Symbol string
	TS     time.Time

	Price decimal.Decimal

	Ret1m  float64
	Ret5m  float64
	Ret15m float64

	BBUpper  decimal.Decimal
	BBMiddle decimal.Decimal
	BBLower  decimal.Decimal

	Tenkan     decimal.Decimal
	Kijun      decimal.Decimal
	CloudUpper decimal.Decimal
	CloudLower decimal.Decimal

	RSI14  float64
	ATR14  float64 // percent of price
	VolMA  float64 // volume / MA20 ratio
	MA50   decimal.Decimal
	MA200  decimal.Decimal

	POC decimal.Decimal
	VAH decimal.Decimal
	VAL decimal.Decimal

	SpreadOK    bool
	LiquidityOK bool

	Impulse       float64
	RangePosition float64

	Regime           Regime
	RegimeConfidence float64

	// Degraded is set when the live build failed and the snapshot was
	// assembled from DB rows only.
	Degraded bool
}

// Validate is FAIL-CLOSED: a decision cycle must abort on an invalid snapshot.
func (s *Snapshot) Validate() error {
	if s == nil {
		return fmt.Errorf("snapshot is nil")
	}
	if s.Price.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("snapshot price must be positive, got %s", s.Price)
	}
	if s.RSI14 < 0 || s.RSI14 > 100 {
		return fmt.Errorf("snapshot rsi out of range: %f", s.RSI14)
	}
	if s.ATR14 < 0 {
		return fmt.Errorf("snapshot atr negative: %f", s.ATR14)
	}
	if s.Kijun.IsZero() && s.Tenkan.IsZero() && s.BBMiddle.IsZero() {
		return fmt.Errorf("snapshot missing essential indicators")
	}
	return nil
}

// LiquidityStress reports spread or liquidity degradation
func (s *Snapshot) LiquidityStress() bool {
	return !s.SpreadOK || !s.LiquidityOK
}
