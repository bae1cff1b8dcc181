package decision

import (
	"perpcore/internal/core"
)

// ComputeScores derives directional 0..100 scores from snapshot structure.
// Each check contributes a fixed weight; the two sides are scored
// independently so both can be weak at once.
func ComputeScores(s *core.Snapshot) core.Scores {
	if s == nil {
		return core.Scores{}
	}
	var long, short float64

	// Ichimoku: tenkan/kijun cross and price vs cloud.
	if !s.Tenkan.IsZero() && !s.Kijun.IsZero() {
		if s.Tenkan.GreaterThan(s.Kijun) {
			long += 20
		} else if s.Tenkan.LessThan(s.Kijun) {
			short += 20
		}
	}
	if !s.CloudUpper.IsZero() && !s.CloudLower.IsZero() {
		if s.Price.GreaterThan(s.CloudUpper) {
			long += 15
		} else if s.Price.LessThan(s.CloudLower) {
			short += 15
		}
	}

	// Moving-average order.
	if !s.MA50.IsZero() && !s.MA200.IsZero() {
		if s.MA50.GreaterThan(s.MA200) {
			long += 20
		} else if s.MA50.LessThan(s.MA200) {
			short += 20
		}
	}

	// RSI: extremes score the mean-reverting side.
	switch {
	case s.RSI14 <= 30:
		long += 15
	case s.RSI14 >= 70:
		short += 15
	case s.RSI14 > 55:
		long += 5
	case s.RSI14 < 45:
		short += 5
	}

	// Bollinger band position.
	if !s.BBUpper.IsZero() && !s.BBLower.IsZero() {
		if s.Price.GreaterThanOrEqual(s.BBUpper) {
			short += 10
		} else if s.Price.LessThanOrEqual(s.BBLower) {
			long += 10
		}
	}

	// Short-horizon momentum.
	if s.Ret5m > 0.3 {
		long += 10
	} else if s.Ret5m < -0.3 {
		short += 10
	}
	if s.Ret15m > 0.8 {
		long += 10
	} else if s.Ret15m < -0.8 {
		short += 10
	}

	// Regime agreement.
	switch s.Regime {
	case core.RegimeTrendUp:
		long += 10
	case core.RegimeTrendDown:
		short += 10
	}

	if long > 100 {
		long = 100
	}
	if short > 100 {
		short = 100
	}
	return core.Scores{Long: long, Short: short}
}
