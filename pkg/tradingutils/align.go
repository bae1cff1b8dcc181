// Package tradingutils provides venue-rule alignment and PnL arithmetic.
package tradingutils

import (
	"github.com/shopspring/decimal"
)

// AlignQty floors a quantity to the venue step size. Idempotent:
// AlignQty(AlignQty(q, s), s) == AlignQty(q, s).
func AlignQty(qty, stepSize decimal.Decimal) decimal.Decimal {
	if stepSize.LessThanOrEqual(decimal.Zero) {
		return qty
	}
	steps := qty.Div(stepSize).Floor()
	return steps.Mul(stepSize)
}

// AlignPrice rounds a price to the nearest venue tick. Idempotent.
func AlignPrice(price, tickSize decimal.Decimal) decimal.Decimal {
	if tickSize.LessThanOrEqual(decimal.Zero) {
		return price
	}
	ticks := price.Div(tickSize).Round(0)
	return ticks.Mul(tickSize)
}

// StepAligned reports whether qty is an exact multiple of stepSize
func StepAligned(qty, stepSize decimal.Decimal) bool {
	if stepSize.LessThanOrEqual(decimal.Zero) {
		return true
	}
	return qty.Mod(stepSize).IsZero()
}

// Notional returns qty * price
func Notional(qty, price decimal.Decimal) decimal.Decimal {
	return qty.Mul(price)
}

// Round4 rounds to 4 decimal places for operator-facing reporting. Full
// precision is always what gets persisted.
func Round4(d decimal.Decimal) decimal.Decimal {
	return d.Round(4)
}

// RealizedPnL computes (exit - entry) * qty * dirSign. dirSign is +1 for
// long, -1 for short.
func RealizedPnL(entry, exit, qty decimal.Decimal, dirSign int) decimal.Decimal {
	return exit.Sub(entry).Mul(qty).Mul(decimal.NewFromInt(int64(dirSign)))
}

// closeEpsilon is the equality-to-zero test for close completeness
var closeEpsilon = decimal.New(1, -9) // 1e-9

// IsClosedQty reports whether a residual quantity counts as fully closed
func IsClosedQty(qty decimal.Decimal) bool {
	return qty.Abs().LessThan(closeEpsilon)
}
