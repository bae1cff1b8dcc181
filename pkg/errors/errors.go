// Package apperrors defines the sentinel errors the core matches with
// errors.Is. The exchange adapter maps venue retCodes onto the first
// group; the second group marks internal control-flow outcomes.
package apperrors

import "errors"

// Venue-side failures, normalized across retCodes
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrOrderNotFound         = errors.New("order not found")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrReduceOnlyViolation   = errors.New("reduce-only violation")
	ErrLeverageLimit         = errors.New("leverage limit exceeded")
	ErrMarginModeMismatch    = errors.New("margin mode mismatch")
	ErrPositionModeMismatch  = errors.New("position mode mismatch")
	ErrSystemOverload        = errors.New("system overload")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
)

// Core-internal outcomes
var (
	ErrKillSwitch       = errors.New("kill switch engaged")
	ErrPaused           = errors.New("daemon paused")
	ErrSnapshotInvalid  = errors.New("snapshot validation failed")
	ErrProtectionActive = errors.New("protection mode active")
	ErrAutoBlocked      = errors.New("symbol auto-blocked")
	ErrBudgetExhausted  = errors.New("daily analysis budget exhausted")
	ErrJobAlreadyRuns   = errors.New("backfill job already running")
)
