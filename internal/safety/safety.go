// Package safety runs the pre-enqueue limit checks. A denial drops the
// decision silently from the queue's perspective; the decision log row is
// still written by the caller.
package safety

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"perpcore/internal/config"
	"perpcore/internal/core"
	"perpcore/internal/store"
)

// Checker evaluates the safety limits before any queue insert
type Checker struct {
	cfg    *config.SafetyConfig
	store  *store.Store
	logger core.ILogger
	clock  core.Clock
}

// NewChecker creates the pre-enqueue checker
func NewChecker(cfg *config.SafetyConfig, st *store.Store, logger core.ILogger, clock core.Clock) *Checker {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &Checker{
		cfg:    cfg,
		store:  st,
		logger: logger.WithField("component", "safety"),
		clock:  clock,
	}
}

// Check denies with a reason, or allows with "". Limit checks fail closed
// for risk-increasing actions when the store cannot answer; risk-reducing
// actions are never blocked by a read failure.
func (c *Checker) Check(ctx context.Context, symbol string, action core.ActionType,
	state *core.PositionState, notionalUSDT decimal.Decimal) (string, error) {

	riskIncreasing := action.RiskIncreasing()
	now := c.clock.Now()

	// Daily loss limit.
	if c.cfg.DailyLossLimitUSDT > 0 {
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		pnl, err := c.store.RealizedPnLSince(ctx, symbol, midnight)
		if err != nil {
			if riskIncreasing {
				return "daily_loss_check_failed", err
			}
			c.logger.Warn("Daily loss check failed, allowing risk-reducing action", "error", err)
		} else if pnl.IsNegative() &&
			pnl.Abs().GreaterThanOrEqual(decimal.NewFromFloat(c.cfg.DailyLossLimitUSDT)) {
			if riskIncreasing {
				return fmt.Sprintf("daily_loss_limit: %s USDT", pnl.Round(2)), nil
			}
		}
	}

	// Hourly order limit applies to everything that inserts a row.
	if c.cfg.HourlyOrderLimit > 0 {
		n, err := c.store.CountEnqueuedSince(ctx, symbol, now.Add(-time.Hour))
		if err != nil {
			if riskIncreasing {
				return "hourly_limit_check_failed", err
			}
			c.logger.Warn("Hourly limit check failed, allowing risk-reducing action", "error", err)
		} else if n >= c.cfg.HourlyOrderLimit {
			return fmt.Sprintf("hourly_order_limit: %d", n), nil
		}
	}

	if !riskIncreasing {
		return "", nil
	}

	// Exposure cap against total capital.
	if c.cfg.CapitalCapUSDT > 0 && state != nil {
		projected := state.CapitalUsedUSDT.Add(notionalUSDT)
		if projected.GreaterThan(decimal.NewFromFloat(c.cfg.CapitalCapUSDT)) {
			return fmt.Sprintf("capital_cap: projected %s USDT", projected.Round(2)), nil
		}
	}

	// Pyramid stage limit.
	if action == core.ActionAdd && state != nil && state.Stage >= core.MaxStages {
		return "max_stages", nil
	}

	return "", nil
}
