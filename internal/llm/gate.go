package llm

import (
	"context"
	"time"

	"perpcore/internal/config"
	"perpcore/internal/core"
	"perpcore/pkg/telemetry"
)

// CallLog is the persisted call budget record
type CallLog interface {
	RecordLLMCall(ctx context.Context, callType core.CallType, model, route string, granted bool) error
	GrantedCallsSince(ctx context.Context, callType core.CallType, cutoff time.Time) (int, error)
	LastGrantedCallAt(ctx context.Context, callType core.CallType) (time.Time, bool, error)
}

// Gate enforces the daily deep-analysis cap and per-call-type cooldown.
// Every grant and denial is persisted so the budget survives restarts.
type Gate struct {
	cfg    *config.LLMConfig
	log    CallLog
	logger core.ILogger
	clock  core.Clock
}

// NewGate creates a budget gate backed by the call log
func NewGate(cfg *config.LLMConfig, log CallLog, logger core.ILogger, clock core.Clock) *Gate {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &Gate{
		cfg:    cfg,
		log:    log,
		logger: logger.WithField("component", "llm_gate"),
		clock:  clock,
	}
}

// Acquire decides whether a deep call may proceed. A DB failure denies;
// the budget must never be exceeded on a guess. Denials are recorded too.
func (g *Gate) Acquire(ctx context.Context, callType core.CallType, model, route string) (bool, string) {
	now := g.clock.Now()

	count, err := g.log.GrantedCallsSince(ctx, callType, utcMidnight(now))
	if err != nil {
		g.logger.Error("Budget count failed, denying call", "error", err)
		return false, "budget_check_failed"
	}
	if count >= g.cfg.DailyDeepCap {
		g.deny(ctx, callType, model, route)
		return false, "daily_cap_reached"
	}

	if g.cfg.CooldownSec > 0 {
		last, ok, err := g.log.LastGrantedCallAt(ctx, callType)
		if err != nil {
			g.logger.Error("Cooldown check failed, denying call", "error", err)
			return false, "budget_check_failed"
		}
		if ok && now.Sub(last) < time.Duration(g.cfg.CooldownSec)*time.Second {
			g.deny(ctx, callType, model, route)
			return false, "cooldown"
		}
	}

	if err := g.log.RecordLLMCall(ctx, callType, model, route, true); err != nil {
		g.logger.Error("Failed to record granted call", "error", err)
	}
	telemetry.GetGlobalMetrics().LLMCallsTotal.Add(ctx, 1)
	return true, ""
}

// utcMidnight is the start of the budget day. The clock may tick in any
// zone; the day boundary is always UTC.
func utcMidnight(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// RemainingToday returns how many deep calls are still allowed
func (g *Gate) RemainingToday(ctx context.Context, callType core.CallType) (int, error) {
	count, err := g.log.GrantedCallsSince(ctx, callType, utcMidnight(g.clock.Now()))
	if err != nil {
		return 0, err
	}
	remaining := g.cfg.DailyDeepCap - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

func (g *Gate) deny(ctx context.Context, callType core.CallType, model, route string) {
	if err := g.log.RecordLLMCall(ctx, callType, model, route, false); err != nil {
		g.logger.Error("Failed to record denied call", "error", err)
	}
}
