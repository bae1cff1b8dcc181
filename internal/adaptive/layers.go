// Package adaptive computes the five orthogonal decision modifiers. Every
// layer is fail-open: an internal error yields a no-effect result. The one
// deliberate exception is L2 for mean-reversion shorts, which fails closed
// on missing features.
package adaptive

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"perpcore/internal/config"
	"perpcore/internal/core"
	"perpcore/pkg/telemetry"
)

// Entry modes the layers differentiate on
const (
	ModeMeanRev = "MeanRev"
	ModeTrend   = "Trend"
)

// EntryModeFromRegime maps a snapshot regime onto the entry mode the layer
// state is keyed by. Only a static range trades mean-reversion; everything
// else, including unknown, is treated as trend entry.
func EntryModeFromRegime(r core.Regime) string {
	if r == core.RegimeStaticRange {
		return ModeMeanRev
	}
	return ModeTrend
}

const (
	l1StreakPenalty      = 0.70
	l1StreakThreshold    = 3
	l1CooldownThreshold  = 5
	l1WinRateActivate    = 0.35
	l1WinRateRelease     = 0.40
	l1ReleaseStreakNeed  = 3
	l5Penalty            = 0.75
	l5MinSamples         = 10
	partialResetAfter    = 24 * time.Hour
	fullResetAfter       = 36 * time.Hour
	addPeakUPnLMin       = 0.4
)

// Features carries snapshot-derived inputs; nil pointer means the feature
// was unavailable this cycle.
type Features struct {
	Regime            core.Regime
	RangePosition     *float64
	PriceInValueArea  *bool
	BreakoutConfirmed *bool
	VolumeZ           *float64
	FlowBias          *float64
	Impulse           *float64
	Drift             *string
	RetestConfirmed   bool
}

// Input is one evaluation request
type Input struct {
	EntryMode     string
	Side          core.Side
	Action        core.DecisionAction
	Features      Features
	UPnLPct       float64
	PeakUPnLPct   float64
	Health        string // "OK" or "WARN"
	GlobalPnLs    []decimal.Decimal // newest first, last 20 trades
	ModePnLs      []decimal.Decimal // newest first, last 50 for EntryMode
	TradeSwitchOn bool
}

// Result is the combined modifier set
type Result struct {
	Penalty         float64
	L1Penalty       float64
	L5Penalty       float64
	BlockEntry      bool
	BlockAdd        bool
	TimeStopFactor  float64
	SLTightenFactor float64
	ExploratorySize float64
	Reasons         []string
}

func neutralResult() Result {
	return Result{
		Penalty:         1.0,
		L1Penalty:       1.0,
		L5Penalty:       1.0,
		TimeStopFactor:  1.0,
		SLTightenFactor: 1.0,
		ExploratorySize: 1.0,
	}
}

// Layers evaluates all five modifiers against persisted state
type Layers struct {
	cfg    *config.AdaptiveConfig
	kv     KVStore
	logger core.ILogger
	clock  core.Clock
	state  *State
}

// NewLayers loads persisted state and returns the evaluator
func NewLayers(ctx context.Context, cfg *config.AdaptiveConfig, kv KVStore,
	logger core.ILogger, clock core.Clock) *Layers {
	if clock == nil {
		clock = core.RealClock{}
	}
	log := logger.WithField("component", "adaptive")
	return &Layers{
		cfg:    cfg,
		kv:     kv,
		logger: log,
		clock:  clock,
		state:  loadState(ctx, kv, cfg.StatePath, log),
	}
}

// RecordTrade updates the last-trade timestamp, clearing anti-paralysis
func (l *Layers) RecordTrade(ctx context.Context, at time.Time) {
	l.state.LastTradeAt = &at
	l.state.AntiParalysisStage = 0
	saveState(ctx, l.kv, l.cfg.StatePath, l.state, l.logger)
}

// Evaluate runs L1..L5 and persists any state transitions
func (l *Layers) Evaluate(ctx context.Context, in Input) Result {
	res := neutralResult()
	dirty := false

	dirty = l.evalL1(&res, in) || dirty
	l.evalL2(&res, in)
	l.evalL3(&res, in)
	dirty = l.evalL4(&res, in) || dirty
	dirty = l.evalL5(&res, in) || dirty
	dirty = l.evalAntiParalysis(&res, in) || dirty

	floor := l.cfg.PenaltyFloor
	if floor <= 0 {
		floor = 0.55
	}
	res.Penalty = res.L1Penalty * res.L5Penalty
	if res.Penalty < floor {
		res.Penalty = floor
	}

	if dirty {
		saveState(ctx, l.kv, l.cfg.StatePath, l.state, l.logger)
	}
	telemetry.GetGlobalMetrics().SetAdaptivePenalty(res.Penalty)
	return res
}

// evalL1: loss-streak and global win-rate penalty with hysteresis
func (l *Layers) evalL1(res *Result, in Input) bool {
	dirty := false
	now := l.clock.Now()

	streak := lossStreak(in.ModePnLs)
	if streak >= l1CooldownThreshold {
		cooldown := time.Duration(l.cfg.L1CooldownSec) * time.Second
		until, have := l.state.L1CooldownUntil[in.EntryMode]
		if !have || until.Before(now) {
			l.state.L1CooldownUntil[in.EntryMode] = now.Add(cooldown)
			dirty = true
			l.logger.Warn("Loss-streak cooldown engaged",
				"entry_mode", in.EntryMode, "streak", streak)
		}
	}
	if until, have := l.state.L1CooldownUntil[in.EntryMode]; have && now.Before(until) {
		res.BlockEntry = true
		res.BlockAdd = true
		res.Reasons = append(res.Reasons, "l1_cooldown")
	}
	if streak >= l1StreakThreshold {
		res.L1Penalty = l1StreakPenalty
		res.Reasons = append(res.Reasons, "l1_loss_streak")
	}

	// Global win-rate hysteresis over the last 20 trades.
	wr, samples := winRate(in.GlobalPnLs, 20)
	if samples >= l5MinSamples {
		switch {
		case !l.state.L1PenaltyActive && wr < l1WinRateActivate:
			l.state.L1PenaltyActive = true
			l.state.L1ImproveStreak = 0
			dirty = true
		case l.state.L1PenaltyActive && wr >= l1WinRateRelease:
			l.state.L1ImproveStreak++
			dirty = true
			if l.state.L1ImproveStreak >= l1ReleaseStreakNeed {
				l.state.L1PenaltyActive = false
				l.state.L1ImproveStreak = 0
			}
		case l.state.L1PenaltyActive && l.state.L1ImproveStreak > 0:
			l.state.L1ImproveStreak = 0
			dirty = true
		}
	}
	if l.state.L1PenaltyActive {
		if res.L1Penalty > l1StreakPenalty {
			res.L1Penalty = l1StreakPenalty
		}
		res.Reasons = append(res.Reasons, "l1_winrate")
	}
	return dirty
}

// evalL2: mean-reversion protection. SHORT entries under MeanRev require
// every structural condition; missing features fail closed for exactly
// that combination. range_position > 1.0 blocks MeanRev outright.
func (l *Layers) evalL2(res *Result, in Input) {
	if in.EntryMode != ModeMeanRev {
		return
	}
	f := in.Features

	if f.RangePosition != nil && *f.RangePosition > 1.0 {
		res.BlockEntry = true
		res.BlockAdd = true
		res.Reasons = append(res.Reasons, "l2_range_breakout")
		return
	}

	// Hard block: no drift, positive flow, strong impulse.
	if f.Drift != nil && f.FlowBias != nil && f.Impulse != nil &&
		*f.Drift == "NONE" && *f.FlowBias > 0 && *f.Impulse > 1.5 {
		res.BlockEntry = true
		res.Reasons = append(res.Reasons, "l2_hard_block")
		return
	}

	if in.Side != core.SideShort {
		return
	}

	// Fail-closed: any missing feature denies the MeanRev SHORT.
	if f.RangePosition == nil || f.PriceInValueArea == nil ||
		f.BreakoutConfirmed == nil || f.VolumeZ == nil || f.FlowBias == nil {
		res.BlockEntry = true
		res.Reasons = append(res.Reasons, "l2_missing_features")
		return
	}

	ok := f.Regime == core.RegimeStaticRange &&
		*f.PriceInValueArea &&
		*f.RangePosition >= 0.85 &&
		!*f.BreakoutConfirmed &&
		*f.VolumeZ <= 0 &&
		*f.FlowBias <= 0
	if !ok {
		res.BlockEntry = true
		res.Reasons = append(res.Reasons, "l2_short_conditions")
	}
}

// evalL3: ADD gate on unrealized PnL
func (l *Layers) evalL3(res *Result, in Input) {
	if in.UPnLPct < 0 {
		res.BlockAdd = true
		res.Reasons = append(res.Reasons, "l3_upnl_negative")
		return
	}
	if in.PeakUPnLPct < addPeakUPnLMin && !in.Features.RetestConfirmed {
		res.BlockAdd = true
		res.Reasons = append(res.Reasons, "l3_no_peak_or_retest")
	}
}

// evalL4: health WARN blocks entries/ADDs; sustained WARN tightens stops
func (l *Layers) evalL4(res *Result, in Input) bool {
	now := l.clock.Now()
	if in.Health != "WARN" {
		if l.state.WarnSince != nil {
			l.state.WarnSince = nil
			return true
		}
		return false
	}

	dirty := false
	if l.state.WarnSince == nil {
		l.state.WarnSince = &now
		dirty = true
	}
	res.BlockEntry = true
	res.BlockAdd = true
	res.Reasons = append(res.Reasons, "l4_health_warn")

	escalate := time.Duration(l.cfg.WarnEscalateSec) * time.Second
	if now.Sub(*l.state.WarnSince) >= escalate {
		res.TimeStopFactor = 0.5
		res.SLTightenFactor = 0.7
		res.Reasons = append(res.Reasons, "l4_warn_sustained")
	}
	return dirty
}

// evalL5: per-entry-mode win rate over the last 50 trades with hysteresis
func (l *Layers) evalL5(res *Result, in Input) bool {
	wr, samples := winRate(in.ModePnLs, 50)
	if samples < l5MinSamples {
		return false
	}

	dirty := false
	active := l.state.L5PenaltyActive[in.EntryMode]
	switch {
	case !active && wr < l1WinRateActivate:
		l.state.L5PenaltyActive[in.EntryMode] = true
		l.state.L5ImproveStreak[in.EntryMode] = 0
		dirty = true
	case active && wr >= l1WinRateRelease:
		l.state.L5ImproveStreak[in.EntryMode]++
		dirty = true
		if l.state.L5ImproveStreak[in.EntryMode] >= l1ReleaseStreakNeed {
			l.state.L5PenaltyActive[in.EntryMode] = false
			l.state.L5ImproveStreak[in.EntryMode] = 0
		}
	case active && l.state.L5ImproveStreak[in.EntryMode] > 0:
		l.state.L5ImproveStreak[in.EntryMode] = 0
		dirty = true
	}

	if l.state.L5PenaltyActive[in.EntryMode] {
		res.L5Penalty = l5Penalty
		res.Reasons = append(res.Reasons, "l5_mode_winrate")
	}
	return dirty
}

// evalAntiParalysis: one-shot partial relaxation after 24h without trades
// while trading is enabled and health is fine; full reset after 36h.
func (l *Layers) evalAntiParalysis(res *Result, in Input) bool {
	if !in.TradeSwitchOn || in.Health == "WARN" || l.state.LastTradeAt == nil {
		return false
	}
	idle := l.clock.Now().Sub(*l.state.LastTradeAt)

	switch {
	case idle >= fullResetAfter && l.state.AntiParalysisStage < 2:
		l.state.AntiParalysisStage = 2
		l.state.L1PenaltyActive = false
		l.state.L1CooldownUntil = make(map[string]time.Time)
		l.state.L5PenaltyActive = make(map[string]bool)
		l.logger.Warn("Anti-paralysis full reset", "idle", idle.String())
		return true
	case idle >= partialResetAfter && l.state.AntiParalysisStage < 1:
		l.state.AntiParalysisStage = 1
		l.logger.Warn("Anti-paralysis partial reset", "idle", idle.String())
		return true
	}

	if l.state.AntiParalysisStage >= 1 {
		if res.L1Penalty < 0.85 {
			res.L1Penalty = 0.85
		}
		res.ExploratorySize = 0.5
		res.SLTightenFactor = 0.7
		res.Reasons = append(res.Reasons, "anti_paralysis")
	}
	return false
}

// lossStreak counts consecutive losing trades from the newest backwards
func lossStreak(pnls []decimal.Decimal) int {
	streak := 0
	for _, p := range pnls {
		if p.IsNegative() {
			streak++
			continue
		}
		break
	}
	return streak
}

// winRate returns the fraction of winners among up to n newest trades
func winRate(pnls []decimal.Decimal, n int) (float64, int) {
	if len(pnls) > n {
		pnls = pnls[:n]
	}
	if len(pnls) == 0 {
		return 0, 0
	}
	wins := 0
	for _, p := range pnls {
		if p.IsPositive() {
			wins++
		}
	}
	return float64(wins) / float64(len(pnls)), len(pnls)
}
