// Package events classifies market snapshots into decision modes via
// edge-detected triggers with bundling, dedup and HOLD suppression.
package events

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"perpcore/internal/config"
	"perpcore/internal/core"
)

// Trigger names
const (
	TriggerPriceSpike1m  = "price_spike_1m"
	TriggerPriceSpike5m  = "price_spike_5m"
	TriggerPriceSpike15m = "price_spike_15m"
	TriggerVolumeSpike   = "volume_spike"
	TriggerATRIncrease   = "atr_increase"
	TriggerImpulseSpike  = "impulse_spike"
	TriggerRangeExtreme  = "range_position_extreme"
	TriggerLiquidity     = "liquidity_stress"
	TriggerScoreMove     = "extreme_score_move"
)

// Price spike thresholds in percent: default tiers and the lowered tiers
// used when event-decision mode is enabled.
var (
	spikeThresholds        = map[string]float64{TriggerPriceSpike1m: 1.0, TriggerPriceSpike5m: 1.8, TriggerPriceSpike15m: 3.0}
	spikeThresholdsLowered = map[string]float64{TriggerPriceSpike1m: 0.5, TriggerPriceSpike5m: 1.0, TriggerPriceSpike15m: 1.5}
)

const (
	volumeSpikeDefault  = 2.0
	impulseSpikeMin     = 1.0
	atrJumpRatio        = 1.5
	scoreMoveEmergency  = 30.0
)

// Trigger is one fired condition with its observed value
type Trigger struct {
	Name      string  `json:"name"`
	Direction string  `json:"direction"`
	Value     float64 `json:"value"`
}

// Result of one classification pass
type Result struct {
	Mode       core.Mode
	CallType   core.CallType
	Triggers   []Trigger
	EventHash  string
	Suppressed bool
	Suppress   string
}

// DedupStore is the persistent event-hash cache
type DedupStore interface {
	SeenEventHash(ctx context.Context, hash string, window time.Duration) (bool, error)
}

// Engine holds the in-process edge, bundle and HOLD-suppression state.
// Not safe for concurrent use; each daemon owns one.
type Engine struct {
	cfg    *config.EventsConfig
	dedup  DedupStore
	logger core.ILogger
	clock  core.Clock

	armed     map[string]bool
	prevSide  core.Side
	prevATR   float64
	prevScore float64
	havePrev  bool

	bundle         []Trigger
	bundleDeadline time.Time
	bundleMode     core.Mode
	bundleCall     core.CallType

	holdStreak     map[string]int
	consecutiveHold int
}

// NewEngine creates a trigger engine
func NewEngine(cfg *config.EventsConfig, dedup DedupStore, logger core.ILogger, clock core.Clock) *Engine {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &Engine{
		cfg:        cfg,
		dedup:      dedup,
		logger:     logger.WithField("component", "event_engine"),
		clock:      clock,
		armed:      make(map[string]bool),
		holdStreak: make(map[string]int),
	}
}

// ResetEdges clears all edge and suppression state. Called when the
// position side changes.
func (e *Engine) ResetEdges() {
	e.armed = make(map[string]bool)
	e.holdStreak = make(map[string]int)
	e.consecutiveHold = 0
	e.bundle = nil
	e.havePrev = false
}

// Evaluate inspects the snapshot, maintains edges and bundling, and
// returns the mode for this cycle. Suppression applies to EVENT only.
func (e *Engine) Evaluate(ctx context.Context, s *core.Snapshot, side core.Side, scores core.Scores) Result {
	if side != e.prevSide {
		e.ResetEdges()
		e.prevSide = side
	}

	fired, mode, call := e.detect(s, scores)

	e.prevATR = s.ATR14
	e.prevScore = scores.ScoreFor(scores.Dominant())
	e.havePrev = true

	// EMERGENCY bypasses bundling and suppression entirely.
	if mode == core.ModeEmergency {
		e.bundle = nil
		return Result{Mode: core.ModeEmergency, CallType: core.CallEmergency,
			Triggers: fired, EventHash: hashTriggers(fired)}
	}

	if len(fired) > 0 {
		if len(e.bundle) == 0 {
			e.bundleDeadline = e.clock.Now().Add(time.Duration(e.cfg.BundleWindowSec) * time.Second)
			e.bundleMode = mode
			e.bundleCall = call
		}
		e.bundle = append(e.bundle, fired...)
		// EVENT_DECISION outranks EVENT within one bundle.
		if mode == core.ModeEventDecision {
			e.bundleMode = core.ModeEventDecision
			e.bundleCall = core.CallAutoEmergency
		}
	}

	if len(e.bundle) == 0 || e.clock.Now().Before(e.bundleDeadline) {
		return Result{Mode: core.ModeDefault}
	}

	// Bundle window closed: emit and clear.
	bundle := e.bundle
	bundleMode, bundleCall := e.bundleMode, e.bundleCall
	e.bundle = nil

	res := Result{
		Mode:      bundleMode,
		CallType:  bundleCall,
		Triggers:  bundle,
		EventHash: hashTriggers(bundle),
	}

	if bundleMode == core.ModeEvent {
		if reason := e.suppress(ctx, res, side); reason != "" {
			res.Suppressed = true
			res.Suppress = reason
			res.Mode = core.ModeDefault
		}
	}
	return res
}

// detect runs every trigger check with rising-edge semantics
func (e *Engine) detect(s *core.Snapshot, scores core.Scores) ([]Trigger, core.Mode, core.CallType) {
	var fired []Trigger
	mode := core.ModeDefault
	call := core.CallAuto

	thresholds := spikeThresholds
	if e.cfg.FFEventDecisionMode {
		thresholds = spikeThresholdsLowered
	}

	rets := map[string]float64{
		TriggerPriceSpike1m:  s.Ret1m,
		TriggerPriceSpike5m:  s.Ret5m,
		TriggerPriceSpike15m: s.Ret15m,
	}
	for name, ret := range rets {
		if t, ok := e.edge(name, math.Abs(ret) >= thresholds[name], ret); ok {
			fired = append(fired, t)
			if e.cfg.FFEventDecisionMode {
				mode = core.ModeEventDecision
				call = core.CallAutoEmergency
			} else if mode == core.ModeDefault {
				mode = core.ModeEvent
			}
		}
	}

	volThreshold := e.cfg.VolumeSpikeRatio
	if volThreshold <= 0 {
		volThreshold = volumeSpikeDefault
	}
	if t, ok := e.edge(TriggerVolumeSpike, s.VolMA >= volThreshold, s.VolMA); ok {
		fired = append(fired, t)
	}

	atrJumped := e.havePrev && e.prevATR > 0 && s.ATR14/e.prevATR >= atrJumpRatio
	if t, ok := e.edge(TriggerATRIncrease, atrJumped, s.ATR14); ok {
		fired = append(fired, t)
	}

	if e.cfg.FFEventDecisionMode {
		if t, ok := e.edge(TriggerImpulseSpike, math.Abs(s.Impulse) >= impulseSpikeMin, s.Impulse); ok {
			fired = append(fired, t)
		}
		outOfBand := s.RangePosition < 0 || s.RangePosition > 1
		if t, ok := e.edge(TriggerRangeExtreme, outOfBand, s.RangePosition); ok {
			fired = append(fired, t)
		}
		if t, ok := e.edge(TriggerLiquidity, s.LiquidityStress(), 0); ok {
			fired = append(fired, t)
		}
	}

	// Emergency class: extreme score move cycle-over-cycle.
	dominant := scores.ScoreFor(scores.Dominant())
	scoreJumped := e.havePrev && math.Abs(dominant-e.prevScore) >= scoreMoveEmergency
	if t, ok := e.edge(TriggerScoreMove, scoreJumped, dominant-e.prevScore); ok {
		fired = append(fired, t)
		mode = core.ModeEmergency
	}

	if len(fired) > 0 && mode == core.ModeDefault {
		mode = core.ModeEvent
	}
	return fired, mode, call
}

// edge implements rising-edge arming: a trigger fires once and must
// return to normal before it can fire again.
func (e *Engine) edge(name string, active bool, value float64) (Trigger, bool) {
	if !active {
		e.armed[name] = false
		return Trigger{}, false
	}
	if e.armed[name] {
		return Trigger{}, false
	}
	e.armed[name] = true

	dir := "up"
	if value < 0 {
		dir = "down"
	}
	return Trigger{Name: name, Direction: dir, Value: value}, true
}

// suppress applies the EVENT-only filters in order: hash dedup,
// HOLD-repeat per trigger set, consecutive HOLD.
func (e *Engine) suppress(ctx context.Context, res Result, side core.Side) string {
	window := time.Duration(e.cfg.DedupWindowMin) * time.Minute
	seen, err := e.dedup.SeenEventHash(ctx, res.EventHash, window)
	if err != nil {
		e.logger.Warn("Event dedup check failed", "error", err)
	} else if seen {
		return "dedup"
	}

	key := holdKey(res.Triggers, side)
	if e.holdStreak[key] >= e.cfg.HoldRepeatLimit {
		return "hold_repeat"
	}
	if e.consecutiveHold >= e.cfg.ConsecutiveHoldLimit {
		return "consecutive_hold"
	}
	return ""
}

// RecordOutcome feeds the decision back into the HOLD suppression state
func (e *Engine) RecordOutcome(triggers []Trigger, side core.Side, action core.DecisionAction) {
	key := holdKey(triggers, side)
	if action == core.DecideHold {
		e.holdStreak[key]++
		e.consecutiveHold++
		return
	}
	e.holdStreak[key] = 0
	e.consecutiveHold = 0
}

func holdKey(triggers []Trigger, side core.Side) string {
	names := make([]string, 0, len(triggers))
	for _, t := range triggers {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return string(side) + "|" + strings.Join(names, ",")
}

func hashTriggers(triggers []Trigger) string {
	parts := make([]string, 0, len(triggers))
	for _, t := range triggers {
		parts = append(parts, fmt.Sprintf("%s:%s", t.Name, t.Direction))
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:8])
}
