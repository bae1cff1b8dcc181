// Package decision holds the deterministic local engine, the enqueue
// path with its safety semantics, and the event-decision handler.
package decision

import (
	"fmt"

	"github.com/shopspring/decimal"

	"perpcore/internal/adaptive"
	"perpcore/internal/config"
	"perpcore/internal/core"
)

// Queue priorities by action urgency. Emergency variants never exceed 2.
const (
	PriorityClose   = 2
	PriorityReverse = 2
	PriorityReduce  = 3
	PriorityAdd     = 5
)

// Context is everything the deterministic engine looks at for one cycle
type Context struct {
	Position *core.ExchangePosition
	State    *core.PositionState
	Snapshot *core.Snapshot
	Scores   core.Scores
	Price    decimal.Decimal
}

// Decision is the engine verdict. EntryMode is set only when the decision
// opens a position (REVERSE); it names the adaptive bucket the new position
// belongs to ("Trend" or "MeanRev").
type Decision struct {
	Action    core.DecisionAction
	Direction core.Direction
	Reason    string
	ReducePct float64
	EntryMode string
}

// Engine is the deterministic rule engine. It holds no mutable state.
type Engine struct {
	cfg    *config.ManagerConfig
	logger core.ILogger
}

// NewEngine creates the engine
func NewEngine(cfg *config.ManagerConfig, logger core.ILogger) *Engine {
	return &Engine{cfg: cfg, logger: logger.WithField("component", "decision_engine")}
}

// Decide chooses exactly one of HOLD, ADD, REDUCE, CLOSE, REVERSE.
// Entries from flat are owned by a separate autopilot; flat always holds.
func (e *Engine) Decide(c Context) Decision {
	if c.Position == nil || c.Position.Side == core.SideFlat || c.Position.Qty.IsZero() {
		return Decision{Action: core.DecideHold, Reason: "no position"}
	}

	side := c.Position.Side
	ownDir := directionOf(side)

	// Stop loss is checked before anything else.
	if slHit, dist := e.stopLossHit(c); slHit {
		return Decision{
			Action:    core.DecideClose,
			Direction: ownDir,
			Reason:    fmt.Sprintf("dynamic stop loss: %.2f%% <= -%.2f%%", dist, e.cfg.DynamicSLPct),
		}
	}

	dominant := c.Scores.Dominant()
	dominantScore := c.Scores.ScoreFor(dominant)
	ownScore := c.Scores.ScoreFor(side)
	counterScore := c.Scores.ScoreFor(side.Opposite())

	// Reversal needs both a strong opposing score and structural
	// confirmation from at least 3 of the 4 checks.
	if dominant == side.Opposite() && dominantScore >= e.cfg.ReverseScore {
		if confirms := e.structuralConfirmations(c, dominant); confirms >= 3 {
			return Decision{
				Action:    core.DecideReverse,
				Direction: directionOf(dominant),
				Reason:    fmt.Sprintf("reversal: counter score %.1f, %d/4 confirmations", dominantScore, confirms),
				EntryMode: adaptive.EntryModeFromRegime(snapshotRegime(c.Snapshot)),
			}
		}
	}

	// ADD only while pyramid stages and budget remain.
	if dominant == side && dominantScore >= e.cfg.AddScoreMin &&
		c.State != nil && c.State.Stage < core.MaxStages &&
		c.State.TradeBudgetUsedPct < core.MaxBudgetUsedPct {
		return Decision{
			Action:    core.DecideAdd,
			Direction: ownDir,
			Reason:    fmt.Sprintf("add: own score %.1f, stage %d", dominantScore, c.State.Stage),
		}
	}

	if counterScore >= e.cfg.ReduceCounter && ownScore <= e.cfg.ReduceOwnMax {
		return Decision{
			Action:    core.DecideReduce,
			Direction: ownDir,
			Reason:    fmt.Sprintf("strong counter: %.1f vs own %.1f", counterScore, ownScore),
			ReducePct: 0.5,
		}
	}

	return Decision{Action: core.DecideHold, Reason: "no rule fired"}
}

// stopLossHit evaluates the signed entry distance against the dynamic SL
func (e *Engine) stopLossHit(c Context) (bool, float64) {
	entry := c.Position.EntryPrice
	if entry.IsZero() || c.Price.IsZero() {
		return false, 0
	}
	dist, _ := c.Price.Sub(entry).Div(entry).Mul(decimal.NewFromInt(100)).Float64()
	if c.Position.Side == core.SideShort {
		dist = -dist
	}
	return dist <= -e.cfg.DynamicSLPct, dist
}

// structuralConfirmations counts the four structural checks agreeing with
// the candidate side: tenkan/kijun cross, RSI extreme, 50/200 MA order,
// price vs kijun.
func (e *Engine) structuralConfirmations(c Context, candidate core.Side) int {
	s := c.Snapshot
	if s == nil {
		return 0
	}
	confirms := 0

	if !s.Tenkan.IsZero() && !s.Kijun.IsZero() {
		if candidate == core.SideLong && s.Tenkan.GreaterThan(s.Kijun) {
			confirms++
		}
		if candidate == core.SideShort && s.Tenkan.LessThan(s.Kijun) {
			confirms++
		}
	}

	if candidate == core.SideLong && s.RSI14 <= 30 {
		confirms++
	}
	if candidate == core.SideShort && s.RSI14 >= 70 {
		confirms++
	}

	if !s.MA50.IsZero() && !s.MA200.IsZero() {
		if candidate == core.SideLong && s.MA50.GreaterThan(s.MA200) {
			confirms++
		}
		if candidate == core.SideShort && s.MA50.LessThan(s.MA200) {
			confirms++
		}
	}

	if !s.Kijun.IsZero() && !c.Price.IsZero() {
		if candidate == core.SideLong && c.Price.GreaterThan(s.Kijun) {
			confirms++
		}
		if candidate == core.SideShort && c.Price.LessThan(s.Kijun) {
			confirms++
		}
	}
	return confirms
}

func snapshotRegime(s *core.Snapshot) core.Regime {
	if s == nil {
		return core.RegimeUnknown
	}
	return s.Regime
}

func directionOf(s core.Side) core.Direction {
	if s == core.SideShort {
		return core.DirectionShort
	}
	return core.DirectionLong
}

// PriorityFor maps decisions to queue priorities
func PriorityFor(action core.ActionType) int {
	switch action {
	case core.ActionClose, core.ActionFullClose, core.ActionReverseClose, core.ActionReverseOpen:
		return PriorityClose
	case core.ActionReduce:
		return PriorityReduce
	default:
		return PriorityAdd
	}
}
