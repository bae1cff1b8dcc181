package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"perpcore/internal/core"
	"perpcore/internal/safety"
	"perpcore/internal/store"
	"perpcore/pkg/telemetry"
	"perpcore/pkg/tradingutils"
)

// dupWindow guards against cascading duplicates of the same action
const dupWindow = 5 * time.Minute

// MarketSource provides venue rules for the reduce-upgrade check
type MarketSource interface {
	Get(ctx context.Context, symbol string) (*core.MarketInfo, error)
}

// Sizing is the caller-computed order size for risk-increasing actions
type Sizing struct {
	TargetQty  decimal.Decimal
	TargetUSDT decimal.Decimal
}

// Enqueuer turns decisions into execution queue rows with the dup guard,
// safety checks, reverse pairing and the reduce-to-close upgrade.
type Enqueuer struct {
	store  *store.Store
	safety *safety.Checker
	market MarketSource
	logger core.ILogger
	clock  core.Clock
}

// NewEnqueuer creates the enqueue path
func NewEnqueuer(st *store.Store, checker *safety.Checker, market MarketSource,
	logger core.ILogger, clock core.Clock) *Enqueuer {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &Enqueuer{
		store:  st,
		safety: checker,
		market: market,
		logger: logger.WithField("component", "enqueuer"),
		clock:  clock,
	}
}

// Enqueue inserts the rows for one decision. Returns false with a reason
// when the decision was dropped by a guard rather than failed.
func (q *Enqueuer) Enqueue(ctx context.Context, symbol string, d Decision,
	state *core.PositionState, position *core.ExchangePosition,
	sizing Sizing, source string, decisionID *int64) (bool, string, error) {

	if d.Action == core.DecideHold {
		return false, "hold", nil
	}

	actions, err := q.expand(ctx, symbol, d, state, position, sizing, source, decisionID)
	if err != nil {
		return false, "", err
	}
	primary := actions[0]

	dup, err := q.store.HasRecentPending(ctx, symbol, primary.ActionType, primary.Direction, dupWindow)
	if err != nil {
		return false, "", fmt.Errorf("duplicate guard failed: %w", err)
	}
	if dup {
		q.logger.Info("Duplicate action suppressed",
			"symbol", symbol, "action", primary.ActionType, "direction", primary.Direction)
		return false, "duplicate", nil
	}

	denyReason, err := q.safety.Check(ctx, symbol, primary.ActionType, state, sizing.TargetUSDT)
	if err != nil {
		return false, "", fmt.Errorf("safety check failed: %w", err)
	}
	if denyReason != "" {
		q.logger.Warn("Safety check denied action",
			"symbol", symbol, "action", primary.ActionType, "reason", denyReason)
		return false, denyReason, nil
	}

	if len(actions) == 2 {
		closeID, openID, err := q.store.EnqueuePair(ctx, actions[0], actions[1])
		if err != nil {
			return false, "", err
		}
		telemetry.GetGlobalMetrics().EnqueuedTotal.Add(ctx, 2)
		q.logger.Info("Reverse pair enqueued",
			"symbol", symbol, "close_id", closeID, "open_id", openID,
			"direction", actions[1].Direction)
		return true, "", nil
	}

	id, err := q.store.Enqueue(ctx, actions[0])
	if err != nil {
		return false, "", err
	}
	telemetry.GetGlobalMetrics().EnqueuedTotal.Add(ctx, 1)
	q.logger.Info("Action enqueued",
		"symbol", symbol, "id", id, "action", actions[0].ActionType,
		"direction", actions[0].Direction, "priority", actions[0].Priority)
	return true, "", nil
}

// expand maps one decision onto its queue rows
func (q *Enqueuer) expand(ctx context.Context, symbol string, d Decision,
	state *core.PositionState, position *core.ExchangePosition,
	sizing Sizing, source string, decisionID *int64) ([]*core.QueueEntry, error) {

	now := q.clock.Now()
	base := func(action core.ActionType, priority int) *core.QueueEntry {
		return &core.QueueEntry{
			TS:           now,
			Symbol:       symbol,
			ActionType:   action,
			Direction:    d.Direction,
			Source:       source,
			Reason:       d.Reason,
			Priority:     priority,
			Status:       core.QueuePending,
			PMDecisionID: decisionID,
		}
	}

	// Legs acting on the existing position carry its entry mode in the
	// meta; the open leg of a reverse carries the decision's.
	posMode := ""
	if state != nil {
		posMode = state.EntryMode
	}

	switch d.Action {
	case core.DecideClose:
		e := base(core.ActionClose, PriorityClose)
		if position != nil {
			e.TargetQty = position.Qty
		}
		stampEntryMode(e, posMode)
		return []*core.QueueEntry{e}, nil

	case core.DecideAdd:
		e := base(core.ActionAdd, PriorityAdd)
		e.TargetQty = sizing.TargetQty
		e.TargetUSDT = sizing.TargetUSDT
		stampEntryMode(e, posMode)
		return []*core.QueueEntry{e}, nil

	case core.DecideReduce:
		entries, err := q.expandReduce(ctx, symbol, d, position, base)
		for _, e := range entries {
			stampEntryMode(e, posMode)
		}
		return entries, err

	case core.DecideReverse:
		closeEntry := base(core.ActionReverseClose, PriorityReverse)
		if position != nil {
			closeEntry.TargetQty = position.Qty
			closeEntry.Direction = directionOf(position.Side)
		}
		stampEntryMode(closeEntry, posMode)
		openEntry := base(core.ActionReverseOpen, PriorityReverse)
		openEntry.TargetQty = sizing.TargetQty
		openEntry.TargetUSDT = sizing.TargetUSDT
		stampEntryMode(openEntry, d.EntryMode)
		return []*core.QueueEntry{closeEntry, openEntry}, nil
	}
	return nil, fmt.Errorf("unmapped decision action: %s", d.Action)
}

// stampEntryMode merges entry_mode into the entry meta without clobbering
// keys other expanders already set.
func stampEntryMode(e *core.QueueEntry, mode string) {
	if e == nil || mode == "" {
		return
	}
	m := map[string]any{}
	if len(e.Meta) > 0 {
		if err := json.Unmarshal(e.Meta, &m); err != nil {
			m = map[string]any{}
		}
	}
	m["entry_mode"] = mode
	if b, err := json.Marshal(m); err == nil {
		e.Meta = b
	}
}

// expandReduce applies the upgrade rule: a reduce that would leave or cut
// a fragment below minQty becomes FULL_CLOSE, explicit in the meta.
func (q *Enqueuer) expandReduce(ctx context.Context, symbol string, d Decision,
	position *core.ExchangePosition,
	base func(core.ActionType, int) *core.QueueEntry) ([]*core.QueueEntry, error) {

	pct := d.ReducePct
	if pct <= 0 || pct > 1 {
		pct = 0.5
	}

	var reduceQty, posQty decimal.Decimal
	if position != nil {
		posQty = position.Qty
		reduceQty = posQty.Mul(decimal.NewFromFloat(pct))
	}

	upgrade := false
	info, err := q.market.Get(ctx, symbol)
	if err != nil {
		q.logger.Warn("Market info unavailable for reduce sizing", "symbol", symbol, "error", err)
	} else if !posQty.IsZero() {
		reduceQty = tradingutils.AlignQty(reduceQty, info.StepSize)
		remainder := posQty.Sub(reduceQty)
		if reduceQty.LessThan(info.MinQty) || remainder.LessThan(info.MinQty) {
			upgrade = true
		}
	}

	if upgrade {
		e := base(core.ActionFullClose, PriorityClose)
		e.TargetQty = posQty
		e.Reason = d.Reason + " (upgraded: remainder below min qty)"
		e.Meta = json.RawMessage(`{"reduce_upgraded_to_close":true}`)
		return []*core.QueueEntry{e}, nil
	}

	e := base(core.ActionReduce, PriorityReduce)
	e.TargetQty = reduceQty
	e.ReducePct = pct
	return []*core.QueueEntry{e}, nil
}
