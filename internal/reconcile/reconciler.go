// Package reconcile compares the live venue position with the strategy
// position record and heals persistent drift. It never touches the venue.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"perpcore/internal/config"
	"perpcore/internal/core"
	"perpcore/pkg/telemetry"
)

// qtyDriftTolerance is the relative drift treated as agreement
const qtyDriftTolerance = 0.05

// Outcome is one reconciliation verdict with the evidence behind it
type Outcome struct {
	Result        core.ReconcileOutcome
	HealingAction string
	ExchSide      core.Side
	ExchQty       decimal.Decimal
	StratSide     core.Side
	StratQty      decimal.Decimal
	Detail        string
}

// StateStore is the slice of the store the reconciler needs
type StateStore interface {
	GetPositionState(ctx context.Context, symbol string) (*core.PositionState, error)
	SavePositionState(ctx context.Context, p *core.PositionState) error
	YoungestIntentAge(ctx context.Context, symbol string) (time.Duration, bool, error)
	InsertReconcileAudit(ctx context.Context, symbol string,
		outcome core.ReconcileOutcome, exchSide core.Side, exchQty decimal.Decimal,
		stratSide core.Side, stratQty decimal.Decimal, healingAction string, detail any) error
}

// Reconciler runs the classification and healing pass
type Reconciler struct {
	cfg      *config.WatcherConfig
	store    StateStore
	exchange core.IExchange
	alerter  core.IAlerter
	logger   core.ILogger
	clock    core.Clock
}

// NewReconciler creates a reconciler
func NewReconciler(cfg *config.WatcherConfig, st StateStore, exchange core.IExchange,
	alerter core.IAlerter, logger core.ILogger, clock core.Clock) *Reconciler {
	if clock == nil {
		clock = core.RealClock{}
	}
	if alerter == nil {
		alerter = core.NopAlerter{}
	}
	return &Reconciler{
		cfg:      cfg,
		store:    st,
		exchange: exchange,
		alerter:  alerter,
		logger:   logger.WithField("component", "reconciler"),
		clock:    clock,
	}
}

// Reconcile runs one pass for the symbol. Fetch errors on either side are
// fail-safe: classify UNKNOWN and do nothing.
func (r *Reconciler) Reconcile(ctx context.Context, symbol string) Outcome {
	passID := uuid.New().String()
	out := r.classify(ctx, symbol)
	r.logger.Debug("Reconcile pass finished",
		"pass_id", passID, "symbol", symbol, "result", string(out.Result))

	if err := r.store.InsertReconcileAudit(ctx, symbol, out.Result,
		out.ExchSide, out.ExchQty, out.StratSide, out.StratQty,
		out.HealingAction,
		map[string]string{"detail": out.Detail, "pass_id": passID}); err != nil {
		r.logger.Error("Reconcile audit write failed", "symbol", symbol, "error", err)
	}

	if out.Result == core.ReconcileMismatchHeal {
		telemetry.GetGlobalMetrics().ReconcileHealsTotal.Add(ctx, 1)
		r.alerter.Warn("포지션 정합성 복구",
			fmt.Sprintf("%s: %s", symbol, out.HealingAction),
			map[string]string{
				"exchange_side": string(out.ExchSide),
				"exchange_qty":  out.ExchQty.String(),
				"strategy_side": string(out.StratSide),
				"strategy_qty":  out.StratQty.String(),
			})
	}
	return out
}

func (r *Reconciler) classify(ctx context.Context, symbol string) Outcome {
	out := Outcome{Result: core.ReconcileUnknown}

	pos, err := r.exchange.GetPosition(ctx, symbol)
	if err != nil {
		r.logger.Warn("Exchange position fetch failed, skipping reconcile",
			"symbol", symbol, "error", err)
		out.Detail = "exchange fetch failed: " + err.Error()
		return out
	}
	state, err := r.store.GetPositionState(ctx, symbol)
	if err != nil {
		r.logger.Warn("Strategy state fetch failed, skipping reconcile",
			"symbol", symbol, "error", err)
		out.Detail = "state fetch failed: " + err.Error()
		return out
	}

	exchFlat := pos == nil || pos.Qty.IsZero()
	if !exchFlat {
		out.ExchSide = pos.Side
		out.ExchQty = pos.Qty
	}
	out.StratSide = state.Side
	out.StratQty = state.TotalQty
	stratFlat := state.IsFlat()

	switch {
	case exchFlat && stratFlat:
		out.Result = core.ReconcileOK
		return out

	case exchFlat && !stratFlat:
		return r.healOrWait(ctx, symbol, state, out)

	case !exchFlat && stratFlat:
		out.Result = core.ReconcileMismatchHeal
		out.HealingAction = "adopt_from_exchange"
		out.Detail = "exchange position with flat strategy state"
		r.adopt(ctx, state, pos)
		return out

	case pos.Side != state.Side:
		out.Result = core.ReconcileMismatchHeal
		out.HealingAction = "adopt_from_exchange"
		out.Detail = "side disagreement"
		r.adopt(ctx, state, pos)
		return out
	}

	drift := driftPct(pos.Qty, state.TotalQty)
	if drift < qtyDriftTolerance {
		out.Result = core.ReconcileOK
		return out
	}

	out.Result = core.ReconcileMismatchHeal
	out.HealingAction = "overwrite_qty"
	out.Detail = fmt.Sprintf("qty drift %.2f%%", drift*100)
	state.TotalQty = pos.Qty
	state.UpdatedAt = r.clock.Now()
	if err := r.store.SavePositionState(ctx, state); err != nil {
		r.logger.Error("Qty heal failed", "symbol", symbol, "error", err)
	} else {
		r.logger.Warn("Strategy qty overwritten from exchange",
			"symbol", symbol, "qty", pos.Qty.String())
	}
	return out
}

// healOrWait handles exchange-flat drift: a young in-flight intent means an
// order may still fill, so the reconciler waits instead of trampling it.
func (r *Reconciler) healOrWait(ctx context.Context, symbol string,
	state *core.PositionState, out Outcome) Outcome {

	ttl := time.Duration(r.cfg.DriftTTLSec) * time.Second
	age, found, err := r.store.YoungestIntentAge(ctx, symbol)
	if err != nil {
		r.logger.Warn("Intent age lookup failed", "symbol", symbol, "error", err)
		out.Result = core.ReconcileUnknown
		out.Detail = "intent age lookup failed"
		return out
	}
	if found && age < ttl {
		out.Result = core.ReconcileMismatchWait
		out.Detail = fmt.Sprintf("in-flight intent age %s < ttl %s", age, ttl)
		return out
	}
	if age := r.clock.Now().Sub(state.StateChangedAt); age < ttl {
		out.Result = core.ReconcileMismatchWait
		out.Detail = fmt.Sprintf("state change age %s < ttl %s", age, ttl)
		return out
	}

	out.Result = core.ReconcileMismatchHeal
	out.HealingAction = "reset_to_flat"
	out.Detail = "exchange flat, strategy state aged past ttl"
	state.ClearToFlat(r.clock.Now())
	if err := r.store.SavePositionState(ctx, state); err != nil {
		r.logger.Error("Flat heal failed", "symbol", symbol, "error", err)
	} else {
		r.logger.Warn("Strategy state reset to flat", "symbol", symbol)
	}
	return out
}

// adopt writes the strategy record from the exchange position
func (r *Reconciler) adopt(ctx context.Context, state *core.PositionState, pos *core.ExchangePosition) {
	now := r.clock.Now()
	state.Side = pos.Side
	state.TotalQty = pos.Qty
	state.AvgEntryPrice = pos.EntryPrice
	state.StageConsumedMask = 1
	state.Stage = 1
	state.NextStageAvailable = 2
	state.PlanState = core.PlanOpen
	state.OrderState = core.OrderNone
	state.UpdatedAt = now
	state.StateChangedAt = now
	if err := r.store.SavePositionState(ctx, state); err != nil {
		r.logger.Error("Adopt heal failed", "symbol", state.Symbol, "error", err)
		return
	}
	r.logger.Warn("Strategy state adopted from exchange",
		"symbol", state.Symbol, "side", string(pos.Side), "qty", pos.Qty.String())
}

func driftPct(exch, strat decimal.Decimal) float64 {
	if strat.IsZero() {
		return 1
	}
	d, _ := exch.Sub(strat).Abs().Div(strat).Float64()
	return d
}
