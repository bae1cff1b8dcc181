package fillwatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"perpcore/internal/adaptive"
	"perpcore/internal/core"
	"perpcore/pkg/telemetry"
	"perpcore/pkg/tradingutils"
)

// fillMeta carries signal fields relayed through the execution row
type fillMeta struct {
	StartStage int     `json:"start_stage"`
	EntryPct   float64 `json:"entry_pct"`
	EntryMode  string  `json:"entry_mode"`
}

func parseMeta(raw json.RawMessage) fillMeta {
	m := fillMeta{StartStage: 1}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &m)
	}
	if m.StartStage < 1 || m.StartStage > core.MaxStages {
		m.StartStage = 1
	}
	if m.EntryMode != adaptive.ModeTrend && m.EntryMode != adaptive.ModeMeanRev {
		m.EntryMode = adaptive.ModeTrend
	}
	return m
}

// settle waits the verification delay, re-fetches the authoritative
// position, and applies the per-order-type state transition.
func (w *Watcher) settle(ctx context.Context, rec *core.ExecutionRecord) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(w.cfg.PositionVerifyDelaySec) * time.Second):
	}

	pos, err := w.exchange.GetPosition(ctx, rec.Symbol)
	if err != nil {
		return fmt.Errorf("position verify fetch failed: %w", err)
	}
	state, err := w.store.GetPositionState(ctx, rec.Symbol)
	if err != nil {
		return err
	}

	switch rec.ActionType {
	case core.ActionOpen:
		return w.settleEntry(ctx, rec, state, pos, "")
	case core.ActionReverseOpen:
		prior := string(rec.Direction.Side().Opposite())
		return w.settleEntry(ctx, rec, state, pos, prior)
	case core.ActionAdd:
		return w.settleAdd(ctx, rec, state, pos)
	case core.ActionReduce:
		return w.settleReduce(ctx, rec, state, pos)
	case core.ActionClose, core.ActionFullClose, core.ActionReverseClose:
		return w.settleClose(ctx, rec, state, pos)
	}
	return fmt.Errorf("no settlement handler for action %s", rec.ActionType)
}

func (w *Watcher) settleEntry(ctx context.Context, rec *core.ExecutionRecord,
	state *core.PositionState, pos *core.ExchangePosition, priorSide string) error {

	meta := parseMeta(rec.Meta)
	entryPct := meta.EntryPct
	if entryPct <= 0 {
		entryPct = w.mgrCfg.AddSlicePct
	}
	applyEntryFill(state, rec, meta, entryPct, w.clock.Now())
	if err := w.store.SavePositionState(ctx, state); err != nil {
		return err
	}
	if err := w.verify(ctx, rec, pos, decimal.Zero); err != nil {
		return err
	}

	title := "신규 진입 체결"
	msg := fmt.Sprintf("%s %s 진입 완료: 수량 %s @ %s",
		rec.Symbol, string(state.Side), rec.FilledQty.String(),
		tradingutils.Round4(rec.AvgFillPrice).String())
	if priorSide != "" {
		title = "포지션 전환 체결"
		msg = fmt.Sprintf("%s (이전 %s)", msg, priorSide)
	}
	w.alerter.Info(title, msg, map[string]string{
		"stage":     fmt.Sprintf("%d", meta.StartStage),
		"entry_pct": fmt.Sprintf("%.1f", entryPct),
	})
	return nil
}

// applyEntryFill resets the state to a fresh position from the entry fill.
// The consumed-stage mask and the stages detail must name the same stage,
// which for a signal entry can be any of 1..MaxStages.
func applyEntryFill(state *core.PositionState, rec *core.ExecutionRecord,
	meta fillMeta, entryPct float64, now time.Time) {

	filledUSDT := rec.FilledQty.Mul(rec.AvgFillPrice)

	state.Side = rec.Direction.Side()
	state.EntryMode = meta.EntryMode
	state.TotalQty = rec.FilledQty
	state.AvgEntryPrice = rec.AvgFillPrice
	state.StageConsumedMask = 0
	state.ConsumeStage(meta.StartStage)
	state.StagesDetail = []core.StageFill{{
		Stage:      meta.StartStage,
		Price:      rec.AvgFillPrice,
		Qty:        rec.FilledQty,
		Pct:        entryPct,
		FilledUSDT: filledUSDT,
	}}
	state.TradeBudgetUsedPct = entryPct
	state.CapitalUsedUSDT = filledUSDT
	state.AccumulatedEntryFee = rec.Fee.Abs()
	state.PlanState = core.PlanOpen
	state.OrderState = core.OrderFilled
	state.UpdatedAt = now
	state.StateChangedAt = now
}

func (w *Watcher) settleAdd(ctx context.Context, rec *core.ExecutionRecord,
	state *core.PositionState, pos *core.ExchangePosition) error {

	qtyBefore := state.TotalQty
	newQty := qtyBefore.Add(rec.FilledQty)
	if newQty.IsPositive() {
		state.AvgEntryPrice = state.AvgEntryPrice.Mul(qtyBefore).
			Add(rec.AvgFillPrice.Mul(rec.FilledQty)).Div(newQty)
	}
	state.TotalQty = newQty

	stage := state.NextStageAvailable
	state.ConsumeStage(stage)
	state.StagesDetail = append(state.StagesDetail, core.StageFill{
		Stage:      stage,
		Price:      rec.AvgFillPrice,
		Qty:        rec.FilledQty,
		Pct:        w.mgrCfg.AddSlicePct,
		FilledUSDT: rec.FilledQty.Mul(rec.AvgFillPrice),
	})
	state.TradeBudgetUsedPct += w.mgrCfg.AddSlicePct
	if state.TradeBudgetUsedPct > core.MaxBudgetUsedPct {
		state.TradeBudgetUsedPct = core.MaxBudgetUsedPct
	}
	state.CapitalUsedUSDT = state.CapitalUsedUSDT.Add(rec.FilledQty.Mul(rec.AvgFillPrice))
	state.AccumulatedEntryFee = state.AccumulatedEntryFee.Add(rec.Fee.Abs())
	state.OrderState = core.OrderFilled
	state.UpdatedAt = w.clock.Now()
	if err := w.store.SavePositionState(ctx, state); err != nil {
		return err
	}
	if err := w.verify(ctx, rec, pos, decimal.Zero); err != nil {
		return err
	}

	w.alerter.Info("추가 진입 체결",
		fmt.Sprintf("%s %d단계 추가 진입: 수량 %s @ %s (평단 %s)",
			rec.Symbol, stage, rec.FilledQty.String(),
			tradingutils.Round4(rec.AvgFillPrice).String(), tradingutils.Round4(state.AvgEntryPrice).String()),
		map[string]string{
			"budget_used_pct": fmt.Sprintf("%.1f", state.TradeBudgetUsedPct),
		})
	return nil
}

func (w *Watcher) settleReduce(ctx context.Context, rec *core.ExecutionRecord,
	state *core.PositionState, pos *core.ExchangePosition) error {

	qtyBefore := state.TotalQty
	entryFeeShare := decimal.Zero
	if qtyBefore.IsPositive() {
		entryFeeShare = state.AccumulatedEntryFee.Mul(rec.FilledQty).Div(qtyBefore)
	}
	pnl := tradingutils.RealizedPnL(state.AvgEntryPrice, rec.AvgFillPrice, rec.FilledQty, dirSign(state.Side)).
		Sub(rec.Fee.Abs()).Sub(entryFeeShare)

	state.AccumulatedEntryFee = state.AccumulatedEntryFee.Sub(entryFeeShare)
	if pos != nil && pos.Qty.IsPositive() {
		state.TotalQty = pos.Qty
	} else {
		state.TotalQty = qtyBefore.Sub(rec.FilledQty)
	}
	state.OrderState = core.OrderFilled
	state.UpdatedAt = w.clock.Now()
	if err := w.store.SavePositionState(ctx, state); err != nil {
		return err
	}
	if err := w.verify(ctx, rec, pos, pnl); err != nil {
		return err
	}
	w.recordTrade(ctx)

	w.alerter.Info("부분 청산 체결",
		fmt.Sprintf("%s 부분 청산: 수량 %s @ %s, 실현손익 %s USDT",
			rec.Symbol, rec.FilledQty.String(),
			tradingutils.Round4(rec.AvgFillPrice).String(), tradingutils.Round4(pnl).String()),
		nil)
	return nil
}

func (w *Watcher) settleClose(ctx context.Context, rec *core.ExecutionRecord,
	state *core.PositionState, pos *core.ExchangePosition) error {

	pnl := tradingutils.RealizedPnL(state.AvgEntryPrice, rec.AvgFillPrice, rec.FilledQty, dirSign(state.Side)).
		Sub(rec.Fee.Abs()).Sub(state.AccumulatedEntryFee)

	afterQty := decimal.Zero
	if pos != nil {
		afterQty = pos.Qty
	}
	if !tradingutils.IsClosedQty(afterQty) {
		w.logger.Warn("Close verification failed, residual position remains",
			"symbol", rec.Symbol, "residual", afterQty.String())
		state.TotalQty = afterQty
		state.UpdatedAt = w.clock.Now()
		if err := w.store.SavePositionState(ctx, state); err != nil {
			return err
		}
		w.alerter.Critical("청산 검증 실패",
			fmt.Sprintf("%s 청산 후 잔여 포지션 발견: %s", rec.Symbol, afterQty.String()),
			nil)
		return w.verify(ctx, rec, pos, pnl)
	}

	priorSide := state.Side
	state.ClearToFlat(w.clock.Now())
	if err := w.store.SavePositionState(ctx, state); err != nil {
		return err
	}
	if err := w.verify(ctx, rec, pos, pnl); err != nil {
		return err
	}
	w.recordTrade(ctx)

	title := "청산 체결"
	if rec.ActionType == core.ActionReverseClose {
		title = "전환 청산 체결"
	}
	w.alerter.Info(title,
		fmt.Sprintf("%s %s 청산 완료: 수량 %s @ %s, 실현손익 %s USDT",
			rec.Symbol, string(priorSide), rec.FilledQty.String(),
			tradingutils.Round4(rec.AvgFillPrice).String(), tradingutils.Round4(pnl).String()),
		nil)
	return nil
}

// verify writes the verification outcome and feeds the PnL counter
func (w *Watcher) verify(ctx context.Context, rec *core.ExecutionRecord,
	pos *core.ExchangePosition, pnl decimal.Decimal) error {

	afterQty := decimal.Zero
	afterSide := core.SideFlat
	if pos != nil && pos.Qty.IsPositive() {
		afterQty = pos.Qty
		afterSide = pos.Side
	}
	if err := w.store.MarkVerified(ctx, rec.ID, afterSide, afterQty, pnl); err != nil {
		return err
	}
	if !pnl.IsZero() {
		f, _ := pnl.Float64()
		telemetry.GetGlobalMetrics().PnLRealizedTotal.Add(ctx, f)
	}
	return nil
}

func (w *Watcher) recordTrade(ctx context.Context) {
	if w.trades != nil {
		w.trades.RecordTrade(ctx, w.clock.Now())
	}
}

func dirSign(side core.Side) int {
	if side == core.SideShort {
		return -1
	}
	return 1
}
