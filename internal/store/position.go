package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"perpcore/internal/core"
)

// GetPositionState loads the singleton position record for a symbol.
// Returns (nil, nil) when no record exists yet.
func (s *Store) GetPositionState(ctx context.Context, symbol string) (*core.PositionState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT symbol, side, entry_mode, total_qty, avg_entry_price, stage, capital_used_usdt,
		       trade_budget_used_pct, stage_consumed_mask, next_stage_available,
		       order_state, plan_state, planned_qty, filled_qty, planned_usdt,
		       filled_usdt, last_order_id, accumulated_entry_fee, stages_detail,
		       updated_at, state_changed_at
		FROM position_state WHERE symbol = $1`, symbol)

	var p core.PositionState
	var side, orderState, planState string
	var stagesJSON []byte

	err := row.Scan(&p.Symbol, &side, &p.EntryMode, &p.TotalQty, &p.AvgEntryPrice, &p.Stage,
		&p.CapitalUsedUSDT, &p.TradeBudgetUsedPct, &p.StageConsumedMask,
		&p.NextStageAvailable, &orderState, &planState, &p.PlannedQty,
		&p.FilledQty, &p.PlannedUSDT, &p.FilledUSDT, &p.LastOrderID,
		&p.AccumulatedEntryFee, &stagesJSON, &p.UpdatedAt, &p.StateChangedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load position state: %w", err)
	}

	// Enum values are rejected at the boundary, not passed through
	if p.Side, err = core.ParseSide(side); err != nil {
		return nil, err
	}
	if p.OrderState, err = core.ParseOrderState(orderState); err != nil {
		return nil, err
	}
	if p.PlanState, err = core.ParsePlanState(planState); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stagesJSON, &p.StagesDetail); err != nil {
		return nil, fmt.Errorf("failed to decode stages_detail: %w", err)
	}

	return &p, nil
}

// SavePositionState upserts the position record
func (s *Store) SavePositionState(ctx context.Context, p *core.PositionState) error {
	stagesJSON, err := json.Marshal(p.StagesDetail)
	if err != nil {
		return fmt.Errorf("failed to encode stages_detail: %w", err)
	}
	if p.StagesDetail == nil {
		stagesJSON = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO position_state (
			symbol, side, entry_mode, total_qty, avg_entry_price, stage, capital_used_usdt,
			trade_budget_used_pct, stage_consumed_mask, next_stage_available,
			order_state, plan_state, planned_qty, filled_qty, planned_usdt,
			filled_usdt, last_order_id, accumulated_entry_fee, stages_detail,
			updated_at, state_changed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		ON CONFLICT (symbol) DO UPDATE SET
			side = EXCLUDED.side,
			entry_mode = EXCLUDED.entry_mode,
			total_qty = EXCLUDED.total_qty,
			avg_entry_price = EXCLUDED.avg_entry_price,
			stage = EXCLUDED.stage,
			capital_used_usdt = EXCLUDED.capital_used_usdt,
			trade_budget_used_pct = EXCLUDED.trade_budget_used_pct,
			stage_consumed_mask = EXCLUDED.stage_consumed_mask,
			next_stage_available = EXCLUDED.next_stage_available,
			order_state = EXCLUDED.order_state,
			plan_state = EXCLUDED.plan_state,
			planned_qty = EXCLUDED.planned_qty,
			filled_qty = EXCLUDED.filled_qty,
			planned_usdt = EXCLUDED.planned_usdt,
			filled_usdt = EXCLUDED.filled_usdt,
			last_order_id = EXCLUDED.last_order_id,
			accumulated_entry_fee = EXCLUDED.accumulated_entry_fee,
			stages_detail = EXCLUDED.stages_detail,
			updated_at = EXCLUDED.updated_at,
			state_changed_at = EXCLUDED.state_changed_at`,
		p.Symbol, string(p.Side), p.EntryMode, p.TotalQty, p.AvgEntryPrice, p.Stage,
		p.CapitalUsedUSDT, p.TradeBudgetUsedPct, p.StageConsumedMask,
		p.NextStageAvailable, string(p.OrderState), string(p.PlanState),
		p.PlannedQty, p.FilledQty, p.PlannedUSDT, p.FilledUSDT, p.LastOrderID,
		p.AccumulatedEntryFee, stagesJSON, p.UpdatedAt, p.StateChangedAt)
	if err != nil {
		return fmt.Errorf("failed to save position state: %w", err)
	}
	return nil
}
