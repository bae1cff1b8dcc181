package store

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"perpcore/internal/core"
)

// InsertReconcileAudit records one reconciliation verdict
func (s *Store) InsertReconcileAudit(ctx context.Context, symbol string,
	outcome core.ReconcileOutcome, exchSide core.Side, exchQty decimal.Decimal,
	stratSide core.Side, stratQty decimal.Decimal, healingAction string, detail any) error {

	detailJSON, err := marshalJSONB(detail)
	if err != nil {
		return fmt.Errorf("failed to marshal reconcile detail: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reconcile_audit
			(symbol, outcome, exchange_side, exchange_qty, strategy_side,
			 strategy_qty, healing_action, detail)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		symbol, string(outcome), string(exchSide), exchQty, string(stratSide),
		stratQty, healingAction, detailJSON)
	if err != nil {
		return fmt.Errorf("failed to insert reconcile audit: %w", err)
	}
	return nil
}

// InsertComplianceAudit records one validation verdict with the market-info
// generation it was judged against, so rejections stay attributable.
func (s *Store) InsertComplianceAudit(ctx context.Context, symbol string,
	approved, corrected bool, rejectReason string,
	marketsVersion int64, marketsHash string, detail any) error {

	detailJSON, err := marshalJSONB(detail)
	if err != nil {
		return fmt.Errorf("failed to marshal compliance detail: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO compliance_audit
			(symbol, approved, reject_reason, corrected, markets_version, markets_hash, detail)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		symbol, approved, rejectReason, corrected, marketsVersion, marketsHash, detailJSON)
	if err != nil {
		return fmt.Errorf("failed to insert compliance audit: %w", err)
	}
	return nil
}
