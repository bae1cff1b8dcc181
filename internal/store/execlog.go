package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"perpcore/internal/core"
)

const execColumns = `
	id, order_id, client_order_id, symbol, order_type, direction, action_type,
	signal_id, decision_id, execution_queue_id, close_reason, requested_qty,
	requested_usdt, ticker_price, status, filled_qty, avg_fill_price, fee,
	fee_currency, realized_pnl, position_after_side, position_after_qty,
	position_verified, verified_at, poll_count, last_poll_at, sent_at,
	raw_response, meta`

// InsertExecution appends one execution log row (normally written by the
// external executor; the fill watcher owns the row afterwards).
func (s *Store) InsertExecution(ctx context.Context, r *core.ExecutionRecord) (int64, error) {
	meta := r.Meta
	if meta == nil {
		meta = []byte("{}")
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO execution_log (
			order_id, client_order_id, symbol, order_type, direction, action_type,
			signal_id, decision_id, execution_queue_id, close_reason, requested_qty,
			requested_usdt, ticker_price, status, filled_qty, avg_fill_price, fee,
			fee_currency, realized_pnl, position_after_side, position_after_qty,
			position_verified, poll_count, sent_at, raw_response, meta
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,
		          $18,$19,$20,$21,$22,$23,$24,$25,$26)
		RETURNING id`,
		r.OrderID, r.ClientOrderID, r.Symbol, r.OrderType, string(r.Direction),
		string(r.ActionType), r.SignalID, nullInt64(r.DecisionID),
		nullInt64(r.QueueID), r.CloseReason, r.RequestedQty, r.RequestedUSDT,
		r.TickerPrice, string(r.Status), r.FilledQty, r.AvgFillPrice, r.Fee,
		r.FeeCurrency, r.RealizedPnL, string(r.PositionAfterSide),
		r.PositionAfterQty, r.PositionVerified, r.PollCount, r.SentAt,
		r.RawResponse, meta).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert execution: %w", err)
	}
	r.ID = id
	return id, nil
}

// OpenExecutions returns rows still owned by the poll loop, oldest first
func (s *Store) OpenExecutions(ctx context.Context, symbol string) ([]*core.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+execColumns+` FROM execution_log
		WHERE symbol = $1 AND status IN ('SENT','PARTIALLY_FILLED')
		ORDER BY id ASC`, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query open executions: %w", err)
	}
	defer rows.Close()

	var out []*core.ExecutionRecord
	for rows.Next() {
		r, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// IncrementPoll bumps poll_count and last_poll_at, returning the new count
func (s *Store) IncrementPoll(ctx context.Context, id int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		UPDATE execution_log SET poll_count = poll_count + 1, last_poll_at = now()
		WHERE id = $1 RETURNING poll_count`, id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to increment poll count: %w", err)
	}
	return n, nil
}

// UpdateExecutionFill writes fill details and the new status
func (s *Store) UpdateExecutionFill(ctx context.Context, id int64, status core.ExecStatus,
	filledQty, avgFillPrice, fee decimal.Decimal, feeCurrency, raw string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE execution_log
		SET status = $2, filled_qty = $3, avg_fill_price = $4, fee = $5,
		    fee_currency = $6, raw_response = $7
		WHERE id = $1`,
		id, string(status), filledQty, avgFillPrice, fee, feeCurrency, raw)
	if err != nil {
		return fmt.Errorf("failed to update execution fill: %w", err)
	}
	return nil
}

// SetExecutionStatus transitions a row without fill details
func (s *Store) SetExecutionStatus(ctx context.Context, id int64, status core.ExecStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE execution_log SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("failed to set execution status: %w", err)
	}
	return nil
}

// MarkVerified records post-fill verification results and realized PnL
func (s *Store) MarkVerified(ctx context.Context, id int64, side core.Side,
	afterQty, realizedPnL decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE execution_log
		SET status = 'VERIFIED', position_after_side = $2, position_after_qty = $3,
		    realized_pnl = $4, position_verified = TRUE, verified_at = now()
		WHERE id = $1`,
		id, string(side), afterQty, realizedPnL)
	if err != nil {
		return fmt.Errorf("failed to mark verified: %w", err)
	}
	return nil
}

// RealizedPnLSince sums realized PnL after the cutoff (daily loss limit)
func (s *Store) RealizedPnLSince(ctx context.Context, symbol string, cutoff time.Time) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(sum(realized_pnl), 0) FROM execution_log
		WHERE symbol = $1 AND sent_at > $2 AND status IN ('FILLED','VERIFIED')`,
		symbol, cutoff).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum realized pnl: %w", err)
	}
	return sum, nil
}

// RecentTradePnLs returns realized PnL of the last n verified close-type
// fills, newest first. The adaptive layers consume this.
func (s *Store) RecentTradePnLs(ctx context.Context, symbol string, n int) ([]decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT realized_pnl FROM execution_log
		WHERE symbol = $1 AND status = 'VERIFIED'
		  AND action_type IN ('REDUCE','CLOSE','FULL_CLOSE','REVERSE_CLOSE')
		ORDER BY id DESC LIMIT $2`, symbol, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent trades: %w", err)
	}
	defer rows.Close()

	var out []decimal.Decimal
	for rows.Next() {
		var pnl decimal.Decimal
		if err := rows.Scan(&pnl); err != nil {
			return nil, err
		}
		out = append(out, pnl)
	}
	return out, rows.Err()
}

// RecentTradePnLsByMode is RecentTradePnLs restricted to one entry mode.
// The mode travels in the row meta, stamped by the enqueuer.
func (s *Store) RecentTradePnLsByMode(ctx context.Context, symbol, entryMode string, n int) ([]decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT realized_pnl FROM execution_log
		WHERE symbol = $1 AND status = 'VERIFIED'
		  AND action_type IN ('REDUCE','CLOSE','FULL_CLOSE','REVERSE_CLOSE')
		  AND meta->>'entry_mode' = $2
		ORDER BY id DESC LIMIT $3`, symbol, entryMode, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent trades by mode: %w", err)
	}
	defer rows.Close()

	var out []decimal.Decimal
	for rows.Next() {
		var pnl decimal.Decimal
		if err := rows.Scan(&pnl); err != nil {
			return nil, err
		}
		out = append(out, pnl)
	}
	return out, rows.Err()
}

// LastTradeAt returns the newest verified fill timestamp, if any
func (s *Store) LastTradeAt(ctx context.Context, symbol string) (time.Time, bool, error) {
	var ts time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT sent_at FROM execution_log
		WHERE symbol = $1 AND status = 'VERIFIED'
		ORDER BY id DESC LIMIT 1`, symbol).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query last trade: %w", err)
	}
	return ts, true, nil
}

// RecentExecutions returns the newest n rows for operator queries
func (s *Store) RecentExecutions(ctx context.Context, symbol string, n int) ([]*core.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+execColumns+` FROM execution_log
		WHERE symbol = $1 ORDER BY id DESC LIMIT $2`, symbol, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent executions: %w", err)
	}
	defer rows.Close()

	var out []*core.ExecutionRecord
	for rows.Next() {
		r, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanExecution(row rowScanner) (*core.ExecutionRecord, error) {
	var r core.ExecutionRecord
	var dir, action, status, afterSide string
	var decisionID, queueID sql.NullInt64
	var verifiedAt, lastPollAt sql.NullTime

	err := row.Scan(&r.ID, &r.OrderID, &r.ClientOrderID, &r.Symbol,
		&r.OrderType, &dir, &action, &r.SignalID, &decisionID, &queueID,
		&r.CloseReason, &r.RequestedQty, &r.RequestedUSDT, &r.TickerPrice,
		&status, &r.FilledQty, &r.AvgFillPrice, &r.Fee, &r.FeeCurrency,
		&r.RealizedPnL, &afterSide, &r.PositionAfterQty, &r.PositionVerified,
		&verifiedAt, &r.PollCount, &lastPollAt, &r.SentAt, &r.RawResponse, &r.Meta)
	if err != nil {
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	if dir != "" {
		if r.Direction, err = core.ParseDirection(dir); err != nil {
			return nil, err
		}
	}
	if action != "" {
		if r.ActionType, err = core.ParseActionType(action); err != nil {
			return nil, err
		}
	}
	if r.Status, err = core.ParseExecStatus(status); err != nil {
		return nil, err
	}
	if r.PositionAfterSide, err = core.ParseSide(afterSide); err != nil {
		return nil, err
	}
	if decisionID.Valid {
		r.DecisionID = &decisionID.Int64
	}
	if queueID.Valid {
		r.QueueID = &queueID.Int64
	}
	if verifiedAt.Valid {
		r.VerifiedAt = &verifiedAt.Time
	}
	if lastPollAt.Valid {
		r.LastPollAt = &lastPollAt.Time
	}
	return &r, nil
}
