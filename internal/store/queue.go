package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"perpcore/internal/core"
)

// Enqueue inserts one queue row and returns its id
func (s *Store) Enqueue(ctx context.Context, e *core.QueueEntry) (int64, error) {
	meta := e.Meta
	if meta == nil {
		meta = []byte("{}")
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO execution_queue (
			ts, symbol, action_type, direction, target_qty, target_usdt,
			reduce_pct, source, reason, priority, status, expire_at,
			depends_on, pm_decision_id, meta
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING id`,
		e.TS, e.Symbol, string(e.ActionType), string(e.Direction),
		e.TargetQty, e.TargetUSDT, e.ReducePct, e.Source, e.Reason,
		e.Priority, string(e.Status), nullTime(e.ExpireAt),
		nullInt64(e.DependsOn), nullInt64(e.PMDecisionID), meta).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue: %w", err)
	}
	e.ID = id
	return id, nil
}

// EnqueuePair inserts a REVERSE pair in one transaction: close first, then
// open with depends_on pointing at the close row.
func (s *Store) EnqueuePair(ctx context.Context, closeEntry, openEntry *core.QueueEntry) (int64, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insert := func(e *core.QueueEntry) (int64, error) {
		meta := e.Meta
		if meta == nil {
			meta = []byte("{}")
		}
		var id int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO execution_queue (
				ts, symbol, action_type, direction, target_qty, target_usdt,
				reduce_pct, source, reason, priority, status, expire_at,
				depends_on, pm_decision_id, meta
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
			RETURNING id`,
			e.TS, e.Symbol, string(e.ActionType), string(e.Direction),
			e.TargetQty, e.TargetUSDT, e.ReducePct, e.Source, e.Reason,
			e.Priority, string(e.Status), nullTime(e.ExpireAt),
			nullInt64(e.DependsOn), nullInt64(e.PMDecisionID), meta).Scan(&id)
		return id, err
	}

	closeID, err := insert(closeEntry)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to enqueue reverse close: %w", err)
	}
	openEntry.DependsOn = &closeID
	openID, err := insert(openEntry)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to enqueue reverse open: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit reverse pair: %w", err)
	}
	closeEntry.ID = closeID
	openEntry.ID = openID
	return closeID, openID, nil
}

// HasRecentPending reports whether a PENDING/PICKED row with the same action
// and direction was inserted within the window. This is the duplicate guard.
func (s *Store) HasRecentPending(ctx context.Context, symbol string, action core.ActionType, dir core.Direction, window time.Duration) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM execution_queue
		WHERE symbol = $1 AND action_type = $2 AND direction = $3
		  AND status IN ('PENDING','PICKED')
		  AND ts > now() - $4::interval`,
		symbol, string(action), string(dir),
		fmt.Sprintf("%d seconds", int(window.Seconds()))).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check recent pending: %w", err)
	}
	return n > 0, nil
}

// HasRecentIntentPending reports whether a strategy_intent-sourced PENDING
// row for the action exists within the window (the defer-to-HOLD rule).
func (s *Store) HasRecentIntentPending(ctx context.Context, symbol string, action core.ActionType, window time.Duration) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM execution_queue
		WHERE symbol = $1 AND action_type = $2 AND source = 'strategy_intent'
		  AND status = 'PENDING'
		  AND ts > now() - $3::interval`,
		symbol, string(action),
		fmt.Sprintf("%d seconds", int(window.Seconds()))).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check intent pending: %w", err)
	}
	return n > 0, nil
}

// SetQueueStatus transitions a queue row
func (s *Store) SetQueueStatus(ctx context.Context, id int64, status core.QueueStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE execution_queue SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("failed to set queue status: %w", err)
	}
	return nil
}

// GetQueueEntry loads a single row
func (s *Store) GetQueueEntry(ctx context.Context, id int64) (*core.QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, ts, symbol, action_type, direction,
		       COALESCE(target_qty, 0), COALESCE(target_usdt, 0),
		       COALESCE(reduce_pct, 0), source, reason, priority, status,
		       expire_at, depends_on, pm_decision_id, meta
		FROM execution_queue WHERE id = $1`, id)
	return scanQueueEntry(row)
}

// YoungestIntentAge returns the age of the newest PENDING/PICKED entry for
// the symbol, or (0, false) when none exists. The reconciler uses this to
// decide whether observed drift is just an in-flight order.
func (s *Store) YoungestIntentAge(ctx context.Context, symbol string) (time.Duration, bool, error) {
	var ts time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT ts FROM execution_queue
		WHERE symbol = $1 AND status IN ('PENDING','PICKED')
		ORDER BY ts DESC LIMIT 1`, symbol).Scan(&ts)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to query youngest intent: %w", err)
	}
	return time.Since(ts), true, nil
}

// CountEnqueuedSince counts rows inserted after the cutoff (hourly order limit)
func (s *Store) CountEnqueuedSince(ctx context.Context, symbol string, cutoff time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM execution_queue WHERE symbol = $1 AND ts > $2`,
		symbol, cutoff).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count enqueued: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanQueueEntry(row rowScanner) (*core.QueueEntry, error) {
	var e core.QueueEntry
	var action, dir, status string
	var expireAt sql.NullTime
	var dependsOn, decisionID sql.NullInt64

	err := row.Scan(&e.ID, &e.TS, &e.Symbol, &action, &dir, &e.TargetQty,
		&e.TargetUSDT, &e.ReducePct, &e.Source, &e.Reason, &e.Priority,
		&status, &expireAt, &dependsOn, &decisionID, &e.Meta)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan queue entry: %w", err)
	}

	if e.ActionType, err = core.ParseActionType(action); err != nil {
		return nil, err
	}
	if e.Direction, err = core.ParseDirection(dir); err != nil {
		return nil, err
	}
	if e.Status, err = core.ParseQueueStatus(status); err != nil {
		return nil, err
	}
	if expireAt.Valid {
		e.ExpireAt = &expireAt.Time
	}
	if dependsOn.Valid {
		e.DependsOn = &dependsOn.Int64
	}
	if decisionID.Valid {
		e.PMDecisionID = &decisionID.Int64
	}
	return &e, nil
}
