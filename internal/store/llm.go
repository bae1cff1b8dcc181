package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"perpcore/internal/core"
)

// RecordLLMCall logs one budget decision. granted=false rows count the
// requests the budget gate turned away.
func (s *Store) RecordLLMCall(ctx context.Context, callType core.CallType,
	model, route string, granted bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_call_log (call_type, model, granted, route)
		VALUES ($1,$2,$3,$4)`,
		string(callType), model, granted, route)
	if err != nil {
		return fmt.Errorf("failed to record llm call: %w", err)
	}
	return nil
}

// GrantedCallsSince counts granted calls of one type since the cutoff
func (s *Store) GrantedCallsSince(ctx context.Context, callType core.CallType, cutoff time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM llm_call_log
		WHERE call_type = $1 AND granted AND ts > $2`,
		string(callType), cutoff).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count llm calls: %w", err)
	}
	return n, nil
}

// LastGrantedCallAt returns the newest granted call timestamp for cooldowns
func (s *Store) LastGrantedCallAt(ctx context.Context, callType core.CallType) (time.Time, bool, error) {
	var ts time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT ts FROM llm_call_log
		WHERE call_type = $1 AND granted
		ORDER BY id DESC LIMIT 1`, string(callType)).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query last llm call: %w", err)
	}
	return ts, true, nil
}
