package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"perpcore/internal/core"
)

// InsertDecision writes one audit row to pm_decision_log and returns its id.
// Context and provenance arrive pre-marshalled or as any marshalable value.
func (s *Store) InsertDecision(ctx context.Context, symbol string, mode core.Mode,
	callType core.CallType, action core.DecisionAction, reason string,
	decisionCtx, provenance any) (int64, error) {

	ctxJSON, err := marshalJSONB(decisionCtx)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal decision context: %w", err)
	}
	provJSON, err := marshalJSONB(provenance)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal decision provenance: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO pm_decision_log (symbol, mode, call_type, action, reason, context, provenance)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id`,
		symbol, string(mode), string(callType), string(action), reason,
		ctxJSON, provJSON).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert decision: %w", err)
	}
	return id, nil
}

// CountRecentActions counts decisions with the given action since the cutoff.
// The event engine uses this for HOLD-repeat suppression.
func (s *Store) CountRecentActions(ctx context.Context, symbol string,
	action core.DecisionAction, cutoff time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM pm_decision_log
		WHERE symbol = $1 AND action = $2 AND ts > $3`,
		symbol, string(action), cutoff).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count recent actions: %w", err)
	}
	return n, nil
}

// LastActions returns the actions of the newest n decisions, newest first
func (s *Store) LastActions(ctx context.Context, symbol string, n int) ([]core.DecisionAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT action FROM pm_decision_log
		WHERE symbol = $1 ORDER BY id DESC LIMIT $2`, symbol, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query last actions: %w", err)
	}
	defer rows.Close()

	var out []core.DecisionAction
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		action, err := core.ParseDecisionAction(a)
		if err != nil {
			return nil, err
		}
		out = append(out, action)
	}
	return out, rows.Err()
}

// DecisionSummary is a compact pm_decision_log row for operator reporting
type DecisionSummary struct {
	ID     int64
	TS     time.Time
	Mode   core.Mode
	Action core.DecisionAction
	Reason string
}

// RecentEventDecisions returns the newest n decisions made outside DEFAULT
// mode, newest first. These are the event-driven calls the operator asks
// about when news hits.
func (s *Store) RecentEventDecisions(ctx context.Context, symbol string, n int) ([]DecisionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, mode, action, reason FROM pm_decision_log
		WHERE symbol = $1 AND mode <> $2
		ORDER BY id DESC LIMIT $3`, symbol, string(core.ModeDefault), n)
	if err != nil {
		return nil, fmt.Errorf("failed to query event decisions: %w", err)
	}
	defer rows.Close()

	var out []DecisionSummary
	for rows.Next() {
		var d DecisionSummary
		var mode, action string
		if err := rows.Scan(&d.ID, &d.TS, &mode, &action, &d.Reason); err != nil {
			return nil, err
		}
		d.Mode = core.Mode(mode)
		a, err := core.ParseDecisionAction(action)
		if err != nil {
			return nil, err
		}
		d.Action = a
		out = append(out, d)
	}
	return out, rows.Err()
}

func marshalJSONB(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return []byte("{}"), nil
	case json.RawMessage:
		if len(t) == 0 {
			return []byte("{}"), nil
		}
		return t, nil
	case []byte:
		if len(t) == 0 {
			return []byte("{}"), nil
		}
		return t, nil
	default:
		return json.Marshal(v)
	}
}
