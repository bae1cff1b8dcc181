package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// GetKV loads one adaptive_layer_state value into out. Returns false when
// the key does not exist; out is left untouched in that case.
func (s *Store) GetKV(ctx context.Context, key string, out any) (bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM adaptive_layer_state WHERE key = $1`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load kv %q: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("failed to decode kv %q: %w", key, err)
	}
	return true, nil
}

// PutKV upserts one adaptive_layer_state value
func (s *Store) PutKV(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode kv %q: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO adaptive_layer_state (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, raw)
	if err != nil {
		return fmt.Errorf("failed to store kv %q: %w", key, err)
	}
	return nil
}
