package store

import (
	"context"
	"fmt"
	"time"
)

// SeenEventHash reports whether the hash was already recorded inside the
// dedup window, inserting it atomically when it was not. The first caller
// for a given hash wins; everyone else gets true.
func (s *Store) SeenEventHash(ctx context.Context, hash string, window time.Duration) (bool, error) {
	// Expired hashes are reclaimed on the way in so the cache stays bounded.
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM event_hash_cache WHERE first_seen < $1`,
		time.Now().UTC().Add(-window)); err != nil {
		return false, fmt.Errorf("failed to prune event hash cache: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO event_hash_cache (event_hash) VALUES ($1)
		ON CONFLICT (event_hash) DO NOTHING`, hash)
	if err != nil {
		return false, fmt.Errorf("failed to record event hash: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read event hash result: %w", err)
	}
	return n == 0, nil
}
