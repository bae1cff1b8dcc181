package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"perpcore/internal/core"
	apperrors "perpcore/pkg/errors"
)

// StartBackfillRun opens a RUNNING row for the job. The partial unique
// index on (job_name) WHERE status='RUNNING' makes concurrent starts lose
// with ErrJobAlreadyRuns.
func (s *Store) StartBackfillRun(ctx context.Context, jobName, cursor string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO backfill_runs (job_name, status, last_cursor)
		VALUES ($1, 'RUNNING', $2)
		RETURNING id`, jobName, cursor).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, apperrors.ErrJobAlreadyRuns
		}
		return 0, fmt.Errorf("failed to start backfill run: %w", err)
	}
	return id, nil
}

// UpdateBackfillProgress moves the cursor and counters of a running job
func (s *Store) UpdateBackfillProgress(ctx context.Context, id int64,
	cursor string, inserted, updated, failed int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE backfill_runs
		SET last_cursor = $2, inserted = $3, updated = $4, failed = $5
		WHERE id = $1`, id, cursor, inserted, updated, failed)
	if err != nil {
		return fmt.Errorf("failed to update backfill progress: %w", err)
	}
	return nil
}

// FinishBackfillRun transitions a run to a terminal status
func (s *Store) FinishBackfillRun(ctx context.Context, id int64, status core.BackfillStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE backfill_runs SET status = $2, finished_at = now()
		WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("failed to finish backfill run: %w", err)
	}
	return nil
}

// LastBackfillRun returns the newest run for a job, nil when none exist.
// Resume logic reads last_cursor off this.
func (s *Store) LastBackfillRun(ctx context.Context, jobName string) (*core.BackfillRun, error) {
	var r core.BackfillRun
	var status string
	var finishedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, job_name, status, last_cursor, inserted, updated, failed,
		       started_at, finished_at
		FROM backfill_runs WHERE job_name = $1
		ORDER BY id DESC LIMIT 1`, jobName).Scan(
		&r.ID, &r.JobName, &status, &r.LastCursor, &r.Inserted, &r.Updated,
		&r.Failed, &r.StartedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query backfill run: %w", err)
	}
	if r.Status, err = core.ParseBackfillStatus(status); err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		r.FinishedAt = &finishedAt.Time
	}
	return &r, nil
}

// SweepStaleBackfillRuns fails RUNNING rows whose process died. Called on
// startup after the pidfile check has established no live runner exists.
func (s *Store) SweepStaleBackfillRuns(ctx context.Context, jobName string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE backfill_runs SET status = 'FAILED', finished_at = now()
		WHERE job_name = $1 AND status = 'RUNNING'`, jobName)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stale backfill runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
