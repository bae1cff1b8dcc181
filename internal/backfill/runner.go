// Package backfill runs recoverable batch jobs, currently the candle
// history loader. Single-instance execution is enforced three ways: a
// pidfile, the RUNNING row unique index, and the enable flag.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"perpcore/internal/config"
	"perpcore/internal/control"
	"perpcore/internal/core"
	"perpcore/internal/store"
	apperrors "perpcore/pkg/errors"
	"perpcore/pkg/httpclient"
	"perpcore/pkg/retry"
)

const (
	candleJobName = "candle_backfill"
	pageSize      = 200
	pagePause     = 500 * time.Millisecond
	pauseWait     = 5 * time.Second
)

// Runner executes the candle backfill job for one symbol
type Runner struct {
	cfg      config.ControlConfig
	symbol   string
	interval string
	store    *store.Store
	exchange core.IExchange
	toggles  *control.Toggles
	logger   core.ILogger
	clock    core.Clock
}

// NewRunner creates the job runner
func NewRunner(cfg config.ControlConfig, symbol, interval string, st *store.Store,
	exchange core.IExchange, toggles *control.Toggles, logger core.ILogger,
	clock core.Clock) *Runner {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &Runner{
		cfg:      cfg,
		symbol:   symbol,
		interval: interval,
		store:    st,
		exchange: exchange,
		toggles:  toggles,
		logger:   logger.WithField("component", "backfill"),
		clock:    clock,
	}
}

// Run executes one job to completion (or early stop). It resumes from the
// previous run's cursor when that run ended PARTIAL or FAILED.
func (r *Runner) Run(ctx context.Context) error {
	if !r.toggles.BackfillEnabled() {
		r.logger.Info("Backfill disabled by flag, nothing to do")
		return nil
	}

	pidfile, err := control.AcquirePidfile(r.cfg.PidDir, candleJobName)
	if err != nil {
		return fmt.Errorf("backfill instance guard: %w", err)
	}
	defer func() {
		if rerr := pidfile.Release(); rerr != nil {
			r.logger.Warn("Pidfile release failed", "error", rerr)
		}
	}()

	if swept, err := r.store.SweepStaleBackfillRuns(ctx, candleJobName); err != nil {
		r.logger.Warn("Stale run sweep failed", "error", err)
	} else if swept > 0 {
		r.logger.Warn("Marked stale runs as failed", "count", swept)
	}

	cursor := r.resumeCursor(ctx)
	runID, err := r.store.StartBackfillRun(ctx, candleJobName, cursor)
	if err != nil {
		if errors.Is(err, apperrors.ErrJobAlreadyRuns) {
			r.logger.Warn("Another run row is active, aborting")
			return err
		}
		return fmt.Errorf("failed to start run: %w", err)
	}
	r.logger.Info("Backfill run started",
		"run_id", runID, "symbol", r.symbol, "cursor", cursor)

	status, err := r.loop(ctx, runID, cursor)
	if ferr := r.store.FinishBackfillRun(ctx, runID, status); ferr != nil {
		r.logger.Error("Run finish write failed", "run_id", runID, "error", ferr)
	}
	r.logger.Info("Backfill run finished", "run_id", runID, "status", string(status))
	return err
}

// resumeCursor reads the previous run's cursor when it did not complete
func (r *Runner) resumeCursor(ctx context.Context) string {
	last, err := r.store.LastBackfillRun(ctx, candleJobName)
	if err != nil {
		r.logger.Warn("Previous run lookup failed, starting fresh", "error", err)
		return ""
	}
	if last == nil || last.Status == core.BackfillCompleted {
		return ""
	}
	r.logger.Info("Resuming from previous run",
		"prev_id", last.ID, "prev_status", string(last.Status), "cursor", last.LastCursor)
	return last.LastCursor
}

func (r *Runner) loop(ctx context.Context, runID int64, cursor string) (core.BackfillStatus, error) {
	inserted, updated, failed := 0, 0, 0

	for {
		select {
		case <-ctx.Done():
			return core.BackfillPartial, ctx.Err()
		default:
		}
		if r.toggles.BackfillStopped() {
			r.logger.Warn("Stop flag observed, ending run early")
			return core.BackfillPartial, nil
		}
		if r.toggles.BackfillPaused() {
			r.logger.Debug("Pause flag observed, waiting")
			select {
			case <-ctx.Done():
				return core.BackfillPartial, ctx.Err()
			case <-time.After(pauseWait):
			}
			continue
		}

		var candles []*core.Candle
		err := retry.Do(ctx, retry.BackfillPolicy, isTransientFetchErr, func() error {
			var ferr error
			candles, ferr = r.exchange.GetOHLCV(ctx, r.symbol, r.interval, pageSize)
			return ferr
		})
		if err != nil {
			failed++
			r.logger.Error("Candle page fetch failed", "error", err)
			if uerr := r.store.UpdateBackfillProgress(ctx, runID, cursor,
				inserted, updated, failed); uerr != nil {
				r.logger.Error("Progress write failed", "error", uerr)
			}
			return core.BackfillFailed, err
		}

		fresh := 0
		for _, c := range candles {
			if cursor != "" && !c.TS.After(parseCursor(cursor)) {
				continue
			}
			ins, err := r.store.UpsertCandle(ctx, c)
			if err != nil {
				failed++
				r.logger.Warn("Candle upsert failed", "ts", c.TS, "error", err)
				continue
			}
			if ins {
				inserted++
			} else {
				updated++
			}
			fresh++
			cursor = c.TS.UTC().Format(time.RFC3339)
		}

		if err := r.store.UpdateBackfillProgress(ctx, runID, cursor,
			inserted, updated, failed); err != nil {
			r.logger.Error("Progress write failed", "error", err)
		}
		r.logger.Info("Backfill page processed",
			"fresh", fresh, "inserted", inserted, "updated", updated, "failed", failed)

		// The venue returns the most recent window; once nothing in the
		// page is newer than the cursor, history is caught up.
		if fresh == 0 {
			return core.BackfillCompleted, nil
		}

		select {
		case <-ctx.Done():
			return core.BackfillPartial, ctx.Err()
		case <-time.After(pagePause):
		}
	}
}

// isTransientFetchErr decides which page-fetch failures are worth the
// backoff loop. Parameter and auth errors fail the run immediately.
func isTransientFetchErr(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, apperrors.ErrRateLimitExceeded) {
		return true
	}
	var apiErr *httpclient.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == 429
	}
	return !errors.Is(err, apperrors.ErrInvalidOrderParameter)
}

func parseCursor(cursor string) time.Time {
	ts, err := time.Parse(time.RFC3339, cursor)
	if err != nil {
		return time.Time{}
	}
	return ts
}
