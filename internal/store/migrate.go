package store

import (
	"context"
	"fmt"
)

// Migration DDL. Every statement is idempotent so EnsureSchema is safe to
// call any number of times from any daemon.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS position_state (
		symbol                TEXT PRIMARY KEY,
		side                  TEXT NOT NULL DEFAULT '',
		entry_mode            TEXT NOT NULL DEFAULT '',
		total_qty             NUMERIC NOT NULL DEFAULT 0,
		avg_entry_price       NUMERIC NOT NULL DEFAULT 0,
		stage                 INT NOT NULL DEFAULT 0,
		capital_used_usdt     NUMERIC NOT NULL DEFAULT 0,
		trade_budget_used_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
		stage_consumed_mask   INT NOT NULL DEFAULT 0,
		next_stage_available  INT NOT NULL DEFAULT 1,
		order_state           TEXT NOT NULL DEFAULT 'NONE',
		plan_state            TEXT NOT NULL DEFAULT 'PLAN.NONE',
		planned_qty           NUMERIC NOT NULL DEFAULT 0,
		filled_qty            NUMERIC NOT NULL DEFAULT 0,
		planned_usdt          NUMERIC NOT NULL DEFAULT 0,
		filled_usdt           NUMERIC NOT NULL DEFAULT 0,
		last_order_id         TEXT NOT NULL DEFAULT '',
		accumulated_entry_fee NUMERIC NOT NULL DEFAULT 0,
		stages_detail         JSONB NOT NULL DEFAULT '[]',
		updated_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
		state_changed_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS execution_queue (
		id             BIGSERIAL PRIMARY KEY,
		ts             TIMESTAMPTZ NOT NULL DEFAULT now(),
		symbol         TEXT NOT NULL,
		action_type    TEXT NOT NULL,
		direction      TEXT NOT NULL,
		target_qty     NUMERIC,
		target_usdt    NUMERIC,
		reduce_pct     DOUBLE PRECISION,
		source         TEXT NOT NULL DEFAULT '',
		reason         TEXT NOT NULL DEFAULT '',
		priority       INT NOT NULL DEFAULT 5,
		status         TEXT NOT NULL DEFAULT 'PENDING',
		expire_at      TIMESTAMPTZ,
		depends_on     BIGINT REFERENCES execution_queue(id),
		pm_decision_id BIGINT,
		meta           JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_execution_queue_pending
		ON execution_queue (status, priority, id)`,
	`CREATE INDEX IF NOT EXISTS idx_execution_queue_symbol_ts
		ON execution_queue (symbol, ts)`,

	`CREATE TABLE IF NOT EXISTS execution_log (
		id                  BIGSERIAL PRIMARY KEY,
		order_id            TEXT NOT NULL DEFAULT '',
		client_order_id     TEXT NOT NULL DEFAULT '',
		symbol              TEXT NOT NULL,
		order_type          TEXT NOT NULL DEFAULT '',
		direction           TEXT NOT NULL DEFAULT '',
		action_type         TEXT NOT NULL DEFAULT '',
		signal_id           TEXT NOT NULL DEFAULT '',
		decision_id         BIGINT,
		execution_queue_id  BIGINT,
		close_reason        TEXT NOT NULL DEFAULT '',
		requested_qty       NUMERIC NOT NULL DEFAULT 0,
		requested_usdt      NUMERIC NOT NULL DEFAULT 0,
		ticker_price        NUMERIC NOT NULL DEFAULT 0,
		status              TEXT NOT NULL DEFAULT 'SENT',
		filled_qty          NUMERIC NOT NULL DEFAULT 0,
		avg_fill_price      NUMERIC NOT NULL DEFAULT 0,
		fee                 NUMERIC NOT NULL DEFAULT 0,
		fee_currency        TEXT NOT NULL DEFAULT '',
		realized_pnl        NUMERIC NOT NULL DEFAULT 0,
		position_after_side TEXT NOT NULL DEFAULT '',
		position_after_qty  NUMERIC NOT NULL DEFAULT 0,
		position_verified   BOOLEAN NOT NULL DEFAULT FALSE,
		verified_at         TIMESTAMPTZ,
		poll_count          INT NOT NULL DEFAULT 0,
		last_poll_at        TIMESTAMPTZ,
		sent_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
		raw_response        TEXT NOT NULL DEFAULT '',
		meta                JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_execution_log_open
		ON execution_log (status) WHERE status IN ('SENT','PARTIALLY_FILLED')`,
	`CREATE INDEX IF NOT EXISTS idx_execution_log_symbol_sent
		ON execution_log (symbol, sent_at)`,

	`CREATE TABLE IF NOT EXISTS pm_decision_log (
		id          BIGSERIAL PRIMARY KEY,
		ts          TIMESTAMPTZ NOT NULL DEFAULT now(),
		symbol      TEXT NOT NULL,
		mode        TEXT NOT NULL,
		call_type   TEXT NOT NULL DEFAULT '',
		action      TEXT NOT NULL,
		reason      TEXT NOT NULL DEFAULT '',
		context     JSONB NOT NULL DEFAULT '{}',
		provenance  JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pm_decision_log_symbol_ts
		ON pm_decision_log (symbol, ts)`,

	`CREATE TABLE IF NOT EXISTS adaptive_layer_state (
		key        TEXT PRIMARY KEY,
		value      JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS event_hash_cache (
		event_hash TEXT PRIMARY KEY,
		first_seen TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS llm_call_log (
		id         BIGSERIAL PRIMARY KEY,
		ts         TIMESTAMPTZ NOT NULL DEFAULT now(),
		call_type  TEXT NOT NULL,
		model      TEXT NOT NULL DEFAULT '',
		granted    BOOLEAN NOT NULL DEFAULT TRUE,
		route      TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_llm_call_log_ts ON llm_call_log (ts)`,

	`CREATE TABLE IF NOT EXISTS reconcile_audit (
		id             BIGSERIAL PRIMARY KEY,
		ts             TIMESTAMPTZ NOT NULL DEFAULT now(),
		symbol         TEXT NOT NULL,
		outcome        TEXT NOT NULL,
		exchange_side  TEXT NOT NULL DEFAULT '',
		exchange_qty   NUMERIC NOT NULL DEFAULT 0,
		strategy_side  TEXT NOT NULL DEFAULT '',
		strategy_qty   NUMERIC NOT NULL DEFAULT 0,
		healing_action TEXT NOT NULL DEFAULT '',
		detail         JSONB NOT NULL DEFAULT '{}'
	)`,

	`CREATE TABLE IF NOT EXISTS compliance_audit (
		id              BIGSERIAL PRIMARY KEY,
		ts              TIMESTAMPTZ NOT NULL DEFAULT now(),
		symbol          TEXT NOT NULL,
		approved        BOOLEAN NOT NULL,
		reject_reason   TEXT NOT NULL DEFAULT '',
		corrected       BOOLEAN NOT NULL DEFAULT FALSE,
		markets_version BIGINT NOT NULL DEFAULT 0,
		markets_hash    TEXT NOT NULL DEFAULT '',
		detail          JSONB NOT NULL DEFAULT '{}'
	)`,

	`CREATE TABLE IF NOT EXISTS backfill_runs (
		id          BIGSERIAL PRIMARY KEY,
		job_name    TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT 'RUNNING',
		last_cursor TEXT NOT NULL DEFAULT '',
		inserted    INT NOT NULL DEFAULT 0,
		updated     INT NOT NULL DEFAULT 0,
		failed      INT NOT NULL DEFAULT 0,
		started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		finished_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_backfill_running
		ON backfill_runs (job_name) WHERE status = 'RUNNING'`,

	`CREATE TABLE IF NOT EXISTS candles (
		symbol    TEXT NOT NULL,
		tf        TEXT NOT NULL,
		ts        TIMESTAMPTZ NOT NULL,
		open      NUMERIC NOT NULL,
		high      NUMERIC NOT NULL,
		low       NUMERIC NOT NULL,
		close     NUMERIC NOT NULL,
		volume    NUMERIC NOT NULL,
		PRIMARY KEY (symbol, tf, ts)
	)`,

	`CREATE TABLE IF NOT EXISTS indicators (
		symbol TEXT NOT NULL,
		ts     TIMESTAMPTZ NOT NULL,
		name   TEXT NOT NULL,
		value  DOUBLE PRECISION,
		PRIMARY KEY (symbol, ts, name)
	)`,
}

// EnsureSchema applies the idempotent migration collection
func (s *Store) EnsureSchema(ctx context.Context) error {
	for i, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration statement %d failed: %w", i, err)
		}
	}
	s.logger.Info("Schema ensured", "statements", len(schemaStatements))
	return nil
}
