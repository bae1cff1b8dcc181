package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"perpcore/internal/core"
)

// UpsertCandle writes one OHLCV row, reporting whether it was new
func (s *Store) UpsertCandle(ctx context.Context, c *core.Candle) (inserted bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO candles (symbol, tf, ts, open, high, low, close, volume)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (symbol, tf, ts) DO UPDATE SET
			open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
			close = EXCLUDED.close, volume = EXCLUDED.volume
		WHERE candles.close IS DISTINCT FROM EXCLUDED.close
		   OR candles.volume IS DISTINCT FROM EXCLUDED.volume`,
		c.Symbol, c.Timeframe, c.TS, c.Open, c.High, c.Low, c.Close, c.Volume)
	if err != nil {
		return false, fmt.Errorf("failed to upsert candle: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RecentCandles returns the newest n candles of one timeframe, oldest first
func (s *Store) RecentCandles(ctx context.Context, symbol, tf string, n int) ([]core.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, tf, ts, open, high, low, close, volume FROM (
			SELECT * FROM candles WHERE symbol = $1 AND tf = $2
			ORDER BY ts DESC LIMIT $3
		) sub ORDER BY ts ASC`, symbol, tf, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	var out []core.Candle
	for rows.Next() {
		var c core.Candle
		if err := rows.Scan(&c.Symbol, &c.Timeframe, &c.TS, &c.Open, &c.High,
			&c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LatestIndicators returns the newest value per indicator name at or before
// the given timestamp. Missing names are simply absent from the map.
func (s *Store) LatestIndicators(ctx context.Context, symbol string, at time.Time) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (name) name, value FROM indicators
		WHERE symbol = $1 AND ts <= $2 AND value IS NOT NULL
		ORDER BY name, ts DESC`, symbol, at)
	if err != nil {
		return nil, fmt.Errorf("failed to query indicators: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var name string
		var value sql.NullFloat64
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan indicator: %w", err)
		}
		if value.Valid {
			out[name] = value.Float64
		}
	}
	return out, rows.Err()
}

// PutIndicator upserts one indicator value
func (s *Store) PutIndicator(ctx context.Context, symbol string, ts time.Time, name string, value float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO indicators (symbol, ts, name, value)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (symbol, ts, name) DO UPDATE SET value = EXCLUDED.value`,
		symbol, ts, name, value)
	if err != nil {
		return fmt.Errorf("failed to upsert indicator: %w", err)
	}
	return nil
}
