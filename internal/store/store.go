// Package store owns all durable state. Postgres is the single channel of
// record between the daemons; there is no other IPC.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"perpcore/internal/core"
)

// Store wraps the relational store
type Store struct {
	db     *sql.DB
	logger core.ILogger
}

// Open connects to Postgres and verifies the connection
func Open(dsn string, logger core.ILogger) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db, logger: logger.WithField("component", "store")}, nil
}

// NewWithDB wraps an existing handle (tests)
func NewWithDB(db *sql.DB, logger core.ILogger) *Store {
	return &Store{db: db, logger: logger.WithField("component", "store")}
}

// Close closes the underlying pool
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies liveness
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// nullTime converts a *time.Time for sql parameters
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// nullInt64 converts a *int64 for sql parameters
func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
