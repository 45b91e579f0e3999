// Package store implements the relational persistence layer on PostgreSQL.
// It owns row-level locking, SKIP LOCKED claims and advisory locks; schema
// is managed externally via migrations.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	apperrors "tradecore/pkg/errors"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB wraps the sql.DB handle with the configured statement timeout.
type DB struct {
	db      *sql.DB
	timeout time.Duration
}

// Open connects to PostgreSQL and verifies the connection.
func Open(url string, timeout time.Duration, maxOpen, maxIdle int) (*DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// NOTE: schema must be applied via migrations before startup.
	return &DB{db: db, timeout: timeout}, nil
}

// NewFromSQL wraps an existing handle; used by tests.
func NewFromSQL(db *sql.DB, timeout time.Duration) *DB {
	return &DB{db: db, timeout: timeout}
}

// Close closes the underlying pool.
func (d *DB) Close() error {
	return d.db.Close()
}

// CheckHealth pings the database within the statement timeout.
func (d *DB) CheckHealth() error {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrDatabaseUnavailable, err)
	}
	return nil
}

// withTimeout derives a statement-scoped context.
func (d *DB) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.timeout)
}

// WithTx runs fn inside a transaction, rolling back on error.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyDBError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return classifyDBError(tx.Commit())
}

// classifyDBError folds context deadline errors into the DB timeout sentinel
// so the retry boundary treats them as transient.
func classifyDBError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", apperrors.ErrDatabaseTimeout, err)
	}
	return err
}
