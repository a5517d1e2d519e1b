package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/flossfund/pkg/observability"
)

// Schema creates the lock table used by PostgresLocker
const Schema = `
CREATE TABLE IF NOT EXISTS org_locks (
	org_id       TEXT PRIMARY KEY,
	locked_until TIMESTAMPTZ NOT NULL
)`

// acquireQuery inserts a lock or takes over an expired one in one statement.
// When a live lock exists the WHERE clause blocks the update and no row returns.
const acquireQuery = `
INSERT INTO org_locks (org_id, locked_until) VALUES ($1, $2)
ON CONFLICT (org_id) DO UPDATE SET locked_until = EXCLUDED.locked_until
WHERE org_locks.locked_until < $3
RETURNING locked_until`

// PostgresLocker stores locks as rows in org_locks
type PostgresLocker struct {
	db      *sql.DB
	opts    Options
	metrics *observability.Metrics
}

// NewPostgresLocker creates a Postgres-backed locker
func NewPostgresLocker(db *sql.DB, opts Options, metrics *observability.Metrics) *PostgresLocker {
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &PostgresLocker{db: db, opts: opts.withDefaults(), metrics: metrics}
}

// Acquire takes the org lock
func (l *PostgresLocker) Acquire(ctx context.Context, organizationID string) (*Info, error) {
	now := l.opts.Now().UTC()
	until := now.Add(l.opts.TTL)

	var lockedUntil time.Time
	err := l.db.QueryRowContext(ctx, acquireQuery, organizationID, until, now).Scan(&lockedUntil)
	if errors.Is(err, sql.ErrNoRows) {
		l.metrics.LockAcquisitionsTotal.WithLabelValues("contended").Inc()
		return nil, &ContentionError{OrganizationID: organizationID}
	}
	if err != nil {
		l.metrics.LockAcquisitionsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	l.metrics.LockAcquisitionsTotal.WithLabelValues("acquired").Inc()
	return &Info{OrganizationID: organizationID, LockedUntil: lockedUntil}, nil
}

// Release deletes the org lock row
func (l *PostgresLocker) Release(ctx context.Context, organizationID string) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM org_locks WHERE org_id = $1`, organizationID); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// ReapExpired deletes lock rows whose expiry has passed. Expired rows never block
// Acquire; reaping only keeps the table small.
func (l *PostgresLocker) ReapExpired(ctx context.Context) (int64, error) {
	result, err := l.db.ExecContext(ctx, `DELETE FROM org_locks WHERE locked_until < $1`, l.opts.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to reap expired locks: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count reaped locks: %w", err)
	}
	return n, nil
}
