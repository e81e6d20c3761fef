package lease

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/tradecore/internal/domain"
)

const createLeasesTable = `
	CREATE TABLE IF NOT EXISTS trading_leases (
		instrument  TEXT        NOT NULL,
		operation   TEXT        NOT NULL,
		holder      TEXT        NOT NULL,
		acquired_at TIMESTAMPTZ NOT NULL,
		expires_at  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (instrument, operation)
	)`

// PostgresStore keeps one row per (instrument, operation) in a shared table.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// PostgresStoreOption configures a PostgresStore.
type PostgresStoreOption func(*PostgresStore)

// WithPostgresClock replaces the wall clock used for expiry.
func WithPostgresClock(now func() time.Time) PostgresStoreOption {
	return func(s *PostgresStore) {
		s.now = now
	}
}

// NewPostgresStore creates a store on an open database handle.
func NewPostgresStore(db *sql.DB, opts ...PostgresStoreOption) *PostgresStore {
	s := &PostgresStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureSchema creates the lease table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createLeasesTable); err != nil {
		return errors.Wrap(err, "create trading_leases table")
	}
	return nil
}

// TryAcquire implements Store. The row is inserted, or taken over only when expired.
func (s *PostgresStore) TryAcquire(ctx context.Context, instrument domain.Pair, op domain.Operation, holder string, ttl time.Duration) (bool, error) {
	query := `
		INSERT INTO trading_leases (instrument, operation, holder, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (instrument, operation) DO UPDATE
		SET holder = EXCLUDED.holder, acquired_at = EXCLUDED.acquired_at, expires_at = EXCLUDED.expires_at
		WHERE trading_leases.expires_at <= EXCLUDED.acquired_at
		RETURNING holder`

	now := s.now().UTC()

	var got string
	err := s.db.QueryRowContext(ctx, query,
		instrument.String(),
		op.String(),
		holder,
		now,
		now.Add(ttl),
	).Scan(&got)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case isContention(err):
		return false, nil
	case err != nil:
		return false, errors.Wrap(err, "acquire lease")
	}

	return got == holder, nil
}

// Release implements Store. Only the current holder's row is deleted.
func (s *PostgresStore) Release(ctx context.Context, instrument domain.Pair, op domain.Operation, holder string) (bool, error) {
	query := `
		DELETE FROM trading_leases
		WHERE instrument = $1 AND operation = $2 AND holder = $3`

	res, err := s.db.ExecContext(ctx, query, instrument.String(), op.String(), holder)
	if err != nil {
		return false, errors.Wrap(err, "release lease")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "release lease rows affected")
	}
	return n > 0, nil
}

// CleanupExpired implements Store.
func (s *PostgresStore) CleanupExpired(ctx context.Context) (int, error) {
	query := `DELETE FROM trading_leases WHERE expires_at <= $1`

	res, err := s.db.ExecContext(ctx, query, s.now().UTC())
	if err != nil {
		return 0, errors.Wrap(err, "cleanup expired leases")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "cleanup rows affected")
	}
	return int(n), nil
}

// isContention reports a concurrent insert of the same key that lost the race.
func isContention(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case "23505", "40001": // unique_violation, serialization_failure
		return true
	}
	return false
}
