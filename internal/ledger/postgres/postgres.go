// Package postgres provides PostgreSQL implementation of ledger.Ledger.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aegisops/aegis/internal/ledger"
)

// Ledger implements ledger.Ledger using PostgreSQL.
type Ledger struct {
	db *pgxpool.Pool
}

// New creates a new PostgreSQL ledger.
func New(db *pgxpool.Pool) *Ledger {
	return &Ledger{db: db}
}

// Reserve atomically claims key for ttl. The upsert only steals the row
// when the previous reservation has expired, so concurrent callers race
// on a single conditional write.
func (l *Ledger) Reserve(ctx context.Context, key string, ttl time.Duration) error {
	query := `
		INSERT INTO idempotency_records (dedup_key, expires_at)
		VALUES ($1, now() + $2)
		ON CONFLICT (dedup_key) DO UPDATE
		SET expires_at = now() + $2, created_at = now()
		WHERE idempotency_records.expires_at <= now()
	`
	tag, err := l.db.Exec(ctx, query, key, ttl)
	if err != nil {
		return fmt.Errorf("reserve idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrAlreadyExists
	}
	return nil
}

// Extend renews the reservation for another ttl. The upsert is
// unconditional: the holder may renew after expiry, reclaiming its own
// key before anyone else races for it.
func (l *Ledger) Extend(ctx context.Context, key string, ttl time.Duration) error {
	query := `
		INSERT INTO idempotency_records (dedup_key, expires_at)
		VALUES ($1, now() + $2)
		ON CONFLICT (dedup_key) DO UPDATE
		SET expires_at = now() + $2
	`
	if _, err := l.db.Exec(ctx, query, key, ttl); err != nil {
		return fmt.Errorf("extend idempotency key: %w", err)
	}
	return nil
}

// Release drops a reservation whose side effect failed.
func (l *Ledger) Release(ctx context.Context, key string) error {
	if _, err := l.db.Exec(ctx, `DELETE FROM idempotency_records WHERE dedup_key = $1`, key); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// PruneExpired removes reservations past their expiry.
func (l *Ledger) PruneExpired(ctx context.Context) (int64, error) {
	tag, err := l.db.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("prune idempotency records: %w", err)
	}
	return tag.RowsAffected(), nil
}
