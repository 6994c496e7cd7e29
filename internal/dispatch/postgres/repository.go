// Package postgres provides the PostgreSQL implementation of dispatch.Queue.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aegisops/aegis/internal/dispatch"
)

// Repository implements dispatch.Queue using PostgreSQL. FetchPending
// uses FOR UPDATE SKIP LOCKED so concurrent consumers never claim the
// same item.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL queue repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const itemColumns = `id, incident_id, channel, target, message, priority, dedup_key, metadata,
	status, attempts, max_attempts, next_attempt_at, last_error, created_at, updated_at, sent_at`

func scanItem(row pgx.Row) (*dispatch.QueueItem, error) {
	var item dispatch.QueueItem
	err := row.Scan(
		&item.ID,
		&item.IncidentID,
		&item.Type,
		&item.Target,
		&item.Message,
		&item.Priority,
		&item.DedupKey,
		&item.Metadata,
		&item.Status,
		&item.Attempts,
		&item.MaxAttempts,
		&item.NextAttemptAt,
		&item.LastError,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.SentAt,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Enqueue adds an item in pending state.
func (r *Repository) Enqueue(ctx context.Context, item *dispatch.QueueItem) error {
	metadata := item.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO notification_queue (id, incident_id, channel, target, message, priority, dedup_key, metadata, status, max_attempts, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', $9, $10)
	`, item.ID, item.IncidentID, item.Type, item.Target, item.Message, item.Priority, item.DedupKey, metadata, item.MaxAttempts, item.NextAttemptAt)
	if err != nil {
		return fmt.Errorf("enqueue item: %w", err)
	}
	return nil
}

// FetchPending claims up to limit due items. Claiming bumps the attempt
// counter: a crash between claim and outcome still consumes one receive.
func (r *Repository) FetchPending(ctx context.Context, limit int) ([]*dispatch.QueueItem, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE notification_queue SET
			status = 'processing',
			attempts = attempts + 1,
			updated_at = now()
		WHERE id IN (
			SELECT id FROM notification_queue
			WHERE status = 'pending' AND next_attempt_at <= now()
			ORDER BY next_attempt_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+itemColumns, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch pending: %w", err)
	}
	defer rows.Close()

	items := make([]*dispatch.QueueItem, 0, limit)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *Repository) mark(ctx context.Context, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update queue item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return dispatch.ErrItemNotFound
	}
	return nil
}

// MarkSent finalizes a delivered item.
func (r *Repository) MarkSent(ctx context.Context, id string) error {
	return r.mark(ctx, `
		UPDATE notification_queue SET status = 'sent', sent_at = now(), updated_at = now()
		WHERE id = $1
	`, id)
}

// MarkForRetry returns an item to pending, invisible until nextAttempt.
func (r *Repository) MarkForRetry(ctx context.Context, id string, sendErr error, nextAttempt time.Time) error {
	return r.mark(ctx, `
		UPDATE notification_queue SET status = 'pending', next_attempt_at = $2, last_error = $3, updated_at = now()
		WHERE id = $1
	`, id, nextAttempt, sendErr.Error())
}

// MarkFailed finalizes an item that hit a permanent error.
func (r *Repository) MarkFailed(ctx context.Context, id string, sendErr error) error {
	return r.mark(ctx, `
		UPDATE notification_queue SET status = 'failed', last_error = $2, updated_at = now()
		WHERE id = $1
	`, id, sendErr.Error())
}

// MarkDead moves an item to the dead letter set.
func (r *Repository) MarkDead(ctx context.Context, id string, sendErr error) error {
	return r.mark(ctx, `
		UPDATE notification_queue SET status = 'dead', last_error = $2, updated_at = now()
		WHERE id = $1
	`, id, sendErr.Error())
}

// Stats reports queue depth per status.
func (r *Repository) Stats(ctx context.Context) (dispatch.QueueStats, error) {
	rows, err := r.db.Query(ctx, `SELECT status, count(*) FROM notification_queue GROUP BY status`)
	if err != nil {
		return dispatch.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var stats dispatch.QueueStats
	for rows.Next() {
		var status dispatch.QueueStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return dispatch.QueueStats{}, fmt.Errorf("scan queue stats: %w", err)
		}
		switch status {
		case dispatch.QueueStatusPending:
			stats.Pending = count
		case dispatch.QueueStatusProcessing:
			stats.Processing = count
		case dispatch.QueueStatusSent:
			stats.Sent = count
		case dispatch.QueueStatusFailed:
			stats.Failed = count
		case dispatch.QueueStatusDead:
			stats.Dead = count
		}
	}
	return stats, rows.Err()
}

// ListDead returns dead letter items, newest first.
func (r *Repository) ListDead(ctx context.Context, limit int) ([]*dispatch.QueueItem, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+itemColumns+` FROM notification_queue
		WHERE status = 'dead' ORDER BY updated_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	items := make([]*dispatch.QueueItem, 0, limit)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				break
			}
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
