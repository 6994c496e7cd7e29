// Package postgres provides the PostgreSQL implementation of incident.Store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/aegisops/aegis/internal/domain"
	"github.com/aegisops/aegis/internal/incident"
)

// querier is an interface for database operations that both *pgxpool.Pool and pgx.Tx implement.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository implements incident.Store using PostgreSQL. Every mutation
// runs in a transaction that also inserts the change feed row, so the
// feed can never run ahead of or behind committed state.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const incidentColumns = `id, title, description, status, severity, source, service,
	metadata, archived, created_at, updated_at, acknowledged_at, resolved_at, closed_at`

func scanIncident(row pgx.Row) (*domain.Incident, error) {
	var inc domain.Incident
	err := row.Scan(
		&inc.ID,
		&inc.Title,
		&inc.Description,
		&inc.Status,
		&inc.Severity,
		&inc.Source,
		&inc.Service,
		&inc.Metadata,
		&inc.Archived,
		&inc.CreatedAt,
		&inc.UpdatedAt,
		&inc.AcknowledgedAt,
		&inc.ResolvedAt,
		&inc.ClosedAt,
	)
	if err != nil {
		return nil, err
	}
	return &inc, nil
}

func insertChange(ctx context.Context, q querier, incidentID string, kind domain.ChangeKind, detail map[string]any) error {
	if detail == nil {
		detail = map[string]any{}
	}
	_, err := q.Exec(ctx,
		`INSERT INTO change_feed (cursor, incident_id, kind, detail) VALUES ($1, $2, $3, $4)`,
		ulid.Make().String(), incidentID, kind, detail,
	)
	if err != nil {
		return fmt.Errorf("insert change record: %w", err)
	}
	return nil
}

func insertTimelineEvent(ctx context.Context, q querier, ev *domain.TimelineEvent) error {
	metadata := ev.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	_, err := q.Exec(ctx, `
		INSERT INTO timeline_events (incident_id, event_id, ts, type, description, source, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.IncidentID, ev.EventID, ev.Timestamp, ev.Type, ev.Description, ev.Source, metadata)
	if err != nil {
		return fmt.Errorf("insert timeline event: %w", err)
	}
	return nil
}

// inTx runs fn in a transaction.
func (r *Repository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// CreateIncident writes the incident row, its initial timeline event and
// one change record in a single transaction.
func (r *Repository) CreateIncident(ctx context.Context, inc *domain.Incident, created *domain.TimelineEvent) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		metadata := inc.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO incidents (id, title, description, status, severity, source, service, metadata, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, inc.ID, inc.Title, inc.Description, inc.Status, inc.Severity, inc.Source, inc.Service, metadata, inc.CreatedAt, inc.UpdatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return incident.ErrAlreadyExists
			}
			return fmt.Errorf("insert incident: %w", err)
		}

		if err := insertChange(ctx, tx, inc.ID, domain.ChangeIncidentCreated, map[string]any{
			"severity": string(inc.Severity),
			"status":   string(inc.Status),
		}); err != nil {
			return err
		}
		return insertTimelineEvent(ctx, tx, created)
	})
}

// GetIncident retrieves an incident by id.
func (r *Repository) GetIncident(ctx context.Context, id string) (*domain.Incident, error) {
	inc, err := scanIncident(r.db.QueryRow(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, incident.ErrNotFound
		}
		return nil, fmt.Errorf("get incident: %w", err)
	}
	return inc, nil
}

// UpdateStatus performs a compare-and-swap on the status column. The WHERE
// clause carries the expected status, so a concurrent transition makes the
// update match zero rows and the caller gets ErrConflict.
func (r *Repository) UpdateStatus(ctx context.Context, id string, next, expected domain.Status, event *domain.TimelineEvent) (*domain.Incident, error) {
	var updated *domain.Incident
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		inc, err := scanIncident(tx.QueryRow(ctx, `
			UPDATE incidents SET
				status = $1,
				updated_at = now(),
				acknowledged_at = CASE WHEN $1 = 'ACKNOWLEDGED' THEN now() ELSE acknowledged_at END,
				resolved_at     = CASE WHEN $1 = 'RESOLVED' THEN now() ELSE resolved_at END,
				closed_at       = CASE WHEN $1 = 'CLOSED' THEN now() ELSE closed_at END
			WHERE id = $2 AND status = $3
			RETURNING `+incidentColumns,
			next, id, expected))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// Distinguish a lost race from a missing incident.
				var exists bool
				if qerr := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM incidents WHERE id = $1)`, id).Scan(&exists); qerr != nil {
					return fmt.Errorf("check incident exists: %w", qerr)
				}
				if exists {
					return incident.ErrConflict
				}
				return incident.ErrNotFound
			}
			return fmt.Errorf("update status: %w", err)
		}

		if err := insertTimelineEvent(ctx, tx, event); err != nil {
			return err
		}
		if err := insertChange(ctx, tx, id, domain.ChangeStatusChanged, map[string]any{
			"from": string(expected),
			"to":   string(next),
		}); err != nil {
			return err
		}
		updated = inc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AppendTimelineEvent appends one event and its change record.
func (r *Repository) AppendTimelineEvent(ctx context.Context, event *domain.TimelineEvent) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if err := insertTimelineEvent(ctx, tx, event); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23503" {
				return incident.ErrNotFound
			}
			return err
		}
		return insertChange(ctx, tx, event.IncidentID, domain.ChangeTimelineAppended, map[string]any{
			"event_id": event.EventID,
			"type":     string(event.Type),
		})
	})
}

// ListTimeline returns one page of events ordered by (timestamp, event id).
func (r *Repository) ListTimeline(ctx context.Context, incidentID string, page incident.Page) ([]domain.TimelineEvent, string, error) {
	if _, err := r.GetIncident(ctx, incidentID); err != nil {
		return nil, "", err
	}

	afterTS, afterID, err := incident.DecodeCursor(page.Cursor)
	if err != nil {
		return nil, "", err
	}
	page = page.Bound()

	query := `
		SELECT incident_id, event_id, ts, type, description, source, metadata
		FROM timeline_events
		WHERE incident_id = $1
	`
	args := []any{incidentID}
	if afterTS != "" {
		query += ` AND (ts, event_id) > ($2::timestamptz, $3)`
		args = append(args, afterTS, afterID)
	}
	query += fmt.Sprintf(` ORDER BY ts, event_id LIMIT $%d`, len(args)+1)
	args = append(args, page.Limit)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("list timeline: %w", err)
	}
	defer rows.Close()

	events := make([]domain.TimelineEvent, 0, page.Limit)
	for rows.Next() {
		var ev domain.TimelineEvent
		if err := rows.Scan(&ev.IncidentID, &ev.EventID, &ev.Timestamp, &ev.Type, &ev.Description, &ev.Source, &ev.Metadata); err != nil {
			return nil, "", fmt.Errorf("scan timeline event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("list timeline: %w", err)
	}

	next := ""
	if len(events) == page.Limit {
		last := events[len(events)-1]
		next = incident.EncodeCursor(last.Timestamp.UTC().Format(time.RFC3339Nano), last.EventID)
	}
	return events, next, nil
}

// AddComment appends a comment and its change record.
func (r *Repository) AddComment(ctx context.Context, c *domain.Comment) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO comments (incident_id, comment_id, ts, author_id, author_name, body)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, c.IncidentID, c.CommentID, c.Timestamp, c.AuthorID, c.AuthorName, c.Text)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23503" {
				return incident.ErrNotFound
			}
			return fmt.Errorf("insert comment: %w", err)
		}
		return insertChange(ctx, tx, c.IncidentID, domain.ChangeCommentAdded, map[string]any{
			"comment_id": c.CommentID,
			"author_id":  c.AuthorID,
		})
	})
}

// ListComments returns all comments in chronological order.
func (r *Repository) ListComments(ctx context.Context, incidentID string) ([]domain.Comment, error) {
	if _, err := r.GetIncident(ctx, incidentID); err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, `
		SELECT incident_id, comment_id, ts, author_id, author_name, body
		FROM comments WHERE incident_id = $1 ORDER BY ts, comment_id
	`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	comments := make([]domain.Comment, 0)
	for rows.Next() {
		var c domain.Comment
		if err := rows.Scan(&c.IncidentID, &c.CommentID, &c.Timestamp, &c.AuthorID, &c.AuthorName, &c.Text); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// UpsertParticipant inserts or updates per (incident, user). The original
// join time is preserved on update.
func (r *Repository) UpsertParticipant(ctx context.Context, p *domain.Participant) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO participants (incident_id, user_id, name, role, joined_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (incident_id, user_id)
			DO UPDATE SET name = EXCLUDED.name, role = EXCLUDED.role
		`, p.IncidentID, p.UserID, p.Name, p.Role, p.JoinedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23503" {
				return incident.ErrNotFound
			}
			return fmt.Errorf("upsert participant: %w", err)
		}
		return insertChange(ctx, tx, p.IncidentID, domain.ChangeParticipantAdded, map[string]any{
			"user_id": p.UserID,
			"role":    p.Role,
		})
	})
}

// ListParticipants returns participants ordered by join time.
func (r *Repository) ListParticipants(ctx context.Context, incidentID string) ([]domain.Participant, error) {
	if _, err := r.GetIncident(ctx, incidentID); err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, `
		SELECT incident_id, user_id, name, role, joined_at
		FROM participants WHERE incident_id = $1 ORDER BY joined_at, user_id
	`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	participants := make([]domain.Participant, 0)
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(&p.IncidentID, &p.UserID, &p.Name, &p.Role, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// AddSummary appends a generated summary and its change record.
func (r *Repository) AddSummary(ctx context.Context, s *domain.AISummary) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO ai_summaries (incident_id, summary_id, ts, summary_text, model_id, prompt_tokens, completion_tokens)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, s.IncidentID, s.SummaryID, s.Timestamp, s.SummaryText, s.ModelID, s.PromptTokens, s.CompletionTokens)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23503" {
				return incident.ErrNotFound
			}
			return fmt.Errorf("insert summary: %w", err)
		}
		return insertChange(ctx, tx, s.IncidentID, domain.ChangeSummaryAdded, map[string]any{
			"summary_id": s.SummaryID,
			"model_id":   s.ModelID,
		})
	})
}

// ListSummaries returns summaries in chronological order.
func (r *Repository) ListSummaries(ctx context.Context, incidentID string) ([]domain.AISummary, error) {
	if _, err := r.GetIncident(ctx, incidentID); err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, `
		SELECT incident_id, summary_id, ts, summary_text, model_id, prompt_tokens, completion_tokens
		FROM ai_summaries WHERE incident_id = $1 ORDER BY ts, summary_id
	`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()

	summaries := make([]domain.AISummary, 0)
	for rows.Next() {
		var s domain.AISummary
		if err := rows.Scan(&s.IncidentID, &s.SummaryID, &s.Timestamp, &s.SummaryText, &s.ModelID, &s.PromptTokens, &s.CompletionTokens); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

func (r *Repository) queryIncidents(ctx context.Context, query string, args ...any) ([]domain.Incident, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()

	incidents := make([]domain.Incident, 0)
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		incidents = append(incidents, *inc)
	}
	return incidents, rows.Err()
}

// QueryByStatus lists incidents by status, ordered by (severity, id), so
// the most critical incidents come first within a status.
func (r *Repository) QueryByStatus(ctx context.Context, status domain.Status, severity *domain.Severity, page incident.Page) ([]domain.Incident, string, error) {
	afterSev, afterID, err := incident.DecodeCursor(page.Cursor)
	if err != nil {
		return nil, "", err
	}
	page = page.Bound()

	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE NOT archived AND status = $1`
	args := []any{status}
	if severity != nil {
		query += fmt.Sprintf(` AND severity = $%d`, len(args)+1)
		args = append(args, *severity)
	}
	if afterSev != "" || afterID != "" {
		query += fmt.Sprintf(` AND (severity, id) > ($%d, $%d)`, len(args)+1, len(args)+2)
		args = append(args, afterSev, afterID)
	}
	query += fmt.Sprintf(` ORDER BY severity, id LIMIT $%d`, len(args)+1)
	args = append(args, page.Limit)

	incidents, err := r.queryIncidents(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}

	next := ""
	if len(incidents) == page.Limit {
		last := incidents[len(incidents)-1]
		next = incident.EncodeCursor(string(last.Severity), last.ID)
	}
	return incidents, next, nil
}

// QueryByService lists incidents for a service, most recently updated
// first.
func (r *Repository) QueryByService(ctx context.Context, service string, page incident.Page) ([]domain.Incident, string, error) {
	afterTS, afterID, err := incident.DecodeCursor(page.Cursor)
	if err != nil {
		return nil, "", err
	}
	page = page.Bound()

	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE NOT archived AND service = $1`
	args := []any{service}
	if afterTS != "" {
		query += ` AND (updated_at, id) < ($2::timestamptz, $3)`
		args = append(args, afterTS, afterID)
	}
	query += fmt.Sprintf(` ORDER BY updated_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, page.Limit)

	incidents, err := r.queryIncidents(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}

	next := ""
	if len(incidents) == page.Limit {
		last := incidents[len(incidents)-1]
		next = incident.EncodeCursor(last.UpdatedAt.UTC().Format(time.RFC3339Nano), last.ID)
	}
	return incidents, next, nil
}

// QueryByDateRange lists incidents created within [from, to).
func (r *Repository) QueryByDateRange(ctx context.Context, from, to time.Time, page incident.Page) ([]domain.Incident, string, error) {
	afterTS, afterID, err := incident.DecodeCursor(page.Cursor)
	if err != nil {
		return nil, "", err
	}
	page = page.Bound()

	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE created_at >= $1 AND created_at < $2`
	args := []any{from, to}
	if afterTS != "" {
		query += ` AND (created_at, id) > ($3::timestamptz, $4)`
		args = append(args, afterTS, afterID)
	}
	query += fmt.Sprintf(` ORDER BY created_at, id LIMIT $%d`, len(args)+1)
	args = append(args, page.Limit)

	incidents, err := r.queryIncidents(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}

	next := ""
	if len(incidents) == page.Limit {
		last := incidents[len(incidents)-1]
		next = incident.EncodeCursor(last.CreatedAt.UTC().Format(time.RFC3339Nano), last.ID)
	}
	return incidents, next, nil
}

// Changes returns change feed records after the given cursor, in commit
// order. seq rather than the cursor column drives the ordering because
// BIGSERIAL allocation matches commit order under a single writer per
// transaction.
func (r *Repository) Changes(ctx context.Context, cursor string, limit int) ([]domain.ChangeRecord, error) {
	query := `SELECT cursor, incident_id, kind, detail, created_at FROM change_feed`
	args := []any{}
	if cursor != "" {
		query += ` WHERE seq > (SELECT seq FROM change_feed WHERE cursor = $1)`
		args = append(args, cursor)
	}
	query += fmt.Sprintf(` ORDER BY seq LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()

	changes := make([]domain.ChangeRecord, 0, limit)
	for rows.Next() {
		var ch domain.ChangeRecord
		if err := rows.Scan(&ch.Cursor, &ch.IncidentID, &ch.Kind, &ch.Detail, &ch.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan change record: %w", err)
		}
		changes = append(changes, ch)
	}
	return changes, rows.Err()
}

// PruneComments deletes comments older than the given time.
func (r *Repository) PruneComments(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM comments WHERE ts < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune comments: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PruneSummaries deletes summaries older than the given time.
func (r *Repository) PruneSummaries(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM ai_summaries WHERE ts < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune summaries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ArchiveClosed flags incidents closed before the given time. Archived
// rows drop out of the partial indexes backing the status and service
// queries but remain readable by id.
func (r *Repository) ArchiveClosed(ctx context.Context, closedBefore time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE incidents SET archived = TRUE
		WHERE NOT archived AND status = 'CLOSED' AND closed_at < $1
	`, closedBefore)
	if err != nil {
		return 0, fmt.Errorf("archive closed incidents: %w", err)
	}
	return tag.RowsAffected(), nil
}
