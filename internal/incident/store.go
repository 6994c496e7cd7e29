// Package incident provides incident persistence and lifecycle business logic.
package incident

import (
	"context"
	"errors"
	"time"

	"github.com/aegisops/aegis/internal/domain"
)

// Store errors.
var (
	// ErrNotFound is returned when an incident does not exist.
	ErrNotFound = errors.New("incident not found")
	// ErrConflict is the optimistic-concurrency signal: the stored status
	// did not match the expected status of a compare-and-swap update.
	ErrConflict = errors.New("incident status conflict")
	// ErrInvalidTransition is returned when the status graph forbids the
	// requested transition.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrAlreadyExists is returned when creating an incident with a
	// duplicate id.
	ErrAlreadyExists = errors.New("incident already exists")
	// ErrInvalidCursor is returned when a pagination token cannot be
	// decoded.
	ErrInvalidCursor = errors.New("invalid pagination cursor")
)

// Page selects one page of a query. Limit defaults to 50 when zero and is
// capped at 200. Cursor is the token returned by the previous page; empty
// means start from the beginning.
type Page struct {
	Cursor string
	Limit  int
}

// Bound applies default and maximum limits.
func (p Page) Bound() Page {
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.Limit > 200 {
		p.Limit = 200
	}
	return p
}

// Store defines the persistence contract for incidents and their
// sub-entities. Every mutation writes its change feed record in the same
// transaction as the primary row, so the feed is never stale relative to a
// committed write.
type Store interface {
	// CreateIncident writes the incident, its initial timeline event and
	// one change record atomically. Returns ErrAlreadyExists on duplicate
	// id.
	CreateIncident(ctx context.Context, inc *domain.Incident, created *domain.TimelineEvent) error

	// GetIncident returns the primary record. Returns ErrNotFound.
	GetIncident(ctx context.Context, id string) (*domain.Incident, error)

	// UpdateStatus is a compare-and-swap: it fails with ErrConflict when
	// the stored status does not match expected. On success the status
	// timestamps, the transition timeline event and one status-changed
	// change record are committed together.
	UpdateStatus(ctx context.Context, id string, next, expected domain.Status, event *domain.TimelineEvent) (*domain.Incident, error)

	// AppendTimelineEvent appends one event plus its change record.
	AppendTimelineEvent(ctx context.Context, event *domain.TimelineEvent) error

	// ListTimeline returns events ordered by (timestamp, event id).
	ListTimeline(ctx context.Context, incidentID string, page Page) ([]domain.TimelineEvent, string, error)

	AddComment(ctx context.Context, c *domain.Comment) error
	ListComments(ctx context.Context, incidentID string) ([]domain.Comment, error)

	// UpsertParticipant inserts or updates per (incident, user).
	UpsertParticipant(ctx context.Context, p *domain.Participant) error
	ListParticipants(ctx context.Context, incidentID string) ([]domain.Participant, error)

	AddSummary(ctx context.Context, s *domain.AISummary) error
	ListSummaries(ctx context.Context, incidentID string) ([]domain.AISummary, error)

	// QueryByStatus lists incidents with the given status, optionally
	// narrowed to one severity, ordered by (severity, id).
	QueryByStatus(ctx context.Context, status domain.Status, severity *domain.Severity, page Page) ([]domain.Incident, string, error)

	// QueryByService lists incidents for a service ordered by recency.
	QueryByService(ctx context.Context, service string, page Page) ([]domain.Incident, string, error)

	// QueryByDateRange lists incidents created within [from, to).
	QueryByDateRange(ctx context.Context, from, to time.Time, page Page) ([]domain.Incident, string, error)

	// Changes returns change feed records after the given cursor, in
	// commit order.
	Changes(ctx context.Context, cursor string, limit int) ([]domain.ChangeRecord, error)

	// Retention.
	PruneComments(ctx context.Context, olderThan time.Time) (int64, error)
	PruneSummaries(ctx context.Context, olderThan time.Time) (int64, error)
	ArchiveClosed(ctx context.Context, closedBefore time.Time) (int64, error)
}
