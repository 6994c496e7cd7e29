package incident

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/aegisops/aegis/internal/domain"
)

// sourceSystem marks timeline events generated by the platform itself.
const sourceSystem = "System"

// Service implements incident business logic on top of a Store.
type Service struct {
	store Store
}

// NewService creates a new incident service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// CreateInput holds data for declaring an incident.
type CreateInput struct {
	ID          string
	Title       string
	Description string
	Severity    domain.Severity
	Source      string
	Service     string
	Metadata    map[string]any
}

// NewIncidentID generates an incident identifier.
func NewIncidentID() string {
	return "INC-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

// NewEventID generates a ULID timeline event id. ULIDs sort by creation
// time, which gives the (timestamp, id) ordering a stable tie-break.
func NewEventID() string {
	return ulid.Make().String()
}

// Create declares a new incident. The incident row and its initial
// timeline event are committed atomically.
func (s *Service) Create(ctx context.Context, input CreateInput) (*domain.Incident, error) {
	if !input.Severity.IsValid() {
		return nil, fmt.Errorf("%w: invalid severity %q", ErrInvalidTransition, input.Severity)
	}

	id := input.ID
	if id == "" {
		id = NewIncidentID()
	}

	now := time.Now().UTC()
	inc := &domain.Incident{
		ID:          id,
		Title:       input.Title,
		Description: input.Description,
		Status:      domain.StatusOpen,
		Severity:    input.Severity,
		Source:      input.Source,
		Service:     input.Service,
		CreatedAt:   now,
		UpdatedAt:   now,
		Metadata:    input.Metadata,
	}

	created := &domain.TimelineEvent{
		IncidentID:  id,
		EventID:     NewEventID(),
		Timestamp:   now,
		Type:        domain.EventIncidentCreated,
		Description: fmt.Sprintf("Incident created with severity %s", input.Severity),
		Source:      sourceSystem,
		Metadata: map[string]any{
			"initial_severity": string(input.Severity),
			"initial_status":   string(domain.StatusOpen),
		},
	}

	if err := s.store.CreateIncident(ctx, inc, created); err != nil {
		return nil, err
	}

	recordIncidentCreated(string(input.Severity))
	slog.Info("incident created",
		"incident_id", id,
		"severity", input.Severity,
		"source", input.Source,
	)
	return inc, nil
}

// Get returns an incident by id.
func (s *Service) Get(ctx context.Context, id string) (*domain.Incident, error) {
	return s.store.GetIncident(ctx, id)
}

// UpdateStatus moves an incident to next if and only if its stored status
// still equals expected. The transition is validated against the status
// graph before the compare-and-swap is attempted, and exactly one
// timeline event records the change.
func (s *Service) UpdateStatus(ctx context.Context, id string, next, expected domain.Status, reason, actor string) (*domain.Incident, error) {
	if !expected.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, next)
	}

	if actor == "" {
		actor = sourceSystem
	}
	desc := fmt.Sprintf("Status changed from %s to %s", expected, next)
	if reason != "" {
		desc += ": " + reason
	}

	event := &domain.TimelineEvent{
		IncidentID:  id,
		EventID:     NewEventID(),
		Timestamp:   time.Now().UTC(),
		Type:        domain.EventStatusChanged,
		Description: desc,
		Source:      actor,
		Metadata: map[string]any{
			"from": string(expected),
			"to":   string(next),
		},
	}

	inc, err := s.store.UpdateStatus(ctx, id, next, expected, event)
	if err != nil {
		return nil, err
	}

	recordStatusTransition(string(expected), string(next))
	slog.Info("incident status changed",
		"incident_id", id,
		"from", expected,
		"to", next,
		"actor", actor,
	)
	return inc, nil
}

// RecordEvent appends a timeline event of the given type.
func (s *Service) RecordEvent(ctx context.Context, incidentID string, eventType domain.TimelineEventType, description, source string, metadata map[string]any) error {
	if source == "" {
		source = sourceSystem
	}
	return s.store.AppendTimelineEvent(ctx, &domain.TimelineEvent{
		IncidentID:  incidentID,
		EventID:     NewEventID(),
		Timestamp:   time.Now().UTC(),
		Type:        eventType,
		Description: description,
		Source:      source,
		Metadata:    metadata,
	})
}

// Timeline returns one page of timeline events.
func (s *Service) Timeline(ctx context.Context, incidentID string, page Page) ([]domain.TimelineEvent, string, error) {
	return s.store.ListTimeline(ctx, incidentID, page.Bound())
}

// AddComment appends a comment and records it on the timeline.
func (s *Service) AddComment(ctx context.Context, incidentID, authorID, authorName, text string) (*domain.Comment, error) {
	c := &domain.Comment{
		IncidentID: incidentID,
		CommentID:  NewEventID(),
		Timestamp:  time.Now().UTC(),
		AuthorID:   authorID,
		AuthorName: authorName,
		Text:       text,
	}
	if err := s.store.AddComment(ctx, c); err != nil {
		return nil, err
	}

	if err := s.store.AppendTimelineEvent(ctx, &domain.TimelineEvent{
		IncidentID:  incidentID,
		EventID:     NewEventID(),
		Timestamp:   c.Timestamp,
		Type:        domain.EventCommentAdded,
		Description: fmt.Sprintf("Comment added by %s", authorName),
		Source:      authorID,
		Metadata:    map[string]any{"comment_id": c.CommentID},
	}); err != nil {
		slog.Error("failed to record comment event", "incident_id", incidentID, "error", err)
	}
	return c, nil
}

// Comments returns all comments for an incident.
func (s *Service) Comments(ctx context.Context, incidentID string) ([]domain.Comment, error) {
	return s.store.ListComments(ctx, incidentID)
}

// AddParticipant upserts a participant. The first participant recorded
// for an incident becomes the commander unless a role is given.
func (s *Service) AddParticipant(ctx context.Context, incidentID, userID, name, role string) (*domain.Participant, error) {
	if role == "" {
		existing, err := s.store.ListParticipants(ctx, incidentID)
		if err != nil {
			return nil, err
		}
		role = domain.RoleResponder
		if len(existing) == 0 {
			role = domain.RoleCommander
		}
	}

	p := &domain.Participant{
		IncidentID: incidentID,
		UserID:     userID,
		Name:       name,
		Role:       role,
		JoinedAt:   time.Now().UTC(),
	}
	if err := s.store.UpsertParticipant(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Participants returns all participants for an incident.
func (s *Service) Participants(ctx context.Context, incidentID string) ([]domain.Participant, error) {
	return s.store.ListParticipants(ctx, incidentID)
}

// AddSummary stores a generated summary and records it on the timeline.
func (s *Service) AddSummary(ctx context.Context, summary *domain.AISummary) error {
	if summary.SummaryID == "" {
		summary.SummaryID = NewEventID()
	}
	if summary.Timestamp.IsZero() {
		summary.Timestamp = time.Now().UTC()
	}
	return s.store.AddSummary(ctx, summary)
}

// Summaries returns all stored summaries for an incident.
func (s *Service) Summaries(ctx context.Context, incidentID string) ([]domain.AISummary, error) {
	return s.store.ListSummaries(ctx, incidentID)
}

// QueryByStatus lists incidents by status and optional severity.
func (s *Service) QueryByStatus(ctx context.Context, status domain.Status, severity *domain.Severity, page Page) ([]domain.Incident, string, error) {
	return s.store.QueryByStatus(ctx, status, severity, page.Bound())
}

// QueryByService lists incidents for a service, most recent first.
func (s *Service) QueryByService(ctx context.Context, service string, page Page) ([]domain.Incident, string, error) {
	return s.store.QueryByService(ctx, service, page.Bound())
}

// QueryByDateRange lists incidents created within [from, to).
func (s *Service) QueryByDateRange(ctx context.Context, from, to time.Time, page Page) ([]domain.Incident, string, error) {
	return s.store.QueryByDateRange(ctx, from, to, page.Bound())
}

// Changes returns change feed records after cursor, in commit order.
func (s *Service) Changes(ctx context.Context, cursor string, limit int) ([]domain.ChangeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.Changes(ctx, cursor, limit)
}
