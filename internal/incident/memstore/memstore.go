// Package memstore provides an in-memory implementation of incident.Store.
// Suitable for dev/testing; the mutex stands in for the transaction
// boundary, so every mutation and its change record commit together.
package memstore

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/aegisops/aegis/internal/domain"
	"github.com/aegisops/aegis/internal/incident"
)

// Store holds incidents and their sub-entities in memory.
type Store struct {
	mu           sync.Mutex
	incidents    map[string]*domain.Incident
	timeline     map[string][]domain.TimelineEvent
	comments     map[string][]domain.Comment
	participants map[string]map[string]domain.Participant
	summaries    map[string][]domain.AISummary
	changes      []domain.ChangeRecord
	entropy      *ulid.MonotonicEntropy
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		incidents:    make(map[string]*domain.Incident),
		timeline:     make(map[string][]domain.TimelineEvent),
		comments:     make(map[string][]domain.Comment),
		participants: make(map[string]map[string]domain.Participant),
		summaries:    make(map[string][]domain.AISummary),
		entropy:      ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// appendChange must be called with the lock held: the monotonic entropy
// makes cursors strictly increasing, preserving commit order.
func (s *Store) appendChange(incidentID string, kind domain.ChangeKind, detail map[string]any) {
	s.changes = append(s.changes, domain.ChangeRecord{
		Cursor:     ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String(),
		IncidentID: incidentID,
		Kind:       kind,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	})
}

// CreateIncident writes the incident and its initial timeline event.
func (s *Store) CreateIncident(_ context.Context, inc *domain.Incident, created *domain.TimelineEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.incidents[inc.ID]; ok {
		return incident.ErrAlreadyExists
	}

	cp := *inc
	s.incidents[inc.ID] = &cp
	s.timeline[inc.ID] = append(s.timeline[inc.ID], *created)

	s.appendChange(inc.ID, domain.ChangeIncidentCreated, map[string]any{
		"severity": string(inc.Severity),
		"status":   string(inc.Status),
	})
	return nil
}

// GetIncident returns a copy of the primary record.
func (s *Store) GetIncident(_ context.Context, id string) (*domain.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.incidents[id]
	if !ok {
		return nil, incident.ErrNotFound
	}
	cp := *inc
	return &cp, nil
}

// UpdateStatus performs the compare-and-swap status update.
func (s *Store) UpdateStatus(_ context.Context, id string, next, expected domain.Status, event *domain.TimelineEvent) (*domain.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.incidents[id]
	if !ok {
		return nil, incident.ErrNotFound
	}
	if inc.Status != expected {
		return nil, incident.ErrConflict
	}

	now := time.Now().UTC()
	inc.Status = next
	inc.UpdatedAt = now
	switch next {
	case domain.StatusAcknowledged:
		inc.AcknowledgedAt = &now
	case domain.StatusResolved:
		inc.ResolvedAt = &now
	case domain.StatusClosed:
		inc.ClosedAt = &now
	}

	s.timeline[id] = append(s.timeline[id], *event)
	s.appendChange(id, domain.ChangeStatusChanged, map[string]any{
		"from": string(expected),
		"to":   string(next),
	})

	cp := *inc
	return &cp, nil
}

// AppendTimelineEvent appends one event.
func (s *Store) AppendTimelineEvent(_ context.Context, event *domain.TimelineEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.incidents[event.IncidentID]; !ok {
		return incident.ErrNotFound
	}
	s.timeline[event.IncidentID] = append(s.timeline[event.IncidentID], *event)
	s.appendChange(event.IncidentID, domain.ChangeTimelineAppended, map[string]any{
		"event_id": event.EventID,
		"type":     string(event.Type),
	})
	return nil
}

// ListTimeline returns events ordered by (timestamp, event id).
func (s *Store) ListTimeline(_ context.Context, incidentID string, page incident.Page) ([]domain.TimelineEvent, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.incidents[incidentID]; !ok {
		return nil, "", incident.ErrNotFound
	}

	events := make([]domain.TimelineEvent, len(s.timeline[incidentID]))
	copy(events, s.timeline[incidentID])
	sort.Slice(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].EventID < events[j].EventID
	})

	afterTS, afterID, err := incident.DecodeCursor(page.Cursor)
	if err != nil {
		return nil, "", err
	}

	page = page.Bound()
	out := make([]domain.TimelineEvent, 0, page.Limit)
	for _, ev := range events {
		if afterTS != "" {
			key := ev.Timestamp.UTC().Format(time.RFC3339Nano)
			if key < afterTS || (key == afterTS && ev.EventID <= afterID) {
				continue
			}
		}
		out = append(out, ev)
		if len(out) == page.Limit {
			break
		}
	}

	next := ""
	if len(out) == page.Limit {
		last := out[len(out)-1]
		next = incident.EncodeCursor(last.Timestamp.UTC().Format(time.RFC3339Nano), last.EventID)
	}
	return out, next, nil
}

// AddComment appends a comment.
func (s *Store) AddComment(_ context.Context, c *domain.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.incidents[c.IncidentID]; !ok {
		return incident.ErrNotFound
	}
	s.comments[c.IncidentID] = append(s.comments[c.IncidentID], *c)
	s.appendChange(c.IncidentID, domain.ChangeCommentAdded, map[string]any{
		"comment_id": c.CommentID,
		"author_id":  c.AuthorID,
	})
	return nil
}

// ListComments returns comments in chronological order.
func (s *Store) ListComments(_ context.Context, incidentID string) ([]domain.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.incidents[incidentID]; !ok {
		return nil, incident.ErrNotFound
	}
	out := make([]domain.Comment, len(s.comments[incidentID]))
	copy(out, s.comments[incidentID])
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// UpsertParticipant inserts or updates per (incident, user).
func (s *Store) UpsertParticipant(_ context.Context, p *domain.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.incidents[p.IncidentID]; !ok {
		return incident.ErrNotFound
	}
	if s.participants[p.IncidentID] == nil {
		s.participants[p.IncidentID] = make(map[string]domain.Participant)
	}
	if existing, ok := s.participants[p.IncidentID][p.UserID]; ok {
		p.JoinedAt = existing.JoinedAt
	}
	s.participants[p.IncidentID][p.UserID] = *p
	s.appendChange(p.IncidentID, domain.ChangeParticipantAdded, map[string]any{
		"user_id": p.UserID,
		"role":    p.Role,
	})
	return nil
}

// ListParticipants returns participants ordered by join time.
func (s *Store) ListParticipants(_ context.Context, incidentID string) ([]domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.incidents[incidentID]; !ok {
		return nil, incident.ErrNotFound
	}
	out := make([]domain.Participant, 0, len(s.participants[incidentID]))
	for _, p := range s.participants[incidentID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

// AddSummary appends a generated summary.
func (s *Store) AddSummary(_ context.Context, sum *domain.AISummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.incidents[sum.IncidentID]; !ok {
		return incident.ErrNotFound
	}
	s.summaries[sum.IncidentID] = append(s.summaries[sum.IncidentID], *sum)
	s.appendChange(sum.IncidentID, domain.ChangeSummaryAdded, map[string]any{
		"summary_id": sum.SummaryID,
		"model_id":   sum.ModelID,
	})
	return nil
}

// ListSummaries returns summaries in chronological order.
func (s *Store) ListSummaries(_ context.Context, incidentID string) ([]domain.AISummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.incidents[incidentID]; !ok {
		return nil, incident.ErrNotFound
	}
	out := make([]domain.AISummary, len(s.summaries[incidentID]))
	copy(out, s.summaries[incidentID])
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// QueryByStatus lists incidents by status, ordered by (severity, id).
func (s *Store) QueryByStatus(_ context.Context, status domain.Status, severity *domain.Severity, page incident.Page) ([]domain.Incident, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []domain.Incident
	for _, inc := range s.incidents {
		if inc.Archived || inc.Status != status {
			continue
		}
		if severity != nil && inc.Severity != *severity {
			continue
		}
		matches = append(matches, *inc)
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Severity != matches[j].Severity {
			return matches[i].Severity < matches[j].Severity
		}
		return matches[i].ID < matches[j].ID
	})

	return paginate(matches, page, func(inc domain.Incident) (string, string) {
		return string(inc.Severity), inc.ID
	})
}

// QueryByService lists incidents for a service, most recent first.
func (s *Store) QueryByService(_ context.Context, service string, page incident.Page) ([]domain.Incident, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []domain.Incident
	for _, inc := range s.incidents {
		if inc.Archived || inc.Service != service {
			continue
		}
		matches = append(matches, *inc)
	}
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].UpdatedAt.Equal(matches[j].UpdatedAt) {
			return matches[i].UpdatedAt.After(matches[j].UpdatedAt)
		}
		return matches[i].ID < matches[j].ID
	})

	// Recency keys are inverted so the keyset comparison stays ascending.
	return paginate(matches, page, func(inc domain.Incident) (string, string) {
		return invertTime(inc.UpdatedAt), inc.ID
	})
}

// QueryByDateRange lists incidents created within [from, to).
func (s *Store) QueryByDateRange(_ context.Context, from, to time.Time, page incident.Page) ([]domain.Incident, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []domain.Incident
	for _, inc := range s.incidents {
		if inc.CreatedAt.Before(from) || !inc.CreatedAt.Before(to) {
			continue
		}
		matches = append(matches, *inc)
	}
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.Before(matches[j].CreatedAt)
		}
		return matches[i].ID < matches[j].ID
	})

	return paginate(matches, page, func(inc domain.Incident) (string, string) {
		return inc.CreatedAt.UTC().Format(time.RFC3339Nano), inc.ID
	})
}

// Changes returns change records after cursor, in commit order.
func (s *Store) Changes(_ context.Context, cursor string, limit int) ([]domain.ChangeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.ChangeRecord, 0, limit)
	for _, ch := range s.changes {
		if cursor != "" && ch.Cursor <= cursor {
			continue
		}
		out = append(out, ch)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// PruneComments removes comments older than the given time.
func (s *Store) PruneComments(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pruned int64
	for id, list := range s.comments {
		kept := list[:0]
		for _, c := range list {
			if c.Timestamp.Before(olderThan) {
				pruned++
				continue
			}
			kept = append(kept, c)
		}
		s.comments[id] = kept
	}
	return pruned, nil
}

// PruneSummaries removes summaries older than the given time.
func (s *Store) PruneSummaries(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pruned int64
	for id, list := range s.summaries {
		kept := list[:0]
		for _, sum := range list {
			if sum.Timestamp.Before(olderThan) {
				pruned++
				continue
			}
			kept = append(kept, sum)
		}
		s.summaries[id] = kept
	}
	return pruned, nil
}

// ArchiveClosed marks incidents closed before the given time as archived.
func (s *Store) ArchiveClosed(_ context.Context, closedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var archived int64
	for _, inc := range s.incidents {
		if inc.Archived || inc.Status != domain.StatusClosed || inc.ClosedAt == nil {
			continue
		}
		if inc.ClosedAt.Before(closedBefore) {
			inc.Archived = true
			archived++
		}
	}
	return archived, nil
}

func paginate(matches []domain.Incident, page incident.Page, key func(domain.Incident) (string, string)) ([]domain.Incident, string, error) {
	afterK1, afterK2, err := incident.DecodeCursor(page.Cursor)
	if err != nil {
		return nil, "", err
	}

	page = page.Bound()
	out := make([]domain.Incident, 0, page.Limit)
	for _, inc := range matches {
		k1, k2 := key(inc)
		if afterK1 != "" || afterK2 != "" {
			if k1 < afterK1 || (k1 == afterK1 && k2 <= afterK2) {
				continue
			}
		}
		out = append(out, inc)
		if len(out) == page.Limit {
			break
		}
	}

	next := ""
	if len(out) == page.Limit {
		k1, k2 := key(out[len(out)-1])
		next = incident.EncodeCursor(k1, k2)
	}
	return out, next, nil
}

// invertTime maps a timestamp to a string whose ascending order matches
// descending time order.
func invertTime(t time.Time) string {
	const digits = "0123456789"
	key := []byte(t.UTC().Format("20060102150405.000000000"))
	for i, c := range key {
		if idx := strings.IndexByte(digits, c); idx >= 0 {
			key[i] = digits[9-idx]
		}
	}
	return string(key)
}
