package domain

import "time"

// ChangeKind classifies change feed records.
type ChangeKind string

// Change kinds, one per committed mutation type.
const (
	ChangeIncidentCreated  ChangeKind = "incident.created"
	ChangeStatusChanged    ChangeKind = "incident.status_changed"
	ChangeTimelineAppended ChangeKind = "timeline.appended"
	ChangeCommentAdded     ChangeKind = "comment.added"
	ChangeParticipantAdded ChangeKind = "participant.added"
	ChangeSummaryAdded     ChangeKind = "summary.added"
	ChangeWorkflowEvent    ChangeKind = "workflow.event"
)

// ChangeRecord is one entry in the change feed. Exactly one record is
// written per committed mutation, inside the same transaction, so feed
// order matches commit order. Cursor is a ULID and doubles as the
// pagination token for consumers.
type ChangeRecord struct {
	Cursor     string         `json:"cursor"`
	IncidentID string         `json:"incident_id"`
	Kind       ChangeKind     `json:"kind"`
	Detail     map[string]any `json:"detail,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
