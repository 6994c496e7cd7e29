package domain

import "time"

// Participant roles.
const (
	RoleCommander = "commander"
	RoleResponder = "responder"
	RoleObserver  = "observer"
)

// Participant is a person involved in an incident, upserted per
// (incident, user). The first participant recorded becomes the incident
// commander unless explicitly reassigned.
type Participant struct {
	IncidentID string    `json:"incident_id"`
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	Role       string    `json:"role"`
	JoinedAt   time.Time `json:"joined_at"`
}

// Comment is a free-form note on an incident. Append-only, pruned by the
// retention policy after 90 days.
type Comment struct {
	IncidentID string    `json:"incident_id"`
	CommentID  string    `json:"comment_id"`
	Timestamp  time.Time `json:"timestamp"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name"`
	Text       string    `json:"text"`
}

// AISummary is a generated summary or post-mortem for an incident.
// Append-only, retained up to 365 days.
type AISummary struct {
	IncidentID       string    `json:"incident_id"`
	SummaryID        string    `json:"summary_id"`
	Timestamp        time.Time `json:"timestamp"`
	SummaryText      string    `json:"summary_text"`
	ModelID          string    `json:"model_id"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
}
