package domain

import "time"

// Status represents the current lifecycle status of an incident.
type Status string

// Incident statuses. CLOSED is terminal.
const (
	StatusOpen         Status = "OPEN"
	StatusAcknowledged Status = "ACKNOWLEDGED"
	StatusMitigating   Status = "MITIGATING"
	StatusResolved     Status = "RESOLVED"
	StatusClosed       Status = "CLOSED"
)

// Severity represents incident priority. P0 is the most critical.
type Severity string

// Severity levels.
const (
	SeverityP0 Severity = "P0"
	SeverityP1 Severity = "P1"
	SeverityP2 Severity = "P2"
	SeverityP3 Severity = "P3"
	SeverityP4 Severity = "P4"
)

// Incident is the primary record for a production incident.
type Incident struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	Status         Status         `json:"status"`
	Severity       Severity       `json:"severity"`
	Source         string         `json:"source"`
	Service        string         `json:"service,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	ClosedAt       *time.Time     `json:"closed_at,omitempty"`
	Archived       bool           `json:"archived,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// IsValid checks if the status is a known value.
func (s Status) IsValid() bool {
	switch s {
	case StatusOpen, StatusAcknowledged, StatusMitigating, StatusResolved, StatusClosed:
		return true
	}
	return false
}

// IsTerminal reports whether the status allows no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusClosed
}

// statusRank orders statuses along the lifecycle. A transition may never
// move to a lower rank.
var statusRank = map[Status]int{
	StatusOpen:         0,
	StatusAcknowledged: 1,
	StatusMitigating:   2,
	StatusResolved:     3,
	StatusClosed:       4,
}

// CanTransitionTo reports whether the status graph permits moving from s
// to next. Forward steps along OPEN -> ACKNOWLEDGED -> MITIGATING ->
// RESOLVED -> CLOSED are allowed, as is jumping straight to RESOLVED from
// any pre-resolved status.
func (s Status) CanTransitionTo(next Status) bool {
	if !s.IsValid() || !next.IsValid() || s == next {
		return false
	}
	if s.IsTerminal() {
		return false
	}
	cur, nxt := statusRank[s], statusRank[next]
	if nxt < cur {
		return false
	}
	switch next {
	case StatusResolved:
		// Direct resolution is allowed from any active status.
		return true
	case StatusClosed:
		return s == StatusResolved
	default:
		return nxt == cur+1
	}
}

// IsValid checks if the severity is a known value.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityP0, SeverityP1, SeverityP2, SeverityP3, SeverityP4:
		return true
	}
	return false
}

// Priority maps severity to notification priority.
func (s Severity) Priority() Priority {
	switch s {
	case SeverityP0:
		return PriorityCritical
	case SeverityP1:
		return PriorityHigh
	case SeverityP2:
		return PriorityNormal
	default:
		return PriorityLow
	}
}
