package domain

import "time"

// TimelineEventType classifies timeline events.
type TimelineEventType string

// Timeline event types.
const (
	EventIncidentCreated        TimelineEventType = "INCIDENT_CREATED"
	EventStatusChanged          TimelineEventType = "STATUS_CHANGED"
	EventTriageCompleted        TimelineEventType = "TRIAGE_COMPLETED"
	EventAcknowledged           TimelineEventType = "INCIDENT_ACKNOWLEDGED"
	EventNoAcknowledgement      TimelineEventType = "NO_ACKNOWLEDGEMENT"
	EventEscalationTriggered    TimelineEventType = "ESCALATION_TRIGGERED"
	EventExecutiveNotification  TimelineEventType = "EXECUTIVE_NOTIFICATION"
	EventChannelCreateRequested TimelineEventType = "CHANNEL_CREATE_REQUESTED"
	EventLongRunningIncident    TimelineEventType = "LONG_RUNNING_INCIDENT"
	EventNotificationDeadLetter TimelineEventType = "NOTIFICATION_DEAD_LETTERED"
	EventAISummaryGenerated     TimelineEventType = "AI_SUMMARY_GENERATED"
	EventPostMortemManual       TimelineEventType = "POST_MORTEM_MANUAL_REQUIRED"
	EventFollowUpTaskCreated    TimelineEventType = "FOLLOW_UP_TASK_CREATED"
	EventWorkflowCompleted      TimelineEventType = "WORKFLOW_COMPLETED"
	EventCommentAdded           TimelineEventType = "COMMENT_ADDED"
)

// TimelineEvent is an append-only record of something that happened to an
// incident. Events are ordered by (timestamp, event id); ids are ULIDs so
// the id alone breaks ties between same-timestamp events.
type TimelineEvent struct {
	IncidentID  string            `json:"incident_id"`
	EventID     string            `json:"event_id"`
	Timestamp   time.Time         `json:"timestamp"`
	Type        TimelineEventType `json:"type"`
	Description string            `json:"description"`
	Source      string            `json:"source"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}
