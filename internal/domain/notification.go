package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// NotificationType identifies the delivery channel for a notification.
type NotificationType string

// Notification channels.
const (
	NotificationSlack NotificationType = "SLACK"
	NotificationEmail NotificationType = "EMAIL"
	NotificationPage  NotificationType = "PAGE"
	NotificationSMS   NotificationType = "SMS"
)

// Priority ranks a notification for delivery urgency.
type Priority string

// Notification priorities.
const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// IsValid checks if the notification type is a known value.
func (t NotificationType) IsValid() bool {
	switch t {
	case NotificationSlack, NotificationEmail, NotificationPage, NotificationSMS:
		return true
	}
	return false
}

// IsValid checks if the priority is a known value.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// NotificationIntent is a request to deliver one message over one channel.
// Intents are transient: consumed exactly once logically, even though the
// queue may redeliver them.
type NotificationIntent struct {
	IncidentID string           `json:"incident_id"`
	Type       NotificationType `json:"type"`
	Target     string           `json:"target"`
	Message    string           `json:"message"`
	Priority   Priority         `json:"priority"`
	Metadata   map[string]any   `json:"metadata,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// DedupKey derives the idempotency key for this intent from the incident
// id, the content hash and the channel. Replaying an identical intent
// yields the same key and is therefore suppressed by the ledger.
func (n NotificationIntent) DedupKey() string {
	h := sha256.Sum256([]byte(n.Message + "|" + n.Target))
	return fmt.Sprintf("%s:%s:%s", n.IncidentID, hex.EncodeToString(h[:8]), n.Type)
}
