// Package dispatch delivers notification intents over their channels with
// at-least-once queue semantics and idempotent effective delivery.
package dispatch

import (
	"time"

	"github.com/aegisops/aegis/internal/domain"
)

// QueueStatus represents the status of a queue item.
type QueueStatus string

// Queue statuses. Dead items have exhausted their receive budget and sit
// in the dead letter set for inspection.
const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusSent       QueueStatus = "sent"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusDead       QueueStatus = "dead"
)

// QueueItem is one notification intent in the durable queue.
type QueueItem struct {
	ID            string
	IncidentID    string
	Type          domain.NotificationType
	Target        string
	Message       string
	Priority      domain.Priority
	DedupKey      string
	Metadata      map[string]any
	Status        QueueStatus
	Attempts      int
	MaxAttempts   int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	SentAt        *time.Time
}

// Intent reconstructs the notification intent carried by the item.
func (q *QueueItem) Intent() domain.NotificationIntent {
	return domain.NotificationIntent{
		IncidentID: q.IncidentID,
		Type:       q.Type,
		Target:     q.Target,
		Message:    q.Message,
		Priority:   q.Priority,
		Metadata:   q.Metadata,
		CreatedAt:  q.CreatedAt,
	}
}

// QueueStats summarizes queue depth per status.
type QueueStats struct {
	Pending    int64
	Processing int64
	Sent       int64
	Failed     int64
	Dead       int64
}
