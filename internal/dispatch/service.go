package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aegisops/aegis/internal/domain"
)

// Service enqueues notification intents for delivery.
type Service struct {
	queue       Queue
	maxAttempts int
}

// NewService creates a new dispatch service. maxAttempts bounds how many
// times the queue hands an item to a consumer before dead-lettering.
func NewService(queue Queue, maxAttempts int) *Service {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Service{queue: queue, maxAttempts: maxAttempts}
}

// Dispatch validates an intent and enqueues it for delivery.
func (s *Service) Dispatch(ctx context.Context, intent domain.NotificationIntent) (*QueueItem, error) {
	if !intent.Type.IsValid() {
		return nil, fmt.Errorf("unknown notification channel %q", intent.Type)
	}
	if intent.Priority == "" {
		intent.Priority = domain.PriorityNormal
	}
	if !intent.Priority.IsValid() {
		return nil, fmt.Errorf("unknown notification priority %q", intent.Priority)
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = time.Now().UTC()
	}

	item := &QueueItem{
		ID:            uuid.NewString(),
		IncidentID:    intent.IncidentID,
		Type:          intent.Type,
		Target:        intent.Target,
		Message:       intent.Message,
		Priority:      intent.Priority,
		DedupKey:      intent.DedupKey(),
		Metadata:      intent.Metadata,
		Status:        QueueStatusPending,
		MaxAttempts:   s.maxAttempts,
		NextAttemptAt: intent.CreatedAt,
		CreatedAt:     intent.CreatedAt,
		UpdatedAt:     intent.CreatedAt,
	}

	if err := s.queue.Enqueue(ctx, item); err != nil {
		return nil, fmt.Errorf("enqueue notification: %w", err)
	}

	slog.Debug("notification enqueued",
		"item_id", item.ID,
		"incident_id", intent.IncidentID,
		"channel", intent.Type,
		"priority", intent.Priority,
	)
	return item, nil
}

// Stats reports queue depth per status.
func (s *Service) Stats(ctx context.Context) (QueueStats, error) {
	return s.queue.Stats(ctx)
}

// DeadLetters returns dead letter items, newest first.
func (s *Service) DeadLetters(ctx context.Context, limit int) ([]*QueueItem, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queue.ListDead(ctx, limit)
}
