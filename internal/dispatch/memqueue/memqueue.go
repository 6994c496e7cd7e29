// Package memqueue provides an in-memory implementation of dispatch.Queue.
package memqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aegisops/aegis/internal/dispatch"
)

// Queue holds notification queue items in memory.
type Queue struct {
	mu    sync.Mutex
	items map[string]*dispatch.QueueItem
}

// New initializes a new in-memory Queue.
func New() *Queue {
	return &Queue{items: make(map[string]*dispatch.QueueItem)}
}

// Enqueue adds an item in pending state.
func (q *Queue) Enqueue(_ context.Context, item *dispatch.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	cp := *item
	q.items[item.ID] = &cp
	return nil
}

// FetchPending claims up to limit due items. Claiming counts as a
// receive, so the attempt counter is bumped here rather than on failure.
func (q *Queue) FetchPending(_ context.Context, limit int) ([]*dispatch.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	var due []*dispatch.QueueItem
	for _, item := range q.items {
		if item.Status == dispatch.QueueStatusPending && !item.NextAttemptAt.After(now) {
			due = append(due, item)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
		}
		return due[i].ID < due[j].ID
	})
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]*dispatch.QueueItem, 0, len(due))
	for _, item := range due {
		item.Status = dispatch.QueueStatusProcessing
		item.Attempts++
		item.UpdatedAt = now
		cp := *item
		out = append(out, &cp)
	}
	return out, nil
}

func (q *Queue) mark(id string, fn func(*dispatch.QueueItem)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return dispatch.ErrItemNotFound
	}
	fn(item)
	item.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkSent finalizes a delivered item.
func (q *Queue) MarkSent(_ context.Context, id string) error {
	return q.mark(id, func(item *dispatch.QueueItem) {
		now := time.Now().UTC()
		item.Status = dispatch.QueueStatusSent
		item.SentAt = &now
	})
}

// MarkForRetry returns an item to pending, invisible until nextAttempt.
func (q *Queue) MarkForRetry(_ context.Context, id string, sendErr error, nextAttempt time.Time) error {
	return q.mark(id, func(item *dispatch.QueueItem) {
		item.Status = dispatch.QueueStatusPending
		item.NextAttemptAt = nextAttempt
		item.LastError = sendErr.Error()
	})
}

// MarkFailed finalizes an item that hit a permanent error.
func (q *Queue) MarkFailed(_ context.Context, id string, sendErr error) error {
	return q.mark(id, func(item *dispatch.QueueItem) {
		item.Status = dispatch.QueueStatusFailed
		item.LastError = sendErr.Error()
	})
}

// MarkDead moves an item to the dead letter set.
func (q *Queue) MarkDead(_ context.Context, id string, sendErr error) error {
	return q.mark(id, func(item *dispatch.QueueItem) {
		item.Status = dispatch.QueueStatusDead
		item.LastError = sendErr.Error()
	})
}

// Stats reports queue depth per status.
func (q *Queue) Stats(_ context.Context) (dispatch.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var stats dispatch.QueueStats
	for _, item := range q.items {
		switch item.Status {
		case dispatch.QueueStatusPending:
			stats.Pending++
		case dispatch.QueueStatusProcessing:
			stats.Processing++
		case dispatch.QueueStatusSent:
			stats.Sent++
		case dispatch.QueueStatusFailed:
			stats.Failed++
		case dispatch.QueueStatusDead:
			stats.Dead++
		}
	}
	return stats, nil
}

// ListDead returns dead letter items, newest first.
func (q *Queue) ListDead(_ context.Context, limit int) ([]*dispatch.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var dead []*dispatch.QueueItem
	for _, item := range q.items {
		if item.Status == dispatch.QueueStatusDead {
			cp := *item
			dead = append(dead, &cp)
		}
	}
	sort.Slice(dead, func(i, j int) bool { return dead[i].UpdatedAt.After(dead[j].UpdatedAt) })
	if len(dead) > limit {
		dead = dead[:limit]
	}
	return dead, nil
}
