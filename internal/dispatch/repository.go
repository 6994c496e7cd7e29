package dispatch

import (
	"context"
	"errors"
	"time"
)

// Queue errors.
var (
	// ErrItemNotFound is returned when a queue item does not exist.
	ErrItemNotFound = errors.New("queue item not found")
)

// Queue is the durable notification queue. Delivery is at-least-once:
// FetchPending may hand the same item to a consumer again after a crash,
// so consumers dedup through the idempotency ledger.
type Queue interface {
	// Enqueue adds an item in pending state.
	Enqueue(ctx context.Context, item *QueueItem) error

	// FetchPending claims up to limit due items, moving them to
	// processing. Claimed items are invisible to other consumers.
	FetchPending(ctx context.Context, limit int) ([]*QueueItem, error)

	// MarkSent finalizes an item after successful (or deduplicated)
	// delivery.
	MarkSent(ctx context.Context, id string) error

	// MarkForRetry returns an item to pending with its attempt counter
	// bumped, invisible until nextAttempt.
	MarkForRetry(ctx context.Context, id string, sendErr error, nextAttempt time.Time) error

	// MarkFailed finalizes an item that hit a permanent error.
	MarkFailed(ctx context.Context, id string, sendErr error) error

	// MarkDead moves an item to the dead letter set after its receive
	// budget is exhausted.
	MarkDead(ctx context.Context, id string, sendErr error) error

	// Stats reports queue depth per status.
	Stats(ctx context.Context) (QueueStats, error)

	// ListDead returns dead letter items for inspection, newest first.
	ListDead(ctx context.Context, limit int) ([]*QueueItem, error)
}
