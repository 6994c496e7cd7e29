package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/aegisops/aegis/internal/domain"
	"github.com/aegisops/aegis/internal/ledger"
)

// WorkerConfig contains worker configuration.
type WorkerConfig struct {
	BatchSize         int
	PollInterval      time.Duration
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	NumWorkers        int
	DedupTTL          time.Duration
}

// DefaultWorkerConfig returns default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:         10,
		PollInterval:      1 * time.Second,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        5 * time.Minute,
		BackoffMultiplier: 2.0,
		NumWorkers:        3,
		DedupTTL:          1 * time.Hour,
	}
}

// DeadLetterAlerter is notified when an item exhausts its receive budget.
type DeadLetterAlerter interface {
	NotifyDeadLetter(ctx context.Context, item *QueueItem)
}

// Worker drains the notification queue. One logical send happens per
// dedup key even if the queue redelivers: the key is reserved in the
// idempotency ledger before the send and released again on failure so a
// later attempt can proceed.
type Worker struct {
	config  WorkerConfig
	queue   Queue
	ledger  ledger.Ledger
	senders map[domain.NotificationType]Sender
	alerter DeadLetterAlerter

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWorker creates a new dispatch worker.
func NewWorker(config WorkerConfig, queue Queue, led ledger.Ledger, senders []Sender, alerter DeadLetterAlerter) *Worker {
	byType := make(map[domain.NotificationType]Sender, len(senders))
	for _, s := range senders {
		byType[s.Type()] = s
	}
	return &Worker{
		config:  config,
		queue:   queue,
		ledger:  led,
		senders: byType,
		alerter: alerter,
		stopCh:  make(chan struct{}),
	}
}

// Start launches worker goroutines.
func (w *Worker) Start(ctx context.Context) {
	slog.Info("starting dispatch worker",
		"workers", w.config.NumWorkers,
		"batch_size", w.config.BatchSize,
		"poll_interval", w.config.PollInterval,
	)

	for i := 0; i < w.config.NumWorkers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i)
	}
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	slog.Info("dispatch worker stopped")
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.ProcessBatch(ctx, workerID)
		}
	}
}

// ProcessBatch claims and processes one batch. Item outcomes are
// independent: one failure never blocks the rest of the batch.
func (w *Worker) ProcessBatch(ctx context.Context, workerID int) {
	items, err := w.queue.FetchPending(ctx, w.config.BatchSize)
	if err != nil {
		slog.Error("failed to fetch pending notifications", "worker", workerID, "error", err)
		return
	}

	if len(items) == 0 {
		return
	}

	slog.Debug("processing notifications", "worker", workerID, "count", len(items))
	recordBatchProcessed(len(items))

	for _, item := range items {
		w.processItem(ctx, item)
	}
}

func (w *Worker) processItem(ctx context.Context, item *QueueItem) {
	start := time.Now()

	sender, ok := w.senders[item.Type]
	if !ok {
		if markErr := w.queue.MarkFailed(ctx, item.ID, fmt.Errorf("no sender for channel %s", item.Type)); markErr != nil {
			slog.Error("failed to mark as failed", "item_id", item.ID, "error", markErr)
		}
		recordNotificationSent(string(item.Type), "failed")
		return
	}

	// Reserve the dedup key first. A lost reservation means another
	// delivery of the same intent already went out (or is in flight), so
	// the item completes without a second side effect.
	dedupKey := "notify:" + item.DedupKey
	err := w.ledger.Reserve(ctx, dedupKey, w.config.DedupTTL)
	if errors.Is(err, ledger.ErrAlreadyExists) {
		slog.Debug("duplicate notification suppressed", "item_id", item.ID, "dedup_key", item.DedupKey)
		if markErr := w.queue.MarkSent(ctx, item.ID); markErr != nil {
			slog.Error("failed to mark as sent", "item_id", item.ID, "error", markErr)
		}
		recordNotificationSent(string(item.Type), "deduplicated")
		return
	}
	if err != nil {
		// Ledger unavailable: leave the item for a later receive.
		w.handleSendError(ctx, item, &RetryableError{Err: err, Retryable: true})
		return
	}

	err = sender.Send(ctx, item.Intent())
	duration := time.Since(start)

	if err != nil {
		// Release the key so the retry is not suppressed as a duplicate.
		if relErr := w.ledger.Release(ctx, dedupKey); relErr != nil {
			slog.Error("failed to release dedup key", "item_id", item.ID, "error", relErr)
		}
		w.handleSendError(ctx, item, err)
		return
	}

	if err := w.queue.MarkSent(ctx, item.ID); err != nil {
		slog.Error("failed to mark as sent", "item_id", item.ID, "error", err)
	}

	recordNotificationSent(string(item.Type), "success")
	recordNotificationDuration(string(item.Type), duration)

	slog.Debug("notification sent",
		"item_id", item.ID,
		"channel", item.Type,
		"duration", duration,
	)
}

func (w *Worker) handleSendError(ctx context.Context, item *QueueItem, err error) {
	slog.Warn("send failed",
		"item_id", item.ID,
		"attempt", item.Attempts,
		"max_attempts", item.MaxAttempts,
		"error", err,
	)

	if !isRetryable(err) {
		if markErr := w.queue.MarkFailed(ctx, item.ID, err); markErr != nil {
			slog.Error("failed to mark as failed", "item_id", item.ID, "error", markErr)
		}
		recordNotificationSent(string(item.Type), "failed")
		return
	}

	// Attempts was already bumped by the claiming fetch, so this receive
	// counts against the budget even though the send just failed.
	if item.Attempts >= item.MaxAttempts {
		if markErr := w.queue.MarkDead(ctx, item.ID, fmt.Errorf("max attempts exceeded: %w", err)); markErr != nil {
			slog.Error("failed to mark as dead", "item_id", item.ID, "error", markErr)
		}
		recordNotificationSent(string(item.Type), "dead_lettered")
		recordDeadLettered(string(item.Type))
		if w.alerter != nil {
			w.alerter.NotifyDeadLetter(ctx, item)
		}
		return
	}

	nextAttempt := w.calculateNextAttempt(item.Attempts)
	if markErr := w.queue.MarkForRetry(ctx, item.ID, err, nextAttempt); markErr != nil {
		slog.Error("failed to mark for retry", "item_id", item.ID, "error", markErr)
	}
	recordNotificationSent(string(item.Type), "retry")

	slog.Info("notification scheduled for retry",
		"item_id", item.ID,
		"next_attempt", nextAttempt,
	)
}

func (w *Worker) calculateNextAttempt(attempts int) time.Time {
	backoff := time.Duration(float64(w.config.InitialBackoff) * math.Pow(w.config.BackoffMultiplier, float64(attempts-1)))
	if backoff > w.config.MaxBackoff {
		backoff = w.config.MaxBackoff
	}
	return time.Now().UTC().Add(backoff)
}
