// Package retention enforces the data retention policy: comment and
// summary pruning, archival of closed incidents and expiry of
// idempotency records.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aegisops/aegis/internal/incident"
	"github.com/aegisops/aegis/internal/ledger"
)

// Config holds the retention policy.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration
	// CommentTTL is how long comments are kept.
	CommentTTL time.Duration
	// SummaryTTL is how long generated summaries are kept.
	SummaryTTL time.Duration
	// ArchiveAfter is how long a closed incident stays unarchived.
	ArchiveAfter time.Duration
}

// DefaultConfig returns the production retention policy.
func DefaultConfig() Config {
	return Config{
		Interval:     time.Hour,
		CommentTTL:   90 * 24 * time.Hour,
		SummaryTTL:   365 * 24 * time.Hour,
		ArchiveAfter: 30 * 24 * time.Hour,
	}
}

// Janitor runs periodic retention sweeps.
type Janitor struct {
	config Config
	store  incident.Store
	keys   ledger.Ledger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewJanitor creates a retention janitor.
func NewJanitor(config Config, store incident.Store, keys ledger.Ledger) *Janitor {
	return &Janitor{
		config: config,
		store:  store,
		keys:   keys,
		stopCh: make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (j *Janitor) Start(ctx context.Context) {
	j.wg.Add(1)
	go j.run(ctx)
	slog.Info("retention janitor started", "interval", j.config.Interval)
}

// Stop terminates the sweep loop.
func (j *Janitor) Stop() {
	close(j.stopCh)
	j.wg.Wait()
	slog.Info("retention janitor stopped")
}

func (j *Janitor) run(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one retention pass. Each step is independent; a failure in
// one does not stop the others.
func (j *Janitor) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	if n, err := j.store.PruneComments(ctx, now.Add(-j.config.CommentTTL)); err != nil {
		slog.Error("failed to prune comments", "error", err)
	} else if n > 0 {
		slog.Info("pruned comments", "count", n)
	}

	if n, err := j.store.PruneSummaries(ctx, now.Add(-j.config.SummaryTTL)); err != nil {
		slog.Error("failed to prune summaries", "error", err)
	} else if n > 0 {
		slog.Info("pruned summaries", "count", n)
	}

	if n, err := j.store.ArchiveClosed(ctx, now.Add(-j.config.ArchiveAfter)); err != nil {
		slog.Error("failed to archive closed incidents", "error", err)
	} else if n > 0 {
		slog.Info("archived closed incidents", "count", n)
	}

	if n, err := j.keys.PruneExpired(ctx); err != nil {
		slog.Error("failed to prune idempotency records", "error", err)
	} else if n > 0 {
		slog.Info("pruned idempotency records", "count", n)
	}
}
