// Package memory provides an in-memory implementation of ledger.Ledger.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/aegisops/aegis/internal/ledger"
)

// Ledger holds reservations in memory. Suitable for dev/testing.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]time.Time // key -> expiry
}

// New initializes a new in-memory Ledger.
func New() *Ledger {
	return &Ledger{entries: make(map[string]time.Time)}
}

// Reserve atomically claims key for ttl.
func (l *Ledger) Reserve(_ context.Context, key string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if expiry, ok := l.entries[key]; ok && time.Now().Before(expiry) {
		return ledger.ErrAlreadyExists
	}
	l.entries[key] = time.Now().Add(ttl)
	return nil
}

// Extend renews the reservation for another ttl.
func (l *Ledger) Extend(_ context.Context, key string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[key] = time.Now().Add(ttl)
	return nil
}

// Release drops a reservation.
func (l *Ledger) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
	return nil
}

// PruneExpired removes reservations past their expiry.
func (l *Ledger) PruneExpired(_ context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var pruned int64
	now := time.Now()
	for key, expiry := range l.entries {
		if now.After(expiry) {
			delete(l.entries, key)
			pruned++
		}
	}
	return pruned, nil
}
