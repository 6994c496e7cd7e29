// Package ledger provides keyed idempotency records with expiry.
//
// A reservation is the unit of at-most-once execution: the caller that
// wins Reserve owns performing the side effect; everyone else must skip
// it. Expiry exists to keep the table small, it is not a correctness
// boundary.
package ledger

import (
	"context"
	"errors"
	"time"
)

// ErrAlreadyExists is returned by Reserve when the key is already held.
var ErrAlreadyExists = errors.New("idempotency key already reserved")

// Ledger records idempotency reservations.
type Ledger interface {
	// Reserve atomically claims key for ttl. Returns ErrAlreadyExists if
	// another caller holds an unexpired reservation for the same key.
	Reserve(ctx context.Context, key string, ttl time.Duration) error

	// Release drops a reservation whose side effect failed, so a retry
	// can claim it again.
	Release(ctx context.Context, key string) error

	// Extend renews the holder's reservation for another ttl. Unlike
	// Reserve it never conflicts: the caller already owns the side
	// effect and is keeping the claim alive past the original expiry.
	Extend(ctx context.Context, key string, ttl time.Duration) error

	// PruneExpired removes reservations past their expiry. Returns the
	// number of records removed.
	PruneExpired(ctx context.Context) (int64, error)
}
