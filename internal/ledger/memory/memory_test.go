package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisops/aegis/internal/ledger"
)

func TestLedger_Reserve(t *testing.T) {
	l := New()
	ctx := context.Background()

	require.NoError(t, l.Reserve(ctx, "notify:INC-1:slack", time.Hour))

	err := l.Reserve(ctx, "notify:INC-1:slack", time.Hour)
	assert.ErrorIs(t, err, ledger.ErrAlreadyExists)

	// A different key is independent.
	assert.NoError(t, l.Reserve(ctx, "notify:INC-1:page", time.Hour))
}

func TestLedger_ReserveAfterExpiry(t *testing.T) {
	l := New()
	ctx := context.Background()

	require.NoError(t, l.Reserve(ctx, "key", 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)

	assert.NoError(t, l.Reserve(ctx, "key", time.Hour),
		"expired reservation must be claimable again")
}

func TestLedger_Extend(t *testing.T) {
	l := New()
	ctx := context.Background()

	require.NoError(t, l.Reserve(ctx, "key", 10*time.Millisecond))
	require.NoError(t, l.Extend(ctx, "key", time.Hour))
	time.Sleep(20 * time.Millisecond)

	// The renewal outlives the original ttl.
	assert.ErrorIs(t, l.Reserve(ctx, "key", time.Hour), ledger.ErrAlreadyExists)
}

func TestLedger_Release(t *testing.T) {
	l := New()
	ctx := context.Background()

	require.NoError(t, l.Reserve(ctx, "key", time.Hour))
	require.NoError(t, l.Release(ctx, "key"))

	assert.NoError(t, l.Reserve(ctx, "key", time.Hour),
		"released reservation must be claimable again")
}

func TestLedger_PruneExpired(t *testing.T) {
	l := New()
	ctx := context.Background()

	require.NoError(t, l.Reserve(ctx, "stale", time.Millisecond))
	require.NoError(t, l.Reserve(ctx, "fresh", time.Hour))
	time.Sleep(5 * time.Millisecond)

	pruned, err := l.PruneExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	assert.ErrorIs(t, l.Reserve(ctx, "fresh", time.Hour), ledger.ErrAlreadyExists)
}
