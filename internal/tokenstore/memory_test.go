package tokenstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreLease(t *testing.T) {
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	lease := func(owner string) Lease {
		return Lease{OwnerID: owner, AcquiredAt: now, ExpiresAt: now.Add(30 * time.Second)}
	}

	ok, err := store.AcquireLease(ctx, "acct", lease("a"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.AcquireLease(ctx, "acct", lease("b"))
	require.NoError(t, err)
	assert.False(t, ok, "unexpired lease must not be overwritten")

	// Non-owner release is a no-op.
	require.NoError(t, store.ReleaseLease(ctx, "acct", "b"))
	ok, err = store.AcquireLease(ctx, "acct", lease("c"))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.ReleaseLease(ctx, "acct", "a"))
	ok, err = store.AcquireLease(ctx, "acct", lease("d"))
	require.NoError(t, err)
	assert.True(t, ok)

	// Crashed holder: lease self-expires.
	now = now.Add(31 * time.Second)
	ok, err = store.AcquireLease(ctx, "acct", lease("e"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStoreLeasesArePerAccount(t *testing.T) {
	now := time.Now()
	store := NewMemoryStore(nil)
	ctx := context.Background()

	ok, err := store.AcquireLease(ctx, "a", Lease{OwnerID: "x", AcquiredAt: now, ExpiresAt: now.Add(time.Minute)})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.AcquireLease(ctx, "b", Lease{OwnerID: "y", AcquiredAt: now, ExpiresAt: now.Add(time.Minute)})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRecordFreshFor(t *testing.T) {
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

	assert.False(t, Record{RefreshToken: "rt"}.FreshFor(now, 0))
	assert.False(t, Record{RefreshToken: "rt", AccessToken: "at"}.FreshFor(now, 0), "unknown expiry is never fresh")
	assert.True(t, Record{RefreshToken: "rt", AccessToken: "at", ExpiresAt: now.Add(time.Hour)}.FreshFor(now, 5*time.Minute))
	assert.False(t, Record{RefreshToken: "rt", AccessToken: "at", ExpiresAt: now.Add(time.Minute)}.FreshFor(now, 5*time.Minute))
}
