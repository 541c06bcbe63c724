package tokenstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestKeyringStoreRoundTrip(t *testing.T) {
	keyring.MockInit()

	store, err := NewKeyringStore("yotokeeper")
	require.NoError(t, err)

	ctx := context.Background()
	assert.Equal(t, StatusNotFound, store.Get(ctx, "acct").Status)

	expiry := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Put(ctx, "acct", Record{RefreshToken: "rt", AccessToken: "at", ExpiresAt: expiry}))

	res := store.Get(ctx, "acct")
	require.Equal(t, StatusFound, res.Status)
	assert.Equal(t, "rt", res.Record.RefreshToken)
	assert.Equal(t, "at", res.Record.AccessToken)
	assert.True(t, expiry.Equal(res.Record.ExpiresAt))

	require.NoError(t, store.Delete(ctx, "acct"))
	assert.Equal(t, StatusNotFound, store.Get(ctx, "acct").Status)
}

func TestKeyringStoreBackendErrorIsFailure(t *testing.T) {
	keyring.MockInitWithError(errors.New("secret service unavailable"))

	store, err := NewKeyringStore("yotokeeper")
	require.NoError(t, err)

	res := store.Get(context.Background(), "acct")
	require.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Err.Error(), "secret service unavailable")
}

func TestEnvStore(t *testing.T) {
	t.Setenv("YOTOKEEPER_TEST_REFRESH", "seed-token")

	store, err := NewEnvStore("YOTOKEEPER_TEST_REFRESH")
	require.NoError(t, err)

	res := store.Get(context.Background(), "acct")
	require.Equal(t, StatusFound, res.Status)
	assert.Equal(t, "seed-token", res.Record.RefreshToken)
	require.Error(t, store.Put(context.Background(), "acct", Record{RefreshToken: "x"}))

	_, err = NewEnvStore("YOTOKEEPER_TEST_UNSET_VARIABLE")
	require.Error(t, err)
}
