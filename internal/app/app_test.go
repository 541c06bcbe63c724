package app

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/florianilch/yotokeeper/internal/authmanager"
	"github.com/florianilch/yotokeeper/internal/tokenstore"
)

func TestNewStorageMemoryWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	cfg := StorageConfig{
		Durable: DurableConfig{Backend: DurableBackendMemory},
		File: FileConfig{
			Enabled:       true,
			Path:          path,
			EncryptionKey: base64.StdEncoding.EncodeToString(make([]byte, 32)),
		},
	}

	s, err := NewStorage(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Chain.Save(ctx, "acct", tokenstore.Record{RefreshToken: "rt-1"}))

	// Local mode writes the file too, so a fresh chain over the same file finds the token.
	again, err := NewStorage(ctx, cfg)
	require.NoError(t, err)
	defer again.Close()

	loaded, err := again.Chain.Load(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, "rt-1", loaded.Record.RefreshToken)
	assert.Equal(t, "file", loaded.Source)
}

func TestNewStorageRejectsUnknownBackend(t *testing.T) {
	_, err := NewStorage(context.Background(), StorageConfig{Durable: DurableConfig{Backend: "redis"}})
	require.Error(t, err)
}

func TestNewStoragePostgresIsLazy(t *testing.T) {
	s, err := NewStorage(context.Background(), StorageConfig{
		Durable: DurableConfig{Backend: DurableBackendPostgres, DSN: "postgres://user@127.0.0.1:1/none"},
	})
	require.NoError(t, err)
	assert.Equal(t, "postgres", s.Chain.Durable().Name())
	assert.NoError(t, s.Close())
}

func TestNewComposesApp(t *testing.T) {
	cfg := validConfig(t)
	cfg.Auth.AccountID = "acct"

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, "acct", a.Manager().AccountID())
	assert.Equal(t, authmanager.StateUninitialized, a.Manager().State())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := validConfig(t)
	cfg.OAuth.ClientID = ""

	_, err := New(context.Background(), cfg)
	require.Error(t, err)
}

func TestStartServesUntilCancelled(t *testing.T) {
	cfg := validConfig(t)
	cfg.Server.Port = 0
	cfg.Server.Host = "127.0.0.1"
	cfg.Shutdown.Timeout = time.Second

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Start(ctx) }()

	// Nothing is stored, so startup authentication leaves the manager uninitialized.
	require.Eventually(t, func() bool {
		return a.Manager().State() == authmanager.StateUninitialized
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancellation")
	}
}
