package app

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg := &Config{OAuth: OAuthConfig{ClientID: "client-1"}}
	require.NoError(t, cfg.ApplyDefaults())
	return cfg
}

func TestApplyDefaults(t *testing.T) {
	cfg := validConfig(t)

	assert.Equal(t, LogFormatText, cfg.LogFormat)
	assert.Equal(t, "127.0.0.1:4000", cfg.Address())
	assert.Equal(t, DurableBackendMemory, cfg.Storage.Durable.Backend)
	assert.Equal(t, "default", cfg.Auth.AccountID)
	assert.Equal(t, 12*time.Hour, cfg.Auth.RefreshInterval)
	assert.Equal(t, 5*time.Second, cfg.Auth.CacheTTL)
	assert.Equal(t, 30*time.Second, cfg.Auth.LockTTL)
	assert.Equal(t, 500*time.Millisecond, cfg.Auth.ContentionBackoff)
	assert.Equal(t, 5*time.Minute, cfg.Auth.RefreshSkew)
	assert.Equal(t, DefaultConfigScopes, cfg.OAuth.Scopes)
	assert.True(t, cfg.Storage.LocalMode(), "memory backend implies local mode")
	assert.True(t, cfg.Storage.File.Enabled, "memory backend needs the file to survive restarts")
	assert.True(t, strings.HasSuffix(cfg.Storage.File.Path, "yotokeeper/refresh_token"), cfg.Storage.File.Path)
	assert.NoError(t, cfg.Validate())
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Auth:   AuthConfig{AccountID: "acme", LockTTL: time.Minute},
		Storage: StorageConfig{
			Durable: DurableConfig{Backend: DurableBackendDynamoDB, Region: "eu-west-1"},
		},
	}
	require.NoError(t, cfg.ApplyDefaults())

	assert.Equal(t, "0.0.0.0:8080", cfg.Address())
	assert.Equal(t, "acme", cfg.Auth.AccountID)
	assert.Equal(t, time.Minute, cfg.Auth.LockTTL)
	assert.Equal(t, DefaultConfigDynamoTable, cfg.Storage.Durable.Table)
	assert.False(t, cfg.Storage.LocalMode())
	assert.False(t, cfg.Storage.File.Enabled)
}

func TestApplyDefaultsFilePath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg := &Config{Storage: StorageConfig{File: FileConfig{Enabled: true}}}
	require.NoError(t, cfg.ApplyDefaults())
	assert.True(t, strings.HasSuffix(cfg.Storage.File.Path, "yotokeeper/refresh_token"), cfg.Storage.File.Path)
}

func TestValidate(t *testing.T) {
	key := base64.StdEncoding.EncodeToString(make([]byte, 32))

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing client id", func(c *Config) { c.OAuth.ClientID = "" }, "ClientID"},
		{"bad token url", func(c *Config) { c.OAuth.TokenURL = "not a url" }, "TokenURL"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LogFormat"},
		{"bad exporter", func(c *Config) { c.Telemetry.Exporter = "zipkin" }, "Exporter"},
		{"bad backend", func(c *Config) { c.Storage.Durable.Backend = "redis" }, "Backend"},
		{"relative status path", func(c *Config) { c.Upstream.StatusPath = "status" }, "StatusPath"},
		{
			"dynamodb without region",
			func(c *Config) {
				c.Storage.Durable.Backend = DurableBackendDynamoDB
				c.Storage.Durable.Table = "tokens"
			},
			"region required",
		},
		{
			"dynamodb partial static credentials",
			func(c *Config) {
				c.Storage.Durable = DurableConfig{Backend: DurableBackendDynamoDB, Table: "t", Region: "r", AccessKeyID: "AKIA"}
			},
			"must be set together",
		},
		{
			"postgres without dsn",
			func(c *Config) { c.Storage.Durable.Backend = DurableBackendPostgres },
			"dsn required",
		},
		{
			"mirror without secret store",
			func(c *Config) { c.Storage.Secret.Mirror = true },
			"mirror requires",
		},
		{
			"memory without file",
			func(c *Config) { c.Storage.File.Enabled = false },
			"memory requires storage.file.enabled",
		},
		{
			"local without file",
			func(c *Config) {
				c.Storage.Durable = DurableConfig{Backend: DurableBackendPostgres, DSN: "postgres://db/tokens"}
				c.Storage.File.Enabled = false
				c.Storage.Local = true
			},
			"local requires",
		},
		{
			"file without path",
			func(c *Config) { c.Storage.File.Path = "" },
			"path required",
		},
		{
			"short encryption key",
			func(c *Config) {
				c.Storage.File = FileConfig{Enabled: true, Path: "/tmp/x", EncryptionKey: base64.StdEncoding.EncodeToString([]byte("short"))}
			},
			"must be 32 bytes",
		},
		{
			"valid encrypted file",
			func(c *Config) {
				c.Storage.File = FileConfig{Enabled: true, Path: "/tmp/x", EncryptionKey: key}
			},
			"",
		},
		{
			"backoff longer than lease",
			func(c *Config) { c.Auth.ContentionBackoff = time.Minute },
			"contention_backoff",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFileKey(t *testing.T) {
	raw := make([]byte, 32)
	raw[0] = 7
	s := StorageConfig{File: FileConfig{EncryptionKey: base64.StdEncoding.EncodeToString(raw)}}

	key, ok, err := s.FileKey()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, byte(7), key[0])

	_, ok, err = StorageConfig{}.FileKey()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManagerConfigMapping(t *testing.T) {
	cfg := validConfig(t)
	cfg.Auth.ContentionRereads = 3

	mc := cfg.ManagerConfig()
	assert.Equal(t, cfg.Auth.AccountID, mc.AccountID)
	assert.Equal(t, cfg.Auth.LockTTL, mc.LockTTL)
	assert.Equal(t, 3, mc.ContentionRereads)

	oc := cfg.OAuthClientConfig()
	assert.Equal(t, "client-1", oc.ClientID)
	assert.Equal(t, DefaultConfigAudience, oc.Audience)
}
