package app

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/florianilch/yotokeeper/internal/authmanager"
	"github.com/florianilch/yotokeeper/internal/observability"
	"github.com/florianilch/yotokeeper/internal/refresher"
	"github.com/florianilch/yotokeeper/internal/refreshlock"
	"github.com/florianilch/yotokeeper/internal/tokensource"
	"github.com/florianilch/yotokeeper/internal/tokenstore"
	"github.com/florianilch/yotokeeper/internal/upstreamapi"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// DurableBackend selects the authoritative token table.
type DurableBackend string

const (
	DurableBackendDynamoDB DurableBackend = "dynamodb"
	DurableBackendPostgres DurableBackend = "postgres"
	DurableBackendMemory   DurableBackend = "memory"
)

// Default configuration values
const (
	DefaultConfigLogFormat         = LogFormatText
	DefaultConfigServerHost        = "127.0.0.1"
	DefaultConfigServerPort        = 4000
	DefaultConfigShutdownTimeout   = 5 * time.Second
	DefaultConfigAccountID         = "default"
	DefaultConfigDurableBackend    = DurableBackendMemory
	DefaultConfigDynamoTable       = "yotokeeper-tokens"
	DefaultConfigSecretPrefix      = "yotokeeper"
	DefaultConfigDeviceAuthURL     = "https://login.yotoplay.com/oauth/device/code"
	DefaultConfigTokenURL          = "https://login.yotoplay.com/oauth/token"
	DefaultConfigAudience          = "https://api.yotoplay.com"
	DefaultConfigUpstreamBaseURL   = "https://api.yotoplay.com"
	DefaultConfigStatusPath        = "/device-v2/devices/mine"
	DefaultConfigLibraryPath       = "/card/family/library"
	DefaultConfigRefreshInterval   = refresher.DefaultInterval
	DefaultConfigCacheTTL          = authmanager.DefaultCacheTTL
	DefaultConfigLockTTL           = refreshlock.DefaultTTL
	DefaultConfigContentionBackoff = refreshlock.DefaultBackoff
	DefaultConfigRefreshSkew       = authmanager.DefaultRefreshSkew
)

// DefaultConfigScopes are requested when no scopes are configured.
var DefaultConfigScopes = []string{"openid", "profile", "offline_access"}

// ServerConfig holds server-specific configuration.
type ServerConfig struct {
	Host string `json:"host" validate:"hostname_rfc1123|ip"`
	Port uint16 `json:"port"` // Port range 0-65535 handled by uint16 type
}

// ShutdownConfig holds shutdown behavior configuration.
type ShutdownConfig struct {
	// Timeout for graceful shutdown.
	Timeout time.Duration `json:"timeout"`
}

// TelemetryConfig selects where log records are exported.
type TelemetryConfig struct {
	Exporter string `json:"exporter" validate:"omitempty,oneof=stdout otlp-http otlp-grpc"`
}

// OAuthConfig describes the upstream authorization server.
type OAuthConfig struct {
	ClientID      string        `json:"client_id" validate:"required"`
	ClientSecret  string        `json:"client_secret,omitempty"`
	DeviceAuthURL string        `json:"device_auth_url" validate:"required,url"`
	TokenURL      string        `json:"token_url" validate:"required,url"`
	Scopes        []string      `json:"scopes"`
	Audience      string        `json:"audience,omitempty"`
	JSONRequests  bool          `json:"json_requests"`
	Timeout       time.Duration `json:"timeout" validate:"gte=0"`
}

// UpstreamConfig holds upstream API configuration.
type UpstreamConfig struct {
	BaseURL     string        `json:"base_url" validate:"required,url"`
	StatusPath  string        `json:"status_path" validate:"required,startswith=/"`
	LibraryPath string        `json:"library_path" validate:"required,startswith=/"`
	RateLimit   float64       `json:"rate_limit" validate:"gte=0"`
	Burst       int           `json:"burst" validate:"gte=0"`
	Timeout     time.Duration `json:"timeout" validate:"gte=0"`
}

// DurableConfig configures the authoritative token table.
type DurableConfig struct {
	Backend DurableBackend `json:"backend" validate:"required,oneof=dynamodb postgres memory"`

	// DynamoDB
	Table           string `json:"table,omitempty"`
	Region          string `json:"region,omitempty"`
	Endpoint        string `json:"endpoint,omitempty" validate:"omitempty,url"`
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`

	// Postgres
	DSN     string `json:"dsn,omitempty"`
	Migrate bool   `json:"migrate"`
}

// SecretConfig configures the OS keyring fallback.
type SecretConfig struct {
	Enabled bool   `json:"enabled"`
	Prefix  string `json:"prefix"`
	// Mirror copies every save into the keyring (legacy behaviour).
	Mirror bool `json:"mirror"`
}

// FileConfig configures the local refresh-token file fallback.
type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
	// EncryptionKey is a base64-encoded 32-byte key. Empty stores the token in plain text.
	EncryptionKey string `json:"encryption_key,omitempty" validate:"omitempty,base64"`
}

// StorageConfig describes the token persistence chain.
type StorageConfig struct {
	Durable DurableConfig `json:"durable"`
	Secret  SecretConfig  `json:"secret"`
	File    FileConfig    `json:"file"`
	// Local marks a non-distributed run: saves are also written to the file.
	Local bool `json:"local"`
}

// LocalMode reports whether saves go to the local file. The in-memory table is never
// shared, so it always implies local mode.
func (s StorageConfig) LocalMode() bool {
	return s.Local || s.Durable.Backend == DurableBackendMemory
}

// FileKey decodes the file encryption key. ok is false when no key is configured.
func (s StorageConfig) FileKey() (key [tokenstore.KeySize]byte, ok bool, err error) {
	if s.File.EncryptionKey == "" {
		return key, false, nil
	}
	raw, err := base64.StdEncoding.DecodeString(s.File.EncryptionKey)
	if err != nil {
		return key, false, fmt.Errorf("decoding file encryption key: %w", err)
	}
	if len(raw) != tokenstore.KeySize {
		return key, false, fmt.Errorf("file encryption key must be %d bytes, got %d", tokenstore.KeySize, len(raw))
	}
	copy(key[:], raw)
	return key, true, nil
}

// AuthConfig tunes the authentication lifecycle of the managed account.
type AuthConfig struct {
	AccountID         string        `json:"account_id" validate:"required"`
	RefreshInterval   time.Duration `json:"refresh_interval" validate:"gte=0"`
	CacheTTL          time.Duration `json:"cache_ttl" validate:"gte=0"`
	LockTTL           time.Duration `json:"lock_ttl" validate:"gte=0"`
	ContentionBackoff time.Duration `json:"contention_backoff" validate:"gte=0"`
	ContentionRereads int           `json:"contention_rereads" validate:"gte=0"`
	RefreshSkew       time.Duration `json:"refresh_skew" validate:"gte=0"`
	DefaultAccessTTL  time.Duration `json:"default_access_ttl" validate:"gte=0"`
	RefreshTimeout    time.Duration `json:"refresh_timeout" validate:"gte=0"`
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel  slog.Level      `json:"log_level"`
	LogFormat LogFormat       `json:"log_format" validate:"oneof=text json"`
	Telemetry TelemetryConfig `json:"telemetry"`
	Server    ServerConfig    `json:"server"`
	Shutdown  ShutdownConfig  `json:"shutdown"`
	OAuth     OAuthConfig     `json:"oauth"`
	Upstream  UpstreamConfig  `json:"upstream"`
	Storage   StorageConfig   `json:"storage"`
	Auth      AuthConfig      `json:"auth"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultConfigServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultConfigServerPort
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultConfigShutdownTimeout
	}

	if c.OAuth.DeviceAuthURL == "" {
		c.OAuth.DeviceAuthURL = DefaultConfigDeviceAuthURL
	}
	if c.OAuth.TokenURL == "" {
		c.OAuth.TokenURL = DefaultConfigTokenURL
	}
	if c.OAuth.Audience == "" {
		c.OAuth.Audience = DefaultConfigAudience
	}
	if len(c.OAuth.Scopes) == 0 {
		c.OAuth.Scopes = append([]string(nil), DefaultConfigScopes...)
	}
	if c.OAuth.Timeout == 0 {
		c.OAuth.Timeout = tokensource.DefaultTimeout
	}

	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = DefaultConfigUpstreamBaseURL
	}
	if c.Upstream.StatusPath == "" {
		c.Upstream.StatusPath = DefaultConfigStatusPath
	}
	if c.Upstream.LibraryPath == "" {
		c.Upstream.LibraryPath = DefaultConfigLibraryPath
	}
	if c.Upstream.RateLimit == 0 {
		c.Upstream.RateLimit = float64(upstreamapi.DefaultRate)
	}
	if c.Upstream.Burst == 0 {
		c.Upstream.Burst = upstreamapi.DefaultBurst
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = upstreamapi.DefaultTimeout
	}

	if c.Storage.Durable.Backend == "" {
		c.Storage.Durable.Backend = DefaultConfigDurableBackend
	}
	if c.Storage.Durable.Backend == DurableBackendDynamoDB && c.Storage.Durable.Table == "" {
		c.Storage.Durable.Table = DefaultConfigDynamoTable
	}
	if c.Storage.Secret.Prefix == "" {
		c.Storage.Secret.Prefix = DefaultConfigSecretPrefix
	}
	// The in-memory table dies with the process; the file keeps the rotated token.
	if c.Storage.Durable.Backend == DurableBackendMemory {
		c.Storage.File.Enabled = true
	}
	if c.Storage.File.Enabled && c.Storage.File.Path == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("storage.file.path required (auto-detect failed: %w)", err)
		}
		c.Storage.File.Path = filepath.Join(configDir, "yotokeeper", "refresh_token")
	}

	if c.Auth.AccountID == "" {
		c.Auth.AccountID = DefaultConfigAccountID
	}
	if c.Auth.RefreshInterval == 0 {
		c.Auth.RefreshInterval = DefaultConfigRefreshInterval
	}
	if c.Auth.CacheTTL == 0 {
		c.Auth.CacheTTL = DefaultConfigCacheTTL
	}
	if c.Auth.LockTTL == 0 {
		c.Auth.LockTTL = DefaultConfigLockTTL
	}
	if c.Auth.ContentionBackoff == 0 {
		c.Auth.ContentionBackoff = DefaultConfigContentionBackoff
	}
	if c.Auth.RefreshSkew == 0 {
		c.Auth.RefreshSkew = DefaultConfigRefreshSkew
	}

	return nil
}

// Validate validates the configuration using struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	var errs []error

	switch c.Storage.Durable.Backend {
	case DurableBackendDynamoDB:
		if c.Storage.Durable.Table == "" {
			errs = append(errs, errors.New("storage.durable.table required for dynamodb"))
		}
		if c.Storage.Durable.Region == "" {
			errs = append(errs, errors.New("storage.durable.region required for dynamodb"))
		}
		if (c.Storage.Durable.AccessKeyID == "") != (c.Storage.Durable.SecretAccessKey == "") {
			errs = append(errs, errors.New("storage.durable.access_key_id and secret_access_key must be set together"))
		}
	case DurableBackendPostgres:
		if c.Storage.Durable.DSN == "" {
			errs = append(errs, errors.New("storage.durable.dsn required for postgres"))
		}
	}

	if c.Storage.Secret.Mirror && !c.Storage.Secret.Enabled {
		errs = append(errs, errors.New("storage.secret.mirror requires storage.secret.enabled"))
	}
	if c.Storage.Durable.Backend == DurableBackendMemory && !c.Storage.File.Enabled {
		errs = append(errs, errors.New("storage.durable.backend memory requires storage.file.enabled"))
	}
	if c.Storage.Local && !c.Storage.File.Enabled {
		errs = append(errs, errors.New("storage.local requires storage.file.enabled"))
	}
	if c.Storage.File.Enabled {
		if c.Storage.File.Path == "" {
			errs = append(errs, errors.New("storage.file.path required for file storage"))
		}
		if _, _, err := c.Storage.FileKey(); err != nil {
			errs = append(errs, err)
		}
	}

	// A lease shorter than one backoff round would expire before waiting instances reread.
	if c.Auth.LockTTL > 0 && c.Auth.ContentionBackoff >= c.Auth.LockTTL {
		errs = append(errs, errors.New("auth.contention_backoff must be shorter than auth.lock_ttl"))
	}

	return errors.Join(errs...)
}

// Address returns the server listen address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ManagerConfig maps the auth settings onto the manager's configuration.
func (c *Config) ManagerConfig() authmanager.Config {
	return authmanager.Config{
		AccountID:         c.Auth.AccountID,
		LockTTL:           c.Auth.LockTTL,
		ContentionBackoff: c.Auth.ContentionBackoff,
		ContentionRereads: c.Auth.ContentionRereads,
		RefreshSkew:       c.Auth.RefreshSkew,
		DefaultAccessTTL:  c.Auth.DefaultAccessTTL,
		RefreshTimeout:    c.Auth.RefreshTimeout,
		CacheTTL:          c.Auth.CacheTTL,
	}
}

// OAuthClientConfig maps the OAuth settings onto the upstream client's configuration.
func (c *Config) OAuthClientConfig() tokensource.Config {
	return tokensource.Config{
		ClientID:      c.OAuth.ClientID,
		ClientSecret:  c.OAuth.ClientSecret,
		DeviceAuthURL: c.OAuth.DeviceAuthURL,
		TokenURL:      c.OAuth.TokenURL,
		Scopes:        c.OAuth.Scopes,
		Audience:      c.OAuth.Audience,
		JSONRequests:  c.OAuth.JSONRequests,
		Timeout:       c.OAuth.Timeout,
	}
}

// TelemetryExporter returns the configured log exporter name.
func (c *Config) TelemetryExporter() string {
	if c.Telemetry.Exporter == "" {
		return observability.ExporterNone
	}
	return c.Telemetry.Exporter
}
