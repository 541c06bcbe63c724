// Package authmanager keeps one service account authenticated against the upstream OAuth
// server. It is the only component that decides when to refresh: request handlers and
// the background refresher all go through EnsureAuthenticated, which serves an in-memory
// token while it is fresh and otherwise loads, refreshes and persists under the
// cross-instance refresh lock.
package authmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/florianilch/yotokeeper/internal/observability"
	"github.com/florianilch/yotokeeper/internal/refreshlock"
	"github.com/florianilch/yotokeeper/internal/tokenstore"
)

// Defaults for Config fields left zero.
const (
	DefaultRefreshSkew       = 5 * time.Minute
	DefaultAccessTTL         = time.Hour
	DefaultRefreshTimeout    = 60 * time.Second
	DefaultRetryBase         = time.Second
	DefaultRetryAttempts     = 3
	DefaultCacheTTL          = 5 * time.Second
	DefaultContentionRereads = 1
)

// Config tunes the manager.
type Config struct {
	AccountID string
	// LockTTL is the lifetime of the refresh lease.
	LockTTL time.Duration
	// ContentionBackoff is how long to wait when another instance holds the lease.
	ContentionBackoff time.Duration
	// ContentionRereads is how many backoff-and-reread rounds run before refreshing anyway.
	ContentionRereads int
	// RefreshSkew is how long before expiry an access token stops counting as fresh.
	RefreshSkew time.Duration
	// DefaultAccessTTL is assumed for access tokens issued without an expiry.
	DefaultAccessTTL time.Duration
	// RefreshTimeout bounds one shared refresh, independent of any caller's context.
	RefreshTimeout time.Duration
	// RetryBase and RetryAttempts shape the exponential retry of transient upstream failures.
	RetryBase     time.Duration
	RetryAttempts uint64
	// CacheTTL is the lifetime of the status and library snapshots.
	CacheTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.LockTTL <= 0 {
		c.LockTTL = refreshlock.DefaultTTL
	}
	if c.ContentionBackoff <= 0 {
		c.ContentionBackoff = refreshlock.DefaultBackoff
	}
	if c.ContentionRereads <= 0 {
		c.ContentionRereads = DefaultContentionRereads
	}
	if c.RefreshSkew <= 0 {
		c.RefreshSkew = DefaultRefreshSkew
	}
	if c.DefaultAccessTTL <= 0 {
		c.DefaultAccessTTL = DefaultAccessTTL
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = DefaultRefreshTimeout
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
}

// Persistence loads and saves the account's token record.
type Persistence interface {
	Load(ctx context.Context, accountID string) (tokenstore.Loaded, error)
	Save(ctx context.Context, accountID string, rec tokenstore.Record) error
}

// Locker is the cross-instance refresh lock.
type Locker interface {
	Acquire(ctx context.Context, accountID, ownerID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, accountID, ownerID string) error
}

// Refresher exchanges a refresh token at the upstream token endpoint.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Fetcher reads the upstream documents served through the snapshot caches.
type Fetcher interface {
	FetchStatus(ctx context.Context, bearer string) (json.RawMessage, error)
	FetchLibrary(ctx context.Context, bearer string) (json.RawMessage, error)
}

// Manager owns the account's authentication state.
type Manager struct {
	cfg      Config
	store    Persistence
	lock     Locker
	upstream Refresher
	fetcher  Fetcher
	metrics  *observability.Metrics
	now      func() time.Time

	mu      sync.RWMutex
	state   State
	current tokenstore.Record
	// rejected is an access token the upstream API refused; it is never adopted again.
	rejected string
	// gen changes on Reset and Adopt so in-flight refreshes do not overwrite them.
	gen uint64

	flights singleflight.Group
	status  *Snapshot[json.RawMessage]
	library *Snapshot[json.RawMessage]
}

// Option configures a Manager.
type Option func(*Manager)

// WithFetcher enables CachedStatus and CachedLibrary.
func WithFetcher(f Fetcher) Option {
	return func(m *Manager) {
		m.fetcher = f
	}
}

// WithMetrics records refresh, lock and cache metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a Manager in the Uninitialized state. No I/O happens until the first
// Authenticate or EnsureAuthenticated call.
func New(cfg Config, store Persistence, lock Locker, upstream Refresher, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("missing token persistence")
	}
	if lock == nil {
		return nil, fmt.Errorf("missing refresh lock")
	}
	if upstream == nil {
		return nil, fmt.Errorf("missing upstream refresher")
	}
	if cfg.AccountID == "" {
		return nil, fmt.Errorf("account id cannot be empty")
	}
	cfg.applyDefaults()

	m := &Manager{
		cfg:      cfg,
		store:    store,
		lock:     lock,
		upstream: upstream,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	clone := func(v json.RawMessage) json.RawMessage { return slices.Clone(v) }
	m.status = NewSnapshot(cfg.CacheTTL, clone, m.now)
	m.library = NewSnapshot(cfg.CacheTTL, clone, m.now)
	return m, nil
}

// AccountID returns the managed account.
func (m *Manager) AccountID() string {
	return m.cfg.AccountID
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsAuthenticated reports whether the manager holds a credential. It never does I/O.
func (m *Manager) IsAuthenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (m.state == StateAuthenticated || m.state == StateRefreshing) && m.current.RefreshToken != ""
}

// BearerToken returns the in-memory access token.
func (m *Manager) BearerToken() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateAuthenticated && m.state != StateRefreshing {
		return "", ErrNotAuthenticated
	}
	if m.current.AccessToken == "" {
		return "", ErrNotAuthenticated
	}
	return m.current.AccessToken, nil
}

// ExpiresAt returns the expiry of the in-memory access token, zero if there is none.
func (m *Manager) ExpiresAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.ExpiresAt
}

// Authenticate reloads the credential from persistence and refreshes it, regardless of
// what is in memory.
func (m *Manager) Authenticate(ctx context.Context) error {
	return m.ensure(ctx, 0, true)
}

// EnsureAuthenticated returns immediately while the in-memory access token is fresh and
// otherwise obtains a fresh one.
func (m *Manager) EnsureAuthenticated(ctx context.Context) error {
	return m.ensure(ctx, 0, false)
}

// EnsureFresh is EnsureAuthenticated with a caller-chosen horizon: the token must stay
// valid for at least horizon.
func (m *Manager) EnsureFresh(ctx context.Context, horizon time.Duration) error {
	return m.ensure(ctx, horizon, false)
}

// Reset forgets the in-memory credential and cached snapshots. Persisted tokens stay.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.state = StateUninitialized
	m.current = tokenstore.Record{}
	m.rejected = ""
	m.gen++
	m.mu.Unlock()

	m.status.Invalidate()
	m.library.Invalidate()
	slog.Info("authentication state reset", "account", m.cfg.AccountID)
}

// Adopt installs a record obtained elsewhere, such as a completed device authorization.
// The caller is responsible for persisting it.
func (m *Manager) Adopt(rec tokenstore.Record) {
	rec = m.normalize(rec)

	m.mu.Lock()
	m.state = StateAuthenticated
	m.current = rec
	m.rejected = ""
	m.gen++
	m.mu.Unlock()

	m.status.Invalidate()
	m.library.Invalidate()
	slog.Info("adopted new credential", "account", m.cfg.AccountID, "expires_at", rec.ExpiresAt)
}

// freshInMemory reports whether the in-memory token outlives margin. A refresh running
// in the background does not invalidate the current token.
func (m *Manager) freshInMemory(margin time.Duration) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	held := m.state == StateAuthenticated || m.state == StateRefreshing
	return held && m.current.FreshFor(m.now(), margin)
}

// normalize assigns the default lifetime to access tokens issued without an expiry.
func (m *Manager) normalize(rec tokenstore.Record) tokenstore.Record {
	if rec.AccessToken != "" && rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = m.now().Add(m.cfg.DefaultAccessTTL)
	}
	return rec
}

// dropAccessToken discards bearer after the upstream API rejected it, so the next
// EnsureAuthenticated refreshes.
func (m *Manager) dropAccessToken(bearer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected = bearer
	if m.current.AccessToken == bearer {
		m.current.AccessToken = ""
		m.current.ExpiresAt = time.Time{}
	}
}

func (m *Manager) rejectedToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rejected
}
