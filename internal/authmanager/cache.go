package authmanager

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/sethvargo/go-retry"

	"github.com/florianilch/yotokeeper/internal/upstreamapi"
)

// ErrNoFetcher is returned by the cached accessors when no Fetcher was configured.
var ErrNoFetcher = errors.New("no upstream fetcher configured")

// CachedStatus returns the account status document, fetched at most once per cache TTL.
func (m *Manager) CachedStatus(ctx context.Context) (json.RawMessage, error) {
	return m.cached(ctx, "status", m.status, Fetcher.FetchStatus)
}

// CachedLibrary returns the content library document, fetched at most once per cache TTL.
func (m *Manager) CachedLibrary(ctx context.Context) (json.RawMessage, error) {
	return m.cached(ctx, "library", m.library, Fetcher.FetchLibrary)
}

type fetchFunc func(f Fetcher, ctx context.Context, bearer string) (json.RawMessage, error)

func (m *Manager) cached(ctx context.Context, name string, snap *Snapshot[json.RawMessage], fetch fetchFunc) (json.RawMessage, error) {
	if m.fetcher == nil {
		return nil, ErrNoFetcher
	}

	if v, ok := snap.Get(); ok {
		m.metrics.CacheLookup(name, true)
		return v, nil
	}
	m.metrics.CacheLookup(name, false)

	return snap.Load(ctx, m.cfg.RefreshTimeout, func(ctx context.Context) (json.RawMessage, error) {
		return m.fetchWithRetry(ctx, name, fetch)
	})
}

// fetchWithRetry retries failed fetches with exponential backoff. Missing or unrefreshable
// credentials are not retried.
func (m *Manager) fetchWithRetry(ctx context.Context, name string, fetch fetchFunc) (json.RawMessage, error) {
	backoff := retry.WithMaxRetries(m.cfg.RetryAttempts, retry.NewExponential(m.cfg.RetryBase))

	var out json.RawMessage
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := m.EnsureAuthenticated(ctx); err != nil {
			if errors.Is(err, ErrNotAuthenticated) || errors.Is(err, ErrRefreshFailed) {
				return err
			}
			return retry.RetryableError(err)
		}
		bearer, err := m.BearerToken()
		if err != nil {
			return err
		}

		v, err := fetch(m.fetcher, ctx, bearer)
		if errors.Is(err, upstreamapi.ErrUnauthorized) {
			slog.WarnContext(ctx, "upstream rejected access token, forcing refresh", "snapshot", name)
			m.dropAccessToken(bearer)
			return retry.RetryableError(err)
		}
		if err != nil {
			slog.WarnContext(ctx, "snapshot fetch failed", "snapshot", name, "error", err)
			return retry.RetryableError(err)
		}
		out = v
		return nil
	})
	return out, err
}
