package authmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/florianilch/yotokeeper/internal/refreshlock"
	"github.com/florianilch/yotokeeper/internal/tokensource"
	"github.com/florianilch/yotokeeper/internal/tokenstore"
)

var tracer = otel.Tracer("github.com/florianilch/yotokeeper/internal/authmanager")

const releaseTimeout = 5 * time.Second

const (
	degradedAdopt   = "adopt"
	degradedRefresh = "refresh"
)

// refreshFlight is the single singleflight key for the account. Every caller in the
// process shares it, whatever horizon it needs, so at most one upstream refresh runs.
const refreshFlight = "refresh"

// ensure makes sure a token valid for max(RefreshSkew, horizon) is in memory. Callers
// join the attempt already in flight, which runs detached from their contexts so that a
// cancelled request cannot abort a refresh while it holds the lease. A caller that joined
// someone else's attempt re-checks its own horizon and leads a new round if still short.
func (m *Manager) ensure(ctx context.Context, horizon time.Duration, force bool) error {
	margin := max(m.cfg.RefreshSkew, horizon)
	if !force && m.freshInMemory(margin) {
		return nil
	}

	for {
		led := false
		ch := m.flights.DoChan(refreshFlight, func() (any, error) {
			led = true
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.RefreshTimeout)
			defer cancel()
			return nil, m.obtain(fctx, margin, force)
		})

		var res singleflight.Result
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res = <-ch:
		}

		// A forced caller accepts a refresh it joined rather than rotating again.
		if led || res.Err != nil || force || m.freshInMemory(margin) {
			return res.Err
		}
	}
}

// obtain runs one load-refresh-persist cycle and installs the result.
func (m *Manager) obtain(ctx context.Context, margin time.Duration, force bool) error {
	ctx, span := tracer.Start(ctx, "authmanager.obtain", trace.WithAttributes(
		attribute.String("account", m.cfg.AccountID),
		attribute.Bool("forced", force),
	))
	defer span.End()

	start := m.now()
	gen := m.beginTransition()

	rec, outcome, err := m.acquireToken(ctx, margin, force)
	m.metrics.ObserveRefresh(outcome, m.now().Sub(start))
	span.SetAttributes(attribute.String("outcome", outcome))

	if err != nil {
		m.revert(gen)
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		if errors.Is(err, ErrNotAuthenticated) {
			slog.WarnContext(ctx, "no stored credential for account", "account", m.cfg.AccountID)
		} else {
			slog.ErrorContext(ctx, "failed to obtain access token",
				"account", m.cfg.AccountID,
				"outcome", outcome,
				"error", err,
			)
		}
		return err
	}

	m.install(rec, gen)
	slog.InfoContext(ctx, "access token ready",
		"account", m.cfg.AccountID,
		"outcome", outcome,
		"expires_at", rec.ExpiresAt,
	)
	return nil
}

func (m *Manager) acquireToken(ctx context.Context, margin time.Duration, force bool) (tokenstore.Record, string, error) {
	id := m.cfg.AccountID

	loaded, err := m.store.Load(ctx, id)
	if errors.Is(err, tokenstore.ErrNotFound) {
		return tokenstore.Record{}, outcomeNotAuthenticated, ErrNotAuthenticated
	}
	if err != nil {
		return tokenstore.Record{}, outcomeError, fmt.Errorf("loading token: %w", err)
	}
	rec := loaded.Record
	if !force && m.adoptable(rec, margin) {
		slog.DebugContext(ctx, "persisted access token still fresh", "source", loaded.Source)
		m.noteDegraded(ctx, loaded, degradedAdopt)
		return rec, outcomeAdopted, nil
	}

	owner := refreshlock.NewOwnerID()
	acquired, err := m.lock.Acquire(ctx, id, owner, m.cfg.LockTTL)
	if err != nil {
		slog.WarnContext(ctx, "refresh lock unavailable, treating as contended", "error", err)
	}

	if acquired {
		defer m.release(ctx, owner)

		// Another instance may have rotated the token between our read and the lease.
		if latest, err := m.store.Load(ctx, id); err == nil {
			loaded = latest
			if !force && m.adoptable(latest.Record, margin) {
				m.noteDegraded(ctx, latest, degradedAdopt)
				return latest.Record, outcomeAdopted, nil
			}
			rec = latest.Record
		}
	} else {
		m.metrics.LockContended()
		latest, fresh, err := m.awaitHolder(ctx, margin)
		if err != nil {
			return tokenstore.Record{}, outcomeError, err
		}
		if fresh {
			m.noteDegraded(ctx, latest, degradedAdopt)
			return latest.Record, outcomeAdopted, nil
		}
		if latest.Record.RefreshToken != "" {
			loaded = latest
			rec = latest.Record
		}
		slog.InfoContext(ctx, "refresh lock still held after backoff, refreshing anyway", "account", id)
	}

	m.noteDegraded(ctx, loaded, degradedRefresh)
	tok, err := m.refreshUpstream(ctx, rec.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, tokensource.ErrTransient):
			return tokenstore.Record{}, outcomeTransient, fmt.Errorf("refreshing token: %w", err)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return tokenstore.Record{}, outcomeError, fmt.Errorf("refreshing token: %w", err)
		default:
			return tokenstore.Record{}, outcomeRejected, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
		}
	}

	next := m.normalize(tokenstore.Record{
		RefreshToken: tok.RefreshToken,
		AccessToken:  tok.AccessToken,
		ExpiresAt:    tok.Expiry,
	})
	if next.RefreshToken == "" {
		next.RefreshToken = rec.RefreshToken
	}

	// The new refresh token must be durable before anyone uses it; if it is not, the
	// rotated token is lost and the previous state stays in place.
	if err := m.store.Save(ctx, id, next); err != nil {
		return tokenstore.Record{}, outcomePersistFailed, err
	}
	return next, outcomeRefreshed, nil
}

// adoptable reports whether a persisted record can be used without refreshing.
func (m *Manager) adoptable(rec tokenstore.Record, margin time.Duration) bool {
	return rec.FreshFor(m.now(), margin) && rec.AccessToken != m.rejectedToken()
}

// awaitHolder backs off while another instance refreshes, then re-reads the record.
// fresh is true when the holder has already published a usable token.
func (m *Manager) awaitHolder(ctx context.Context, margin time.Duration) (latest tokenstore.Loaded, fresh bool, err error) {
	for range m.cfg.ContentionRereads {
		if err := sleep(ctx, m.cfg.ContentionBackoff); err != nil {
			return latest, false, err
		}
		loaded, err := m.store.Load(ctx, m.cfg.AccountID)
		if err != nil {
			slog.WarnContext(ctx, "re-reading token after lock contention failed", "error", err)
			continue
		}
		latest = loaded
		if m.adoptable(latest.Record, margin) {
			return latest, true, nil
		}
	}
	return latest, false, nil
}

// noteDegraded flags a token used while a higher-precedence backend was failing. The
// record may be older than the authoritative copy.
func (m *Manager) noteDegraded(ctx context.Context, loaded tokenstore.Loaded, action string) {
	if !loaded.Degraded {
		return
	}
	m.metrics.DegradedDecision(action)
	slog.WarnContext(ctx, "using token from a fallback backend while a preferred backend is failing",
		"account", m.cfg.AccountID,
		"source", loaded.Source,
		"action", action,
	)
}

// refreshUpstream retries transient failures with exponential backoff, bounded so the
// whole attempt finishes well within the lease.
func (m *Manager) refreshUpstream(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	backoff := retry.NewExponential(m.cfg.RetryBase)
	backoff = retry.WithMaxRetries(m.cfg.RetryAttempts, backoff)
	backoff = retry.WithMaxDuration(m.cfg.LockTTL/2, backoff)

	var tok *oauth2.Token
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		t, err := m.upstream.Refresh(ctx, refreshToken)
		if errors.Is(err, tokensource.ErrTransient) {
			slog.WarnContext(ctx, "transient refresh failure, retrying", "error", err)
			return retry.RetryableError(err)
		}
		if err != nil {
			return err
		}
		tok = t
		return nil
	})
	return tok, err
}

func (m *Manager) release(ctx context.Context, owner string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := m.lock.Release(ctx, m.cfg.AccountID, owner); err != nil {
		slog.WarnContext(ctx, "failed to release refresh lock, it will expire on its own", "error", err)
	}
}

// beginTransition moves into Authenticating or Refreshing.
func (m *Manager) beginTransition() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current.RefreshToken != "" {
		m.state = StateRefreshing
	} else {
		m.state = StateAuthenticating
	}
	return m.gen
}

// revert leaves the transitional state after a failed attempt. Whatever credential was
// held before is kept.
func (m *Manager) revert(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return
	}
	if m.current.RefreshToken != "" {
		m.state = StateAuthenticated
	} else {
		m.state = StateUninitialized
	}
}

func (m *Manager) install(rec tokenstore.Record, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		// Reset or Adopt happened meanwhile; theirs wins.
		return
	}
	m.state = StateAuthenticated
	m.current = rec
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
