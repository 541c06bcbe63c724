package authmanager

import (
	"context"

	"golang.org/x/oauth2"
)

// tokenSource adapts the manager to oauth2.TokenSource so it can feed oauth2.Transport.
type tokenSource struct {
	m *Manager
}

// Compile-time check to ensure tokenSource implements oauth2.TokenSource
var _ oauth2.TokenSource = (*tokenSource)(nil)

// TokenSource returns an oauth2.TokenSource backed by the manager. The returned tokens
// never carry the refresh token.
func (m *Manager) TokenSource() oauth2.TokenSource {
	return &tokenSource{m: m}
}

// Token returns the current access token, refreshing first if needed.
func (ts *tokenSource) Token() (*oauth2.Token, error) {
	// oauth2.TokenSource has no context parameter. Refreshes are bounded by
	// RefreshTimeout regardless.
	if err := ts.m.EnsureAuthenticated(context.Background()); err != nil {
		return nil, err
	}

	ts.m.mu.RLock()
	defer ts.m.mu.RUnlock()
	if ts.m.current.AccessToken == "" {
		return nil, ErrNotAuthenticated
	}
	return &oauth2.Token{
		AccessToken: ts.m.current.AccessToken,
		TokenType:   "Bearer",
		Expiry:      ts.m.current.ExpiresAt,
	}, nil
}
