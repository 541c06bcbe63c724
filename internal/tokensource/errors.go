package tokensource

import (
	"errors"
	"fmt"
)

var (
	// ErrRefreshRejected means the authorization server refused the refresh token.
	ErrRefreshRejected = errors.New("refresh token rejected")
	// ErrTransient marks failures worth retrying: timeouts, rate limiting, 5xx.
	ErrTransient = errors.New("transient upstream failure")
	// ErrMalformedResponse means the token endpoint answered with something unusable.
	ErrMalformedResponse = errors.New("malformed token response")
)

// OAuthError is an error response from the token endpoint.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	StatusCode  int    `json:"-"`
}

func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("oauth error %q (status %d): %s", e.Code, e.StatusCode, e.Description)
	}
	return fmt.Sprintf("oauth error %q (status %d)", e.Code, e.StatusCode)
}

// Error codes defined by RFC 6749 and RFC 8628.
const (
	CodeAuthorizationPending = "authorization_pending"
	CodeSlowDown             = "slow_down"
	CodeExpiredToken         = "expired_token"
	CodeAccessDenied         = "access_denied"
	CodeInvalidGrant         = "invalid_grant"
)

// IsTemporary reports whether status is an HTTP status worth retrying.
func IsTemporary(status int) bool {
	return status == 429 || status >= 500
}
