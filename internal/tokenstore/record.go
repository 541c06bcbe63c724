package tokenstore

import (
	"errors"
	"time"
)

var (
	// ErrNotFound reports that no backend holds a record for the account.
	ErrNotFound = errors.New("token record not found")

	// ErrPersistenceWrite reports that the authoritative backend rejected a write.
	// A rotated refresh token that fails to persist is lost for every other instance.
	ErrPersistenceWrite = errors.New("failed to persist token record")

	// ErrInvalidRecord reports a record without refresh token.
	ErrInvalidRecord = errors.New("token record has no refresh token")
)

// Sort keys distinguishing the two row kinds stored per account in durable tables.
const (
	KindProfile = "PROFILE"
	KindLock    = "LOCK#REFRESH"
)

// Record is the authentication state of the managed account.
type Record struct {
	// RefreshToken is the long-lived credential. It rotates on every refresh and is
	// the source of truth for the account's authentication.
	RefreshToken string `json:"refresh_token"`
	// AccessToken is the short-lived bearer credential. May be empty or stale.
	AccessToken string `json:"access_token,omitempty"`
	// ExpiresAt is the advisory expiry of AccessToken. Zero if unknown.
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	// UpdatedAt is the time of the last successful write.
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// Validate reports whether the record represents an authenticated state.
func (r Record) Validate() error {
	if r.RefreshToken == "" {
		return ErrInvalidRecord
	}
	return nil
}

// FreshFor reports whether the access token is present and stays valid for at least d.
// Tokens without a known expiry are never considered fresh.
func (r Record) FreshFor(now time.Time, d time.Duration) bool {
	if r.AccessToken == "" || r.ExpiresAt.IsZero() {
		return false
	}
	return now.Add(d).Before(r.ExpiresAt)
}

// Status tags the outcome of a Store lookup.
type Status int

const (
	StatusNotFound Status = iota
	StatusFound
	StatusFailed
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusFound:
		return "found"
	case StatusFailed:
		return "failed"
	default:
		return "not_found"
	}
}

// Result is the outcome of Store.Get: a record, a miss, or a backend failure.
type Result struct {
	Status Status
	Record Record
	Err    error
}

// Found wraps a record that was read successfully.
func Found(rec Record) Result {
	return Result{Status: StatusFound, Record: rec}
}

// NotFound reports a miss.
func NotFound() Result {
	return Result{Status: StatusNotFound}
}

// Failed reports a backend failure.
func Failed(err error) Result {
	return Result{Status: StatusFailed, Err: err}
}

// checked downgrades records without refresh token to a miss.
func checked(rec Record) Result {
	if rec.Validate() != nil {
		return NotFound()
	}
	return Found(rec)
}
