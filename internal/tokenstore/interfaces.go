package tokenstore

import (
	"context"
	"time"
)

// Store reads and writes the token record of one account in a single backend.
//
// Get never reports a missing record as an error: callers branch on Result.Status.
type Store interface {
	// Name identifies the backend in logs and load results.
	Name() string

	// Get returns the stored record for accountID.
	Get(ctx context.Context, accountID string) Result

	// Put persists the record, replacing any existing one. Returns error if the
	// backend is read-only or the write fails.
	Put(ctx context.Context, accountID string, rec Record) error

	// Delete removes the stored record. Deleting a missing record is not an error.
	Delete(ctx context.Context, accountID string) error
}

// Lease is a time-bounded claim over the right to refresh an account's token.
type Lease struct {
	OwnerID    string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// LeaseStore provides the conditional-write primitive behind the distributed refresh lock.
type LeaseStore interface {
	// AcquireLease stores lease if no lease exists for accountID or the existing one
	// has expired. It returns false without error if an unexpired lease is held.
	AcquireLease(ctx context.Context, accountID string, lease Lease) (bool, error)

	// ReleaseLease removes the lease only if it is held by ownerID. Releasing a lease
	// held by someone else, or no lease at all, is a no-op.
	ReleaseLease(ctx context.Context, accountID, ownerID string) error
}

// DurableStore is an authoritative backend that also coordinates refreshes across instances.
type DurableStore interface {
	Store
	LeaseStore
}
