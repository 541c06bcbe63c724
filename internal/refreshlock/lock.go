// Package refreshlock provides the cross-instance try-lock that serializes token refreshes
// for one account. The lock is a lease row in the durable table: acquired by a conditional
// write that only succeeds when no unexpired lease exists, released by a delete conditioned
// on the owner, and self-expiring when the holder crashes.
package refreshlock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/florianilch/yotokeeper/internal/tokenstore"
)

const (
	// DefaultTTL bounds how long a crashed holder can block other instances.
	DefaultTTL = 30 * time.Second
	// DefaultBackoff is how long a contending caller waits before re-reading the token.
	DefaultBackoff = 500 * time.Millisecond
)

// Lock is a lease-based try-lock over a tokenstore.LeaseStore.
type Lock struct {
	leases tokenstore.LeaseStore
	now    func() time.Time
}

// New creates a Lock over leases. If now is nil, time.Now is used.
func New(leases tokenstore.LeaseStore, now func() time.Time) (*Lock, error) {
	if leases == nil {
		return nil, fmt.Errorf("missing lease store")
	}
	if now == nil {
		now = time.Now
	}
	return &Lock{leases: leases, now: now}, nil
}

// NewOwnerID returns a fresh owner identity. Every acquisition attempt uses its own id so a
// late release from a previous attempt can never drop a newer lease.
func NewOwnerID() string {
	return uuid.NewString()
}

// Acquire tries once to take the lease for accountID. It never waits: false means another
// owner holds an unexpired lease.
func (l *Lock) Acquire(ctx context.Context, accountID, ownerID string, ttl time.Duration) (bool, error) {
	if ownerID == "" {
		return false, fmt.Errorf("owner id cannot be empty")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := l.now()
	ok, err := l.leases.AcquireLease(ctx, accountID, tokenstore.Lease{
		OwnerID:    ownerID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	})
	if err != nil {
		return false, fmt.Errorf("acquiring refresh lock: %w", err)
	}

	slog.DebugContext(ctx, "refresh lock attempt",
		"account", accountID,
		"owner", ownerID,
		"acquired", ok,
	)
	return ok, nil
}

// Release drops the lease if ownerID still holds it. Releasing a lease held by someone
// else, or one that already expired and was taken over, is a no-op.
func (l *Lock) Release(ctx context.Context, accountID, ownerID string) error {
	if err := l.leases.ReleaseLease(ctx, accountID, ownerID); err != nil {
		return fmt.Errorf("releasing refresh lock: %w", err)
	}
	return nil
}
