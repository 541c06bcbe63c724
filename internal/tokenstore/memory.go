package tokenstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local durable table. It backs local (single-instance) runs and
// tests, and implements the same lease semantics as the shared tables.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	leases  map[string]Lease
	now     func() time.Time
}

// Compile-time check to ensure MemoryStore implements DurableStore
var _ DurableStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore. If now is nil, time.Now is used.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		records: make(map[string]Record),
		leases:  make(map[string]Lease),
		now:     now,
	}
}

// Name implements Store.
func (m *MemoryStore) Name() string { return "memory" }

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, accountID string) Result {
	if err := ctx.Err(); err != nil {
		return Failed(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[accountID]
	if !ok {
		return NotFound()
	}
	return checked(rec)
}

// Put implements Store. UpdatedAt is stamped with the store's clock.
func (m *MemoryStore) Put(ctx context.Context, accountID string, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec.UpdatedAt = m.now()
	m.records[accountID] = rec
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, accountID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, accountID)
	return nil
}

// AcquireLease implements LeaseStore.
func (m *MemoryStore) AcquireLease(ctx context.Context, accountID string, lease Lease) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if held, ok := m.leases[accountID]; ok && held.ExpiresAt.After(m.now()) {
		return false, nil
	}
	m.leases[accountID] = lease
	return true, nil
}

// ReleaseLease implements LeaseStore.
func (m *MemoryStore) ReleaseLease(ctx context.Context, accountID, ownerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if held, ok := m.leases[accountID]; ok && held.OwnerID == ownerID {
		delete(m.leases, accountID)
	}
	return nil
}
