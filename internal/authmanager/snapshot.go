package authmanager

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Snapshot caches one value for a short TTL. Concurrent misses share a single fetch and
// every caller receives its own clone of the value.
type Snapshot[T any] struct {
	ttl   time.Duration
	clone func(T) T
	now   func() time.Time

	mu        sync.RWMutex
	value     T
	fetchedAt time.Time
	valid     bool
	gen       uint64

	group singleflight.Group
}

// NewSnapshot creates an empty Snapshot. clone must return a value that shares no mutable
// state with its argument; if now is nil, time.Now is used.
func NewSnapshot[T any](ttl time.Duration, clone func(T) T, now func() time.Time) *Snapshot[T] {
	if now == nil {
		now = time.Now
	}
	return &Snapshot[T]{ttl: ttl, clone: clone, now: now}
}

// Get returns a clone of the cached value if it is younger than the TTL.
func (s *Snapshot[T]) Get() (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.valid || s.now().Sub(s.fetchedAt) >= s.ttl {
		var zero T
		return zero, false
	}
	return s.clone(s.value), true
}

// Invalidate drops the cached value. A fetch already in flight will not repopulate it.
func (s *Snapshot[T]) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	s.value = zero
	s.valid = false
	s.gen++
}

// Load returns the cached value or fetches a new one. fetch runs at most once for any
// number of concurrent callers; the caller's ctx only bounds its own wait.
func (s *Snapshot[T]) Load(ctx context.Context, timeout time.Duration, fetch func(context.Context) (T, error)) (T, error) {
	if v, ok := s.Get(); ok {
		return v, nil
	}

	ch := s.group.DoChan("snapshot", func() (any, error) {
		// Double-check after winning the flight.
		if v, ok := s.Get(); ok {
			return v, nil
		}

		s.mu.RLock()
		gen := s.gen
		s.mu.RUnlock()

		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()

		v, err := fetch(fctx)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		if s.gen == gen {
			s.value = s.clone(v)
			s.fetchedAt = s.now()
			s.valid = true
		}
		s.mu.Unlock()
		return v, nil
	})

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			var zero T
			return zero, res.Err
		}
		return s.clone(res.Val.(T)), nil
	}
}
