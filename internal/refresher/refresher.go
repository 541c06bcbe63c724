// Package refresher proactively refreshes the account's token on a fixed schedule so that
// long idle periods never leave it expired.
package refresher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultInterval is the time between refresh checks.
	DefaultInterval = 12 * time.Hour
	// DefaultTickTimeout bounds a single refresh check.
	DefaultTickTimeout = 2 * time.Minute
)

// Target is what the refresher keeps fresh.
type Target interface {
	IsAuthenticated() bool
	EnsureFresh(ctx context.Context, horizon time.Duration) error
}

// Refresher calls Target.EnsureFresh on every tick while the target is authenticated.
type Refresher struct {
	target      Target
	interval    time.Duration
	tickTimeout time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Option configures a Refresher.
type Option func(*Refresher)

// WithTickTimeout bounds each refresh check.
func WithTickTimeout(d time.Duration) Option {
	return func(r *Refresher) {
		r.tickTimeout = d
	}
}

// New creates a Refresher that ticks every interval.
func New(target Target, interval time.Duration, opts ...Option) (*Refresher, error) {
	if target == nil {
		return nil, fmt.Errorf("missing refresh target")
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	r := &Refresher{
		target:      target,
		interval:    interval,
		tickTimeout: DefaultTickTimeout,
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run blocks until ctx is done or Stop is called. A check in progress is allowed to
// finish; it does not observe ctx cancellation.
func (r *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "background refresher started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "background refresher stopped")
			return nil
		case <-r.stopCh:
			slog.InfoContext(ctx, "background refresher stopped")
			return nil
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// Stop ends Run. It is safe to call more than once.
func (r *Refresher) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Refresher) tick(ctx context.Context) {
	if !r.target.IsAuthenticated() {
		slog.DebugContext(ctx, "skipping scheduled refresh, not authenticated")
		return
	}

	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.tickTimeout)
	defer cancel()

	// The token must survive until the next tick.
	if err := r.target.EnsureFresh(tctx, r.interval); err != nil {
		slog.ErrorContext(ctx, "scheduled refresh failed", "error", err)
		return
	}
	slog.DebugContext(ctx, "scheduled refresh check done")
}
