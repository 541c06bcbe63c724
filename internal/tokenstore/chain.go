package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Loaded is a record returned by Chain.Load together with its provenance.
type Loaded struct {
	Record Record
	// Source is the name of the backend the record came from.
	Source string
	// Degraded is set when a higher-precedence backend failed instead of missing,
	// so the record may be older than the authoritative copy.
	Degraded bool
}

// Chain combines the durable table, the secret store and the local file into one logical
// store. Reads follow strict precedence and never merge records across backends; writes go
// to the durable table and optionally mirror to the secondary backends.
type Chain struct {
	durable DurableStore
	secret  Store
	file    Store

	mirrorSecret bool
	writeFile    bool
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithSecretStore adds a secret-store fallback. If mirror is set, saves are copied to it
// (legacy behaviour; rotating credentials do not belong in a secret store by default).
func WithSecretStore(s Store, mirror bool) ChainOption {
	return func(c *Chain) {
		c.secret = s
		c.mirrorSecret = mirror
	}
}

// WithFileStore adds the last-resort file fallback. If local is set (non-distributed
// runs), saves are copied to it as well.
func WithFileStore(s Store, local bool) ChainOption {
	return func(c *Chain) {
		c.file = s
		c.writeFile = local
	}
}

// NewChain creates a Chain around the authoritative durable backend.
func NewChain(durable DurableStore, opts ...ChainOption) (*Chain, error) {
	if durable == nil {
		return nil, fmt.Errorf("missing durable store")
	}

	c := &Chain{durable: durable}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Durable returns the authoritative backend, which also provides the lease primitive.
func (c *Chain) Durable() DurableStore {
	return c.durable
}

// Load returns the first record found in durable > secret > file order.
// Returns ErrNotFound if no backend holds a record.
func (c *Chain) Load(ctx context.Context, accountID string) (Loaded, error) {
	degraded := false
	for _, s := range c.readOrder() {
		res := s.Get(ctx, accountID)
		switch res.Status {
		case StatusFound:
			if degraded {
				slog.WarnContext(ctx, "loaded token from fallback backend while a preferred backend is failing",
					"source", s.Name(),
					"account", accountID,
				)
			}
			return Loaded{Record: res.Record, Source: s.Name(), Degraded: degraded}, nil
		case StatusFailed:
			if err := ctx.Err(); err != nil {
				return Loaded{}, err
			}
			degraded = true
			slog.WarnContext(ctx, "token backend read failed, falling through",
				"backend", s.Name(),
				"account", accountID,
				"error", res.Err,
			)
		}
	}
	return Loaded{}, ErrNotFound
}

// Save writes rec to the durable table and mirrors it where configured. Only the durable
// write can fail the call; mirror failures are logged.
func (c *Chain) Save(ctx context.Context, accountID string, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	if err := c.durable.Put(ctx, accountID, rec); err != nil {
		slog.ErrorContext(ctx, "failed to persist token record",
			"backend", c.durable.Name(),
			"account", accountID,
			"error", err,
		)
		return fmt.Errorf("%w to %s: %w", ErrPersistenceWrite, c.durable.Name(), err)
	}

	if c.secret != nil && c.mirrorSecret {
		c.mirror(ctx, c.secret, accountID, rec)
	}
	if c.file != nil && c.writeFile {
		c.mirror(ctx, c.file, accountID, rec)
	}
	return nil
}

// Purge removes the record from every backend.
func (c *Chain) Purge(ctx context.Context, accountID string) error {
	var errs []error
	for _, s := range c.readOrder() {
		if err := s.Delete(ctx, accountID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (c *Chain) mirror(ctx context.Context, s Store, accountID string, rec Record) {
	if err := s.Put(ctx, accountID, rec); err != nil {
		slog.WarnContext(ctx, "best-effort token mirror failed",
			"backend", s.Name(),
			"account", accountID,
			"error", err,
		)
	}
}

func (c *Chain) readOrder() []Store {
	order := []Store{c.durable}
	if c.secret != nil {
		order = append(order, c.secret)
	}
	if c.file != nil {
		order = append(order, c.file)
	}
	return order
}
