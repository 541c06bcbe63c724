package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/florianilch/yotokeeper/internal/tokenstore"
)

// Storage is the token persistence chain together with the resources backing it.
type Storage struct {
	Chain *tokenstore.Chain

	closers []func() error
}

// NewStorage builds the persistence chain described by cfg. The durable backend is
// connected lazily, except that Postgres migrations run here when enabled.
func NewStorage(ctx context.Context, cfg StorageConfig) (*Storage, error) {
	s := &Storage{}

	durable, err := s.newDurable(ctx, cfg.Durable)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	var opts []tokenstore.ChainOption
	if cfg.Secret.Enabled {
		secret, err := tokenstore.NewKeyringStore(cfg.Secret.Prefix)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("creating secret store: %w", err)
		}
		opts = append(opts, tokenstore.WithSecretStore(secret, cfg.Secret.Mirror))
	}
	if cfg.File.Enabled {
		var fileOpts []tokenstore.FileOption
		key, ok, err := cfg.FileKey()
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		if ok {
			fileOpts = append(fileOpts, tokenstore.WithEncryptionKey(key))
		}
		file, err := tokenstore.NewFileStore(cfg.File.Path, fileOpts...)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("creating file store: %w", err)
		}
		opts = append(opts, tokenstore.WithFileStore(file, cfg.LocalMode()))
	}

	s.Chain, err = tokenstore.NewChain(durable, opts...)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	slog.DebugContext(ctx, "token storage configured",
		"durable", durable.Name(),
		"secret", cfg.Secret.Enabled,
		"file", cfg.File.Enabled,
		"local", cfg.LocalMode(),
	)
	return s, nil
}

func (s *Storage) newDurable(ctx context.Context, cfg DurableConfig) (tokenstore.DurableStore, error) {
	switch cfg.Backend {
	case DurableBackendDynamoDB:
		client, err := tokenstore.NewDynamoClient(ctx, tokenstore.DynamoConfig{
			Table:           cfg.Table,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("creating dynamodb client: %w", err)
		}
		return tokenstore.NewDynamoStore(client, cfg.Table, nil)

	case DurableBackendPostgres:
		db, err := tokenstore.OpenPostgres(cfg.DSN)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, db.Close)
		if cfg.Migrate {
			if err := tokenstore.MigratePostgres(ctx, db); err != nil {
				return nil, err
			}
		}
		return tokenstore.NewPostgresStore(db, nil), nil

	case DurableBackendMemory:
		return tokenstore.NewMemoryStore(nil), nil

	default:
		return nil, fmt.Errorf("unsupported durable backend: %s", cfg.Backend)
	}
}

// Close releases the connections held by the durable backend.
func (s *Storage) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}
