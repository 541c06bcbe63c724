package tokenstore

import (
	"context"
	"fmt"
	"os"
)

// EnvStore provides read-only access to a refresh token stored in an environment variable.
// It seeds the writable backends (see `auth import`) and never takes part in the chain.
type EnvStore struct {
	envKey string
}

// Compile-time check to ensure EnvStore implements Store
var _ Store = (*EnvStore)(nil)

// NewEnvStore creates an EnvStore for the given environment variable.
// Returns error if the variable name is empty or not set in the environment.
func NewEnvStore(envKey string) (*EnvStore, error) {
	if envKey == "" {
		return nil, fmt.Errorf("environment key cannot be empty")
	}

	if _, exists := os.LookupEnv(envKey); !exists {
		return nil, fmt.Errorf("environment variable %s not set", envKey)
	}

	return &EnvStore{
		envKey: envKey,
	}, nil
}

// Name implements Store.
func (e *EnvStore) Name() string { return "env" }

// Get returns the refresh token from the environment variable.
func (e *EnvStore) Get(ctx context.Context, accountID string) Result {
	if err := ctx.Err(); err != nil {
		return Failed(err)
	}

	token := os.Getenv(e.envKey)
	if token == "" {
		return Failed(fmt.Errorf("environment variable %s is empty", e.envKey))
	}
	return Found(Record{RefreshToken: token})
}

// Put is not supported for environment variables (they are read-only).
func (e *EnvStore) Put(ctx context.Context, accountID string, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return fmt.Errorf("environment variable storage is read-only")
}

// Delete is not supported for environment variables (they are read-only).
func (e *EnvStore) Delete(ctx context.Context, accountID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return fmt.Errorf("environment variable storage is read-only")
}
