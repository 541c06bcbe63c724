package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// KeyringStore keeps the token record in OS-native credential storage
// (macOS Keychain, Windows Credential Manager, Linux Secret Service).
//
// It is a best-effort secondary backend: slower than the durable table and not shared
// between instances, so it only serves local development and legacy deployments.
type KeyringStore struct {
	service string
}

// Compile-time check to ensure KeyringStore implements Store
var _ Store = (*KeyringStore)(nil)

// NewKeyringStore creates a KeyringStore whose entries live under the service
// "<prefix>-token", one entry per account.
func NewKeyringStore(prefix string) (*KeyringStore, error) {
	if prefix == "" {
		return nil, fmt.Errorf("prefix cannot be empty")
	}

	return &KeyringStore{
		service: prefix + "-token",
	}, nil
}

// Name implements Store.
func (k *KeyringStore) Name() string { return "keyring" }

// Get returns the record stored in the keyring entry for accountID.
func (k *KeyringStore) Get(ctx context.Context, accountID string) Result {
	if err := ctx.Err(); err != nil {
		return Failed(err)
	}

	secret, err := keyring.Get(k.service, accountID)
	if errors.Is(err, keyring.ErrNotFound) {
		return NotFound()
	}
	if err != nil {
		return Failed(err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(secret), &rec); err != nil {
		return Failed(fmt.Errorf("decoding keyring entry for service %s: %w", k.service, err))
	}

	return checked(rec)
}

// Put writes the record to the keyring, overwriting any existing value.
func (k *KeyringStore) Put(ctx context.Context, accountID string, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	secret, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return keyring.Set(k.service, accountID, string(secret))
}

// Delete removes the keyring entry for accountID.
func (k *KeyringStore) Delete(ctx context.Context, accountID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := keyring.Delete(k.service, accountID); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return err
	}
	return nil
}
