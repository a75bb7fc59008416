package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/artpar/stackpipe/internal/core/crypto"
	"github.com/artpar/stackpipe/internal/shell/store"
)

// VaultStore is the part of the store that holds sealed secrets.
type VaultStore interface {
	PutSecret(ctx context.Context, name, sealed string) error
	GetSecret(ctx context.Context, name string) (string, error)
	DeleteSecret(ctx context.Context, name string) error
	ListSecretNames(ctx context.Context) ([]string, error)
}

// Vault keeps secrets in the database, sealed with a master passphrase.
type Vault struct {
	store      VaultStore
	passphrase string
}

// NewVault creates a vault. The passphrase must not be empty.
func NewVault(s VaultStore, passphrase string) (*Vault, error) {
	if passphrase == "" {
		return nil, crypto.ErrEmptyPassphrase
	}
	return &Vault{store: s, passphrase: passphrase}, nil
}

// Set seals and stores a value, replacing any previous one.
func (v *Vault) Set(ctx context.Context, name, value string) error {
	sealed, err := crypto.Seal([]byte(value), v.passphrase, name)
	if err != nil {
		return fmt.Errorf("failed to seal secret %s: %w", name, err)
	}
	return v.store.PutSecret(ctx, name, sealed)
}

// Delete removes a secret.
func (v *Vault) Delete(ctx context.Context, name string) error {
	return v.store.DeleteSecret(ctx, name)
}

// Names lists stored secret names.
func (v *Vault) Names(ctx context.Context) ([]string, error) {
	return v.store.ListSecretNames(ctx)
}

// Resolve implements Resolver.
func (v *Vault) Resolve(ctx context.Context, name string) (string, error) {
	sealed, err := v.store.GetSecret(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: %s (vault)", ErrSecretNotFound, name)
		}
		return "", err
	}
	plain, err := crypto.Open(sealed, v.passphrase, name)
	if err != nil {
		return "", fmt.Errorf("failed to open secret %s: %w", name, err)
	}
	return string(plain), nil
}
