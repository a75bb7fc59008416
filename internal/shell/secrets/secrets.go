// Package secrets resolves named credentials, such as the source provider
// token a pipeline clones with, at run time.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/zalando/go-keyring"
)

// ErrSecretNotFound is returned when no resolver knows the secret.
var ErrSecretNotFound = errors.New("secret not found")

// Resolver looks up a secret by name.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// =============================================================================
// Environment
// =============================================================================

// Env resolves secrets from process environment variables, falling back to
// values read from a dotenv file. The secret "github-token" is read from
// STACKPIPE_SECRET_GITHUB_TOKEN.
type Env struct {
	prefix string
	file   map[string]string
}

// NewEnv creates an environment resolver. envFile may be empty; a missing
// file is not an error.
func NewEnv(prefix, envFile string) (*Env, error) {
	e := &Env{prefix: prefix, file: map[string]string{}}
	if envFile == "" {
		return e, nil
	}

	values, err := godotenv.Read(envFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return e, nil
		}
		return nil, fmt.Errorf("failed to read env file %s: %w", envFile, err)
	}
	e.file = values
	return e, nil
}

// Resolve implements Resolver.
func (e *Env) Resolve(_ context.Context, name string) (string, error) {
	key := EnvKey(e.prefix, name)
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v, nil
	}
	if v, ok := e.file[key]; ok && v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s (env %s)", ErrSecretNotFound, name, key)
}

// EnvKey maps a secret name to its environment variable.
func EnvKey(prefix, name string) string {
	key := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", "/", "_").Replace(name))
	if prefix == "" {
		return key
	}
	return strings.ToUpper(prefix) + "_" + key
}

// =============================================================================
// Keyring
// =============================================================================

// Keyring resolves secrets from the operating system keyring.
type Keyring struct {
	service string
}

// NewKeyring creates a resolver reading entries of the given keyring
// service.
func NewKeyring(service string) *Keyring {
	return &Keyring{service: service}
}

// Resolve implements Resolver.
func (k *Keyring) Resolve(_ context.Context, name string) (string, error) {
	v, err := keyring.Get(k.service, name)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("%w: %s (keyring %s)", ErrSecretNotFound, name, k.service)
		}
		return "", fmt.Errorf("failed to read %s from keyring: %w", name, err)
	}
	return v, nil
}

// Store writes a secret to the keyring.
func (k *Keyring) Store(name, value string) error {
	if err := keyring.Set(k.service, name, value); err != nil {
		return fmt.Errorf("failed to store %s in keyring: %w", name, err)
	}
	return nil
}

// =============================================================================
// Chain
// =============================================================================

// Chain tries resolvers in order and returns the first hit. Errors other
// than ErrSecretNotFound stop the chain.
type Chain struct {
	resolvers []Resolver
	logger    *slog.Logger
}

// NewChain creates a chain of resolvers.
func NewChain(logger *slog.Logger, resolvers ...Resolver) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{resolvers: resolvers, logger: logger.With("component", "secrets")}
}

// Resolve implements Resolver.
func (c *Chain) Resolve(ctx context.Context, name string) (string, error) {
	for _, r := range c.resolvers {
		v, err := r.Resolve(ctx, name)
		if err == nil {
			c.logger.Debug("secret resolved", "name", name, "resolver", fmt.Sprintf("%T", r))
			return v, nil
		}
		if !errors.Is(err, ErrSecretNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
}
