package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/artpar/stackpipe/internal/core/crypto"
	"github.com/artpar/stackpipe/internal/shell/store"
)

// =============================================================================
// Env Tests
// =============================================================================

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "STACKPIPE_SECRET_GITHUB_TOKEN", EnvKey("stackpipe_secret", "github-token"))
	assert.Equal(t, "A_B_C", EnvKey("", "a.b/c"))
}

func TestEnv_ProcessEnvironment(t *testing.T) {
	t.Setenv("TEST_SECRET_GITHUB_TOKEN", "from-env")

	e, err := NewEnv("TEST_SECRET", "")
	require.NoError(t, err)

	v, err := e.Resolve(context.Background(), "github-token")
	require.NoError(t, err)
	assert.Equal(t, "from-env", v)
}

func TestEnv_DotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("TEST_SECRET_DB_PASSWORD=hunter2\n"), 0o600))

	e, err := NewEnv("TEST_SECRET", path)
	require.NoError(t, err)

	v, err := e.Resolve(context.Background(), "db-password")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", v)

	_, err = e.Resolve(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestEnv_MissingFileIsIgnored(t *testing.T) {
	e, err := NewEnv("TEST_SECRET", filepath.Join(t.TempDir(), "nope.env"))
	require.NoError(t, err)
	assert.NotNil(t, e)
}

// =============================================================================
// Keyring Tests
// =============================================================================

func TestKeyring(t *testing.T) {
	keyring.MockInit()
	k := NewKeyring("stackpipe-test")

	_, err := k.Resolve(context.Background(), "github-token")
	assert.ErrorIs(t, err, ErrSecretNotFound)

	require.NoError(t, k.Store("github-token", "from-keyring"))
	v, err := k.Resolve(context.Background(), "github-token")
	require.NoError(t, err)
	assert.Equal(t, "from-keyring", v)
}

// =============================================================================
// Secrets Manager Tests
// =============================================================================

type fakeSecretsManager struct {
	values map[string]string
	err    error
}

func (f *fakeSecretsManager) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.values[awssdk.ToString(in.SecretId)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "ResourceNotFoundException"}
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: awssdk.String(v)}, nil
}

func TestSecretsManager(t *testing.T) {
	sm := NewSecretsManagerWithClient(&fakeSecretsManager{values: map[string]string{"github-token": "from-sm"}})

	v, err := sm.Resolve(context.Background(), "github-token")
	require.NoError(t, err)
	assert.Equal(t, "from-sm", v)

	_, err = sm.Resolve(context.Background(), "other")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

// =============================================================================
// Chain Tests
// =============================================================================

type staticResolver map[string]string

func (s staticResolver) Resolve(_ context.Context, name string) (string, error) {
	if v, ok := s[name]; ok {
		return v, nil
	}
	return "", ErrSecretNotFound
}

func TestChain(t *testing.T) {
	c := NewChain(nil,
		staticResolver{"a": "first"},
		staticResolver{"a": "shadowed", "b": "second"},
	)

	v, err := c.Resolve(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "first", v)

	v, err = c.Resolve(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, "second", v)

	_, err = c.Resolve(context.Background(), "c")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestChain_StopsOnHardError(t *testing.T) {
	boom := errors.New("access denied")
	c := NewChain(nil,
		NewSecretsManagerWithClient(&fakeSecretsManager{err: boom}),
		staticResolver{"a": "never"},
	)

	_, err := c.Resolve(context.Background(), "a")
	assert.ErrorIs(t, err, boom)
}

// =============================================================================
// Vault Tests
// =============================================================================

func TestVault(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	v, err := NewVault(s, "master")
	require.NoError(t, err)

	_, err = v.Resolve(ctx, "github-token")
	assert.ErrorIs(t, err, ErrSecretNotFound)

	require.NoError(t, v.Set(ctx, "github-token", "ghp_abc"))
	got, err := v.Resolve(ctx, "github-token")
	require.NoError(t, err)
	assert.Equal(t, "ghp_abc", got)

	sealed, err := s.GetSecret(ctx, "github-token")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "ghp_abc")

	other, err := NewVault(s, "wrong")
	require.NoError(t, err)
	_, err = other.Resolve(ctx, "github-token")
	assert.ErrorIs(t, err, crypto.ErrDecryptionFailed)

	names, err := v.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"github-token"}, names)

	require.NoError(t, v.Delete(ctx, "github-token"))
	_, err = v.Resolve(ctx, "github-token")
	assert.ErrorIs(t, err, ErrSecretNotFound)

	_, err = NewVault(s, "")
	assert.ErrorIs(t, err, crypto.ErrEmptyPassphrase)
}
