package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// DeriveKey Tests
// =============================================================================

func TestDeriveKey(t *testing.T) {
	salt := []byte("0123456789abcdef")

	key1, err := DeriveKey("passphrase", salt)
	require.NoError(t, err)
	assert.Len(t, key1, 32)

	key2, err := DeriveKey("passphrase", salt)
	require.NoError(t, err)
	assert.Equal(t, key1, key2)

	key3, err := DeriveKey("passphrase", []byte("fedcba9876543210"))
	require.NoError(t, err)
	assert.NotEqual(t, key1, key3)

	_, err = DeriveKey("", salt)
	assert.ErrorIs(t, err, ErrEmptyPassphrase)
}

// =============================================================================
// Seal/Open Tests
// =============================================================================

func TestSeal_Open(t *testing.T) {
	sealed, err := Seal([]byte("ghp_secret"), "master", "github-token")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "ghp_secret")

	plain, err := Open(sealed, "master", "github-token")
	require.NoError(t, err)
	assert.Equal(t, "ghp_secret", string(plain))
}

func TestSeal_FreshSaltAndNonce(t *testing.T) {
	a, err := Seal([]byte("same"), "master", "x")
	require.NoError(t, err)
	b, err := Seal([]byte("same"), "master", "x")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSeal_EmptyPlaintext(t *testing.T) {
	sealed, err := Seal(nil, "master", "x")
	require.NoError(t, err)

	plain, err := Open(sealed, "master", "x")
	require.NoError(t, err)
	assert.Empty(t, plain)
}

func TestOpen_Failures(t *testing.T) {
	sealed, err := Seal([]byte("value"), "master", "github-token")
	require.NoError(t, err)

	tests := []struct {
		name       string
		sealed     string
		passphrase string
		label      string
		wantErr    error
	}{
		{"wrong passphrase", sealed, "other", "github-token", ErrDecryptionFailed},
		{"wrong label", sealed, "master", "db-password", ErrDecryptionFailed},
		{"not base64", "%%%", "master", "github-token", ErrInvalidCiphertext},
		{"too short", "AAAA", "master", "github-token", ErrInvalidCiphertext},
		{"empty passphrase", sealed, "", "github-token", ErrEmptyPassphrase},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(tt.sealed, tt.passphrase, tt.label)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

// =============================================================================
// Deploy Key Tests
// =============================================================================

func TestGenerateDeployKey(t *testing.T) {
	key, err := GenerateDeployKey("stackpipe@web")
	require.NoError(t, err)

	assert.Contains(t, string(key.PEM), "OPENSSH PRIVATE KEY")
	assert.True(t, strings.HasPrefix(key.PublicKey, "ssh-ed25519 "))
	assert.True(t, strings.HasPrefix(key.Fingerprint, "SHA256:"))

	parsed, err := ParseDeployKey(key.PEM)
	require.NoError(t, err)
	assert.Equal(t, key.Fingerprint, parsed.Fingerprint)
}

func TestParseDeployKey_Invalid(t *testing.T) {
	_, err := ParseDeployKey([]byte("not a key"))
	assert.ErrorIs(t, err, ErrInvalidDeployKey)

	_, err = ParseDeployKey(nil)
	assert.ErrorIs(t, err, ErrInvalidDeployKey)
}
