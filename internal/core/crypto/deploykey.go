package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// ErrInvalidDeployKey is returned when a deploy key cannot be parsed.
var ErrInvalidDeployKey = errors.New("invalid SSH deploy key")

// DeployKey is a parsed SSH private key used to clone over SSH.
type DeployKey struct {
	PEM         []byte
	Fingerprint string // SHA256:...
	PublicKey   string // authorized_keys format
}

// ParseDeployKey validates an unencrypted OpenSSH or PEM private key.
func ParseDeployKey(privateKey []byte) (DeployKey, error) {
	signer, err := ssh.ParsePrivateKey(privateKey)
	if err != nil {
		return DeployKey{}, fmt.Errorf("%w: %v", ErrInvalidDeployKey, err)
	}
	pub := signer.PublicKey()
	return DeployKey{
		PEM:         privateKey,
		Fingerprint: ssh.FingerprintSHA256(pub),
		PublicKey:   string(ssh.MarshalAuthorizedKey(pub)),
	}, nil
}

// GenerateDeployKey creates an Ed25519 deploy key. The public key is to be
// registered with the source provider as a read-only deploy key.
func GenerateDeployKey(comment string) (DeployKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return DeployKey{}, fmt.Errorf("generate ed25519 key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return DeployKey{}, fmt.Errorf("marshal private key: %w", err)
	}
	return ParseDeployKey(pem.EncodeToMemory(block))
}
