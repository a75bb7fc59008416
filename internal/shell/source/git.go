// Package source fetches pipeline sources from git repositories and turns
// GitHub push deliveries into pipeline triggers.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/artpar/stackpipe/internal/core/crypto"
)

var (
	ErrBranchNotFound   = errors.New("branch not found")
	ErrRevisionNotFound = errors.New("revision not found")
)

// tokenUser is the user name GitHub accepts alongside an access token.
const tokenUser = "x-access-token"

// =============================================================================
// Git Client
// =============================================================================

// Git reads and clones remote repositories with go-git; no git binary is
// required.
type Git struct {
	logger *slog.Logger
}

// NewGit creates a git client.
func NewGit(logger *slog.Logger) *Git {
	if logger == nil {
		logger = slog.Default()
	}
	return &Git{logger: logger.With("component", "git")}
}

// Head returns the commit hash at the tip of branch without cloning.
func (g *Git) Head(ctx context.Context, url, branch string, auth transport.AuthMethod) (string, error) {
	remote := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: git.DefaultRemoteName,
		URLs: []string{url},
	})

	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: auth})
	if err != nil {
		return "", fmt.Errorf("failed to list %s: %w", redact(url), err)
	}

	want := plumbing.NewBranchReferenceName(branch)
	for _, ref := range refs {
		if ref.Name() == want {
			return ref.Hash().String(), nil
		}
	}
	return "", fmt.Errorf("%w: %s on %s", ErrBranchNotFound, branch, redact(url))
}

// Checkout clones branch into dir and checks out revision, or the branch head
// when revision is empty. It returns the checked-out commit hash.
func (g *Git) Checkout(ctx context.Context, url, branch, revision, dir string, auth transport.AuthMethod) (string, error) {
	g.logger.Info("cloning repository", "url", redact(url), "branch", branch, "revision", revision)

	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:           url,
		Auth:          auth,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		Tags:          git.NoTags,
	})
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", fmt.Errorf("%w: %s on %s", ErrBranchNotFound, branch, redact(url))
		}
		return "", fmt.Errorf("failed to clone %s: %w", redact(url), err)
	}

	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to read head: %w", err)
	}
	if revision == "" || revision == head.Hash().String() {
		return head.Hash().String(), nil
	}

	hash, err := repo.ResolveRevision(plumbing.Revision(revision))
	if err != nil {
		return "", fmt.Errorf("%w: %s on branch %s", ErrRevisionNotFound, revision, branch)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to open worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: *hash, Force: true}); err != nil {
		return "", fmt.Errorf("failed to check out %s: %w", revision, err)
	}
	return hash.String(), nil
}

// =============================================================================
// Repository Locations
// =============================================================================

// RepositoryURL expands a GitHub "owner/name" shorthand into an HTTPS clone
// URL. URLs, scp-style addresses and local paths are returned unchanged.
func RepositoryURL(repository string) string {
	if isSSH(repository) || strings.Contains(repository, "://") {
		return repository
	}
	if strings.HasPrefix(repository, "/") || strings.HasPrefix(repository, ".") {
		return repository
	}
	parts := strings.Split(repository, "/")
	if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
		return "https://github.com/" + strings.TrimSuffix(repository, ".git") + ".git"
	}
	return repository
}

// Auth builds the transport credentials for url from a secret value. SSH
// URLs take a PEM private key (a deploy key); anything else takes an access
// token. An empty secret means anonymous access.
func Auth(url, secret string) (transport.AuthMethod, error) {
	if secret == "" {
		return nil, nil
	}
	if isSSH(url) {
		key, err := crypto.ParseDeployKey([]byte(secret))
		if err != nil {
			return nil, err
		}
		keys, err := gitssh.NewPublicKeys("git", key.PEM, "")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", crypto.ErrInvalidDeployKey, err)
		}
		return keys, nil
	}
	return &githttp.BasicAuth{Username: tokenUser, Password: secret}, nil
}

func isSSH(url string) bool {
	if strings.HasPrefix(url, "ssh://") {
		return true
	}
	// scp-like syntax: user@host:path
	at := strings.Index(url, "@")
	colon := strings.Index(url, ":")
	return at > 0 && colon > at && !strings.Contains(url, "://")
}

// redact drops user info from URLs before they are logged.
func redact(url string) string {
	scheme, rest, ok := strings.Cut(url, "://")
	if !ok {
		return url
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = rest[at+1:]
	}
	return scheme + "://" + rest
}
