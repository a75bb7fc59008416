package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/artpar/stackpipe/internal/core/pipeline"
	"github.com/artpar/stackpipe/internal/shell/secrets"
)

// DefaultTokenSecret is the secret looked up when a pipeline names none.
const DefaultTokenSecret = "github-token"

// Action is the Source stage: it checks the triggering revision out into the
// run's work directory. The artifact it hands on names the commit, which
// outlives the workspace.
type Action struct {
	git     *Git
	secrets secrets.Resolver
	logger  *slog.Logger
}

// NewAction creates a source action. resolver may be nil for public
// repositories.
func NewAction(git *Git, resolver secrets.Resolver, logger *slog.Logger) *Action {
	if logger == nil {
		logger = slog.Default()
	}
	if git == nil {
		git = NewGit(logger)
	}
	return &Action{git: git, secrets: resolver, logger: logger.With("component", "source")}
}

// Execute implements the sequencer's stage action.
func (a *Action) Execute(ctx context.Context, req pipeline.StageRequest) (pipeline.Artifact, error) {
	def := req.Pipeline
	url := RepositoryURL(def.Source.Repository)
	auth, err := a.auth(ctx, def)
	if err != nil {
		return pipeline.Artifact{}, err
	}

	dir := req.SourceDir()
	revision, err := a.git.Checkout(ctx, url, req.Branch(), req.Trigger.Revision, dir, auth)
	if err != nil {
		return pipeline.Artifact{}, err
	}

	a.logger.Info("source checked out", "pipeline", def.ID, "run_id", req.RunID, "revision", revision)
	return pipeline.Artifact{
		Name:       req.Stage.Output,
		ProducedBy: req.Stage.Name,
		PayloadRef: pipeline.SourceRef(url, revision),
		Revision:   revision,
		RunID:      req.RunID,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// Head returns the current head of the pipeline's branch.
func (a *Action) Head(ctx context.Context, def pipeline.Definition) (string, error) {
	auth, err := a.auth(ctx, def)
	if err != nil {
		return "", err
	}
	return a.git.Head(ctx, RepositoryURL(def.Source.Repository), def.Source.Branch, auth)
}

// auth resolves the pipeline's token secret. A missing default secret means
// anonymous access; a missing named secret is an error.
func (a *Action) auth(ctx context.Context, def pipeline.Definition) (transport.AuthMethod, error) {
	if a.secrets == nil {
		return nil, nil
	}
	name := def.Source.TokenSecret
	if name == "" {
		name = DefaultTokenSecret
	}

	value, err := a.secrets.Resolve(ctx, name)
	if err != nil {
		if errors.Is(err, secrets.ErrSecretNotFound) && def.Source.TokenSecret == "" {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to resolve source secret %s: %w", name, err)
	}
	return Auth(RepositoryURL(def.Source.Repository), value)
}
