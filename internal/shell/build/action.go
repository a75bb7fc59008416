// Package build runs a pipeline's build script against the checked-out
// source and publishes the resulting image manifest as the build artifact.
package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/artpar/stackpipe/internal/core/buildspec"
	"github.com/artpar/stackpipe/internal/core/pipeline"
	"github.com/artpar/stackpipe/internal/shell/artifacts"
	"github.com/artpar/stackpipe/internal/shell/platform"
)

var (
	ErrNoSource          = errors.New("build has no source artifact")
	ErrContainerMismatch = errors.New("manifest names a different container")
)

// outputTail is how much of a failing step's output is kept on the error.
const outputTail = 4096

// HandleSource looks up materialized descriptors.
type HandleSource interface {
	Handle(ctx context.Context, id string) (platform.Handle, error)
}

// Action is the Build stage.
type Action struct {
	handles   HandleSource
	registry  platform.RegistryAuth
	artifacts artifacts.Store
	runner    StepRunner
	logger    *slog.Logger
}

// NewAction creates a build action. A nil runner runs steps with sh on the
// host.
func NewAction(handles HandleSource, registry platform.RegistryAuth, store artifacts.Store, runner StepRunner, logger *slog.Logger) *Action {
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = ShellRunner{}
	}
	return &Action{
		handles:   handles,
		registry:  registry,
		artifacts: store,
		runner:    runner,
		logger:    logger.With("component", "build"),
	}
}

// Execute renders the build script for the run, executes the steps in
// order and stops at the first non-zero exit. The manifest the script writes
// must name the pipeline's container; it is stored as the stage's artifact.
func (a *Action) Execute(ctx context.Context, req pipeline.StageRequest) (pipeline.Artifact, error) {
	def := req.Pipeline.WithDefaults()
	if req.Input == nil || req.Input.PayloadRef == "" {
		return pipeline.Artifact{}, &pipeline.BuildError{Err: ErrNoSource}
	}
	srcDir := req.SourceDir()
	if info, err := os.Stat(srcDir); err != nil || !info.IsDir() {
		return pipeline.Artifact{}, &pipeline.BuildError{Err: fmt.Errorf("%w: %s is not checked out in the workspace", ErrNoSource, req.Input.PayloadRef)}
	}
	logger := a.logger.With("pipeline", def.ID, "run_id", req.RunID)

	vars, creds, err := a.vars(ctx, req)
	if err != nil {
		return pipeline.Artifact{}, &pipeline.BuildError{Err: err}
	}
	steps, err := buildspec.Render(def.Build.Spec, vars)
	if err != nil {
		return pipeline.Artifact{}, &pipeline.BuildError{Err: err}
	}
	env := append(buildspec.Environment(def.Build.Spec, vars),
		"REGISTRY_HOST="+vars.RegistryHost,
		"REGISTRY_USERNAME="+creds.Username,
		"REGISTRY_PASSWORD="+creds.Password,
	)

	logFile, err := os.Create(filepath.Join(req.WorkDir, "build.log"))
	if err != nil {
		return pipeline.Artifact{}, fmt.Errorf("failed to create build log: %w", err)
	}
	defer logFile.Close()

	tail := &tailBuffer{max: outputTail}
	out := io.MultiWriter(logFile, tail)

	for _, step := range steps {
		tail.Reset()
		fmt.Fprintf(logFile, "==> [%d/%d] %s: %s\n", step.Index, len(steps), step.Phase, step.Command)
		logger.Info("running build step", "step", step.Index, "phase", step.Phase)

		start := time.Now()
		code, err := a.runner.Run(ctx, step, srcDir, env, out)
		if ctx.Err() != nil {
			return pipeline.Artifact{}, ctx.Err()
		}
		if err != nil || code != 0 {
			logger.Error("build step failed", "step", step.Index, "phase", step.Phase, "exit_code", code, "error", err)
			return pipeline.Artifact{}, &pipeline.BuildError{
				Step:     step.Index,
				Phase:    step.Phase,
				Command:  step.Command,
				ExitCode: code,
				Output:   tail.String(),
				Err:      err,
			}
		}
		logger.Debug("build step finished", "step", step.Index, "duration", time.Since(start))
	}

	data, err := a.readManifest(srcDir, def.Build.Spec.ManifestFile, def.Build.ContainerName)
	if err != nil {
		return pipeline.Artifact{}, &pipeline.BuildError{Err: err}
	}

	ref, err := a.artifacts.Put(ctx, artifacts.Key(def.ID, req.RunID, req.Stage.Output), data)
	if err != nil {
		return pipeline.Artifact{}, fmt.Errorf("failed to store build manifest: %w", err)
	}

	logger.Info("build finished", "image", vars.ImageURI, "manifest", ref)
	return pipeline.Artifact{
		Name:       req.Stage.Output,
		ProducedBy: req.Stage.Name,
		PayloadRef: ref,
		Revision:   vars.Revision,
		RunID:      req.RunID,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// vars resolves the registry the image is pushed to and fetches push
// credentials for it. The image is tagged with the source revision.
func (a *Action) vars(ctx context.Context, req pipeline.StageRequest) (buildspec.Vars, platform.Credentials, error) {
	def := req.Pipeline
	registry, err := a.handles.Handle(ctx, def.Build.Registry)
	if err != nil {
		return buildspec.Vars{}, platform.Credentials{}, fmt.Errorf("registry %s: %w", def.Build.Registry, err)
	}
	repo, ok := registry.Output(platform.OutputRepositoryURI)
	if !ok || repo == "" {
		return buildspec.Vars{}, platform.Credentials{}, fmt.Errorf("registry %s has no repository uri", def.Build.Registry)
	}

	creds, err := a.registry.Credentials(ctx, registry)
	if err != nil {
		return buildspec.Vars{}, platform.Credentials{}, fmt.Errorf("registry %s credentials: %w", def.Build.Registry, err)
	}

	revision := req.Revision()
	host := creds.Host
	if host == "" {
		host = buildspec.RegistryHost(repo)
	}
	return buildspec.Vars{
		RepositoryURI: repo,
		RegistryHost:  host,
		ImageURI:      buildspec.ImageURI(repo, revision),
		ImageTag:      revision,
		Revision:      revision,
		Branch:        req.Branch(),
		ContainerName: def.Build.ContainerName,
		ManifestFile:  def.Build.Spec.ManifestFile,
	}, creds, nil
}

func (a *Action) readManifest(dir, file, container string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(dir, file))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", buildspec.ErrInvalidManifest, err)
	}
	image, err := buildspec.ParseManifest(data)
	if err != nil {
		return nil, err
	}
	if image.Name != container {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrContainerMismatch, image.Name, container)
	}
	return data, nil
}
