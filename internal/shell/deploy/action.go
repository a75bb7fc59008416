// Package deploy rolls a built image out to the pipeline's service by
// registering a new task definition revision and pointing the service at it.
package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/artpar/stackpipe/internal/core/buildspec"
	"github.com/artpar/stackpipe/internal/core/pipeline"
	"github.com/artpar/stackpipe/internal/core/taskdef"
	"github.com/artpar/stackpipe/internal/shell/artifacts"
	"github.com/artpar/stackpipe/internal/shell/platform"
)

// DefaultRolloutTimeout bounds the wait for a service to run the new
// revision.
const DefaultRolloutTimeout = 15 * time.Minute

// HandleSource looks up materialized descriptors.
type HandleSource interface {
	Handle(ctx context.Context, id string) (platform.Handle, error)
}

// Record is written to the artifact store when the deploy stage declares an
// output.
type Record struct {
	Service        string    `json:"service"`
	TaskDefinition string    `json:"task_definition"`
	Previous       string    `json:"previous"`
	Image          string    `json:"image"`
	DeployedAt     time.Time `json:"deployed_at"`
}

// Action is the Deploy stage.
type Action struct {
	handles   HandleSource
	runtime   platform.Runtime
	artifacts artifacts.Store
	timeout   time.Duration
	logger    *slog.Logger
}

// NewAction creates a deploy action. A zero timeout uses
// DefaultRolloutTimeout.
func NewAction(handles HandleSource, runtime platform.Runtime, store artifacts.Store, timeout time.Duration, logger *slog.Logger) *Action {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultRolloutTimeout
	}
	return &Action{
		handles:   handles,
		runtime:   runtime,
		artifacts: store,
		timeout:   timeout,
		logger:    logger.With("component", "deploy"),
	}
}

// Execute applies the manifest in the input artifact to the pipeline's
// service. The service keeps its previous task definition on any failure;
// nothing is rolled back.
func (a *Action) Execute(ctx context.Context, req pipeline.StageRequest) (pipeline.Artifact, error) {
	service := req.Pipeline.Deploy.Service
	fail := func(reason string, err error) (pipeline.Artifact, error) {
		if ctx.Err() != nil {
			return pipeline.Artifact{}, ctx.Err()
		}
		return pipeline.Artifact{}, &pipeline.DeployError{Service: service, Reason: reason, Err: err}
	}
	if req.Input == nil {
		return fail("no build artifact", nil)
	}
	logger := a.logger.With("pipeline", req.Pipeline.ID, "run_id", req.RunID, "service", service)

	data, err := a.artifacts.Get(ctx, req.Input.PayloadRef)
	if err != nil {
		return fail("load manifest", err)
	}
	image, err := buildspec.ParseManifest(data)
	if err != nil {
		return fail("parse manifest", err)
	}

	handle, err := a.handles.Handle(ctx, service)
	if err != nil {
		return fail("resolve service", err)
	}
	current, err := a.runtime.CurrentTaskDefinition(ctx, handle)
	if err != nil {
		return fail("read current task definition", err)
	}

	next, err := taskdef.ApplyImages(current, image)
	if err != nil {
		return fail("apply image", err)
	}
	registered, err := a.runtime.RegisterTaskDefinition(ctx, next)
	if err != nil {
		return fail("register task definition", err)
	}
	logger.Info("registered task definition", "task_definition", registered.ID, "previous", current.ID, "image", image.ImageURI)

	if err := a.runtime.UpdateService(ctx, handle, registered); err != nil {
		return fail("update service", err)
	}
	if err := a.runtime.WaitForRollout(ctx, handle, registered, a.timeout); err != nil {
		reason := "rollout failed"
		if errors.Is(err, platform.ErrRolloutTimeout) {
			reason = "rollout timed out"
		}
		return fail(reason, err)
	}
	logger.Info("service rolled out", "task_definition", registered.ID)

	artifact := pipeline.Artifact{
		Name:       req.Stage.Output,
		ProducedBy: req.Stage.Name,
		PayloadRef: registered.ID,
		Revision:   req.Revision(),
		RunID:      req.RunID,
		CreatedAt:  time.Now().UTC(),
	}
	if req.Stage.Output == "" {
		return artifact, nil
	}

	record, err := json.Marshal(Record{
		Service:        service,
		TaskDefinition: registered.ID,
		Previous:       current.ID,
		Image:          image.ImageURI,
		DeployedAt:     artifact.CreatedAt,
	})
	if err != nil {
		return pipeline.Artifact{}, fmt.Errorf("failed to encode deploy record: %w", err)
	}
	ref, err := a.artifacts.Put(ctx, artifacts.Key(req.Pipeline.ID, req.RunID, req.Stage.Output), record)
	if err != nil {
		return pipeline.Artifact{}, fmt.Errorf("failed to store deploy record: %w", err)
	}
	artifact.PayloadRef = ref
	return artifact, nil
}
