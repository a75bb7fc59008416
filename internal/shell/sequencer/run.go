package sequencer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/artpar/stackpipe/internal/core/pipeline"
	"github.com/artpar/stackpipe/internal/shell/lock"
)

// execute runs every stage of the job's run in order and leaves the final
// state in j.run and j.err.
func (s *Sequencer) execute(ctx context.Context, j *job) {
	run := j.run
	logger := s.logger.With("pipeline", j.def.ID, "run_id", run.ID)

	defer func() {
		j.stopWait()
		s.mu.Lock()
		delete(s.jobs, run.ID)
		if s.inflight[j.def.ID] == run.ID {
			delete(s.inflight, j.def.ID)
		}
		s.mu.Unlock()
		close(j.done)
	}()

	if j.release == nil {
		release, err := s.acquire(ctx, j)
		if err != nil {
			if ctx.Err() != nil || j.waitCtx.Err() != nil {
				logger.Info("run left the queue", "reason", err)
				j.err = s.cancel(ctx, run, "")
				return
			}
			logger.Error("failed to acquire pipeline lock", "error", err)
			j.err = s.fail(ctx, run, "", fmt.Errorf("failed to acquire pipeline lock: %w", err))
			return
		}
		j.release = release
	}
	defer j.release()

	if err := run.Transition(pipeline.RunRunning); err != nil {
		j.err = err
		return
	}
	s.save(ctx, run)
	logger.Info("run started")

	workDir := filepath.Join(s.opts.WorkspaceDir, run.ID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		j.err = s.fail(ctx, run, "", fmt.Errorf("failed to create workspace: %w", err))
		return
	}
	if !s.opts.KeepWorkspace {
		defer os.RemoveAll(workDir)
	}

	var input *pipeline.Artifact
	for _, stage := range j.def.Stages {
		if j.cancelled.Load() {
			j.err = s.cancel(ctx, run, stage.Name)
			logger.Info("run cancelled", "before_stage", stage.Name)
			return
		}

		run.EnterStage(stage.Name)
		s.save(ctx, run)
		logger.Info("stage started", "stage", stage.Name, "kind", stage.Kind)

		artifact, err := s.actions[stage.Kind].Execute(ctx, pipeline.StageRequest{
			Pipeline: j.def,
			RunID:    run.ID,
			Trigger:  run.Trigger,
			Stage:    stage,
			Input:    input,
			WorkDir:  workDir,
		})
		if err != nil {
			logger.Error("stage failed", "stage", stage.Name, "error", err)
			j.err = s.fail(ctx, run, stage.Name, err)
			return
		}

		if stage.Kind == pipeline.StageSource && artifact.Revision != "" {
			run.Revision = artifact.Revision
		}
		if stage.Output == "" {
			logger.Info("stage succeeded", "stage", stage.Name)
			continue
		}

		artifact.Name = stage.Output
		artifact.ProducedBy = stage.Name
		artifact.RunID = run.ID
		if artifact.CreatedAt.IsZero() {
			artifact.CreatedAt = time.Now().UTC()
		}
		if _, exists := run.Artifact(artifact.Name); exists {
			j.err = s.fail(ctx, run, stage.Name, fmt.Errorf("%w: artifact %s already recorded for run %s", pipeline.ErrInvalidDefinition, artifact.Name, run.ID))
			return
		}
		// The run only lists artifacts the store accepted.
		if err := s.store.AppendArtifact(context.WithoutCancel(ctx), artifact); err != nil {
			j.err = s.fail(ctx, run, stage.Name, fmt.Errorf("failed to record artifact: %w", err))
			return
		}
		if err := run.Record(artifact); err != nil {
			j.err = s.fail(ctx, run, stage.Name, err)
			return
		}
		recorded := artifact
		input = &recorded
		logger.Info("stage succeeded", "stage", stage.Name, "artifact", recorded.Name, "revision", recorded.Revision)
	}

	if err := run.Transition(pipeline.RunSucceeded); err != nil {
		j.err = err
		return
	}
	s.save(ctx, run)
	logger.Info("run succeeded", "revision", run.Revision)
}

// acquire waits for the pipeline lock until the run context ends or the run
// is cancelled.
func (s *Sequencer) acquire(ctx context.Context, j *job) (lock.Release, error) {
	acqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(j.waitCtx, cancel)
	defer stop()

	release, err := s.locker.Acquire(acqCtx, j.def.ID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.inflight[j.def.ID] = j.run.ID
	s.mu.Unlock()
	return release, nil
}

// fail marks the run failed and returns the *pipeline.StageError reported to
// the caller.
func (s *Sequencer) fail(ctx context.Context, run *pipeline.Run, stage string, err error) error {
	stageErr := &pipeline.StageError{
		RunID:     run.ID,
		Stage:     stage,
		Artifacts: append([]pipeline.Artifact(nil), run.Artifacts...),
		Err:       err,
	}
	if tErr := run.Fail(stage, err); tErr != nil {
		return errors.Join(stageErr, tErr)
	}
	s.save(ctx, run)
	return stageErr
}

func (s *Sequencer) cancel(ctx context.Context, run *pipeline.Run, stage string) error {
	if err := run.Cancel(stage); err != nil {
		return err
	}
	s.save(ctx, run)
	return &pipeline.StageError{
		RunID:     run.ID,
		Stage:     stage,
		Artifacts: append([]pipeline.Artifact(nil), run.Artifacts...),
		Err:       pipeline.ErrRunCancelled,
	}
}

// save persists the run. Failures are logged: the in-memory run stays
// authoritative for the caller.
func (s *Sequencer) save(ctx context.Context, run *pipeline.Run) {
	if err := s.store.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
		s.logger.Error("failed to save run", "run_id", run.ID, "status", run.Status, "error", err)
	}
}
