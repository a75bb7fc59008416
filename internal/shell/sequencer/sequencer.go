// Package sequencer drives pipeline runs through their stages.
//
// Stages of a run execute strictly in order; each stage receives the
// artifact of the one before it, and an artifact is recorded only when its
// stage succeeds. At most one run per pipeline is in flight: depending on the
// pipeline's conflict policy a new trigger either waits for the running one
// or is rejected.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/artpar/stackpipe/internal/core/pipeline"
	"github.com/artpar/stackpipe/internal/shell/lock"
	"github.com/artpar/stackpipe/internal/shell/store"
)

var (
	ErrUnknownPipeline = errors.New("unknown pipeline")
	ErrNoAction        = errors.New("no action registered for stage kind")
	ErrRunNotFound     = errors.New("run not found")
	ErrRunFinished     = errors.New("run already finished")
	ErrClosed          = errors.New("sequencer is closed")
)

// Action executes one stage.
type Action interface {
	Execute(ctx context.Context, req pipeline.StageRequest) (pipeline.Artifact, error)
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, req pipeline.StageRequest) (pipeline.Artifact, error)

func (f ActionFunc) Execute(ctx context.Context, req pipeline.StageRequest) (pipeline.Artifact, error) {
	return f(ctx, req)
}

// Options configures a sequencer.
type Options struct {
	// WorkspaceDir holds one private directory per run.
	WorkspaceDir string `mapstructure:"workspace_dir"`

	// KeepWorkspace leaves run directories in place for inspection.
	KeepWorkspace bool `mapstructure:"keep_workspace"`
}

// Sequencer executes pipeline runs.
type Sequencer struct {
	store   store.Store
	defs    map[string]pipeline.Definition
	actions map[pipeline.StageKind]Action
	locker  lock.Locker
	opts    Options
	logger  *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	jobs     map[string]*job   // by run ID, until the run finishes
	inflight map[string]string // pipeline ID -> run ID holding the lock
	closed   bool
}

// job is the in-memory side of one run.
type job struct {
	def       pipeline.Definition
	run       *pipeline.Run
	release   lock.Release // set up front under the reject policy
	cancelled atomic.Bool
	waitCtx   context.Context // cancelled to abort waiting for the lock
	stopWait  context.CancelFunc
	done      chan struct{}
	err       error
}

// New creates a sequencer. Definitions are validated and normalized with
// their defaults.
func New(s store.Store, defs []pipeline.Definition, actions map[pipeline.StageKind]Action, locker lock.Locker, opts Options, logger *slog.Logger) (*Sequencer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	if opts.WorkspaceDir == "" {
		opts.WorkspaceDir = filepath.Join(os.TempDir(), "stackpipe")
	}

	byID := make(map[string]pipeline.Definition, len(defs))
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		d = d.WithDefaults()
		if _, dup := byID[d.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate pipeline %s", pipeline.ErrInvalidDefinition, d.ID)
		}
		for _, st := range d.Stages {
			if actions[st.Kind] == nil {
				return nil, fmt.Errorf("%w: %s (pipeline %s, stage %s)", ErrNoAction, st.Kind, d.ID, st.Name)
			}
		}
		byID[d.ID] = d
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Sequencer{
		store:    s,
		defs:     byID,
		actions:  actions,
		locker:   locker,
		opts:     opts,
		logger:   logger.With("component", "sequencer"),
		baseCtx:  ctx,
		stop:     stop,
		jobs:     make(map[string]*job),
		inflight: make(map[string]string),
	}, nil
}

// Pipelines returns the known pipeline definitions sorted by ID.
func (s *Sequencer) Pipelines() []pipeline.Definition {
	out := make([]pipeline.Definition, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Pipeline returns one pipeline definition.
func (s *Sequencer) Pipeline(id string) (pipeline.Definition, bool) {
	d, ok := s.defs[id]
	return d, ok
}

// =============================================================================
// Triggering
// =============================================================================

// Trigger runs the pipeline to completion and returns the finished run. A
// failed run is returned together with its *pipeline.StageError.
func (s *Sequencer) Trigger(ctx context.Context, pipelineID string, trigger pipeline.Trigger) (*pipeline.Run, error) {
	j, err := s.prepare(ctx, pipelineID, trigger)
	if err != nil {
		return nil, err
	}
	s.execute(ctx, j)
	run := j.run.Snapshot()
	return &run, j.err
}

// Start creates the run and executes it in the background, returning its ID.
// A rejected trigger fails here with *pipeline.ConcurrentRunError.
func (s *Sequencer) Start(ctx context.Context, pipelineID string, trigger pipeline.Trigger) (string, error) {
	j, err := s.prepare(ctx, pipelineID, trigger)
	if err != nil {
		return "", err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(s.baseCtx, j)
	}()
	return j.run.ID, nil
}

// Cancel asks a queued or running run to stop. A running run stops before
// its next stage; the current stage finishes.
func (s *Sequencer) Cancel(ctx context.Context, runID string) error {
	s.mu.Lock()
	j, ok := s.jobs[runID]
	s.mu.Unlock()
	if ok {
		j.cancelled.Store(true)
		j.stopWait()
		s.logger.Info("run cancellation requested", "run_id", runID, "pipeline", j.def.ID)
		return nil
	}

	run, err := s.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrRunFinished, runID, run.Status)
	}
	// Left over from another process; nothing here can stop it.
	return fmt.Errorf("%w: %s is not running in this process", ErrRunNotFound, runID)
}

// Wait blocks until a run started by this sequencer finishes and returns its
// final state. Runs not in flight are read from the store.
func (s *Sequencer) Wait(ctx context.Context, runID string) (*pipeline.Run, error) {
	s.mu.Lock()
	j, ok := s.jobs[runID]
	s.mu.Unlock()
	if !ok {
		run, err := s.store.GetRun(ctx, runID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return run, err
	}

	select {
	case <-j.done:
		run := j.run.Snapshot()
		return &run, j.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting triggers, interrupts background runs at their next
// blocking call and waits for them to finish.
func (s *Sequencer) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()
	s.wg.Wait()
	return nil
}

// prepare validates the trigger, applies the conflict policy and stores the
// queued run.
func (s *Sequencer) prepare(ctx context.Context, pipelineID string, trigger pipeline.Trigger) (*job, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	def, ok := s.defs[pipelineID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPipeline, pipelineID)
	}
	if trigger.Branch == "" {
		trigger.Branch = def.Source.Branch
	}
	if trigger.Source == "" {
		trigger.Source = pipeline.TriggerManual
	}

	j := &job{def: def, run: pipeline.NewRun(def.ID, trigger), done: make(chan struct{})}

	if def.OnConflict == pipeline.ConflictReject {
		release, err := s.locker.TryAcquire(ctx, def.ID)
		if err != nil {
			return nil, s.conflict(def.ID, err)
		}
		j.release = release
	}

	if err := s.store.CreateRun(ctx, j.run); err != nil {
		if j.release != nil {
			j.release()
		}
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	j.waitCtx, j.stopWait = context.WithCancel(context.Background())

	s.mu.Lock()
	s.jobs[j.run.ID] = j
	if def.OnConflict == pipeline.ConflictReject {
		s.inflight[def.ID] = j.run.ID
	}
	s.mu.Unlock()

	s.logger.Info("run created", "pipeline", def.ID, "run_id", j.run.ID,
		"branch", trigger.Branch, "revision", trigger.Revision, "source", trigger.Source)
	return j, nil
}

func (s *Sequencer) conflict(pipelineID string, err error) error {
	var held *lock.HeldError
	if !errors.As(err, &held) {
		return fmt.Errorf("failed to lock pipeline %s: %w", pipelineID, err)
	}
	s.mu.Lock()
	active := s.inflight[pipelineID]
	s.mu.Unlock()
	if active == "" {
		active = held.Owner
	}
	return &pipeline.ConcurrentRunError{PipelineID: pipelineID, ActiveRunID: active}
}
