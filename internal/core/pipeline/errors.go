package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Sentinel Errors
// =============================================================================

var (
	ErrInvalidDefinition = errors.New("invalid pipeline definition")
	ErrInvalidTransition = errors.New("invalid run status transition")
	ErrRunCancelled      = errors.New("run cancelled")
	ErrArtifactMismatch  = errors.New("stage input does not match previous stage output")
)

// =============================================================================
// Run-Terminal Errors
// =============================================================================

// BuildError reports a build script step that exited non-zero. It is terminal
// for the run; the build action never retries.
type BuildError struct {
	Step     int    // 1-based position in the rendered script
	Phase    string // pre_build, build or post_build
	Command  string
	ExitCode int
	Output   string // Tail of the step's combined output
	Err      error
}

func (e *BuildError) Error() string {
	if e.Step == 0 {
		return fmt.Sprintf("build failed: %v", e.Err)
	}
	return fmt.Sprintf("build step %d (%s) exited with code %d: %s", e.Step, e.Phase, e.ExitCode, e.Command)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// DeployError reports that a built artifact could not be applied to its
// service. The previous task definition stays active; this package does not
// roll back.
type DeployError struct {
	Service string
	Reason  string
	Err     error
}

func (e *DeployError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("deploy to %s failed: %s: %v", e.Service, e.Reason, e.Err)
	}
	return fmt.Sprintf("deploy to %s failed: %s", e.Service, e.Reason)
}

func (e *DeployError) Unwrap() error {
	return e.Err
}

// ConcurrentRunError is returned when a trigger arrives while a run for the
// same pipeline is in flight and the pipeline rejects overlapping triggers.
type ConcurrentRunError struct {
	PipelineID  string
	ActiveRunID string
}

func (e *ConcurrentRunError) Error() string {
	return fmt.Sprintf("pipeline %s already has run %s in progress", e.PipelineID, e.ActiveRunID)
}

// StageError wraps the failure of one stage with the run's artifact state at
// the moment it failed.
type StageError struct {
	RunID     string
	Stage     string
	Artifacts []Artifact // Artifacts recorded before the failing stage
	Err       error
}

func (e *StageError) Error() string {
	names := make([]string, len(e.Artifacts))
	for i, a := range e.Artifacts {
		names[i] = a.Name
	}
	return fmt.Sprintf("run %s failed at stage %s (artifacts: [%s]): %v",
		e.RunID, e.Stage, strings.Join(names, ", "), e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
