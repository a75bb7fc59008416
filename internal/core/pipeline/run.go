package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Trigger
// =============================================================================

// TriggerSource records what started a run.
type TriggerSource string

const (
	TriggerWebhook TriggerSource = "webhook"
	TriggerManual  TriggerSource = "manual"
	TriggerPoller  TriggerSource = "poller"
)

// Trigger is a source-control push event delivered to the Source stage.
// An empty Revision means "the current head of Branch".
type Trigger struct {
	Branch   string        `json:"branch"`
	Revision string        `json:"revision,omitempty"`
	Source   TriggerSource `json:"source"`
	Actor    string        `json:"actor,omitempty"`
}

// =============================================================================
// Artifact
// =============================================================================

// Artifact is the immutable output of one stage. PayloadRef is an opaque
// handle understood by the artifact store or the stage that consumes it.
type Artifact struct {
	Name       string    `json:"name" db:"name"`
	ProducedBy string    `json:"produced_by" db:"produced_by"`
	PayloadRef string    `json:"payload_ref" db:"payload_ref"`
	Revision   string    `json:"revision,omitempty" db:"revision"`
	RunID      string    `json:"run_id" db:"run_id"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// =============================================================================
// Run Status
// =============================================================================

type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

var validRunTransitions = map[RunStatus][]RunStatus{
	RunQueued:    {RunRunning, RunFailed, RunCancelled},
	RunRunning:   {RunSucceeded, RunFailed, RunCancelled},
	RunSucceeded: {},
	RunFailed:    {},
	RunCancelled: {},
}

// ValidateRunTransition checks if a run status transition is valid.
func ValidateRunTransition(from, to RunStatus) error {
	for _, s := range validRunTransitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// =============================================================================
// Run
// =============================================================================

// Run is one execution of a pipeline for one trigger. Artifacts is
// append-only: a stage's artifact is added once the stage succeeds and is
// never replaced.
type Run struct {
	ID           string     `json:"id"`
	PipelineID   string     `json:"pipeline_id"`
	Trigger      Trigger    `json:"trigger"`
	Revision     string     `json:"revision,omitempty"` // Resolved by the Source stage
	Status       RunStatus  `json:"status"`
	CurrentStage string     `json:"current_stage,omitempty"`
	FailedStage  string     `json:"failed_stage,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Artifacts    []Artifact `json:"artifacts,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// NewRun creates a queued run.
func NewRun(pipelineID string, trigger Trigger) *Run {
	now := time.Now().UTC()
	return &Run{
		ID:         "run_" + uuid.New().String(),
		PipelineID: pipelineID,
		Trigger:    trigger,
		Revision:   trigger.Revision,
		Status:     RunQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Transition moves the run to a new status.
func (r *Run) Transition(to RunStatus) error {
	if err := ValidateRunTransition(r.Status, to); err != nil {
		return err
	}

	now := time.Now().UTC()
	r.Status = to
	r.UpdatedAt = now
	if to == RunRunning {
		r.StartedAt = &now
	}
	if to.Terminal() {
		r.FinishedAt = &now
		r.CurrentStage = ""
	}
	return nil
}

// EnterStage marks a stage as the one currently executing.
func (r *Run) EnterStage(name string) {
	r.CurrentStage = name
	r.UpdatedAt = time.Now().UTC()
}

// Record appends a stage's artifact. Artifact names are unique per run.
func (r *Run) Record(a Artifact) error {
	if a.Name == "" {
		return fmt.Errorf("%w: artifact from stage %s has no name", ErrInvalidDefinition, a.ProducedBy)
	}
	if _, exists := r.Artifact(a.Name); exists {
		return fmt.Errorf("%w: artifact %s already recorded for run %s", ErrInvalidDefinition, a.Name, r.ID)
	}
	if a.RunID == "" {
		a.RunID = r.ID
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	r.Artifacts = append(r.Artifacts, a)
	r.UpdatedAt = a.CreatedAt
	return nil
}

// Artifact returns the recorded artifact with the given name.
func (r *Run) Artifact(name string) (Artifact, bool) {
	for _, a := range r.Artifacts {
		if a.Name == name {
			return a, true
		}
	}
	return Artifact{}, false
}

// Fail moves the run to failed and records the failing stage and error.
func (r *Run) Fail(stage string, err error) error {
	if tErr := r.Transition(RunFailed); tErr != nil {
		return tErr
	}
	r.FailedStage = stage
	if err != nil {
		r.ErrorMessage = err.Error()
	}
	return nil
}

// Cancel moves the run to cancelled, remembering the stage it stopped before.
func (r *Run) Cancel(stage string) error {
	if err := r.Transition(RunCancelled); err != nil {
		return err
	}
	r.FailedStage = stage
	r.ErrorMessage = ErrRunCancelled.Error()
	return nil
}

// Snapshot returns a copy that shares no slices with r.
func (r *Run) Snapshot() Run {
	c := *r
	c.Artifacts = append([]Artifact(nil), r.Artifacts...)
	return c
}
