package pipeline

import (
	"errors"
	"strings"
	"testing"

	"github.com/artpar/stackpipe/internal/core/buildspec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDefinition() Definition {
	return Definition{
		ID:     "web",
		Source: SourceConfig{Repository: "acme/web", Branch: "main", TokenSecret: "github-token"},
		Build:  BuildConfig{Registry: "repo", ContainerName: "app"},
		Deploy: DeployConfig{Service: "svc"},
	}
}

// =============================================================================
// Definition Tests
// =============================================================================

func TestDefinition_Defaults(t *testing.T) {
	d := validDefinition().WithDefaults()

	assert.Equal(t, ConflictQueue, d.OnConflict)
	assert.Equal(t, DefaultStages(), d.Stages)
	assert.Equal(t, buildspec.DefaultManifestFile, d.Build.Spec.ManifestFile)
	assert.False(t, d.Build.Spec.Phases.Empty())
	require.NoError(t, validDefinition().Validate())
}

func TestDefinition_RequiredFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Definition)
	}{
		{"id", func(d *Definition) { d.ID = "" }},
		{"bad id", func(d *Definition) { d.ID = "web pipeline" }},
		{"repository", func(d *Definition) { d.Source.Repository = "" }},
		{"branch", func(d *Definition) { d.Source.Branch = "" }},
		{"registry", func(d *Definition) { d.Build.Registry = "" }},
		{"container", func(d *Definition) { d.Build.ContainerName = "" }},
		{"service", func(d *Definition) { d.Deploy.Service = "" }},
		{"conflict", func(d *Definition) { d.OnConflict = "drop" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDefinition()
			tt.mutate(&d)
			assert.ErrorIs(t, d.Validate(), ErrInvalidDefinition)
		})
	}
}

func TestDefinition_ConflictPolicyCaseInsensitive(t *testing.T) {
	d := validDefinition()
	d.OnConflict = "REJECT"
	require.NoError(t, d.Validate())
	assert.Equal(t, ConflictReject, d.WithDefaults().OnConflict)
}

// =============================================================================
// Stage Chain Tests
// =============================================================================

func TestValidateStages_Default(t *testing.T) {
	assert.NoError(t, ValidateStages(DefaultStages()))
}

func TestValidateStages_BrokenHandOff(t *testing.T) {
	stages := DefaultStages()
	stages[1].Input = "something_else"
	assert.ErrorIs(t, ValidateStages(stages), ErrArtifactMismatch)

	stages = DefaultStages()
	stages[2].Input = ""
	assert.ErrorIs(t, ValidateStages(stages), ErrArtifactMismatch)
}

func TestValidateStages_Order(t *testing.T) {
	tests := []struct {
		name   string
		stages []StageSpec
	}{
		{"empty", nil},
		{"build first", []StageSpec{{Name: "Build", Kind: StageBuild, Output: "b"}}},
		{"deploy after source", []StageSpec{
			{Name: "Source", Kind: StageSource, Output: "s"},
			{Name: "Deploy", Kind: StageDeploy, Input: "s"},
		}},
		{"second source", []StageSpec{
			{Name: "Source", Kind: StageSource, Output: "s"},
			{Name: "Again", Kind: StageSource, Input: "s", Output: "t"},
		}},
		{"external input on first", []StageSpec{{Name: "Source", Kind: StageSource, Input: "x", Output: "s"}}},
		{"unknown kind", []StageSpec{
			{Name: "Source", Kind: StageSource, Output: "s"},
			{Name: "Test", Kind: "test", Input: "s", Output: "t"},
		}},
		{"duplicate name", []StageSpec{
			{Name: "Source", Kind: StageSource, Output: "s"},
			{Name: "Source", Kind: StageBuild, Input: "s", Output: "b"},
		}},
		{"missing output", []StageSpec{
			{Name: "Source", Kind: StageSource},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, ValidateStages(tt.stages))
		})
	}
}

func TestValidateStages_SourceAndBuildOnly(t *testing.T) {
	stages := []StageSpec{
		{Name: "Source", Kind: StageSource, Output: "s"},
		{Name: "Build", Kind: StageBuild, Input: "s", Output: "b"},
	}
	assert.NoError(t, ValidateStages(stages))
}

// =============================================================================
// Run Tests
// =============================================================================

func TestNewRun(t *testing.T) {
	r := NewRun("web", Trigger{Branch: "main", Revision: "abc123", Source: TriggerManual})

	assert.True(t, strings.HasPrefix(r.ID, "run_"))
	assert.Equal(t, RunQueued, r.Status)
	assert.Equal(t, "abc123", r.Revision)
	assert.Nil(t, r.StartedAt)
}

func TestRun_Lifecycle(t *testing.T) {
	r := NewRun("web", Trigger{Branch: "main"})

	require.NoError(t, r.Transition(RunRunning))
	require.NotNil(t, r.StartedAt)

	r.EnterStage(SourceStageName)
	require.NoError(t, r.Record(Artifact{Name: SourceOutput, ProducedBy: SourceStageName, PayloadRef: "/tmp/src"}))

	got, ok := r.Artifact(SourceOutput)
	require.True(t, ok)
	assert.Equal(t, r.ID, got.RunID)
	assert.False(t, got.CreatedAt.IsZero())

	require.NoError(t, r.Transition(RunSucceeded))
	assert.NotNil(t, r.FinishedAt)
	assert.Empty(t, r.CurrentStage)
}

func TestRun_InvalidTransitions(t *testing.T) {
	tests := []struct {
		from RunStatus
		to   RunStatus
	}{
		{RunQueued, RunSucceeded},
		{RunSucceeded, RunRunning},
		{RunFailed, RunRunning},
		{RunCancelled, RunRunning},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.ErrorIs(t, ValidateRunTransition(tt.from, tt.to), ErrInvalidTransition)
		})
	}
}

func TestRun_RecordIsAppendOnly(t *testing.T) {
	r := NewRun("web", Trigger{Branch: "main"})
	first := Artifact{Name: BuildOutput, ProducedBy: BuildStageName, PayloadRef: "a"}
	require.NoError(t, r.Record(first))

	err := r.Record(Artifact{Name: BuildOutput, ProducedBy: BuildStageName, PayloadRef: "b"})
	assert.Error(t, err)

	got, _ := r.Artifact(BuildOutput)
	assert.Equal(t, "a", got.PayloadRef)
	assert.Len(t, r.Artifacts, 1)

	assert.Error(t, r.Record(Artifact{ProducedBy: BuildStageName}))
}

func TestRun_FailAndCancel(t *testing.T) {
	r := NewRun("web", Trigger{Branch: "main"})
	require.NoError(t, r.Transition(RunRunning))
	require.NoError(t, r.Fail(BuildStageName, errors.New("boom")))
	assert.Equal(t, RunFailed, r.Status)
	assert.Equal(t, BuildStageName, r.FailedStage)
	assert.Equal(t, "boom", r.ErrorMessage)

	c := NewRun("web", Trigger{Branch: "main"})
	require.NoError(t, c.Cancel(SourceStageName))
	assert.Equal(t, RunCancelled, c.Status)
	assert.Equal(t, ErrRunCancelled.Error(), c.ErrorMessage)
	assert.Error(t, c.Cancel(SourceStageName))
}

func TestRun_SnapshotIsIndependent(t *testing.T) {
	r := NewRun("web", Trigger{Branch: "main"})
	require.NoError(t, r.Record(Artifact{Name: SourceOutput, PayloadRef: "x"}))

	snap := r.Snapshot()
	require.NoError(t, r.Record(Artifact{Name: BuildOutput, PayloadRef: "y"}))
	assert.Len(t, snap.Artifacts, 1)
}

func TestStageRequest_RevisionAndBranch(t *testing.T) {
	def := validDefinition()

	req := StageRequest{Pipeline: def, Trigger: Trigger{Revision: "abc123"}}
	assert.Equal(t, "abc123", req.Revision())
	assert.Equal(t, "main", req.Branch())

	req.Input = &Artifact{Name: SourceOutput, Revision: "def456"}
	req.Trigger.Branch = "release"
	assert.Equal(t, "def456", req.Revision(), "the input artifact wins over the trigger")
	assert.Equal(t, "release", req.Branch())

	req.Input.Revision = ""
	assert.Equal(t, "abc123", req.Revision())
}

// =============================================================================
// Error Tests
// =============================================================================

func TestStageError(t *testing.T) {
	cause := &BuildError{Step: 3, Phase: "build", Command: "docker tag", ExitCode: 1}
	err := &StageError{
		RunID:     "run_1",
		Stage:     BuildStageName,
		Artifacts: []Artifact{{Name: SourceOutput}},
		Err:       cause,
	}

	var buildErr *BuildError
	require.ErrorAs(t, err, &buildErr)
	assert.Equal(t, 3, buildErr.Step)
	assert.Contains(t, err.Error(), "stage Build")
	assert.Contains(t, err.Error(), "source_output")
	assert.Contains(t, err.Error(), "build step 3 (build) exited with code 1")
}

func TestDeployError(t *testing.T) {
	inner := errors.New("tasks failed health checks")
	err := &DeployError{Service: "svc", Reason: "rollout failed", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "deploy to svc failed: rollout failed: tasks failed health checks", err.Error())
}

func TestConcurrentRunError(t *testing.T) {
	err := &ConcurrentRunError{PipelineID: "web", ActiveRunID: "run_1"}
	assert.Equal(t, "pipeline web already has run run_1 in progress", err.Error())
}
