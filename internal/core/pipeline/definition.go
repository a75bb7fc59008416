// Package pipeline holds the data model of continuous-delivery pipelines:
// their definitions, stage chains, runs and artifacts.
//
// Nothing here performs I/O. The sequencer in internal/shell drives runs
// through the stages using these types.
package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/artpar/stackpipe/internal/core/buildspec"
)

var pipelineIDPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,62}$`)

// =============================================================================
// Stages
// =============================================================================

// StageKind selects the action a stage runs.
type StageKind string

const (
	StageSource StageKind = "source"
	StageBuild  StageKind = "build"
	StageDeploy StageKind = "deploy"
)

// Canonical stage and artifact names.
const (
	SourceStageName = "Source"
	BuildStageName  = "Build"
	DeployStageName = "Deploy"

	SourceOutput = "source_output"
	BuildOutput  = "build_output"
)

// StageSpec declares one stage. Input names the artifact the stage consumes
// and must equal the previous stage's Output; the first stage has no input.
type StageSpec struct {
	Name   string    `json:"name" yaml:"name" toml:"name"`
	Kind   StageKind `json:"kind" yaml:"kind" toml:"kind"`
	Input  string    `json:"input,omitempty" yaml:"input,omitempty" toml:"input,omitempty"`
	Output string    `json:"output,omitempty" yaml:"output,omitempty" toml:"output,omitempty"`
}

// DefaultStages returns the Source -> Build -> Deploy chain.
func DefaultStages() []StageSpec {
	return []StageSpec{
		{Name: SourceStageName, Kind: StageSource, Output: SourceOutput},
		{Name: BuildStageName, Kind: StageBuild, Input: SourceOutput, Output: BuildOutput},
		{Name: DeployStageName, Kind: StageDeploy, Input: BuildOutput},
	}
}

// ValidateStages checks the artifact hand-off chain and the stage order:
// a source stage first, a deploy stage only after a build stage.
func ValidateStages(stages []StageSpec) error {
	if len(stages) == 0 {
		return fmt.Errorf("%w: no stages", ErrInvalidDefinition)
	}
	if stages[0].Kind != StageSource {
		return fmt.Errorf("%w: first stage %q must be a source stage", ErrInvalidDefinition, stages[0].Name)
	}

	names := make(map[string]bool, len(stages))
	outputs := make(map[string]bool, len(stages))
	for i, s := range stages {
		if s.Name == "" {
			return fmt.Errorf("%w: stage %d has no name", ErrInvalidDefinition, i+1)
		}
		if names[s.Name] {
			return fmt.Errorf("%w: duplicate stage %q", ErrInvalidDefinition, s.Name)
		}
		names[s.Name] = true

		switch s.Kind {
		case StageSource, StageBuild, StageDeploy:
		default:
			return fmt.Errorf("%w: stage %q has unknown kind %q", ErrInvalidDefinition, s.Name, s.Kind)
		}
		if i > 0 && s.Kind == StageSource {
			return fmt.Errorf("%w: source stage %q must come first", ErrInvalidDefinition, s.Name)
		}
		if s.Kind == StageDeploy && stages[i-1].Kind != StageBuild {
			return fmt.Errorf("%w: deploy stage %q must follow a build stage", ErrInvalidDefinition, s.Name)
		}

		if i == 0 {
			if s.Input != "" {
				return fmt.Errorf("%w: first stage %q takes external input, not %q", ErrInvalidDefinition, s.Name, s.Input)
			}
		} else if s.Input != stages[i-1].Output || s.Input == "" {
			return fmt.Errorf("%w: stage %q input %q does not match stage %q output %q",
				ErrArtifactMismatch, s.Name, s.Input, stages[i-1].Name, stages[i-1].Output)
		}

		if s.Kind != StageDeploy && s.Output == "" {
			return fmt.Errorf("%w: stage %q must declare an output", ErrInvalidDefinition, s.Name)
		}
		if s.Output != "" {
			if outputs[s.Output] {
				return fmt.Errorf("%w: artifact %q produced twice", ErrInvalidDefinition, s.Output)
			}
			outputs[s.Output] = true
		}
	}
	return nil
}

// =============================================================================
// Definition
// =============================================================================

// ConflictPolicy decides what happens to a trigger that arrives while a run
// of the same pipeline is in flight.
type ConflictPolicy string

const (
	ConflictQueue  ConflictPolicy = "queue"
	ConflictReject ConflictPolicy = "reject"
)

// SourceConfig locates the repository a pipeline builds.
type SourceConfig struct {
	Repository  string `json:"repository" yaml:"repository" toml:"repository"` // owner/name, URL or local path
	Branch      string `json:"branch" yaml:"branch" toml:"branch"`
	TokenSecret string `json:"token_secret,omitempty" yaml:"token_secret,omitempty" toml:"token_secret,omitempty"`
}

// BuildConfig names the registry descriptor the image is pushed to and the
// container the image is built for.
type BuildConfig struct {
	Registry      string         `json:"registry" yaml:"registry" toml:"registry"`
	ContainerName string         `json:"container_name" yaml:"container_name" toml:"container_name"`
	Spec          buildspec.Spec `json:"spec,omitempty" yaml:"spec,omitempty" toml:"spec,omitempty"`
}

// DeployConfig names the service descriptor the image is rolled out to.
type DeployConfig struct {
	Service string `json:"service" yaml:"service" toml:"service"`
}

// Definition is a pipeline declared in a stack.
type Definition struct {
	ID         string         `json:"id" yaml:"id" toml:"id"`
	Source     SourceConfig   `json:"source" yaml:"source" toml:"source"`
	Build      BuildConfig    `json:"build" yaml:"build" toml:"build"`
	Deploy     DeployConfig   `json:"deploy" yaml:"deploy" toml:"deploy"`
	Stages     []StageSpec    `json:"stages,omitempty" yaml:"stages,omitempty" toml:"stages,omitempty"`
	OnConflict ConflictPolicy `json:"on_conflict,omitempty" yaml:"on_conflict,omitempty" toml:"on_conflict,omitempty"`
}

// WithDefaults returns a copy with the default stage chain, conflict policy
// and build script filled in.
func (d Definition) WithDefaults() Definition {
	if len(d.Stages) == 0 {
		d.Stages = DefaultStages()
	}
	if d.OnConflict == "" {
		d.OnConflict = ConflictQueue
	}
	d.OnConflict = ConflictPolicy(strings.ToLower(string(d.OnConflict)))
	d.Build.Spec = d.Build.Spec.WithDefaults()
	return d
}

// Validate checks a definition after defaults are applied.
func (d Definition) Validate() error {
	d = d.WithDefaults()

	if !pipelineIDPattern.MatchString(d.ID) {
		return fmt.Errorf("%w: pipeline id %q", ErrInvalidDefinition, d.ID)
	}
	if d.Source.Repository == "" {
		return fmt.Errorf("%w: pipeline %s: source repository is required", ErrInvalidDefinition, d.ID)
	}
	if d.Source.Branch == "" {
		return fmt.Errorf("%w: pipeline %s: source branch is required", ErrInvalidDefinition, d.ID)
	}
	if d.Build.Registry == "" {
		return fmt.Errorf("%w: pipeline %s: build registry is required", ErrInvalidDefinition, d.ID)
	}
	if d.Build.ContainerName == "" {
		return fmt.Errorf("%w: pipeline %s: build container_name is required", ErrInvalidDefinition, d.ID)
	}
	if d.Deploy.Service == "" {
		return fmt.Errorf("%w: pipeline %s: deploy service is required", ErrInvalidDefinition, d.ID)
	}
	switch d.OnConflict {
	case ConflictQueue, ConflictReject:
	default:
		return fmt.Errorf("%w: pipeline %s: on_conflict must be queue or reject, got %q", ErrInvalidDefinition, d.ID, d.OnConflict)
	}
	if err := d.Build.Spec.Validate(); err != nil {
		return fmt.Errorf("pipeline %s: %w", d.ID, err)
	}
	if err := ValidateStages(d.Stages); err != nil {
		return fmt.Errorf("pipeline %s: %w", d.ID, err)
	}
	return nil
}

// Stage returns the stage with the given name.
func (d Definition) Stage(name string) (StageSpec, bool) {
	for _, s := range d.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageSpec{}, false
}
