package store

import (
	"context"
	"time"

	"github.com/artpar/stackpipe/internal/core/pipeline"
	"github.com/artpar/stackpipe/internal/core/resource"
	"github.com/artpar/stackpipe/internal/core/taskdef"
)

// =============================================================================
// Records
// =============================================================================

// ResourceRecord is the provisioning state of one materialized descriptor.
// ConfigHash is the descriptor hash at the time it was materialized; Outputs
// holds the platform handle attributes (ARNs, DNS names, container IDs).
type ResourceRecord struct {
	Stack      string
	ID         string
	Kind       string
	ConfigHash string
	Outputs    map[string]string
	CreatedAt  time.Time
	UpdatedAt  time.Time

	// Descriptor is the descriptor last materialized, kept so the resource
	// can be destroyed after it leaves the stack. Nil for older records.
	Descriptor *resource.Descriptor
}

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface.
type Store interface {
	// Provisioning state
	SaveResource(ctx context.Context, record *ResourceRecord) error
	GetResource(ctx context.Context, stack, id string) (*ResourceRecord, error)
	ListResources(ctx context.Context, stack string) ([]ResourceRecord, error)
	DeleteResource(ctx context.Context, stack, id string) error

	// Pipeline runs
	CreateRun(ctx context.Context, run *pipeline.Run) error
	UpdateRun(ctx context.Context, run *pipeline.Run) error
	GetRun(ctx context.Context, id string) (*pipeline.Run, error)
	ListRuns(ctx context.Context, pipelineID string, opts ListOptions) ([]pipeline.Run, error)
	FailInterruptedRuns(ctx context.Context, message string) (int, error)

	// Artifacts are append-only
	AppendArtifact(ctx context.Context, artifact pipeline.Artifact) error
	ListArtifacts(ctx context.Context, runID string) ([]pipeline.Artifact, error)

	// Task definition revisions for runtimes without their own registry
	RegisterTaskDefinition(ctx context.Context, td taskdef.TaskDefinition) (taskdef.TaskDefinition, error)
	GetTaskDefinition(ctx context.Context, family string, revision int) (*taskdef.TaskDefinition, error)
	LatestTaskDefinition(ctx context.Context, family string) (*taskdef.TaskDefinition, error)

	// Sealed secret values; the store never sees plaintext
	PutSecret(ctx context.Context, name, sealed string) error
	GetSecret(ctx context.Context, name string) (string, error)
	DeleteSecret(ctx context.Context, name string) error
	ListSecretNames(ctx context.Context) ([]string, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
