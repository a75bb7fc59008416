// Package platform materializes resource descriptors on a concrete
// infrastructure provider and drives the provider's container runtime.
// This is part of the Imperative Shell - every call here may reach a cloud
// API or a container daemon.
package platform

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/artpar/stackpipe/internal/core/resource"
	"github.com/artpar/stackpipe/internal/core/taskdef"
)

// =============================================================================
// Handles
// =============================================================================

// Well-known handle output keys shared by every platform.
const (
	OutputName          = "name"
	OutputARN           = "arn"
	OutputDNSName       = "dns_name"
	OutputRepositoryURI = "repository_uri"
	OutputFamily        = "family"
	OutputRevision      = "revision"
	OutputCluster       = "cluster"
	OutputNetwork       = "network"
	OutputContainerName = "container_name"
	OutputContainerPort = "container_port"
	OutputPort          = "port"
)

// Handle identifies a materialized object on the platform. ID is the
// platform's own identifier (an ARN, a container network ID); Outputs carries
// the attributes other descriptors and stack outputs may read.
type Handle struct {
	ID      string            `json:"id"`
	Kind    resource.Kind     `json:"kind"`
	Outputs map[string]string `json:"outputs,omitempty"`
}

// Output returns a handle attribute. "id" always resolves to the handle ID.
func (h Handle) Output(key string) (string, bool) {
	if key == "id" {
		return h.ID, h.ID != ""
	}
	v, ok := h.Outputs[key]
	return v, ok
}

// Resolved holds the handles of already materialized descriptors by
// descriptor ID.
type Resolved map[string]Handle

// Require returns the handle for id or ErrNotProvisioned.
func (r Resolved) Require(id string) (Handle, error) {
	h, ok := r[id]
	if !ok {
		return Handle{}, fmt.Errorf("%w: %s", ErrNotProvisioned, id)
	}
	return h, nil
}

// =============================================================================
// Materializers
// =============================================================================

// Request is everything a materializer needs to create, update or destroy one
// descriptor.
type Request struct {
	Stack      string
	Descriptor resource.Descriptor
	Config     resource.Config
	Deps       Resolved
	Existing   *Handle // set when the descriptor was materialized before
}

// Name returns a platform object name unique to the stack.
func (r Request) Name() string {
	return ObjectName(r.Stack, r.Descriptor.ID)
}

// Materializer creates and destroys objects of one kind.
type Materializer interface {
	Kind() resource.Kind
	Materialize(ctx context.Context, req Request) (Handle, error)
	Destroy(ctx context.Context, req Request) error
}

// ObjectName joins a stack name and a descriptor ID the way every platform
// names its objects.
func ObjectName(stack, id string) string {
	if stack == "" {
		return id
	}
	return stack + "-" + id
}

// =============================================================================
// Runtime
// =============================================================================

// Runtime is the cluster runtime the Deploy action talks to.
type Runtime interface {
	// CurrentTaskDefinition returns the task definition the service runs now.
	CurrentTaskDefinition(ctx context.Context, service Handle) (taskdef.TaskDefinition, error)

	// RegisterTaskDefinition stores td as a new revision of its family and
	// returns it with ID and Revision filled in.
	RegisterTaskDefinition(ctx context.Context, td taskdef.TaskDefinition) (taskdef.TaskDefinition, error)

	// UpdateService points the service at td. Desired count is unchanged.
	UpdateService(ctx context.Context, service Handle, td taskdef.TaskDefinition) error

	// WaitForRollout blocks until the service runs td on every task, the
	// rollout fails, or timeout elapses.
	WaitForRollout(ctx context.Context, service Handle, td taskdef.TaskDefinition, timeout time.Duration) error
}

// Credentials are short-lived registry login credentials.
type Credentials struct {
	Host     string
	Username string
	Password string
}

// RegistryAuth issues push credentials for a registry handle.
type RegistryAuth interface {
	Credentials(ctx context.Context, registry Handle) (Credentials, error)
}

// =============================================================================
// Platform
// =============================================================================

// Platform bundles the materializers, runtime and registry auth of one
// provider.
type Platform struct {
	Name     string
	Runtime  Runtime
	Registry RegistryAuth

	materializers map[resource.Kind]Materializer
}

// New creates a platform with the given materializers registered.
func New(name string, runtime Runtime, registry RegistryAuth, materializers ...Materializer) *Platform {
	p := &Platform{
		Name:          name,
		Runtime:       runtime,
		Registry:      registry,
		materializers: make(map[resource.Kind]Materializer, len(materializers)),
	}
	for _, m := range materializers {
		p.Register(m)
	}
	return p
}

// Register adds or replaces the materializer for m.Kind().
func (p *Platform) Register(m Materializer) {
	p.materializers[m.Kind()] = m
}

// Materializer returns the materializer for kind.
func (p *Platform) Materializer(kind resource.Kind) (Materializer, error) {
	m, ok := p.materializers[kind]
	if !ok {
		return nil, NewPlatformError("Materializer", kind, "", p.Name+" cannot materialize this kind", ErrUnsupportedKind)
	}
	return m, nil
}

// Kinds returns the kinds the platform can materialize, sorted.
func (p *Platform) Kinds() []resource.Kind {
	kinds := make([]resource.Kind, 0, len(p.materializers))
	for k := range p.materializers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
