// Package memory simulates a container platform in process. It backs dry
// runs and tests, and supports injecting failures per descriptor or service.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/artpar/stackpipe/internal/core/resource"
	"github.com/artpar/stackpipe/internal/core/taskdef"
	"github.com/artpar/stackpipe/internal/shell/platform"
)

// RegistryHost is the host part of every simulated repository URI.
const RegistryHost = "registry.local"

type service struct {
	name         string
	cluster      string
	desiredCount int
	current      taskdef.TaskDefinition
	pending      *taskdef.TaskDefinition
}

// Cloud is an in-memory platform. The zero value is not usable; call New.
type Cloud struct {
	mu sync.Mutex

	objects   map[string]platform.Handle
	taskDefs  map[string][]taskdef.TaskDefinition
	services  map[string]*service
	destroyed []string
	updates   int

	failMaterialize map[string]error
	failRollout     map[string]error
}

// New creates an empty cloud.
func New() *Cloud {
	return &Cloud{
		objects:         make(map[string]platform.Handle),
		taskDefs:        make(map[string][]taskdef.TaskDefinition),
		services:        make(map[string]*service),
		failMaterialize: make(map[string]error),
		failRollout:     make(map[string]error),
	}
}

// Platform returns a platform with a materializer for every kind.
func (c *Cloud) Platform() *platform.Platform {
	p := platform.New("memory", c, c)
	for _, k := range resource.Kinds() {
		p.Register(&materializer{kind: k, cloud: c})
	}
	return p
}

// FailMaterialize makes materializing descriptor id return err.
func (c *Cloud) FailMaterialize(id string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failMaterialize[id] = err
}

// FailRollout makes the next rollouts of the named service fail with err.
func (c *Cloud) FailRollout(serviceName string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failRollout[serviceName] = err
}

// Objects returns the number of live objects.
func (c *Cloud) Objects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.objects)
}

// Destroyed returns the descriptor IDs destroyed so far, in order.
func (c *Cloud) Destroyed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.destroyed...)
}

// ServiceState returns the task definition a service runs and its desired
// count.
func (c *Cloud) ServiceState(name string) (taskdef.TaskDefinition, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	svc, ok := c.services[name]
	if !ok {
		return taskdef.TaskDefinition{}, 0, false
	}
	return svc.current.Clone(), svc.desiredCount, true
}

// Updates returns how many UpdateService calls were made.
func (c *Cloud) Updates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updates
}

// =============================================================================
// Materializer
// =============================================================================

type materializer struct {
	kind  resource.Kind
	cloud *Cloud
}

func (m *materializer) Kind() resource.Kind { return m.kind }

func (m *materializer) Materialize(ctx context.Context, req platform.Request) (platform.Handle, error) {
	c := m.cloud
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.failMaterialize[req.Descriptor.ID]; err != nil {
		return platform.Handle{}, err
	}

	name := req.Name()
	h := platform.Handle{Kind: m.kind, Outputs: map[string]string{platform.OutputName: name}}

	switch cfg := req.Config.(type) {
	case resource.NetworkConfig:
		h.ID = "net-" + name
		h.Outputs["cidr"] = cfg.CIDR
		h.Outputs["subnets"] = strconv.Itoa(cfg.MaxAZs)

	case resource.ClusterConfig:
		h.ID = "cluster/" + name

	case resource.RegistryConfig:
		h.ID = "repository/" + cfg.Name
		h.Outputs[platform.OutputName] = cfg.Name
		h.Outputs[platform.OutputRepositoryURI] = RegistryHost + "/" + cfg.Name

	case resource.TaskDefinitionConfig:
		repo := ""
		if cfg.Registry != "" {
			reg, err := req.Deps.Require(cfg.Registry)
			if err != nil {
				return platform.Handle{}, err
			}
			repo = reg.Outputs[platform.OutputRepositoryURI]
		}
		td := c.register(taskdef.FromConfig(cfg, repo))
		h.ID = td.ID
		h.Outputs[platform.OutputFamily] = td.Family
		h.Outputs[platform.OutputRevision] = strconv.Itoa(td.Revision)
		h.Outputs[platform.OutputContainerName] = cfg.ContainerName
		h.Outputs[platform.OutputContainerPort] = strconv.Itoa(cfg.ContainerPort)

	case resource.ServiceConfig:
		tdHandle, err := req.Deps.Require(cfg.TaskDefinition)
		if err != nil {
			return platform.Handle{}, err
		}
		cluster, err := req.Deps.Require(cfg.Cluster)
		if err != nil {
			return platform.Handle{}, err
		}
		td, err := c.lookup(tdHandle.ID)
		if err != nil {
			return platform.Handle{}, err
		}
		c.services[name] = &service{
			name:         name,
			cluster:      cluster.Outputs[platform.OutputName],
			desiredCount: cfg.DesiredCount,
			current:      td,
		}
		h.ID = "service/" + name
		h.Outputs[platform.OutputCluster] = cluster.Outputs[platform.OutputName]
		h.Outputs[platform.OutputContainerName] = tdHandle.Outputs[platform.OutputContainerName]
		h.Outputs[platform.OutputContainerPort] = tdHandle.Outputs[platform.OutputContainerPort]

	case resource.LoadBalancerConfig:
		h.ID = "loadbalancer/" + name
		h.Outputs[platform.OutputDNSName] = name + ".lb.local"

	case resource.ListenerConfig:
		h.ID = "listener/" + name
		h.Outputs[platform.OutputPort] = strconv.Itoa(cfg.Port)

	default:
		return platform.Handle{}, platform.NewPlatformError("Materialize", m.kind, req.Descriptor.ID, "unsupported config", platform.ErrUnsupportedKind)
	}

	c.objects[req.Descriptor.ID] = h
	return h, nil
}

func (m *materializer) Destroy(ctx context.Context, req platform.Request) error {
	c := m.cloud
	c.mu.Lock()
	defer c.mu.Unlock()

	if m.kind == resource.KindService {
		delete(c.services, req.Name())
	}
	delete(c.objects, req.Descriptor.ID)
	c.destroyed = append(c.destroyed, req.Descriptor.ID)
	return nil
}

// =============================================================================
// Runtime
// =============================================================================

// CurrentTaskDefinition implements platform.Runtime.
func (c *Cloud) CurrentTaskDefinition(ctx context.Context, svc platform.Handle) (taskdef.TaskDefinition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.services[svc.Outputs[platform.OutputName]]
	if !ok {
		return taskdef.TaskDefinition{}, fmt.Errorf("%w: %s", platform.ErrServiceNotFound, svc.ID)
	}
	return s.current.Clone(), nil
}

// RegisterTaskDefinition implements platform.Runtime.
func (c *Cloud) RegisterTaskDefinition(ctx context.Context, td taskdef.TaskDefinition) (taskdef.TaskDefinition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.register(td), nil
}

// UpdateService implements platform.Runtime.
func (c *Cloud) UpdateService(ctx context.Context, svc platform.Handle, td taskdef.TaskDefinition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.services[svc.Outputs[platform.OutputName]]
	if !ok {
		return fmt.Errorf("%w: %s", platform.ErrServiceNotFound, svc.ID)
	}
	if _, err := c.lookup(td.ID); err != nil {
		return err
	}
	next := td.Clone()
	s.pending = &next
	c.updates++
	return nil
}

// WaitForRollout implements platform.Runtime.
func (c *Cloud) WaitForRollout(ctx context.Context, svc platform.Handle, td taskdef.TaskDefinition, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := svc.Outputs[platform.OutputName]
	s, ok := c.services[name]
	if !ok {
		return fmt.Errorf("%w: %s", platform.ErrServiceNotFound, svc.ID)
	}
	if err := c.failRollout[name]; err != nil {
		s.pending = nil
		return fmt.Errorf("%w: %v", platform.ErrRolloutFailed, err)
	}
	if s.pending == nil || s.pending.ID != td.ID {
		return fmt.Errorf("%w: %s is not rolling out %s", platform.ErrRolloutFailed, name, td.ID)
	}
	s.current = *s.pending
	s.pending = nil
	return nil
}

// Credentials implements platform.RegistryAuth.
func (c *Cloud) Credentials(ctx context.Context, registry platform.Handle) (platform.Credentials, error) {
	return platform.Credentials{Host: RegistryHost, Username: "stackpipe", Password: "memory"}, nil
}

func (c *Cloud) register(td taskdef.TaskDefinition) taskdef.TaskDefinition {
	next := td.Clone()
	next.Revision = len(c.taskDefs[td.Family]) + 1
	next.ID = fmt.Sprintf("%s:%d", next.Family, next.Revision)
	c.taskDefs[td.Family] = append(c.taskDefs[td.Family], next)
	return next.Clone()
}

func (c *Cloud) lookup(id string) (taskdef.TaskDefinition, error) {
	for _, revisions := range c.taskDefs {
		for _, td := range revisions {
			if td.ID == id {
				return td.Clone(), nil
			}
		}
	}
	return taskdef.TaskDefinition{}, fmt.Errorf("%w: task definition %s", platform.ErrNotProvisioned, id)
}
