package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/artpar/stackpipe/internal/core/resource"
	"github.com/artpar/stackpipe/internal/core/taskdef"
	"github.com/artpar/stackpipe/internal/shell/platform"
)

// TaskDefinitionStore keeps task definition revisions, since the Docker
// engine has no registry of its own for them.
type TaskDefinitionStore interface {
	RegisterTaskDefinition(ctx context.Context, td taskdef.TaskDefinition) (taskdef.TaskDefinition, error)
	GetTaskDefinition(ctx context.Context, family string, revision int) (*taskdef.TaskDefinition, error)
	LatestTaskDefinition(ctx context.Context, family string) (*taskdef.TaskDefinition, error)
}

// Options configures the Docker platform.
type Options struct {
	RegistryHost     string        `mapstructure:"registry_host"`
	RegistryUsername string        `mapstructure:"registry_username"`
	RegistryPassword string        `mapstructure:"registry_password"`
	HostAddress      string        `mapstructure:"host_address"`
	StopTimeout      time.Duration `mapstructure:"stop_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
}

// DefaultOptions returns options for a local registry on localhost:5000.
func DefaultOptions() Options {
	return Options{
		RegistryHost: "localhost:5000",
		HostAddress:  "localhost",
		StopTimeout:  10 * time.Second,
		PollInterval: time.Second,
	}
}

const outputDesiredCount = "desired_count"

// Docker is a single-host platform.
type Docker struct {
	client Client
	tds    TaskDefinitionStore
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	previous map[string]taskdef.TaskDefinition // service name -> revision UpdateService replaced
}

// New creates a Docker platform.
func New(client Client, tds TaskDefinitionStore, opts Options, logger *slog.Logger) *Docker {
	defaults := DefaultOptions()
	if opts.RegistryHost == "" {
		opts.RegistryHost = defaults.RegistryHost
	}
	if opts.HostAddress == "" {
		opts.HostAddress = defaults.HostAddress
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaults.StopTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.PollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Docker{
		client: client,
		tds:    tds,
		opts:   opts,
		logger: logger.With("platform", "docker"),

		previous: make(map[string]taskdef.TaskDefinition),
	}
}

// Platform returns the platform with a materializer for every kind.
func (d *Docker) Platform() *platform.Platform {
	p := platform.New("docker", d, d)
	for _, k := range resource.Kinds() {
		p.Register(&materializer{kind: k, docker: d})
	}
	return p
}

// =============================================================================
// Materializers
// =============================================================================

type materializer struct {
	kind   resource.Kind
	docker *Docker
}

func (m *materializer) Kind() resource.Kind { return m.kind }

func (m *materializer) Materialize(ctx context.Context, req platform.Request) (platform.Handle, error) {
	d := m.docker
	name := req.Name()
	h := platform.Handle{Kind: m.kind, Outputs: map[string]string{platform.OutputName: name}}

	switch cfg := req.Config.(type) {
	case resource.NetworkConfig:
		if req.Existing != nil {
			return *req.Existing, nil
		}
		id, err := d.client.CreateNetwork(ctx, NetworkSpec{
			Name:   name,
			Labels: map[string]string{LabelManaged: "true", LabelStack: req.Stack},
		})
		if errors.Is(err, ErrNetworkExists) {
			id = name
		} else if err != nil {
			return platform.Handle{}, err
		}
		h.ID = id

	case resource.ClusterConfig:
		network, err := req.Deps.Require(cfg.Network)
		if err != nil {
			return platform.Handle{}, err
		}
		h.ID = "cluster/" + name
		h.Outputs[platform.OutputNetwork] = network.Outputs[platform.OutputName]

	case resource.RegistryConfig:
		repo := d.opts.RegistryHost + "/" + cfg.Name
		h.ID = repo
		h.Outputs[platform.OutputName] = cfg.Name
		h.Outputs[platform.OutputRepositoryURI] = repo

	case resource.TaskDefinitionConfig:
		repo := ""
		if cfg.Registry != "" {
			reg, err := req.Deps.Require(cfg.Registry)
			if err != nil {
				return platform.Handle{}, err
			}
			repo = reg.Outputs[platform.OutputRepositoryURI]
		}
		td, err := d.tds.RegisterTaskDefinition(ctx, taskdef.FromConfig(cfg, repo))
		if err != nil {
			return platform.Handle{}, err
		}
		h.ID = td.ID
		h.Outputs[platform.OutputFamily] = td.Family
		h.Outputs[platform.OutputRevision] = strconv.Itoa(td.Revision)
		h.Outputs[platform.OutputContainerName] = cfg.ContainerName
		h.Outputs[platform.OutputContainerPort] = strconv.Itoa(cfg.ContainerPort)

	case resource.ServiceConfig:
		cluster, err := req.Deps.Require(cfg.Cluster)
		if err != nil {
			return platform.Handle{}, err
		}
		tdHandle, err := req.Deps.Require(cfg.TaskDefinition)
		if err != nil {
			return platform.Handle{}, err
		}
		revision, _ := strconv.Atoi(tdHandle.Outputs[platform.OutputRevision])
		td, err := d.tds.GetTaskDefinition(ctx, tdHandle.Outputs[platform.OutputFamily], revision)
		if err != nil {
			return platform.Handle{}, err
		}

		svc := serviceRef{
			stack:         req.Stack,
			name:          name,
			network:       cluster.Outputs[platform.OutputNetwork],
			containerName: tdHandle.Outputs[platform.OutputContainerName],
			desired:       cfg.DesiredCount,
		}
		current, err := d.serviceContainers(ctx, name)
		if err != nil {
			return platform.Handle{}, err
		}
		svc.publish = publishedPort(current)
		if err := d.rollOut(ctx, svc, *td); err != nil {
			return platform.Handle{}, err
		}

		h.ID = "service/" + name
		h.Outputs[platform.OutputCluster] = cluster.Outputs[platform.OutputName]
		h.Outputs[platform.OutputNetwork] = svc.network
		h.Outputs[platform.OutputFamily] = td.Family
		h.Outputs[platform.OutputContainerName] = svc.containerName
		h.Outputs[platform.OutputContainerPort] = tdHandle.Outputs[platform.OutputContainerPort]
		h.Outputs[outputDesiredCount] = strconv.Itoa(cfg.DesiredCount)

	case resource.LoadBalancerConfig:
		h.ID = "loadbalancer/" + name
		h.Outputs[platform.OutputDNSName] = d.opts.HostAddress

	case resource.ListenerConfig:
		target, err := req.Deps.Require(cfg.Target)
		if err != nil {
			return platform.Handle{}, err
		}
		if err := d.republish(ctx, target, cfg.Port); err != nil {
			return platform.Handle{}, err
		}
		h.ID = "listener/" + name
		h.Outputs[platform.OutputPort] = strconv.Itoa(cfg.Port)
		h.Outputs["url"] = fmt.Sprintf("%s://%s:%d", strings.ToLower(cfg.Protocol), d.opts.HostAddress, cfg.Port)

	default:
		return platform.Handle{}, platform.NewPlatformError("Materialize", m.kind, req.Descriptor.ID, "unsupported config", platform.ErrUnsupportedKind)
	}

	return h, nil
}

func (m *materializer) Destroy(ctx context.Context, req platform.Request) error {
	d := m.docker
	switch cfg := req.Config.(type) {
	case resource.NetworkConfig:
		err := d.client.RemoveNetwork(ctx, req.Existing.ID)
		if err != nil && !errors.Is(err, ErrNetworkNotFound) {
			return err
		}
	case resource.ServiceConfig:
		containers, err := d.serviceContainers(ctx, req.Name())
		if err != nil {
			return err
		}
		for _, c := range containers {
			if err := d.remove(ctx, c.ID); err != nil {
				return err
			}
		}
	case resource.ListenerConfig:
		target, ok := req.Deps[cfg.Target]
		if !ok {
			return nil
		}
		return d.republish(ctx, target, 0)
	}
	return nil
}

// =============================================================================
// Runtime
// =============================================================================

// CurrentTaskDefinition implements platform.Runtime.
func (d *Docker) CurrentTaskDefinition(ctx context.Context, svc platform.Handle) (taskdef.TaskDefinition, error) {
	name := svc.Outputs[platform.OutputName]
	containers, err := d.serviceContainers(ctx, name)
	if err != nil {
		return taskdef.TaskDefinition{}, err
	}

	if len(containers) > 0 {
		family, revision, err := parseTaskDefinitionID(containers[0].Labels[LabelTaskDefinition])
		if err != nil {
			return taskdef.TaskDefinition{}, err
		}
		td, err := d.tds.GetTaskDefinition(ctx, family, revision)
		if err != nil {
			return taskdef.TaskDefinition{}, err
		}
		return *td, nil
	}

	family := svc.Outputs[platform.OutputFamily]
	if family == "" {
		return taskdef.TaskDefinition{}, fmt.Errorf("%w: %s", platform.ErrServiceNotFound, name)
	}
	td, err := d.tds.LatestTaskDefinition(ctx, family)
	if err != nil {
		return taskdef.TaskDefinition{}, err
	}
	return *td, nil
}

// RegisterTaskDefinition implements platform.Runtime.
func (d *Docker) RegisterTaskDefinition(ctx context.Context, td taskdef.TaskDefinition) (taskdef.TaskDefinition, error) {
	return d.tds.RegisterTaskDefinition(ctx, td)
}

// UpdateService starts replicas running td next to the current ones. The
// replica count and published port are kept. The old replicas are removed by
// WaitForRollout once the new ones are healthy.
func (d *Docker) UpdateService(ctx context.Context, svc platform.Handle, td taskdef.TaskDefinition) error {
	ref, err := d.serviceFromHandle(ctx, svc)
	if err != nil {
		return err
	}
	previous, err := d.CurrentTaskDefinition(ctx, svc)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.previous[ref.name] = previous
	d.mu.Unlock()

	if err := d.startRevision(ctx, ref, td); err != nil {
		return d.restore(ctx, ref, td, err)
	}
	return nil
}

// WaitForRollout polls until every replica of td runs, then retires the
// replicas of other revisions. If td fails or the wait times out, td's
// containers are removed and the previous revision is brought back.
func (d *Docker) WaitForRollout(ctx context.Context, svc platform.Handle, td taskdef.TaskDefinition, timeout time.Duration) error {
	ref, err := d.serviceFromHandle(ctx, svc)
	if err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		done, err := d.rolloutComplete(waitCtx, ref, td)
		if err != nil {
			return d.restore(context.WithoutCancel(ctx), ref, td, err)
		}
		if done {
			break
		}

		select {
		case <-waitCtx.Done():
			err := fmt.Errorf("%w: %s after %s", platform.ErrRolloutTimeout, ref.name, timeout)
			return d.restore(context.WithoutCancel(ctx), ref, td, err)
		case <-time.After(d.opts.PollInterval):
		}
	}

	d.mu.Lock()
	delete(d.previous, ref.name)
	d.mu.Unlock()
	return d.retire(ctx, ref, td)
}

// rolloutComplete reports whether all of td's containers run. A container
// that exited or turned unhealthy fails the rollout.
func (d *Docker) rolloutComplete(ctx context.Context, svc serviceRef, td taskdef.TaskDefinition) (bool, error) {
	containers, err := d.serviceContainers(ctx, svc.name)
	if err != nil {
		return false, err
	}

	running := 0
	for _, c := range containers {
		if c.Labels[LabelTaskDefinition] != td.ID {
			continue
		}
		info, err := d.client.InspectContainer(ctx, c.ID)
		if err != nil {
			return false, err
		}
		switch info.Status {
		case ContainerStatusExited, ContainerStatusDead:
			logs, _ := d.client.ContainerLogs(ctx, c.ID, 20)
			return false, fmt.Errorf("%w: container %s exited with code %d: %s",
				platform.ErrRolloutFailed, info.Name, info.ExitCode, strings.TrimSpace(logs))
		case ContainerStatusRunning:
			if info.Health == "unhealthy" {
				return false, fmt.Errorf("%w: container %s is unhealthy", platform.ErrRolloutFailed, info.Name)
			}
			if info.Health != "starting" {
				running++
			}
		}
	}
	return running >= svc.desired*len(td.Containers), nil
}

// restore removes td's containers, starts the revision UpdateService
// replaced where its replicas are gone and returns cause.
func (d *Docker) restore(ctx context.Context, svc serviceRef, td taskdef.TaskDefinition, cause error) error {
	d.mu.Lock()
	previous, ok := d.previous[svc.name]
	delete(d.previous, svc.name)
	d.mu.Unlock()
	if !ok || previous.ID == td.ID {
		return cause
	}

	logger := d.logger.With("service", svc.name, "failed", td.ID, "restored", previous.ID)
	if err := d.removeRevision(ctx, svc.name, td.ID); err != nil {
		logger.Error("failed to remove failed replicas", "error", err)
		return fmt.Errorf("%w (restoring %s: %v)", cause, previous.ID, err)
	}
	if err := d.startRevision(ctx, svc, previous); err != nil {
		logger.Error("failed to restore previous replicas", "error", err)
		return fmt.Errorf("%w (restoring %s: %v)", cause, previous.ID, err)
	}
	logger.Warn("rollout failed, restored previous task definition")
	return cause
}

// Credentials implements platform.RegistryAuth.
func (d *Docker) Credentials(ctx context.Context, registry platform.Handle) (platform.Credentials, error) {
	return platform.Credentials{
		Host:     d.opts.RegistryHost,
		Username: d.opts.RegistryUsername,
		Password: d.opts.RegistryPassword,
	}, nil
}

// =============================================================================
// Replicas
// =============================================================================

type serviceRef struct {
	stack         string
	name          string
	network       string
	containerName string
	desired       int
	publish       int // host port on replica 0, 0 for none
}

func (d *Docker) serviceFromHandle(ctx context.Context, svc platform.Handle) (serviceRef, error) {
	name := svc.Outputs[platform.OutputName]
	if name == "" {
		return serviceRef{}, fmt.Errorf("%w: %s", platform.ErrServiceNotFound, svc.ID)
	}
	desired, err := strconv.Atoi(svc.Outputs[outputDesiredCount])
	if err != nil {
		return serviceRef{}, fmt.Errorf("%w: %s has no desired count", platform.ErrServiceNotFound, name)
	}
	containers, err := d.serviceContainers(ctx, name)
	if err != nil {
		return serviceRef{}, err
	}
	stack := ""
	if len(containers) > 0 {
		stack = containers[0].Labels[LabelStack]
	}
	return serviceRef{
		stack:         stack,
		name:          name,
		network:       svc.Outputs[platform.OutputNetwork],
		containerName: svc.Outputs[platform.OutputContainerName],
		desired:       desired,
		publish:       publishedPort(containers),
	}, nil
}

func (d *Docker) republish(ctx context.Context, svc platform.Handle, port int) error {
	ref, err := d.serviceFromHandle(ctx, svc)
	if err != nil {
		return err
	}
	ref.publish = port
	td, err := d.CurrentTaskDefinition(ctx, svc)
	if err != nil {
		return err
	}
	return d.rollOut(ctx, ref, td)
}

// rollOut runs the service on td without waiting for health: td's replicas
// are started, then every other container of the service is removed.
func (d *Docker) rollOut(ctx context.Context, svc serviceRef, td taskdef.TaskDefinition) error {
	if err := d.startRevision(ctx, svc, td); err != nil {
		return err
	}
	return d.retire(ctx, svc, td)
}

// startRevision starts td's replicas next to the service's running
// containers. Replicas already running td with the expected published port
// are left alone. An old container is removed first only when it clashes with
// a new one: the same name, or the published host port on replica 0.
func (d *Docker) startRevision(ctx context.Context, svc serviceRef, td taskdef.TaskDefinition) error {
	if err := d.ensureImages(ctx, td); err != nil {
		return err
	}

	existing, err := d.serviceContainers(ctx, svc.name)
	if err != nil {
		return err
	}
	byReplica := make(map[int][]ContainerInfo)
	for _, c := range existing {
		i, _ := strconv.Atoi(c.Labels[LabelReplica])
		byReplica[i] = append(byReplica[i], c)
	}

	logger := d.logger.With("service", svc.name, "task_definition", td.ID)
	for i := 0; i < svc.desired; i++ {
		specs := make([]ContainerSpec, 0, len(td.Containers))
		for _, c := range td.Containers {
			specs = append(specs, d.containerSpec(svc, td, c, i))
		}
		if replicaCurrent(byReplica[i], td, specs) {
			continue
		}

		for _, old := range byReplica[i] {
			if !clashes(old, specs) {
				continue
			}
			if err := d.remove(ctx, old.ID); err != nil {
				return err
			}
		}

		for _, spec := range specs {
			id, err := d.client.CreateContainer(ctx, spec)
			if err != nil {
				return err
			}
			if err := d.client.StartContainer(ctx, id); err != nil {
				return err
			}
		}
		logger.Info("replica started", "replica", i)
	}
	return nil
}

// retire removes the service's containers that do not run td, and td's
// replicas above the desired count.
func (d *Docker) retire(ctx context.Context, svc serviceRef, td taskdef.TaskDefinition) error {
	containers, err := d.serviceContainers(ctx, svc.name)
	if err != nil {
		return err
	}
	for _, c := range containers {
		replica, _ := strconv.Atoi(c.Labels[LabelReplica])
		if c.Labels[LabelTaskDefinition] == td.ID && replica < svc.desired {
			continue
		}
		if err := d.remove(ctx, c.ID); err != nil {
			return err
		}
	}
	return nil
}

func (d *Docker) removeRevision(ctx context.Context, name, tdID string) error {
	containers, err := d.serviceContainers(ctx, name)
	if err != nil {
		return err
	}
	for _, c := range containers {
		if c.Labels[LabelTaskDefinition] != tdID {
			continue
		}
		if err := d.remove(ctx, c.ID); err != nil {
			return err
		}
	}
	return nil
}

// replicaCurrent reports whether a replica's containers are exactly the
// running containers specs would create.
func replicaCurrent(containers []ContainerInfo, td taskdef.TaskDefinition, specs []ContainerSpec) bool {
	matched := 0
	for _, c := range containers {
		if c.Labels[LabelTaskDefinition] != td.ID {
			continue
		}
		if c.Status != ContainerStatusRunning {
			return false
		}
		for _, spec := range specs {
			if c.Name == spec.Name && c.Labels[LabelPublish] == spec.Labels[LabelPublish] {
				matched++
			}
		}
	}
	return matched == len(specs)
}

func clashes(old ContainerInfo, specs []ContainerSpec) bool {
	for _, spec := range specs {
		if old.Name == spec.Name {
			return true
		}
		if old.Labels[LabelPublish] != "" && spec.Labels[LabelPublish] == old.Labels[LabelPublish] {
			return true
		}
	}
	return false
}

func (d *Docker) containerSpec(svc serviceRef, td taskdef.TaskDefinition, c taskdef.ContainerDefinition, replica int) ContainerSpec {
	name := fmt.Sprintf("%s-r%d-%d", svc.name, td.Revision, replica)
	if c.Name != svc.containerName {
		name += "-" + c.Name
	}

	labels := map[string]string{
		LabelManaged:        "true",
		LabelStack:          svc.stack,
		LabelService:        svc.name,
		LabelTaskDefinition: td.ID,
		LabelReplica:        strconv.Itoa(replica),
	}

	spec := ContainerSpec{
		Name:          name,
		Image:         c.Image,
		Env:           c.Environment,
		Labels:        labels,
		RestartPolicy: RestartPolicy{Name: "on-failure", MaximumRetryCount: 3},
		Resources: ResourceLimits{
			CPULimit:    float64(c.CPU) / 1024,
			MemoryLimit: int64(c.MemoryMiB) * 1024 * 1024,
		},
	}
	if svc.network != "" {
		spec.Networks = []string{svc.network}
		if c.Name == svc.containerName {
			spec.NetworkAliases = map[string][]string{svc.network: {svc.name}}
		}
	}
	if replica == 0 && svc.publish > 0 && c.Name == svc.containerName && c.ContainerPort > 0 {
		labels[LabelPublish] = strconv.Itoa(svc.publish)
		spec.Ports = []PortBinding{{ContainerPort: c.ContainerPort, HostPort: svc.publish}}
	}
	return spec
}

func (d *Docker) ensureImages(ctx context.Context, td taskdef.TaskDefinition) error {
	for _, c := range td.Containers {
		exists, err := d.client.ImageExists(ctx, c.Image)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		opts := PullOptions{}
		if strings.HasPrefix(c.Image, d.opts.RegistryHost+"/") {
			opts.Username = d.opts.RegistryUsername
			opts.Password = d.opts.RegistryPassword
			opts.ServerAddress = d.opts.RegistryHost
		}
		if err := d.client.PullImage(ctx, c.Image, opts); err != nil {
			return err
		}
	}
	return nil
}

func (d *Docker) serviceContainers(ctx context.Context, name string) ([]ContainerInfo, error) {
	containers, err := d.client.ListContainers(ctx, ListOptions{
		All:    true,
		Labels: map[string]string{LabelService: name},
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(containers, func(i, j int) bool {
		return containers[i].Labels[LabelReplica] < containers[j].Labels[LabelReplica]
	})
	return containers, nil
}

func (d *Docker) remove(ctx context.Context, id string) error {
	timeout := d.opts.StopTimeout
	if err := d.client.StopContainer(ctx, id, &timeout); err != nil && !errors.Is(err, ErrContainerNotFound) {
		d.logger.Warn("failed to stop container", "container", id, "error", err)
	}
	err := d.client.RemoveContainer(ctx, id, RemoveOptions{Force: true})
	if err != nil && !errors.Is(err, ErrContainerNotFound) {
		return err
	}
	return nil
}

func publishedPort(containers []ContainerInfo) int {
	for _, c := range containers {
		if p, err := strconv.Atoi(c.Labels[LabelPublish]); err == nil && p > 0 {
			return p
		}
	}
	return 0
}

func parseTaskDefinitionID(id string) (string, int, error) {
	i := strings.LastIndex(id, ":")
	if i <= 0 {
		return "", 0, fmt.Errorf("invalid task definition id %q", id)
	}
	revision, err := strconv.Atoi(id[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("invalid task definition id %q", id)
	}
	return id[:i], revision, nil
}
