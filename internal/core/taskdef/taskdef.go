// Package taskdef models container task definitions and the pure image
// substitution the deploy action applies to them.
package taskdef

import (
	"errors"
	"fmt"
	"sort"

	"github.com/artpar/stackpipe/internal/core/buildspec"
	"github.com/artpar/stackpipe/internal/core/resource"
)

var (
	ErrContainerNotFound = errors.New("container not found in task definition")
	ErrNoContainers      = errors.New("task definition has no containers")
)

// ContainerDefinition is one container of a task definition.
type ContainerDefinition struct {
	Name          string            `json:"name"`
	Image         string            `json:"image"`
	MemoryMiB     int               `json:"memory"`
	CPU           int               `json:"cpu,omitempty"`
	ContainerPort int               `json:"container_port"`
	Environment   map[string]string `json:"environment,omitempty"`
	Essential     bool              `json:"essential"`
}

// TaskDefinition is one registered revision of a task family. ID is the
// platform's identifier for the revision (an ARN on ECS).
type TaskDefinition struct {
	ID         string                `json:"id"`
	Family     string                `json:"family"`
	Revision   int                   `json:"revision"`
	CPU        int                   `json:"cpu"`
	MemoryMiB  int                   `json:"memory"`
	Containers []ContainerDefinition `json:"containers"`
}

// FromConfig builds the first revision of a task definition from its
// descriptor config. The image comes from the registry URI when the config
// names a registry, otherwise from the config's image.
func FromConfig(cfg resource.TaskDefinitionConfig, repositoryURI string) TaskDefinition {
	image := cfg.Image
	if cfg.Registry != "" && repositoryURI != "" {
		image = buildspec.ImageURI(repositoryURI, cfg.ImageTag)
	}

	env := make(map[string]string, len(cfg.Environment))
	for k, v := range cfg.Environment {
		env[k] = v
	}

	return TaskDefinition{
		Family:    cfg.Family,
		CPU:       cfg.CPU,
		MemoryMiB: cfg.MemoryMiB,
		Containers: []ContainerDefinition{{
			Name:          cfg.ContainerName,
			Image:         image,
			MemoryMiB:     cfg.MemoryMiB,
			CPU:           cfg.CPU,
			ContainerPort: cfg.ContainerPort,
			Environment:   env,
			Essential:     true,
		}},
	}
}

// Container returns the named container.
func (t TaskDefinition) Container(name string) (ContainerDefinition, bool) {
	for _, c := range t.Containers {
		if c.Name == name {
			return c, true
		}
	}
	return ContainerDefinition{}, false
}

// ContainerNames returns the sorted container names.
func (t TaskDefinition) ContainerNames() []string {
	names := make([]string, len(t.Containers))
	for i, c := range t.Containers {
		names[i] = c.Name
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy.
func (t TaskDefinition) Clone() TaskDefinition {
	c := t
	c.Containers = make([]ContainerDefinition, len(t.Containers))
	for i, container := range t.Containers {
		env := make(map[string]string, len(container.Environment))
		for k, v := range container.Environment {
			env[k] = v
		}
		container.Environment = env
		c.Containers[i] = container
	}
	return c
}

// ApplyImages returns a new task definition in which every container named in
// defs runs the given image. Everything else, including container names and
// ports, is copied unchanged. The result has no ID and no revision: it is
// registered as a new revision by the runtime.
//
// The input is never modified.
func ApplyImages(current TaskDefinition, defs ...buildspec.ImageDefinition) (TaskDefinition, error) {
	if len(current.Containers) == 0 {
		return TaskDefinition{}, ErrNoContainers
	}

	next := current.Clone()
	next.ID = ""
	next.Revision = 0

	for _, def := range defs {
		found := false
		for i := range next.Containers {
			if next.Containers[i].Name == def.Name {
				next.Containers[i].Image = def.ImageURI
				found = true
			}
		}
		if !found {
			return TaskDefinition{}, fmt.Errorf("%w: %q (family %s has %v)",
				ErrContainerNotFound, def.Name, current.Family, current.ContainerNames())
		}
	}
	return next, nil
}
