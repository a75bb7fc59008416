package taskdef

import (
	"testing"

	"github.com/artpar/stackpipe/internal/core/buildspec"
	"github.com/artpar/stackpipe/internal/core/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func demoTaskDefinition() TaskDefinition {
	return TaskDefinition{
		ID:        "arn:aws:ecs:us-east-1:1:task-definition/T:4",
		Family:    "T",
		Revision:  4,
		CPU:       256,
		MemoryMiB: 512,
		Containers: []ContainerDefinition{{
			Name:          "app",
			Image:         "registry/app:old",
			MemoryMiB:     512,
			CPU:           256,
			ContainerPort: 8080,
			Environment:   map[string]string{"MODE": "prod"},
			Essential:     true,
		}},
	}
}

// =============================================================================
// ApplyImages Tests
// =============================================================================

func TestApplyImages_SubstitutesOnlyImage(t *testing.T) {
	current := demoTaskDefinition()

	next, err := ApplyImages(current, buildspec.ImageDefinition{Name: "app", ImageURI: "registry/app:abc123"})
	require.NoError(t, err)

	c, ok := next.Container("app")
	require.True(t, ok)
	assert.Equal(t, "registry/app:abc123", c.Image)
	assert.Equal(t, "app", c.Name)
	assert.Equal(t, 8080, c.ContainerPort)
	assert.Equal(t, 512, c.MemoryMiB)
	assert.Equal(t, map[string]string{"MODE": "prod"}, c.Environment)

	assert.Empty(t, next.ID)
	assert.Zero(t, next.Revision)
	assert.Equal(t, "T", next.Family)
}

func TestApplyImages_DoesNotMutateInput(t *testing.T) {
	current := demoTaskDefinition()

	next, err := ApplyImages(current, buildspec.ImageDefinition{Name: "app", ImageURI: "registry/app:new"})
	require.NoError(t, err)
	next.Containers[0].Environment["MODE"] = "dev"

	assert.Equal(t, "registry/app:old", current.Containers[0].Image)
	assert.Equal(t, "prod", current.Containers[0].Environment["MODE"])
	assert.Equal(t, 4, current.Revision)
}

func TestApplyImages_UnknownContainer(t *testing.T) {
	_, err := ApplyImages(demoTaskDefinition(), buildspec.ImageDefinition{Name: "DemoServiceContainer", ImageURI: "x"})
	assert.ErrorIs(t, err, ErrContainerNotFound)
	assert.Contains(t, err.Error(), "[app]")
}

func TestApplyImages_NoContainers(t *testing.T) {
	_, err := ApplyImages(TaskDefinition{Family: "empty"}, buildspec.ImageDefinition{Name: "app", ImageURI: "x"})
	assert.ErrorIs(t, err, ErrNoContainers)
}

func TestApplyImages_SidecarsUntouched(t *testing.T) {
	current := demoTaskDefinition()
	current.Containers = append(current.Containers, ContainerDefinition{Name: "proxy", Image: "envoy:1.30"})

	next, err := ApplyImages(current, buildspec.ImageDefinition{Name: "app", ImageURI: "registry/app:v2"})
	require.NoError(t, err)

	proxy, _ := next.Container("proxy")
	assert.Equal(t, "envoy:1.30", proxy.Image)
}

// =============================================================================
// FromConfig Tests
// =============================================================================

func TestFromConfig_RegistryImage(t *testing.T) {
	cfg := resource.TaskDefinitionConfig{
		Family:        "T",
		ContainerName: "app",
		Registry:      "R",
		ImageTag:      "latest",
		MemoryMiB:     512,
		CPU:           256,
		ContainerPort: 8080,
	}
	td := FromConfig(cfg, "registry/app")

	require.Len(t, td.Containers, 1)
	assert.Equal(t, "registry/app:latest", td.Containers[0].Image)
	assert.Equal(t, 8080, td.Containers[0].ContainerPort)
	assert.True(t, td.Containers[0].Essential)
	assert.Equal(t, 512, td.MemoryMiB)
}

func TestFromConfig_ExplicitImage(t *testing.T) {
	cfg := resource.TaskDefinitionConfig{Family: "T", ContainerName: "web", Image: "nginx:1.27"}
	td := FromConfig(cfg, "")
	assert.Equal(t, "nginx:1.27", td.Containers[0].Image)
}
