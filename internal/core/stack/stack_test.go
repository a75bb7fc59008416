package stack

import (
	"strings"
	"testing"

	"github.com/artpar/stackpipe/internal/core/graph"
	"github.com/artpar/stackpipe/internal/core/pipeline"
	"github.com/artpar/stackpipe/internal/core/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const demoYAML = `
name: demo
resources:
  - id: N
    kind: Network
    config:
      max_azs: 3
  - id: C
    kind: Cluster
    config:
      network: N
  - id: R
    kind: Registry
  - id: T
    kind: TaskDefinition
    config:
      registry: R
      container_name: app
      container_port: 8080
  - id: S
    kind: Service
    config:
      cluster: C
      task_definition: T
      desired_count: 1
  - id: L
    kind: LoadBalancer
    config:
      network: N
      internet_facing: true
  - id: Listener
    kind: Listener
    config:
      load_balancer: L
      port: 80
      target: S
pipelines:
  - id: web
    source:
      repository: acme/web
      branch: main
      token_secret: github-token
    build:
      registry: R
      container_name: app
    deploy:
      service: S
outputs:
  - name: url
    resource: L
    key: dns_name
`

const demoTOML = `
name = "demo"

[[resources]]
id = "N"
kind = "network"

[[resources]]
id = "C"
kind = "cluster"
[resources.config]
network = "N"

[[resources]]
id = "R"
kind = "registry"

[[resources]]
id = "T"
kind = "task_definition"
[resources.config]
registry = "R"
container_name = "app"

[[resources]]
id = "S"
kind = "service"
[resources.config]
cluster = "C"
task_definition = "T"

[[pipelines]]
id = "web"
on_conflict = "reject"
[pipelines.source]
repository = "acme/web"
branch = "main"
[pipelines.build]
registry = "R"
container_name = "app"
[pipelines.deploy]
service = "S"
`

const demoHCL = `
name = "demo"

resource "network" "N" {
  max_azs = 2
}

resource "cluster" "C" {
  network = "N"
}

resource "registry" "R" {}

resource "task_definition" "T" {
  registry       = "R"
  container_name = "app"
  memory         = 1024
  environment = {
    MODE = "prod"
  }
}

resource "service" "S" {
  cluster         = "C"
  task_definition = "T"
  desired_count   = 2
  depends_on      = ["R"]
}

pipeline "web" {
  source = {
    repository = "acme/web"
    branch     = "main"
  }
  build = {
    registry       = "R"
    container_name = "app"
  }
  deploy = {
    service = "S"
  }
}

output "cluster" {
  resource = "C"
  key      = "name"
}
`

// =============================================================================
// Parse Tests
// =============================================================================

func TestParse_YAML(t *testing.T) {
	s, err := Parse("stack.yaml", []byte(demoYAML))
	require.NoError(t, err)

	assert.Equal(t, "demo", s.Name)
	require.Len(t, s.Resources, 7)
	assert.Equal(t, resource.KindTaskDefinition, s.Resources[3].Kind)

	order, err := graph.Plan(s.Resources)
	require.NoError(t, err)
	assert.Len(t, order, 7)

	p, ok := s.Pipeline("web")
	require.True(t, ok)
	assert.Equal(t, "github-token", p.Source.TokenSecret)
	assert.Equal(t, pipeline.ConflictQueue, p.OnConflict)
	assert.Equal(t, pipeline.DefaultStages(), p.Stages)

	require.Len(t, s.Outputs, 1)
	assert.Equal(t, "dns_name", s.Outputs[0].Key)
}

func TestParse_YAMLKeepsBoolLikeIDsAsStrings(t *testing.T) {
	data := `
resources:
  - id: N
    kind: Network
  - id: y
    kind: Registry
  - id: off
    kind: Cluster
    config:
      network: N
  - id: no
    kind: Registry
    depends_on: [y]
`
	s, err := Parse("stack.yaml", []byte(data))
	require.NoError(t, err)

	ids := make([]string, 0, len(s.Resources))
	for _, d := range s.Resources {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"N", "y", "off", "no"}, ids)
	assert.Equal(t, []string{"y"}, s.Resources[3].DependsOn)

	order, err := graph.Plan(s.Resources)
	require.NoError(t, err)
	assert.Len(t, order, 4)
}

func TestParse_JSON(t *testing.T) {
	data := `{"resources":[{"id":"R","kind":"Registry","config":{"name":"app"}}]}`
	s, err := Parse("stack.json", []byte(data))
	require.NoError(t, err)
	assert.Equal(t, resource.KindRegistry, s.Resources[0].Kind)
}

func TestParse_TOML(t *testing.T) {
	s, err := Parse("stack.toml", []byte(demoTOML))
	require.NoError(t, err)

	require.Len(t, s.Resources, 5)
	assert.Equal(t, resource.KindTaskDefinition, s.Resources[3].Kind)

	p, ok := s.Pipeline("web")
	require.True(t, ok)
	assert.Equal(t, pipeline.ConflictReject, p.OnConflict)
}

func TestParse_HCL(t *testing.T) {
	s, err := Parse("stack.hcl", []byte(demoHCL))
	require.NoError(t, err)

	require.Len(t, s.Resources, 5)

	td, ok := s.Resource("T")
	require.True(t, ok)
	cfg, err := td.Decode()
	require.NoError(t, err)
	tdCfg := cfg.(resource.TaskDefinitionConfig)
	assert.Equal(t, 1024, tdCfg.MemoryMiB)
	assert.Equal(t, map[string]string{"MODE": "prod"}, tdCfg.Environment)

	svc, _ := s.Resource("S")
	assert.Equal(t, []string{"R"}, svc.DependsOn)
	assert.NotContains(t, svc.Config, "depends_on")

	_, ok = s.Pipeline("web")
	assert.True(t, ok)
	assert.Equal(t, "name", s.Outputs[0].Key)
}

func TestParse_UnsupportedFormat(t *testing.T) {
	_, err := Parse("stack.ini", []byte("a=b"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestParse_Empty(t *testing.T) {
	_, err := Parse("stack.yaml", []byte("   \n"))
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestParse_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"unknown top-level key", "resources: []\nextra: 1\n"},
		{"missing resources", "name: x\n"},
		{"resource without kind", "resources:\n  - id: a\n"},
		{"bad id", "resources:\n  - id: 9lives\n    kind: network\n"},
		{"bad conflict policy", strings.Replace(demoYAML, "      service: S\n", "      service: S\n    on_conflict: drop\n", 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("stack.yaml", []byte(tt.data))
			assert.ErrorIs(t, err, ErrSchemaViolation)
		})
	}
}

func TestParse_UnknownKind(t *testing.T) {
	_, err := Parse("stack.yaml", []byte("resources:\n  - id: db\n    kind: Database\n"))
	assert.ErrorIs(t, err, resource.ErrUnknownKind)
}

// =============================================================================
// Validate Tests
// =============================================================================

func TestValidate_Cycle(t *testing.T) {
	data := "resources:\n  - id: a\n    kind: registry\n    depends_on: [b]\n  - id: b\n    kind: registry\n    depends_on: [a]\n"
	_, err := Parse("stack.yaml", []byte(data))

	var cycleErr *graph.CycleError
	assert.ErrorAs(t, err, &cycleErr)
}

func TestValidate_ContainerNameCoupling(t *testing.T) {
	data := strings.Replace(demoYAML, "      registry: R\n      container_name: app\n    deploy:", "      registry: R\n      container_name: DemoServiceContainer\n    deploy:", 1)
	_, err := Parse("stack.yaml", []byte(data))
	assert.ErrorIs(t, err, ErrContainerMismatch)
}

func TestValidate_PipelineReferences(t *testing.T) {
	data := strings.Replace(demoYAML, "      service: S\n", "      service: L\n", 1)
	_, err := Parse("stack.yaml", []byte(data))
	assert.ErrorIs(t, err, ErrUnknownReference)

	data = strings.Replace(demoYAML, "    build:\n      registry: R\n", "    build:\n      registry: T\n", 1)
	_, err = Parse("stack.yaml", []byte(data))
	assert.ErrorIs(t, err, ErrUnknownReference)
}

func TestValidate_DuplicatePipeline(t *testing.T) {
	s, err := Parse("stack.yaml", []byte(demoYAML))
	require.NoError(t, err)
	s.Pipelines = append(s.Pipelines, s.Pipelines[0])
	assert.ErrorIs(t, s.Validate(), ErrDuplicatePipeline)
}

func TestValidate_OutputReference(t *testing.T) {
	s, err := Parse("stack.yaml", []byte(demoYAML))
	require.NoError(t, err)
	s.Outputs = append(s.Outputs, Output{Name: "other", Resource: "ghost", Key: "dns_name"})
	assert.ErrorIs(t, s.Validate(), ErrUnknownReference)
}

// =============================================================================
// Encoding Tests
// =============================================================================

func TestMarshalYAML_RoundTrip(t *testing.T) {
	s, err := Parse("stack.yaml", []byte(demoYAML))
	require.NoError(t, err)

	data, err := MarshalYAML(s)
	require.NoError(t, err)

	again, err := Parse("again.yaml", data)
	require.NoError(t, err)
	assert.Equal(t, len(s.Resources), len(again.Resources))
	assert.Equal(t, s.Pipelines[0].Build.ContainerName, again.Pipelines[0].Build.ContainerName)
}
