// Package stack parses and validates stack files: the resource descriptors,
// pipelines and outputs of one deployment.
//
// Stack files may be written in YAML, JSON, TOML or HCL. Every format is
// converted to the same JSON document, checked against an embedded JSON
// schema and decoded into a Stack. This package performs no I/O; callers pass
// the file name (for the format) and its contents.
package stack

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/santhosh-tekuri/jsonschema/v5"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/artpar/stackpipe/internal/core/graph"
	"github.com/artpar/stackpipe/internal/core/pipeline"
	"github.com/artpar/stackpipe/internal/core/resource"
)

//go:embed schema.json
var schemaJSON []byte

var (
	schemaOnce     sync.Once
	schemaErr      error
	compiledSchema *jsonschema.Schema
)

// =============================================================================
// Types
// =============================================================================

// Output exposes one attribute of a materialized resource to operators,
// e.g. the load balancer's DNS name.
type Output struct {
	Name        string `json:"name" yaml:"name" toml:"name"`
	Resource    string `json:"resource" yaml:"resource" toml:"resource"`
	Key         string `json:"key" yaml:"key" toml:"key"`
	Description string `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
}

// Stack is a parsed stack file.
type Stack struct {
	Name      string                `json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty"`
	Resources []resource.Descriptor `json:"resources" yaml:"resources" toml:"resources"`
	Pipelines []pipeline.Definition `json:"pipelines,omitempty" yaml:"pipelines,omitempty" toml:"pipelines,omitempty"`
	Outputs   []Output              `json:"outputs,omitempty" yaml:"outputs,omitempty" toml:"outputs,omitempty"`
}

// Pipeline returns the pipeline definition with the given ID, defaults applied.
func (s *Stack) Pipeline(id string) (pipeline.Definition, bool) {
	for _, p := range s.Pipelines {
		if p.ID == id {
			return p.WithDefaults(), true
		}
	}
	return pipeline.Definition{}, false
}

// Resource returns the descriptor with the given ID.
func (s *Stack) Resource(id string) (resource.Descriptor, bool) {
	for _, d := range s.Resources {
		if d.ID == id {
			return d, true
		}
	}
	return resource.Descriptor{}, false
}

// =============================================================================
// Parsing
// =============================================================================

// Format is a stack file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatTOML Format = "toml"
	FormatHCL  Format = "hcl"
)

// FormatOf picks the format from a file name's extension.
func FormatOf(filename string) (Format, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".toml":
		return FormatTOML, nil
	case ".hcl":
		return FormatHCL, nil
	default:
		return "", NewParseError(filename, "", "expected .yaml, .yml, .json, .toml or .hcl", ErrUnsupportedFormat)
	}
}

// Parse decodes a stack file and validates it.
func Parse(filename string, data []byte) (*Stack, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, NewParseError(filename, "", "stack file is empty", ErrEmptyInput)
	}
	format, err := FormatOf(filename)
	if err != nil {
		return nil, err
	}

	var jsonData []byte
	switch format {
	case FormatYAML:
		jsonData, err = yamlToJSON(data)
	case FormatJSON:
		jsonData = data
	case FormatTOML:
		jsonData, err = tomlToJSON(data)
	case FormatHCL:
		jsonData, err = hclToJSON(filename, data)
	}
	if err != nil {
		return nil, NewParseError(filename, "", err.Error(), err)
	}

	s, err := decode(filename, jsonData)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return s, nil
}

func decode(filename string, jsonData []byte) (*Stack, error) {
	sch, err := loadSchema()
	if err != nil {
		return nil, fmt.Errorf("load stack schema: %w", err)
	}

	var document any
	dec := json.NewDecoder(bytes.NewReader(jsonData))
	dec.UseNumber()
	if err := dec.Decode(&document); err != nil {
		return nil, NewParseError(filename, "", "invalid document: "+err.Error(), ErrSchemaViolation)
	}
	if err := sch.Validate(document); err != nil {
		return nil, NewParseError(filename, "", err.Error(), ErrSchemaViolation)
	}

	var s Stack
	if err := json.Unmarshal(jsonData, &s); err != nil {
		return nil, NewParseError(filename, "", err.Error(), ErrSchemaViolation)
	}

	for i := range s.Resources {
		kind, err := resource.ParseKind(string(s.Resources[i].Kind))
		if err != nil {
			return nil, NewParseError(filename, fmt.Sprintf("resources[%d].kind", i), err.Error(), err)
		}
		s.Resources[i].Kind = kind
	}
	return &s, nil
}

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("stack.schema.json", bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile("stack.schema.json")
	})
	return compiledSchema, schemaErr
}

// yamlToJSON decodes with YAML 1.2 rules, so unquoted ids such as N, y or
// off stay strings.
func yamlToJSON(data []byte) ([]byte, error) {
	var document any
	if err := yamlv3.Unmarshal(data, &document); err != nil {
		return nil, err
	}
	return json.Marshal(document)
}

func tomlToJSON(data []byte) ([]byte, error) {
	var document map[string]any
	if _, err := toml.Decode(string(data), &document); err != nil {
		return nil, err
	}
	return json.Marshal(document)
}

// =============================================================================
// Validation
// =============================================================================

// Validate checks descriptors, the dependency graph, pipelines and outputs.
//
// A pipeline's build container name must equal the container name of the task
// definition its deploy service runs, otherwise the deploy stage could never
// find the container the build produced an image for.
func (s *Stack) Validate() error {
	for _, d := range s.Resources {
		if err := d.Validate(); err != nil {
			return err
		}
	}
	if err := resource.CheckReferenceKinds(s.Resources); err != nil {
		return err
	}
	if _, err := graph.Plan(s.Resources); err != nil {
		return err
	}

	index := resource.Index(s.Resources)
	seen := make(map[string]bool, len(s.Pipelines))
	for i, p := range s.Pipelines {
		field := fmt.Sprintf("pipelines[%d]", i)
		if seen[p.ID] {
			return NewParseError("", field+".id", p.ID, ErrDuplicatePipeline)
		}
		seen[p.ID] = true

		if err := p.Validate(); err != nil {
			return err
		}
		if err := checkPipelineReferences(index, p, field); err != nil {
			return err
		}
	}

	names := make(map[string]bool, len(s.Outputs))
	for i, o := range s.Outputs {
		field := fmt.Sprintf("outputs[%d]", i)
		if names[o.Name] {
			return NewParseError("", field+".name", o.Name, ErrDuplicateOutput)
		}
		names[o.Name] = true
		if _, ok := index[o.Resource]; !ok {
			return NewParseError("", field+".resource", o.Resource, ErrUnknownReference)
		}
	}
	return nil
}

func checkPipelineReferences(index map[string]resource.Descriptor, p pipeline.Definition, field string) error {
	registry, ok := index[p.Build.Registry]
	if !ok || registry.Kind != resource.KindRegistry {
		return NewParseError("", field+".build.registry", fmt.Sprintf("%q is not a registry", p.Build.Registry), ErrUnknownReference)
	}

	svc, ok := index[p.Deploy.Service]
	if !ok || svc.Kind != resource.KindService {
		return NewParseError("", field+".deploy.service", fmt.Sprintf("%q is not a service", p.Deploy.Service), ErrUnknownReference)
	}
	svcCfg, err := svc.Decode()
	if err != nil {
		return err
	}

	td, ok := index[svcCfg.(resource.ServiceConfig).TaskDefinition]
	if !ok {
		return NewParseError("", field+".deploy.service", "service has no task definition", ErrUnknownReference)
	}
	tdCfg, err := td.Decode()
	if err != nil {
		return err
	}
	container := tdCfg.(resource.TaskDefinitionConfig).ContainerName
	if container != p.Build.ContainerName {
		return NewParseError("", field+".build.container_name",
			fmt.Sprintf("%q does not match container %q of task definition %s", p.Build.ContainerName, container, td.ID),
			ErrContainerMismatch)
	}
	return nil
}

// =============================================================================
// Encoding
// =============================================================================

// MarshalYAML renders a stack as a YAML stack file.
func MarshalYAML(s *Stack) ([]byte, error) {
	var buf bytes.Buffer
	enc := yamlv3.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
