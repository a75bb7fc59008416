package stack

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/artpar/stackpipe/internal/core/pipeline"
	"github.com/artpar/stackpipe/internal/core/resource"
)

var invalidIDChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// ComposeOptions controls how a compose project is imported.
type ComposeOptions struct {
	Name string // Stack name; defaults to "compose"
	// Repository and Branch, when set, add a pipeline for the first service
	// that is built from source.
	Repository  string
	Branch      string
	TokenSecret string
}

// FromCompose converts a docker-compose project into a stack: one network,
// one cluster, a task definition and service per compose service, a registry
// per service built from source, and a load balancer with a listener for the
// first service that publishes a port. Compose depends_on becomes service
// dependencies.
func FromCompose(content string, opts ComposeOptions) (*Stack, error) {
	if strings.TrimSpace(content) == "" {
		return nil, NewParseError("", "", "compose file is empty", ErrEmptyInput)
	}
	if opts.Name == "" {
		opts.Name = "compose"
	}

	project, err := loadComposeProject(content, opts.Name)
	if err != nil {
		return nil, err
	}
	if len(project.Services) == 0 {
		return nil, ErrNoComposeServices
	}
	if len(project.Secrets) > 0 {
		return nil, NewParseError("", "secrets", "compose secrets are not supported", ErrUnsupportedCompose)
	}

	s := &Stack{
		Name: opts.Name,
		Resources: []resource.Descriptor{
			{ID: "network", Kind: resource.KindNetwork, Config: map[string]any{"max_azs": resource.DefaultMaxAZs}},
			{ID: "cluster", Kind: resource.KindCluster, Config: map[string]any{"network": "network"}},
		},
	}

	names := make([]string, 0, len(project.Services))
	for name := range project.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	exposed := ""
	exposedPort := 0
	for _, name := range names {
		svc := project.Services[name]
		id := composeID(name)

		td := map[string]any{
			"family":         id,
			"container_name": name,
			"container_port": resource.DefaultContainerPort,
		}
		if svc.Build != nil {
			s.Resources = append(s.Resources, resource.Descriptor{
				ID:     id + "-repo",
				Kind:   resource.KindRegistry,
				Config: map[string]any{"name": strings.ToLower(id)},
			})
			td["registry"] = id + "-repo"
		} else if svc.Image != "" {
			td["image"] = svc.Image
		} else {
			return nil, NewParseError("", "services."+name, "service must have image or build", resource.ErrMissingProperty)
		}

		if len(svc.Ports) > 0 {
			td["container_port"] = int(svc.Ports[0].Target)
			if exposed == "" {
				exposed = id
				exposedPort = publishedPort(svc.Ports[0])
			}
		}
		if env := composeEnvironment(svc.Environment); len(env) > 0 {
			td["environment"] = env
		}
		if svc.Deploy != nil && svc.Deploy.Resources.Limits != nil {
			limits := svc.Deploy.Resources.Limits
			if limits.NanoCPUs > 0 {
				td["cpu"] = int(float64(limits.NanoCPUs) * 1024)
			}
			if limits.MemoryBytes > 0 {
				td["memory"] = int(int64(limits.MemoryBytes) / (1024 * 1024))
			}
		}

		desired := resource.DefaultDesiredCount
		if svc.Deploy != nil && svc.Deploy.Replicas != nil {
			desired = *svc.Deploy.Replicas
		}

		var deps []string
		for dep := range svc.DependsOn {
			deps = append(deps, composeID(dep))
		}
		sort.Strings(deps)

		s.Resources = append(s.Resources,
			resource.Descriptor{ID: id + "-task", Kind: resource.KindTaskDefinition, Config: td},
			resource.Descriptor{
				ID:   id,
				Kind: resource.KindService,
				Config: map[string]any{
					"cluster":         "cluster",
					"task_definition": id + "-task",
					"desired_count":   desired,
				},
				DependsOn: deps,
			},
		)
	}

	if exposed != "" {
		s.Resources = append(s.Resources,
			resource.Descriptor{ID: "lb", Kind: resource.KindLoadBalancer, Config: map[string]any{"network": "network", "internet_facing": true}},
			resource.Descriptor{ID: "listener", Kind: resource.KindListener, Config: map[string]any{
				"load_balancer": "lb",
				"port":          exposedPort,
				"protocol":      resource.DefaultProtocol,
				"target":        exposed,
			}},
		)
		s.Outputs = append(s.Outputs, Output{Name: "url", Resource: "lb", Key: "dns_name", Description: "Load balancer address"})
	}

	if opts.Repository != "" {
		for _, name := range names {
			if project.Services[name].Build == nil {
				continue
			}
			id := composeID(name)
			s.Pipelines = append(s.Pipelines, pipeline.Definition{
				ID:     id,
				Source: pipeline.SourceConfig{Repository: opts.Repository, Branch: branchOrDefault(opts.Branch), TokenSecret: opts.TokenSecret},
				Build:  pipeline.BuildConfig{Registry: id + "-repo", ContainerName: name},
				Deploy: pipeline.DeployConfig{Service: id},
			})
			break
		}
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func loadComposeProject(content, name string) (*types.Project, error) {
	var dict map[string]interface{}
	if err := yamlv3.Unmarshal([]byte(content), &dict); err != nil || dict == nil {
		return nil, NewParseError("", "", "invalid YAML syntax", ErrSchemaViolation)
	}

	project, err := loader.LoadWithContext(context.Background(), types.ConfigDetails{
		ConfigFiles: []types.ConfigFile{
			{
				Content: []byte(content),
				Config:  dict,
			},
		},
	}, func(opts *loader.Options) {
		opts.SetProjectName(name, false)
		opts.SkipNormalization = true
		opts.SkipExtends = true
	})
	if err != nil {
		return nil, NewParseError("", "", err.Error(), ErrSchemaViolation)
	}
	return project, nil
}

func composeID(name string) string {
	id := invalidIDChars.ReplaceAllString(name, "-")
	if id == "" || !(id[0] >= 'a' && id[0] <= 'z' || id[0] >= 'A' && id[0] <= 'Z') {
		id = "svc-" + id
	}
	if len(id) > 50 {
		id = id[:50]
	}
	return id
}

func composeEnvironment(env types.MappingWithEquals) map[string]any {
	out := make(map[string]any, len(env))
	for k, v := range env {
		if v != nil {
			out[k] = *v
		}
	}
	return out
}

func publishedPort(p types.ServicePortConfig) int {
	if p.Published != "" {
		if n, err := strconv.Atoi(p.Published); err == nil && n > 0 && n <= 65535 {
			return n
		}
	}
	return resource.DefaultListenerPort
}

func branchOrDefault(branch string) string {
	if branch == "" {
		return "main"
	}
	return branch
}
