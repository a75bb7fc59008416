// Package buildspec models the build script of a pipeline and the image
// manifest the script emits.
//
// A Spec is a list of command templates grouped by phase. Render turns it into
// an ordered list of shell steps for one run; the build executor runs them and
// stops at the first non-zero exit.
package buildspec

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// DefaultManifestFile is the file name the build script writes the image
// definitions to, relative to the source directory.
const DefaultManifestFile = "imagedefinitions.json"

// Phase names, in execution order.
const (
	PhaseInstall   = "install"
	PhasePreBuild  = "pre_build"
	PhaseBuild     = "build"
	PhasePostBuild = "post_build"
)

var (
	ErrEmptyScript    = errors.New("build script has no commands")
	ErrInvalidCommand = errors.New("invalid command template")
	ErrMissingVar     = errors.New("required build variable is missing")
)

// =============================================================================
// Script Model
// =============================================================================

// Phases holds the command templates of each phase.
type Phases struct {
	Install   []string `json:"install,omitempty" yaml:"install,omitempty" toml:"install,omitempty"`
	PreBuild  []string `json:"pre_build,omitempty" yaml:"pre_build,omitempty" toml:"pre_build,omitempty"`
	Build     []string `json:"build,omitempty" yaml:"build,omitempty" toml:"build,omitempty"`
	PostBuild []string `json:"post_build,omitempty" yaml:"post_build,omitempty" toml:"post_build,omitempty"`
}

// Empty reports whether no phase has a command.
func (p Phases) Empty() bool {
	return len(p.Install)+len(p.PreBuild)+len(p.Build)+len(p.PostBuild) == 0
}

// Spec is a build script.
type Spec struct {
	Env          map[string]string `json:"env,omitempty" yaml:"env,omitempty" toml:"env,omitempty"`
	Phases       Phases            `json:"phases" yaml:"phases" toml:"phases"`
	ManifestFile string            `json:"manifest_file,omitempty" yaml:"manifest_file,omitempty" toml:"manifest_file,omitempty"`
	Privileged   bool              `json:"privileged,omitempty" yaml:"privileged,omitempty" toml:"privileged,omitempty"`
}

// Step is one rendered shell command.
type Step struct {
	Index   int    `json:"index"` // 1-based
	Phase   string `json:"phase"`
	Command string `json:"command"`
}

// Vars are the values available to command templates. Every command also runs
// with REPOSITORY_URI, IMAGE_URI, IMAGE_TAG and Spec.Env exported.
type Vars struct {
	RepositoryURI string
	RegistryHost  string
	ImageURI      string
	ImageTag      string
	Revision      string
	Branch        string
	ContainerName string
	ManifestFile  string
}

// DefaultSpec logs in to the registry, builds and tags the image, pushes it
// and writes the single-entry manifest naming the container.
func DefaultSpec() Spec {
	return Spec{
		ManifestFile: DefaultManifestFile,
		Privileged:   true,
		Phases: Phases{
			PreBuild: []string{
				`printf '%s' "$REGISTRY_PASSWORD" | docker login --username "$REGISTRY_USERNAME" --password-stdin {{ .RegistryHost }}`,
			},
			Build: []string{
				`docker build -t {{ .RepositoryURI }}:latest .`,
				`docker tag {{ .RepositoryURI }}:latest {{ .ImageURI }}`,
			},
			PostBuild: []string{
				`docker push {{ .ImageURI }}`,
				`printf '[{"name":"%s","imageUri":"%s"}]' {{ .ContainerName | squote }} {{ .ImageURI | squote }} > {{ .ManifestFile }}`,
			},
		},
	}
}

// WithDefaults fills an empty script with DefaultSpec's phases and sets the
// manifest file name when missing. Env and Privileged are preserved.
func (s Spec) WithDefaults() Spec {
	def := DefaultSpec()
	if s.Phases.Empty() {
		s.Phases = def.Phases
		s.Privileged = s.Privileged || def.Privileged
	}
	if s.ManifestFile == "" {
		s.ManifestFile = DefaultManifestFile
	}
	return s
}

// Validate parses every command template without executing it.
func (s Spec) Validate() error {
	for _, c := range s.commands() {
		if _, err := parse(c.Command); err != nil {
			return fmt.Errorf("%w: %s step %d: %v", ErrInvalidCommand, c.Phase, c.Index, err)
		}
	}
	if strings.ContainsAny(s.ManifestFile, "\n\x00") {
		return fmt.Errorf("%w: manifest file %q", ErrInvalidCommand, s.ManifestFile)
	}
	return nil
}

// =============================================================================
// Rendering
// =============================================================================

// Render expands the command templates with vars. Steps are numbered from 1
// across all phases in execution order.
//
//	steps, _ := Render(DefaultSpec(), Vars{RepositoryURI: "registry/app", ImageTag: "abc123", ...})
//	// steps[2].Command == "docker tag registry/app:latest registry/app:abc123"
func Render(spec Spec, vars Vars) ([]Step, error) {
	spec = spec.WithDefaults()
	if vars.ManifestFile == "" {
		vars.ManifestFile = spec.ManifestFile
	}
	if vars.ImageURI == "" && vars.RepositoryURI != "" {
		vars.ImageURI = ImageURI(vars.RepositoryURI, vars.ImageTag)
	}
	if vars.RegistryHost == "" {
		vars.RegistryHost = RegistryHost(vars.RepositoryURI)
	}
	if err := vars.validate(); err != nil {
		return nil, err
	}

	commands := spec.commands()
	if len(commands) == 0 {
		return nil, ErrEmptyScript
	}

	steps := make([]Step, 0, len(commands))
	for _, c := range commands {
		tmpl, err := parse(c.Command)
		if err != nil {
			return nil, fmt.Errorf("%w: %s step %d: %v", ErrInvalidCommand, c.Phase, c.Index, err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, vars); err != nil {
			return nil, fmt.Errorf("%w: %s step %d: %v", ErrInvalidCommand, c.Phase, c.Index, err)
		}
		steps = append(steps, Step{Index: c.Index, Phase: c.Phase, Command: buf.String()})
	}
	return steps, nil
}

// Environment returns the variables exported to every step, sorted as
// KEY=value pairs. Spec Env entries override the built-in ones.
func Environment(spec Spec, vars Vars) []string {
	env := map[string]string{
		"REPOSITORY_URI": vars.RepositoryURI,
		"IMAGE_URI":      vars.ImageURI,
		"IMAGE_TAG":      vars.ImageTag,
		"CONTAINER_NAME": vars.ContainerName,
		"SOURCE_BRANCH":  vars.Branch,
		"SOURCE_VERSION": vars.Revision,
	}
	for k, v := range spec.Env {
		env[k] = v
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// ImageURI joins a repository URI and tag. An empty tag means "latest".
func ImageURI(repositoryURI, tag string) string {
	if tag == "" {
		tag = "latest"
	}
	return repositoryURI + ":" + tag
}

// RegistryHost returns the host part of a repository URI, or "" for images
// on the default registry.
func RegistryHost(repositoryURI string) string {
	first, _, found := strings.Cut(repositoryURI, "/")
	if !found {
		return ""
	}
	if strings.ContainsAny(first, ".:") || first == "localhost" {
		return first
	}
	return ""
}

func (v Vars) validate() error {
	switch {
	case v.RepositoryURI == "":
		return fmt.Errorf("%w: repository uri", ErrMissingVar)
	case v.ImageTag == "":
		return fmt.Errorf("%w: image tag", ErrMissingVar)
	case v.ContainerName == "":
		return fmt.Errorf("%w: container name", ErrMissingVar)
	}
	return nil
}

func (s Spec) commands() []Step {
	var out []Step
	add := func(phase string, cmds []string) {
		for _, c := range cmds {
			out = append(out, Step{Index: len(out) + 1, Phase: phase, Command: c})
		}
	}
	add(PhaseInstall, s.Phases.Install)
	add(PhasePreBuild, s.Phases.PreBuild)
	add(PhaseBuild, s.Phases.Build)
	add(PhasePostBuild, s.Phases.PostBuild)
	return out
}

func parse(command string) (*template.Template, error) {
	return template.New("step").Option("missingkey=error").Funcs(sprig.TxtFuncMap()).Parse(command)
}
