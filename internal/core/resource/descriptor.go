package resource

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
)

var idPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,62}$`)

// =============================================================================
// Descriptor
// =============================================================================

// Descriptor is a named, typed declaration of one infrastructure object.
//
// DependsOn lists explicit dependencies. References found in Config (for
// example a cluster's network) are implicit dependencies; Dependencies
// returns the union of both.
type Descriptor struct {
	ID        string         `json:"id" yaml:"id" toml:"id"`
	Kind      Kind           `json:"kind" yaml:"kind" toml:"kind"`
	Config    map[string]any `json:"config,omitempty" yaml:"config,omitempty" toml:"config,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty" toml:"depends_on,omitempty"`
}

// Validate checks the descriptor's identity and decodes its config to make
// sure every kind-specific property is well formed.
func (d Descriptor) Validate() error {
	if d.ID == "" {
		return ErrIDRequired
	}
	if !idPattern.MatchString(d.ID) {
		return NewConfigError(d.ID, "", "id must start with a letter and contain only letters, digits, '-' or '_'", ErrInvalidID)
	}
	if !d.Kind.IsValid() {
		return NewConfigError(d.ID, "kind", string(d.Kind), ErrUnknownKind)
	}
	for _, dep := range d.DependsOn {
		if dep == d.ID {
			return NewConfigError(d.ID, "depends_on", "descriptor lists itself", ErrSelfDependency)
		}
	}
	_, err := d.Decode()
	return err
}

// Decode converts the untyped config map into the kind's typed config with
// defaults applied.
func (d Descriptor) Decode() (Config, error) {
	return DecodeConfig(d.ID, d.Kind, d.Config)
}

// Dependencies returns the sorted, de-duplicated union of explicit
// dependencies and config references.
func (d Descriptor) Dependencies() ([]string, error) {
	cfg, err := d.Decode()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(d.DependsOn))
	var deps []string
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		deps = append(deps, id)
	}
	for _, dep := range d.DependsOn {
		add(dep)
	}
	for _, ref := range cfg.References() {
		add(ref.ID)
	}
	sort.Strings(deps)
	return deps, nil
}

// Hash returns a stable digest of the descriptor's kind, config and explicit
// dependencies. Provisioning uses it to skip descriptors that did not change.
func (d Descriptor) Hash() string {
	deps := append([]string(nil), d.DependsOn...)
	sort.Strings(deps)

	// encoding/json sorts map keys, so the encoding is stable.
	data, _ := json.Marshal(struct {
		Kind      Kind           `json:"kind"`
		Config    map[string]any `json:"config"`
		DependsOn []string       `json:"depends_on"`
	}{d.Kind, d.Config, deps})

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Index builds a lookup table of descriptors by ID. Later duplicates win;
// callers that care about duplicates must check separately.
func Index(descriptors []Descriptor) map[string]Descriptor {
	index := make(map[string]Descriptor, len(descriptors))
	for _, d := range descriptors {
		index[d.ID] = d
	}
	return index
}

// CheckReferenceKinds verifies that every config reference points at a
// descriptor of the expected kind. Missing references are left to the
// dependency planner, which reports them as unresolved.
func CheckReferenceKinds(descriptors []Descriptor) error {
	index := Index(descriptors)
	for _, d := range descriptors {
		cfg, err := d.Decode()
		if err != nil {
			return err
		}
		for _, ref := range cfg.References() {
			target, ok := index[ref.ID]
			if !ok {
				continue
			}
			if target.Kind != ref.Kind {
				return NewConfigError(d.ID, ref.Property,
					fmt.Sprintf("%s is a %s, expected %s", ref.ID, target.Kind, ref.Kind), ErrKindMismatch)
			}
		}
	}
	return nil
}
