// Package resource defines the declarative description of one infrastructure
// object and its kind-specific configuration.
//
// This package is part of the Functional Core: it only parses and validates
// values. Creating the real object is the job of a platform materializer.
package resource

import (
	"fmt"
	"strings"
)

// =============================================================================
// Kind
// =============================================================================

// Kind identifies the type of infrastructure object a descriptor declares.
type Kind string

const (
	KindNetwork        Kind = "network"
	KindCluster        Kind = "cluster"
	KindRegistry       Kind = "registry"
	KindTaskDefinition Kind = "task_definition"
	KindService        Kind = "service"
	KindLoadBalancer   Kind = "load_balancer"
	KindListener       Kind = "listener"
)

// Kinds returns every supported kind in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindNetwork,
		KindCluster,
		KindRegistry,
		KindTaskDefinition,
		KindService,
		KindLoadBalancer,
		KindListener,
	}
}

// IsValid reports whether k is a supported kind.
func (k Kind) IsValid() bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

// ParseKind accepts the canonical snake_case name as well as the CamelCase
// spelling used in descriptor documentation ("TaskDefinition", "LoadBalancer").
func ParseKind(s string) (Kind, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	switch normalized {
	case "taskdefinition", "task-definition":
		normalized = string(KindTaskDefinition)
	case "loadbalancer", "load-balancer":
		normalized = string(KindLoadBalancer)
	}
	k := Kind(normalized)
	if !k.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}
