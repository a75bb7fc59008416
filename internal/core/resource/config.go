package resource

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// =============================================================================
// Defaults
// =============================================================================

const (
	DefaultNetworkCIDR   = "10.0.0.0/16"
	DefaultMaxAZs        = 3
	DefaultMemoryMiB     = 512
	DefaultCPU           = 256
	DefaultContainerPort = 8080
	DefaultImageTag      = "latest"
	DefaultDesiredCount  = 1
	DefaultListenerPort  = 80
	DefaultProtocol      = "HTTP"
)

// =============================================================================
// Typed Configs
// =============================================================================

// Reference is a config property that names another descriptor.
type Reference struct {
	Property string
	ID       string
	Kind     Kind // Kind the referenced descriptor must have
}

// Config is the decoded, kind-specific configuration of a descriptor.
type Config interface {
	Kind() Kind
	References() []Reference
}

// NetworkConfig declares an isolated network spread over availability zones.
type NetworkConfig struct {
	CIDR   string `mapstructure:"cidr"`
	MaxAZs int    `mapstructure:"max_azs"`
}

func (NetworkConfig) Kind() Kind              { return KindNetwork }
func (NetworkConfig) References() []Reference { return nil }

// ClusterConfig declares a container cluster bound to a network.
type ClusterConfig struct {
	Network string `mapstructure:"network"`
}

func (ClusterConfig) Kind() Kind { return KindCluster }
func (c ClusterConfig) References() []Reference {
	return []Reference{{Property: "network", ID: c.Network, Kind: KindNetwork}}
}

// RegistryConfig declares a container image repository.
type RegistryConfig struct {
	Name string `mapstructure:"name"`
}

func (RegistryConfig) Kind() Kind              { return KindRegistry }
func (RegistryConfig) References() []Reference { return nil }

// TaskDefinitionConfig declares a single-container task. The image comes from
// Registry (tagged ImageTag) or, when no registry is given, from Image.
type TaskDefinitionConfig struct {
	Family        string            `mapstructure:"family"`
	ContainerName string            `mapstructure:"container_name"`
	Registry      string            `mapstructure:"registry"`
	Image         string            `mapstructure:"image"`
	ImageTag      string            `mapstructure:"image_tag"`
	MemoryMiB     int               `mapstructure:"memory"`
	CPU           int               `mapstructure:"cpu"`
	ContainerPort int               `mapstructure:"container_port"`
	Environment   map[string]string `mapstructure:"environment"`
}

func (TaskDefinitionConfig) Kind() Kind { return KindTaskDefinition }
func (c TaskDefinitionConfig) References() []Reference {
	if c.Registry == "" {
		return nil
	}
	return []Reference{{Property: "registry", ID: c.Registry, Kind: KindRegistry}}
}

// ServiceConfig declares a long-running service on a cluster.
type ServiceConfig struct {
	Cluster        string `mapstructure:"cluster"`
	TaskDefinition string `mapstructure:"task_definition"`
	DesiredCount   int    `mapstructure:"desired_count"`
	AssignPublicIP bool   `mapstructure:"assign_public_ip"`
}

func (ServiceConfig) Kind() Kind { return KindService }
func (c ServiceConfig) References() []Reference {
	return []Reference{
		{Property: "cluster", ID: c.Cluster, Kind: KindCluster},
		{Property: "task_definition", ID: c.TaskDefinition, Kind: KindTaskDefinition},
	}
}

// LoadBalancerConfig declares an application load balancer in a network.
type LoadBalancerConfig struct {
	Network        string `mapstructure:"network"`
	InternetFacing bool   `mapstructure:"internet_facing"`
}

func (LoadBalancerConfig) Kind() Kind { return KindLoadBalancer }
func (c LoadBalancerConfig) References() []Reference {
	return []Reference{{Property: "network", ID: c.Network, Kind: KindNetwork}}
}

// ListenerConfig declares a load balancer listener forwarding to a service.
type ListenerConfig struct {
	LoadBalancer string `mapstructure:"load_balancer"`
	Port         int    `mapstructure:"port"`
	Protocol     string `mapstructure:"protocol"`
	Target       string `mapstructure:"target"`
	TargetPort   int    `mapstructure:"target_port"`
	HealthPath   string `mapstructure:"health_check_path"`
}

func (ListenerConfig) Kind() Kind { return KindListener }
func (c ListenerConfig) References() []Reference {
	return []Reference{
		{Property: "load_balancer", ID: c.LoadBalancer, Kind: KindLoadBalancer},
		{Property: "target", ID: c.Target, Kind: KindService},
	}
}

// =============================================================================
// Decoding
// =============================================================================

// DecodeConfig decodes a raw config map for the given kind, applies defaults
// and validates required properties. Unknown keys are rejected.
func DecodeConfig(id string, kind Kind, raw map[string]any) (Config, error) {
	switch kind {
	case KindNetwork:
		cfg := NetworkConfig{CIDR: DefaultNetworkCIDR, MaxAZs: DefaultMaxAZs}
		if err := decodeInto(id, raw, &cfg); err != nil {
			return nil, err
		}
		if _, err := netip.ParsePrefix(cfg.CIDR); err != nil {
			return nil, NewConfigError(id, "cidr", fmt.Sprintf("invalid CIDR %q", cfg.CIDR), ErrInvalidConfig)
		}
		if cfg.MaxAZs < 1 {
			return nil, NewConfigError(id, "max_azs", "must be at least 1", ErrInvalidConfig)
		}
		return cfg, nil

	case KindCluster:
		var cfg ClusterConfig
		if err := decodeInto(id, raw, &cfg); err != nil {
			return nil, err
		}
		if err := requireProperty(id, "network", cfg.Network); err != nil {
			return nil, err
		}
		return cfg, nil

	case KindRegistry:
		cfg := RegistryConfig{Name: strings.ToLower(id)}
		if err := decodeInto(id, raw, &cfg); err != nil {
			return nil, err
		}
		return cfg, nil

	case KindTaskDefinition:
		cfg := TaskDefinitionConfig{
			Family:        id,
			ImageTag:      DefaultImageTag,
			MemoryMiB:     DefaultMemoryMiB,
			CPU:           DefaultCPU,
			ContainerPort: DefaultContainerPort,
		}
		if err := decodeInto(id, raw, &cfg); err != nil {
			return nil, err
		}
		if err := requireProperty(id, "container_name", cfg.ContainerName); err != nil {
			return nil, err
		}
		if cfg.Registry == "" && cfg.Image == "" {
			return nil, NewConfigError(id, "registry", "either registry or image is required", ErrMissingProperty)
		}
		if cfg.MemoryMiB <= 0 || cfg.CPU <= 0 {
			return nil, NewConfigError(id, "memory", "memory and cpu must be positive", ErrInvalidConfig)
		}
		if cfg.ContainerPort < 1 || cfg.ContainerPort > 65535 {
			return nil, NewConfigError(id, "container_port", "must be between 1 and 65535", ErrInvalidConfig)
		}
		return cfg, nil

	case KindService:
		cfg := ServiceConfig{DesiredCount: DefaultDesiredCount}
		if err := decodeInto(id, raw, &cfg); err != nil {
			return nil, err
		}
		if err := requireProperty(id, "cluster", cfg.Cluster); err != nil {
			return nil, err
		}
		if err := requireProperty(id, "task_definition", cfg.TaskDefinition); err != nil {
			return nil, err
		}
		if cfg.DesiredCount < 0 {
			return nil, NewConfigError(id, "desired_count", "must not be negative", ErrInvalidConfig)
		}
		return cfg, nil

	case KindLoadBalancer:
		var cfg LoadBalancerConfig
		if err := decodeInto(id, raw, &cfg); err != nil {
			return nil, err
		}
		if err := requireProperty(id, "network", cfg.Network); err != nil {
			return nil, err
		}
		return cfg, nil

	case KindListener:
		cfg := ListenerConfig{
			Port:       DefaultListenerPort,
			Protocol:   DefaultProtocol,
			TargetPort: DefaultListenerPort,
			HealthPath: "/",
		}
		if err := decodeInto(id, raw, &cfg); err != nil {
			return nil, err
		}
		if err := requireProperty(id, "load_balancer", cfg.LoadBalancer); err != nil {
			return nil, err
		}
		if err := requireProperty(id, "target", cfg.Target); err != nil {
			return nil, err
		}
		cfg.Protocol = strings.ToUpper(cfg.Protocol)
		if cfg.Protocol != "HTTP" && cfg.Protocol != "HTTPS" {
			return nil, NewConfigError(id, "protocol", "must be HTTP or HTTPS", ErrInvalidConfig)
		}
		if cfg.Port < 1 || cfg.Port > 65535 {
			return nil, NewConfigError(id, "port", "must be between 1 and 65535", ErrInvalidConfig)
		}
		return cfg, nil

	default:
		return nil, NewConfigError(id, "kind", string(kind), ErrUnknownKind)
	}
}

func decodeInto(id string, raw map[string]any, out any) error {
	if len(raw) == 0 {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return NewConfigError(id, "", err.Error(), ErrInvalidConfig)
	}
	if err := decoder.Decode(raw); err != nil {
		return NewConfigError(id, "", err.Error(), ErrInvalidConfig)
	}
	return nil
}

func requireProperty(id, property, value string) error {
	if strings.TrimSpace(value) == "" {
		return NewConfigError(id, property, "is required", ErrMissingProperty)
	}
	return nil
}
