package aws

import (
	"context"
	"sort"
	"strconv"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/artpar/stackpipe/internal/core/resource"
	"github.com/artpar/stackpipe/internal/core/taskdef"
	"github.com/artpar/stackpipe/internal/shell/platform"
)

// =============================================================================
// Cluster
// =============================================================================

type clusterMaterializer struct{ a *AWS }

func (m *clusterMaterializer) Kind() resource.Kind { return resource.KindCluster }

func (m *clusterMaterializer) Materialize(ctx context.Context, req platform.Request) (platform.Handle, error) {
	cfg := req.Config.(resource.ClusterConfig)
	network, err := req.Deps.Require(cfg.Network)
	if err != nil {
		return platform.Handle{}, err
	}

	name := req.Name()
	out, err := m.a.ecs.CreateCluster(ctx, &ecs.CreateClusterInput{
		ClusterName: awssdk.String(name),
		Tags: []ecstypes.Tag{
			{Key: awssdk.String("ManagedBy"), Value: awssdk.String(managedByTag)},
			{Key: awssdk.String("Stack"), Value: awssdk.String(req.Stack)},
		},
	})
	if err != nil {
		return platform.Handle{}, platformErr("CreateCluster", resource.KindCluster, req.Descriptor.ID, err)
	}

	return platform.Handle{
		ID:   awssdk.ToString(out.Cluster.ClusterArn),
		Kind: resource.KindCluster,
		Outputs: map[string]string{
			platform.OutputName:   name,
			platform.OutputARN:    awssdk.ToString(out.Cluster.ClusterArn),
			outputVPCID:           network.Outputs[outputVPCID],
			outputSubnetIDs:       network.Outputs[outputSubnetIDs],
			outputSecurityGroupID: network.Outputs[outputSecurityGroupID],
		},
	}, nil
}

func (m *clusterMaterializer) Destroy(ctx context.Context, req platform.Request) error {
	_, err := m.a.ecs.DeleteCluster(ctx, &ecs.DeleteClusterInput{Cluster: awssdk.String(req.Existing.ID)})
	if err != nil && !isAPIError(err, "ClusterNotFoundException") {
		return platformErr("DeleteCluster", resource.KindCluster, req.Descriptor.ID, err)
	}
	return nil
}

// =============================================================================
// Task Definition
// =============================================================================

type taskDefinitionMaterializer struct{ a *AWS }

func (m *taskDefinitionMaterializer) Kind() resource.Kind { return resource.KindTaskDefinition }

// Materialize registers a Fargate task definition revision. A changed
// descriptor registers a new revision of the same family.
func (m *taskDefinitionMaterializer) Materialize(ctx context.Context, req platform.Request) (platform.Handle, error) {
	cfg := req.Config.(resource.TaskDefinitionConfig)

	repo := ""
	if cfg.Registry != "" {
		reg, err := req.Deps.Require(cfg.Registry)
		if err != nil {
			return platform.Handle{}, err
		}
		repo = reg.Outputs[platform.OutputRepositoryURI]
	}

	input := registerInput(taskdef.FromConfig(cfg, repo), nil)
	input.ExecutionRoleArn = optionalString(m.a.opts.ExecutionRoleARN)

	out, err := m.a.ecs.RegisterTaskDefinition(ctx, input)
	if err != nil {
		return platform.Handle{}, platformErr("RegisterTaskDefinition", resource.KindTaskDefinition, req.Descriptor.ID, err)
	}
	td := fromECS(out.TaskDefinition)

	return platform.Handle{
		ID:   td.ID,
		Kind: resource.KindTaskDefinition,
		Outputs: map[string]string{
			platform.OutputARN:           td.ID,
			platform.OutputFamily:        td.Family,
			platform.OutputRevision:      strconv.Itoa(td.Revision),
			platform.OutputContainerName: cfg.ContainerName,
			platform.OutputContainerPort: strconv.Itoa(cfg.ContainerPort),
		},
	}, nil
}

func (m *taskDefinitionMaterializer) Destroy(ctx context.Context, req platform.Request) error {
	_, err := m.a.ecs.DeregisterTaskDefinition(ctx, &ecs.DeregisterTaskDefinitionInput{
		TaskDefinition: awssdk.String(req.Existing.ID),
	})
	if err != nil && !isAPIError(err, "ClientException") {
		return platformErr("DeregisterTaskDefinition", resource.KindTaskDefinition, req.Descriptor.ID, err)
	}
	return nil
}

// =============================================================================
// Service
// =============================================================================

type serviceMaterializer struct{ a *AWS }

func (m *serviceMaterializer) Kind() resource.Kind { return resource.KindService }

func (m *serviceMaterializer) Materialize(ctx context.Context, req platform.Request) (platform.Handle, error) {
	cfg := req.Config.(resource.ServiceConfig)
	cluster, err := req.Deps.Require(cfg.Cluster)
	if err != nil {
		return platform.Handle{}, err
	}
	td, err := req.Deps.Require(cfg.TaskDefinition)
	if err != nil {
		return platform.Handle{}, err
	}

	name := req.Name()
	clusterName := cluster.Outputs[platform.OutputName]
	var serviceARN string

	if req.Existing != nil {
		out, err := m.a.ecs.UpdateService(ctx, &ecs.UpdateServiceInput{
			Cluster:                 awssdk.String(clusterName),
			Service:                 awssdk.String(name),
			TaskDefinition:          awssdk.String(td.ID),
			DesiredCount:            awssdk.Int32(int32(cfg.DesiredCount)),
			DeploymentConfiguration: deploymentConfiguration(),
		})
		if err != nil {
			return platform.Handle{}, platformErr("UpdateService", resource.KindService, req.Descriptor.ID, err)
		}
		serviceARN = awssdk.ToString(out.Service.ServiceArn)
	} else {
		assign := ecstypes.AssignPublicIpDisabled
		if cfg.AssignPublicIP {
			assign = ecstypes.AssignPublicIpEnabled
		}
		out, err := m.a.ecs.CreateService(ctx, &ecs.CreateServiceInput{
			Cluster:                 awssdk.String(clusterName),
			ServiceName:             awssdk.String(name),
			TaskDefinition:          awssdk.String(td.ID),
			DesiredCount:            awssdk.Int32(int32(cfg.DesiredCount)),
			LaunchType:              ecstypes.LaunchTypeFargate,
			DeploymentConfiguration: deploymentConfiguration(),
			NetworkConfiguration: &ecstypes.NetworkConfiguration{
				AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
					Subnets:        splitList(cluster.Outputs[outputSubnetIDs]),
					SecurityGroups: splitList(cluster.Outputs[outputSecurityGroupID]),
					AssignPublicIp: assign,
				},
			},
		})
		if err != nil {
			return platform.Handle{}, platformErr("CreateService", resource.KindService, req.Descriptor.ID, err)
		}
		serviceARN = awssdk.ToString(out.Service.ServiceArn)
	}

	m.a.logger.Info("ECS service ready", "service", name, "cluster", clusterName, "task_definition", td.ID)
	return platform.Handle{
		ID:   serviceARN,
		Kind: resource.KindService,
		Outputs: map[string]string{
			platform.OutputName:          name,
			platform.OutputARN:           serviceARN,
			platform.OutputCluster:       clusterName,
			platform.OutputFamily:        td.Outputs[platform.OutputFamily],
			platform.OutputContainerName: td.Outputs[platform.OutputContainerName],
			platform.OutputContainerPort: td.Outputs[platform.OutputContainerPort],
		},
	}, nil
}

func (m *serviceMaterializer) Destroy(ctx context.Context, req platform.Request) error {
	h := req.Existing
	cluster := awssdk.String(h.Outputs[platform.OutputCluster])
	service := awssdk.String(h.Outputs[platform.OutputName])

	_, err := m.a.ecs.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:      cluster,
		Service:      service,
		DesiredCount: awssdk.Int32(0),
	})
	if err != nil && !isAPIError(err, "ServiceNotFoundException", "ServiceNotActiveException") {
		return platformErr("UpdateService", resource.KindService, req.Descriptor.ID, err)
	}

	_, err = m.a.ecs.DeleteService(ctx, &ecs.DeleteServiceInput{
		Cluster: cluster,
		Service: service,
		Force:   awssdk.Bool(true),
	})
	if err != nil && !isAPIError(err, "ServiceNotFoundException", "ServiceNotActiveException") {
		return platformErr("DeleteService", resource.KindService, req.Descriptor.ID, err)
	}
	return nil
}

// =============================================================================
// Conversions
// =============================================================================

// registerInput builds a RegisterTaskDefinition request for td. When base is
// given, settings the task definition model does not carry (roles, volumes,
// log configuration, network mode) are copied from it.
func registerInput(td taskdef.TaskDefinition, base *ecstypes.TaskDefinition) *ecs.RegisterTaskDefinitionInput {
	input := &ecs.RegisterTaskDefinitionInput{
		Family:                  awssdk.String(td.Family),
		Cpu:                     awssdk.String(strconv.Itoa(td.CPU)),
		Memory:                  awssdk.String(strconv.Itoa(td.MemoryMiB)),
		NetworkMode:             ecstypes.NetworkModeAwsvpc,
		RequiresCompatibilities: []ecstypes.Compatibility{ecstypes.CompatibilityFargate},
	}

	baseContainers := map[string]ecstypes.ContainerDefinition{}
	if base != nil {
		input.NetworkMode = base.NetworkMode
		input.RequiresCompatibilities = base.RequiresCompatibilities
		input.ExecutionRoleArn = base.ExecutionRoleArn
		input.TaskRoleArn = base.TaskRoleArn
		input.Volumes = base.Volumes
		for _, c := range base.ContainerDefinitions {
			baseContainers[awssdk.ToString(c.Name)] = c
		}
	}

	for _, c := range td.Containers {
		def, ok := baseContainers[c.Name]
		if !ok {
			def = ecstypes.ContainerDefinition{Name: awssdk.String(c.Name)}
			if c.ContainerPort > 0 {
				def.PortMappings = []ecstypes.PortMapping{{
					ContainerPort: awssdk.Int32(int32(c.ContainerPort)),
					Protocol:      ecstypes.TransportProtocolTcp,
				}}
			}
		}
		def.Image = awssdk.String(c.Image)
		def.Essential = awssdk.Bool(c.Essential)
		if c.MemoryMiB > 0 {
			def.Memory = awssdk.Int32(int32(c.MemoryMiB))
		}
		def.Cpu = int32(c.CPU)
		def.Environment = def.Environment[:0:0]
		for _, k := range sortedKeys(c.Environment) {
			def.Environment = append(def.Environment, ecstypes.KeyValuePair{
				Name:  awssdk.String(k),
				Value: awssdk.String(c.Environment[k]),
			})
		}
		input.ContainerDefinitions = append(input.ContainerDefinitions, def)
	}
	return input
}

// fromECS converts an ECS task definition into the task definition model.
func fromECS(td *ecstypes.TaskDefinition) taskdef.TaskDefinition {
	if td == nil {
		return taskdef.TaskDefinition{}
	}
	cpu, _ := strconv.Atoi(awssdk.ToString(td.Cpu))
	memory, _ := strconv.Atoi(awssdk.ToString(td.Memory))

	out := taskdef.TaskDefinition{
		ID:        awssdk.ToString(td.TaskDefinitionArn),
		Family:    awssdk.ToString(td.Family),
		Revision:  int(td.Revision),
		CPU:       cpu,
		MemoryMiB: memory,
	}
	for _, c := range td.ContainerDefinitions {
		def := taskdef.ContainerDefinition{
			Name:        awssdk.ToString(c.Name),
			Image:       awssdk.ToString(c.Image),
			MemoryMiB:   int(awssdk.ToInt32(c.Memory)),
			CPU:         int(c.Cpu),
			Essential:   awssdk.ToBool(c.Essential),
			Environment: make(map[string]string, len(c.Environment)),
		}
		if len(c.PortMappings) > 0 {
			def.ContainerPort = int(awssdk.ToInt32(c.PortMappings[0].ContainerPort))
		}
		for _, kv := range c.Environment {
			def.Environment[awssdk.ToString(kv.Name)] = awssdk.ToString(kv.Value)
		}
		out.Containers = append(out.Containers, def)
	}
	return out
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return awssdk.String(s)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
