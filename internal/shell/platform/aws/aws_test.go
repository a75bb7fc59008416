package aws

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"testing"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/stackpipe/internal/core/buildspec"
	"github.com/artpar/stackpipe/internal/core/resource"
	"github.com/artpar/stackpipe/internal/core/taskdef"
	"github.com/artpar/stackpipe/internal/shell/platform"
)

// =============================================================================
// Fakes
// =============================================================================

// fakeECS keeps task definitions and services in memory. Methods not
// overridden panic through the nil embedded interface.
type fakeECS struct {
	ECSAPI

	revisions map[string][]ecstypes.TaskDefinition
	services  map[string]*ecstypes.Service
	updates   []ecs.UpdateServiceInput
}

func newFakeECS() *fakeECS {
	return &fakeECS{
		revisions: map[string][]ecstypes.TaskDefinition{},
		services:  map[string]*ecstypes.Service{},
	}
}

func (f *fakeECS) RegisterTaskDefinition(_ context.Context, in *ecs.RegisterTaskDefinitionInput, _ ...func(*ecs.Options)) (*ecs.RegisterTaskDefinitionOutput, error) {
	family := awssdk.ToString(in.Family)
	rev := int32(len(f.revisions[family]) + 1)
	td := ecstypes.TaskDefinition{
		TaskDefinitionArn:       awssdk.String(fmt.Sprintf("arn:aws:ecs:us-east-1:1:task-definition/%s:%d", family, rev)),
		Family:                  in.Family,
		Revision:                rev,
		Cpu:                     in.Cpu,
		Memory:                  in.Memory,
		NetworkMode:             in.NetworkMode,
		ExecutionRoleArn:        in.ExecutionRoleArn,
		TaskRoleArn:             in.TaskRoleArn,
		ContainerDefinitions:    in.ContainerDefinitions,
		RequiresCompatibilities: in.RequiresCompatibilities,
	}
	f.revisions[family] = append(f.revisions[family], td)
	return &ecs.RegisterTaskDefinitionOutput{TaskDefinition: &td}, nil
}

func (f *fakeECS) DescribeTaskDefinition(_ context.Context, in *ecs.DescribeTaskDefinitionInput, _ ...func(*ecs.Options)) (*ecs.DescribeTaskDefinitionOutput, error) {
	id := awssdk.ToString(in.TaskDefinition)
	for family, revs := range f.revisions {
		if id == family && len(revs) > 0 {
			td := revs[len(revs)-1]
			return &ecs.DescribeTaskDefinitionOutput{TaskDefinition: &td}, nil
		}
		for _, td := range revs {
			if awssdk.ToString(td.TaskDefinitionArn) == id {
				td := td
				return &ecs.DescribeTaskDefinitionOutput{TaskDefinition: &td}, nil
			}
		}
	}
	return nil, &smithy.GenericAPIError{Code: "ClientException", Message: "Unable to describe task definition."}
}

func (f *fakeECS) DescribeServices(_ context.Context, in *ecs.DescribeServicesInput, _ ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error) {
	out := &ecs.DescribeServicesOutput{Failures: []ecstypes.Failure{}}
	for _, name := range in.Services {
		if s, ok := f.services[name]; ok {
			out.Services = append(out.Services, *s)
		}
	}
	return out, nil
}

func (f *fakeECS) UpdateService(_ context.Context, in *ecs.UpdateServiceInput, _ ...func(*ecs.Options)) (*ecs.UpdateServiceOutput, error) {
	s, ok := f.services[awssdk.ToString(in.Service)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "ServiceNotFoundException", Message: "Service not found."}
	}
	f.updates = append(f.updates, *in)
	if in.TaskDefinition != nil {
		s.TaskDefinition = in.TaskDefinition
	}
	return &ecs.UpdateServiceOutput{Service: s}, nil
}

type fakeECR struct {
	ECRAPI
	token    string
	endpoint string
	existing bool
}

func (f *fakeECR) CreateRepository(_ context.Context, in *ecr.CreateRepositoryInput, _ ...func(*ecr.Options)) (*ecr.CreateRepositoryOutput, error) {
	if f.existing {
		return nil, &smithy.GenericAPIError{Code: "RepositoryAlreadyExistsException"}
	}
	return &ecr.CreateRepositoryOutput{Repository: repository(awssdk.ToString(in.RepositoryName))}, nil
}

func (f *fakeECR) DescribeRepositories(_ context.Context, in *ecr.DescribeRepositoriesInput, _ ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error) {
	return &ecr.DescribeRepositoriesOutput{Repositories: []ecrtypes.Repository{*repository(in.RepositoryNames[0])}}, nil
}

func (f *fakeECR) GetAuthorizationToken(context.Context, *ecr.GetAuthorizationTokenInput, ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error) {
	return &ecr.GetAuthorizationTokenOutput{AuthorizationData: []ecrtypes.AuthorizationData{{
		AuthorizationToken: awssdk.String(f.token),
		ProxyEndpoint:      awssdk.String(f.endpoint),
	}}}, nil
}

func repository(name string) *ecrtypes.Repository {
	return &ecrtypes.Repository{
		RepositoryName: awssdk.String(name),
		RepositoryArn:  awssdk.String("arn:aws:ecr:us-east-1:1:repository/" + name),
		RepositoryUri:  awssdk.String("1.dkr.ecr.us-east-1.amazonaws.com/" + name),
	}
}

func newTestAWS(ecsClient ECSAPI, ecrClient ECRAPI) *AWS {
	return NewWithClients(nil, ecsClient, ecrClient, nil, Options{Region: "us-east-1", ExecutionRoleARN: "arn:role/exec"}, slog.Default())
}

func serviceHandle() platform.Handle {
	return platform.Handle{
		ID:   "arn:aws:ecs:us-east-1:1:service/demo-C/demo-S",
		Kind: resource.KindService,
		Outputs: map[string]string{
			platform.OutputName:    "demo-S",
			platform.OutputCluster: "demo-C",
		},
	}
}

// =============================================================================
// Helper Tests
// =============================================================================

func TestSubnetCIDRs(t *testing.T) {
	tests := []struct {
		name    string
		cidr    string
		n       int
		want    []string
		wantErr bool
	}{
		{"three zones", "10.0.0.0/16", 3, []string{"10.0.0.0/18", "10.0.64.0/18", "10.0.128.0/18"}, false},
		{"two zones", "10.1.0.0/16", 2, []string{"10.1.0.0/17", "10.1.128.0/17"}, false},
		{"single zone keeps prefix", "10.0.0.0/24", 1, []string{"10.0.0.0/24"}, false},
		{"unmasked input", "10.0.5.0/16", 2, []string{"10.0.0.0/17", "10.0.128.0/17"}, false},
		{"too small", "10.0.0.0/27", 4, nil, true},
		{"ipv6", "fd00::/48", 2, nil, true},
		{"invalid", "nope", 2, nil, true},
		{"zero subnets", "10.0.0.0/16", 0, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := subnetCIDRs(tt.cidr, tt.n)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestShortName(t *testing.T) {
	assert.Equal(t, "demo-L", shortName("demo-L"))
	assert.Equal(t, "my-stack-web", shortName("my_stack_web"))

	long := shortName("a-very-long-stack-name-that-exceeds-limits-L")
	assert.LessOrEqual(t, len(long), 32)
	assert.NotEqual(t, byte('-'), long[len(long)-1])
}

func TestIsAPIError(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &smithy.GenericAPIError{Code: "ClusterNotFoundException"})

	assert.True(t, isAPIError(err, "ClusterNotFoundException"))
	assert.True(t, isAPIError(err, "Other", "ClusterNotFoundException"))
	assert.False(t, isAPIError(err, "ServiceNotFoundException"))
	assert.False(t, isAPIError(fmt.Errorf("plain"), "ClusterNotFoundException"))
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"subnet-a", "subnet-b"}, splitList("subnet-a,subnet-b"))
}

// =============================================================================
// Task Definition Conversion Tests
// =============================================================================

func TestRegisterInput_FromConfig(t *testing.T) {
	td := taskdef.FromConfig(resource.TaskDefinitionConfig{
		Family:        "web",
		ContainerName: "app",
		Image:         "nginx:1.27",
		MemoryMiB:     512,
		CPU:           256,
		ContainerPort: 8080,
		Environment:   map[string]string{"B": "2", "A": "1"},
	}, "")

	input := registerInput(td, nil)

	assert.Equal(t, "web", awssdk.ToString(input.Family))
	assert.Equal(t, "256", awssdk.ToString(input.Cpu))
	assert.Equal(t, "512", awssdk.ToString(input.Memory))
	assert.Equal(t, ecstypes.NetworkModeAwsvpc, input.NetworkMode)
	require.Len(t, input.ContainerDefinitions, 1)

	c := input.ContainerDefinitions[0]
	assert.Equal(t, "app", awssdk.ToString(c.Name))
	assert.Equal(t, "nginx:1.27", awssdk.ToString(c.Image))
	require.Len(t, c.PortMappings, 1)
	assert.Equal(t, int32(8080), awssdk.ToInt32(c.PortMappings[0].ContainerPort))
	require.Len(t, c.Environment, 2)
	assert.Equal(t, "A", awssdk.ToString(c.Environment[0].Name))
}

func TestRegisterInput_KeepsBaseSettings(t *testing.T) {
	base := &ecstypes.TaskDefinition{
		NetworkMode:      ecstypes.NetworkModeAwsvpc,
		ExecutionRoleArn: awssdk.String("arn:role/exec"),
		TaskRoleArn:      awssdk.String("arn:role/task"),
		ContainerDefinitions: []ecstypes.ContainerDefinition{{
			Name:  awssdk.String("app"),
			Image: awssdk.String("old:1"),
			LogConfiguration: &ecstypes.LogConfiguration{
				LogDriver: ecstypes.LogDriverAwslogs,
			},
			PortMappings: []ecstypes.PortMapping{{ContainerPort: awssdk.Int32(3000)}},
		}},
	}
	current := fromECS(base)

	next, err := taskdef.ApplyImages(current, buildspec.ImageDefinition{Name: "app", ImageURI: "repo/app:abc"})
	require.NoError(t, err)

	input := registerInput(next, base)
	assert.Equal(t, "arn:role/task", awssdk.ToString(input.TaskRoleArn))
	require.Len(t, input.ContainerDefinitions, 1)
	c := input.ContainerDefinitions[0]
	assert.Equal(t, "repo/app:abc", awssdk.ToString(c.Image))
	assert.Equal(t, ecstypes.LogDriverAwslogs, c.LogConfiguration.LogDriver)
	assert.Equal(t, int32(3000), awssdk.ToInt32(c.PortMappings[0].ContainerPort))

	// the base definition is untouched
	assert.Equal(t, "old:1", awssdk.ToString(base.ContainerDefinitions[0].Image))
}

func TestFromECS(t *testing.T) {
	td := fromECS(&ecstypes.TaskDefinition{
		TaskDefinitionArn: awssdk.String("arn:td/web:4"),
		Family:            awssdk.String("web"),
		Revision:          4,
		Cpu:               awssdk.String("512"),
		Memory:            awssdk.String("1024"),
		ContainerDefinitions: []ecstypes.ContainerDefinition{{
			Name:         awssdk.String("app"),
			Image:        awssdk.String("nginx"),
			Essential:    awssdk.Bool(true),
			PortMappings: []ecstypes.PortMapping{{ContainerPort: awssdk.Int32(80)}},
			Environment:  []ecstypes.KeyValuePair{{Name: awssdk.String("K"), Value: awssdk.String("V")}},
		}},
	})

	assert.Equal(t, "arn:td/web:4", td.ID)
	assert.Equal(t, 4, td.Revision)
	assert.Equal(t, 512, td.CPU)
	assert.Equal(t, 1024, td.MemoryMiB)
	require.Len(t, td.Containers, 1)
	assert.Equal(t, 80, td.Containers[0].ContainerPort)
	assert.Equal(t, "V", td.Containers[0].Environment["K"])
	assert.True(t, td.Containers[0].Essential)

	assert.Equal(t, taskdef.TaskDefinition{}, fromECS(nil))
}

// =============================================================================
// Runtime Tests
// =============================================================================

func TestRuntime_DeployCycle(t *testing.T) {
	ctx := context.Background()
	fake := newFakeECS()
	a := newTestAWS(fake, nil)

	first, err := a.RegisterTaskDefinition(ctx, taskdef.FromConfig(resource.TaskDefinitionConfig{
		Family: "demo-T", ContainerName: "app", Image: "repo/app:v1",
		MemoryMiB: 512, CPU: 256, ContainerPort: 8080,
	}, ""))
	require.NoError(t, err)
	assert.Equal(t, 1, first.Revision)

	fake.services["demo-S"] = &ecstypes.Service{
		ServiceName:    awssdk.String("demo-S"),
		Status:         awssdk.String("ACTIVE"),
		TaskDefinition: awssdk.String(first.ID),
	}

	current, err := a.CurrentTaskDefinition(ctx, serviceHandle())
	require.NoError(t, err)
	assert.Equal(t, first.ID, current.ID)
	assert.Equal(t, "repo/app:v1", current.Containers[0].Image)

	next, err := taskdef.ApplyImages(current, buildspec.ImageDefinition{Name: "app", ImageURI: "repo/app:v2"})
	require.NoError(t, err)
	registered, err := a.RegisterTaskDefinition(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, 2, registered.Revision)
	assert.Equal(t, "arn:role/exec", awssdk.ToString(fake.revisions["demo-T"][1].ExecutionRoleArn))

	require.NoError(t, a.UpdateService(ctx, serviceHandle(), registered))
	require.Len(t, fake.updates, 1)
	assert.Nil(t, fake.updates[0].DesiredCount)
	assert.Equal(t, registered.ID, awssdk.ToString(fake.services["demo-S"].TaskDefinition))
}

func TestRuntime_FailedRolloutRestoresPreviousRevision(t *testing.T) {
	ctx := context.Background()
	fake := newFakeECS()
	a := newTestAWS(fake, nil)

	first, err := a.RegisterTaskDefinition(ctx, taskdef.FromConfig(resource.TaskDefinitionConfig{
		Family: "demo-T", ContainerName: "app", Image: "repo/app:v1", ContainerPort: 8080,
	}, ""))
	require.NoError(t, err)
	fake.services["demo-S"] = &ecstypes.Service{
		ServiceName:    awssdk.String("demo-S"),
		Status:         awssdk.String("ACTIVE"),
		TaskDefinition: awssdk.String(first.ID),
	}

	next, err := taskdef.ApplyImages(first, buildspec.ImageDefinition{Name: "app", ImageURI: "repo/app:bad"})
	require.NoError(t, err)
	bad, err := a.RegisterTaskDefinition(ctx, next)
	require.NoError(t, err)

	require.NoError(t, a.UpdateService(ctx, serviceHandle(), bad))
	breaker := fake.updates[0].DeploymentConfiguration.DeploymentCircuitBreaker
	require.NotNil(t, breaker)
	assert.True(t, breaker.Enable)
	assert.True(t, breaker.Rollback)

	// The new tasks never became healthy.
	fake.services["demo-S"].Deployments = []ecstypes.Deployment{{
		Status:             awssdk.String("PRIMARY"),
		TaskDefinition:     awssdk.String(bad.ID),
		RolloutState:       ecstypes.DeploymentRolloutStateFailed,
		RolloutStateReason: awssdk.String("tasks failed to start"),
	}}

	err = a.WaitForRollout(ctx, serviceHandle(), bad, time.Minute)
	assert.ErrorIs(t, err, platform.ErrRolloutFailed)

	require.Len(t, fake.updates, 2)
	assert.Equal(t, first.ID, awssdk.ToString(fake.updates[1].TaskDefinition))

	current, err := a.CurrentTaskDefinition(ctx, serviceHandle())
	require.NoError(t, err)
	assert.Equal(t, first.ID, current.ID)
	assert.Equal(t, "repo/app:v1", current.Containers[0].Image)
}

func TestRuntime_UpdateMissingService(t *testing.T) {
	a := newTestAWS(newFakeECS(), nil)

	err := a.UpdateService(context.Background(), serviceHandle(), taskdef.TaskDefinition{ID: "arn:td/x:1"})
	assert.ErrorIs(t, err, platform.ErrServiceNotFound)

	_, err = a.CurrentTaskDefinition(context.Background(), serviceHandle())
	assert.ErrorIs(t, err, platform.ErrServiceNotFound)
}

func TestCheckDeployment(t *testing.T) {
	td := taskdef.TaskDefinition{ID: "arn:td/web:2"}
	service := func(state ecstypes.DeploymentRolloutState, tdARN string) ecstypes.Service {
		return ecstypes.Service{
			ServiceName: awssdk.String("web"),
			Deployments: []ecstypes.Deployment{
				{Status: awssdk.String("ACTIVE"), TaskDefinition: awssdk.String("arn:td/web:1")},
				{Status: awssdk.String("PRIMARY"), TaskDefinition: awssdk.String(tdARN), RolloutState: state,
					RolloutStateReason: awssdk.String("tasks failed to start")},
			},
		}
	}

	assert.NoError(t, checkDeployment(service(ecstypes.DeploymentRolloutStateCompleted, td.ID), td))
	assert.ErrorIs(t, checkDeployment(service(ecstypes.DeploymentRolloutStateFailed, td.ID), td), platform.ErrRolloutFailed)
	assert.ErrorIs(t, checkDeployment(service(ecstypes.DeploymentRolloutStateCompleted, "arn:td/web:1"), td), platform.ErrRolloutFailed)
	assert.ErrorIs(t, checkDeployment(ecstypes.Service{ServiceName: awssdk.String("web")}, td), platform.ErrRolloutFailed)
}

// =============================================================================
// Registry Tests
// =============================================================================

func TestRegistry_CreateAndAdopt(t *testing.T) {
	for _, existing := range []bool{false, true} {
		t.Run(fmt.Sprintf("existing=%v", existing), func(t *testing.T) {
			a := newTestAWS(nil, &fakeECR{existing: existing})
			m := &registryMaterializer{a}

			h, err := m.Materialize(context.Background(), platform.Request{
				Stack:      "demo",
				Descriptor: resource.Descriptor{ID: "R", Kind: resource.KindRegistry},
				Config:     resource.RegistryConfig{Name: "app"},
			})
			require.NoError(t, err)
			assert.Equal(t, "arn:aws:ecr:us-east-1:1:repository/app", h.ID)
			assert.Equal(t, "1.dkr.ecr.us-east-1.amazonaws.com/app", h.Outputs[platform.OutputRepositoryURI])
		})
	}
}

func TestRegistry_Credentials(t *testing.T) {
	token := base64.StdEncoding.EncodeToString([]byte("AWS:secret-password"))
	a := newTestAWS(nil, &fakeECR{token: token, endpoint: "https://1.dkr.ecr.us-east-1.amazonaws.com"})

	creds, err := a.Credentials(context.Background(), platform.Handle{ID: "repo"})
	require.NoError(t, err)
	assert.Equal(t, platform.Credentials{
		Host:     "1.dkr.ecr.us-east-1.amazonaws.com",
		Username: "AWS",
		Password: "secret-password",
	}, creds)
}

func TestDecodeAuthorization_Invalid(t *testing.T) {
	_, err := decodeAuthorization("not base64!", "")
	assert.Error(t, err)

	_, err = decodeAuthorization(base64.StdEncoding.EncodeToString([]byte("nocolon")), "")
	assert.Error(t, err)
}

// =============================================================================
// Platform Tests
// =============================================================================

func TestPlatform_SupportsEveryKind(t *testing.T) {
	p := newTestAWS(nil, nil).Platform()
	assert.Equal(t, "aws", p.Name)
	for _, kind := range resource.Kinds() {
		_, err := p.Materializer(kind)
		assert.NoError(t, err, kind)
	}
}
