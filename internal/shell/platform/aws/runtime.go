package aws

import (
	"context"
	"errors"
	"fmt"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/artpar/stackpipe/internal/core/resource"
	"github.com/artpar/stackpipe/internal/core/taskdef"
	"github.com/artpar/stackpipe/internal/shell/platform"
)

// CurrentTaskDefinition returns the task definition the ECS service runs.
func (a *AWS) CurrentTaskDefinition(ctx context.Context, svc platform.Handle) (taskdef.TaskDefinition, error) {
	service, err := a.describeService(ctx, svc)
	if err != nil {
		return taskdef.TaskDefinition{}, err
	}
	return a.describeTaskDefinition(ctx, awssdk.ToString(service.TaskDefinition))
}

// RegisterTaskDefinition registers td as a new revision of its family. Roles,
// volumes and log settings are carried over from the family's latest
// revision.
func (a *AWS) RegisterTaskDefinition(ctx context.Context, td taskdef.TaskDefinition) (taskdef.TaskDefinition, error) {
	var base *ecstypes.TaskDefinition
	latest, err := a.ecs.DescribeTaskDefinition(ctx, &ecs.DescribeTaskDefinitionInput{
		TaskDefinition: awssdk.String(td.Family),
	})
	switch {
	case err == nil:
		base = latest.TaskDefinition
	case isAPIError(err, "ClientException"):
		// First revision of the family.
	default:
		return taskdef.TaskDefinition{}, platformErr("DescribeTaskDefinition", resource.KindTaskDefinition, td.Family, err)
	}

	input := registerInput(td, base)
	if input.ExecutionRoleArn == nil {
		input.ExecutionRoleArn = optionalString(a.opts.ExecutionRoleARN)
	}
	out, err := a.ecs.RegisterTaskDefinition(ctx, input)
	if err != nil {
		return taskdef.TaskDefinition{}, platformErr("RegisterTaskDefinition", resource.KindTaskDefinition, td.Family, err)
	}

	registered := fromECS(out.TaskDefinition)
	a.logger.Info("registered task definition", "family", registered.Family, "revision", registered.Revision)
	return registered, nil
}

// UpdateService points the service at td without touching the desired count.
// The task definition it replaces is remembered so a failed rollout can be
// put back.
func (a *AWS) UpdateService(ctx context.Context, svc platform.Handle, td taskdef.TaskDefinition) error {
	name := svc.Outputs[platform.OutputName]
	service, err := a.describeService(ctx, svc)
	if err != nil {
		return err
	}

	_, err = a.ecs.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:                 awssdk.String(svc.Outputs[platform.OutputCluster]),
		Service:                 awssdk.String(name),
		TaskDefinition:          awssdk.String(td.ID),
		DeploymentConfiguration: deploymentConfiguration(),
	})
	if err != nil {
		if isAPIError(err, "ServiceNotFoundException", "ServiceNotActiveException") {
			return fmt.Errorf("%w: %s", platform.ErrServiceNotFound, name)
		}
		return platformErr("UpdateService", resource.KindService, svc.ID, err)
	}

	a.mu.Lock()
	a.previous[name] = awssdk.ToString(service.TaskDefinition)
	a.mu.Unlock()
	return nil
}

// WaitForRollout waits for the service to become stable, then checks the
// primary deployment runs td and did not fail. On failure the service is
// pointed back at the task definition UpdateService replaced.
func (a *AWS) WaitForRollout(ctx context.Context, svc platform.Handle, td taskdef.TaskDefinition, timeout time.Duration) error {
	name := svc.Outputs[platform.OutputName]
	waiter := ecs.NewServicesStableWaiter(a.ecs, func(o *ecs.ServicesStableWaiterOptions) {
		o.MinDelay = 5 * time.Second
		o.MaxDelay = 30 * time.Second
	})

	a.logger.Info("waiting for service rollout", "service", name, "task_definition", td.ID, "timeout", timeout)
	waitErr := waiter.Wait(ctx, &ecs.DescribeServicesInput{
		Cluster:  awssdk.String(svc.Outputs[platform.OutputCluster]),
		Services: []string{name},
	}, timeout)

	if ctx.Err() != nil {
		return a.restore(context.WithoutCancel(ctx), svc, td, ctx.Err())
	}

	service, err := a.describeService(ctx, svc)
	if err != nil {
		return err
	}
	if err := checkDeployment(service, td); err != nil {
		return a.restore(ctx, svc, td, err)
	}
	if waitErr != nil {
		return a.restore(ctx, svc, td, fmt.Errorf("%w: service %s: %v", platform.ErrRolloutTimeout, name, waitErr))
	}

	a.mu.Lock()
	delete(a.previous, name)
	a.mu.Unlock()
	return nil
}

// restore points the service back at the task definition it ran before td
// and returns cause. The circuit breaker rolls back on its own; this makes
// the service's task definition reflect it right away.
func (a *AWS) restore(ctx context.Context, svc platform.Handle, td taskdef.TaskDefinition, cause error) error {
	name := svc.Outputs[platform.OutputName]
	a.mu.Lock()
	previous, ok := a.previous[name]
	delete(a.previous, name)
	a.mu.Unlock()
	if !ok || previous == "" || previous == td.ID {
		return cause
	}

	_, err := a.ecs.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:                 awssdk.String(svc.Outputs[platform.OutputCluster]),
		Service:                 awssdk.String(name),
		TaskDefinition:          awssdk.String(previous),
		DeploymentConfiguration: deploymentConfiguration(),
	})
	if err != nil {
		a.logger.Error("failed to restore task definition", "service", name, "task_definition", previous, "error", err)
		return fmt.Errorf("%w (restoring %s: %v)", cause, previous, err)
	}
	a.logger.Warn("rollout failed, restored previous task definition",
		"service", name, "failed", td.ID, "restored", previous)
	return cause
}

// deploymentConfiguration keeps the old tasks serving until the new ones are
// healthy and lets ECS roll a failed deployment back.
func deploymentConfiguration() *ecstypes.DeploymentConfiguration {
	return &ecstypes.DeploymentConfiguration{
		DeploymentCircuitBreaker: &ecstypes.DeploymentCircuitBreaker{Enable: true, Rollback: true},
		MinimumHealthyPercent:    awssdk.Int32(100),
		MaximumPercent:           awssdk.Int32(200),
	}
}

// checkDeployment inspects the primary deployment of a service after the
// stability wait.
func checkDeployment(service ecstypes.Service, td taskdef.TaskDefinition) error {
	name := awssdk.ToString(service.ServiceName)
	for _, d := range service.Deployments {
		if awssdk.ToString(d.Status) != "PRIMARY" {
			continue
		}
		if d.RolloutState == ecstypes.DeploymentRolloutStateFailed {
			return fmt.Errorf("%w: service %s: %s", platform.ErrRolloutFailed, name, awssdk.ToString(d.RolloutStateReason))
		}
		if td.ID != "" && awssdk.ToString(d.TaskDefinition) != td.ID {
			return fmt.Errorf("%w: service %s runs %s, expected %s",
				platform.ErrRolloutFailed, name, awssdk.ToString(d.TaskDefinition), td.ID)
		}
		return nil
	}
	return fmt.Errorf("%w: service %s has no primary deployment", platform.ErrRolloutFailed, name)
}

func (a *AWS) describeService(ctx context.Context, svc platform.Handle) (ecstypes.Service, error) {
	name := svc.Outputs[platform.OutputName]
	out, err := a.ecs.DescribeServices(ctx, &ecs.DescribeServicesInput{
		Cluster:  awssdk.String(svc.Outputs[platform.OutputCluster]),
		Services: []string{name},
	})
	if err != nil {
		return ecstypes.Service{}, platformErr("DescribeServices", resource.KindService, svc.ID, err)
	}
	for _, s := range out.Services {
		if awssdk.ToString(s.ServiceName) == name && awssdk.ToString(s.Status) != "INACTIVE" {
			return s, nil
		}
	}
	return ecstypes.Service{}, fmt.Errorf("%w: %s", platform.ErrServiceNotFound, name)
}

func (a *AWS) describeTaskDefinition(ctx context.Context, id string) (taskdef.TaskDefinition, error) {
	out, err := a.ecs.DescribeTaskDefinition(ctx, &ecs.DescribeTaskDefinitionInput{
		TaskDefinition: awssdk.String(id),
	})
	if err != nil {
		return taskdef.TaskDefinition{}, platformErr("DescribeTaskDefinition", resource.KindTaskDefinition, id, err)
	}
	if out.TaskDefinition == nil {
		return taskdef.TaskDefinition{}, errors.New("empty task definition response")
	}
	return fromECS(out.TaskDefinition), nil
}
