package aws

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"

	"github.com/artpar/stackpipe/internal/core/resource"
	"github.com/artpar/stackpipe/internal/shell/platform"
)

const (
	outputTargetGroupARN = "target_group_arn"
	outputURL            = "url"

	loadBalancerWait = 10 * time.Minute
)

// =============================================================================
// Load Balancer
// =============================================================================

type loadBalancerMaterializer struct{ a *AWS }

func (m *loadBalancerMaterializer) Kind() resource.Kind { return resource.KindLoadBalancer }

func (m *loadBalancerMaterializer) Materialize(ctx context.Context, req platform.Request) (platform.Handle, error) {
	cfg := req.Config.(resource.LoadBalancerConfig)
	network, err := req.Deps.Require(cfg.Network)
	if err != nil {
		return platform.Handle{}, err
	}

	if req.Existing != nil {
		return *req.Existing, nil
	}

	scheme := elbtypes.LoadBalancerSchemeEnumInternal
	if cfg.InternetFacing {
		scheme = elbtypes.LoadBalancerSchemeEnumInternetFacing
	}

	name := shortName(req.Name())
	out, err := m.a.elb.CreateLoadBalancer(ctx, &elbv2.CreateLoadBalancerInput{
		Name:           awssdk.String(name),
		Type:           elbtypes.LoadBalancerTypeEnumApplication,
		Scheme:         scheme,
		Subnets:        splitList(network.Outputs[outputSubnetIDs]),
		SecurityGroups: splitList(network.Outputs[outputSecurityGroupID]),
		Tags: []elbtypes.Tag{
			{Key: awssdk.String("ManagedBy"), Value: awssdk.String(managedByTag)},
			{Key: awssdk.String("Stack"), Value: awssdk.String(req.Stack)},
		},
	})
	if err != nil {
		return platform.Handle{}, platformErr("CreateLoadBalancer", resource.KindLoadBalancer, req.Descriptor.ID, err)
	}
	if len(out.LoadBalancers) == 0 {
		return platform.Handle{}, platformErr("CreateLoadBalancer", resource.KindLoadBalancer, req.Descriptor.ID,
			fmt.Errorf("no load balancer returned"))
	}
	lb := out.LoadBalancers[0]
	arn := awssdk.ToString(lb.LoadBalancerArn)

	m.a.logger.Info("waiting for load balancer", "name", name)
	waiter := elbv2.NewLoadBalancerAvailableWaiter(m.a.elb)
	if err := waiter.Wait(ctx, &elbv2.DescribeLoadBalancersInput{LoadBalancerArns: []string{arn}}, loadBalancerWait); err != nil {
		return platform.Handle{}, platformErr("LoadBalancerAvailable", resource.KindLoadBalancer, req.Descriptor.ID, err)
	}

	return platform.Handle{
		ID:   arn,
		Kind: resource.KindLoadBalancer,
		Outputs: map[string]string{
			platform.OutputName:    name,
			platform.OutputARN:     arn,
			platform.OutputDNSName: awssdk.ToString(lb.DNSName),
			outputVPCID:            network.Outputs[outputVPCID],
		},
	}, nil
}

func (m *loadBalancerMaterializer) Destroy(ctx context.Context, req platform.Request) error {
	_, err := m.a.elb.DeleteLoadBalancer(ctx, &elbv2.DeleteLoadBalancerInput{
		LoadBalancerArn: awssdk.String(req.Existing.ID),
	})
	if err != nil && !isAPIError(err, "LoadBalancerNotFound") {
		return platformErr("DeleteLoadBalancer", resource.KindLoadBalancer, req.Descriptor.ID, err)
	}
	return nil
}

// =============================================================================
// Listener
// =============================================================================

type listenerMaterializer struct{ a *AWS }

func (m *listenerMaterializer) Kind() resource.Kind { return resource.KindListener }

// Materialize creates an IP target group for the service's container port,
// a listener forwarding to it, and attaches the target group to the service.
// A changed listener is replaced.
func (m *listenerMaterializer) Materialize(ctx context.Context, req platform.Request) (platform.Handle, error) {
	cfg := req.Config.(resource.ListenerConfig)
	lb, err := req.Deps.Require(cfg.LoadBalancer)
	if err != nil {
		return platform.Handle{}, err
	}
	svc, err := req.Deps.Require(cfg.Target)
	if err != nil {
		return platform.Handle{}, err
	}

	if req.Existing != nil {
		if err := m.Destroy(ctx, req); err != nil {
			return platform.Handle{}, err
		}
	}

	port := cfg.TargetPort
	if p, err := strconv.Atoi(svc.Outputs[platform.OutputContainerPort]); err == nil && p > 0 {
		port = p
	}

	tg, err := m.a.elb.CreateTargetGroup(ctx, &elbv2.CreateTargetGroupInput{
		Name:            awssdk.String(shortName(req.Name())),
		Protocol:        elbtypes.ProtocolEnumHttp,
		Port:            awssdk.Int32(int32(port)),
		VpcId:           awssdk.String(lb.Outputs[outputVPCID]),
		TargetType:      elbtypes.TargetTypeEnumIp,
		HealthCheckPath: awssdk.String(cfg.HealthPath),
	})
	if err != nil {
		return platform.Handle{}, platformErr("CreateTargetGroup", resource.KindListener, req.Descriptor.ID, err)
	}
	if len(tg.TargetGroups) == 0 {
		return platform.Handle{}, platformErr("CreateTargetGroup", resource.KindListener, req.Descriptor.ID,
			fmt.Errorf("no target group returned"))
	}
	tgARN := awssdk.ToString(tg.TargetGroups[0].TargetGroupArn)

	input := &elbv2.CreateListenerInput{
		LoadBalancerArn: awssdk.String(lb.ID),
		Port:            awssdk.Int32(int32(cfg.Port)),
		Protocol:        elbtypes.ProtocolEnum(cfg.Protocol),
		DefaultActions: []elbtypes.Action{{
			Type:           elbtypes.ActionTypeEnumForward,
			TargetGroupArn: awssdk.String(tgARN),
		}},
	}
	if cfg.Protocol == "HTTPS" {
		if m.a.opts.CertificateARN == "" {
			return platform.Handle{}, platformErr("CreateListener", resource.KindListener, req.Descriptor.ID,
				fmt.Errorf("HTTPS listener requires a certificate ARN"))
		}
		input.Certificates = []elbtypes.Certificate{{CertificateArn: awssdk.String(m.a.opts.CertificateARN)}}
	}

	listener, err := m.a.elb.CreateListener(ctx, input)
	if err != nil {
		return platform.Handle{}, platformErr("CreateListener", resource.KindListener, req.Descriptor.ID, err)
	}
	if len(listener.Listeners) == 0 {
		return platform.Handle{}, platformErr("CreateListener", resource.KindListener, req.Descriptor.ID,
			fmt.Errorf("no listener returned"))
	}
	listenerARN := awssdk.ToString(listener.Listeners[0].ListenerArn)

	_, err = m.a.ecs.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster: awssdk.String(svc.Outputs[platform.OutputCluster]),
		Service: awssdk.String(svc.Outputs[platform.OutputName]),
		LoadBalancers: []ecstypes.LoadBalancer{{
			TargetGroupArn: awssdk.String(tgARN),
			ContainerName:  awssdk.String(svc.Outputs[platform.OutputContainerName]),
			ContainerPort:  awssdk.Int32(int32(port)),
		}},
	})
	if err != nil {
		return platform.Handle{}, platformErr("UpdateService", resource.KindListener, req.Descriptor.ID, err)
	}

	return platform.Handle{
		ID:   listenerARN,
		Kind: resource.KindListener,
		Outputs: map[string]string{
			platform.OutputARN:     listenerARN,
			platform.OutputPort:    strconv.Itoa(cfg.Port),
			platform.OutputName:    svc.Outputs[platform.OutputName],
			platform.OutputCluster: svc.Outputs[platform.OutputCluster],
			outputTargetGroupARN:   tgARN,
			outputURL:              listenerURL(cfg.Protocol, lb.Outputs[platform.OutputDNSName], cfg.Port),
		},
	}, nil
}

// Destroy detaches the target group from the service before deleting the
// listener and the target group.
func (m *listenerMaterializer) Destroy(ctx context.Context, req platform.Request) error {
	h := req.Existing

	_, err := m.a.ecs.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:       awssdk.String(h.Outputs[platform.OutputCluster]),
		Service:       awssdk.String(h.Outputs[platform.OutputName]),
		LoadBalancers: []ecstypes.LoadBalancer{},
	})
	if err != nil && !isAPIError(err, "ServiceNotFoundException", "ServiceNotActiveException", "ClusterNotFoundException") {
		return platformErr("UpdateService", resource.KindListener, req.Descriptor.ID, err)
	}

	_, err = m.a.elb.DeleteListener(ctx, &elbv2.DeleteListenerInput{ListenerArn: awssdk.String(h.ID)})
	if err != nil && !isAPIError(err, "ListenerNotFound") {
		return platformErr("DeleteListener", resource.KindListener, req.Descriptor.ID, err)
	}

	if tg := h.Outputs[outputTargetGroupARN]; tg != "" {
		_, err = m.a.elb.DeleteTargetGroup(ctx, &elbv2.DeleteTargetGroupInput{TargetGroupArn: awssdk.String(tg)})
		if err != nil && !isAPIError(err, "TargetGroupNotFound") {
			return platformErr("DeleteTargetGroup", resource.KindListener, req.Descriptor.ID, err)
		}
	}
	return nil
}

func listenerURL(protocol, host string, port int) string {
	return fmt.Sprintf("%s://%s:%d", strings.ToLower(protocol), host, port)
}
