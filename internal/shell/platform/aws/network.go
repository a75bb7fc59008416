package aws

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/bits"
	"net/netip"
	"sort"
	"strings"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/artpar/stackpipe/internal/core/resource"
	"github.com/artpar/stackpipe/internal/shell/platform"
)

// Network handle outputs.
const (
	outputVPCID           = "vpc_id"
	outputSubnetIDs       = "subnet_ids"
	outputSecurityGroupID = "security_group_id"
	outputRouteTableID    = "route_table_id"
	outputGatewayID       = "internet_gateway_id"
	outputCIDR            = "cidr"
)

type networkMaterializer struct{ a *AWS }

func (m *networkMaterializer) Kind() resource.Kind { return resource.KindNetwork }

// Materialize creates a VPC with an internet gateway, one public subnet per
// availability zone (up to max_azs) and a security group for the stack.
// An existing VPC is kept as is.
func (m *networkMaterializer) Materialize(ctx context.Context, req platform.Request) (platform.Handle, error) {
	if req.Existing != nil {
		m.a.logger.Warn("network config changed, keeping existing VPC", "resource", req.Descriptor.ID, "vpc_id", req.Existing.ID)
		return *req.Existing, nil
	}

	cfg := req.Config.(resource.NetworkConfig)
	name := req.Name()
	client := m.a.ec2

	azOut, err := client.DescribeAvailabilityZones(ctx, &ec2.DescribeAvailabilityZonesInput{
		Filters: []ec2types.Filter{{Name: awssdk.String("state"), Values: []string{"available"}}},
	})
	if err != nil {
		return platform.Handle{}, platformErr("DescribeAvailabilityZones", resource.KindNetwork, req.Descriptor.ID, err)
	}
	zones := make([]string, 0, len(azOut.AvailabilityZones))
	for _, az := range azOut.AvailabilityZones {
		zones = append(zones, awssdk.ToString(az.ZoneName))
	}
	sort.Strings(zones)
	if len(zones) > cfg.MaxAZs {
		zones = zones[:cfg.MaxAZs]
	}
	if len(zones) == 0 {
		return platform.Handle{}, platform.NewPlatformError("Materialize", resource.KindNetwork, req.Descriptor.ID, "no availability zones available", nil)
	}

	cidrs, err := subnetCIDRs(cfg.CIDR, len(zones))
	if err != nil {
		return platform.Handle{}, platformErr("Materialize", resource.KindNetwork, req.Descriptor.ID, err)
	}

	vpcOut, err := client.CreateVpc(ctx, &ec2.CreateVpcInput{
		CidrBlock:         awssdk.String(cfg.CIDR),
		TagSpecifications: tags(ec2types.ResourceTypeVpc, name, req.Stack),
	})
	if err != nil {
		return platform.Handle{}, platformErr("CreateVpc", resource.KindNetwork, req.Descriptor.ID, err)
	}
	vpcID := awssdk.ToString(vpcOut.Vpc.VpcId)
	m.a.logger.Info("VPC created", "vpc_id", vpcID, "cidr", cfg.CIDR)

	if _, err := client.ModifyVpcAttribute(ctx, &ec2.ModifyVpcAttributeInput{
		VpcId:              awssdk.String(vpcID),
		EnableDnsHostnames: &ec2types.AttributeBooleanValue{Value: awssdk.Bool(true)},
	}); err != nil {
		return platform.Handle{}, platformErr("ModifyVpcAttribute", resource.KindNetwork, req.Descriptor.ID, err)
	}

	igwOut, err := client.CreateInternetGateway(ctx, &ec2.CreateInternetGatewayInput{
		TagSpecifications: tags(ec2types.ResourceTypeInternetGateway, name, req.Stack),
	})
	if err != nil {
		return platform.Handle{}, platformErr("CreateInternetGateway", resource.KindNetwork, req.Descriptor.ID, err)
	}
	igwID := awssdk.ToString(igwOut.InternetGateway.InternetGatewayId)
	if _, err := client.AttachInternetGateway(ctx, &ec2.AttachInternetGatewayInput{
		InternetGatewayId: awssdk.String(igwID),
		VpcId:             awssdk.String(vpcID),
	}); err != nil {
		return platform.Handle{}, platformErr("AttachInternetGateway", resource.KindNetwork, req.Descriptor.ID, err)
	}

	rtOut, err := client.CreateRouteTable(ctx, &ec2.CreateRouteTableInput{
		VpcId:             awssdk.String(vpcID),
		TagSpecifications: tags(ec2types.ResourceTypeRouteTable, name, req.Stack),
	})
	if err != nil {
		return platform.Handle{}, platformErr("CreateRouteTable", resource.KindNetwork, req.Descriptor.ID, err)
	}
	rtID := awssdk.ToString(rtOut.RouteTable.RouteTableId)
	if _, err := client.CreateRoute(ctx, &ec2.CreateRouteInput{
		RouteTableId:         awssdk.String(rtID),
		DestinationCidrBlock: awssdk.String("0.0.0.0/0"),
		GatewayId:            awssdk.String(igwID),
	}); err != nil {
		return platform.Handle{}, platformErr("CreateRoute", resource.KindNetwork, req.Descriptor.ID, err)
	}

	subnetIDs := make([]string, 0, len(zones))
	for i, zone := range zones {
		subOut, err := client.CreateSubnet(ctx, &ec2.CreateSubnetInput{
			VpcId:             awssdk.String(vpcID),
			CidrBlock:         awssdk.String(cidrs[i]),
			AvailabilityZone:  awssdk.String(zone),
			TagSpecifications: tags(ec2types.ResourceTypeSubnet, fmt.Sprintf("%s-%s", name, zone), req.Stack),
		})
		if err != nil {
			return platform.Handle{}, platformErr("CreateSubnet", resource.KindNetwork, req.Descriptor.ID, err)
		}
		subnetID := awssdk.ToString(subOut.Subnet.SubnetId)
		subnetIDs = append(subnetIDs, subnetID)

		if _, err := client.ModifySubnetAttribute(ctx, &ec2.ModifySubnetAttributeInput{
			SubnetId:            awssdk.String(subnetID),
			MapPublicIpOnLaunch: &ec2types.AttributeBooleanValue{Value: awssdk.Bool(true)},
		}); err != nil {
			return platform.Handle{}, platformErr("ModifySubnetAttribute", resource.KindNetwork, req.Descriptor.ID, err)
		}
		if _, err := client.AssociateRouteTable(ctx, &ec2.AssociateRouteTableInput{
			RouteTableId: awssdk.String(rtID),
			SubnetId:     awssdk.String(subnetID),
		}); err != nil {
			return platform.Handle{}, platformErr("AssociateRouteTable", resource.KindNetwork, req.Descriptor.ID, err)
		}
	}

	sgOut, err := client.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   awssdk.String(name),
		Description: awssdk.String("stackpipe managed stack - " + name),
		VpcId:       awssdk.String(vpcID),
	})
	if err != nil {
		return platform.Handle{}, platformErr("CreateSecurityGroup", resource.KindNetwork, req.Descriptor.ID, err)
	}
	sgID := awssdk.ToString(sgOut.GroupId)

	// Public HTTP(S) for the load balancer, any TCP inside the VPC for tasks.
	if _, err := client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: awssdk.String(sgID),
		IpPermissions: []ec2types.IpPermission{
			{
				IpProtocol: awssdk.String("tcp"),
				FromPort:   awssdk.Int32(80),
				ToPort:     awssdk.Int32(80),
				IpRanges:   []ec2types.IpRange{{CidrIp: awssdk.String("0.0.0.0/0"), Description: awssdk.String("HTTP")}},
			},
			{
				IpProtocol: awssdk.String("tcp"),
				FromPort:   awssdk.Int32(443),
				ToPort:     awssdk.Int32(443),
				IpRanges:   []ec2types.IpRange{{CidrIp: awssdk.String("0.0.0.0/0"), Description: awssdk.String("HTTPS")}},
			},
			{
				IpProtocol: awssdk.String("tcp"),
				FromPort:   awssdk.Int32(0),
				ToPort:     awssdk.Int32(65535),
				IpRanges:   []ec2types.IpRange{{CidrIp: awssdk.String(cfg.CIDR), Description: awssdk.String("VPC")}},
			},
		},
	}); err != nil {
		return platform.Handle{}, platformErr("AuthorizeSecurityGroupIngress", resource.KindNetwork, req.Descriptor.ID, err)
	}

	return platform.Handle{
		ID:   vpcID,
		Kind: resource.KindNetwork,
		Outputs: map[string]string{
			platform.OutputName:   name,
			outputVPCID:           vpcID,
			outputSubnetIDs:       strings.Join(subnetIDs, ","),
			outputSecurityGroupID: sgID,
			outputRouteTableID:    rtID,
			outputGatewayID:       igwID,
			outputCIDR:            cfg.CIDR,
		},
	}, nil
}

// Destroy deletes the VPC and everything created with it. Objects that are
// already gone are skipped.
func (m *networkMaterializer) Destroy(ctx context.Context, req platform.Request) error {
	h := req.Existing
	client := m.a.ec2
	id := req.Descriptor.ID

	if sg := h.Outputs[outputSecurityGroupID]; sg != "" {
		if _, err := client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: awssdk.String(sg)}); err != nil && !isAPIError(err, "InvalidGroup.NotFound") {
			return platformErr("DeleteSecurityGroup", resource.KindNetwork, id, err)
		}
	}
	for _, subnet := range splitList(h.Outputs[outputSubnetIDs]) {
		if _, err := client.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{SubnetId: awssdk.String(subnet)}); err != nil && !isAPIError(err, "InvalidSubnetID.NotFound") {
			return platformErr("DeleteSubnet", resource.KindNetwork, id, err)
		}
	}
	if rt := h.Outputs[outputRouteTableID]; rt != "" {
		if _, err := client.DeleteRouteTable(ctx, &ec2.DeleteRouteTableInput{RouteTableId: awssdk.String(rt)}); err != nil && !isAPIError(err, "InvalidRouteTableID.NotFound") {
			return platformErr("DeleteRouteTable", resource.KindNetwork, id, err)
		}
	}
	if igw := h.Outputs[outputGatewayID]; igw != "" {
		if _, err := client.DetachInternetGateway(ctx, &ec2.DetachInternetGatewayInput{
			InternetGatewayId: awssdk.String(igw),
			VpcId:             awssdk.String(h.ID),
		}); err != nil && !isAPIError(err, "Gateway.NotAttached", "InvalidInternetGatewayID.NotFound") {
			return platformErr("DetachInternetGateway", resource.KindNetwork, id, err)
		}
		if _, err := client.DeleteInternetGateway(ctx, &ec2.DeleteInternetGatewayInput{InternetGatewayId: awssdk.String(igw)}); err != nil && !isAPIError(err, "InvalidInternetGatewayID.NotFound") {
			return platformErr("DeleteInternetGateway", resource.KindNetwork, id, err)
		}
	}
	if _, err := client.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: awssdk.String(h.ID)}); err != nil && !isAPIError(err, "InvalidVpcID.NotFound") {
		return platformErr("DeleteVpc", resource.KindNetwork, id, err)
	}

	m.a.logger.Info("VPC deleted", "vpc_id", h.ID)
	return nil
}

// subnetCIDRs carves n equally sized IPv4 subnets out of cidr, using the
// smallest split that fits n.
func subnetCIDRs(cidr string, n int) ([]string, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, err
	}
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("only IPv4 networks are supported: %s", cidr)
	}
	if n < 1 {
		return nil, fmt.Errorf("subnet count must be positive")
	}

	extra := bits.Len(uint(n - 1))
	newBits := prefix.Bits() + extra
	if newBits > 28 {
		return nil, fmt.Errorf("%s is too small for %d subnets", cidr, n)
	}

	base := prefix.Masked().Addr().As4()
	start := binary.BigEndian.Uint32(base[:])
	step := uint32(1) << (32 - newBits)

	out := make([]string, n)
	for i := 0; i < n; i++ {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], start+uint32(i)*step)
		out[i] = netip.PrefixFrom(netip.AddrFrom4(b), newBits).String()
	}
	return out, nil
}

func tags(rt ec2types.ResourceType, name, stack string) []ec2types.TagSpecification {
	return []ec2types.TagSpecification{{
		ResourceType: rt,
		Tags: []ec2types.Tag{
			{Key: awssdk.String("Name"), Value: awssdk.String(name)},
			{Key: awssdk.String("ManagedBy"), Value: awssdk.String(managedByTag)},
			{Key: awssdk.String("Stack"), Value: awssdk.String(stack)},
		},
	}}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
