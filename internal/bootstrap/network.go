package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

const (
	vpcCIDR     = "172.31.0.0/16"
	subnetCIDR  = "172.31.1.0/24"
	vpcTagValue = "wireguard-vpc"
)

// createNetwork stands up a dual-stack VPC: tagged VPC with DNS enabled,
// internet gateway, one public subnet carved from the assigned IPv6 block,
// and a route table defaulting both address families to the gateway.
func (b *Bootstrapper) createNetwork(ctx context.Context) (vpcID, subnetID string, err error) {
	vpc, err := b.client.CreateVpc(ctx, &ec2.CreateVpcInput{
		CidrBlock:                   aws.String(vpcCIDR),
		AmazonProvidedIpv6CidrBlock: aws.Bool(true),
		InstanceTenancy:             types.TenancyDefault,
	})
	if err != nil {
		return "", "", fmt.Errorf("creating VPC: %w", err)
	}
	vpcID = aws.ToString(vpc.Vpc.VpcId)

	for _, attr := range []ec2.ModifyVpcAttributeInput{
		{VpcId: aws.String(vpcID), EnableDnsHostnames: &types.AttributeBooleanValue{Value: aws.Bool(true)}},
		{VpcId: aws.String(vpcID), EnableDnsSupport: &types.AttributeBooleanValue{Value: aws.Bool(true)}},
	} {
		if _, err := b.client.ModifyVpcAttribute(ctx, &attr); err != nil {
			return "", "", fmt.Errorf("enabling DNS on %s: %w", vpcID, err)
		}
	}

	if _, err := b.client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{vpcID},
		Tags:      []types.Tag{{Key: aws.String("Name"), Value: aws.String(vpcTagValue)}},
	}); err != nil {
		return "", "", fmt.Errorf("tagging %s: %w", vpcID, err)
	}

	ipv6CIDR, err := b.assignedIPv6Block(ctx, vpcID)
	if err != nil {
		return "", "", err
	}

	igw, err := b.client.CreateInternetGateway(ctx, &ec2.CreateInternetGatewayInput{})
	if err != nil {
		return "", "", fmt.Errorf("creating internet gateway: %w", err)
	}
	igwID := aws.ToString(igw.InternetGateway.InternetGatewayId)
	if _, err := b.client.AttachInternetGateway(ctx, &ec2.AttachInternetGatewayInput{
		InternetGatewayId: aws.String(igwID),
		VpcId:             aws.String(vpcID),
	}); err != nil {
		return "", "", fmt.Errorf("attaching %s to %s: %w", igwID, vpcID, err)
	}

	subnetID, err = b.createSubnet(ctx, vpcID, ipv6CIDR)
	if err != nil {
		return "", "", err
	}

	rt, err := b.client.CreateRouteTable(ctx, &ec2.CreateRouteTableInput{
		VpcId: aws.String(vpcID),
	})
	if err != nil {
		return "", "", fmt.Errorf("creating route table: %w", err)
	}
	rtID := aws.ToString(rt.RouteTable.RouteTableId)

	for _, route := range []ec2.CreateRouteInput{
		{RouteTableId: aws.String(rtID), DestinationCidrBlock: aws.String("0.0.0.0/0"), GatewayId: aws.String(igwID)},
		{RouteTableId: aws.String(rtID), DestinationIpv6CidrBlock: aws.String("::/0"), GatewayId: aws.String(igwID)},
	} {
		if _, err := b.client.CreateRoute(ctx, &route); err != nil {
			return "", "", fmt.Errorf("adding default route to %s: %w", rtID, err)
		}
	}
	if _, err := b.client.AssociateRouteTable(ctx, &ec2.AssociateRouteTableInput{
		RouteTableId: aws.String(rtID),
		SubnetId:     aws.String(subnetID),
	}); err != nil {
		return "", "", fmt.Errorf("associating %s with %s: %w", rtID, subnetID, err)
	}

	for _, attr := range []ec2.ModifySubnetAttributeInput{
		{SubnetId: aws.String(subnetID), MapPublicIpOnLaunch: &types.AttributeBooleanValue{Value: aws.Bool(true)}},
		{SubnetId: aws.String(subnetID), AssignIpv6AddressOnCreation: &types.AttributeBooleanValue{Value: aws.Bool(true)}},
	} {
		if _, err := b.client.ModifySubnetAttribute(ctx, &attr); err != nil {
			return "", "", fmt.Errorf("enabling auto-assign on %s: %w", subnetID, err)
		}
	}
	return vpcID, subnetID, nil
}

func (b *Bootstrapper) assignedIPv6Block(ctx context.Context, vpcID string) (string, error) {
	out, err := b.client.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{
		VpcIds: []string{vpcID},
	})
	if err != nil {
		return "", fmt.Errorf("describing %s: %w", vpcID, err)
	}
	if len(out.Vpcs) == 0 || len(out.Vpcs[0].Ipv6CidrBlockAssociationSet) == 0 {
		return "", fmt.Errorf("no IPv6 block assigned to %s", vpcID)
	}
	return aws.ToString(out.Vpcs[0].Ipv6CidrBlockAssociationSet[0].Ipv6CidrBlock), nil
}

func (b *Bootstrapper) createSubnet(ctx context.Context, vpcID, ipv6CIDR string) (string, error) {
	zones, err := b.client.DescribeAvailabilityZones(ctx, &ec2.DescribeAvailabilityZonesInput{})
	if err != nil {
		return "", fmt.Errorf("listing availability zones: %w", err)
	}
	if len(zones.AvailabilityZones) == 0 {
		return "", fmt.Errorf("no availability zones in %s", b.region)
	}

	// First /64 out of the VPC's /56.
	subnetIPv6 := strings.Replace(ipv6CIDR, "::/56", "::/64", 1)

	subnet, err := b.client.CreateSubnet(ctx, &ec2.CreateSubnetInput{
		VpcId:            aws.String(vpcID),
		CidrBlock:        aws.String(subnetCIDR),
		Ipv6CidrBlock:    aws.String(subnetIPv6),
		AvailabilityZone: zones.AvailabilityZones[0].ZoneName,
	})
	if err != nil {
		return "", fmt.Errorf("creating subnet in %s: %w", vpcID, err)
	}
	return aws.ToString(subnet.Subnet.SubnetId), nil
}
