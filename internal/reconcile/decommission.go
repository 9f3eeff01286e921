package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"
	"github.com/cloudlaunch/cloudlaunch/internal/secrets"
)

const (
	vpcTagValue       = "wireguard-vpc"
	securityGroupName = "wireguard-security_group"
	imageNameMarker   = "VPN"
)

var (
	ErrSourceRegion   = errors.New("cannot decommission the source region")
	ErrMissingKeyPair = errors.New("key pair name is required")
)

// SecretDeleter deletes a named secret in a specific region.
type SecretDeleter interface {
	Delete(ctx context.Context, name string) error
}

// Registry is the live-region set the decommissioner removes from.
type Registry interface {
	MarkUnlive(ctx context.Context, region string) error
}

// SecretsFactory builds a secret deleter bound to a region.
type SecretsFactory func(ctx context.Context, region string) (SecretDeleter, error)

// Decommissioner tears a region's footprint back down to nothing: compute,
// machine images and their snapshots, security groups, network topology,
// secrets, and key pairs, in that dependency order. The registry entry is
// removed last, and only when every prior step succeeded, so a failed
// teardown leaves the region visibly live for retry.
type Decommissioner struct {
	clients      ClientFactory
	sweeper      *Sweeper
	secrets      SecretsFactory
	registry     Registry
	sourceRegion string
}

func NewDecommissioner(clients ClientFactory, sweeper *Sweeper, secretsFactory SecretsFactory, registry Registry, sourceRegion string) *Decommissioner {
	return &Decommissioner{
		clients:      clients,
		sweeper:      sweeper,
		secrets:      secretsFactory,
		registry:     registry,
		sourceRegion: sourceRegion,
	}
}

// Decommission runs the teardown saga. Any step failing aborts the
// remaining steps; each step is idempotent so the whole call is safe to
// retry.
func (d *Decommissioner) Decommission(ctx context.Context, region, keyPairName string) error {
	if region == d.sourceRegion {
		return fmt.Errorf("%w: %s", ErrSourceRegion, region)
	}
	if keyPairName == "" {
		return ErrMissingKeyPair
	}
	log := clog.FromContext(ctx).With("region", region)

	client, err := d.clients(ctx, region)
	if err != nil {
		return fmt.Errorf("building client for %s: %w", region, err)
	}

	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"terminate compute", func(ctx context.Context) error {
			_, err := d.sweeper.Sweep(ctx, []string{region})
			return err
		}},
		{"deregister machine images", func(ctx context.Context) error {
			return deregisterImages(ctx, client)
		}},
		{"delete security groups", func(ctx context.Context) error {
			return deleteSecurityGroups(ctx, client)
		}},
		{"delete network topology", func(ctx context.Context) error {
			return deleteNetworks(ctx, client)
		}},
		{"delete secret bundle", func(ctx context.Context) error {
			deleter, err := d.secrets(ctx, region)
			if err != nil {
				return err
			}
			return deleter.Delete(ctx, secrets.RegionBundleName(region))
		}},
		{"delete key pair", func(ctx context.Context) error {
			_, err := client.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{
				KeyName: aws.String(keyPairName),
			})
			return err
		}},
	}

	for _, step := range steps {
		log.Info("decommission step", "step", step.name)
		if err := step.run(ctx); err != nil {
			return fmt.Errorf("%s in %s: %w", step.name, region, err)
		}
	}

	// The point of no return. After this the region is invisible to
	// deploys and a re-bootstrap is required to bring it back.
	if err := d.registry.MarkUnlive(ctx, region); err != nil {
		return fmt.Errorf("removing %s from live set: %w", region, err)
	}
	log.Info("region decommissioned")
	return nil
}

// deregisterImages removes every owned machine image whose name carries the
// VPN marker, then deletes the snapshots backing them.
func deregisterImages(ctx context.Context, client TeardownAPI) error {
	out, err := client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Owners: []string{"self"},
	})
	if err != nil {
		return fmt.Errorf("listing images: %w", err)
	}

	var snapshotIDs []string
	for _, img := range out.Images {
		if !imageMatches(img) {
			continue
		}
		for _, bdm := range img.BlockDeviceMappings {
			if bdm.Ebs != nil && bdm.Ebs.SnapshotId != nil {
				snapshotIDs = append(snapshotIDs, *bdm.Ebs.SnapshotId)
			}
		}
		if _, err := client.DeregisterImage(ctx, &ec2.DeregisterImageInput{
			ImageId: img.ImageId,
		}); err != nil {
			return fmt.Errorf("deregistering %s: %w", aws.ToString(img.ImageId), err)
		}
	}

	for _, id := range snapshotIDs {
		if _, err := client.DeleteSnapshot(ctx, &ec2.DeleteSnapshotInput{
			SnapshotId: aws.String(id),
		}); err != nil {
			return fmt.Errorf("deleting snapshot %s: %w", id, err)
		}
	}
	return nil
}

func imageMatches(img types.Image) bool {
	name := aws.ToString(img.Name)
	return name != "" && strings.Contains(name, imageNameMarker)
}

func deleteSecurityGroups(ctx context.Context, client TeardownAPI) error {
	out, err := client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{})
	if err != nil {
		return fmt.Errorf("listing security groups: %w", err)
	}
	for _, sg := range out.SecurityGroups {
		if aws.ToString(sg.GroupName) != securityGroupName {
			continue
		}
		if _, err := client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{
			GroupId: sg.GroupId,
		}); err != nil {
			return fmt.Errorf("deleting security group %s: %w", aws.ToString(sg.GroupId), err)
		}
	}
	return nil
}

// deleteNetworks removes the tagged VPCs and their dependents. Gateways,
// subnets, and non-main route tables must go before the VPC itself.
func deleteNetworks(ctx context.Context, client TeardownAPI) error {
	vpcs, err := client.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{
		Filters: []types.Filter{{
			Name:   aws.String("tag:Name"),
			Values: []string{vpcTagValue},
		}},
	})
	if err != nil {
		return fmt.Errorf("listing VPCs: %w", err)
	}

	for _, vpc := range vpcs.Vpcs {
		vpcID := aws.ToString(vpc.VpcId)
		if err := deleteVPC(ctx, client, vpcID); err != nil {
			return fmt.Errorf("deleting VPC %s: %w", vpcID, err)
		}
	}
	return nil
}

func deleteVPC(ctx context.Context, client TeardownAPI, vpcID string) error {
	vpcFilter := []types.Filter{{
		Name:   aws.String("vpc-id"),
		Values: []string{vpcID},
	}}

	igws, err := client.DescribeInternetGateways(ctx, &ec2.DescribeInternetGatewaysInput{
		Filters: []types.Filter{{
			Name:   aws.String("attachment.vpc-id"),
			Values: []string{vpcID},
		}},
	})
	if err != nil {
		return fmt.Errorf("listing internet gateways: %w", err)
	}
	for _, igw := range igws.InternetGateways {
		if _, err := client.DetachInternetGateway(ctx, &ec2.DetachInternetGatewayInput{
			InternetGatewayId: igw.InternetGatewayId,
			VpcId:             aws.String(vpcID),
		}); err != nil {
			return fmt.Errorf("detaching gateway %s: %w", aws.ToString(igw.InternetGatewayId), err)
		}
		if _, err := client.DeleteInternetGateway(ctx, &ec2.DeleteInternetGatewayInput{
			InternetGatewayId: igw.InternetGatewayId,
		}); err != nil {
			return fmt.Errorf("deleting gateway %s: %w", aws.ToString(igw.InternetGatewayId), err)
		}
	}

	subnets, err := client.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{Filters: vpcFilter})
	if err != nil {
		return fmt.Errorf("listing subnets: %w", err)
	}
	for _, subnet := range subnets.Subnets {
		if _, err := client.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{
			SubnetId: subnet.SubnetId,
		}); err != nil {
			return fmt.Errorf("deleting subnet %s: %w", aws.ToString(subnet.SubnetId), err)
		}
	}

	rts, err := client.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{Filters: vpcFilter})
	if err != nil {
		return fmt.Errorf("listing route tables: %w", err)
	}
	for _, rt := range rts.RouteTables {
		main := false
		for _, assoc := range rt.Associations {
			if aws.ToBool(assoc.Main) {
				main = true
				continue
			}
			if _, err := client.DisassociateRouteTable(ctx, &ec2.DisassociateRouteTableInput{
				AssociationId: assoc.RouteTableAssociationId,
			}); err != nil {
				return fmt.Errorf("disassociating route table %s: %w", aws.ToString(rt.RouteTableId), err)
			}
		}
		if main {
			continue
		}
		if _, err := client.DeleteRouteTable(ctx, &ec2.DeleteRouteTableInput{
			RouteTableId: rt.RouteTableId,
		}); err != nil {
			return fmt.Errorf("deleting route table %s: %w", aws.ToString(rt.RouteTableId), err)
		}
	}

	if _, err := client.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: aws.String(vpcID)}); err != nil {
		return err
	}
	return nil
}
