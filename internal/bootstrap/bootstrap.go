// bootstrap builds out a brand-new region so the provisioning engine can
// target it: copy the machine image over, stand up the network, open the
// firewall, import the SSH key, and write the region's secret bundle. Every
// step is idempotent so a half-finished bootstrap can simply be rerun.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/chainguard-dev/clog"
	"github.com/cloudlaunch/cloudlaunch/internal/secrets"
)

var (
	ErrImageCopy        = errors.New("machine image could not be copied")
	ErrImageGone        = errors.New("machine image disappeared")
	ErrImageNotReady    = errors.New("machine image never became available")
	ErrSourceIncomplete = errors.New("source region bundle is missing required values")
)

type EC2API interface {
	DescribeImages(ctx context.Context, in *ec2.DescribeImagesInput, opts ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	CopyImage(ctx context.Context, in *ec2.CopyImageInput, opts ...func(*ec2.Options)) (*ec2.CopyImageOutput, error)
	CreateVpc(ctx context.Context, in *ec2.CreateVpcInput, opts ...func(*ec2.Options)) (*ec2.CreateVpcOutput, error)
	ModifyVpcAttribute(ctx context.Context, in *ec2.ModifyVpcAttributeInput, opts ...func(*ec2.Options)) (*ec2.ModifyVpcAttributeOutput, error)
	DescribeVpcs(ctx context.Context, in *ec2.DescribeVpcsInput, opts ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error)
	CreateTags(ctx context.Context, in *ec2.CreateTagsInput, opts ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	CreateInternetGateway(ctx context.Context, in *ec2.CreateInternetGatewayInput, opts ...func(*ec2.Options)) (*ec2.CreateInternetGatewayOutput, error)
	AttachInternetGateway(ctx context.Context, in *ec2.AttachInternetGatewayInput, opts ...func(*ec2.Options)) (*ec2.AttachInternetGatewayOutput, error)
	DescribeAvailabilityZones(ctx context.Context, in *ec2.DescribeAvailabilityZonesInput, opts ...func(*ec2.Options)) (*ec2.DescribeAvailabilityZonesOutput, error)
	CreateSubnet(ctx context.Context, in *ec2.CreateSubnetInput, opts ...func(*ec2.Options)) (*ec2.CreateSubnetOutput, error)
	ModifySubnetAttribute(ctx context.Context, in *ec2.ModifySubnetAttributeInput, opts ...func(*ec2.Options)) (*ec2.ModifySubnetAttributeOutput, error)
	CreateRouteTable(ctx context.Context, in *ec2.CreateRouteTableInput, opts ...func(*ec2.Options)) (*ec2.CreateRouteTableOutput, error)
	CreateRoute(ctx context.Context, in *ec2.CreateRouteInput, opts ...func(*ec2.Options)) (*ec2.CreateRouteOutput, error)
	AssociateRouteTable(ctx context.Context, in *ec2.AssociateRouteTableInput, opts ...func(*ec2.Options)) (*ec2.AssociateRouteTableOutput, error)
	CreateSecurityGroup(ctx context.Context, in *ec2.CreateSecurityGroupInput, opts ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error)
	AuthorizeSecurityGroupIngress(ctx context.Context, in *ec2.AuthorizeSecurityGroupIngressInput, opts ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
	ImportKeyPair(ctx context.Context, in *ec2.ImportKeyPairInput, opts ...func(*ec2.Options)) (*ec2.ImportKeyPairOutput, error)
}

// SecretPutter writes the new region's bundle.
type SecretPutter interface {
	Put(ctx context.Context, name string, b secrets.Bundle) (string, error)
}

type Bootstrapper struct {
	client       EC2API
	secrets      SecretPutter
	region       string
	sourceRegion string
}

func New(client EC2API, secretPutter SecretPutter, region, sourceRegion string) *Bootstrapper {
	return &Bootstrapper{
		client:       client,
		secrets:      secretPutter,
		region:       region,
		sourceRegion: sourceRegion,
	}
}

// Result summarizes the resources a bootstrap produced. The image may
// still be copying when this returns; readiness is confirmed separately.
type Result struct {
	Region          string
	ImageID         string
	VPCID           string
	SubnetID        string
	SecurityGroupID string
	SecretARN       string
}

// Bootstrap builds the region from the source region's bundle and writes
// the new region's own bundle as the final step.
func (b *Bootstrapper) Bootstrap(ctx context.Context, source secrets.Bundle) (*Result, error) {
	log := clog.FromContext(ctx).With("region", b.region)

	if source.ImageID == "" || source.KeyName == "" || source.PublicKeyMaterial == "" {
		return nil, ErrSourceIncomplete
	}

	imageID, err := b.copyImage(ctx, source.ImageID)
	if err != nil {
		return nil, err
	}
	log.Info("image copy started", "image", imageID)

	vpcID, subnetID, err := b.createNetwork(ctx)
	if err != nil {
		return nil, err
	}
	log.Info("network ready", "vpc", vpcID, "subnet", subnetID)

	sgID, err := b.createSecurityGroup(ctx, vpcID)
	if err != nil {
		return nil, err
	}

	if err := b.importKeyPair(ctx, source.KeyName, source.PublicKeyMaterial); err != nil {
		return nil, err
	}

	arn, err := b.secrets.Put(ctx, secrets.RegionBundleName(b.region), secrets.Bundle{
		ImageID:          imageID,
		SecurityGroupID:  sgID,
		SubnetID:         subnetID,
		KeyName:          source.KeyName,
		ClientPrivateKey: source.ClientPrivateKey,
		ServerPublicKey:  source.ServerPublicKey,
	})
	if err != nil {
		return nil, fmt.Errorf("writing region bundle: %w", err)
	}
	log.Info("region bootstrapped", "image", imageID, "security_group", sgID, "secret", arn)

	return &Result{
		Region:          b.region,
		ImageID:         imageID,
		VPCID:           vpcID,
		SubnetID:        subnetID,
		SecurityGroupID: sgID,
		SecretARN:       arn,
	}, nil
}
