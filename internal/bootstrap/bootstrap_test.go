package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/cloudlaunch/cloudlaunch/internal/secrets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEC2 struct {
	existingImages []types.Image
	imageStates    []types.ImageState // consumed one per describe-by-ID
	copied         bool
	keyImported    bool
	keyDuplicate   bool

	ingress []types.IpPermission
	routes  []string
	tags    map[string]string
	subnets []ec2.CreateSubnetInput
}

func newFakeEC2() *fakeEC2 {
	return &fakeEC2{tags: map[string]string{}}
}

func (f *fakeEC2) DescribeImages(_ context.Context, in *ec2.DescribeImagesInput, _ ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	if len(in.ImageIds) > 0 {
		if len(f.imageStates) == 0 {
			return &ec2.DescribeImagesOutput{}, nil
		}
		state := f.imageStates[0]
		if len(f.imageStates) > 1 {
			f.imageStates = f.imageStates[1:]
		}
		return &ec2.DescribeImagesOutput{Images: []types.Image{{
			ImageId: aws.String(in.ImageIds[0]),
			State:   state,
		}}}, nil
	}
	return &ec2.DescribeImagesOutput{Images: f.existingImages}, nil
}

func (f *fakeEC2) CopyImage(_ context.Context, in *ec2.CopyImageInput, _ ...func(*ec2.Options)) (*ec2.CopyImageOutput, error) {
	f.copied = true
	return &ec2.CopyImageOutput{ImageId: aws.String("ami-copied")}, nil
}

func (f *fakeEC2) CreateVpc(_ context.Context, _ *ec2.CreateVpcInput, _ ...func(*ec2.Options)) (*ec2.CreateVpcOutput, error) {
	return &ec2.CreateVpcOutput{Vpc: &types.Vpc{VpcId: aws.String("vpc-1")}}, nil
}

func (f *fakeEC2) ModifyVpcAttribute(_ context.Context, _ *ec2.ModifyVpcAttributeInput, _ ...func(*ec2.Options)) (*ec2.ModifyVpcAttributeOutput, error) {
	return &ec2.ModifyVpcAttributeOutput{}, nil
}

func (f *fakeEC2) DescribeVpcs(_ context.Context, _ *ec2.DescribeVpcsInput, _ ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
	return &ec2.DescribeVpcsOutput{Vpcs: []types.Vpc{{
		VpcId: aws.String("vpc-1"),
		Ipv6CidrBlockAssociationSet: []types.VpcIpv6CidrBlockAssociation{{
			Ipv6CidrBlock: aws.String("2600:1f1c:100:9200::/56"),
		}},
	}}}, nil
}

func (f *fakeEC2) CreateTags(_ context.Context, in *ec2.CreateTagsInput, _ ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	for _, tag := range in.Tags {
		f.tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	return &ec2.CreateTagsOutput{}, nil
}

func (f *fakeEC2) CreateInternetGateway(_ context.Context, _ *ec2.CreateInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.CreateInternetGatewayOutput, error) {
	return &ec2.CreateInternetGatewayOutput{InternetGateway: &types.InternetGateway{
		InternetGatewayId: aws.String("igw-1"),
	}}, nil
}

func (f *fakeEC2) AttachInternetGateway(_ context.Context, _ *ec2.AttachInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.AttachInternetGatewayOutput, error) {
	return &ec2.AttachInternetGatewayOutput{}, nil
}

func (f *fakeEC2) DescribeAvailabilityZones(_ context.Context, _ *ec2.DescribeAvailabilityZonesInput, _ ...func(*ec2.Options)) (*ec2.DescribeAvailabilityZonesOutput, error) {
	return &ec2.DescribeAvailabilityZonesOutput{AvailabilityZones: []types.AvailabilityZone{
		{ZoneName: aws.String("eu-west-2a")},
		{ZoneName: aws.String("eu-west-2b")},
	}}, nil
}

func (f *fakeEC2) CreateSubnet(_ context.Context, in *ec2.CreateSubnetInput, _ ...func(*ec2.Options)) (*ec2.CreateSubnetOutput, error) {
	f.subnets = append(f.subnets, *in)
	return &ec2.CreateSubnetOutput{Subnet: &types.Subnet{SubnetId: aws.String("subnet-1")}}, nil
}

func (f *fakeEC2) ModifySubnetAttribute(_ context.Context, _ *ec2.ModifySubnetAttributeInput, _ ...func(*ec2.Options)) (*ec2.ModifySubnetAttributeOutput, error) {
	return &ec2.ModifySubnetAttributeOutput{}, nil
}

func (f *fakeEC2) CreateRouteTable(_ context.Context, _ *ec2.CreateRouteTableInput, _ ...func(*ec2.Options)) (*ec2.CreateRouteTableOutput, error) {
	return &ec2.CreateRouteTableOutput{RouteTable: &types.RouteTable{
		RouteTableId: aws.String("rtb-1"),
	}}, nil
}

func (f *fakeEC2) CreateRoute(_ context.Context, in *ec2.CreateRouteInput, _ ...func(*ec2.Options)) (*ec2.CreateRouteOutput, error) {
	if in.DestinationCidrBlock != nil {
		f.routes = append(f.routes, aws.ToString(in.DestinationCidrBlock))
	}
	if in.DestinationIpv6CidrBlock != nil {
		f.routes = append(f.routes, aws.ToString(in.DestinationIpv6CidrBlock))
	}
	return &ec2.CreateRouteOutput{}, nil
}

func (f *fakeEC2) AssociateRouteTable(_ context.Context, _ *ec2.AssociateRouteTableInput, _ ...func(*ec2.Options)) (*ec2.AssociateRouteTableOutput, error) {
	return &ec2.AssociateRouteTableOutput{}, nil
}

func (f *fakeEC2) CreateSecurityGroup(_ context.Context, _ *ec2.CreateSecurityGroupInput, _ ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error) {
	return &ec2.CreateSecurityGroupOutput{GroupId: aws.String("sg-1")}, nil
}

func (f *fakeEC2) AuthorizeSecurityGroupIngress(_ context.Context, in *ec2.AuthorizeSecurityGroupIngressInput, _ ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error) {
	f.ingress = in.IpPermissions
	return &ec2.AuthorizeSecurityGroupIngressOutput{}, nil
}

func (f *fakeEC2) ImportKeyPair(_ context.Context, in *ec2.ImportKeyPairInput, _ ...func(*ec2.Options)) (*ec2.ImportKeyPairOutput, error) {
	if f.keyDuplicate {
		return nil, &smithy.GenericAPIError{Code: "InvalidKeyPair.Duplicate", Message: "already exists"}
	}
	f.keyImported = true
	return &ec2.ImportKeyPairOutput{KeyName: in.KeyName}, nil
}

type fakeSecretPutter struct {
	put map[string]secrets.Bundle
}

func (f *fakeSecretPutter) Put(_ context.Context, name string, b secrets.Bundle) (string, error) {
	if f.put == nil {
		f.put = map[string]secrets.Bundle{}
	}
	f.put[name] = b
	return "arn:aws:secretsmanager:::" + name, nil
}

func sourceBundle() secrets.Bundle {
	return secrets.Bundle{
		ImageID:           "ami-source",
		KeyName:           "wireguard-keypair",
		ClientPrivateKey:  "client-key",
		ServerPublicKey:   "server-key",
		PublicKeyMaterial: "ssh-ed25519 AAAA",
	}
}

func TestBootstrap(t *testing.T) {
	client := newFakeEC2()
	putter := &fakeSecretPutter{}
	b := New(client, putter, "eu-west-2", "us-west-1")

	got, err := b.Bootstrap(context.Background(), sourceBundle())
	require.NoError(t, err)

	assert.Equal(t, &Result{
		Region:          "eu-west-2",
		ImageID:         "ami-copied",
		VPCID:           "vpc-1",
		SubnetID:        "subnet-1",
		SecurityGroupID: "sg-1",
		SecretARN:       "arn:aws:secretsmanager:::wireguard/config/eu-west-2",
	}, got)

	assert.True(t, client.copied)
	assert.True(t, client.keyImported)
	assert.Equal(t, "wireguard-vpc", client.tags["Name"])
	assert.ElementsMatch(t, []string{"0.0.0.0/0", "::/0"}, client.routes)

	// Subnet takes the first /64 of the VPC's /56.
	require.Len(t, client.subnets, 1)
	assert.Equal(t, "2600:1f1c:100:9200::/64", aws.ToString(client.subnets[0].Ipv6CidrBlock))
	assert.Equal(t, "eu-west-2a", aws.ToString(client.subnets[0].AvailabilityZone))

	// Both WireGuard and SSH are open on v4 and v6.
	require.Len(t, client.ingress, 2)
	assert.Equal(t, int32(51820), aws.ToInt32(client.ingress[0].FromPort))
	assert.Equal(t, int32(22), aws.ToInt32(client.ingress[1].FromPort))

	bundle := putter.put["wireguard/config/eu-west-2"]
	assert.Equal(t, "ami-copied", bundle.ImageID)
	assert.Equal(t, "sg-1", bundle.SecurityGroupID)
	assert.Equal(t, "subnet-1", bundle.SubnetID)
	assert.Equal(t, "wireguard-keypair", bundle.KeyName)
	assert.Equal(t, "client-key", bundle.ClientPrivateKey)
	assert.Equal(t, "server-key", bundle.ServerPublicKey)
	assert.Empty(t, bundle.PublicKeyMaterial)
}

func TestBootstrapReusesExistingImage(t *testing.T) {
	client := newFakeEC2()
	client.existingImages = []types.Image{{
		ImageId: aws.String("ami-existing"),
		Name:    aws.String(ImageName("eu-west-2")),
	}}
	b := New(client, &fakeSecretPutter{}, "eu-west-2", "us-west-1")

	got, err := b.Bootstrap(context.Background(), sourceBundle())
	require.NoError(t, err)
	assert.Equal(t, "ami-existing", got.ImageID)
	assert.False(t, client.copied)
}

func TestBootstrapDuplicateKeyPairTolerated(t *testing.T) {
	client := newFakeEC2()
	client.keyDuplicate = true
	b := New(client, &fakeSecretPutter{}, "eu-west-2", "us-west-1")

	_, err := b.Bootstrap(context.Background(), sourceBundle())
	require.NoError(t, err)
}

func TestBootstrapIncompleteSource(t *testing.T) {
	b := New(newFakeEC2(), &fakeSecretPutter{}, "eu-west-2", "us-west-1")
	_, err := b.Bootstrap(context.Background(), secrets.Bundle{ImageID: "ami-source"})
	require.ErrorIs(t, err, ErrSourceIncomplete)
}

func TestAwaitImageAvailable(t *testing.T) {
	client := newFakeEC2()
	client.imageStates = []types.ImageState{
		types.ImageStatePending,
		types.ImageStatePending,
		types.ImageStateAvailable,
	}

	err := AwaitImageAvailable(context.Background(), client, "ami-copied", time.Millisecond)
	require.NoError(t, err)
}

func TestAwaitImageGone(t *testing.T) {
	client := newFakeEC2()

	err := AwaitImageAvailable(context.Background(), client, "ami-copied", time.Millisecond)
	require.ErrorIs(t, err, ErrImageGone)
}

func TestAwaitImageDeadline(t *testing.T) {
	client := newFakeEC2()
	client.imageStates = []types.ImageState{types.ImageStatePending}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := AwaitImageAvailable(ctx, client, "ami-copied", 5*time.Millisecond)
	require.ErrorIs(t, err, ErrImageNotReady)
}

func TestImageName(t *testing.T) {
	assert.Equal(t, "us-west-1-VPN-image-EC2-v2", ImageName("us-west-1"))
}
