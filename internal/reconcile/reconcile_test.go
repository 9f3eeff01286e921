package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/cloudlaunch/cloudlaunch/internal/directory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegion struct {
	mu sync.Mutex

	instances map[string]*regionInstance
	images    []types.Image
	sgs       []types.SecurityGroup
	vpcs      []string
	igws      map[string]string // igw id -> vpc id
	subnets   map[string]string // subnet id -> vpc id
	rts       []types.RouteTable

	deleted   []string // audit trail of deletions, in order
	failOn    string   // operation name that should error
	keypairs  map[string]bool
	describes int

	// When set, terminated instances pass through shutting-down and only
	// reach terminated after this many describe-by-ID calls.
	describesUntilTerminated int
	terminationDescribes     int
}

type regionInstance struct {
	id    string
	name  string
	state types.InstanceStateName
}

func newFakeRegion() *fakeRegion {
	return &fakeRegion{
		instances: map[string]*regionInstance{},
		igws:      map[string]string{},
		subnets:   map[string]string{},
		keypairs:  map[string]bool{},
	}
}

func (f *fakeRegion) addInstance(id, name string, state types.InstanceStateName) {
	f.instances[id] = &regionInstance{id: id, name: name, state: state}
}

func (f *fakeRegion) fail(op string) error {
	if f.failOn == op {
		return fmt.Errorf("injected %s failure", op)
	}
	return nil
}

func (f *fakeRegion) record(what string) {
	f.deleted = append(f.deleted, what)
}

func (f *fakeRegion) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("DescribeInstances"); err != nil {
		return nil, err
	}
	f.describes++

	if len(in.InstanceIds) > 0 && f.describesUntilTerminated > 0 {
		f.terminationDescribes++
		if f.terminationDescribes >= f.describesUntilTerminated {
			for _, inst := range f.instances {
				if inst.state == types.InstanceStateNameShuttingDown {
					inst.state = types.InstanceStateNameTerminated
				}
			}
		}
	}

	var states, prefixes []string
	for _, filter := range in.Filters {
		switch aws.ToString(filter.Name) {
		case "instance-state-name":
			states = filter.Values
		case "tag:Name":
			prefixes = filter.Values
		}
	}

	var out []types.Instance
	for _, inst := range f.instances {
		if len(in.InstanceIds) > 0 {
			found := false
			for _, id := range in.InstanceIds {
				if id == inst.id {
					found = true
				}
			}
			if !found {
				continue
			}
		}
		if len(states) > 0 && !contains(states, string(inst.state)) {
			continue
		}
		if len(prefixes) > 0 && !strings.HasPrefix(inst.name, strings.TrimSuffix(prefixes[0], "*")) {
			continue
		}
		out = append(out, types.Instance{
			InstanceId: aws.String(inst.id),
			State:      &types.InstanceState{Name: inst.state},
			Tags:       []types.Tag{{Key: aws.String("Name"), Value: aws.String(inst.name)}},
		})
	}
	return &ec2.DescribeInstancesOutput{Reservations: []types.Reservation{{Instances: out}}}, nil
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func (f *fakeRegion) TerminateInstances(_ context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("TerminateInstances"); err != nil {
		return nil, err
	}
	for _, id := range in.InstanceIds {
		if inst, ok := f.instances[id]; ok {
			inst.state = types.InstanceStateNameTerminated
			if f.describesUntilTerminated > 0 {
				inst.state = types.InstanceStateNameShuttingDown
			}
		}
		f.record("instance:" + id)
	}
	return &ec2.TerminateInstancesOutput{}, nil
}

func (f *fakeRegion) StartInstances(_ context.Context, in *ec2.StartInstancesInput, _ ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error) {
	for _, id := range in.InstanceIds {
		f.instances[id].state = types.InstanceStateNameRunning
	}
	return &ec2.StartInstancesOutput{}, nil
}

func (f *fakeRegion) StopInstances(_ context.Context, in *ec2.StopInstancesInput, _ ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	for _, id := range in.InstanceIds {
		f.instances[id].state = types.InstanceStateNameStopped
	}
	return &ec2.StopInstancesOutput{}, nil
}

func (f *fakeRegion) DescribeImages(_ context.Context, _ *ec2.DescribeImagesInput, _ ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	return &ec2.DescribeImagesOutput{Images: f.images}, nil
}

func (f *fakeRegion) DeregisterImage(_ context.Context, in *ec2.DeregisterImageInput, _ ...func(*ec2.Options)) (*ec2.DeregisterImageOutput, error) {
	f.record("image:" + aws.ToString(in.ImageId))
	return &ec2.DeregisterImageOutput{}, nil
}

func (f *fakeRegion) DeleteSnapshot(_ context.Context, in *ec2.DeleteSnapshotInput, _ ...func(*ec2.Options)) (*ec2.DeleteSnapshotOutput, error) {
	f.record("snapshot:" + aws.ToString(in.SnapshotId))
	return &ec2.DeleteSnapshotOutput{}, nil
}

func (f *fakeRegion) DescribeSecurityGroups(_ context.Context, _ *ec2.DescribeSecurityGroupsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	return &ec2.DescribeSecurityGroupsOutput{SecurityGroups: f.sgs}, nil
}

func (f *fakeRegion) DeleteSecurityGroup(_ context.Context, in *ec2.DeleteSecurityGroupInput, _ ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error) {
	if err := f.fail("DeleteSecurityGroup"); err != nil {
		return nil, err
	}
	f.record("sg:" + aws.ToString(in.GroupId))
	return &ec2.DeleteSecurityGroupOutput{}, nil
}

func (f *fakeRegion) DescribeVpcs(_ context.Context, _ *ec2.DescribeVpcsInput, _ ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
	var out []types.Vpc
	for _, id := range f.vpcs {
		out = append(out, types.Vpc{VpcId: aws.String(id)})
	}
	return &ec2.DescribeVpcsOutput{Vpcs: out}, nil
}

func (f *fakeRegion) DescribeInternetGateways(_ context.Context, _ *ec2.DescribeInternetGatewaysInput, _ ...func(*ec2.Options)) (*ec2.DescribeInternetGatewaysOutput, error) {
	var out []types.InternetGateway
	for id := range f.igws {
		out = append(out, types.InternetGateway{InternetGatewayId: aws.String(id)})
	}
	return &ec2.DescribeInternetGatewaysOutput{InternetGateways: out}, nil
}

func (f *fakeRegion) DetachInternetGateway(_ context.Context, in *ec2.DetachInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.DetachInternetGatewayOutput, error) {
	f.record("igw-detach:" + aws.ToString(in.InternetGatewayId))
	return &ec2.DetachInternetGatewayOutput{}, nil
}

func (f *fakeRegion) DeleteInternetGateway(_ context.Context, in *ec2.DeleteInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.DeleteInternetGatewayOutput, error) {
	f.record("igw:" + aws.ToString(in.InternetGatewayId))
	return &ec2.DeleteInternetGatewayOutput{}, nil
}

func (f *fakeRegion) DescribeSubnets(_ context.Context, _ *ec2.DescribeSubnetsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
	var out []types.Subnet
	for id := range f.subnets {
		out = append(out, types.Subnet{SubnetId: aws.String(id)})
	}
	return &ec2.DescribeSubnetsOutput{Subnets: out}, nil
}

func (f *fakeRegion) DeleteSubnet(_ context.Context, in *ec2.DeleteSubnetInput, _ ...func(*ec2.Options)) (*ec2.DeleteSubnetOutput, error) {
	f.record("subnet:" + aws.ToString(in.SubnetId))
	return &ec2.DeleteSubnetOutput{}, nil
}

func (f *fakeRegion) DescribeRouteTables(_ context.Context, _ *ec2.DescribeRouteTablesInput, _ ...func(*ec2.Options)) (*ec2.DescribeRouteTablesOutput, error) {
	return &ec2.DescribeRouteTablesOutput{RouteTables: f.rts}, nil
}

func (f *fakeRegion) DisassociateRouteTable(_ context.Context, in *ec2.DisassociateRouteTableInput, _ ...func(*ec2.Options)) (*ec2.DisassociateRouteTableOutput, error) {
	f.record("rt-disassoc:" + aws.ToString(in.AssociationId))
	return &ec2.DisassociateRouteTableOutput{}, nil
}

func (f *fakeRegion) DeleteRouteTable(_ context.Context, in *ec2.DeleteRouteTableInput, _ ...func(*ec2.Options)) (*ec2.DeleteRouteTableOutput, error) {
	f.record("rt:" + aws.ToString(in.RouteTableId))
	return &ec2.DeleteRouteTableOutput{}, nil
}

func (f *fakeRegion) DeleteVpc(_ context.Context, in *ec2.DeleteVpcInput, _ ...func(*ec2.Options)) (*ec2.DeleteVpcOutput, error) {
	f.record("vpc:" + aws.ToString(in.VpcId))
	return &ec2.DeleteVpcOutput{}, nil
}

func (f *fakeRegion) DeleteKeyPair(_ context.Context, in *ec2.DeleteKeyPairInput, _ ...func(*ec2.Options)) (*ec2.DeleteKeyPairOutput, error) {
	f.record("keypair:" + aws.ToString(in.KeyName))
	return &ec2.DeleteKeyPairOutput{}, nil
}

type fakeDirectory struct {
	mu      sync.Mutex
	owners  map[string]map[string][]string // user -> region -> instance IDs
	updates []string
	failAll bool
}

func (f *fakeDirectory) FindOwners(_ context.Context, regionInstances map[string][]string) (map[string]map[string][]string, error) {
	out := map[string]map[string][]string{}
	for uid, byRegion := range f.owners {
		for region, owned := range byRegion {
			for _, wanted := range regionInstances[region] {
				if contains(owned, wanted) {
					if out[uid] == nil {
						out[uid] = map[string][]string{}
					}
					out[uid][region] = append(out[uid][region], wanted)
				}
			}
		}
	}
	return out, nil
}

func (f *fakeDirectory) BatchUpdateStatus(_ context.Context, userID string, regionInstances map[string][]string, status directory.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errors.New("injected directory failure")
	}
	for region, ids := range regionInstances {
		for _, id := range ids {
			f.updates = append(f.updates, fmt.Sprintf("%s/%s/%s=%s", userID, region, id, status))
		}
	}
	return nil
}

func factoryFor(regions map[string]*fakeRegion) ClientFactory {
	return func(_ context.Context, region string) (TeardownAPI, error) {
		client, ok := regions[region]
		if !ok {
			return nil, fmt.Errorf("no client for %s", region)
		}
		return client, nil
	}
}

func testSweeper(regions map[string]*fakeRegion, dir *fakeDirectory) *Sweeper {
	s := NewSweeper(factoryFor(regions), dir)
	s.terminateInterval = time.Millisecond
	s.terminateWait = time.Second
	return s
}

func TestSweep(t *testing.T) {
	west := newFakeRegion()
	west.addInstance("i-1", "VPN-alice", types.InstanceStateNameRunning)
	west.addInstance("i-2", "bastion", types.InstanceStateNameRunning)
	east := newFakeRegion()
	east.addInstance("i-3", "VPN-bob-1", types.InstanceStateNamePending)
	east.addInstance("i-4", "VPN-carol", types.InstanceStateNameStopped)

	dir := &fakeDirectory{owners: map[string]map[string][]string{
		"alice": {"us-west-1": {"i-1"}},
		"bob":   {"eu-west-2": {"i-3"}},
	}}
	s := testSweeper(map[string]*fakeRegion{"us-west-1": west, "eu-west-2": east}, dir)

	terminated, err := s.Sweep(context.Background(), []string{"us-west-1", "eu-west-2"})
	require.NoError(t, err)

	// Only running/pending endpoints with the reserved prefix are swept.
	assert.Equal(t, map[string][]string{
		"us-west-1": {"i-1"},
		"eu-west-2": {"i-3"},
	}, terminated)
	assert.Equal(t, types.InstanceStateNameRunning, west.instances["i-2"].state)
	assert.Equal(t, types.InstanceStateNameStopped, east.instances["i-4"].state)

	assert.ElementsMatch(t, []string{
		"alice/us-west-1/i-1=terminated",
		"bob/eu-west-2/i-3=terminated",
	}, dir.updates)
}

func TestSweepRegionFailureContinues(t *testing.T) {
	broken := newFakeRegion()
	broken.addInstance("i-1", "VPN-alice", types.InstanceStateNameRunning)
	broken.failOn = "TerminateInstances"
	healthy := newFakeRegion()
	healthy.addInstance("i-2", "VPN-bob", types.InstanceStateNameRunning)

	dir := &fakeDirectory{owners: map[string]map[string][]string{
		"bob": {"eu-west-2": {"i-2"}},
	}}
	s := testSweeper(map[string]*fakeRegion{"us-west-1": broken, "eu-west-2": healthy}, dir)

	terminated, err := s.Sweep(context.Background(), []string{"us-west-1", "eu-west-2"})
	require.Error(t, err)

	// The healthy region was still swept and recorded.
	assert.Equal(t, map[string][]string{"eu-west-2": {"i-2"}}, terminated)
	assert.Equal(t, []string{"bob/eu-west-2/i-2=terminated"}, dir.updates)
}

func TestSweepConfirmsTermination(t *testing.T) {
	region := newFakeRegion()
	region.addInstance("i-1", "VPN-alice", types.InstanceStateNameRunning)
	// The instance lingers in shutting-down for one describe, forcing the
	// waiter to poll past the first check.
	region.describesUntilTerminated = 2
	dir := &fakeDirectory{owners: map[string]map[string][]string{}}
	s := testSweeper(map[string]*fakeRegion{"us-west-1": region}, dir).WithConfirmedTermination()

	_, err := s.Sweep(context.Background(), []string{"us-west-1"})
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStateNameTerminated, region.instances["i-1"].state)
}

func TestApply(t *testing.T) {
	region := newFakeRegion()
	region.addInstance("i-1", "VPN-alice", types.InstanceStateNameRunning)
	region.addInstance("i-2", "VPN-alice-1", types.InstanceStateNameRunning)
	dir := &fakeDirectory{}
	s := testSweeper(map[string]*fakeRegion{"us-west-1": region}, dir)

	targets := map[string]map[string][]string{
		"alice": {"us-west-1": {"i-1", "i-2"}},
	}
	require.NoError(t, s.Apply(context.Background(), targets, ActionStop))

	assert.Equal(t, types.InstanceStateNameStopped, region.instances["i-1"].state)
	assert.Equal(t, types.InstanceStateNameStopped, region.instances["i-2"].state)
	assert.ElementsMatch(t, []string{
		"alice/us-west-1/i-1=stopped",
		"alice/us-west-1/i-2=stopped",
	}, dir.updates)
}

func TestApplyUnknownAction(t *testing.T) {
	s := testSweeper(map[string]*fakeRegion{}, &fakeDirectory{})
	err := s.Apply(context.Background(), map[string]map[string][]string{
		"alice": {"us-west-1": {"i-1"}},
	}, Action("reboot"))
	require.ErrorIs(t, err, ErrUnknownAction)
}

type fakeSecretDeleter struct {
	deleted []string
}

func (f *fakeSecretDeleter) Delete(_ context.Context, name string) error {
	f.deleted = append(f.deleted, name)
	return nil
}

type fakeRegistry struct {
	removed []string
}

func (f *fakeRegistry) MarkUnlive(_ context.Context, region string) error {
	f.removed = append(f.removed, region)
	return nil
}

func decommTestRegion() *fakeRegion {
	region := newFakeRegion()
	region.addInstance("i-1", "VPN-alice", types.InstanceStateNameRunning)
	region.images = []types.Image{
		{
			ImageId: aws.String("ami-vpn"),
			Name:    aws.String("eu-west-2-VPN-image-EC2-v2"),
			BlockDeviceMappings: []types.BlockDeviceMapping{
				{Ebs: &types.EbsBlockDevice{SnapshotId: aws.String("snap-1")}},
			},
		},
		{ImageId: aws.String("ami-other"), Name: aws.String("unrelated")},
	}
	region.sgs = []types.SecurityGroup{
		{GroupId: aws.String("sg-default"), GroupName: aws.String("default")},
		{GroupId: aws.String("sg-wg"), GroupName: aws.String(securityGroupName)},
	}
	region.vpcs = []string{"vpc-1"}
	region.igws["igw-1"] = "vpc-1"
	region.subnets["subnet-1"] = "vpc-1"
	region.rts = []types.RouteTable{
		{
			RouteTableId: aws.String("rtb-main"),
			Associations: []types.RouteTableAssociation{{Main: aws.Bool(true)}},
		},
		{
			RouteTableId: aws.String("rtb-public"),
			Associations: []types.RouteTableAssociation{{
				Main:                    aws.Bool(false),
				RouteTableAssociationId: aws.String("assoc-1"),
			}},
		},
	}
	return region
}

func testDecommissioner(region *fakeRegion, deleter *fakeSecretDeleter, registry *fakeRegistry) *Decommissioner {
	regions := map[string]*fakeRegion{"eu-west-2": region}
	dir := &fakeDirectory{owners: map[string]map[string][]string{}}
	sweeper := testSweeper(regions, dir).WithConfirmedTermination()
	secretsFactory := func(_ context.Context, _ string) (SecretDeleter, error) {
		return deleter, nil
	}
	return NewDecommissioner(factoryFor(regions), sweeper, secretsFactory, registry, "us-west-1")
}

func TestDecommission(t *testing.T) {
	region := decommTestRegion()
	deleter := &fakeSecretDeleter{}
	registry := &fakeRegistry{}
	d := testDecommissioner(region, deleter, registry)

	require.NoError(t, d.Decommission(context.Background(), "eu-west-2", "wireguard-keypair"))

	assert.Equal(t, []string{
		"instance:i-1",
		"image:ami-vpn",
		"snapshot:snap-1",
		"sg:sg-wg",
		"igw-detach:igw-1",
		"igw:igw-1",
		"subnet:subnet-1",
		"rt-disassoc:assoc-1",
		"rt:rtb-public",
		"vpc:vpc-1",
		"keypair:wireguard-keypair",
	}, region.deleted)
	assert.Equal(t, []string{"wireguard/config/eu-west-2"}, deleter.deleted)
	assert.Equal(t, []string{"eu-west-2"}, registry.removed)
}

func TestDecommissionAbortsOnFailure(t *testing.T) {
	region := decommTestRegion()
	region.failOn = "DeleteSecurityGroup"
	deleter := &fakeSecretDeleter{}
	registry := &fakeRegistry{}
	d := testDecommissioner(region, deleter, registry)

	err := d.Decommission(context.Background(), "eu-west-2", "wireguard-keypair")
	require.Error(t, err)

	// Nothing past the failed step ran, and the region stays live.
	assert.Empty(t, deleter.deleted)
	assert.Empty(t, registry.removed)
	for _, d := range region.deleted {
		assert.NotContains(t, d, "vpc:")
		assert.NotContains(t, d, "keypair:")
	}
}

func TestDecommissionRefusesSourceRegion(t *testing.T) {
	d := testDecommissioner(decommTestRegion(), &fakeSecretDeleter{}, &fakeRegistry{})
	err := d.Decommission(context.Background(), "us-west-1", "wireguard-keypair")
	require.ErrorIs(t, err, ErrSourceRegion)
}

func TestDecommissionRequiresKeyPair(t *testing.T) {
	d := testDecommissioner(decommTestRegion(), &fakeSecretDeleter{}, &fakeRegistry{})
	err := d.Decommission(context.Background(), "eu-west-2", "")
	require.ErrorIs(t, err, ErrMissingKeyPair)
}
