// provision implements the per-region deploy state machine: verify the
// machine image, assign a collision-free name, launch one unit of the fixed
// compute class, wait for the instance to become network-reachable, and
// record it in the instance directory.
//
// A failure after launch leaves a running-but-unrecorded instance. The
// engine does not clean those up itself; they match the reserved name
// prefix and are swept by the fleet reconciler.
package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
)

// NamePrefix is the reserved display-name prefix for VPN endpoints. The
// fleet reconciler treats any instance matching it as owned by this system.
const NamePrefix = "VPN-"

// ComputeClass is the single instance type this system deploys.
const ComputeClass = types.InstanceTypeT2Micro

const (
	maxNameAttempts = 50

	// Public address polling: 12 attempts at 5s, 60s total.
	defaultAddrInterval = 5 * time.Second
	defaultAddrAttempts = 12

	// Running-state waiter bound.
	defaultStateWait = 10 * time.Minute
)

var (
	ErrImageNotFound      = errors.New("image does not exist in region")
	ErrNameSpaceExhausted = errors.New("all name variations are taken")
	ErrLaunch             = errors.New("failed to launch instance")
	ErrLaunchNoInstances  = errors.New("no error during launch, but no instance was created")
	ErrLaunchIDNil        = errors.New("no error during launch, but the returned instance ID was nil")
	ErrNetworkTimeout     = errors.New("public address not assigned after retries")
)

type EC2API interface {
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, opts ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeImages(ctx context.Context, in *ec2.DescribeImagesInput, opts ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	StartInstances(ctx context.Context, in *ec2.StartInstancesInput, opts ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	DescribeInstanceTypeOfferings(ctx context.Context, in *ec2.DescribeInstanceTypeOfferingsInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstanceTypeOfferingsOutput, error)
}

// Recorder is the slice of the instance directory the engine writes to.
type Recorder interface {
	Upsert(ctx context.Context, userID, region, instanceID, ipv4, name string) error
}

// LaunchSpec carries the region-bundle values needed to launch.
type LaunchSpec struct {
	ImageID         string
	SecurityGroupID string
	SubnetID        string
	KeyName         string

	// Subject is the name-derivation seed, normally the caller's subject ID.
	Subject string
}

type Deployment struct {
	InstanceID string
	Name       string
	PublicIPv4 string
}

type Engine struct {
	client   EC2API
	recorder Recorder
	region   string

	addrInterval time.Duration
	addrAttempts int
	stateWait    time.Duration
}

func NewEngine(client EC2API, recorder Recorder, region string) *Engine {
	return &Engine{
		client:       client,
		recorder:     recorder,
		region:       region,
		addrInterval: defaultAddrInterval,
		addrAttempts: defaultAddrAttempts,
		stateWait:    defaultStateWait,
	}
}

// Deploy runs the state machine through to a recorded, reachable instance.
func (e *Engine) Deploy(ctx context.Context, userID string, spec LaunchSpec) (*Deployment, error) {
	log := clog.FromContext(ctx).With("region", e.region, "user", userID)

	if err := e.verifyImage(ctx, spec.ImageID); err != nil {
		return nil, err
	}

	name, err := e.assignName(ctx, NamePrefix+spec.Subject)
	if err != nil {
		return nil, err
	}
	log = log.With("name", name)

	instanceID, err := e.launch(ctx, spec, name)
	if err != nil {
		return nil, err
	}
	log.Info("instance launched", "instance", instanceID)

	ip, err := e.awaitNetwork(ctx, instanceID)
	if err != nil {
		// Running but unrecorded from here on; the reconciler owns cleanup.
		return nil, err
	}
	log.Info("instance reachable", "instance", instanceID, "ipv4", ip)

	if err := e.recorder.Upsert(ctx, userID, e.region, instanceID, ip, name); err != nil {
		return nil, err
	}
	return &Deployment{InstanceID: instanceID, Name: name, PublicIPv4: ip}, nil
}

// Restart brings a stopped instance back and refreshes its directory
// record. The name is left untouched.
func (e *Engine) Restart(ctx context.Context, userID, instanceID string) (*Deployment, error) {
	log := clog.FromContext(ctx).With("region", e.region, "user", userID, "instance", instanceID)

	if _, err := e.client.StartInstances(ctx, &ec2.StartInstancesInput{
		InstanceIds: []string{instanceID},
	}); err != nil {
		return nil, fmt.Errorf("%w: start request for %s: %w", ErrLaunch, instanceID, err)
	}
	log.Info("start request sent")

	ip, err := e.awaitNetwork(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	log.Info("instance restarted", "ipv4", ip)

	if err := e.recorder.Upsert(ctx, userID, e.region, instanceID, ip, ""); err != nil {
		return nil, err
	}
	return &Deployment{InstanceID: instanceID, PublicIPv4: ip}, nil
}

func (e *Engine) launch(ctx context.Context, spec LaunchSpec, name string) (string, error) {
	result, err := e.client.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:          aws.String(spec.ImageID),
		InstanceType:     ComputeClass,
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		SecurityGroupIds: []string{spec.SecurityGroupID},
		SubnetId:         aws.String(spec.SubnetID),
		KeyName:          aws.String(spec.KeyName),
		// Runtime retries must not double-launch.
		ClientToken: aws.String(uuid.New().String()),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         []types.Tag{{Key: aws.String("Name"), Value: aws.String(name)}},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrLaunch, err)
	}
	if len(result.Instances) < 1 {
		return "", ErrLaunchNoInstances
	}
	if result.Instances[0].InstanceId == nil {
		return "", ErrLaunchIDNil
	}
	return *result.Instances[0].InstanceId, nil
}
