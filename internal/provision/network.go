package provision

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"
)

// awaitNetwork blocks until the instance is running and holds a public
// IPv4 address, returning the address. The address is assigned some time
// after the running transition, hence the second polling phase.
func (e *Engine) awaitNetwork(ctx context.Context, instanceID string) (string, error) {
	if err := e.awaitRunning(ctx, instanceID); err != nil {
		return "", err
	}
	return e.awaitAddress(ctx, instanceID)
}

func (e *Engine) awaitRunning(ctx context.Context, instanceID string) error {
	waiter := ec2.NewInstanceRunningWaiter(e.client, func(o *ec2.InstanceRunningWaiterOptions) {
		o.MinDelay = e.addrInterval
		o.MaxDelay = e.addrInterval
	})
	if err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	}, e.stateWait); err != nil {
		return fmt.Errorf("%w: %s never reached running state: %w", ErrNetworkTimeout, instanceID, err)
	}
	return nil
}

func (e *Engine) awaitAddress(ctx context.Context, instanceID string) (string, error) {
	log := clog.FromContext(ctx)
	for attempt := 0; attempt < e.addrAttempts; attempt++ {
		inst, err := e.describeOne(ctx, instanceID)
		if err != nil {
			return "", err
		}
		if ip := aws.ToString(inst.PublicIpAddress); ip != "" {
			return ip, nil
		}
		log.Debug("waiting for public address", "instance", instanceID, "attempt", attempt+1)
		if err := e.sleep(ctx); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNetworkTimeout, instanceID)
}

func (e *Engine) describeOne(ctx context.Context, instanceID string) (*types.Instance, error) {
	out, err := e.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return nil, fmt.Errorf("describing %s: %w", instanceID, err)
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if aws.ToString(inst.InstanceId) == instanceID {
				return &inst, nil
			}
		}
	}
	return nil, fmt.Errorf("instance %s not found in describe response", instanceID)
}

func (e *Engine) sleep(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(e.addrInterval):
		return nil
	}
}
