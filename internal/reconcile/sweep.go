package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"
	"github.com/cloudlaunch/cloudlaunch/internal/directory"
	"github.com/cloudlaunch/cloudlaunch/internal/provision"
)

// Sweeper terminates every running or pending endpoint matching the
// reserved name prefix and marks the owners' directory records terminated.
type Sweeper struct {
	clients ClientFactory
	dir     Directory

	// Wait for confirmed termination before touching the directory.
	waitTerminated    bool
	terminateInterval time.Duration
	terminateWait     time.Duration
}

func NewSweeper(clients ClientFactory, dir Directory) *Sweeper {
	return &Sweeper{
		clients:           clients,
		dir:               dir,
		terminateInterval: defaultTerminateInterval,
		terminateWait:     defaultTerminateWait,
	}
}

// WithConfirmedTermination makes the sweep block until the provider
// reports every instance terminated before updating the directory.
func (s *Sweeper) WithConfirmedTermination() *Sweeper {
	s.waitTerminated = true
	return s
}

// Sweep runs the fleet sweep across regions. A region-level failure is
// recorded and the remaining regions still run; the joined error reports
// overall failure so the caller can retry idempotently.
func (s *Sweeper) Sweep(ctx context.Context, regions []string) (map[string][]string, error) {
	log := clog.FromContext(ctx)

	terminated := make(map[string][]string)
	var errs []error
	for _, region := range regions {
		ids, err := s.sweepRegion(ctx, region)
		if err != nil {
			log.Warn("region sweep failed", "region", region, "error", err)
			errs = append(errs, fmt.Errorf("sweeping %s: %w", region, err))
			continue
		}
		if len(ids) > 0 {
			terminated[region] = ids
		}
	}

	if len(terminated) > 0 {
		if err := s.recordTerminated(ctx, terminated); err != nil {
			errs = append(errs, err)
		}
	}
	return terminated, errors.Join(errs...)
}

func (s *Sweeper) sweepRegion(ctx context.Context, region string) ([]string, error) {
	log := clog.FromContext(ctx).With("region", region)

	client, err := s.clients(ctx, region)
	if err != nil {
		return nil, fmt.Errorf("building client: %w", err)
	}

	ids, err := s.matchingInstances(ctx, client)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		log.Info("no endpoints to sweep")
		return nil, nil
	}

	if _, err := client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: ids,
	}); err != nil {
		return nil, fmt.Errorf("terminating %v: %w", ids, err)
	}
	log.Info("endpoints terminated", "instances", ids)

	if s.waitTerminated {
		if err := s.awaitTerminated(ctx, client, ids); err != nil {
			return nil, err
		}
		log.Info("termination confirmed", "instances", ids)
	}
	return ids, nil
}

func (s *Sweeper) matchingInstances(ctx context.Context, client TeardownAPI) ([]string, error) {
	var ids []string
	paginator := ec2.NewDescribeInstancesPaginator(client, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("instance-state-name"), Values: []string{"running", "pending"}},
			{Name: aws.String("tag:Name"), Values: []string{provision.NamePrefix + "*"}},
		},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing endpoints: %w", err)
		}
		for _, r := range page.Reservations {
			for _, inst := range r.Instances {
				if inst.InstanceId != nil {
					ids = append(ids, *inst.InstanceId)
				}
			}
		}
	}
	return ids, nil
}

func (s *Sweeper) awaitTerminated(ctx context.Context, client TeardownAPI, ids []string) error {
	waiter := ec2.NewInstanceTerminatedWaiter(client, func(o *ec2.InstanceTerminatedWaiterOptions) {
		o.MinDelay = s.terminateInterval
		o.MaxDelay = s.terminateInterval
	})
	if err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: ids,
	}, s.terminateWait); err != nil {
		return fmt.Errorf("confirming termination of %v: %w", ids, err)
	}
	return nil
}

// recordTerminated reverse-maps the swept instance IDs to owners and moves
// their records to terminated, one batch per user. A failing user does not
// block the others.
func (s *Sweeper) recordTerminated(ctx context.Context, terminated map[string][]string) error {
	log := clog.FromContext(ctx)

	owners, err := s.dir.FindOwners(ctx, terminated)
	if err != nil {
		return fmt.Errorf("mapping owners: %w", err)
	}

	var errs []error
	for uid, owned := range owners {
		if err := s.dir.BatchUpdateStatus(ctx, uid, owned, directory.StatusTerminated); err != nil {
			log.Warn("status update failed", "user", uid, "error", err)
			errs = append(errs, fmt.Errorf("updating records for %s: %w", uid, err))
		}
	}
	return errors.Join(errs...)
}
