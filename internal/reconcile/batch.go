package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/chainguard-dev/clog"
	"github.com/cloudlaunch/cloudlaunch/internal/directory"
)

// Action is an administrative lifecycle verb applied to a batch of
// instances.
type Action string

const (
	ActionStart     Action = "start"
	ActionStop      Action = "stop"
	ActionTerminate Action = "terminate"
)

var ErrUnknownAction = errors.New("unknown action")

func (a Action) status() (directory.Status, error) {
	switch a {
	case ActionStart:
		return directory.StatusRunning, nil
	case ActionStop:
		return directory.StatusStopped, nil
	case ActionTerminate:
		return directory.StatusTerminated, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, a)
}

// Apply runs one lifecycle action against targets, a user to region to
// instance-ID mapping, and moves the matching directory records. The whole
// call fails on the first error; already-applied cloud actions stand and
// a retry is safe.
func (s *Sweeper) Apply(ctx context.Context, targets map[string]map[string][]string, action Action) error {
	log := clog.FromContext(ctx).With("action", action)

	status, err := action.status()
	if err != nil {
		return err
	}

	for uid, regionInstances := range targets {
		for region, ids := range regionInstances {
			if len(ids) == 0 {
				continue
			}
			client, err := s.clients(ctx, region)
			if err != nil {
				return fmt.Errorf("building client for %s: %w", region, err)
			}
			if err := applyAction(ctx, client, action, ids); err != nil {
				return fmt.Errorf("%s for %s in %s: %w", action, uid, region, err)
			}
			log.Info("action applied", "user", uid, "region", region, "instances", ids)
		}
		if err := s.dir.BatchUpdateStatus(ctx, uid, regionInstances, status); err != nil {
			return err
		}
	}
	return nil
}

func applyAction(ctx context.Context, client TeardownAPI, action Action, ids []string) error {
	var err error
	switch action {
	case ActionStart:
		_, err = client.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: ids})
	case ActionStop:
		_, err = client.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: ids})
	case ActionTerminate:
		_, err = client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids})
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	return err
}
