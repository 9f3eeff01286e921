package provision

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"golang.org/x/sync/errgroup"
)

// SupportCache answers whether a region's default offering list includes
// the fixed compute class. Answers are cached for the process lifetime
// since offerings change on AWS timescales, not request timescales.
type SupportCache struct {
	mu    sync.RWMutex
	known map[string]bool
}

func NewSupportCache() *SupportCache {
	return &SupportCache{known: map[string]bool{}}
}

// Supported checks every region in parallel, bounded at 10 in flight, and
// returns a region to supported map. newClient builds a regional API
// client on demand so only uncached regions pay for one.
func (c *SupportCache) Supported(ctx context.Context, newClient func(ctx context.Context, region string) (EC2API, error), regions []string) (map[string]bool, error) {
	results := make(map[string]bool, len(regions))
	var misses []string

	c.mu.RLock()
	for _, region := range regions {
		if supported, ok := c.known[region]; ok {
			results[region] = supported
		} else {
			misses = append(misses, region)
		}
	}
	c.mu.RUnlock()

	if len(misses) == 0 {
		return results, nil
	}

	var rmu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(10)
	for _, region := range misses {
		region := region
		g.Go(func() error {
			client, err := newClient(gctx, region)
			if err != nil {
				return fmt.Errorf("building client for %s: %w", region, err)
			}
			supported, err := offersComputeClass(gctx, client)
			if err != nil {
				return fmt.Errorf("checking offerings in %s: %w", region, err)
			}
			rmu.Lock()
			results[region] = supported
			rmu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	for _, region := range misses {
		c.known[region] = results[region]
	}
	c.mu.Unlock()
	return results, nil
}

func offersComputeClass(ctx context.Context, client EC2API) (bool, error) {
	out, err := client.DescribeInstanceTypeOfferings(ctx, &ec2.DescribeInstanceTypeOfferingsInput{
		Filters: []types.Filter{{
			Name:   aws.String("instance-type"),
			Values: []string{string(ComputeClass)},
		}},
	})
	if err != nil {
		return false, err
	}
	return len(out.InstanceTypeOfferings) > 0, nil
}
