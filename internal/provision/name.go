package provision

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// assignName picks the first free variation of base in this region: base
// itself, then base-1 through base-49. Names on terminated instances still
// count as taken until the instance ages out of the API.
func (e *Engine) assignName(ctx context.Context, base string) (string, error) {
	taken, err := e.takenNames(ctx, base)
	if err != nil {
		return "", err
	}
	if !taken[base] {
		return base, nil
	}
	for i := 1; i < maxNameAttempts; i++ {
		candidate := fmt.Sprintf("%s-%d", base, i)
		if !taken[candidate] {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNameSpaceExhausted, base)
}

func (e *Engine) takenNames(ctx context.Context, base string) (map[string]bool, error) {
	taken := map[string]bool{}
	paginator := ec2.NewDescribeInstancesPaginator(e.client, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{{
			Name:   aws.String("tag:Name"),
			Values: []string{base + "*"},
		}},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing instance names for %s: %w", base, err)
		}
		for _, r := range page.Reservations {
			for _, inst := range r.Instances {
				for _, tag := range inst.Tags {
					if aws.ToString(tag.Key) == "Name" {
						taken[aws.ToString(tag.Value)] = true
					}
				}
			}
		}
	}
	return taken, nil
}
