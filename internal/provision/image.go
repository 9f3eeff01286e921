package provision

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// verifyImage confirms the region bundle's image ID still points at an
// image we own. A stale bundle fails deploy up front instead of at launch.
func (e *Engine) verifyImage(ctx context.Context, imageID string) error {
	out, err := e.client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Owners: []string{"self"},
		Filters: []types.Filter{{
			Name:   aws.String("image-id"),
			Values: []string{imageID},
		}},
	})
	if err != nil {
		return fmt.Errorf("checking image %s in %s: %w", imageID, e.region, err)
	}
	if len(out.Images) == 0 {
		return fmt.Errorf("%w: %s in %s", ErrImageNotFound, imageID, e.region)
	}
	return nil
}
