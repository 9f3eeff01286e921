package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"
)

// ImageName returns the canonical name of a region's VPN machine image.
func ImageName(region string) string {
	return region + "-VPN-image-EC2-v2"
}

// copyImage starts a cross-region image copy, or returns the existing
// image when a previous bootstrap already made one.
func (b *Bootstrapper) copyImage(ctx context.Context, sourceImageID string) (string, error) {
	name := ImageName(b.region)

	existing, err := b.findImage(ctx, name)
	if err != nil {
		return "", err
	}
	if existing != "" {
		clog.FromContext(ctx).Info("image already present", "region", b.region, "image", existing)
		return existing, nil
	}

	out, err := b.client.CopyImage(ctx, &ec2.CopyImageInput{
		SourceRegion:  aws.String(b.sourceRegion),
		SourceImageId: aws.String(sourceImageID),
		Name:          aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrImageCopy, err)
	}
	return aws.ToString(out.ImageId), nil
}

func (b *Bootstrapper) findImage(ctx context.Context, name string) (string, error) {
	out, err := b.client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Owners: []string{"self"},
		Filters: []types.Filter{{
			Name:   aws.String("name"),
			Values: []string{name, name + "-*"},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("checking for existing image %s: %w", name, err)
	}
	for _, img := range out.Images {
		got := aws.ToString(img.Name)
		if got == name || strings.HasPrefix(got, name+"-") {
			return aws.ToString(img.ImageId), nil
		}
	}
	return "", nil
}

// AwaitImageAvailable polls until the copied image reaches the available
// state. The overall budget comes from the caller's context deadline; the
// image disappearing entirely is a hard failure, not a retry.
func AwaitImageAvailable(ctx context.Context, client EC2API, imageID string, interval time.Duration) error {
	log := clog.FromContext(ctx).With("image", imageID)

	for attempt := 1; ; attempt++ {
		out, err := client.DescribeImages(ctx, &ec2.DescribeImagesInput{
			ImageIds: []string{imageID},
		})
		if err != nil {
			return fmt.Errorf("checking image %s: %w", imageID, err)
		}
		if len(out.Images) == 0 {
			return fmt.Errorf("%w: %s", ErrImageGone, imageID)
		}
		state := out.Images[0].State
		if state == types.ImageStateAvailable {
			log.Info("image available", "attempts", attempt)
			return nil
		}
		log.Info("image not ready", "state", state, "attempt", attempt)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", ErrImageNotReady, imageID, ctx.Err())
		case <-time.After(interval):
		}
	}
}
