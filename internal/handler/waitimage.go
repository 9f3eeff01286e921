package handler

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/chainguard-dev/clog"
	"github.com/cloudlaunch/cloudlaunch/internal/api"
	"github.com/cloudlaunch/cloudlaunch/internal/identity"
)

type waitImageRequest struct {
	ImageID string `json:"ami_id"`
	Region  string `json:"region"`
}

type waitImageResponse struct {
	ImageID string `json:"ami_id"`
	Region  string `json:"region"`
}

// WaitImage long-polls a copied machine image until it is usable, then
// marks the region live and notifies the admin. Fired asynchronously by the
// region bootstrap; also safe to call directly.
func (h *Handlers) WaitImage(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	log := clog.FromContext(ctx)

	token := api.BearerToken(req.Headers)
	var body waitImageRequest
	if err := api.ParseBody(req.Body, &body); err != nil {
		return api.Fail(err, "Invalid JSON body"), nil
	}
	imageID := strings.TrimSpace(body.ImageID)
	region := strings.TrimSpace(body.Region)
	if imageID == "" || region == "" {
		return api.Error(400, "Missing required parameters"), nil
	}

	userID, err := h.identity.VerifyToken(ctx, token)
	if err != nil {
		log.Warn("token rejected", "error", err)
		return api.Error(403, "Invalid or expired token"), nil
	}
	role, err := h.identity.Role(ctx, userID)
	if err != nil {
		log.Warn("role lookup failed", "user", userID, "error", err)
		return api.Error(403, "No user role found"), nil
	}
	if role != identity.RoleAdmin {
		return api.Error(403, "Unauthorized"), nil
	}
	log = log.With("region", region, "image", imageID)

	// A concurrent waiter may have already finished the job.
	live, err := h.registry.IsLive(ctx, region)
	if err != nil {
		log.Error("registry check failed", "error", err)
		return api.Error(500, "Failed to check region"), nil
	}
	if live {
		log.Info("region already live")
		return api.OK(waitImageResponse{ImageID: imageID, Region: region}), nil
	}

	if err := h.images.AwaitAvailable(ctx, region, imageID); err != nil {
		log.Warn("image never became available", "error", err)
		return api.Error(400, fmt.Sprintf("AMI %s not available in %s", imageID, region)), nil
	}

	if err := h.registry.MarkLive(ctx, region); err != nil {
		log.Error("marking region live failed", "error", err)
		return api.Error(400, fmt.Sprintf("Failed to mark region live: %s", region)), nil
	}
	log.Info("region marked live")

	if h.mailer != nil && h.cfg.AdminEmail != "" {
		if err := h.mailer.SendRegionLive(ctx, h.cfg.AdminEmail, region); err != nil {
			log.Warn("region-live email failed", "error", err)
			return api.Error(400, "Failed to send email"), nil
		}
	}

	return api.OK(waitImageResponse{ImageID: imageID, Region: region}), nil
}
