package handler

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/chainguard-dev/clog"
	"github.com/cloudlaunch/cloudlaunch/internal/api"
	"github.com/cloudlaunch/cloudlaunch/internal/identity"
	"github.com/cloudlaunch/cloudlaunch/internal/secrets"
)

type bootstrapRequest struct {
	TargetRegion string `json:"target_region"`

	// Action selects teardown instead of buildout.
	Action string `json:"action,omitempty"`
}

type bootstrapResponse struct {
	Region          string `json:"region"`
	ImageID         string `json:"vpn_image_id"`
	SubnetID        string `json:"subnet_id"`
	SecurityGroupID string `json:"security_group_id"`
	SecretARN       string `json:"secret_arn"`
}

// BootstrapRegion builds out a new region, or with action=decommission
// tears one down. Admin only.
func (h *Handlers) BootstrapRegion(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	log := clog.FromContext(ctx)

	token := api.BearerToken(req.Headers)
	var body bootstrapRequest
	if err := api.ParseBody(req.Body, &body); err != nil {
		return api.Fail(err, "Invalid JSON body"), nil
	}
	target := strings.TrimSpace(body.TargetRegion)
	if target == "" {
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
	log = log.With("region", target)

	source, err := h.secretsFor(ctx, h.cfg.SourceRegion)
	if err != nil {
		log.Error("secret client failed", "error", err)
		return api.Error(500, "Failed to retrieve secrets from AWS"), nil
	}
	sourceBundle, err := source.Bundle(ctx, secrets.RegionBundleName(h.cfg.SourceRegion))
	if err != nil {
		log.Error("source bundle fetch failed", "error", err)
		return api.Error(500, "Failed to retrieve secrets from AWS"), nil
	}

	if body.Action == "decommission" {
		if err := h.decommissioner.Decommission(ctx, target, sourceBundle.KeyName); err != nil {
			log.Error("decommission failed", "error", err)
			return api.Fail(err, fmt.Sprintf("Failed to decommission region %s", target)), nil
		}
		log.Info("region decommissioned")
		return api.OK(map[string]bool{"action_completed": true}), nil
	}

	// The fixed compute class has to exist in the target's offerings before
	// anything is built there.
	if h.support != nil {
		supported, err := h.support.Supported(ctx, []string{target})
		if err != nil {
			log.Error("offering check failed", "error", err)
			return api.Error(500, "Failed to check region support"), nil
		}
		if !supported[target] {
			return api.Error(400, fmt.Sprintf("Region %s does not offer the required instance type", target)), nil
		}
	}

	bootstrapper, err := h.bootstrapperFor(ctx, target)
	if err != nil {
		log.Error("bootstrapper init failed", "error", err)
		return api.Error(500, "Failed to bootstrap VPN region"), nil
	}
	result, err := bootstrapper.Bootstrap(ctx, sourceBundle)
	if err != nil {
		log.Error("bootstrap failed", "error", err)
		return api.Error(500, "Failed to bootstrap VPN region"), nil
	}
	log.Info("region bootstrapped", "image", result.ImageID)

	// Hand readiness off to the long-poll waiter and return immediately;
	// the image copy takes minutes.
	if h.waiter != nil {
		h.waiter.FireImageWait(ctx, token, target, result.ImageID)
	}

	return api.OK(bootstrapResponse{
		Region:          result.Region,
		ImageID:         result.ImageID,
		SubnetID:        result.SubnetID,
		SecurityGroupID: result.SecurityGroupID,
		SecretARN:       result.SecretARN,
	}), nil
}
