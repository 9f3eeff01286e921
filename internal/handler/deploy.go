package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/chainguard-dev/clog"
	"github.com/cloudlaunch/cloudlaunch/internal/api"
	"github.com/cloudlaunch/cloudlaunch/internal/directory"
	"github.com/cloudlaunch/cloudlaunch/internal/provision"
	"github.com/cloudlaunch/cloudlaunch/internal/quota"
	"github.com/cloudlaunch/cloudlaunch/internal/regions"
	"github.com/cloudlaunch/cloudlaunch/internal/secrets"
	"github.com/cloudlaunch/cloudlaunch/internal/wgconfig"
)

type deployRequest struct {
	Region       string   `json:"region"`
	InstanceName string   `json:"instance_name"`
	Emails       []string `json:"emails,omitempty"`
}

type deployResponse struct {
	PublicIPv4       string `json:"public_ipv4"`
	ClientPrivateKey string `json:"client_private_key"`
	ServerPublicKey  string `json:"server_public_key"`
	IsNew            bool   `json:"isNew"`
}

// Deploy provisions (or revives) the caller's VPN endpoint in a region.
func (h *Handlers) Deploy(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	log := clog.FromContext(ctx)

	token := api.BearerToken(req.Headers)
	var body deployRequest
	if err := api.ParseBody(req.Body, &body); err != nil {
		return api.Fail(err, "Invalid JSON body"), nil
	}
	region := strings.TrimSpace(body.Region)
	if region == "" || token == "" {
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
	log = log.With("user", userID, "region", region)

	live, err := h.registry.IsLive(ctx, region)
	if err != nil {
		log.Error("registry check failed", "error", err)
		return api.Error(500, "Failed to check region"), nil
	}
	if !live {
		return api.Error(400, fmt.Sprintf("Region %s is not live", region)), nil
	}

	source, err := h.secretsFor(ctx, region)
	if err != nil {
		log.Error("secret client failed", "error", err)
		return api.Error(500, "Failed to retrieve secrets from AWS"), nil
	}
	bundle, err := source.Bundle(ctx, secrets.RegionBundleName(region))
	if err != nil {
		log.Error("bundle fetch failed", "error", err)
		return api.Error(500, "Failed to retrieve secrets from AWS"), nil
	}
	if !bundle.Complete() {
		log.Error("region bundle incomplete")
		return api.Error(500, "Missing required secret values"), nil
	}

	// Idempotent short-circuit: a live record in this region means there is
	// nothing new to create.
	existing, err := h.directory.ListInstances(ctx, userID, []string{region})
	if err != nil {
		log.Error("directory lookup failed", "error", err)
		return api.Error(500, "Failed to check existing instances"), nil
	}
	if inst := firstInstance(existing[region]); inst != nil {
		return h.reviveExisting(ctx, userID, region, *inst, bundle)
	}

	if err := h.quota.Admit(ctx, userID, role); err != nil {
		if errors.Is(err, quota.ErrLimitReached) {
			return api.Error(403, "User's VPN limit reached"), nil
		}
		log.Error("quota check failed", "error", err)
		return api.Error(500, "Failed to check quota"), nil
	}

	if h.cfg.CleanupOnDeploy {
		h.sweepStale(ctx)
	}

	// instance_name is optional; an absent name seeds the display name from
	// the caller's subject ID.
	subject := strings.TrimPrefix(strings.TrimSpace(body.InstanceName), provision.NamePrefix)
	if subject == "" {
		subject = userID
	}

	deployer, err := h.deployerFor(ctx, region)
	if err != nil {
		log.Error("deployer init failed", "error", err)
		return api.Error(500, "Failed to deploy instance"), nil
	}
	deployment, err := deployer.Deploy(ctx, userID, provision.LaunchSpec{
		ImageID:         bundle.ImageID,
		SecurityGroupID: bundle.SecurityGroupID,
		SubnetID:        bundle.SubnetID,
		KeyName:         bundle.KeyName,
		Subject:         subject,
	})
	if err != nil {
		log.Error("deploy failed", "error", err)
		if errors.Is(err, provision.ErrImageNotFound) {
			return api.Error(500, fmt.Sprintf("Image does not exist in region %s", region)), nil
		}
		return api.Error(500, "Failed to retrieve instance public IP"), nil
	}
	log.Info("deploy complete", "instance", deployment.InstanceID, "name", deployment.Name)

	h.deliverConfigs(ctx, body.Emails, region, deployment.PublicIPv4, bundle)

	return api.OK(deployResponse{
		PublicIPv4:       deployment.PublicIPv4,
		ClientPrivateKey: bundle.ClientPrivateKey,
		ServerPublicKey:  bundle.ServerPublicKey,
		IsNew:            true,
	}), nil
}

// reviveExisting returns the running endpoint as-is, or restarts a stopped
// one. Either way the caller gets the same response shape with isNew false.
func (h *Handlers) reviveExisting(ctx context.Context, userID, region string, inst directory.Instance, bundle secrets.Bundle) (events.APIGatewayProxyResponse, error) {
	log := clog.FromContext(ctx).With("user", userID, "region", region, "instance", inst.ID)

	ipv4 := inst.IPv4
	if inst.Status == directory.StatusStopped {
		deployer, err := h.deployerFor(ctx, region)
		if err != nil {
			log.Error("deployer init failed", "error", err)
			return api.Error(500, "Failed to restart instance"), nil
		}
		deployment, err := deployer.Restart(ctx, userID, inst.ID)
		if err != nil {
			log.Error("restart failed", "error", err)
			return api.Error(500, "Failed to restart instance"), nil
		}
		ipv4 = deployment.PublicIPv4
		log.Info("instance revived", "ipv4", ipv4)
	} else {
		log.Info("instance already running", "ipv4", ipv4)
	}

	return api.OK(deployResponse{
		PublicIPv4:       ipv4,
		ClientPrivateKey: bundle.ClientPrivateKey,
		ServerPublicKey:  bundle.ServerPublicKey,
		IsNew:            false,
	}), nil
}

// sweepStale enforces the single-active-VPN policy across all live regions
// before a new deploy. Failures are logged and do not block the deploy.
func (h *Handlers) sweepStale(ctx context.Context) {
	log := clog.FromContext(ctx)

	live, err := h.registry.ListLive(ctx)
	if err != nil {
		log.Warn("live region listing failed, skipping sweep", "error", err)
		return
	}
	if _, err := h.sweeper.Sweep(ctx, regions.Codes(live)); err != nil {
		log.Warn("fleet sweep incomplete", "error", err)
	}
}

// deliverConfigs mails the rendered client config. Best effort: a mail
// failure never fails the deploy that already happened.
func (h *Handlers) deliverConfigs(ctx context.Context, emails []string, region, ipv4 string, bundle secrets.Bundle) {
	if len(emails) == 0 || h.mailer == nil {
		return
	}
	log := clog.FromContext(ctx)

	config := wgconfig.Render(bundle.ClientPrivateKey, bundle.ServerPublicKey, ipv4)
	for _, recipient := range emails {
		if err := h.mailer.SendVPNReady(ctx, recipient, region, ipv4, config); err != nil {
			log.Warn("config email failed", "to", recipient, "error", err)
		}
	}
}

func firstInstance(instances []directory.Instance) *directory.Instance {
	if len(instances) == 0 {
		return nil
	}
	return &instances[0]
}
