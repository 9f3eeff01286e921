package handler

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	"github.com/chainguard-dev/clog"
	"github.com/cloudlaunch/cloudlaunch/internal/api"
	"github.com/cloudlaunch/cloudlaunch/internal/secrets"
)

type secureGetRequest struct {
	RequestedKeys []string `json:"requested_keys"`
}

// SecureGet hands an authenticated user a scoped view of the source
// region's key material. Only the allow-listed keys resolve; anything else
// comes back as an explicit null.
func (h *Handlers) SecureGet(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	log := clog.FromContext(ctx)

	token := api.BearerToken(req.Headers)
	var body secureGetRequest
	if err := api.ParseBody(req.Body, &body); err != nil {
		return api.Fail(err, "Invalid JSON body"), nil
	}
	if len(body.RequestedKeys) == 0 {
		return api.Error(400, "Missing parameters"), nil
	}

	userID, err := h.identity.VerifyToken(ctx, token)
	if err != nil {
		log.Warn("token rejected", "error", err)
		return api.Error(403, "Invalid or expired token"), nil
	}
	if _, err := h.identity.Role(ctx, userID); err != nil {
		log.Warn("role lookup failed", "user", userID, "error", err)
		return api.Error(403, "No user role found"), nil
	}

	source, err := h.secretsFor(ctx, h.cfg.SourceRegion)
	if err != nil {
		log.Error("secret client failed", "error", err)
		return api.Error(500, "Failed to retrieve secrets from AWS"), nil
	}
	bundle, err := source.Bundle(ctx, secrets.RegionBundleName(h.cfg.SourceRegion))
	if err != nil {
		log.Error("bundle fetch failed", "error", err)
		return api.Error(500, "Failed to retrieve secrets from AWS"), nil
	}

	result := make(map[string]*string, len(body.RequestedKeys))
	for _, key := range body.RequestedKeys {
		switch key {
		case "client_private_key":
			result[key] = strPtr(bundle.ClientPrivateKey)
		case "server_public_key":
			result[key] = strPtr(bundle.ServerPublicKey)
		default:
			result[key] = nil
		}
	}
	log.Info("scoped secrets served", "user", userID, "keys", len(body.RequestedKeys))

	return api.OK(result), nil
}

func strPtr(s string) *string {
	return &s
}
