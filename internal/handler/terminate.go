package handler

import (
	"context"
	"errors"

	"github.com/aws/aws-lambda-go/events"
	"github.com/chainguard-dev/clog"
	"github.com/cloudlaunch/cloudlaunch/internal/api"
	"github.com/cloudlaunch/cloudlaunch/internal/identity"
	"github.com/cloudlaunch/cloudlaunch/internal/reconcile"
)

type terminateRequest struct {
	Action  string                         `json:"action"`
	Targets map[string]map[string][]string `json:"targets"`
}

type terminateResponse struct {
	ActionCompleted bool `json:"action_completed"`
}

// Terminate applies a lifecycle action (start, stop, terminate) to a batch
// of instances. Regular users may only target their own; admins may target
// anyone's.
func (h *Handlers) Terminate(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	log := clog.FromContext(ctx)

	token := api.BearerToken(req.Headers)
	var body terminateRequest
	if err := api.ParseBody(req.Body, &body); err != nil {
		return api.Fail(err, "Invalid JSON body"), nil
	}
	if token == "" || body.Action == "" || len(body.Targets) == 0 {
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

	// Acting on anyone else's instances needs the admin role.
	if role != identity.RoleAdmin {
		for target := range body.Targets {
			if target != userID {
				log.Warn("cross-user action denied", "user", userID, "target", target)
				return api.Error(403, "Not authorized for other users"), nil
			}
		}
	}

	action := reconcile.Action(body.Action)
	if err := h.sweeper.Apply(ctx, body.Targets, action); err != nil {
		log.Error("batch action failed", "action", action, "error", err)
		if errors.Is(err, reconcile.ErrUnknownAction) {
			return api.Error(400, "Unknown action"), nil
		}
		return api.Error(500, "Failed to complete action"), nil
	}
	log.Info("batch action complete", "action", action, "user", userID)

	return api.OK(terminateResponse{ActionCompleted: true}), nil
}
