package handler

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/chainguard-dev/clog"
	"github.com/cloudlaunch/cloudlaunch/internal/api"
	"github.com/cloudlaunch/cloudlaunch/internal/identity"
)

type createUserRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type createUserResponse struct {
	UUIDCreated string `json:"uuid_created"`
}

// CreateUser provisions a new account with the default user role. Admin
// only.
func (h *Handlers) CreateUser(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	log := clog.FromContext(ctx)

	token := api.BearerToken(req.Headers)
	var body createUserRequest
	if err := api.ParseBody(req.Body, &body); err != nil {
		return api.Fail(err, "Invalid JSON body"), nil
	}
	email := strings.TrimSpace(body.Email)
	password := strings.TrimSpace(body.Password)
	if email == "" || password == "" || token == "" {
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
		return api.Error(403, "Error: Not admin role"), nil
	}

	created, err := h.identity.CreateUser(ctx, email, password)
	if err != nil {
		log.Warn("user creation failed", "error", err)
		if errors.Is(err, identity.ErrEmailExists) {
			return api.Error(403, "Error: Account already exists for user"), nil
		}
		return api.Error(403, "Failed to create user"), nil
	}
	log.Info("user created", "uuid", created, "by", userID)

	return api.OK(createUserResponse{UUIDCreated: created}), nil
}
