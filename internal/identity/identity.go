// identity wraps the external identity provider: bearer-token
// verification, role lookup, and admin user creation. Roles live in the
// Roles/{uid} document next to the instance directory.
package identity

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const RoleAdmin = "admin"

var (
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrNoRole       = errors.New("no role assigned")
	ErrEmailExists  = errors.New("account already exists")
)

type Service struct {
	auth *auth.Client
	db   *firestore.Client
}

// Connect initializes the identity provider from a service-account
// credential blob and returns the service plus the shared document-store
// client the other stores hang off of.
func Connect(ctx context.Context, credentialsJSON []byte) (*Service, *firestore.Client, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsJSON(credentialsJSON))
	if err != nil {
		return nil, nil, fmt.Errorf("initializing identity provider: %w", err)
	}
	authClient, err := app.Auth(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing auth client: %w", err)
	}
	db, err := app.Firestore(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing document store: %w", err)
	}
	return &Service{auth: authClient, db: db}, db, nil
}

// NewService builds a Service from already-constructed clients. Used by
// tests and by callers that manage client lifecycles themselves.
func NewService(authClient *auth.Client, db *firestore.Client) *Service {
	return &Service{auth: authClient, db: db}
}

// VerifyToken checks the bearer token and returns the subject ID.
func (s *Service) VerifyToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	decoded, err := s.auth.VerifyIDToken(ctx, token)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return decoded.UID, nil
}

// Role returns the user's role, or ErrNoRole when none is assigned.
func (s *Service) Role(ctx context.Context, userID string) (string, error) {
	snap, err := s.db.Collection("Roles").Doc(userID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return "", fmt.Errorf("%w: %s", ErrNoRole, userID)
	}
	if err != nil {
		return "", fmt.Errorf("fetching role for %s: %w", userID, err)
	}
	role, _ := snap.Data()["role"].(string)
	if role == "" {
		return "", fmt.Errorf("%w: %s", ErrNoRole, userID)
	}
	return role, nil
}

// CreateUser provisions an auth account plus its Users and Roles documents,
// assigning the default user role. Returns the new subject ID.
func (s *Service) CreateUser(ctx context.Context, email, password string) (string, error) {
	record, err := s.auth.CreateUser(ctx, (&auth.UserToCreate{}).
		Email(email).
		Password(password))
	if err != nil {
		if auth.IsEmailAlreadyExists(err) {
			return "", fmt.Errorf("%w: %s", ErrEmailExists, email)
		}
		return "", fmt.Errorf("creating auth user: %w", err)
	}

	if _, err := s.db.Collection("Users").Doc(record.UID).Set(ctx, map[string]any{
		"email": email,
	}); err != nil {
		return "", fmt.Errorf("creating user doc for %s: %w", record.UID, err)
	}
	if _, err := s.db.Collection("Roles").Doc(record.UID).Set(ctx, map[string]any{
		"role": "user",
	}); err != nil {
		return "", fmt.Errorf("creating role doc for %s: %w", record.UID, err)
	}
	return record.UID, nil
}
