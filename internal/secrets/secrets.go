// secrets resolves the structured configuration bundles the control plane
// keeps in AWS Secrets Manager: one WireGuard bundle per live region under
// wireguard/config/<region>, plus the service-account blob used for token
// verification.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// ServiceAccountSecret names the identity-provider credential blob, kept in
// the source region only.
const ServiceAccountSecret = "FirebaseServiceAccount"

var ErrSecretNotFound = errors.New("secret not found")

// RegionBundleName returns the name of a region's WireGuard config bundle.
func RegionBundleName(region string) string {
	return "wireguard/config/" + region
}

// Bundle is the per-region deployment configuration stored as a JSON secret.
type Bundle struct {
	ImageID           string `json:"VPN_IMAGE_ID"`
	KeyName           string `json:"KEY_NAME"`
	SecurityGroupID   string `json:"SECURITY_GROUP_ID"`
	SubnetID          string `json:"SUBNET_ID"`
	ClientPrivateKey  string `json:"CLIENT_PRIVATE_KEY"`
	ServerPublicKey   string `json:"SERVER_PUBLIC_KEY"`
	PublicKeyMaterial string `json:"PUBLIC_KEY_MATERIAL,omitempty"`
}

// Complete reports whether the fields required to launch an instance are set.
func (b Bundle) Complete() bool {
	return b.ImageID != "" && b.SecurityGroupID != "" && b.KeyName != ""
}

type API interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	CreateSecret(ctx context.Context, in *secretsmanager.CreateSecretInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	UpdateSecret(ctx context.Context, in *secretsmanager.UpdateSecretInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.UpdateSecretOutput, error)
	DeleteSecret(ctx context.Context, in *secretsmanager.DeleteSecretInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error)
}

type Resolver struct {
	client API
}

func NewResolver(client API) *Resolver {
	return &Resolver{client: client}
}

// Raw fetches the secret string by name.
func (r *Resolver) Raw(ctx context.Context, name string) ([]byte, error) {
	out, err := r.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		var nf *smtypes.ResourceNotFoundException
		if errors.As(err, &nf) {
			return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, name)
		}
		return nil, fmt.Errorf("retrieving secret %s: %w", name, err)
	}
	if out.SecretString == nil {
		return out.SecretBinary, nil
	}
	return []byte(*out.SecretString), nil
}

// Bundle fetches and decodes a region config bundle.
func (r *Resolver) Bundle(ctx context.Context, name string) (Bundle, error) {
	raw, err := r.Raw(ctx, name)
	if err != nil {
		return Bundle{}, err
	}
	var b Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return Bundle{}, fmt.Errorf("decoding secret %s: %w", name, err)
	}
	return b, nil
}

// Put writes a bundle, creating the secret or updating it in place when it
// already exists. Returns the secret ARN.
func (r *Resolver) Put(ctx context.Context, name string, b Bundle) (string, error) {
	payload, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("encoding secret %s: %w", name, err)
	}

	created, err := r.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(name),
		SecretString: aws.String(string(payload)),
	})
	if err == nil {
		return aws.ToString(created.ARN), nil
	}

	var exists *smtypes.ResourceExistsException
	if !errors.As(err, &exists) {
		return "", fmt.Errorf("creating secret %s: %w", name, err)
	}

	updated, err := r.client.UpdateSecret(ctx, &secretsmanager.UpdateSecretInput{
		SecretId:     aws.String(name),
		SecretString: aws.String(string(payload)),
	})
	if err != nil {
		return "", fmt.Errorf("updating secret %s: %w", name, err)
	}
	return aws.ToString(updated.ARN), nil
}

// Delete removes a secret immediately, skipping the recovery window. Used
// only during region decommission.
func (r *Resolver) Delete(ctx context.Context, name string) error {
	_, err := r.client.DeleteSecret(ctx, &secretsmanager.DeleteSecretInput{
		SecretId:                   aws.String(name),
		ForceDeleteWithoutRecovery: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("deleting secret %s: %w", name, err)
	}
	return nil
}
