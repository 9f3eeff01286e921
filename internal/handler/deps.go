package handler

import (
	"context"

	"github.com/cloudlaunch/cloudlaunch/internal/bootstrap"
	"github.com/cloudlaunch/cloudlaunch/internal/directory"
	"github.com/cloudlaunch/cloudlaunch/internal/provision"
	"github.com/cloudlaunch/cloudlaunch/internal/reconcile"
	"github.com/cloudlaunch/cloudlaunch/internal/regions"
	"github.com/cloudlaunch/cloudlaunch/internal/secrets"
)

// Identity resolves bearer tokens to subjects and manages accounts.
type Identity interface {
	VerifyToken(ctx context.Context, token string) (string, error)
	Role(ctx context.Context, userID string) (string, error)
	CreateUser(ctx context.Context, email, password string) (string, error)
}

// Registry is the live-region set.
type Registry interface {
	IsLive(ctx context.Context, code string) (bool, error)
	MarkLive(ctx context.Context, code string) error
	ListLive(ctx context.Context) ([]regions.Region, error)
}

// Quota admits or denies deploys.
type Quota interface {
	Admit(ctx context.Context, userID, role string) error
}

// Directory is the instance record store as the handlers see it.
type Directory interface {
	ListInstances(ctx context.Context, userID string, regions []string) (map[string][]directory.Instance, error)
}

// SecretSource reads secrets in one region.
type SecretSource interface {
	Raw(ctx context.Context, name string) ([]byte, error)
	Bundle(ctx context.Context, name string) (secrets.Bundle, error)
}

// Deployer is the provisioning engine for one region.
type Deployer interface {
	Deploy(ctx context.Context, userID string, spec provision.LaunchSpec) (*provision.Deployment, error)
	Restart(ctx context.Context, userID, instanceID string) (*provision.Deployment, error)
}

// Sweeper runs fleet sweeps and batch lifecycle actions.
type Sweeper interface {
	Sweep(ctx context.Context, regions []string) (map[string][]string, error)
	Apply(ctx context.Context, targets map[string]map[string][]string, action reconcile.Action) error
}

// Bootstrapper builds out one region.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, source secrets.Bundle) (*bootstrap.Result, error)
}

// Decommissioner tears one region down.
type Decommissioner interface {
	Decommission(ctx context.Context, region, keyPairName string) error
}

// ImageAwaiter blocks until a copied image is usable.
type ImageAwaiter interface {
	AwaitAvailable(ctx context.Context, region, imageID string) error
}

// SupportChecker answers whether regions offer the fixed compute class.
type SupportChecker interface {
	Supported(ctx context.Context, regions []string) (map[string]bool, error)
}

// Waiter fires the asynchronous image-readiness poke.
type Waiter interface {
	FireImageWait(ctx context.Context, token, region, imageID string)
}

// Mailer sends the outbound notifications.
type Mailer interface {
	SendVPNReady(ctx context.Context, recipient, region, ipv4, config string) error
	SendRegionLive(ctx context.Context, recipient, region string) error
}

// Per-region collaborator factories. Clients are built lazily because a
// single invocation rarely touches more than one region.
type (
	SecretsFactory      func(ctx context.Context, region string) (SecretSource, error)
	DeployerFactory     func(ctx context.Context, region string) (Deployer, error)
	BootstrapperFactory func(ctx context.Context, region string) (Bootstrapper, error)
)

// Handlers holds the shared collaborators behind every entry point.
type Handlers struct {
	cfg Config

	identity  Identity
	registry  Registry
	quota     Quota
	directory Directory
	sweeper   Sweeper

	secretsFor      SecretsFactory
	deployerFor     DeployerFactory
	bootstrapperFor BootstrapperFactory

	decommissioner Decommissioner
	images         ImageAwaiter
	support        SupportChecker
	waiter         Waiter
	mailer         Mailer
}

// Deps lists everything Handlers needs; the cmd mains wire the real
// collaborators and tests substitute fakes.
type Deps struct {
	Identity  Identity
	Registry  Registry
	Quota     Quota
	Directory Directory
	Sweeper   Sweeper

	Secrets       SecretsFactory
	Deployers     DeployerFactory
	Bootstrappers BootstrapperFactory

	Decommissioner Decommissioner
	Images         ImageAwaiter
	Support        SupportChecker
	Waiter         Waiter
	Mailer         Mailer
}

func New(cfg Config, deps Deps) *Handlers {
	return &Handlers{
		cfg:             cfg,
		identity:        deps.Identity,
		registry:        deps.Registry,
		quota:           deps.Quota,
		directory:       deps.Directory,
		sweeper:         deps.Sweeper,
		secretsFor:      deps.Secrets,
		deployerFor:     deps.Deployers,
		bootstrapperFor: deps.Bootstrappers,
		decommissioner:  deps.Decommissioner,
		images:          deps.Images,
		support:         deps.Support,
		waiter:          deps.Waiter,
		mailer:          deps.Mailer,
	}
}
