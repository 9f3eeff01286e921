// app wires the production collaborators for every Lambda entry point.
// The wiring runs once per cold start; everything region-scoped is built
// lazily through factories because a single invocation rarely touches more
// than one region.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/chainguard-dev/clog"
	"github.com/cloudlaunch/cloudlaunch/internal/awsclient"
	"github.com/cloudlaunch/cloudlaunch/internal/bootstrap"
	"github.com/cloudlaunch/cloudlaunch/internal/directory"
	"github.com/cloudlaunch/cloudlaunch/internal/handler"
	"github.com/cloudlaunch/cloudlaunch/internal/identity"
	"github.com/cloudlaunch/cloudlaunch/internal/notify"
	"github.com/cloudlaunch/cloudlaunch/internal/provision"
	"github.com/cloudlaunch/cloudlaunch/internal/quota"
	"github.com/cloudlaunch/cloudlaunch/internal/reconcile"
	"github.com/cloudlaunch/cloudlaunch/internal/regions"
	"github.com/cloudlaunch/cloudlaunch/internal/secrets"
)

// Image copies take minutes; the waiter polls on a generous budget.
const (
	imageWaitInterval = 15 * time.Second
	imageWaitBudget   = 600 * time.Second
)

// Handler is the shape every HTTP-style entry point takes.
type Handler func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error)

// App is a fully wired handler set plus the process-wide logger.
type App struct {
	Handlers *handler.Handlers

	cfg handler.Config
	log *clog.Logger
}

// New performs the cold-start wiring: config, AWS clients, the identity
// provider, and every collaborator the handlers need.
func New(ctx context.Context, log *clog.Logger) (*App, error) {
	cfg, err := handler.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	clients := awsclient.NewFactory()

	sm, err := clients.SecretsManager(ctx, cfg.SourceRegion)
	if err != nil {
		return nil, err
	}
	sourceSecrets := secrets.NewResolver(sm)

	creds, err := sourceSecrets.Raw(ctx, secrets.ServiceAccountSecret)
	if err != nil {
		return nil, fmt.Errorf("fetching identity credentials: %w", err)
	}
	ident, db, err := identity.Connect(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("connecting identity provider: %w", err)
	}

	dir := directory.NewStore(db)
	registry := regions.NewRegistry(db)

	ddb, err := clients.DynamoDB(ctx, cfg.SourceRegion)
	if err != nil {
		return nil, err
	}
	ledger := quota.NewLedger(ddb, cfg.UserTable, cfg.RoleTable)

	ec2For := func(ctx context.Context, region string) (reconcile.TeardownAPI, error) {
		return clients.EC2(ctx, region)
	}
	deletersFor := func(ctx context.Context, region string) (reconcile.SecretDeleter, error) {
		sm, err := clients.SecretsManager(ctx, region)
		if err != nil {
			return nil, err
		}
		return secrets.NewResolver(sm), nil
	}
	sweeper := reconcile.NewSweeper(ec2For, dir)
	decommissioner := reconcile.NewDecommissioner(
		ec2For,
		reconcile.NewSweeper(ec2For, dir).WithConfirmedTermination(),
		deletersFor,
		registry,
		cfg.SourceRegion,
	)

	lambdaClient, err := clients.Lambda(ctx, cfg.SourceRegion)
	if err != nil {
		return nil, err
	}
	ses, err := clients.SES(ctx, cfg.SourceRegion)
	if err != nil {
		return nil, err
	}

	deps := handler.Deps{
		Identity:  ident,
		Registry:  registry,
		Quota:     ledger,
		Directory: dir,
		Sweeper:   sweeper,

		Secrets: func(ctx context.Context, region string) (handler.SecretSource, error) {
			sm, err := clients.SecretsManager(ctx, region)
			if err != nil {
				return nil, err
			}
			return secrets.NewResolver(sm), nil
		},
		Deployers: func(ctx context.Context, region string) (handler.Deployer, error) {
			client, err := clients.EC2(ctx, region)
			if err != nil {
				return nil, err
			}
			return provision.NewEngine(client, dir, region), nil
		},
		Bootstrappers: func(ctx context.Context, region string) (handler.Bootstrapper, error) {
			client, err := clients.EC2(ctx, region)
			if err != nil {
				return nil, err
			}
			sm, err := clients.SecretsManager(ctx, region)
			if err != nil {
				return nil, err
			}
			return bootstrap.New(client, secrets.NewResolver(sm), region, cfg.SourceRegion), nil
		},

		Decommissioner: decommissioner,
		Images:         &imageAwaiter{clients: clients},
		Support:        &supportChecker{clients: clients, cache: provision.NewSupportCache()},
		Waiter:         notify.NewWaiterInvoker(lambdaClient, cfg.WaiterFunction),
		Mailer:         notify.NewMailer(ses, cfg.EmailSender),
	}

	return &App{
		Handlers: handler.New(cfg, deps),
		cfg:      cfg,
		log:      log,
	}, nil
}

// Start hands one entry point to the Lambda runtime, bounding each
// invocation by the configured request timeout and carrying the process
// logger on its context.
func (a *App) Start(fn Handler) {
	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
		defer cancel()
		return fn(clog.WithLogger(ctx, a.log), req)
	})
}

type imageAwaiter struct {
	clients *awsclient.Factory
}

func (a *imageAwaiter) AwaitAvailable(ctx context.Context, region, imageID string) error {
	client, err := a.clients.EC2(ctx, region)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, imageWaitBudget)
	defer cancel()
	return bootstrap.AwaitImageAvailable(ctx, client, imageID, imageWaitInterval)
}

type supportChecker struct {
	clients *awsclient.Factory
	cache   *provision.SupportCache
}

func (s *supportChecker) Supported(ctx context.Context, want []string) (map[string]bool, error) {
	return s.cache.Supported(ctx, func(ctx context.Context, region string) (provision.EC2API, error) {
		return s.clients.EC2(ctx, region)
	}, want)
}
