// awsclient builds region-scoped AWS service clients on top of a shared,
// lazily populated config cache. Loading a default config involves disk and
// IMDS lookups, so configs are resolved once per region per process and
// reused; the cache is injected into handlers rather than held as a global
// so tests can substitute a fresh one.
package awsclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
)

type Factory struct {
	mu      sync.RWMutex
	configs map[string]aws.Config
}

func NewFactory() *Factory {
	return &Factory{configs: make(map[string]aws.Config)}
}

// Config returns the resolved config for region, loading it on first use.
func (f *Factory) Config(ctx context.Context, region string) (aws.Config, error) {
	f.mu.RLock()
	cfg, ok := f.configs[region]
	f.mu.RUnlock()
	if ok {
		return cfg, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if cfg, ok := f.configs[region]; ok {
		return cfg, nil
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config for %s: %w", region, err)
	}
	f.configs[region] = cfg
	return cfg, nil
}

func (f *Factory) EC2(ctx context.Context, region string) (*ec2.Client, error) {
	cfg, err := f.Config(ctx, region)
	if err != nil {
		return nil, err
	}
	return ec2.NewFromConfig(cfg), nil
}

func (f *Factory) DynamoDB(ctx context.Context, region string) (*dynamodb.Client, error) {
	cfg, err := f.Config(ctx, region)
	if err != nil {
		return nil, err
	}
	return dynamodb.NewFromConfig(cfg), nil
}

func (f *Factory) SecretsManager(ctx context.Context, region string) (*secretsmanager.Client, error) {
	cfg, err := f.Config(ctx, region)
	if err != nil {
		return nil, err
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

func (f *Factory) Lambda(ctx context.Context, region string) (*lambda.Client, error) {
	cfg, err := f.Config(ctx, region)
	if err != nil {
		return nil, err
	}
	return lambda.NewFromConfig(cfg), nil
}

func (f *Factory) SES(ctx context.Context, region string) (*sesv2.Client, error) {
	cfg, err := f.Config(ctx, region)
	if err != nil {
		return nil, err
	}
	return sesv2.NewFromConfig(cfg), nil
}
