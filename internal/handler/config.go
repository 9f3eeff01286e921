// handler wires the entry points: each one parses the request envelope,
// authenticates the caller, and drives the stores and the provisioning or
// reconciliation machinery. One handler per deployed function.
package handler

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the environment every function starts from.
type Config struct {
	// SourceRegion hosts the canonical image, the shared key material, and
	// the identity-provider credential secret.
	SourceRegion string `envconfig:"SOURCE_REGION" default:"us-west-1"`

	UserTable string `envconfig:"USER_TABLE" default:"vpn-users"`
	RoleTable string `envconfig:"ROLE_TABLE" default:"vpn-roles"`

	// WaiterFunction is the name of the image-waiter function the region
	// bootstrap fires.
	WaiterFunction string `envconfig:"WAITER_FUNCTION" default:"ami-waiter"`

	EmailSender string `envconfig:"EMAIL_SENDER" default:"CloudLaunch <noreply@cloudlaunch.live>"`
	AdminEmail  string `envconfig:"ADMIN_EMAIL"`

	// RequestTimeout bounds a single invocation's blocking work.
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"10m"`

	// CleanupOnDeploy sweeps stale endpoints in every live region before a
	// new deploy, enforcing the single-active-VPN policy.
	CleanupOnDeploy bool `envconfig:"CLEANUP_ON_DEPLOY" default:"true"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}
