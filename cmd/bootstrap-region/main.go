// bootstrap-region is the admin entry point that builds out a new VPN
// region, or decommissions one with action=decommission.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/chainguard-dev/clog"
	"github.com/cloudlaunch/cloudlaunch/internal/app"
)

func main() {
	log := clog.New(slog.NewJSONHandler(os.Stderr, nil))
	ctx := clog.WithLogger(context.Background(), log)

	a, err := app.New(ctx, log)
	if err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}
	a.Start(a.Handlers.BootstrapRegion)
}
