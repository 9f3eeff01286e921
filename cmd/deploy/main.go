// deploy is the entry point that provisions, or revives, a user's VPN
// endpoint in a live region.
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
	a.Start(a.Handlers.Deploy)
}
