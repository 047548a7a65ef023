// Package inspect holds provisioned resources for manual inspection.
package inspect

import (
	"context"
	"os"
	"os/signal"
)

// Wait blocks until the user signals that they are done inspecting by sending
// a SIGINT (Ctrl+C), or until ctx is done.
func Wait(ctx context.Context) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	<-ctx.Done()
}
