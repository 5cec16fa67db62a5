// ./main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/omegabot/omega/cmd"
	"github.com/omegabot/omega/internal/observability"
)

// main is the entry point for the omega CLI.
func main() {
	// Interrupts cancel the context; a running cycle records its failure and
	// the scheduler waits for it before exiting.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)
	observability.Sync()
	if err != nil && !errors.Is(err, context.Canceled) {
		os.Exit(1)
	}
}
