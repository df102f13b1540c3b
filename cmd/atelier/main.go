// Command atelier is the command-line client for a collaborative
// asset-generation service.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/atelierhq/atelier/internal/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.Execute(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
