// Package main is the studus-sync binary. It runs the HTTP API, the sync
// worker or a database migration depending on the subcommand.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "studus-sync: %v\n", err)
		stop()
		os.Exit(1)
	}
}
