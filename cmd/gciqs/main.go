// Command gciqs is the operator CLI: local searches against the configured
// corpus, document lookup, seeding Postgres and asking the LLM.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gciqs/gciqs/cmd/gciqs/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.NewRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
