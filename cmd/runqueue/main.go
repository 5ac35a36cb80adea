// Command runqueue hosts queue workers and administers the job and dead-letter queues.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/nimburion/runqueue/pkg/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cli.Execute(ctx, cli.NewRootCommand(cli.Options{}))
}
