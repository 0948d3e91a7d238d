// Command tileseed seeds, purges or prunes tile caches from the command line.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&seedCmd{}, "")
	subcommands.Register(&purgeCmd{}, "")
	subcommands.Register(&pruneCmd{}, "")

	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := subcommands.Execute(ctx)
	stop()
	os.Exit(int(code))
}
