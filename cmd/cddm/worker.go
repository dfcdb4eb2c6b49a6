package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/IJSComplexMatter/cross-ddm/internal/debug"
	"github.com/IJSComplexMatter/cross-ddm/internal/logic/relay"
)

// workerCmd runs the capture worker. Stdout carries the relay protocol, so
// all logging goes to stderr where the parent picks it up.
func workerCmd(args []string) error {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	level := fs.Int("debug", debug.LevelInfo, "debug level 0-4")
	fs.Parse(args)

	debug.SetOutput(os.Stderr)
	debug.SetPrefix("")
	debug.Init(*level)

	// The parent decides when to stop; SIGINT from the terminal is ignored
	// so that the parent can still collect the end message.
	signal.Ignore(os.Interrupt)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer cancel()

	return relay.Serve(ctx, os.Stdin, os.Stdout, nil)
}
