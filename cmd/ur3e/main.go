// Package main provides ur3e, a command that reads and drives the digital
// outputs of a Universal Robots UR3e controller over Modbus TCP.
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
)

var version = "1.0.0"

// Exit statuses. A read reports the output level through its status.
const (
	exitOK    = 0
	exitLow   = 0
	exitHigh  = 1
	exitError = 255
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the command line in args and returns the exit status.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := newApp(stdout, stderr)
	root := a.newRootCmd()
	root.SetArgs(args)

	if err := root.ExecuteContext(ctx); err != nil {
		a.outputError(err)
		return exitError
	}
	return a.exitCode
}
