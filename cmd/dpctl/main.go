// Command dpctl drives a DataProvider from the shell: reads go through the
// caching proxy and the query layer, writes through the mutation pipeline.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

func main() {
	// SIGINT during an undo window cancels the pending write.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(os.Stdout)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "dpctl:", err)
		stop()
		os.Exit(exitCode(err))
	}
	os.Exit(exitSuccess)
}
