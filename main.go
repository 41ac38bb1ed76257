// sshlink - SSH file access and local port forwarding for one server.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"sshlink/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		var exit *cmd.ExitError
		if errors.As(err, &exit) {
			cancel()
			os.Exit(exit.Code)
		}
		fmt.Fprintf(os.Stderr, "sshlink: %v\n", err)
		cancel()
		os.Exit(1)
	}
}
