// hostmux - multiplexed remote exec, file transfer, and port
// forwarding over a single connection.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"hostmux/cmd"
	errs "hostmux/internal/errors"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		var exitErr *cmd.ExitCodeError
		if errs.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		fmt.Fprintf(os.Stderr, "hostmux: %v\n", err)
		os.Exit(1)
	}
}
