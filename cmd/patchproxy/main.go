// Command patchproxy exposes the viewcode, locate and validate tools of a git
// repository and records every call in a per-task history.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Exit codes beyond the usual 0/1.
const (
	exitNoPatch   = 2
	exitAgentStop = 3
)

// exitError carries a specific process exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		exitErr(err)
	}
}

func exitErr(err error) {
	code := 1
	var coded *exitError
	if errors.As(err, &coded) {
		code = coded.code
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(code)
}
