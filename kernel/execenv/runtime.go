package execenv

import (
	"context"
	"fmt"
	"time"
)

// CommandRequest is one command execution request.
type CommandRequest struct {
	Command     string
	Dir         string
	Env         []string
	Timeout     time.Duration
	IdleTimeout time.Duration
}

// CommandResult is one command execution result.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Output returns stdout and stderr joined the way a terminal would show them.
func (r CommandResult) Output() string {
	switch {
	case r.Stdout == "":
		return r.Stderr
	case r.Stderr == "":
		return r.Stdout
	}
	out := r.Stdout
	if out[len(out)-1] != '\n' {
		out += "\n"
	}
	return out + r.Stderr
}

// CommandRunner executes shell commands for primitives.
type CommandRunner interface {
	Run(context.Context, CommandRequest) (CommandResult, error)
}

// ExitError reports a command that ran to completion with a non-zero status.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	if e == nil {
		return "execenv: command failed"
	}
	return fmt.Sprintf("execenv: command exited with status %d: %s", e.ExitCode, e.Command)
}

func (e *ExitError) Code() ErrorCode {
	return ErrorCodeHostCommandFailed
}
