package execenv

import (
	"context"
	"os"
	"os/exec"
)

// HostRunner runs commands through bash on the local machine.
type HostRunner struct {
	// Shell overrides the interpreter; defaults to bash.
	Shell string
}

// NewHostRunner returns a runner bound to the local shell.
func NewHostRunner() *HostRunner {
	return &HostRunner{Shell: "bash"}
}

// Run executes req.Command. A non-zero exit yields the captured result together
// with an *ExitError; timeouts carry ErrorCodeHostCommandTimeout or
// ErrorCodeHostIdleTimeout.
func (h *HostRunner) Run(ctx context.Context, req CommandRequest) (CommandResult, error) {
	runCtx := ctx
	cancel := func() {}
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()

	shell := h.Shell
	if shell == "" {
		shell = "bash"
	}
	cmd := exec.CommandContext(runCtx, shell, "-c", req.Command)
	if req.Dir != "" {
		cmd.Dir = req.Dir
	}
	cmd.Env = append(os.Environ(), commandEnv...)
	cmd.Env = append(cmd.Env, req.Env...)
	return runWatched(runCtx, cmd, req)
}
