package execenv

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"
)

var errIdleTimeout = errors.New("process idle timeout exceeded")

const idlePollInterval = 250 * time.Millisecond

// commandEnv is appended to every command so tools never wait on a pager or
// a credential prompt.
var commandEnv = []string{
	"CI=1",
	"TERM=dumb",
	"GIT_TERMINAL_PROMPT=0",
	"PAGER=cat",
	"NO_COLOR=1",
}

// activityWriter buffers output and stamps the time it last saw any.
type activityWriter struct {
	buffer     *bytes.Buffer
	lastOutput *atomic.Int64
}

func (w *activityWriter) Write(p []byte) (int, error) {
	if w.lastOutput != nil {
		w.lastOutput.Store(time.Now().UnixNano())
	}
	if w.buffer == nil {
		return len(p), nil
	}
	return w.buffer.Write(p)
}

// runWatched starts cmd in its own process group, waits for it under the
// timeouts of req and maps the outcome onto the coded errors of this package.
// runCtx must already carry req.Timeout.
func runWatched(runCtx context.Context, cmd *exec.Cmd, req CommandRequest) (CommandResult, error) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	var stdout, stderr bytes.Buffer
	var lastOutput atomic.Int64
	lastOutput.Store(time.Now().UnixNano())
	cmd.Stdout = &activityWriter{buffer: &stdout, lastOutput: &lastOutput}
	cmd.Stderr = &activityWriter{buffer: &stderr, lastOutput: &lastOutput}
	if err := cmd.Start(); err != nil {
		return CommandResult{}, WrapCodedError(ErrorCodeHostCommandFailed, err, "execenv: start %q", req.Command)
	}
	err := waitWithIdleTimeout(runCtx, cmd, req.IdleTimeout, &lastOutput)

	result := CommandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err == nil {
		return result, nil
	}
	result.ExitCode = resolveExitCode(err)
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		label := "context deadline"
		if req.Timeout > 0 {
			label = req.Timeout.String()
		}
		return result, WrapCodedError(ErrorCodeHostCommandTimeout, err, "execenv: command timed out after %s", label)
	case errors.Is(err, errIdleTimeout):
		label := "idle limit"
		if req.IdleTimeout > 0 {
			label = req.IdleTimeout.String()
		}
		return result, NewCodedError(ErrorCodeHostIdleTimeout, "execenv: command produced no output for %s and was terminated", label)
	case errors.Is(err, context.Canceled):
		return result, err
	case result.ExitCode > 0:
		return result, &ExitError{Command: req.Command, ExitCode: result.ExitCode, Stderr: result.Stderr}
	default:
		return result, WrapCodedError(ErrorCodeHostCommandFailed, err, "execenv: command failed")
	}
}

func waitWithIdleTimeout(ctx context.Context, cmd *exec.Cmd, idleTimeout time.Duration, lastOutput *atomic.Int64) error {
	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
	}()

	var tick <-chan time.Time
	if idleTimeout > 0 && lastOutput != nil {
		ticker := time.NewTicker(idlePollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case err := <-waitCh:
			return err
		case <-ctx.Done():
			_ = killProcess(cmd)
			<-waitCh
			return ctx.Err()
		case <-tick:
			if time.Since(time.Unix(0, lastOutput.Load())) > idleTimeout {
				_ = killProcess(cmd)
				<-waitCh
				return errIdleTimeout
			}
		}
	}
}

// killProcess kills the whole process group; build tools fork children that
// would otherwise hold the output pipes open.
func killProcess(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func resolveExitCode(err error) int {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return -1
	}
	return status.ExitStatus()
}
