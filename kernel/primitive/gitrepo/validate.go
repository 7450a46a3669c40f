package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/mattn/go-runewidth"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/OnslaughtSnail/patchproxy/kernel/execenv"
	"github.com/OnslaughtSnail/patchproxy/kernel/primitive"
	"github.com/OnslaughtSnail/patchproxy/kernel/signal"
	"github.com/OnslaughtSnail/patchproxy/kernel/task"
)

const (
	validateToolName = "validate"
	reportTailLines  = 50
	reportLineWidth  = 200
)

// Validate applies patch to a detached worktree of HEAD and runs the validate
// command there. A clean result ends in a PatchFound signal carrying the
// normalized patch; once the task has used its budget the result is an
// AgentStop signal. Everything else is reported back as text.
func (r *Repo) Validate(ctx context.Context, t *task.Task, patch string, autoHint bool) (primitive.Args, string, error) {
	if used := validationsUsed(t); used >= r.maxValidations {
		return nil, "", signal.AgentStop(fmt.Sprintf("validation budget exhausted (%d/%d)", used, r.maxValidations))
	}
	normalized := normalizePatch(patch)
	args := primitive.Args{"patch": patch}
	if strings.TrimSpace(normalized) == "" {
		return args, report("The patch is empty.", "", autoHint, "Provide a unified diff with ---/+++ headers and at least one hunk."), nil
	}

	ws, err := r.addWorktree(ctx)
	if err != nil {
		return nil, "", err
	}
	defer func() {
		if err := ws.remove(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("remove validation worktree failed", zap.String("path", ws.path), zap.Error(err))
		}
	}()

	patchFile := filepath.Join(ws.parent, "candidate.diff")
	if err := os.WriteFile(patchFile, []byte(normalized), 0o600); err != nil {
		return nil, "", fmt.Errorf("gitrepo: write patch: %w", err)
	}

	applyCheck := "git apply --check --whitespace=nowarn " + shellQuote(patchFile)
	if res, err := r.run(ctx, ws.path, applyCheck, false); err != nil {
		if !isCommandFailure(err) {
			return nil, "", err
		}
		return args, report("The patch cannot be applied.", res.Output(), autoHint,
			"Use viewcode to re-read the exact lines around each hunk; context lines must match HEAD byte for byte."), nil
	}
	if res, err := r.run(ctx, ws.path, "git apply --whitespace=nowarn "+shellQuote(patchFile), false); err != nil {
		if !isCommandFailure(err) {
			return nil, "", err
		}
		return args, report("The patch cannot be applied.", res.Output(), autoHint, ""), nil
	}

	if r.validateCommand != "" {
		res, err := r.run(ctx, ws.path, r.validateCommand, true)
		if err != nil {
			if !isCommandFailure(err) {
				return nil, "", err
			}
			headline := "The patch applies, but validation failed."
			if execenv.IsErrorCode(err, execenv.ErrorCodeHostCommandTimeout) || execenv.IsErrorCode(err, execenv.ErrorCodeHostIdleTimeout) {
				headline = "The patch applies, but validation timed out."
			}
			return args, report(headline, res.Output(), autoHint,
				"Read the failure above, locate the code it points at and revise the patch."), nil
		}
	}

	r.logger.Info("patch validated", zap.String("repo", r.path))
	return nil, "", signal.PatchFound(normalized)
}

func (r *Repo) run(ctx context.Context, dir, command string, validate bool) (execenv.CommandResult, error) {
	req := execenv.CommandRequest{Command: command, Dir: dir, Timeout: r.commandTimeout}
	runner := r.runner
	if validate {
		req.IdleTimeout = r.idleTimeout
		runner = r.validateRunner
	}
	r.logger.Debug("run command", zap.String("dir", dir), zap.String("command", command))
	return runner.Run(ctx, req)
}

type worktree struct {
	repo   *Repo
	parent string
	path   string
}

func (r *Repo) addWorktree(ctx context.Context) (*worktree, error) {
	parent, err := os.MkdirTemp(r.worktreeRoot, "patchproxy-validate-*")
	if err != nil {
		return nil, fmt.Errorf("gitrepo: create worktree dir: %w", err)
	}
	ws := &worktree{repo: r, parent: parent, path: filepath.Join(parent, "tree")}
	cmd := fmt.Sprintf("git -C %s worktree add --detach %s HEAD", shellQuote(r.path), shellQuote(ws.path))
	if _, err := r.runner.Run(ctx, execenv.CommandRequest{Command: cmd, Timeout: r.commandTimeout}); err != nil {
		_ = os.RemoveAll(parent)
		return nil, execenv.WrapCodedError(execenv.ErrorCodeRepositoryUnavailable, err, "gitrepo: create worktree")
	}
	return ws, nil
}

func (w *worktree) remove(ctx context.Context) error {
	cmd := fmt.Sprintf("git -C %s worktree remove --force %s", shellQuote(w.repo.path), shellQuote(w.path))
	_, err := w.repo.runner.Run(ctx, execenv.CommandRequest{Command: cmd, Timeout: w.repo.commandTimeout})
	return multierr.Append(err, os.RemoveAll(w.parent))
}

// validationsUsed counts validate calls already recorded for t in any context.
func validationsUsed(t *task.Task) int {
	if t == nil {
		return 0
	}
	n := 0
	for _, c := range t.Contexts() {
		for _, rec := range c.ToolCalls() {
			if rec.Tool == validateToolName {
				n++
			}
		}
	}
	return n
}

func isCommandFailure(err error) bool {
	var exitErr *execenv.ExitError
	if errors.As(err, &exitErr) {
		return true
	}
	return execenv.IsErrorCode(err, execenv.ErrorCodeHostCommandTimeout) ||
		execenv.IsErrorCode(err, execenv.ErrorCodeHostIdleTimeout)
}

// normalizePatch unwraps a fenced diff block, converts CRLF line endings and
// guarantees a trailing newline, which git apply requires.
func normalizePatch(patch string) string {
	s := strings.ReplaceAll(patch, "\r\n", "\n")
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "```") {
		if i := strings.IndexByte(trimmed, '\n'); i >= 0 {
			trimmed = trimmed[i+1:]
		} else {
			trimmed = ""
		}
		trimmed = strings.TrimSuffix(strings.TrimRight(trimmed, " \n"), "```")
		s = trimmed
	}
	s = strings.TrimLeft(s, "\n")
	if s == "" {
		return ""
	}
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s
}

func report(headline, output string, autoHint bool, hint string) string {
	var b strings.Builder
	b.WriteString(headline)
	if tail := tailOutput(output); tail != "" {
		b.WriteString("\n\n")
		b.WriteString(tail)
	}
	if autoHint && hint != "" {
		b.WriteString("\n\nHint: ")
		b.WriteString(hint)
	}
	return b.String()
}

func tailOutput(output string) string {
	clean := strings.TrimRight(ansi.Strip(output), "\n")
	if strings.TrimSpace(clean) == "" {
		return ""
	}
	lines := strings.Split(clean, "\n")
	if len(lines) > reportTailLines {
		lines = append([]string{fmt.Sprintf("... (%d lines omitted)", len(lines)-reportTailLines)}, lines[len(lines)-reportTailLines:]...)
	}
	for i, line := range lines {
		lines[i] = runewidth.Truncate(line, reportLineWidth, "…")
	}
	return strings.Join(lines, "\n")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
