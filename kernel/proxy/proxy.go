// Package proxy adapts code-inspection primitives into agent tools.
//
// Every invocation that returns normally or ends in a distinguished signal
// appends exactly one record to the task's current context. Signals are
// recorded first and then returned unchanged; other primitive failures pass
// through unrecorded.
package proxy

import (
	"context"
	"fmt"
	"maps"

	"go.uber.org/zap"

	"github.com/OnslaughtSnail/patchproxy/kernel/primitive"
	"github.com/OnslaughtSnail/patchproxy/kernel/signal"
	"github.com/OnslaughtSnail/patchproxy/kernel/task"
)

// Tool names as seen by the agent and stored in call records.
const (
	ViewCodeToolName = "viewcode"
	LocateToolName   = "locate"
	ValidateToolName = "validate"
)

// Options configures the adapters.
type Options struct {
	// AutoHint is forwarded to every primitive call.
	AutoHint bool
	Logger   *zap.Logger
}

// Proxy binds one task to a set of primitives.
type Proxy struct {
	task     *task.Task
	prims    primitive.Primitives
	autoHint bool
	logger   *zap.Logger
}

// New binds t and prims. It does not touch the task's history.
func New(t *task.Task, prims primitive.Primitives, opts Options) (*Proxy, error) {
	if t == nil {
		return nil, fmt.Errorf("proxy: task is nil")
	}
	if prims == nil {
		return nil, fmt.Errorf("proxy: primitives are nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Proxy{
		task:     t,
		prims:    prims,
		autoHint: opts.AutoHint,
		logger:   logger.With(zap.String("task", t.ID())),
	}, nil
}

// Task returns the bound task.
func (p *Proxy) Task() *task.Task {
	return p.task
}

// ViewCode returns the line-numbered snippet [startLine, endLine] of path.
func (p *Proxy) ViewCode(ctx context.Context, path string, startLine, endLine int) (string, error) {
	p.logger.Info("tool call",
		zap.String("tool", ViewCodeToolName),
		zap.String("path", path),
		zap.Int("start_line", startLine),
		zap.Int("end_line", endLine))
	input := map[string]any{"path": path, "start_line": startLine, "end_line": endLine}
	used, text, err := p.prims.ViewCode(ctx, p.task, path, startLine, endLine, p.autoHint)
	return p.settle(ViewCodeToolName, input, used, text, err)
}

// Locate returns where symbol is defined or referenced.
func (p *Proxy) Locate(ctx context.Context, symbol string) (string, error) {
	p.logger.Info("tool call",
		zap.String("tool", LocateToolName),
		zap.String("symbol", symbol))
	input := map[string]any{"symbol": symbol}
	used, text, err := p.prims.Locate(ctx, p.task, symbol, p.autoHint)
	return p.settle(LocateToolName, input, used, text, err)
}

// Validate checks patch. A PatchFound or AgentStop signal is recorded and then
// returned as the error.
func (p *Proxy) Validate(ctx context.Context, patch string) (string, error) {
	p.logger.Info("tool call",
		zap.String("tool", ValidateToolName),
		zap.String("patch", patch))
	input := map[string]any{"patch": patch}
	used, text, err := p.prims.Validate(ctx, p.task, patch, p.autoHint)
	return p.settle(ValidateToolName, input, used, text, err)
}

// settle records the outcome of one primitive call and decides what the tool
// returns.
func (p *Proxy) settle(name string, input map[string]any, used primitive.Args, text string, err error) (string, error) {
	cur := p.task.CurrentContext()
	if err == nil {
		args := input
		if used != nil {
			args = used
		}
		cur.AddToolCall(name, args, text)
		p.logger.Debug("tool call recorded", zap.String("tool", name), zap.String("context", cur.ID()))
		return text, nil
	}
	if patch, ok := signal.PatchOf(err); ok {
		args := maps.Clone(input)
		args["patch"] = patch
		cur.AddToolCall(name, args, signal.ResultPatchFound)
		p.logger.Info("patch found", zap.String("tool", name), zap.String("context", cur.ID()))
		return "", err
	}
	if signal.IsAgentStop(err) {
		cur.AddToolCall(name, input, signal.ResultAgentStop)
		p.logger.Info("agent stop", zap.String("tool", name), zap.String("context", cur.ID()), zap.Error(err))
		return "", err
	}
	return "", err
}
