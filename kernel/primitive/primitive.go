// Package primitive declares the code-inspection and patch-validation
// operations the proxy tools delegate to.
package primitive

import (
	"context"
	"errors"

	"github.com/OnslaughtSnail/patchproxy/kernel/task"
)

var (
	// ErrSymbolNotFound reports that a symbol resolved to no location.
	ErrSymbolNotFound = errors.New("primitive: symbol not found")
	// ErrInvalidRange reports a line range outside the file.
	ErrInvalidRange = errors.New("primitive: invalid line range")
)

// Args are the arguments a primitive actually used, which may differ from what
// the caller passed (for example a clamped end line).
type Args map[string]any

// Primitives is the collaborator behind the viewcode, locate and validate
// tools. Validate may return a signal.PatchFound or signal.AgentStop error
// instead of a report; any primitive may return other errors, which callers
// propagate unchanged.
type Primitives interface {
	ViewCode(ctx context.Context, t *task.Task, path string, startLine, endLine int, autoHint bool) (Args, string, error)
	Locate(ctx context.Context, t *task.Task, symbol string, autoHint bool) (Args, string, error)
	Validate(ctx context.Context, t *task.Task, patch string, autoHint bool) (Args, string, error)
}

// Funcs adapts plain functions to Primitives. Nil fields fail with an error.
type Funcs struct {
	ViewCodeFunc func(ctx context.Context, t *task.Task, path string, startLine, endLine int, autoHint bool) (Args, string, error)
	LocateFunc   func(ctx context.Context, t *task.Task, symbol string, autoHint bool) (Args, string, error)
	ValidateFunc func(ctx context.Context, t *task.Task, patch string, autoHint bool) (Args, string, error)
}

var errNotImplemented = errors.New("primitive: not implemented")

func (f Funcs) ViewCode(ctx context.Context, t *task.Task, path string, startLine, endLine int, autoHint bool) (Args, string, error) {
	if f.ViewCodeFunc == nil {
		return nil, "", errNotImplemented
	}
	return f.ViewCodeFunc(ctx, t, path, startLine, endLine, autoHint)
}

func (f Funcs) Locate(ctx context.Context, t *task.Task, symbol string, autoHint bool) (Args, string, error) {
	if f.LocateFunc == nil {
		return nil, "", errNotImplemented
	}
	return f.LocateFunc(ctx, t, symbol, autoHint)
}

func (f Funcs) Validate(ctx context.Context, t *task.Task, patch string, autoHint bool) (Args, string, error) {
	if f.ValidateFunc == nil {
		return nil, "", errNotImplemented
	}
	return f.ValidateFunc(ctx, t, patch, autoHint)
}
