package proxy

import (
	"context"

	"github.com/OnslaughtSnail/patchproxy/kernel/primitive"
	"github.com/OnslaughtSnail/patchproxy/kernel/task"
	"github.com/OnslaughtSnail/patchproxy/kernel/tool"
)

// ViewCodeArgs are the viewcode tool parameters.
type ViewCodeArgs struct {
	Path      string `json:"path" desc:"The path of the file, relative to the repository root."`
	StartLine int    `json:"start_line" min:"1" desc:"The first line of the snippet (1-based, inclusive)."`
	EndLine   int    `json:"end_line" min:"1" desc:"The last line of the snippet (1-based, inclusive)."`
}

// LocateArgs are the locate tool parameters.
type LocateArgs struct {
	Symbol string `json:"symbol" desc:"The symbol to locate, e.g. a function, type or Class::method name."`
}

// ValidateArgs are the validate tool parameters.
type ValidateArgs struct {
	Patch string `json:"patch" desc:"The patch to validate, in unified diff format."`
}

const viewCodeDescription = `Returns the code snippet between start_line and end_line of a file. Each line is prefixed with its line number.`

const locateDescription = `Returns the location of a symbol as file paths and line numbers.`

const validateDescription = "Returns the validation result of the patch. The patch must be a unified diff and may contain multiple hunks, for example:\n" +
	"```diff\n" +
	"--- a/src/OT/Layout/GDEF/GDEF.hh\n" +
	"+++ b/src/OT/Layout/GDEF/GDEF.hh\n" +
	"@@ -869,7 +869,7 @@ struct GDEF\n" +
	"       return v;\n" +
	"\n" +
	"     v = table->get_glyph_props (glyph);\n" +
	"-      if (likely (table)) // Don't try setting if we are the null instance!\n" +
	"+      if (likely (table.get_blob ())) // Don't try setting if we are the null instance!\n" +
	"     glyph_props_cache.set (glyph, v);\n" +
	"\n" +
	"     return v;\n" +
	"```"

// NewTools builds the viewcode, locate and validate tools for t. Building them
// has no effect on the task; only running them appends call records.
func NewTools(t *task.Task, prims primitive.Primitives, opts Options) ([]tool.Tool, error) {
	p, err := New(t, prims, opts)
	if err != nil {
		return nil, err
	}
	return p.Tools()
}

// Tools returns the three tools backed by p.
func (p *Proxy) Tools() ([]tool.Tool, error) {
	builders := []func() (tool.Tool, error){p.ViewCodeTool, p.LocateTool, p.ValidateTool}
	out := make([]tool.Tool, 0, len(builders))
	for _, build := range builders {
		t, err := build()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (p *Proxy) ViewCodeTool() (tool.Tool, error) {
	return tool.NewFunction[ViewCodeArgs, string](ViewCodeToolName, viewCodeDescription, func(ctx context.Context, args ViewCodeArgs) (string, error) {
		return p.ViewCode(ctx, args.Path, args.StartLine, args.EndLine)
	})
}

func (p *Proxy) LocateTool() (tool.Tool, error) {
	return tool.NewFunction[LocateArgs, string](LocateToolName, locateDescription, func(ctx context.Context, args LocateArgs) (string, error) {
		return p.Locate(ctx, args.Symbol)
	})
}

func (p *Proxy) ValidateTool() (tool.Tool, error) {
	return tool.NewFunction[ValidateArgs, string](ValidateToolName, validateDescription, func(ctx context.Context, args ValidateArgs) (string, error) {
		return p.Validate(ctx, args.Patch)
	})
}
