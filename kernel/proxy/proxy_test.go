package proxy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/OnslaughtSnail/patchproxy/kernel/primitive"
	"github.com/OnslaughtSnail/patchproxy/kernel/session"
	"github.com/OnslaughtSnail/patchproxy/kernel/signal"
	"github.com/OnslaughtSnail/patchproxy/kernel/task"
	"github.com/OnslaughtSnail/patchproxy/kernel/tool"
)

var ignoreVolatile = cmpopts.IgnoreFields(session.CallRecord{}, "ID", "Time")

func newTask(t *testing.T) *task.Task {
	t.Helper()
	tk, err := task.New(context.Background(), task.Config{ID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	return tk
}

func fakePrimitives() primitive.Funcs {
	return primitive.Funcs{
		ViewCodeFunc: func(_ context.Context, _ *task.Task, path string, startLine, endLine int, _ bool) (primitive.Args, string, error) {
			if path == "a.txt" && startLine == 3 && endLine == 3 {
				return nil, "3: hello", nil
			}
			return nil, "", primitive.ErrInvalidRange
		},
		LocateFunc: func(_ context.Context, _ *task.Task, symbol string, _ bool) (primitive.Args, string, error) {
			if symbol == "Foo::bar" {
				return nil, "a.txt:42", nil
			}
			return nil, "", primitive.ErrSymbolNotFound
		},
		ValidateFunc: func(_ context.Context, _ *task.Task, patch string, _ bool) (primitive.Args, string, error) {
			switch patch {
			case "good":
				return nil, "", signal.PatchFound("good-normalized")
			case "stop":
				return nil, "", signal.AgentStop("budget")
			}
			return nil, "patch does not apply", nil
		},
	}
}

func newProxy(t *testing.T, prims primitive.Primitives, opts Options) *Proxy {
	t.Helper()
	p, err := New(newTask(t), prims, opts)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestViewCode_RecordsNormalCall(t *testing.T) {
	p := newProxy(t, fakePrimitives(), Options{})
	out, err := p.ViewCode(context.Background(), "a.txt", 3, 3)
	if err != nil {
		t.Fatal(err)
	}
	if out != "3: hello" {
		t.Fatalf("unexpected output %q", out)
	}
	want := []*session.CallRecord{{
		TaskID: "t1", ContextID: "c000", Seq: 1, Tool: "viewcode",
		Arguments: map[string]any{"path": "a.txt", "start_line": 3, "end_line": 3},
		Result:    "3: hello",
	}}
	if diff := cmp.Diff(want, p.Task().CurrentContext().ToolCalls(), ignoreVolatile); diff != "" {
		t.Fatalf("history mismatch (-want +got):\n%s", diff)
	}
}

func TestViewCode_RecordsArgsActuallyUsed(t *testing.T) {
	prims := primitive.Funcs{
		ViewCodeFunc: func(context.Context, *task.Task, string, int, int, bool) (primitive.Args, string, error) {
			return primitive.Args{"path": "a.txt", "start_line": 1, "end_line": 2}, "1: x\n2: y", nil
		},
	}
	p := newProxy(t, prims, Options{})
	if _, err := p.ViewCode(context.Background(), "a.txt", 1, 99); err != nil {
		t.Fatal(err)
	}
	calls := p.Task().CurrentContext().ToolCalls()
	if len(calls) != 1 || calls[0].Arguments["end_line"] != 2 {
		t.Fatalf("expected clamped args to be recorded, got %+v", calls)
	}
}

func TestLocate_RecordsNormalCall(t *testing.T) {
	p := newProxy(t, fakePrimitives(), Options{})
	out, err := p.Locate(context.Background(), "Foo::bar")
	if err != nil {
		t.Fatal(err)
	}
	if out != "a.txt:42" {
		t.Fatalf("unexpected output %q", out)
	}
	calls := p.Task().CurrentContext().ToolCalls()
	if len(calls) != 1 || calls[0].Tool != "locate" || calls[0].Arguments["symbol"] != "Foo::bar" || calls[0].Result != "a.txt:42" {
		t.Fatalf("unexpected history %+v", calls)
	}
}

func TestValidate_Variants(t *testing.T) {
	tests := []struct {
		name       string
		patch      string
		wantArgs   map[string]any
		wantResult string
		check      func(error) bool
	}{
		{
			name:       "report",
			patch:      "bad",
			wantArgs:   map[string]any{"patch": "bad"},
			wantResult: "patch does not apply",
			check:      func(err error) bool { return err == nil },
		},
		{
			name:       "patch found",
			patch:      "good",
			wantArgs:   map[string]any{"patch": "good-normalized"},
			wantResult: signal.ResultPatchFound,
			check:      signal.IsPatchFound,
		},
		{
			name:       "agent stop",
			patch:      "stop",
			wantArgs:   map[string]any{"patch": "stop"},
			wantResult: signal.ResultAgentStop,
			check:      signal.IsAgentStop,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProxy(t, fakePrimitives(), Options{})
			_, err := p.Validate(context.Background(), tt.patch)
			if !tt.check(err) {
				t.Fatalf("unexpected error %v", err)
			}
			want := []*session.CallRecord{{
				TaskID: "t1", ContextID: "c000", Seq: 1, Tool: "validate",
				Arguments: tt.wantArgs, Result: tt.wantResult,
			}}
			if diff := cmp.Diff(want, p.Task().CurrentContext().ToolCalls(), ignoreVolatile); diff != "" {
				t.Fatalf("history mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestValidate_PatchFoundCarriesPayload(t *testing.T) {
	p := newProxy(t, fakePrimitives(), Options{})
	_, err := p.Validate(context.Background(), "good")
	patch, ok := signal.PatchOf(err)
	if !ok || patch != "good-normalized" {
		t.Fatalf("expected patch payload, got %q ok=%v", patch, ok)
	}
}

func TestSignalsFromViewCodeAndLocateAreRecorded(t *testing.T) {
	prims := primitive.Funcs{
		ViewCodeFunc: func(context.Context, *task.Task, string, int, int, bool) (primitive.Args, string, error) {
			return nil, "", signal.AgentStop("enough")
		},
		LocateFunc: func(context.Context, *task.Task, string, bool) (primitive.Args, string, error) {
			return nil, "", signal.PatchFound("p")
		},
	}
	p := newProxy(t, prims, Options{})
	if _, err := p.ViewCode(context.Background(), "a.txt", 1, 1); !signal.IsAgentStop(err) {
		t.Fatalf("expected agent stop, got %v", err)
	}
	if _, err := p.Locate(context.Background(), "Foo"); !signal.IsPatchFound(err) {
		t.Fatalf("expected patch found, got %v", err)
	}
	want := []*session.CallRecord{
		{TaskID: "t1", ContextID: "c000", Seq: 1, Tool: "viewcode", Arguments: map[string]any{"path": "a.txt", "start_line": 1, "end_line": 1}, Result: signal.ResultAgentStop},
		{TaskID: "t1", ContextID: "c000", Seq: 2, Tool: "locate", Arguments: map[string]any{"symbol": "Foo", "patch": "p"}, Result: signal.ResultPatchFound},
	}
	if diff := cmp.Diff(want, p.Task().CurrentContext().ToolCalls(), ignoreVolatile); diff != "" {
		t.Fatalf("history mismatch (-want +got):\n%s", diff)
	}
}

func TestCollaboratorErrorIsNotRecorded(t *testing.T) {
	boom := errors.New("boom")
	prims := primitive.Funcs{
		LocateFunc: func(context.Context, *task.Task, string, bool) (primitive.Args, string, error) {
			return nil, "", boom
		},
	}
	p := newProxy(t, prims, Options{})
	if _, err := p.Locate(context.Background(), "Foo"); err != boom {
		t.Fatalf("expected error unchanged, got %v", err)
	}
	if _, err := p.ViewCode(context.Background(), "a.txt", 1, 1); err == nil {
		t.Fatal("expected error from missing primitive")
	}
	if n := p.Task().CurrentContext().Len(); n != 0 {
		t.Fatalf("expected no records, got %d", n)
	}
}

func TestCallsAppendInOrderIncludingDuplicates(t *testing.T) {
	p := newProxy(t, fakePrimitives(), Options{})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := p.Locate(ctx, "Foo::bar"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := p.ViewCode(ctx, "a.txt", 3, 3); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Validate(ctx, "bad"); err != nil {
		t.Fatal(err)
	}
	calls := p.Task().CurrentContext().ToolCalls()
	var names []string
	for _, rec := range calls {
		names = append(names, rec.Tool)
	}
	if diff := cmp.Diff([]string{"locate", "locate", "viewcode", "validate"}, names); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	if calls[0].ID == calls[1].ID {
		t.Fatal("duplicate calls must be distinct records")
	}
}

func TestAutoHintIsForwarded(t *testing.T) {
	var got []bool
	prims := primitive.Funcs{
		LocateFunc: func(_ context.Context, _ *task.Task, _ string, autoHint bool) (primitive.Args, string, error) {
			got = append(got, autoHint)
			return nil, "x:1", nil
		},
	}
	for _, hint := range []bool{true, false} {
		p := newProxy(t, prims, Options{AutoHint: hint})
		if _, err := p.Locate(context.Background(), "x"); err != nil {
			t.Fatal(err)
		}
	}
	if diff := cmp.Diff([]bool{true, false}, got); diff != "" {
		t.Fatalf("auto hint mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordsFollowCurrentContext(t *testing.T) {
	p := newProxy(t, fakePrimitives(), Options{})
	ctx := context.Background()
	if _, err := p.Locate(ctx, "Foo::bar"); err != nil {
		t.Fatal(err)
	}
	first := p.Task().CurrentContext()
	second, err := p.Task().SwitchContext(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Locate(ctx, "Foo::bar"); err != nil {
		t.Fatal(err)
	}
	if first.Len() != 1 || second.Len() != 1 {
		t.Fatalf("expected one record per context, got %d and %d", first.Len(), second.Len())
	}
	if rec := second.ToolCalls()[0]; rec.ContextID != "c001" || rec.Seq != 1 {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestNewTools_Declarations(t *testing.T) {
	tk := newTask(t)
	tools, err := NewTools(tk, fakePrimitives(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if n := tk.CurrentContext().Len(); n != 0 {
		t.Fatalf("building tools must not record calls, got %d", n)
	}
	if diff := cmp.Diff([]string{"viewcode", "locate", "validate"}, tool.Names(tools)); diff != "" {
		t.Fatalf("tool names mismatch (-want +got):\n%s", diff)
	}
	decls := tool.Declarations(tools)
	wantRequired := [][]string{
		{"path", "start_line", "end_line"},
		{"symbol"},
		{"patch"},
	}
	for i, decl := range decls {
		if diff := cmp.Diff(wantRequired[i], decl.Parameters["required"]); diff != "" {
			t.Fatalf("%s required mismatch (-want +got):\n%s", decl.Name, diff)
		}
	}
	props := decls[0].Parameters["properties"].(map[string]any)
	if props["start_line"].(map[string]any)["type"] != "integer" {
		t.Fatalf("unexpected start_line schema %v", props["start_line"])
	}
	if !strings.Contains(decls[2].Description, "--- a/src/OT/Layout/GDEF/GDEF.hh") {
		t.Fatalf("validate description lacks diff example: %q", decls[2].Description)
	}
}

func TestNew_RejectsMissingCollaborators(t *testing.T) {
	if _, err := New(nil, fakePrimitives(), Options{}); err == nil {
		t.Fatal("expected nil task error")
	}
	if _, err := New(newTask(t), nil, Options{}); err == nil {
		t.Fatal("expected nil primitives error")
	}
}

func TestToolRun_SignalPassesThrough(t *testing.T) {
	p := newProxy(t, fakePrimitives(), Options{})
	validate, err := p.ValidateTool()
	if err != nil {
		t.Fatal(err)
	}
	_, err = validate.Run(context.Background(), map[string]any{"patch": "good"})
	if !signal.IsPatchFound(err) {
		t.Fatalf("expected patch found through tool.Run, got %v", err)
	}
	viewcode, err := p.ViewCodeTool()
	if err != nil {
		t.Fatal(err)
	}
	out, err := viewcode.Run(context.Background(), map[string]any{"path": "a.txt", "start_line": 3, "end_line": 3})
	if err != nil {
		t.Fatal(err)
	}
	if tool.ResultText(out) != "3: hello" {
		t.Fatalf("unexpected result %v", out)
	}
	if n := p.Task().CurrentContext().Len(); n != 2 {
		t.Fatalf("expected 2 records, got %d", n)
	}
}

func TestToolCallIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	p := newProxy(t, fakePrimitives(), Options{Logger: zap.New(core)})
	if _, err := p.Locate(context.Background(), "Foo::bar"); err != nil {
		t.Fatal(err)
	}
	entries := logs.FilterMessage("tool call").All()
	if len(entries) != 1 {
		t.Fatalf("expected one tool call log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["tool"] != "locate" || fields["symbol"] != "Foo::bar" || fields["task"] != "t1" {
		t.Fatalf("unexpected log fields %v", fields)
	}
}
