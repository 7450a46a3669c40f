package task

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/OnslaughtSnail/patchproxy/kernel/session"
	"github.com/OnslaughtSnail/patchproxy/kernel/session/inmemory"
)

var ignoreVolatile = cmpopts.IgnoreFields(session.CallRecord{}, "ID", "Time")

func TestNew_GeneratesIDAndFirstContext(t *testing.T) {
	tk, err := New(context.Background(), Config{})
	if err != nil {
		t.Fatal(err)
	}
	if tk.ID() == "" {
		t.Fatal("expected generated task id")
	}
	if tk.AppName() != DefaultAppName {
		t.Fatalf("unexpected app name %q", tk.AppName())
	}
	cur := tk.CurrentContext()
	if cur == nil || cur.ID() != "c000" {
		t.Fatalf("unexpected current context %+v", cur)
	}
}

func TestContext_AddToolCallKeepsOrderAndDuplicates(t *testing.T) {
	tk, err := New(context.Background(), Config{ID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	cur := tk.CurrentContext()
	cur.AddToolCall("locate", map[string]any{"symbol": "Foo"}, "a.txt:1")
	cur.AddToolCall("locate", map[string]any{"symbol": "Foo"}, "a.txt:1")
	cur.AddToolCall("viewcode", map[string]any{"path": "a.txt", "start_line": 1, "end_line": 2}, "1: x\n2: y")

	want := []*session.CallRecord{
		{TaskID: "t1", ContextID: "c000", Seq: 1, Tool: "locate", Arguments: map[string]any{"symbol": "Foo"}, Result: "a.txt:1"},
		{TaskID: "t1", ContextID: "c000", Seq: 2, Tool: "locate", Arguments: map[string]any{"symbol": "Foo"}, Result: "a.txt:1"},
		{TaskID: "t1", ContextID: "c000", Seq: 3, Tool: "viewcode", Arguments: map[string]any{"path": "a.txt", "start_line": 1, "end_line": 2}, Result: "1: x\n2: y"},
	}
	got := cur.ToolCalls()
	if diff := cmp.Diff(want, got, ignoreVolatile); diff != "" {
		t.Fatalf("call history mismatch (-want +got):\n%s", diff)
	}
	if got[0].ID == got[1].ID {
		t.Fatal("identical calls must produce distinct records")
	}
}

func TestContext_ArgumentsAreCopied(t *testing.T) {
	tk, err := New(context.Background(), Config{})
	if err != nil {
		t.Fatal(err)
	}
	args := map[string]any{"patch": "diff"}
	tk.CurrentContext().AddToolCall("validate", args, "ok")
	args["patch"] = "changed"
	calls := tk.CurrentContext().ToolCalls()
	calls[0].Arguments["patch"] = "changed too"
	if got := tk.CurrentContext().ToolCalls()[0].Arguments["patch"]; got != "diff" {
		t.Fatalf("record mutated through caller map: %v", got)
	}
}

func TestTask_SwitchContext(t *testing.T) {
	tk, err := New(context.Background(), Config{ID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	first := tk.CurrentContext()
	first.AddToolCall("locate", map[string]any{"symbol": "a"}, "x")
	second, err := tk.SwitchContext(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tk.CurrentContext() != second || second.ID() != "c001" {
		t.Fatalf("expected c001 to be current, got %s", tk.CurrentContext().ID())
	}
	second.AddToolCall("locate", map[string]any{"symbol": "b"}, "y")
	if first.Len() != 1 || second.Len() != 1 {
		t.Fatalf("unexpected lengths %d / %d", first.Len(), second.Len())
	}
	if len(tk.Contexts()) != 2 {
		t.Fatalf("expected 2 contexts, got %d", len(tk.Contexts()))
	}
}

func TestNew_ResumesPersistedHistory(t *testing.T) {
	store := inmemory.New()
	first, err := New(context.Background(), Config{ID: "t1", Store: store})
	if err != nil {
		t.Fatal(err)
	}
	first.CurrentContext().AddToolCall("locate", map[string]any{"symbol": "a"}, "x")
	if _, err := first.SwitchContext(context.Background()); err != nil {
		t.Fatal(err)
	}
	first.CurrentContext().AddToolCall("locate", map[string]any{"symbol": "b"}, "y")

	resumed, err := New(context.Background(), Config{ID: "t1", Store: store})
	if err != nil {
		t.Fatal(err)
	}
	if len(resumed.Contexts()) != 2 {
		t.Fatalf("expected 2 contexts, got %d", len(resumed.Contexts()))
	}
	cur := resumed.CurrentContext()
	if cur.ID() != "c001" || cur.Len() != 1 {
		t.Fatalf("unexpected resumed context %s with %d calls", cur.ID(), cur.Len())
	}
	cur.AddToolCall("locate", map[string]any{"symbol": "c"}, "z")
	calls := cur.ToolCalls()
	if calls[1].Seq != 2 {
		t.Fatalf("expected sequence to continue at 2, got %d", calls[1].Seq)
	}
	persisted, err := store.ListCalls(context.Background(), &session.Session{AppName: DefaultAppName, TaskID: "t1", ID: "c001"})
	if err != nil {
		t.Fatal(err)
	}
	if len(persisted) != 2 {
		t.Fatalf("expected 2 persisted calls, got %d", len(persisted))
	}
}

type failingStore struct {
	*inmemory.Store
}

func (s failingStore) AppendCall(context.Context, *session.Session, *session.CallRecord) error {
	return errors.New("disk full")
}

func TestContext_StoreFailureIsLoggedNotReturned(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	tk, err := New(context.Background(), Config{
		ID:     "t1",
		Store:  failingStore{Store: inmemory.New()},
		Logger: zap.New(core),
	})
	if err != nil {
		t.Fatal(err)
	}
	tk.CurrentContext().AddToolCall("validate", map[string]any{"patch": "p"}, "agent stop")
	if tk.CurrentContext().Len() != 1 {
		t.Fatal("in-memory history must still hold the record")
	}
	entries := logs.FilterMessage("persist tool call failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one warning, got %d", len(entries))
	}
	if entries[0].ContextMap()["tool"] != "validate" {
		t.Fatalf("unexpected log fields %v", entries[0].ContextMap())
	}
}
