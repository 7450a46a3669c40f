package llmagent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/OnslaughtSnail/patchproxy/kernel/execenv"
	"github.com/OnslaughtSnail/patchproxy/kernel/model"
	"github.com/OnslaughtSnail/patchproxy/kernel/primitive"
	"github.com/OnslaughtSnail/patchproxy/kernel/proxy"
	"github.com/OnslaughtSnail/patchproxy/kernel/signal"
	"github.com/OnslaughtSnail/patchproxy/kernel/task"
	"github.com/OnslaughtSnail/patchproxy/kernel/tool"
)

type namedTool struct {
	name string
	run  func(context.Context, map[string]any) (map[string]any, error)
}

func (t namedTool) Name() string        { return t.name }
func (t namedTool) Description() string { return t.name }
func (t namedTool) Declaration() model.ToolDefinition {
	return model.ToolDefinition{Name: t.name, Description: t.name, Parameters: map[string]any{"type": "object"}}
}
func (t namedTool) Run(ctx context.Context, args map[string]any) (map[string]any, error) {
	if t.run == nil {
		return map[string]any{}, nil
	}
	return t.run(ctx, args)
}

func call(id, name string, args map[string]any) *model.Response {
	return &model.Response{Message: model.Message{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{{ID: id, Name: name, Args: args}}}}
}

func TestAgent_FindsPatchThroughProxyTools(t *testing.T) {
	tk, err := task.New(context.Background(), task.Config{ID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	prims := primitive.Funcs{
		LocateFunc: func(context.Context, *task.Task, string, bool) (primitive.Args, string, error) {
			return nil, "a.c:10", nil
		},
		ValidateFunc: func(_ context.Context, _ *task.Task, patch string, _ bool) (primitive.Args, string, error) {
			return nil, "", signal.PatchFound(patch + "\n")
		},
	}
	tools, err := proxy.NewTools(tk, prims, proxy.Options{})
	if err != nil {
		t.Fatal(err)
	}

	llm := newTestLLM("fake", func(req *model.Request) (*model.Response, error) {
		if len(req.Tools) != 3 {
			t.Errorf("expected 3 tool declarations, got %d", len(req.Tools))
		}
		last := req.Messages[len(req.Messages)-1]
		if last.Role == model.RoleUser {
			return call("c1", "locate", map[string]any{"symbol": "foo"}), nil
		}
		return call("c2", "validate", map[string]any{"patch": "--- a\n+++ b"}), nil
	})

	ag, err := New(Config{Name: "test", SystemPrompt: "fix it"})
	if err != nil {
		t.Fatal(err)
	}
	res, err := ag.Run(context.Background(), llm, tools, "crash in foo")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome.Kind != signal.KindPatchFound || res.Outcome.Patch != "--- a\n+++ b\n" {
		t.Fatalf("unexpected outcome %+v", res.Outcome)
	}
	if res.Steps != 2 {
		t.Fatalf("expected 2 steps, got %d", res.Steps)
	}
	if res.Messages[0].Role != model.RoleSystem || res.Messages[1].Text != "crash in foo" {
		t.Fatalf("unexpected leading messages %+v", res.Messages[:2])
	}
	calls := tk.CurrentContext().ToolCalls()
	if len(calls) != 2 || calls[0].Tool != "locate" || calls[1].Result != signal.ResultPatchFound {
		t.Fatalf("unexpected history %+v", calls)
	}
}

func TestAgent_AgentStopEndsRun(t *testing.T) {
	stop := namedTool{name: "validate", run: func(context.Context, map[string]any) (map[string]any, error) {
		return nil, signal.AgentStop("budget")
	}}
	llm := newTestLLM("fake", func(*model.Request) (*model.Response, error) {
		return call("c1", "validate", map[string]any{"patch": "x"}), nil
	})
	ag, _ := New(Config{Name: "test"})
	res, err := ag.Run(context.Background(), llm, []tool.Tool{stop}, "go")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome.Kind != signal.KindAgentStop || res.Outcome.Reason != "budget" {
		t.Fatalf("unexpected outcome %+v", res.Outcome)
	}
	last := res.Messages[len(res.Messages)-1]
	if last.ToolResponse == nil || tool.ResultText(last.ToolResponse.Result) != signal.ResultAgentStop {
		t.Fatalf("unexpected final message %+v", last)
	}
}

func TestAgent_ToolErrorsBecomeResults(t *testing.T) {
	failing := namedTool{name: "locate", run: func(context.Context, map[string]any) (map[string]any, error) {
		return nil, execenv.NewCodedError(execenv.ErrorCodeRepositoryUnavailable, "no repo")
	}}
	var seen []map[string]any
	llm := newTestLLM("fake", func(req *model.Request) (*model.Response, error) {
		last := req.Messages[len(req.Messages)-1]
		switch {
		case last.Role == model.RoleUser:
			return call("c1", "locate", map[string]any{"symbol": "x"}), nil
		case last.ToolResponse != nil && last.ToolResponse.Name == "locate":
			seen = append(seen, last.ToolResponse.Result)
			return call("c2", "missing", nil), nil
		case last.ToolResponse != nil:
			seen = append(seen, last.ToolResponse.Result)
		}
		return &model.Response{Message: model.Message{Text: "giving up"}}, nil
	})
	ag, _ := New(Config{Name: "test"})
	res, err := ag.Run(context.Background(), llm, []tool.Tool{failing}, "go")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome.Kind != signal.KindNormal || res.Outcome.Text != "giving up" {
		t.Fatalf("unexpected outcome %+v", res.Outcome)
	}
	if len(seen) != 2 {
		t.Fatalf("expected two tool results, got %v", seen)
	}
	meta, _ := seen[0]["metadata"].(map[string]any)
	if meta["error_code"] != string(execenv.ErrorCodeRepositoryUnavailable) {
		t.Fatalf("expected error code metadata, got %v", seen[0])
	}
	if msg, _ := seen[1]["error"].(string); !strings.Contains(msg, "unknown tool") {
		t.Fatalf("expected unknown tool error, got %v", seen[1])
	}
}

func TestAgent_StepBudget(t *testing.T) {
	n := 0
	echo := namedTool{name: "locate", run: func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"result": "ok"}, nil
	}}
	llm := newTestLLM("fake", func(*model.Request) (*model.Response, error) {
		n++
		return call("c", "locate", map[string]any{"symbol": strings.Repeat("x", n)}), nil
	})
	ag, _ := New(Config{Name: "test", MaxSteps: 3})
	res, err := ag.Run(context.Background(), llm, []tool.Tool{echo}, "go")
	if err != nil {
		t.Fatal(err)
	}
	if res.Steps != 3 || res.Outcome.Kind != signal.KindNormal || res.Outcome.Terminal() {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestAgent_DuplicateCallsAreRejected(t *testing.T) {
	runs := 0
	echo := namedTool{name: "locate", run: func(context.Context, map[string]any) (map[string]any, error) {
		runs++
		return map[string]any{"result": "ok"}, nil
	}}
	llm := newTestLLM("fake", func(*model.Request) (*model.Response, error) {
		return call("c", "locate", map[string]any{"symbol": "same"}), nil
	})
	ag, _ := New(Config{Name: "test", MaxSteps: 4})
	if _, err := ag.Run(context.Background(), llm, []tool.Tool{echo}, "go"); err != nil {
		t.Fatal(err)
	}
	if runs != 2 {
		t.Fatalf("expected duplicate calls to stop after 2 runs, got %d", runs)
	}
}

func TestAgent_RetriesModelErrors(t *testing.T) {
	origBase, origMax := modelRetryBaseDelay, modelRetryMaxDelay
	modelRetryBaseDelay, modelRetryMaxDelay = time.Millisecond, 2*time.Millisecond
	defer func() { modelRetryBaseDelay, modelRetryMaxDelay = origBase, origMax }()

	failures := 2
	llm := newTestLLM("flaky", func(*model.Request) (*model.Response, error) {
		if failures > 0 {
			failures--
			return nil, errors.New("503")
		}
		return &model.Response{Message: model.Message{Text: "done"}}, nil
	})
	var observed []model.Message
	ag, _ := New(Config{Name: "test", OnMessage: func(m model.Message) { observed = append(observed, m) }})
	res, err := ag.Run(context.Background(), llm, nil, "go")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome.Text != "done" || len(observed) != 1 {
		t.Fatalf("unexpected result %+v observed=%v", res, observed)
	}
	if got := llm.(*testLLM).calls; got != 3 {
		t.Fatalf("expected 3 model calls, got %d", got)
	}
}

type permanentError struct{}

func (permanentError) Error() string   { return "invalid api key" }
func (permanentError) Retryable() bool { return false }

func TestAgent_PermanentModelErrorsAreNotRetried(t *testing.T) {
	llm := newTestLLM("broken", func(*model.Request) (*model.Response, error) {
		return nil, permanentError{}
	})
	ag, _ := New(Config{Name: "test"})
	_, err := ag.Run(context.Background(), llm, nil, "go")
	if !errors.As(err, new(permanentError)) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if got := llm.(*testLLM).calls; got != 1 {
		t.Fatalf("expected a single model call, got %d", got)
	}
}

func TestAgent_CancellationEscapes(t *testing.T) {
	cancelled := namedTool{name: "validate", run: func(context.Context, map[string]any) (map[string]any, error) {
		return nil, context.Canceled
	}}
	llm := newTestLLM("fake", func(*model.Request) (*model.Response, error) {
		return call("c", "validate", nil), nil
	})
	ag, _ := New(Config{Name: "test"})
	if _, err := ag.Run(context.Background(), llm, []tool.Tool{cancelled}, "go"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestRetryDelayForAttempt(t *testing.T) {
	if retryDelayForAttempt(0) != modelRetryBaseDelay {
		t.Fatalf("unexpected first delay %v", retryDelayForAttempt(0))
	}
	if retryDelayForAttempt(100) != modelRetryMaxDelay {
		t.Fatalf("expected delay cap, got %v", retryDelayForAttempt(100))
	}
}

func TestNew_RequiresName(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected name error")
	}
}
