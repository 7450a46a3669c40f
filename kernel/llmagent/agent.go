// Package llmagent drives a model through the patch tools until a tool
// signals a found patch or a stop, or the step budget runs out.
package llmagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/OnslaughtSnail/patchproxy/kernel/execenv"
	"github.com/OnslaughtSnail/patchproxy/kernel/model"
	"github.com/OnslaughtSnail/patchproxy/kernel/signal"
	"github.com/OnslaughtSnail/patchproxy/kernel/tool"
)

const defaultMaxSteps = 30

// Config controls behavior of Agent.
type Config struct {
	Name         string
	SystemPrompt string
	// MaxSteps bounds model turns. Zero uses the default.
	MaxSteps int
	Logger   *zap.Logger
	// OnMessage observes every assistant and tool message as it is produced.
	OnMessage func(model.Message)
}

// Result is the end state of one run.
type Result struct {
	// Outcome is PatchFound or AgentStop when a tool ended the run, Normal
	// when the model stopped calling tools or the step budget ran out.
	Outcome  signal.Outcome
	Steps    int
	Messages []model.Message
}

// Agent is a minimal model-tool loop agent.
type Agent struct {
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config) (*Agent, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("llmagent: name is required")
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{cfg: cfg, logger: logger.With(zap.String("agent", cfg.Name))}, nil
}

func (a *Agent) Name() string {
	return a.cfg.Name
}

// Run sends prompt to llm and executes the tool calls it asks for. Tool
// failures other than signals are fed back to the model as error results.
func (a *Agent) Run(ctx context.Context, llm model.LLM, tools []tool.Tool, prompt string) (Result, error) {
	if llm == nil {
		return Result{}, fmt.Errorf("llmagent: model is nil")
	}
	toolMap, err := tool.BuildMap(tools)
	if err != nil {
		return Result{}, err
	}
	decls := tool.Declarations(tools)

	var messages []model.Message
	if a.cfg.SystemPrompt != "" {
		messages = append(messages, model.Message{Role: model.RoleSystem, Text: a.cfg.SystemPrompt})
	}
	messages = append(messages, model.Message{Role: model.RoleUser, Text: prompt})
	dupCount := map[string]int{}
	lastText := ""

	for step := 1; step <= a.cfg.MaxSteps; step++ {
		resp, err := a.generateWithRetry(ctx, llm, &model.Request{Messages: messages, Tools: decls})
		if err != nil {
			return Result{Steps: step, Messages: messages}, err
		}
		if resp == nil {
			return Result{Steps: step, Messages: messages}, fmt.Errorf("llmagent: empty model response")
		}
		assistantMsg := resp.Message
		if assistantMsg.Role == "" {
			assistantMsg.Role = model.RoleAssistant
		}
		messages = a.append(messages, assistantMsg)
		if strings.TrimSpace(assistantMsg.Text) != "" {
			lastText = assistantMsg.Text
		}
		a.logger.Debug("model turn",
			zap.Int("step", step),
			zap.String("model", resp.Model),
			zap.Int("tool_calls", len(assistantMsg.ToolCalls)))
		if len(assistantMsg.ToolCalls) == 0 {
			return Result{
				Outcome:  signal.Outcome{Kind: signal.KindNormal, Text: lastText},
				Steps:    step,
				Messages: messages,
			}, nil
		}

		for _, call := range assistantMsg.ToolCalls {
			result, outcome, err := a.runTool(ctx, toolMap, dupCount, call)
			if err != nil {
				return Result{Steps: step, Messages: messages}, err
			}
			messages = a.append(messages, model.Message{
				Role:         model.RoleTool,
				ToolResponse: &model.ToolResponse{ID: call.ID, Name: call.Name, Result: result},
			})
			if outcome.Terminal() {
				a.logger.Info("run finished", zap.String("outcome", string(outcome.Kind)), zap.Int("step", step))
				return Result{Outcome: outcome, Steps: step, Messages: messages}, nil
			}
		}
	}
	a.logger.Info("step budget exhausted", zap.Int("max_steps", a.cfg.MaxSteps))
	return Result{
		Outcome:  signal.Outcome{Kind: signal.KindNormal, Text: lastText},
		Steps:    a.cfg.MaxSteps,
		Messages: messages,
	}, nil
}

// runTool executes one call. A returned error aborts the run; signals come
// back as a terminal outcome.
func (a *Agent) runTool(ctx context.Context, toolMap map[string]tool.Tool, dupCount map[string]int, call model.ToolCall) (map[string]any, signal.Outcome, error) {
	sig, err := toolCallSignature(call)
	if err != nil {
		return nil, signal.Outcome{}, err
	}
	dupCount[sig]++
	if dupCount[sig] > 2 {
		return map[string]any{"error": "duplicate tool call detected; try something different"}, signal.Outcome{}, nil
	}
	t, ok := toolMap[call.Name]
	if !ok {
		return map[string]any{"error": fmt.Sprintf("llmagent: unknown tool %q", call.Name)}, signal.Outcome{}, nil
	}
	result, runErr := t.Run(ctx, call.Args)
	if runErr == nil {
		return result, signal.Outcome{Kind: signal.KindNormal, Text: tool.ResultText(result)}, nil
	}
	outcome, err := signal.Classify("", runErr)
	if err == nil {
		text := signal.ResultPatchFound
		if outcome.Kind == signal.KindAgentStop {
			text = signal.ResultAgentStop
		}
		return map[string]any{tool.ResultKey: text}, outcome, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, signal.Outcome{}, err
	}
	a.logger.Warn("tool failed", zap.String("tool", call.Name), zap.Error(err))
	return annotateToolError(err), signal.Outcome{}, nil
}

func (a *Agent) append(messages []model.Message, msg model.Message) []model.Message {
	if a.cfg.OnMessage != nil {
		a.cfg.OnMessage(msg)
	}
	return append(messages, msg)
}

func annotateToolError(err error) map[string]any {
	result := map[string]any{"error": err.Error()}
	if code := execenv.ErrorCodeOf(err); strings.TrimSpace(string(code)) != "" {
		result["metadata"] = map[string]any{"error_code": string(code)}
	}
	return result
}

var (
	modelRequestMaxRetries = 5
	modelRetryBaseDelay    = 250 * time.Millisecond
	modelRetryMaxDelay     = 4 * time.Second
)

func collectLast(ctx context.Context, seq iter.Seq2[*model.Response, error]) (*model.Response, error) {
	var last *model.Response
	for res, err := range seq {
		if err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if res != nil {
			last = res
		}
	}
	return last, nil
}

func (a *Agent) generateWithRetry(ctx context.Context, llm model.LLM, req *model.Request) (*model.Response, error) {
	retries := 0
	for {
		resp, err := collectLast(ctx, llm.Generate(ctx, req))
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if !model.IsRetryable(err) {
			return nil, fmt.Errorf("llmagent: model request failed: %w", err)
		}
		if retries >= modelRequestMaxRetries {
			return nil, fmt.Errorf("llmagent: model request failed after %d retries: %w", modelRequestMaxRetries, err)
		}
		delay := retryDelayForAttempt(retries)
		a.logger.Warn("model request failed, retrying", zap.Int("retry", retries+1), zap.Duration("delay", delay), zap.Error(err))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		retries++
	}
}

func retryDelayForAttempt(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	delay := modelRetryBaseDelay
	for i := 0; i < retry; i++ {
		delay *= 2
		if delay >= modelRetryMaxDelay {
			return modelRetryMaxDelay
		}
	}
	if delay > modelRetryMaxDelay {
		return modelRetryMaxDelay
	}
	return delay
}

func toolCallSignature(call model.ToolCall) (string, error) {
	raw, err := json.Marshal(normalize(call.Args))
	if err != nil {
		return "", err
	}
	return call.Name + ":" + string(raw), nil
}

func normalize(input map[string]any) any {
	if input == nil {
		return nil
	}
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		out = append(out, k, input[k])
	}
	return out
}
