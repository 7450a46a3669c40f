// Package providers connects the agent loop to hosted models and converts
// tool declarations into provider formats.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/OnslaughtSnail/patchproxy/kernel/model"
)

const (
	DefaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	DefaultAnthropicKeyEnv  = "ANTHROPIC_API_KEY"
)

// Config describes one Messages API endpoint.
type Config struct {
	Model   string
	BaseURL string
	// APIKey wins over APIKeyEnv.
	APIKey       string
	APIKeyEnv    string
	Timeout      time.Duration
	MaxOutputTok int
}

type anthropicLLM struct {
	name         string
	baseURL      string
	token        string
	client       *http.Client
	maxOutputTok int
}

// NewAnthropic builds a non-streaming Messages API client.
func NewAnthropic(cfg Config) (model.LLM, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("model: model name is required")
	}
	token := strings.TrimSpace(cfg.APIKey)
	if token == "" {
		env := cfg.APIKeyEnv
		if env == "" {
			env = DefaultAnthropicKeyEnv
		}
		token = strings.TrimSpace(os.Getenv(env))
		if token == "" {
			return nil, fmt.Errorf("model: missing api key, set %s", env)
		}
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultAnthropicBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	maxTok := cfg.MaxOutputTok
	if maxTok <= 0 {
		maxTok = 4096
	}
	return &anthropicLLM{
		name:         cfg.Model,
		baseURL:      baseURL,
		token:        token,
		client:       &http.Client{Timeout: timeout},
		maxOutputTok: maxTok,
	}, nil
}

func (l *anthropicLLM) Name() string {
	return l.name
}

func (l *anthropicLLM) Generate(ctx context.Context, req *model.Request) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		if req == nil {
			yield(nil, fmt.Errorf("model: request is nil"))
			return
		}
		system, messages := toAnthropicMessages(req.Messages)
		payload := anthropicRequest{
			Model:     l.name,
			System:    system,
			Messages:  messages,
			Tools:     AnthropicTools(req.Tools),
			MaxTokens: l.maxOutputTok,
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			yield(nil, err)
			return
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/messages", bytes.NewReader(raw))
		if err != nil {
			yield(nil, err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", l.token)
		httpReq.Header.Set("anthropic-version", "2023-06-01")

		resp, err := l.client.Do(httpReq)
		if err != nil {
			yield(nil, err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			yield(nil, statusError(resp))
			return
		}
		var out anthropicResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			yield(nil, err)
			return
		}

		msg := model.Message{Role: model.RoleAssistant}
		textParts := make([]string, 0, len(out.Content))
		for _, part := range out.Content {
			switch part.Type {
			case "text":
				if strings.TrimSpace(part.Text) != "" {
					textParts = append(textParts, part.Text)
				}
			case "tool_use":
				msg.ToolCalls = append(msg.ToolCalls, model.ToolCall{
					ID:   part.ID,
					Name: part.Name,
					Args: part.Input,
				})
			}
		}
		msg.Text = strings.TrimSpace(strings.Join(textParts, "\n"))
		yield(&model.Response{
			Message:      msg,
			TurnComplete: true,
			Model:        out.Model,
			Provider:     "anthropic",
		}, nil)
	}
}

type anthropicRequest struct {
	Model     string                     `json:"model"`
	System    string                     `json:"system,omitempty"`
	Messages  []anthropicMessage         `json:"messages"`
	Tools     []anthropic.ToolUnionParam `json:"tools,omitempty"`
	MaxTokens int                        `json:"max_tokens"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicMsgPart `json:"content"`
}

type anthropicMsgPart struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type  string         `json:"type"`
		Text  string         `json:"text,omitempty"`
		ID    string         `json:"id,omitempty"`
		Name  string         `json:"name,omitempty"`
		Input map[string]any `json:"input,omitempty"`
	} `json:"content"`
}

func toAnthropicMessages(messages []model.Message) (string, []anthropicMessage) {
	systemLines := make([]string, 0, 2)
	out := make([]anthropicMessage, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case model.RoleSystem:
			if strings.TrimSpace(m.Text) != "" {
				systemLines = append(systemLines, m.Text)
			}
		case model.RoleUser:
			out = append(out, anthropicMessage{
				Role:    "user",
				Content: []anthropicMsgPart{{Type: "text", Text: m.Text}},
			})
		case model.RoleAssistant:
			parts := make([]anthropicMsgPart, 0, len(m.ToolCalls)+1)
			if strings.TrimSpace(m.Text) != "" {
				parts = append(parts, anthropicMsgPart{Type: "text", Text: m.Text})
			}
			for _, call := range m.ToolCalls {
				input := call.Args
				if input == nil {
					input = map[string]any{}
				}
				parts = append(parts, anthropicMsgPart{
					Type:  "tool_use",
					ID:    call.ID,
					Name:  call.Name,
					Input: input,
				})
			}
			if len(parts) > 0 {
				out = append(out, anthropicMessage{Role: "assistant", Content: parts})
			}
		case model.RoleTool:
			if m.ToolResponse == nil {
				continue
			}
			part := anthropicMsgPart{Type: "tool_result", ToolUseID: m.ToolResponse.ID}
			if errText, ok := m.ToolResponse.Result["error"].(string); ok {
				part.Content = errText
				part.IsError = true
			} else if text, ok := m.ToolResponse.Result["result"].(string); ok && len(m.ToolResponse.Result) == 1 {
				part.Content = text
			} else {
				raw, _ := json.Marshal(m.ToolResponse.Result)
				part.Content = string(raw)
			}
			out = append(out, anthropicMessage{Role: "user", Content: []anthropicMsgPart{part}})
		}
	}

	return strings.Join(systemLines, "\n\n"), out
}
