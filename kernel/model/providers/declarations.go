package providers

import (
	"github.com/anthropics/anthropic-sdk-go"
	"google.golang.org/genai"

	"github.com/OnslaughtSnail/patchproxy/kernel/model"
)

// AnthropicTools converts tool declarations to Messages API tool params.
// Schema keys other than properties and required are carried as extra fields.
func AnthropicTools(tools []model.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := anthropic.ToolInputSchemaParam{}
		extra := map[string]any{}
		for key, value := range t.Parameters {
			switch key {
			case "type":
			case "properties":
				schema.Properties = value
			case "required":
				schema.Required = toStrings(value)
			default:
				extra[key] = value
			}
		}
		if len(extra) > 0 {
			schema.ExtraFields = extra
		}
		param := &anthropic.ToolParam{
			Name:        t.Name,
			InputSchema: schema,
		}
		if t.Description != "" {
			param.Description = anthropic.String(t.Description)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: param})
	}
	return out
}

// GeminiTool bundles tool declarations into one Gemini tool. The JSON schema is
// passed through unchanged.
func GeminiTool(tools []model.ToolDefinition) *genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 t.Name,
			Description:          t.Description,
			ParametersJsonSchema: t.Parameters,
		})
	}
	return &genai.Tool{FunctionDeclarations: decls}
}

func toStrings(value any) []string {
	switch typed := value.(type) {
	case []string:
		return append([]string(nil), typed...)
	case []any:
		out := make([]string, 0, len(typed))
		for _, one := range typed {
			if s, ok := one.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
