package codec

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ngoclaw/protoclaw/internal/codec/coerce"
	"github.com/ngoclaw/protoclaw/internal/registry"
	"github.com/ngoclaw/protoclaw/internal/runtime"
)

func init() {
	registry.RegisterFactory("gemini-openai", func() (registry.Codec, error) {
		return &GeminiCodec{}, nil
	})
}

// GeminiCodec converts between the Gemini generateContent wire form and
// the canonical OpenAI-Chat shape (§4.4.6). Grounded on
// None9527-NGOClaw/gateway/internal/infrastructure/llm/gemini/{provider,types}.go,
// generalized the same way AnthropicCodec generalizes llm/anthropic.
type GeminiCodec struct{}

type geminiPart struct {
	Text         string              `json:"text,omitempty"`
	FunctionCall *geminiFunctionCall `json:"functionCall,omitempty"`
	FunctionResp *geminiFunctionResp `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFunctionResp struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiFunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	Tools             []geminiTool           `json:"tools,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount int `json:"candidatesTokenCount,omitempty"`
	TotalTokenCount      int `json:"totalTokenCount,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata,omitempty"`
}

// ConvertRequest flattens systemInstruction into a leading system message
// (mirroring the Anthropic codec's system-flattening exactly) and walks
// contents/parts into canonical messages and tool_calls.
func (c *GeminiCodec) ConvertRequest(ctx context.Context, payload json.RawMessage, profile *registry.Profile, cctx *runtime.Context) (json.RawMessage, error) {
	var in geminiRequest
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, err
	}

	out := Request{}
	if in.GenerationConfig.Temperature != nil {
		out.Temperature = in.GenerationConfig.Temperature
	}
	if in.GenerationConfig.MaxOutputTokens != nil {
		out.MaxTokens = in.GenerationConfig.MaxOutputTokens
	}

	for _, tool := range in.Tools {
		for _, decl := range tool.FunctionDeclarations {
			out.Tools = append(out.Tools, Tool{
				Type: "function",
				Function: ToolFunction{
					Name:        decl.Name,
					Description: decl.Description,
					Parameters:  decl.Parameters,
				},
			})
		}
	}
	cctx.ToolSchemas = BuildToolSchemaMap(out.Tools)

	if in.SystemInstruction != nil {
		if text := partsText(in.SystemInstruction.Parts); text != "" {
			out.Messages = append(out.Messages, Message{Role: "system", Content: rawString(text)})
		}
	}

	for _, content := range in.Contents {
		role := geminiRoleToOpenAI(content.Role)

		var textParts []string
		var toolCalls []ToolCall
		for _, part := range content.Parts {
			switch {
			case part.FunctionCall != nil:
				args := coerce.Arguments(rawToInterface(part.FunctionCall.Args))
				schema := cctx.ToolSchemas[strings.ToLower(part.FunctionCall.Name)]
				normalized, ok := coerce.Normalize(args, schema)
				if !ok || coerce.IsEmptyObject(normalized) {
					continue
				}
				toolCalls = append(toolCalls, ToolCall{
					Type: "function",
					Function: FunctionCall{
						Name:      part.FunctionCall.Name,
						Arguments: string(normalized),
					},
				})

			case part.FunctionResp != nil:
				content, _ := json.Marshal(part.FunctionResp.Response)
				out.Messages = append(out.Messages, Message{
					Role:    "tool",
					Content: rawString(string(content)),
					Name:    part.FunctionResp.Name,
				})

			case part.Text != "":
				textParts = append(textParts, part.Text)
			}
		}

		if len(toolCalls) > 0 || len(textParts) > 0 {
			m := Message{Role: role, ToolCalls: toolCalls}
			if len(textParts) > 0 {
				m.Content = rawString(strings.Join(textParts, "\n"))
			}
			out.Messages = append(out.Messages, m)
		}
	}

	return json.Marshal(out)
}

func partsText(parts []geminiPart) string {
	var sb strings.Builder
	for _, p := range parts {
		if p.Text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}

func geminiRoleToOpenAI(role string) string {
	if role == "model" {
		return "assistant"
	}
	if role == "" {
		return "user"
	}
	return role
}

// ConvertResponse maps candidates[0].content.parts back to OpenAI-Chat
// and finishReason through the stop-reason table described in §4.4.6.
func (c *GeminiCodec) ConvertResponse(ctx context.Context, payload json.RawMessage, profile *registry.Profile, cctx *runtime.Context) (json.RawMessage, error) {
	var in geminiResponse
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, err
	}

	out := Response{}
	if len(in.Candidates) > 0 {
		cand := in.Candidates[0]
		msg := Message{Role: "assistant"}

		var textParts []string
		hasToolCall := false
		for _, part := range cand.Content.Parts {
			if part.FunctionCall != nil {
				args := coerce.Arguments(rawToInterface(part.FunctionCall.Args))
				schema := cctx.ToolSchemas[strings.ToLower(part.FunctionCall.Name)]
				normalized, ok := coerce.Normalize(args, schema)
				if !ok || coerce.IsEmptyObject(normalized) {
					continue
				}
				msg.ToolCalls = append(msg.ToolCalls, ToolCall{
					Type: "function",
					Function: FunctionCall{
						Name:      part.FunctionCall.Name,
						Arguments: string(normalized),
					},
				})
				hasToolCall = true
			} else if part.Text != "" {
				textParts = append(textParts, part.Text)
			}
		}
		if len(textParts) > 0 {
			msg.Content = rawString(strings.Join(textParts, "\n"))
		}

		finishReason := mapGeminiFinishReason(cand.FinishReason, hasToolCall)
		out.Choices = []Choice{{Index: 0, Message: msg, FinishReason: finishReason}}
	}

	if in.UsageMetadata != nil {
		out.Usage = &Usage{
			PromptTokens:     in.UsageMetadata.PromptTokenCount,
			CompletionTokens: in.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      in.UsageMetadata.TotalTokenCount,
		}
	}

	return json.Marshal(out)
}

// mapGeminiFinishReason applies the "any tool call present forces
// finish_reason=tool_calls" rule shared with the stop-reason invariant in
// §4.4, then falls back to Gemini's own finishReason vocabulary.
func mapGeminiFinishReason(reason string, hasToolCall bool) string {
	if hasToolCall {
		return "tool_calls"
	}
	switch reason {
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	case "TOOL_CALLS", "FUNCTION_CALL":
		return "tool_calls"
	case "STOP", "":
		return "stop"
	default:
		return "stop"
	}
}
