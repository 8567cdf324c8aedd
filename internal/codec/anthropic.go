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
	registry.RegisterFactory("anthropic-openai", func() (registry.Codec, error) {
		return &AnthropicCodec{}, nil
	})
}

// AnthropicCodec converts between Anthropic Messages wire form and the
// canonical OpenAI-Chat shape (§4.4.1). Grounded on the teacher's
// llm/anthropic/{provider,types}.go request/response builders, generalized
// from "call Anthropic" to "translate to/from Anthropic".
type AnthropicCodec struct{}

// --- Anthropic wire types ---

type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type anthropicRequest struct {
	Model       string          `json:"model"`
	System      json.RawMessage `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type anthropicResponse struct {
	ID         string                  `json:"id,omitempty"`
	Type       string                  `json:"type"`
	Model      string                  `json:"model,omitempty"`
	Role       string                  `json:"role"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens,omitempty"`
}

// flattenSystemText extracts spec.md §4.4.1's "system (string or list of
// text blocks), flattened with \n" rule, shared with the Gemini codec's
// systemInstruction flattening.
func flattenSystemText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	var blocks []anthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// ConvertRequest implements §4.4.1's Anthropic → OpenAI request conversion.
func (c *AnthropicCodec) ConvertRequest(ctx context.Context, payload json.RawMessage, profile *registry.Profile, cctx *runtime.Context) (json.RawMessage, error) {
	var in anthropicRequest
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, err
	}

	out := Request{Model: in.Model, Stream: in.Stream}
	if in.MaxTokens != nil {
		out.MaxTokens = in.MaxTokens
	}
	out.Temperature = in.Temperature

	for _, t := range in.Tools {
		out.Tools = append(out.Tools, Tool{
			Type: "function",
			Function: ToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	out.ToolChoice = convertAnthropicToolChoice(in.ToolChoice)
	schemaByName := BuildToolSchemaMap(out.Tools)
	cctx.ToolSchemas = schemaByName

	if sysText := flattenSystemText(in.System); sysText != "" {
		out.Messages = append(out.Messages, Message{Role: "system", Content: rawString(sysText)})
	}

	var lastTextByRole = map[string]string{}
	for _, msg := range in.Messages {
		var blocks []anthropicContentBlock
		if err := json.Unmarshal(msg.Content, &blocks); err != nil {
			// Plain string content.
			var asString string
			if err2 := json.Unmarshal(msg.Content, &asString); err2 == nil {
				out.Messages = append(out.Messages, Message{Role: msg.Role, Content: rawString(asString)})
			}
			continue
		}

		var textParts []string
		var toolCalls []ToolCall

		for _, b := range blocks {
			switch b.Type {
			case "text", "message", "input_text", "output_text":
				text := b.Text
				if text == "" {
					continue
				}
				if text == lastTextByRole[msg.Role] {
					continue // dedup repeated block against previous text for the same role
				}
				textParts = append(textParts, text)
				lastTextByRole[msg.Role] = text

			case "tool_use":
				args := coerce.Arguments(rawToInterface(b.Input))
				schema := schemaByName[strings.ToLower(b.Name)]
				normalized, ok := coerce.Normalize(args, schema)
				if !ok || coerce.IsEmptyObject(normalized) {
					continue // dropped per §4.4.1: empty-input tool_use is not emitted
				}
				toolCalls = append(toolCalls, ToolCall{
					ID:   b.ID,
					Type: "function",
					Function: FunctionCall{
						Name:      b.Name,
						Arguments: string(normalized),
					},
				})

			case "tool_result":
				content := stringifyToolResultContent(b.Content)
				out.Messages = append(out.Messages, Message{
					Role:       "tool",
					Content:    rawString(content),
					ToolCallID: b.ToolUseID,
				})
			}
		}

		if len(toolCalls) > 0 || len(textParts) > 0 {
			m := Message{Role: msg.Role, ToolCalls: toolCalls}
			if len(textParts) > 0 {
				m.Content = rawString(strings.Join(textParts, "\n"))
			}
			out.Messages = append(out.Messages, m)
		}
	}

	return json.Marshal(out)
}

func convertAnthropicToolChoice(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		switch asString {
		case "auto", "none":
			return rawString(asString)
		}
		return rawString("auto")
	}
	var obj struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Type == "tool" {
		out, _ := json.Marshal(map[string]interface{}{
			"type":     "function",
			"function": map[string]string{"name": obj.Name},
		})
		return out
	}
	return rawString("auto")
}

func stringifyToolResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	var blocks []anthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

// ConvertResponse implements §4.4.1's OpenAI → Anthropic response conversion.
func (c *AnthropicCodec) ConvertResponse(ctx context.Context, payload json.RawMessage, profile *registry.Profile, cctx *runtime.Context) (json.RawMessage, error) {
	var in Response
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, err
	}

	var raw struct {
		Choices []struct {
			Message struct {
				ReasoningContent string `json:"reasoning_content,omitempty"`
				FunctionCall     *struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function_call,omitempty"`
			} `json:"message"`
		} `json:"choices"`
	}
	_ = json.Unmarshal(payload, &raw)

	out := anthropicResponse{ID: in.ID, Type: "message", Model: in.Model, Role: "assistant"}

	var blocks []anthropicContentBlock
	hasToolUse := false
	var finishReason string

	if len(in.Choices) > 0 {
		choice := in.Choices[0]
		finishReason = choice.FinishReason

		for _, tc := range choice.Message.ToolCalls {
			args := coerce.Arguments(rawToInterfaceString(tc.Function.Arguments))
			normalized, ok := coerce.Normalize(args, cctx.ToolSchemas[strings.ToLower(tc.Function.Name)])
			if !ok || coerce.IsEmptyObject(normalized) {
				continue
			}
			blocks = append(blocks, anthropicContentBlock{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: normalized,
			})
			hasToolUse = true
		}

		if len(raw.Choices) > 0 && raw.Choices[0].Message.FunctionCall != nil {
			fc := raw.Choices[0].Message.FunctionCall
			args := coerce.Arguments(rawToInterfaceString(fc.Arguments))
			normalized, ok := coerce.Normalize(args, cctx.ToolSchemas[strings.ToLower(fc.Name)])
			if ok && !coerce.IsEmptyObject(normalized) {
				blocks = append(blocks, anthropicContentBlock{Type: "tool_use", Name: fc.Name, Input: normalized})
				hasToolUse = true
			}
		}

		if text := extractTextContent(choice.Message.Content); text != "" {
			blocks = append(blocks, anthropicContentBlock{Type: "text", Text: text})
		}
		if len(raw.Choices) > 0 && raw.Choices[0].Message.ReasoningContent != "" {
			blocks = append(blocks, anthropicContentBlock{Type: "text", Text: raw.Choices[0].Message.ReasoningContent})
		}
	}

	if len(blocks) == 0 {
		blocks = append(blocks, anthropicContentBlock{Type: "text", Text: ""})
	}
	out.Content = blocks

	if hasToolUse {
		out.StopReason = "tool_use"
	} else {
		out.StopReason = mapFinishReasonToStopReason(finishReason)
	}

	if in.Usage != nil {
		out.Usage = anthropicUsage{
			InputTokens:  in.Usage.PromptTokens,
			OutputTokens: in.Usage.CompletionTokens,
			TotalTokens:  in.Usage.TotalTokens,
		}
	}

	return json.Marshal(out)
}

func mapFinishReasonToStopReason(reason string) string {
	switch reason {
	case "length":
		return "max_tokens"
	case "stop_sequence":
		return "stop_sequence"
	case "tool_calls", "function_call":
		return "tool_use"
	case "stop", "":
		return "end_turn"
	default:
		return "end_turn"
	}
}

func extractTextContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

func rawString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func rawToInterface(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func rawToInterfaceString(s string) interface{} {
	return s
}
