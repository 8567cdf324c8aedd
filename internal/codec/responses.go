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
	registry.RegisterFactory("responses-openai", func() (registry.Codec, error) {
		return &ResponsesCodec{}, nil
	})
}

// ResponsesCodec converts between the OpenAI Responses wire form
// (input/output item arrays) and the canonical OpenAI-Chat shape (§4.4.2).
type ResponsesCodec struct{}

type responsesItem struct {
	Type    string          `json:"type"`
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`

	// function_call item fields
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// function_call_output item fields
	Output string `json:"output,omitempty"`
}

type responsesRequest struct {
	Model string          `json:"model"`
	Input []responsesItem `json:"input"`
	Tools []Tool          `json:"tools,omitempty"`
}

type responsesResponse struct {
	ID     string          `json:"id,omitempty"`
	Model  string          `json:"model,omitempty"`
	Output []responsesItem `json:"output"`
	Usage  *Usage          `json:"usage,omitempty"`
}

// ConvertRequest flattens the Responses input array into canonical
// messages: message items pass through by role/content, function_call
// items become assistant tool_calls, function_call_output items become
// tool messages (§4.4.2).
func (c *ResponsesCodec) ConvertRequest(ctx context.Context, payload json.RawMessage, profile *registry.Profile, cctx *runtime.Context) (json.RawMessage, error) {
	var in responsesRequest
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, err
	}

	out := Request{Model: in.Model, Tools: in.Tools}
	schemaByName := BuildToolSchemaMap(in.Tools)
	cctx.ToolSchemas = schemaByName

	for _, item := range in.Input {
		switch item.Type {
		case "message", "":
			if item.Role == "" {
				continue
			}
			out.Messages = append(out.Messages, Message{
				Role:    item.Role,
				Content: extractResponsesContent(item.Content),
			})

		case "function_call":
			args := coerce.Arguments(item.Arguments)
			normalized, ok := coerce.Normalize(args, schemaByName[strings.ToLower(item.Name)])
			if !ok || coerce.IsEmptyObject(normalized) {
				continue
			}
			out.Messages = append(out.Messages, Message{
				Role: "assistant",
				ToolCalls: []ToolCall{{
					ID:   item.CallID,
					Type: "function",
					Function: FunctionCall{
						Name:      item.Name,
						Arguments: string(normalized),
					},
				}},
			})

		case "function_call_output":
			out.Messages = append(out.Messages, Message{
				Role:       "tool",
				Content:    rawString(item.Output),
				ToolCallID: item.CallID,
			})
		}
	}

	return json.Marshal(out)
}

func extractResponsesContent(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return rawString("")
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return rawString(asString)
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		text := ""
		for _, b := range blocks {
			if b.Type == "input_text" || b.Type == "output_text" || b.Type == "text" {
				if text != "" {
					text += "\n"
				}
				text += b.Text
			}
		}
		return rawString(text)
	}
	return raw
}

// ConvertResponse rebuilds the Responses output array from a canonical
// OpenAI-Chat response: a message item for any text, a function_call item
// per tool_call (§4.4.2).
func (c *ResponsesCodec) ConvertResponse(ctx context.Context, payload json.RawMessage, profile *registry.Profile, cctx *runtime.Context) (json.RawMessage, error) {
	var in Response
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, err
	}

	out := responsesResponse{ID: in.ID, Model: in.Model, Usage: in.Usage}

	if len(in.Choices) > 0 {
		msg := in.Choices[0].Message
		if text := extractTextContent(msg.Content); text != "" {
			out.Output = append(out.Output, responsesItem{
				Type:    "message",
				Role:    "assistant",
				Content: rawString(text),
			})
		}
		for _, tc := range msg.ToolCalls {
			args := coerce.Arguments(tc.Function.Arguments)
			schema := cctx.ToolSchemas[strings.ToLower(tc.Function.Name)]
			normalized, ok := coerce.Normalize(args, schema)
			if !ok || coerce.IsEmptyObject(normalized) {
				continue
			}
			out.Output = append(out.Output, responsesItem{
				Type:      "function_call",
				CallID:    tc.ID,
				Name:      tc.Function.Name,
				Arguments: string(normalized),
			})
		}
	}

	return json.Marshal(out)
}
