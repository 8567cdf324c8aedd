// Package codec converts wire payloads between OpenAI Chat Completions,
// OpenAI Responses, Anthropic Messages, and Gemini, using OpenAI Chat as
// the canonical in-memory shape (§3 Canonical Message).
//
// Grounded on the teacher's llm/openai/types.go and llm/anthropic/types.go
// request/response structs, generalized from "my provider's wire shape"
// to "the canonical shape every codec converts through".
package codec

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/sjson"
)

// Message is one entry in the canonical OpenAI-Chat message list (§3).
type Message struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
}

// ToolCall is an assistant message's tool invocation. Arguments is always
// a JSON-encoded string per §3's invariant.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall is the function half of a ToolCall.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool is a flat function-tool declaration (§3).
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction names and schemas a callable tool.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolChoice is the canonical tool_choice shape: either the bare strings
// "auto"/"none" or {type:"function", function:{name}}.
type ToolChoice struct {
	Mode     string // "auto", "none", or "" when Function is set
	Function string
}

// Request is the canonical OpenAI-Chat request body.
type Request struct {
	Model       string          `json:"model"`
	Messages    []Message       `json:"messages"`
	Tools       []Tool          `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

// Choice is one entry in a canonical response's choices array.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// Usage is the canonical OpenAI token-usage block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// Response is the canonical OpenAI-Chat response body.
type Response struct {
	ID      string   `json:"id,omitempty"`
	Model   string   `json:"model,omitempty"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// ToolSchemaMap is the transient tool-name → JSON-schema lookup built for
// a single conversion call (§3 Tool Schema Map). Keys are lower-cased.
type ToolSchemaMap map[string]json.RawMessage

// SetModel overwrites a canonical request's model field. Used by callers
// whose inbound protocol names the model outside the JSON body (Gemini's
// generateContent puts it in the URL path).
func SetModel(canonical json.RawMessage, model string) (json.RawMessage, error) {
	return sjson.SetBytes(canonical, "model", model)
}

// BuildToolSchemaMap indexes a canonical tools list by lower-cased name.
func BuildToolSchemaMap(tools []Tool) ToolSchemaMap {
	m := make(ToolSchemaMap, len(tools))
	for _, t := range tools {
		if t.Function.Name == "" {
			continue
		}
		m[strings.ToLower(t.Function.Name)] = t.Function.Parameters
	}
	return m
}
