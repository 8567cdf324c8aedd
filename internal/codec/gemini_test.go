package codec

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestGeminiConvertRequestFlattensSystemAndFunctionCall(t *testing.T) {
	c := &GeminiCodec{}
	payload := json.RawMessage(`{
		"systemInstruction": {"parts": [{"text": "You are helpful."}]},
		"contents": [
			{"role": "user", "parts": [{"text": "look something up"}]},
			{"role": "model", "parts": [{"functionCall": {"name": "lookup", "args": {"q": "x"}}}]},
			{"role": "user", "parts": [{"functionResponse": {"name": "lookup", "response": {"result": "y"}}}]}
		],
		"tools": [{"functionDeclarations": [{"name": "lookup", "description": "looks up", "parameters": {"type":"object","properties":{"q":{"type":"string"}}}}]}],
		"generationConfig": {"temperature": 0.5, "maxOutputTokens": 256}
	}`)

	out, err := c.ConvertRequest(context.Background(), payload, nil, newCctx())
	if err != nil {
		t.Fatalf("ConvertRequest: %v", err)
	}
	var req Request
	if err := json.Unmarshal(out, &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(req.Messages) == 0 || req.Messages[0].Role != "system" {
		t.Fatalf("expected leading system message, got %+v", req.Messages)
	}
	if req.MaxTokens == nil || *req.MaxTokens != 256 {
		t.Errorf("MaxTokens = %v, want 256", req.MaxTokens)
	}

	foundToolCall := false
	foundToolResult := false
	for _, m := range req.Messages {
		if len(m.ToolCalls) > 0 {
			foundToolCall = true
			if m.Role != "assistant" {
				t.Errorf("tool call message role = %q, want assistant (model->assistant)", m.Role)
			}
			if m.ToolCalls[0].Function.Arguments != `{"q":"x"}` {
				t.Errorf("arguments = %q", m.ToolCalls[0].Function.Arguments)
			}
		}
		if m.Role == "tool" && m.Name == "lookup" {
			foundToolResult = true
		}
	}
	if !foundToolCall {
		t.Error("expected an assistant message with tool_calls from functionCall")
	}
	if !foundToolResult {
		t.Error("expected a tool-role message for the functionResponse part")
	}
}

func TestGeminiConvertResponseToolCallForcesFinishReason(t *testing.T) {
	c := &GeminiCodec{}
	payload := json.RawMessage(`{
		"candidates": [{
			"finishReason": "STOP",
			"content": {"role": "model", "parts": [{"functionCall": {"name": "lookup", "args": {"q": "x"}}}]}
		}],
		"usageMetadata": {"promptTokenCount": 10, "candidatesTokenCount": 5, "totalTokenCount": 15}
	}`)

	out, err := c.ConvertResponse(context.Background(), payload, nil, newCctx())
	if err != nil {
		t.Fatalf("ConvertResponse: %v", err)
	}
	var resp Response
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("len(Choices) = %d, want 1", len(resp.Choices))
	}
	if resp.Choices[0].FinishReason != "tool_calls" {
		t.Errorf("FinishReason = %q, want tool_calls (STOP should be overridden by tool call presence)", resp.Choices[0].FinishReason)
	}
	if len(resp.Choices[0].Message.ToolCalls) != 1 || resp.Choices[0].Message.ToolCalls[0].Function.Name != "lookup" {
		t.Errorf("ToolCalls = %+v", resp.Choices[0].Message.ToolCalls)
	}
	if resp.Usage == nil || resp.Usage.PromptTokens != 10 || resp.Usage.TotalTokens != 15 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
}

func TestGeminiConvertResponseRenamesArgumentsAgainstRequestSchema(t *testing.T) {
	c := &GeminiCodec{}
	cctx := newCctx()

	reqPayload := json.RawMessage(`{
		"contents": [{"role": "user", "parts": [{"text": "read a file"}]}],
		"tools": [{"functionDeclarations": [{"name": "read_file", "parameters": {"type":"object","required":["file_path"],"properties":{"file_path":{"type":"string"}}}}]}]
	}`)
	if _, err := c.ConvertRequest(context.Background(), reqPayload, nil, cctx); err != nil {
		t.Fatalf("ConvertRequest: %v", err)
	}

	respPayload := json.RawMessage(`{
		"candidates": [{
			"finishReason": "STOP",
			"content": {"role": "model", "parts": [{"functionCall": {"name": "read_file", "args": {"filepath": "/tmp/a"}}}]}
		}]
	}`)

	out, err := c.ConvertResponse(context.Background(), respPayload, nil, cctx)
	if err != nil {
		t.Fatalf("ConvertResponse: %v", err)
	}
	var resp Response
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Choices[0].Message.ToolCalls) != 1 {
		t.Fatalf("expected one tool call, got %+v", resp.Choices[0].Message.ToolCalls)
	}
	args := resp.Choices[0].Message.ToolCalls[0].Function.Arguments
	if !strings.Contains(args, `"file_path"`) || strings.Contains(args, `"filepath"`) {
		t.Errorf("arguments = %q, want \"filepath\" renamed to the schema's \"file_path\"", args)
	}
}

func TestGeminiConvertResponseMapsFinishReasons(t *testing.T) {
	c := &GeminiCodec{}
	payload := json.RawMessage(`{
		"candidates": [{
			"finishReason": "MAX_TOKENS",
			"content": {"role": "model", "parts": [{"text": "partial output"}]}
		}]
	}`)

	out, err := c.ConvertResponse(context.Background(), payload, nil, newCctx())
	if err != nil {
		t.Fatalf("ConvertResponse: %v", err)
	}
	var resp Response
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Choices[0].FinishReason != "length" {
		t.Errorf("FinishReason = %q, want length", resp.Choices[0].FinishReason)
	}
	if resp.Choices[0].Message.Content == nil {
		t.Error("expected message content to carry the text part")
	}
}
