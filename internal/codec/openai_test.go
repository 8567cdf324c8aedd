package codec

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ngoclaw/protoclaw/internal/runtime"
)

func TestOpenAICodecNormalizesObjectArguments(t *testing.T) {
	c := &OpenAICodec{}
	payload := json.RawMessage(`{
		"model": "gpt-4",
		"messages": [
			{"role": "assistant", "content": null, "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "read_file", "arguments": {"path": "/tmp/a"}}}
			]}
		]
	}`)

	out, err := c.ConvertRequest(context.Background(), payload, nil, runtime.New("r1", "/v1/chat/completions", "/v1/chat/completions", false))
	if err != nil {
		t.Fatalf("ConvertRequest: %v", err)
	}

	var decoded struct {
		Messages []struct {
			ToolCalls []struct {
				Function struct {
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	args := decoded.Messages[0].ToolCalls[0].Function.Arguments
	if args != `{"path":"/tmp/a"}` {
		t.Errorf("arguments = %q, want JSON string", args)
	}
}

func TestOpenAICodecStripsInternalKeys(t *testing.T) {
	c := &OpenAICodec{}
	payload := json.RawMessage(`{"model": "gpt-4", "messages": [], "__trace": true, "_metadata_foo": 1}`)

	out, err := c.ConvertRequest(context.Background(), payload, nil, runtime.New("r1", "/v1/chat/completions", "/v1/chat/completions", false))
	if err != nil {
		t.Fatalf("ConvertRequest: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m["__trace"]; ok {
		t.Error("__trace should be stripped")
	}
	if _, ok := m["_metadata_foo"]; ok {
		t.Error("_metadata_foo should be stripped")
	}
	if _, ok := m["model"]; !ok {
		t.Error("model should be preserved")
	}
}

func TestOpenAICodecConvertResponseIsPassthrough(t *testing.T) {
	c := &OpenAICodec{}
	payload := json.RawMessage(`{"id": "resp-1"}`)
	out, err := c.ConvertResponse(context.Background(), payload, nil, runtime.New("r1", "", "", false))
	if err != nil {
		t.Fatalf("ConvertResponse: %v", err)
	}
	if string(out) != string(payload) {
		t.Errorf("out = %s, want unchanged", out)
	}
}
