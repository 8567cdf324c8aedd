package transport

import (
	"encoding/json"
	"testing"

	"github.com/tidwall/gjson"
)

func TestBuildBodyGLMCoercesArrayAssistantContent(t *testing.T) {
	in := json.RawMessage(`{"messages":[
		{"role":"user","content":"hi"},
		{"role":"assistant","content":[{"type":"text","text":"hello"}]}
	]}`)

	out, _, err := BuildBody(in, true, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assistantContent := gjson.GetBytes(out, "messages.1.content")
	if assistantContent.Type != gjson.String {
		t.Fatalf("expected assistant content to be coerced to a string, got %s", assistantContent.Raw)
	}

	userContent := gjson.GetBytes(out, "messages.0.content")
	if userContent.String() != "hi" {
		t.Errorf("expected user message untouched, got %s", userContent.Raw)
	}
}

func TestBuildBodyNonGLMLeavesContentAlone(t *testing.T) {
	in := json.RawMessage(`{"messages":[{"role":"assistant","content":[{"type":"text","text":"hi"}]}]}`)
	out, _, err := BuildBody(in, false, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gjson.GetBytes(out, "messages.0.content").Type == gjson.String {
		t.Error("expected non-GLM body to keep array content untouched")
	}
}

func TestBuildBodyIFlowWebSearchOverridesEndpoint(t *testing.T) {
	in := json.RawMessage(`{"metadata":{"data":{"query":"weather"}}}`)
	out, endpoint, err := BuildBody(in, false, map[string]interface{}{"iflowWebSearch": true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if endpoint != "/chat/retrieve" {
		t.Errorf("endpointOverride = %q, want /chat/retrieve", endpoint)
	}
	if gjson.GetBytes(out, "query").String() != "weather" {
		t.Errorf("expected body replaced with metadata.data payload, got %s", out)
	}
}

func TestBuildBodyWithoutWebSearchKeepsEndpointUnresolved(t *testing.T) {
	in := json.RawMessage(`{"messages":[]}`)
	_, endpoint, err := BuildBody(in, false, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if endpoint != "" {
		t.Errorf("endpointOverride = %q, want empty", endpoint)
	}
}

func TestBuildBodyStripsInternalMetadataKeys(t *testing.T) {
	in := json.RawMessage(`{"messages":[],"__routingHint":"x","_metadataTrace":"y","model":"gpt-4"}`)
	out, _, err := BuildBody(in, false, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gjson.GetBytes(out, "__routingHint").Exists() {
		t.Error("expected __-prefixed key to be stripped")
	}
	if gjson.GetBytes(out, "_metadataTrace").Exists() {
		t.Error("expected _metadata-prefixed key to be stripped")
	}
	if gjson.GetBytes(out, "model").String() != "gpt-4" {
		t.Error("expected non-internal keys to survive stripping")
	}
}
