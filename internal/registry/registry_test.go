package registry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ngoclaw/protoclaw/internal/runtime"
)

type echoCodec struct{}

func (echoCodec) ConvertRequest(ctx context.Context, payload json.RawMessage, profile *Profile, cctx *runtime.Context) (json.RawMessage, error) {
	return payload, nil
}

func (echoCodec) ConvertResponse(ctx context.Context, payload json.RawMessage, profile *Profile, cctx *runtime.Context) (json.RawMessage, error) {
	return payload, nil
}

func init() {
	RegisterFactory("test-echo", func() (Codec, error) { return echoCodec{}, nil })
}

func writeProfileFile(t *testing.T, dir string, content string) string {
	t.Helper()
	path := filepath.Join(dir, "profiles.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write profile fixture: %v", err)
	}
	return path
}

func TestInitializeIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := writeProfileFile(t, dir, `{
		"profiles": {
			"p1": {"incomingProtocol": "openai-chat", "outgoingProtocol": "openai-chat", "codec": "test-echo"}
		},
		"endpointBindings": {}
	}`)

	r := New(false)
	if err := r.Initialize(path); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := r.Initialize(path); err != nil {
		t.Fatalf("second Initialize should be a no-op, got: %v", err)
	}
}

func TestInitializeFailsOnEmptyProfiles(t *testing.T) {
	dir := t.TempDir()
	path := writeProfileFile(t, dir, `{"profiles": {}, "endpointBindings": {}}`)

	r := New(false)
	if err := r.Initialize(path); err == nil {
		t.Fatal("expected error for empty profile set")
	}
}

func TestInitializeFailsOnMissingFile(t *testing.T) {
	r := New(false)
	if err := r.Initialize(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing profile file")
	}
}

func TestResolveProfileByEndpointBinding(t *testing.T) {
	dir := t.TempDir()
	path := writeProfileFile(t, dir, `{
		"profiles": {
			"p1": {"incomingProtocol": "anthropic-messages", "outgoingProtocol": "openai-chat", "codec": "test-echo"}
		},
		"endpointBindings": {"/v1/messages": "p1"}
	}`)

	r := New(false)
	if err := r.Initialize(path); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	cctx := runtime.New("req-1", "/v1/messages", "/v1/messages", false)
	profile, converted, err := r.PrepareIncoming(context.Background(), "", json.RawMessage(`{"hello":"world"}`), cctx)
	if err != nil {
		t.Fatalf("PrepareIncoming: %v", err)
	}
	if profile.ID != "p1" {
		t.Errorf("profile.ID = %q, want p1", profile.ID)
	}
	if string(converted) != `{"hello":"world"}` {
		t.Errorf("converted = %s", converted)
	}
}

func TestResolveProfileNoMatchFails(t *testing.T) {
	dir := t.TempDir()
	path := writeProfileFile(t, dir, `{
		"profiles": {
			"p1": {"incomingProtocol": "openai-chat", "outgoingProtocol": "openai-chat", "codec": "test-echo"}
		},
		"endpointBindings": {}
	}`)

	r := New(false)
	if err := r.Initialize(path); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	cctx := runtime.New("req-1", "/unbound", "/unbound", false)
	_, _, err := r.PrepareIncoming(context.Background(), "", json.RawMessage(`{}`), cctx)
	if err == nil {
		t.Fatal("expected ErrNoProfile when nothing matches and implicit default disallowed")
	}
}

func TestImplicitDefaultProfileWhenAllowed(t *testing.T) {
	dir := t.TempDir()
	path := writeProfileFile(t, dir, `{
		"profiles": {
			"only": {"incomingProtocol": "openai-chat", "outgoingProtocol": "openai-chat", "codec": "test-echo"}
		},
		"endpointBindings": {}
	}`)

	r := New(true)
	if err := r.Initialize(path); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	cctx := runtime.New("req-1", "/unbound", "/unbound", false)
	profile, _, err := r.PrepareIncoming(context.Background(), "", json.RawMessage(`{}`), cctx)
	if err != nil {
		t.Fatalf("PrepareIncoming: %v", err)
	}
	if profile.ID != "only" {
		t.Errorf("profile.ID = %q, want only", profile.ID)
	}
}

func TestPrepareOutgoingUsesRequestBinding(t *testing.T) {
	dir := t.TempDir()
	path := writeProfileFile(t, dir, `{
		"profiles": {
			"p1": {"incomingProtocol": "openai-chat", "outgoingProtocol": "openai-chat", "codec": "test-echo"},
			"p2": {"incomingProtocol": "anthropic-messages", "outgoingProtocol": "openai-chat", "codec": "test-echo"}
		},
		"endpointBindings": {"/v1/chat/completions": "p1", "/v1/messages": "p2"}
	}`)

	r := New(false)
	if err := r.Initialize(path); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	cctx := runtime.New("req-1", "/v1/messages", "/v1/messages", true)
	profile, _, err := r.PrepareIncoming(context.Background(), "", json.RawMessage(`{}`), cctx)
	if err != nil {
		t.Fatalf("PrepareIncoming: %v", err)
	}
	if profile.ID != "p2" {
		t.Fatalf("profile.ID = %q, want p2", profile.ID)
	}
	if r.PendingBindings() != 1 {
		t.Fatalf("PendingBindings = %d, want 1", r.PendingBindings())
	}

	outCtx := runtime.New("req-1", "", "", true)
	outProfile, _, err := r.PrepareOutgoing(context.Background(), "", json.RawMessage(`{}`), outCtx)
	if err != nil {
		t.Fatalf("PrepareOutgoing: %v", err)
	}
	if outProfile.ID != "p2" {
		t.Fatalf("outProfile.ID = %q, want p2 (the bound profile, not the default)", outProfile.ID)
	}
	if r.PendingBindings() != 0 {
		t.Fatalf("PendingBindings = %d, want 0 after take", r.PendingBindings())
	}
}

func TestInputSchemaValidationRejectsBadPayload(t *testing.T) {
	dir := t.TempDir()
	schemaPath := filepath.Join(dir, "input.schema.json")
	if err := os.WriteFile(schemaPath, []byte(`{
		"type": "object",
		"required": ["model"],
		"properties": {"model": {"type": "string"}}
	}`), 0o600); err != nil {
		t.Fatalf("write schema fixture: %v", err)
	}

	path := writeProfileFile(t, dir, `{
		"profiles": {
			"p1": {
				"incomingProtocol": "openai-chat",
				"outgoingProtocol": "openai-chat",
				"codec": "test-echo",
				"inputSchema": "input.schema.json"
			}
		},
		"endpointBindings": {"/v1/chat/completions": "p1"}
	}`)

	r := New(false)
	if err := r.Initialize(path); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	cctx := runtime.New("req-1", "/v1/chat/completions", "/v1/chat/completions", false)
	_, _, err := r.PrepareIncoming(context.Background(), "", json.RawMessage(`{"no_model": true}`), cctx)
	if err == nil {
		t.Fatal("expected schema validation error for missing required field")
	}
}
