package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	_ "github.com/ngoclaw/protoclaw/internal/codec"
	"github.com/ngoclaw/protoclaw/internal/config"
	"github.com/ngoclaw/protoclaw/internal/metrics"
	"github.com/ngoclaw/protoclaw/internal/registry"
	"github.com/ngoclaw/protoclaw/internal/transport"
)

func writeProfileFixture(t *testing.T, dir string) string {
	t.Helper()

	schemaPath := filepath.Join(dir, "chat.input.schema.json")
	schema := `{"type":"object","required":["model"],"properties":{"model":{"type":"string"}}}`
	if err := os.WriteFile(schemaPath, []byte(schema), 0o600); err != nil {
		t.Fatalf("write schema fixture: %v", err)
	}

	path := filepath.Join(dir, "profiles.json")
	content := `{
		"profiles": {
			"chat": {"incomingProtocol": "openai", "outgoingProtocol": "openai", "codec": "openai-openai", "inputSchema": "chat.input.schema.json"},
			"messages": {"incomingProtocol": "anthropic", "outgoingProtocol": "openai", "codec": "anthropic-openai"}
		},
		"endpointBindings": {
			"/v1/chat/completions": "chat",
			"/v1/messages": "messages"
		}
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write profile fixture: %v", err)
	}
	return path
}

func newTestServer(t *testing.T, upstreamURL string) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := registry.New(false)
	if err := reg.Initialize(writeProfileFixture(t, t.TempDir())); err != nil {
		t.Fatalf("registry.Initialize: %v", err)
	}

	serviceProfiles := map[string]*config.ServiceProfile{
		"chat":     {ID: "chat", DefaultBaseURL: upstreamURL, DefaultEndpointPath: "/upstream", Family: "generic", Auth: config.ServiceAuth{Kind: "bearer", APIKeyEnv: "TEST_UNSET_KEY"}},
		"messages": {ID: "messages", DefaultBaseURL: upstreamURL, DefaultEndpointPath: "/upstream", Family: "generic", Auth: config.ServiceAuth{Kind: "bearer", APIKeyEnv: "TEST_UNSET_KEY"}},
	}

	metricsReg := prometheus.NewRegistry()
	metricsVecs := metrics.New(metricsReg)
	dispatcher := transport.New(transport.Config{Retries: 1}, nil, zap.NewNop(), nil, metricsVecs)

	s := &Server{
		logger:          zap.NewNop(),
		registry:        reg,
		serviceProfiles: serviceProfiles,
		dispatcher:      dispatcher,
		metrics:         metricsVecs,
		metricsHandler:  promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}),
	}
	router := gin.New()
	s.setupRoutes(router)
	s.httpServer = &http.Server{Handler: router}
	return s
}

func TestHandleConversionOpenAIPassThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"resp-1","model":"gpt-x","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}]}`))
	}))
	defer upstream.Close()

	s := newTestServer(t, upstream.URL)
	ts := httptest.NewServer(s.httpServer.Handler)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/chat/completions", "application/json", bytes.NewReader([]byte(`{"model":"gpt-x","messages":[{"role":"user","content":"hello"}]}`)))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["id"] != "resp-1" {
		t.Errorf("id = %v, want resp-1", body["id"])
	}
}

func TestHandleConversionAnthropicTranslatesResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"resp-2","model":"gpt-x","choices":[{"index":0,"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}]}`))
	}))
	defer upstream.Close()

	s := newTestServer(t, upstream.URL)
	ts := httptest.NewServer(s.httpServer.Handler)
	defer ts.Close()

	reqBody := `{"model":"claude-x","max_tokens":100,"messages":[{"role":"user","content":"hello"}]}`
	resp, err := http.Post(ts.URL+"/v1/messages", "application/json", bytes.NewReader([]byte(reqBody)))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["type"] != "message" {
		t.Errorf("type = %v, want message (Anthropic-shaped response)", body["type"])
	}
	if body["role"] != "assistant" {
		t.Errorf("role = %v, want assistant", body["role"])
	}
}

func TestHandleConversionMissingRequiredFieldIsRejected(t *testing.T) {
	s := newTestServer(t, "http://unused.invalid")
	ts := httptest.NewServer(s.httpServer.Handler)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/chat/completions", "application/json", bytes.NewReader([]byte(`{"messages":[]}`)))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for a payload missing the required \"model\" field", resp.StatusCode)
	}
}

func TestHandleStatusReportsProviders(t *testing.T) {
	s := newTestServer(t, "http://unused.invalid")
	ts := httptest.NewServer(s.httpServer.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/internal/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Providers) != 2 {
		t.Errorf("providers = %d, want 2", len(body.Providers))
	}
}
