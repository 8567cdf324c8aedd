package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ngoclaw/protoclaw/pkg/apperr"
)

func newTestDispatcher(t *testing.T, cfg Config) *Dispatcher {
	t.Helper()
	return New(cfg, nil, nil, nil, nil)
}

func baseRequest(body json.RawMessage) *DispatchRequest {
	return &DispatchRequest{
		ServiceProfileID:      "svc-1",
		Family:                FamilyGeneric,
		ServiceDefaultBaseURL: "", // set per-test via RuntimeAbsoluteEndpoint
		EndpointPath:          "/v1/chat/completions",
		Body:                  body,
		Auth:                  Auth{Kind: "bearer", APIKey: "k"},
		RequestID:             "req-1",
	}
}

func TestDispatchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	d := newTestDispatcher(t, Config{Retries: 1})
	req := baseRequest(json.RawMessage(`{"model":"x"}`))
	req.RuntimeAbsoluteEndpoint = srv.URL

	res, err := d.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", res.StatusCode)
	}
}

func TestDispatch500RetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":{"message":"boom"}}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	d := newTestDispatcher(t, Config{Retries: 2})
	req := baseRequest(json.RawMessage(`{"model":"x"}`))
	req.RuntimeAbsoluteEndpoint = srv.URL

	res, err := d.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", res.StatusCode)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestDispatch500WithDefaultRetrySurfacesClientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"boom"}}`))
	}))
	defer srv.Close()

	d := newTestDispatcher(t, Config{Retries: 1}) // default: no retry
	req := baseRequest(json.RawMessage(`{"model":"x"}`))
	req.RuntimeAbsoluteEndpoint = srv.URL

	_, err := d.Dispatch(context.Background(), req)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !apperr.Is(err, apperr.KindUpstreamStatus) && !apperr.Is(err, apperr.KindUpstreamBusiness) {
		t.Errorf("unexpected error kind: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("calls = %d, want 1 (retries=1 means no retry)", calls)
	}
}

func TestDispatchNon2xxWithoutRetryIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"invalid_request","message":"nope"}}`))
	}))
	defer srv.Close()

	d := newTestDispatcher(t, Config{Retries: 3})
	req := baseRequest(json.RawMessage(`{"model":"x"}`))
	req.RuntimeAbsoluteEndpoint = srv.URL

	_, err := d.Dispatch(context.Background(), req)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !apperr.Is(err, apperr.KindUpstreamBusiness) {
		t.Errorf("expected KindUpstreamBusiness (provider code present), got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("4xx must not be retried, calls = %d", calls)
	}
}

func TestDispatchStreamHeadersTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, Config{Retries: 1, StreamHeadersTimeout: 5 * time.Millisecond})
	req := baseRequest(json.RawMessage(`{"model":"x"}`))
	req.RuntimeAbsoluteEndpoint = srv.URL

	_, err := d.Dispatch(context.Background(), req)
	if err == nil {
		t.Fatal("expected a headers-timeout error")
	}
	if !apperr.Is(err, apperr.KindStreamTimeout) {
		t.Errorf("expected KindStreamTimeout, got %v", err)
	}
}

func TestDispatchCircuitBreakerOpensAfterFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	d := newTestDispatcher(t, Config{Retries: 1, CircuitBreakerEnabled: true})
	req := baseRequest(json.RawMessage(`{"model":"x"}`))
	req.RuntimeAbsoluteEndpoint = srv.URL

	for i := 0; i < 5; i++ {
		if _, err := d.Dispatch(context.Background(), req); err == nil {
			t.Fatal("expected error from upstream 500")
		}
	}
	if d.CircuitState("svc-1") != CircuitOpen {
		t.Errorf("circuit state = %v, want open after 5 consecutive failures", d.CircuitState("svc-1"))
	}

	_, err := d.Dispatch(context.Background(), req)
	if !apperr.Is(err, apperr.KindUpstreamTransport) {
		t.Errorf("expected circuit-open rejection, got %v", err)
	}
}
