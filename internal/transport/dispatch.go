package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/protoclaw/internal/metrics"
	"github.com/ngoclaw/protoclaw/internal/oauth"
	"github.com/ngoclaw/protoclaw/pkg/apperr"
	"github.com/ngoclaw/protoclaw/pkg/safego"
)

// Config bounds dispatch behavior (§4.5/§5/§6): timeouts, retry limit, and
// whether the opt-in per-profile circuit breaker is active.
type Config struct {
	Timeout               time.Duration
	StreamIdleTimeout     time.Duration
	StreamHeadersTimeout  time.Duration
	Retries               int // total attempts allowed; 1 = no retry (default)
	CircuitBreakerEnabled bool
}

// Auth describes how to authenticate a single dispatch.
type Auth struct {
	Kind            string // "bearer" | "x-api-key" | "oauth"
	APIKey          string
	OAuthProviderID string
	OAuthConfig     oauth.AuthConfig
}

// DispatchRequest carries everything Dispatch needs for one upstream call.
type DispatchRequest struct {
	ServiceProfileID string
	ProviderKey      string
	ProviderID       string
	Family           Family

	RuntimeAbsoluteEndpoint string
	RuntimeBaseURL          string
	OverrideBaseURL         string
	ServiceDefaultBaseURL   string
	EndpointPath            string

	Body     json.RawMessage
	IsGLM    bool
	Metadata map[string]interface{}

	Auth Auth

	ConfigHeaders         map[string]string
	RuntimeHeaders        map[string]string
	InboundHeaders        map[string]string
	ServiceDefaultHeaders map[string]string
	UAMode                string

	InboundStream bool

	RequestID       string
	RouteName       string
	EntryEndpoint   string
	ClientRequestID string
}

// Result is the outcome of a successful dispatch: either a buffered JSON
// body or a streaming body the caller must close.
type Result struct {
	StatusCode int
	Body       json.RawMessage
	Stream     io.ReadCloser
	Streaming  bool
}

// Dispatcher performs the single HTTP call described by §4.5.
type Dispatcher struct {
	client      *http.Client
	oauthMgr    *oauth.Manager
	cfg         Config
	logger      *zap.Logger
	breakers    *breakerRegistry
	snapshotter Snapshotter
	metrics     *metrics.Registry
}

// New builds a Dispatcher with a tuned, connection-pooled http.Client
// matching the teacher's llm/openai/provider.go transport settings.
// metricsReg may be nil, in which case upstream call outcomes go unrecorded
// (tests construct dispatchers this way).
func New(cfg Config, oauthMgr *oauth.Manager, logger *zap.Logger, snapshotter Snapshotter, metricsReg *metrics.Registry) *Dispatcher {
	if cfg.Retries <= 0 {
		cfg.Retries = 1
	}
	if snapshotter == nil {
		snapshotter = NoopSnapshotter{}
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 0, // headers timeout enforced per-request via Config.StreamHeadersTimeout
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   10,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
	return &Dispatcher{
		client:      &http.Client{Transport: transport},
		oauthMgr:    oauthMgr,
		cfg:         cfg,
		logger:      logger,
		breakers:    newBreakerRegistry(),
		snapshotter: snapshotter,
		metrics:     metricsReg,
	}
}

// CircuitState reports a service-profile's current breaker state, for the
// /internal/status endpoint.
func (d *Dispatcher) CircuitState(serviceProfileID string) CircuitState {
	return d.breakers.State(serviceProfileID)
}

// Dispatch performs OAuth preflight, header/body construction, upstream
// dispatch, 401 recovery with a single replay, and 5xx retry-up-to-limit,
// exactly per §4.5's Dispatch/Error classification & retry sections.
func (d *Dispatcher) Dispatch(ctx context.Context, req *DispatchRequest) (*Result, error) {
	var cb *CircuitBreaker
	if d.cfg.CircuitBreakerEnabled {
		cb = d.breakers.For(req.ServiceProfileID)
		if !cb.Allow() {
			return nil, apperr.New(apperr.KindUpstreamTransport, "circuit open for "+req.ServiceProfileID)
		}
	}

	if req.Auth.Kind == "oauth" {
		if err := d.oauthMgr.EnsureValid(ctx, req.Auth.OAuthProviderID, req.Auth.OAuthConfig, oauth.Options{}); err != nil {
			return nil, err // ErrAuthPreflightFatal and ErrAuthMissing both bubble without replay
		}
	}

	base := firstNonEmpty(req.RuntimeBaseURL, req.OverrideBaseURL, req.ServiceDefaultBaseURL)
	path := req.EndpointPath

	body, endpointOverride, err := BuildBody(req.Body, req.IsGLM, req.Metadata)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCodec, "build upstream body", err)
	}
	if endpointOverride != "" {
		path = endpointOverride
	}

	endpoint := req.RuntimeAbsoluteEndpoint
	if endpoint == "" {
		endpoint = joinEndpoint(base, path)
	}

	replayed := false
	for attempt := 1; ; attempt++ {
		hreq := d.headerRequest(req)
		hreq.WantsSSE = familyFor(req.Family).WantsUpstreamSSE(hreq)
		wantSSE := hreq.WantsSSE
		hdrs := BuildHeaders(hreq)

		snapshotBestEffort(ctx, d.snapshotter, d.logger, Envelope{
			Phase: "before", RequestID: req.RequestID, Data: body, Headers: hdrs.Map(),
			URL: endpoint, EntryEndpoint: req.EntryEndpoint, ClientRequestID: req.ClientRequestID,
			ProviderKey: req.ProviderKey, ProviderID: req.ProviderID,
		})

		result, err := d.doOnce(ctx, endpoint, body, hdrs, wantSSE)

		snapshotBestEffort(ctx, d.snapshotter, d.logger, Envelope{
			Phase: "after", RequestID: req.RequestID, Headers: hdrs.Map(),
			URL: endpoint, EntryEndpoint: req.EntryEndpoint, ClientRequestID: req.ClientRequestID,
			ProviderKey: req.ProviderKey, ProviderID: req.ProviderID,
		})

		if err != nil {
			if attempt < d.cfg.Retries {
				time.Sleep(retryBackoff(attempt))
				continue
			}
			if cb != nil {
				cb.RecordFailure()
			}
			d.recordUpstream(req.EntryEndpoint, "transport_error")
			return nil, apperr.Wrap(apperr.KindUpstreamTransport, "upstream request failed", err)
		}

		status := result.StatusCode

		if status == http.StatusUnauthorized && !replayed && req.Auth.Kind == "oauth" {
			upstreamErr := apperr.New(apperr.KindAuthInvalid, "upstream rejected credential")
			if d.oauthMgr.HandleUpstreamInvalidToken(ctx, req.Auth.OAuthProviderID, req.Auth.OAuthConfig, upstreamErr, oauth.Options{}) {
				replayed = true
				continue
			}
			if cb != nil {
				cb.RecordFailure()
			}
			d.recordUpstream(req.EntryEndpoint, "auth_rejected")
			return nil, normalizeUpstreamError(result)
		}

		if status >= 500 && attempt < d.cfg.Retries {
			time.Sleep(retryBackoff(attempt))
			continue
		}

		if status >= 300 {
			if cb != nil {
				cb.RecordFailure()
			}
			d.recordUpstream(req.EntryEndpoint, "upstream_error")
			return nil, normalizeUpstreamError(result)
		}

		if cb != nil {
			cb.RecordSuccess()
		}
		d.recordUpstream(req.EntryEndpoint, "success")
		return result, nil
	}
}

// recordUpstream increments the UpstreamCalls counter if a metrics
// registry was supplied to New; a nil registry (as in tests) is a no-op.
func (d *Dispatcher) recordUpstream(endpoint, outcome string) {
	if d.metrics == nil {
		return
	}
	d.metrics.UpstreamCalls.WithLabelValues(endpoint, outcome).Inc()
}

func (d *Dispatcher) headerRequest(req *DispatchRequest) *Request {
	authHeaderName := "Authorization"
	authValue := ""
	switch req.Auth.Kind {
	case "bearer", "oauth":
		authValue = "Bearer " + req.Auth.APIKey
	case "x-api-key":
		authHeaderName = "x-api-key"
		authValue = req.Auth.APIKey
	}
	return &Request{
		Family:                req.Family,
		UAMode:                req.UAMode,
		RequestID:             req.RequestID,
		RouteName:             req.RouteName,
		ConfigHeaders:         req.ConfigHeaders,
		RuntimeHeaders:        req.RuntimeHeaders,
		InboundHeaders:        req.InboundHeaders,
		ServiceDefaultHeaders: req.ServiceDefaultHeaders,
		Authorization:         authValue,
		AuthHeaderName:        authHeaderName,
		InboundStream:         req.InboundStream,
	}
}

func (d *Dispatcher) doOnce(ctx context.Context, endpoint string, body json.RawMessage, hdrs *Headers, wantSSE bool) (*Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header = hdrs.ToHTTPHeader()

	resp, err := d.doWithHeadersTimeout(httpReq)
	if err != nil {
		return nil, err
	}

	if wantSSE && resp.StatusCode == http.StatusOK {
		var body io.ReadCloser = resp.Body
		if d.cfg.StreamIdleTimeout > 0 {
			body = &idleTimeoutReadCloser{r: resp.Body, timeout: d.cfg.StreamIdleTimeout, logger: d.logger}
		}
		return &Result{StatusCode: resp.StatusCode, Stream: body, Streaming: true}, nil
	}

	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &Result{StatusCode: resp.StatusCode, Body: respBody}, nil
}

// doWithHeadersTimeout races client.Do against Config.StreamHeadersTimeout,
// the same goroutine+select idiom the teacher's timedReader uses for idle
// reads, applied here to time-to-first-byte instead.
func (d *Dispatcher) doWithHeadersTimeout(httpReq *http.Request) (*http.Response, error) {
	if d.cfg.StreamHeadersTimeout <= 0 {
		return d.client.Do(httpReq)
	}
	type result struct {
		resp *http.Response
		err  error
	}
	ch := make(chan result, 1)
	safego.Go(d.logger, "dispatch-headers-wait", func() {
		resp, err := d.client.Do(httpReq)
		ch <- result{resp, err}
	})
	select {
	case r := <-ch:
		return r.resp, r.err
	case <-time.After(d.cfg.StreamHeadersTimeout):
		return nil, apperr.New(apperr.KindStreamTimeout, "timed out waiting for response headers")
	}
}

func joinEndpoint(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

func retryBackoff(attempt int) time.Duration {
	ms := 500 * attempt
	if ms > 2000 {
		ms = 2000
	}
	return time.Duration(ms) * time.Millisecond
}

// normalizeUpstreamError builds the §7 user-visible shape from a non-2xx
// upstream response.
func normalizeUpstreamError(result *Result) *apperr.Error {
	kind := apperr.KindUpstreamStatus
	code := fmt.Sprintf("HTTP_%d", result.StatusCode)
	message := string(result.Body)

	var parsed struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(result.Body, &parsed) == nil && parsed.Error.Message != "" {
		message = parsed.Error.Message
		if parsed.Error.Code != "" {
			code = parsed.Error.Code
			kind = apperr.KindUpstreamBusiness
		}
	}

	return &apperr.Error{
		Kind:       kind,
		Message:    message,
		StatusCode: result.StatusCode,
		Code:       code,
	}
}

// idleTimeoutReadCloser enforces §5's streamIdleTimeoutMs (time between
// chunks) on a streaming body, grounded on
// llm/openai/sse.go and llm/anthropic/sse.go's identical timedReader.
type idleTimeoutReadCloser struct {
	r       io.ReadCloser
	timeout time.Duration
	logger  *zap.Logger
}

func (t *idleTimeoutReadCloser) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	safego.Go(t.logger, "dispatch-idle-read", func() {
		n, err := t.r.Read(p)
		ch <- result{n, err}
	})
	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(t.timeout):
		return 0, apperr.New(apperr.KindStreamTimeout, "SSE stream idle timeout")
	}
}

func (t *idleTimeoutReadCloser) Close() error { return t.r.Close() }
