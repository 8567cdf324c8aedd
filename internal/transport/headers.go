package transport

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Headers is a thin wrapper over http.Header giving header-slot semantics
// (case-insensitive get/set/delete) without forcing callers through the
// net/http canonicalization dance at every call site.
type Headers struct {
	h http.Header
}

func newHeaders() *Headers { return &Headers{h: http.Header{}} }

func (h *Headers) Set(key, value string) {
	if value == "" {
		return
	}
	h.h.Set(key, value)
}

func (h *Headers) Get(key string) string { return h.h.Get(key) }

func (h *Headers) Delete(key string) { h.h.Del(key) }

func (h *Headers) ToHTTPHeader() http.Header { return h.h.Clone() }

func (h *Headers) Map() map[string]string {
	out := make(map[string]string, len(h.h))
	for k := range h.h {
		out[k] = h.h.Get(k)
	}
	return out
}

const defaultUserAgent = "protoclaw/1.0"

// Request is everything BuildHeaders needs to resolve the §4.5 per-header
// priority ladder and family overrides for a single dispatch.
type Request struct {
	Family Family
	UAMode string // "codex" activates deterministic session-id synthesis

	RequestID string
	RouteName string

	ConfigHeaders         map[string]string
	RuntimeHeaders        map[string]string
	InboundHeaders        map[string]string
	ServiceDefaultHeaders map[string]string

	Authorization  string // fully-formed "Bearer <key>" or "x-api-key: <key>" value source
	AuthHeaderName string // "Authorization" or "x-api-key"

	InboundStream bool // inbound request's own "stream" flag, however that protocol expresses it

	WantsSSE bool // resolved by the caller via FamilyProfile.WantsUpstreamSSE before BuildHeaders is called
}

// ApplyHeaders for iFlow honors "service/profile UA wins over inbound" and
// emits the HMAC-SHA256 signature described in §4.5 and tested by §8's
// iFlow signature property.
type iflowFamily struct{}

func (iflowFamily) ApplyHeaders(h *Headers, req *Request) {
	ua := h.Get("User-Agent")
	sessionID := h.Get("session_id")
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

	if apiKey, ok := bearerToken(req.Authorization); ok {
		mac := hmac.New(sha256.New, []byte(apiKey))
		mac.Write([]byte(ua + ":" + sessionID + ":" + timestamp))
		h.Set("x-iflow-signature", hex.EncodeToString(mac.Sum(nil)))
		h.Set("x-iflow-timestamp", timestamp)
	}
}

func (iflowFamily) WantsUpstreamSSE(req *Request) bool {
	return req.InboundStream
}

// geminiFamily emits the Gemini-specific client identification headers and
// strips session/conversation/originator, which Gemini upstreams reject.
type geminiFamily struct{}

func (geminiFamily) ApplyHeaders(h *Headers, req *Request) {
	h.Set("X-Goog-Api-Client", "protoclaw-gemini/1.0")
	h.Set("Client-Metadata", "protoclaw/1.0 gemini")
	h.Set("Accept-Encoding", "gzip, deflate, br")
	h.Delete("session_id")
	h.Delete("conversation_id")
	h.Delete("originator")
}

func (geminiFamily) WantsUpstreamSSE(req *Request) bool {
	return req.InboundStream
}

func bearerToken(authorization string) (string, bool) {
	const prefix = "Bearer "
	if strings.HasPrefix(authorization, prefix) {
		return strings.TrimPrefix(authorization, prefix), true
	}
	return "", false
}

// BuildHeaders resolves the §4.5 priority ladder (config > runtime-profile >
// inbound > service-profile > default, applied low-to-high so the highest
// priority source wins) then applies family-specific overrides and strips.
func BuildHeaders(req *Request) *Headers {
	h := newHeaders()

	// 5. Hard-coded defaults.
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", defaultUserAgent)

	// 4. Service-profile defaults.
	for k, v := range req.ServiceDefaultHeaders {
		h.Set(k, v)
	}

	// 3. Inbound client headers — only the slots §4.5 names are eligible.
	applySessionAndConversationIDs(h, req)
	if ua := req.InboundHeaders["User-Agent"]; ua != "" && req.Family != FamilyIFlow {
		h.Set("User-Agent", ua)
	}
	if originator := req.InboundHeaders["originator"]; originator != "" {
		h.Set("originator", originator)
	}

	// 2. Runtime-profile headers.
	for k, v := range req.RuntimeHeaders {
		h.Set(k, v)
	}

	// 1. User/provider configuration overrides — highest priority.
	for k, v := range req.ConfigHeaders {
		h.Set(k, v)
	}

	// iFlow: service/profile UA wins over inbound, so apply the
	// service-default UA again after the inbound slot, unless config
	// explicitly overrode it.
	if req.Family == FamilyIFlow {
		if _, overridden := req.ConfigHeaders["User-Agent"]; !overridden {
			if ua := req.ServiceDefaultHeaders["User-Agent"]; ua != "" {
				h.Set("User-Agent", ua)
			} else if ua := req.RuntimeHeaders["User-Agent"]; ua != "" {
				h.Set("User-Agent", ua)
			}
		}
	}

	if req.Authorization != "" {
		h.Set(firstNonEmpty(req.AuthHeaderName, "Authorization"), req.Authorization)
	}

	// Accept is authoritatively set by stream-mode selection; inbound never
	// influences it.
	if req.WantsSSE {
		h.Set("Accept", "text/event-stream")
	} else {
		h.Set("Accept", "application/json")
	}

	familyFor(req.Family).ApplyHeaders(h, req)

	return h
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// applySessionAndConversationIDs implements the forwarding, codex-alias,
// and deterministic-synthesis rules for session_id/conversation_id.
func applySessionAndConversationIDs(h *Headers, req *Request) {
	sessionID := req.InboundHeaders["session_id"]
	conversationID := req.InboundHeaders["conversation_id"]

	if req.UAMode == "codex" {
		if sessionID == "" {
			sessionID = req.InboundHeaders["anthropic-session-id"]
		}
		if conversationID == "" {
			conversationID = req.InboundHeaders["anthropic-conversation-id"]
		}
	}

	if sessionID == "" {
		sessionID = synthesizeCodexID("session", req.RequestID, req.RouteName)
	}
	if conversationID == "" {
		conversationID = synthesizeCodexID("conversation", req.RequestID, req.RouteName)
	}

	h.Set("session_id", sessionID)
	h.Set("conversation_id", conversationID)
}

// synthesizeCodexID builds the deterministic fallback id named in §4.5:
// codex_cli_<kind>_<requestId[_routeName]>, hashed and truncated to <=64
// bytes so it stays a safe header value regardless of requestId's shape.
func synthesizeCodexID(kind, requestID, routeName string) string {
	seed := requestID
	if routeName != "" {
		seed = requestID + "_" + routeName
	}
	id := fmt.Sprintf("codex_cli_%s_%s", kind, uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String())
	if len(id) > 64 {
		id = id[:64]
	}
	return id
}
