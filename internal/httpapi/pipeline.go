package httpapi

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/ngoclaw/protoclaw/internal/codec"
	"github.com/ngoclaw/protoclaw/internal/config"
	"github.com/ngoclaw/protoclaw/internal/oauth"
	"github.com/ngoclaw/protoclaw/internal/registry"
	"github.com/ngoclaw/protoclaw/internal/runtime"
	"github.com/ngoclaw/protoclaw/internal/transport"
	"github.com/ngoclaw/protoclaw/pkg/apperr"
)

// forwardedHeaderSlots names the inbound headers the runtime metadata block
// tracks and transport's header ladder consumes (§3 Runtime Metadata).
var forwardedHeaderSlots = []string{
	"User-Agent", "session_id", "conversation_id", "originator",
	"anthropic-session-id", "anthropic-conversation-id",
}

// handleConversion implements the shared Chat Completions/Responses/Messages
// pipeline: prepareIncoming → resolve Service Profile → dispatch → either
// stream-transcode or prepareOutgoing → write the client-facing body.
func (s *Server) handleConversion(c *gin.Context, entryEndpoint string) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, apperr.Wrap(apperr.KindBadRequest, "read request body", err))
		return
	}

	stream := gjson.GetBytes(body, "stream").Bool()
	s.process(c, entryEndpoint, body, stream)
}

// handleGeminiAction handles POST /v1beta/models/{model}:generateContent
// and POST /v1beta/models/{model}:streamGenerateContent — Gemini expresses
// both the model and the streaming choice in the URL rather than the body,
// so model injection and stream detection both happen here before the
// shared pipeline runs.
func (s *Server) handleGeminiAction(c *gin.Context) {
	model, action := splitModelAction(c.Param("model"))
	if model == "" || action == "" {
		writeError(c, apperr.New(apperr.KindBadRequest, "malformed Gemini model:action path"))
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, apperr.Wrap(apperr.KindBadRequest, "read request body", err))
		return
	}

	stream := action == "streamGenerateContent"
	s.processWithModel(c, "/v1beta/models:"+action, body, stream, model)
}

func (s *Server) process(c *gin.Context, entryEndpoint string, body []byte, stream bool) {
	s.processWithModel(c, entryEndpoint, body, stream, "")
}

func (s *Server) processWithModel(c *gin.Context, entryEndpoint string, body []byte, stream bool, modelOverride string) {
	start := time.Now()
	requestID := uuid.NewString()
	cctx := runtime.New(requestID, entryEndpoint, c.Request.URL.Path, stream)
	for _, slot := range forwardedHeaderSlots {
		if v := c.GetHeader(slot); v != "" {
			cctx.ClientMeta[slot] = v
		}
	}

	ctx := c.Request.Context()

	profile, canonical, err := s.registry.PrepareIncoming(ctx, "", body, cctx)
	if err != nil {
		s.recordError(c.Request.URL.Path, err)
		writeError(c, err)
		return
	}
	defer func() {
		s.metrics.RequestsTotal.WithLabelValues(profile.ID, profile.Codec).Inc()
		s.metrics.RequestDuration.WithLabelValues(profile.ID).Observe(time.Since(start).Seconds())
	}()

	if modelOverride != "" {
		if withModel, setErr := setCanonicalModel(canonical, modelOverride); setErr == nil {
			canonical = withModel
		}
	}

	svcProfile, err := s.resolveServiceProfile(profile)
	if err != nil {
		s.recordError(profile.ID, err)
		writeError(c, err)
		return
	}

	dreq := s.buildDispatchRequest(c, profile, svcProfile, canonical, cctx)

	result, err := s.dispatcher.Dispatch(ctx, dreq)
	if err != nil {
		s.recordError(profile.ID, err)
		writeError(c, err)
		return
	}

	if result.Streaming {
		s.metrics.ActiveStreams.Inc()
		defer s.metrics.ActiveStreams.Dec()
		s.streamResponse(c, ctx, profile, result, cctx)
		return
	}

	_, clientBody, err := s.registry.PrepareOutgoing(ctx, "", result.Body, cctx)
	if err != nil {
		s.recordError(profile.ID, err)
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", clientBody)
}

// recordError increments RequestErrors, labeling by the apperr.Kind when the
// error came through the shared error vocabulary and "unknown" otherwise.
func (s *Server) recordError(label string, err error) {
	kind := "unknown"
	if appErr, ok := err.(*apperr.Error); ok {
		kind = string(appErr.Kind)
	}
	s.metrics.RequestErrors.WithLabelValues(label, kind).Inc()
}

// resolveServiceProfile looks up the Service Profile a Conversion Profile
// dispatches through, via the "serviceProfile" option (falling back to the
// profile's own id so a 1:1 profile/provider setup needs no extra option).
func (s *Server) resolveServiceProfile(profile *registry.Profile) (*config.ServiceProfile, error) {
	id := profile.ID
	if profile.Options != nil {
		if v, ok := profile.Options["serviceProfile"].(string); ok && v != "" {
			id = v
		}
	}
	sp, ok := s.serviceProfiles[id]
	if !ok {
		return nil, apperr.New(apperr.KindNoProfile, "no service profile configured for "+id)
	}
	return sp, nil
}

func (s *Server) buildDispatchRequest(c *gin.Context, profile *registry.Profile, sp *config.ServiceProfile, canonical []byte, cctx *runtime.Context) *transport.DispatchRequest {
	auth := transport.Auth{Kind: sp.Auth.Kind}
	switch sp.Auth.Kind {
	case "oauth":
		auth.OAuthProviderID = sp.Auth.OAuthProviderID
		auth.OAuthConfig = oauth.AuthConfig{
			TokenPath:    sp.Auth.OAuthTokenPath,
			ClientID:     sp.Auth.OAuthClientID,
			ClientSecret: sp.Auth.OAuthClientSecret,
			TokenURL:     sp.Auth.OAuthTokenURL,
			Scopes:       sp.Auth.OAuthScopes,
		}
	default:
		auth.APIKey = sp.APIKey()
	}

	return &transport.DispatchRequest{
		ServiceProfileID:      sp.ID,
		ProviderKey:           sp.ID,
		ProviderID:            sp.ID,
		Family:                transport.Family(sp.Family),
		ServiceDefaultBaseURL: sp.DefaultBaseURL,
		EndpointPath:          firstNonEmptyStr(sp.DefaultEndpointPath, cctx.EntryEndpoint),
		Body:                  canonical,
		IsGLM:                 sp.IsGLM,
		Metadata:              requestMetadata(c),
		Auth:                  auth,
		InboundHeaders:        cctx.ClientMeta,
		ServiceDefaultHeaders: sp.DefaultHeaders,
		UAMode:                s.uaMode,
		InboundStream:         cctx.Stream,
		RequestID:             cctx.RequestID,
		RouteName:             profile.ID,
		EntryEndpoint:         cctx.EntryEndpoint,
		ClientRequestID:       c.GetHeader("X-Request-Id"),
	}
}

func requestMetadata(c *gin.Context) map[string]interface{} {
	if v := c.GetHeader("X-Iflow-Web-Search"); v == "true" || v == "1" {
		return map[string]interface{}{"iflowWebSearch": true}
	}
	return nil
}

func firstNonEmptyStr(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func setCanonicalModel(canonical []byte, model string) ([]byte, error) {
	return codec.SetModel(canonical, model)
}

func splitModelAction(raw string) (model, action string) {
	for i := len(raw) - 1; i >= 0; i-- {
		if raw[i] == ':' {
			return raw[:i], raw[i+1:]
		}
	}
	return raw, ""
}

func writeError(c *gin.Context, err error) {
	body := apperr.ToClientBody(err)
	c.JSON(body.StatusCode, body)
}
