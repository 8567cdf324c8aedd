package transport

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// BuildBody applies the §4.5 body-construction adjustments on top of the
// codec's already-canonical OpenAI-Chat body: GLM's array-content coercion,
// the iFlow web-search endpoint override, and internal-metadata stripping.
// It returns the final body and the endpoint path to POST to (empty means
// "use the caller's already-resolved endpoint").
func BuildBody(canonicalBody json.RawMessage, isGLM bool, metadata map[string]interface{}) (body json.RawMessage, endpointOverride string, err error) {
	body = canonicalBody

	if isGLM {
		body, err = coerceGLMAssistantContent(body)
		if err != nil {
			return nil, "", err
		}
	}

	if iflowWebSearch(metadata) {
		if data := gjson.GetBytes(body, "metadata.data"); data.Exists() {
			body = []byte(data.Raw)
		}
		endpointOverride = "/chat/retrieve"
	}

	body = stripInternalMetadata(body)
	return body, endpointOverride, nil
}

func iflowWebSearch(metadata map[string]interface{}) bool {
	v, ok := metadata["iflowWebSearch"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// coerceGLMAssistantContent stringifies every assistant message's non-string
// content field, since GLM rejects array content.
func coerceGLMAssistantContent(body json.RawMessage) (json.RawMessage, error) {
	messages := gjson.GetBytes(body, "messages")
	if !messages.IsArray() {
		return body, nil
	}

	out := body
	var err error
	messages.ForEach(func(idx, msg gjson.Result) bool {
		if msg.Get("role").String() != "assistant" {
			return true
		}
		content := msg.Get("content")
		if !content.Exists() || content.Type == gjson.String {
			return true
		}
		path := "messages." + idx.String() + ".content"
		out, err = sjson.SetBytes(out, path, content.Raw)
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// stripInternalMetadata deletes top-level keys prefixed "__" or "_metadata"
// before transmission, the same prefix rule OpenAICodec applies on the
// inbound side (internal/codec's stripInternalKeys, which also strips such
// keys inside each message; this function does not), reused here because transport
// is the last stage with hands on the body before it leaves the process.
func stripInternalMetadata(body json.RawMessage) json.RawMessage {
	result := gjson.ParseBytes(body)
	if !result.IsObject() {
		return body
	}
	out := body
	result.ForEach(func(key, _ gjson.Result) bool {
		k := key.String()
		if strings.HasPrefix(k, "__") || strings.HasPrefix(k, "_metadata") {
			if stripped, err := sjson.DeleteBytes(out, k); err == nil {
				out = stripped
			}
		}
		return true
	})
	return out
}
