package codec

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ngoclaw/protoclaw/internal/codec/coerce"
	"github.com/ngoclaw/protoclaw/internal/registry"
	"github.com/ngoclaw/protoclaw/internal/runtime"
)

func init() {
	registry.RegisterFactory("openai-openai", func() (registry.Codec, error) {
		return &OpenAICodec{}, nil
	})
}

// OpenAICodec is the pass-through codec (§4.4.3): OpenAI Chat Completions
// in, OpenAI Chat Completions out. It still normalizes
// tool_calls[].function.arguments into JSON strings (some clients send
// objects) and strips internal metadata keys before forwarding.
type OpenAICodec struct{}

// ConvertRequest normalizes tool-call arguments and strips `__`/
// `_metadata`-prefixed keys, per §4.4.3.
func (c *OpenAICodec) ConvertRequest(ctx context.Context, payload json.RawMessage, profile *registry.Profile, cctx *runtime.Context) (json.RawMessage, error) {
	out := payload

	messages := gjson.GetBytes(out, "messages")
	if messages.IsArray() {
		for i, msg := range messages.Array() {
			toolCalls := msg.Get("tool_calls")
			if !toolCalls.IsArray() {
				continue
			}
			for j, tc := range toolCalls.Array() {
				args := tc.Get("function.arguments")
				if args.Exists() && args.Type != gjson.String {
					path := fmt.Sprintf("messages.%d.tool_calls.%d.function.arguments", i, j)
					normalized := coerce.Arguments(args.Value())
					var err error
					out, err = sjson.SetBytes(out, path, string(normalized))
					if err != nil {
						return nil, err
					}
				}
			}
		}
	}

	out = stripInternalKeys(out)
	return out, nil
}

// ConvertResponse is a no-op pass-through.
func (c *OpenAICodec) ConvertResponse(ctx context.Context, payload json.RawMessage, profile *registry.Profile, cctx *runtime.Context) (json.RawMessage, error) {
	return payload, nil
}

// stripInternalKeys removes any top-level or message-level keys prefixed
// `__` or `_metadata` before the request is forwarded upstream (§4.4.3,
// §4.5 body construction).
func stripInternalKeys(payload json.RawMessage) json.RawMessage {
	out := payload
	root := gjson.ParseBytes(out)
	var toDelete []string
	root.ForEach(func(key, _ gjson.Result) bool {
		k := key.String()
		if isInternalKey(k) {
			toDelete = append(toDelete, k)
		}
		return true
	})
	for i, msg := range root.Get("messages").Array() {
		msg.ForEach(func(key, _ gjson.Result) bool {
			if k := key.String(); isInternalKey(k) {
				toDelete = append(toDelete, fmt.Sprintf("messages.%d.%s", i, k))
			}
			return true
		})
	}
	for _, k := range toDelete {
		if deleted, err := sjson.DeleteBytes(out, k); err == nil {
			out = deleted
		}
	}
	return out
}

func isInternalKey(k string) bool {
	return strings.HasPrefix(k, "__") || strings.HasPrefix(k, "_metadata")
}
