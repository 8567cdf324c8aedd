// Package coerce implements the argument-coercion ladder and
// schema-driven normalization shared by every codec (§4.4.4): turning
// whatever shape a tool call's arguments actually arrived in (object,
// JSON string, fenced block, loose key=value text, array) into the
// object the receiving side's declared schema expects.
//
// Grounded on the fuzzy-parse idiom in taipm-go-deep-agent (forgiving
// JSON-ish argument parsing before a tool dispatch) and built on
// github.com/tidwall/gjson + github.com/tidwall/sjson for the structural
// probes and single-field rewrites in steps 3-6, instead of a full
// decode/mutate/re-encode round trip for every rename.
package coerce

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// genericUnwrapKeys is the set of single-key wrapper names step 6 peels
// off (§4.4.4 rule 6).
var genericUnwrapKeys = []string{"input", "args", "arguments", "parameters", "data", "payload"}

// fencedJSONRe matches a fenced ```json ... ``` or bare ``` ... ``` block.
var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// braceOrBracketRe matches the first {...} or [...] substring.
var braceOrBracketRe = regexp.MustCompile(`(?s)([\{\[].*[\}\]])`)

// bareKeyRe quotes a JSON5-ish bareword object key: {foo: 1} → {"foo": 1}.
var bareKeyRe = regexp.MustCompile(`([\{,]\s*)([A-Za-z_][A-Za-z0-9_]*)(\s*:)`)

// kvLineRe matches a "key=value" or "key: value" line.
var kvLineRe = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_]*)\s*[:=]\s*(.*?)\s*$`)

// Arguments runs the raw tool arguments value through the six-step
// coercion ladder and returns a JSON object (as raw bytes, always a `{...}`
// document, never nil).
func Arguments(raw interface{}) json.RawMessage {
	switch v := raw.(type) {
	case nil:
		return []byte(`{}`)
	case map[string]interface{}:
		return unwrapGeneric(v)
	case string:
		return coerceString(v)
	case []interface{}:
		return coerceArray(v)
	default:
		return mustMarshal(map[string]interface{}{"_raw": v})
	}
}

func coerceString(s string) json.RawMessage {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return []byte(`{}`)
	}

	// Step 3a: strict JSON.
	if obj, ok := tryParseObjectOrArray(trimmed); ok {
		return unwrapGeneric(obj)
	}

	// Step 3b: fenced block or brace/bracket substring, re-parsed.
	if m := fencedJSONRe.FindStringSubmatch(trimmed); len(m) == 2 {
		if obj, ok := tryParseObjectOrArray(m[1]); ok {
			return unwrapGeneric(obj)
		}
	}
	if m := braceOrBracketRe.FindStringSubmatch(trimmed); len(m) == 2 {
		if obj, ok := tryParseObjectOrArray(m[1]); ok {
			return unwrapGeneric(obj)
		}
	}

	// Step 3c: JSON-5-ish — single quotes to double quotes, bareword keys quoted.
	loosened := strings.ReplaceAll(trimmed, "'", "\"")
	loosened = bareKeyRe.ReplaceAllString(loosened, `$1"$2"$3`)
	if obj, ok := tryParseObjectOrArray(loosened); ok {
		return unwrapGeneric(obj)
	}

	// Step 3d: key=value / key: value lines.
	if obj, ok := parseKVLines(trimmed); ok {
		return mustMarshal(obj)
	}

	// Last resort: wrap raw text.
	return mustMarshal(map[string]interface{}{"_raw": s})
}

func tryParseObjectOrArray(s string) (interface{}, bool) {
	s = strings.TrimSpace(s)
	if s == "" || !gjson.Valid(s) {
		return nil, false
	}
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	switch v.(type) {
	case map[string]interface{}, []interface{}:
		return v, true
	default:
		return nil, false
	}
}

func parseKVLines(s string) (map[string]interface{}, bool) {
	lines := strings.Split(s, "\n")
	out := make(map[string]interface{})
	matched := false
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		m := kvLineRe.FindStringSubmatch(line)
		if m == nil {
			return nil, false
		}
		matched = true
		out[m[1]] = m[2]
	}
	return out, matched
}

func coerceArray(arr []interface{}) json.RawMessage {
	if len(arr) == 0 {
		return []byte(`{}`)
	}

	allObjects := true
	for _, item := range arr {
		if _, ok := item.(map[string]interface{}); !ok {
			allObjects = false
			break
		}
	}

	if allObjects {
		// Step 4: shallow-merge, first-writer-wins.
		merged := make(map[string]interface{})
		for i := len(arr) - 1; i >= 0; i-- {
			obj := arr[i].(map[string]interface{})
			for k, v := range obj {
				merged[k] = v
			}
		}
		return mustMarshal(merged)
	}

	// Step 5: array of primitives — take the first, wrap as _raw.
	return mustMarshal(map[string]interface{}{"_raw": arr[0]})
}

// unwrapGeneric implements step 6: while the value has exactly one key
// drawn from genericUnwrapKeys, replace it with that value, re-coercing
// if the unwrapped value is itself a string.
func unwrapGeneric(v interface{}) json.RawMessage {
	for {
		obj, ok := v.(map[string]interface{})
		if !ok || len(obj) != 1 {
			break
		}
		unwrapped, matched := singleGenericKey(obj)
		if !matched {
			break
		}
		if s, ok := unwrapped.(string); ok {
			return coerceString(s)
		}
		v = unwrapped
	}
	switch t := v.(type) {
	case map[string]interface{}:
		return mustMarshal(t)
	case []interface{}:
		return coerceArray(t)
	default:
		return mustMarshal(map[string]interface{}{"_raw": t})
	}
}

func singleGenericKey(obj map[string]interface{}) (interface{}, bool) {
	for _, key := range genericUnwrapKeys {
		if v, ok := obj[key]; ok && len(obj) == 1 {
			return v, true
		}
	}
	return nil, false
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{}`)
	}
	return data
}

// IsEmptyObject reports whether raw is the empty JSON object, the
// emission-invariant check used by every codec before emitting a
// tool_use/tool_call (§4.4.4 "a tool-use/tool-call with empty input must
// never be emitted downstream").
func IsEmptyObject(raw json.RawMessage) bool {
	result := gjson.ParseBytes(raw)
	if !result.IsObject() {
		return false
	}
	empty := true
	result.ForEach(func(_, _ gjson.Result) bool {
		empty = false
		return false
	})
	return empty
}

// synonyms maps a schema field name to the inbound aliases that should be
// renamed to it (§4.4.4's rename table, named examples plus their
// siblings).
var synonyms = map[string][]string{
	"file_path":  {"filepath", "file", "path"},
	"pattern":    {"query", "regex", "_raw"},
	"glob":       {"include"},
	"old_string": {"old", "from", "before"},
	"new_string": {"new", "to", "after"},
	"content":    {"text", "body"},
	"command":    {"cmd", "shell"},
}

// Normalize applies schema-driven field renaming and required-field
// checking to args against schema (a JSON Schema document, possibly
// nil/empty meaning "no normalization"). Returns (normalized, ok): ok is
// false when a required field is still absent after renaming, meaning
// the caller must drop the tool-use per the emission invariant.
func Normalize(args json.RawMessage, schema json.RawMessage) (json.RawMessage, bool) {
	if len(schema) == 0 {
		return args, true
	}

	schemaResult := gjson.ParseBytes(schema)
	properties := schemaResult.Get("properties")
	additionalProperties := schemaResult.Get("additionalProperties")
	closed := additionalProperties.Exists() && additionalProperties.Type == gjson.False

	out := args
	if properties.Exists() {
		propNames := make(map[string]bool)
		properties.ForEach(func(key, _ gjson.Result) bool {
			propNames[key.String()] = true
			return true
		})

		for target, aliases := range synonyms {
			if !propNames[target] {
				continue
			}
			if gjson.GetBytes(out, target).Exists() {
				continue
			}
			for _, alias := range aliases {
				val := gjson.GetBytes(out, alias)
				if val.Exists() {
					renamed, err := sjson.SetRawBytes(out, target, []byte(val.Raw))
					if err == nil {
						out = renamed
						out, _ = sjson.DeleteBytes(out, alias)
					}
					break
				}
			}
		}

		if closed {
			argsResult := gjson.ParseBytes(out)
			argsResult.ForEach(func(key, _ gjson.Result) bool {
				k := key.String()
				if !propNames[k] {
					deleted, err := sjson.DeleteBytes(out, k)
					if err == nil {
						out = deleted
					}
				}
				return true
			})
		}
	}

	required := schemaResult.Get("required")
	if required.IsArray() {
		missing := false
		required.ForEach(func(_, reqField gjson.Result) bool {
			if !gjson.GetBytes(out, reqField.String()).Exists() {
				missing = true
				return false
			}
			return true
		})
		if missing {
			return out, false
		}
	}

	return out, true
}
