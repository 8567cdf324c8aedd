// Package registry owns the profile table and resolves, per request, which
// codec converts it and which JSON schemas bracket the conversion. Grounded
// on the teacher's factory-registry idiom in
// internal/infrastructure/llm/provider.go (RegisterFactory/CreateProvider,
// generalized here from "provider type" to "profile id").
package registry

import (
	"bytes"
	"encoding/json"
)

// Profile is the immutable Conversion Profile record (§3). Built once at
// Initialize and never mutated afterward.
type Profile struct {
	ID       string `json:"-"`
	Incoming string `json:"incomingProtocol"`
	Outgoing string `json:"outgoingProtocol"`
	Codec    string `json:"codec"`

	InputSchema             string `json:"inputSchema,omitempty"`
	CanonicalRequestSchema  string `json:"canonicalRequestSchema,omitempty"`
	CanonicalResponseSchema string `json:"canonicalResponseSchema,omitempty"`
	ProviderResponseSchema  string `json:"providerResponseSchema,omitempty"`
	ClientResponseSchema    string `json:"clientResponseSchema,omitempty"`

	Trace   bool                   `json:"trace,omitempty"`
	Options map[string]interface{} `json:"options,omitempty"`
}

// profileFile is the on-disk shape from §6's "Configuration file — profiles".
type profileFile struct {
	Profiles         map[string]*Profile `json:"profiles"`
	EndpointBindings map[string]string   `json:"endpointBindings"`
}

func parseProfileFile(data []byte) (map[string]*Profile, map[string]string, []string, error) {
	var pf profileFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, nil, nil, err
	}

	order := orderedProfileKeys(data, len(pf.Profiles))

	for id, p := range pf.Profiles {
		p.ID = id
	}

	if pf.EndpointBindings == nil {
		pf.EndpointBindings = make(map[string]string)
	}

	return pf.Profiles, pf.EndpointBindings, order, nil
}

// orderedProfileKeys re-walks the "profiles" object token-by-token to
// recover document order, since encoding/json's map decode does not
// preserve it and precedence rule (iv) (first profile by insertion order)
// depends on it.
func orderedProfileKeys(data []byte, fallbackLen int) []string {
	var probe struct {
		Profiles json.RawMessage `json:"profiles"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || len(probe.Profiles) == 0 {
		return make([]string, 0, fallbackLen)
	}

	order := make([]string, 0, fallbackLen)
	dec := json.NewDecoder(bytes.NewReader(probe.Profiles))
	tok, err := dec.Token()
	if err != nil || tok != json.Delim('{') {
		return order
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			break
		}
		key, _ := keyTok.(string)
		order = append(order, key)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			break
		}
	}
	return order
}
