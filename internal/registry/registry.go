package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ngoclaw/protoclaw/internal/runtime"
	"github.com/ngoclaw/protoclaw/pkg/apperr"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Codec converts a payload between an inbound/outbound protocol pair and
// the OpenAI-Chat canonical shape. Implementations live in
// internal/codec; this package only depends on the interface so codec can
// depend on registry.Profile without a cycle.
type Codec interface {
	ConvertRequest(ctx context.Context, payload json.RawMessage, profile *Profile, cctx *runtime.Context) (json.RawMessage, error)
	ConvertResponse(ctx context.Context, payload json.RawMessage, profile *Profile, cctx *runtime.Context) (json.RawMessage, error)
}

// Factory builds a Codec for a given codec id. Registered via
// RegisterFactory, mirroring internal/infrastructure/llm/provider.go's
// RegisterFactory/CreateProvider pattern.
type Factory func() (Codec, error)

var (
	factoryMu sync.RWMutex
	factories = make(map[string]Factory)
)

// RegisterFactory registers a codec constructor under codecID. Intended to
// be called from each codec implementation's init().
func RegisterFactory(codecID string, f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[codecID] = f
}

func lookupFactory(codecID string) (Factory, bool) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	f, ok := factories[codecID]
	return f, ok
}

// Registry owns the profile table, the endpoint-binding table, the
// request-binding table, and the per-profile schema/codec caches (§4.3).
type Registry struct {
	initMu sync.Mutex
	inited bool

	profiles         map[string]*Profile
	endpointBindings map[string]string
	insertionOrder   []string
	defaultProfileID string

	allowImplicitDefault bool
	baseDir              string

	bindings *runtime.BindingTable

	schemaMu sync.RWMutex
	schemas  map[string]*jsonschema.Schema

	codecMu sync.Mutex
	codecs  map[string]Codec
}

// New constructs an uninitialized Registry. allowImplicitDefault gates
// precedence rule (iv) ("first profile by insertion order") per
// spec's Open Question resolution: off by default.
func New(allowImplicitDefault bool) *Registry {
	return &Registry{
		bindings:             runtime.NewBindingTable(),
		allowImplicitDefault: allowImplicitDefault,
		schemas:              make(map[string]*jsonschema.Schema),
		codecs:               make(map[string]Codec),
	}
}

// Initialize loads profiles from path, idempotently. A second call is a
// no-op, per §4.3's "initialize() — idempotent" contract.
func (r *Registry) Initialize(path string) error {
	r.initMu.Lock()
	defer r.initMu.Unlock()
	if r.inited {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read profile file %s: %w", path, err)
	}

	profiles, endpointBindings, order, err := parseProfileFile(data)
	if err != nil {
		return fmt.Errorf("parse profile file %s: %w", path, err)
	}
	if len(profiles) == 0 {
		return fmt.Errorf("profile file %s defines no profiles", path)
	}

	baseDir := filepath.Dir(path)
	r.baseDir = baseDir
	for _, p := range profiles {
		if err := r.loadProfileSchemas(p, baseDir); err != nil {
			return fmt.Errorf("profile %s: %w", p.ID, err)
		}
	}

	r.profiles = profiles
	r.endpointBindings = endpointBindings
	r.insertionOrder = order
	for _, id := range order {
		if p, ok := profiles[id]; ok && p.Options != nil {
			if _, isDefault := p.Options["default"]; isDefault {
				r.defaultProfileID = id
			}
		}
	}
	r.inited = true
	return nil
}

func (r *Registry) loadProfileSchemas(p *Profile, baseDir string) error {
	for _, path := range []string{
		p.InputSchema, p.CanonicalRequestSchema, p.CanonicalResponseSchema,
		p.ProviderResponseSchema, p.ClientResponseSchema,
	} {
		if path == "" {
			continue
		}
		if _, err := r.compileSchema(path, baseDir); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) compileSchema(path, baseDir string) (*jsonschema.Schema, error) {
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(baseDir, path)
	}

	r.schemaMu.RLock()
	if s, ok := r.schemas[resolved]; ok {
		r.schemaMu.RUnlock()
		return s, nil
	}
	r.schemaMu.RUnlock()

	raw, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", resolved, err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", resolved, err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resolved, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", resolved, err)
	}
	schema, err := compiler.Compile(resolved)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", resolved, err)
	}

	r.schemaMu.Lock()
	r.schemas[resolved] = schema
	r.schemaMu.Unlock()
	return schema, nil
}

func (r *Registry) validate(schema *jsonschema.Schema, payload json.RawMessage, phase string) error {
	if schema == nil {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(payload, &v); err != nil {
		return apperr.Wrap(apperr.KindBadRequest, "payload is not valid JSON", err).WithPhase(phase)
	}
	if err := schema.Validate(v); err != nil {
		return apperr.Wrap(apperr.KindBadRequest, "schema validation failed", err).WithPhase(phase)
	}
	return nil
}

// resolveProfile implements the precedence rule in §4.3 prepareIncoming
// step 1: explicit id, endpoint binding, configured default, then (only if
// allowImplicitDefault) first by insertion order.
func (r *Registry) resolveProfile(explicitID, endpoint string) (*Profile, error) {
	if explicitID != "" {
		if p, ok := r.profiles[explicitID]; ok {
			return p, nil
		}
		return nil, apperr.New(apperr.KindNoProfile, fmt.Sprintf("profile %q not found", explicitID))
	}
	if endpoint != "" {
		if id, ok := r.endpointBindings[endpoint]; ok {
			if p, ok := r.profiles[id]; ok {
				return p, nil
			}
		}
	}
	if r.defaultProfileID != "" {
		if p, ok := r.profiles[r.defaultProfileID]; ok {
			return p, nil
		}
	}
	if r.allowImplicitDefault && len(r.insertionOrder) > 0 {
		if p, ok := r.profiles[r.insertionOrder[0]]; ok {
			return p, nil
		}
	}
	return nil, apperr.New(apperr.KindNoProfile, "no conversion profile resolvable")
}

func (r *Registry) codecFor(p *Profile) (Codec, error) {
	r.codecMu.Lock()
	defer r.codecMu.Unlock()
	if c, ok := r.codecs[p.Codec]; ok {
		return c, nil
	}
	factory, ok := lookupFactory(p.Codec)
	if !ok {
		return nil, apperr.New(apperr.KindCodec, fmt.Sprintf("no codec factory registered for %q", p.Codec))
	}
	c, err := factory()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCodec, fmt.Sprintf("construct codec %q", p.Codec), err)
	}
	r.codecs[p.Codec] = c
	return c, nil
}

func (r *Registry) schemaByPath(path string) *jsonschema.Schema {
	if path == "" {
		return nil
	}
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(r.baseDir, path)
	}
	r.schemaMu.RLock()
	defer r.schemaMu.RUnlock()
	return r.schemas[resolved]
}

// PrepareIncoming resolves the profile for an inbound request, validates
// against inputSchema, converts to canonical form via the codec, validates
// against canonicalRequestSchema, and records the request binding (§4.3).
func (r *Registry) PrepareIncoming(ctx context.Context, explicitProfileID string, payload json.RawMessage, cctx *runtime.Context) (*Profile, json.RawMessage, error) {
	profile, err := r.resolveProfile(explicitProfileID, cctx.EntryEndpoint)
	if err != nil {
		return nil, nil, err
	}

	if err := r.validate(r.schemaByPath(profile.InputSchema), payload, profile.ID+":incoming"); err != nil {
		return nil, nil, err
	}

	codec, err := r.codecFor(profile)
	if err != nil {
		return nil, nil, err
	}

	converted, err := codec.ConvertRequest(ctx, payload, profile, cctx)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindCodec, "convert request", err).WithPhase(profile.ID + ":canonical-request")
	}

	if err := r.validate(r.schemaByPath(profile.CanonicalRequestSchema), converted, profile.ID+":canonical-request"); err != nil {
		return nil, nil, err
	}

	r.bindings.Put(cctx.RequestID, profile.ID)
	return profile, converted, nil
}

// PrepareOutgoing resolves the profile bound to cctx.RequestID (falling
// back to the incoming resolution rules), converts the provider response
// back to client form, validates against clientResponseSchema after
// conversion, and removes the request binding (§4.3).
func (r *Registry) PrepareOutgoing(ctx context.Context, explicitProfileID string, payload json.RawMessage, cctx *runtime.Context) (*Profile, json.RawMessage, error) {
	profileID, bound := r.bindings.TakeAndDelete(cctx.RequestID)

	var profile *Profile
	var err error
	if bound {
		profile, err = r.resolveProfile(profileID, "")
	} else {
		profile, err = r.resolveProfile(explicitProfileID, cctx.EntryEndpoint)
	}
	if err != nil {
		return nil, nil, err
	}

	codec, err := r.codecFor(profile)
	if err != nil {
		return nil, nil, err
	}

	converted, err := codec.ConvertResponse(ctx, payload, profile, cctx)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindCodec, "convert response", err).WithPhase(profile.ID + ":client-response")
	}

	if err := r.validate(r.schemaByPath(profile.ClientResponseSchema), converted, profile.ID+":client-response"); err != nil {
		return nil, nil, err
	}

	return profile, converted, nil
}

// TakeOutgoingCodec resolves the profile bound to cctx.RequestID (same
// lookup PrepareOutgoing uses) and returns its codec without converting
// anything, for callers that drive a streaming response themselves instead
// of converting one buffered payload.
func (r *Registry) TakeOutgoingCodec(cctx *runtime.Context) (*Profile, Codec, error) {
	profileID, bound := r.bindings.TakeAndDelete(cctx.RequestID)
	if !bound {
		return nil, nil, apperr.New(apperr.KindNoProfile, "no profile bound to request "+cctx.RequestID)
	}
	profile, err := r.resolveProfile(profileID, "")
	if err != nil {
		return nil, nil, err
	}
	codec, err := r.codecFor(profile)
	if err != nil {
		return nil, nil, err
	}
	return profile, codec, nil
}

// PendingBindings reports how many requests are awaiting a streaming
// response, for the /internal/status endpoint.
func (r *Registry) PendingBindings() int {
	return r.bindings.Len()
}
