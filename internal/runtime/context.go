// Package runtime carries per-request state through the conversion
// pipeline: the Conversion Context created on inbound arrival, the
// short-lived request-binding table that routes a streaming response back
// to the profile that handled its request, and the Runtime Metadata block
// attached by the preprocessor and read by transport/codec layers.
//
// Grounded on the teacher's habit of passing one small context struct
// through Router/Provider calls (internal/infrastructure/llm/router.go)
// rather than stuffing request state into context.Context values.
package runtime

import (
	"encoding/json"
	"sync"
)

// Context is the per-request metadata created on inbound arrival and
// carried through the pipeline. Ownership of mutation is reserved to the
// component that created the field; everyone else reads.
type Context struct {
	RequestID      string
	EntryEndpoint  string
	InboundPath    string
	TargetProtocol string
	Stream         bool
	ClientMeta     map[string]string

	// ToolSchemas is the tool-name → JSON-schema lookup built while
	// converting the inbound request (keyed by lower-cased tool name). A
	// codec's ConvertResponse reads it back to normalize tool-call
	// arguments against the schema the client actually declared, instead
	// of normalizing blind. Plain map rather than codec.ToolSchemaMap:
	// codec already imports runtime, so runtime can't import codec back.
	ToolSchemas map[string]json.RawMessage
}

// New builds a Context for an inbound request.
func New(requestID, entryEndpoint, inboundPath string, stream bool) *Context {
	return &Context{
		RequestID:     requestID,
		EntryEndpoint: entryEndpoint,
		InboundPath:   inboundPath,
		Stream:        stream,
		ClientMeta:    make(map[string]string),
	}
}

// Metadata is the Runtime Metadata annotation block (§3): attached by the
// preprocessor, read by transport and codec layers. A pointer to one of
// these travels alongside the canonical request, not inside it.
type Metadata struct {
	RequestID      string
	RouteName      string
	ProviderKey    string
	ProviderID     string
	ProviderType   string
	ProviderFamily string
	Protocol       string
	PipelineID     string
	Target         string
	InboundHeaders map[string]string
	UserAgent      string
	Originator     string
	EntryEndpoint  string
	Stream         bool
}

// BindingTable is the Request Binding map (§3): request id → profile id,
// created by prepareIncoming, consumed and removed by prepareOutgoing. A
// single mutex guards it; entries are short-lived (one in-flight request).
type BindingTable struct {
	mu       sync.Mutex
	bindings map[string]string
}

// NewBindingTable constructs an empty BindingTable.
func NewBindingTable() *BindingTable {
	return &BindingTable{bindings: make(map[string]string)}
}

// Put records that requestID is being handled by profileID.
func (t *BindingTable) Put(requestID, profileID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bindings[requestID] = profileID
}

// TakeAndDelete atomically reads and removes the binding for requestID,
// guaranteeing the streaming response routes back through the same codec
// even if request metadata is lost in between (§3 Request Binding).
func (t *BindingTable) TakeAndDelete(requestID string) (profileID string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	profileID, ok = t.bindings[requestID]
	if ok {
		delete(t.bindings, requestID)
	}
	return profileID, ok
}

// Len reports the number of in-flight bindings. Intended for tests and the
// status endpoint, not for control flow.
func (t *BindingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bindings)
}
