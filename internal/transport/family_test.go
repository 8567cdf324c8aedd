package transport

import "testing"

type recordingFamily struct{ applied bool }

func (r *recordingFamily) ApplyHeaders(h *Headers, req *Request) { r.applied = true }
func (r *recordingFamily) WantsUpstreamSSE(req *Request) bool    { return true }

func TestRegisterFamilyOverridesLookup(t *testing.T) {
	rf := &recordingFamily{}
	RegisterFamily("custom-test-family", rf)
	defer func() {
		familyMu.Lock()
		delete(families, "custom-test-family")
		familyMu.Unlock()
	}()

	p := familyFor("custom-test-family")
	if p == nil {
		t.Fatal("expected registered family to be found")
	}
	if !p.WantsUpstreamSSE(&Request{}) {
		t.Error("expected custom family's WantsUpstreamSSE to be used")
	}
}

func TestFamilyForUnknownFallsBackToGeneric(t *testing.T) {
	p := familyFor(Family("does-not-exist"))
	if _, ok := p.(genericFamily); !ok {
		t.Errorf("expected genericFamily fallback, got %T", p)
	}
}

func TestGenericFamilyWantsUpstreamSSEFollowsInboundStream(t *testing.T) {
	p := genericFamily{}
	if p.WantsUpstreamSSE(&Request{InboundStream: false}) {
		t.Error("non-streaming requests must not want upstream SSE")
	}
	if !p.WantsUpstreamSSE(&Request{InboundStream: true}) {
		t.Error("streaming requests should want upstream SSE regardless of protocol shape")
	}
}

func TestAntigravityFamilyStripsIdentityHeaders(t *testing.T) {
	h := newHeaders()
	h.Set("session_id", "s1")
	h.Set("conversation_id", "c1")
	h.Set("originator", "o1")
	antigravityFamily{}.ApplyHeaders(h, &Request{})
	if h.Get("session_id") != "" || h.Get("conversation_id") != "" || h.Get("originator") != "" {
		t.Error("expected antigravityFamily to strip session/conversation/originator")
	}
}
