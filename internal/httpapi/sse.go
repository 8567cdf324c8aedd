package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ngoclaw/protoclaw/internal/codec"
	"github.com/ngoclaw/protoclaw/internal/registry"
	"github.com/ngoclaw/protoclaw/internal/runtime"
	"github.com/ngoclaw/protoclaw/internal/transport"
	"github.com/ngoclaw/protoclaw/pkg/apperr"
)

// streamResponse writes one dispatched streaming result to the client, per
// §4.4.5's two streaming modes. A same-protocol profile (openai-openai) is a
// true byte-for-byte pass-through, for low-latency streaming. Any
// cross-protocol profile fully buffers and decodes the upstream event
// stream first, then re-emits a synthesized sequence in one pass — the
// upstream is never incrementally re-parsed and re-emitted mid-flight.
func (s *Server) streamResponse(c *gin.Context, ctx context.Context, profile *registry.Profile, result *transport.Result, cctx *runtime.Context) {
	defer result.Stream.Close()

	// The codec returned here is the same one PrepareIncoming resolved;
	// TakeOutgoingCodec both fetches it and clears the request binding so
	// /internal/status stops counting this request as pending.
	boundProfile, codecImpl, err := s.registry.TakeOutgoingCodec(cctx)
	if err != nil {
		writeError(c, err)
		return
	}
	if boundProfile.ID != profile.ID {
		profile = boundProfile
	}

	if profile.Codec == "openai-openai" {
		s.passThroughStream(c, result)
		return
	}

	chunks, decodeErr := codec.DecodeOpenAIStream(result.Stream)
	if decodeErr != nil && len(chunks) == 0 {
		writeError(c, apperr.Wrap(apperr.KindUpstreamTransport, "decode upstream stream", decodeErr))
		return
	}

	prepareSSEHeaders(c)

	if profile.Codec == "anthropic-openai" {
		writeAnthropicTranscodedEvents(c, chunks)
		return
	}

	writeAggregatedFallbackEvent(c, ctx, codecImpl, profile, cctx, chunks)
}

func (s *Server) passThroughStream(c *gin.Context, result *transport.Result) {
	prepareSSEHeaders(c)
	flusher, _ := c.Writer.(http.Flusher)

	buf := make([]byte, 4096)
	for {
		n, err := result.Stream.Read(buf)
		if n > 0 {
			c.Writer.Write(buf[:n])
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func writeAnthropicTranscodedEvents(c *gin.Context, chunks []codec.StreamChunk) {
	writeSSEEvents(c, codec.AnthropicEventsFromChunks(chunks))
	flush(c)
}

// writeAggregatedFallbackEvent folds the decoded stream into one canonical
// response and converts it through the profile's own codec, for outbound
// protocols (Responses, Gemini) that have no dedicated streaming event
// grammar implemented yet — the client receives one complete event instead
// of incremental deltas, documented as an open-question resolution rather
// than left unstreamable.
func writeAggregatedFallbackEvent(c *gin.Context, ctx context.Context, codecImpl registry.Codec, profile *registry.Profile, cctx *runtime.Context, chunks []codec.StreamChunk) {
	aggregated := codec.AggregateStreamChunks(chunks)
	providerShaped, err := json.Marshal(aggregated)
	if err != nil {
		writeSSEDataLine(c, []byte(`{"error":{"message":"failed to aggregate stream"}}`))
		flush(c)
		return
	}

	clientShaped, err := codecImpl.ConvertResponse(ctx, providerShaped, profile, cctx)
	if err != nil {
		writeSSEDataLine(c, []byte(`{"error":{"message":"failed to convert aggregated stream"}}`))
		flush(c)
		return
	}

	writeSSEDataLine(c, clientShaped)
	writeSSEDataLine(c, []byte("[DONE]"))
	flush(c)
}

func writeSSEEvents(c *gin.Context, events []codec.SSEEvent) {
	for _, ev := range events {
		fmt.Fprintf(c.Writer, "event: %s\n", ev.Event)
		writeSSEDataLine(c, ev.Data)
	}
}

func writeSSEDataLine(c *gin.Context, data []byte) {
	fmt.Fprintf(c.Writer, "data: %s\n\n", data)
}

func prepareSSEHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
}

func flush(c *gin.Context) {
	if flusher, ok := c.Writer.(http.Flusher); ok {
		flusher.Flush()
	}
}
