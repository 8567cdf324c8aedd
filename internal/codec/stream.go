package codec

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// StreamChunk is the canonical OpenAI-Chat streaming delta shape consumed
// from upstream SSE ("data: " lines of a chat.completion.chunk), mirroring
// the shape None9527-NGOClaw/gateway/internal/infrastructure/llm/openai/sse.go
// decodes one line at a time.
type StreamChunk struct {
	ID      string              `json:"id,omitempty"`
	Model   string              `json:"model,omitempty"`
	Choices []StreamChunkChoice `json:"choices,omitempty"`
	Usage   *Usage              `json:"usage,omitempty"`
}

type StreamChunkChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason,omitempty"`
}

type StreamDelta struct {
	Role      string                `json:"role,omitempty"`
	Content   string                `json:"content,omitempty"`
	ToolCalls []StreamToolCallDelta `json:"tool_calls,omitempty"`
}

type StreamToolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

// SSEEvent is an outbound Anthropic-style SSE event: an "event: <Event>"
// line followed by a "data: <Data>" line.
type SSEEvent struct {
	Event string
	Data  json.RawMessage
}

// AnthropicStreamTranscoder accumulates OpenAI-Chat streaming deltas and
// synthesizes the equivalent sequence of Anthropic Messages SSE events
// (§4.4.5), one upstream chunk at a time so a caller can forward events to
// the client as they arrive rather than buffering the whole response.
type AnthropicStreamTranscoder struct {
	id    string
	model string
	usage *Usage

	started bool

	textBlockIndex int
	textBlockOpen  bool

	nextBlockIndex  int
	toolBlockByCall map[int]int
	toolNameByBlock map[int]string
	hasToolUse      bool

	finished bool
}

// NewAnthropicStreamTranscoder returns a fresh transcoder for one request.
func NewAnthropicStreamTranscoder() *AnthropicStreamTranscoder {
	return &AnthropicStreamTranscoder{
		toolBlockByCall: make(map[int]int),
		toolNameByBlock: make(map[int]string),
	}
}

// Feed processes one decoded upstream chunk and returns the Anthropic SSE
// events it produces, in order.
func (t *AnthropicStreamTranscoder) Feed(chunk StreamChunk) []SSEEvent {
	var events []SSEEvent

	if chunk.ID != "" {
		t.id = chunk.ID
	}
	if chunk.Model != "" {
		t.model = chunk.Model
	}
	if chunk.Usage != nil {
		t.usage = chunk.Usage
	}

	if !t.started {
		t.started = true
		events = append(events, t.messageStartEvent())
	}

	if len(chunk.Choices) == 0 {
		return events
	}
	choice := chunk.Choices[0]
	delta := choice.Delta

	if delta.Content != "" {
		if !t.textBlockOpen {
			idx := t.allocBlockIndex()
			t.textBlockIndex = idx
			t.textBlockOpen = true
			events = append(events, contentBlockStartTextEvent(idx))
		}
		events = append(events, contentBlockDeltaTextEvent(t.textBlockIndex, delta.Content))
	}

	for _, tc := range delta.ToolCalls {
		blockIdx, ok := t.toolBlockByCall[tc.Index]
		if !ok {
			blockIdx = t.allocBlockIndex()
			t.toolBlockByCall[tc.Index] = blockIdx
			t.toolNameByBlock[blockIdx] = tc.Function.Name
			t.hasToolUse = true
			events = append(events, contentBlockStartToolUseEvent(blockIdx, tc.ID, tc.Function.Name))
		}
		if tc.Function.Arguments != "" {
			events = append(events, contentBlockDeltaInputJSONEvent(blockIdx, tc.Function.Arguments))
		}
	}

	if choice.FinishReason != nil {
		events = append(events, t.finish(*choice.FinishReason)...)
	}

	return events
}

// Finish closes out the stream if the upstream never sent a finish_reason
// (a connection drop, for instance) so the client always gets a terminated
// Anthropic event sequence.
func (t *AnthropicStreamTranscoder) Finish() []SSEEvent {
	if t.finished {
		return nil
	}
	return t.finish("stop")
}

func (t *AnthropicStreamTranscoder) finish(openAIFinishReason string) []SSEEvent {
	if t.finished {
		return nil
	}
	t.finished = true

	var events []SSEEvent
	if t.textBlockOpen {
		events = append(events, contentBlockStopEvent(t.textBlockIndex))
		t.textBlockOpen = false
	}
	for _, blockIdx := range t.toolBlockByCall {
		events = append(events, contentBlockStopEvent(blockIdx))
	}

	stopReason := openAIFinishReason
	if t.hasToolUse {
		stopReason = "tool_use"
	} else {
		stopReason = mapFinishReasonToStopReason(openAIFinishReason)
	}
	events = append(events, t.messageDeltaEvent(stopReason))
	events = append(events, SSEEvent{Event: "message_stop", Data: mustMarshalEvent(map[string]string{"type": "message_stop"})})

	if t.usage != nil {
		events = append(events, t.messageStreamCompleteEvent())
	}
	return events
}

func (t *AnthropicStreamTranscoder) allocBlockIndex() int {
	idx := t.nextBlockIndex
	t.nextBlockIndex++
	return idx
}

func (t *AnthropicStreamTranscoder) messageStartEvent() SSEEvent {
	payload := map[string]interface{}{
		"type": "message_start",
		"message": map[string]interface{}{
			"id":      t.id,
			"type":    "message",
			"role":    "assistant",
			"model":   t.model,
			"content": []interface{}{},
		},
	}
	return SSEEvent{Event: "message_start", Data: mustMarshalEvent(payload)}
}

func contentBlockStartTextEvent(index int) SSEEvent {
	payload := map[string]interface{}{
		"type":          "content_block_start",
		"index":         index,
		"content_block": map[string]interface{}{"type": "text", "text": ""},
	}
	return SSEEvent{Event: "content_block_start", Data: mustMarshalEvent(payload)}
}

func contentBlockStartToolUseEvent(index int, id, name string) SSEEvent {
	payload := map[string]interface{}{
		"type":  "content_block_start",
		"index": index,
		"content_block": map[string]interface{}{
			"type":  "tool_use",
			"id":    id,
			"name":  name,
			"input": map[string]interface{}{},
		},
	}
	return SSEEvent{Event: "content_block_start", Data: mustMarshalEvent(payload)}
}

func contentBlockDeltaTextEvent(index int, text string) SSEEvent {
	payload := map[string]interface{}{
		"type":  "content_block_delta",
		"index": index,
		"delta": map[string]interface{}{"type": "text_delta", "text": text},
	}
	return SSEEvent{Event: "content_block_delta", Data: mustMarshalEvent(payload)}
}

func contentBlockDeltaInputJSONEvent(index int, partialJSON string) SSEEvent {
	payload := map[string]interface{}{
		"type":  "content_block_delta",
		"index": index,
		"delta": map[string]interface{}{"type": "input_json_delta", "partial_json": partialJSON},
	}
	return SSEEvent{Event: "content_block_delta", Data: mustMarshalEvent(payload)}
}

func contentBlockStopEvent(index int) SSEEvent {
	payload := map[string]interface{}{"type": "content_block_stop", "index": index}
	return SSEEvent{Event: "content_block_stop", Data: mustMarshalEvent(payload)}
}

func (t *AnthropicStreamTranscoder) messageDeltaEvent(stopReason string) SSEEvent {
	payload := map[string]interface{}{
		"type":  "message_delta",
		"delta": map[string]interface{}{"stop_reason": stopReason},
	}
	return SSEEvent{Event: "message_delta", Data: mustMarshalEvent(payload)}
}

// messageStreamCompleteEvent is a final, non-standard event carrying
// aggregate usage once the upstream has reported it, so a client watching
// the wire can bill the request without re-assembling every delta.
func (t *AnthropicStreamTranscoder) messageStreamCompleteEvent() SSEEvent {
	payload := map[string]interface{}{
		"type": "message_stream_complete",
		"usage": map[string]int{
			"input_tokens":  t.usage.PromptTokens,
			"output_tokens": t.usage.CompletionTokens,
		},
	}
	return SSEEvent{Event: "message_stream_complete", Data: mustMarshalEvent(payload)}
}

// AnthropicEventsFromChunks synthesizes the full Anthropic SSE event
// sequence from an already-buffered upstream chunk sequence. Unlike Feed,
// which allocates block indices in chunk-arrival order for a true
// incremental pass, this aggregates the chunks first (via
// AggregateStreamChunks) and then emits blocks in the order
// toAnthropicEventsFromOpenAI defines: every tool_use block, in tool-call
// order, followed by one trailing text block if any text was produced —
// regardless of which arrived first upstream. Only safe to use once the
// whole upstream stream has already been decoded, which is the case at
// writeAnthropicTranscodedEvents's call site.
func AnthropicEventsFromChunks(chunks []StreamChunk) []SSEEvent {
	agg := AggregateStreamChunks(chunks)

	t := NewAnthropicStreamTranscoder()
	t.id = agg.ID
	t.model = agg.Model
	t.usage = agg.Usage

	events := []SSEEvent{t.messageStartEvent()}

	var finishReason string
	if len(agg.Choices) > 0 {
		choice := agg.Choices[0]
		finishReason = choice.FinishReason
		msg := choice.Message

		for _, tc := range msg.ToolCalls {
			idx := t.allocBlockIndex()
			t.hasToolUse = true
			events = append(events, contentBlockStartToolUseEvent(idx, tc.ID, tc.Function.Name))
			if tc.Function.Arguments != "" {
				events = append(events, contentBlockDeltaInputJSONEvent(idx, tc.Function.Arguments))
			}
			events = append(events, contentBlockStopEvent(idx))
		}

		if text := extractTextContent(msg.Content); text != "" {
			idx := t.allocBlockIndex()
			events = append(events, contentBlockStartTextEvent(idx))
			events = append(events, contentBlockDeltaTextEvent(idx, text))
			events = append(events, contentBlockStopEvent(idx))
		}
	}

	var stopReason string
	if t.hasToolUse {
		stopReason = "tool_use"
	} else {
		stopReason = mapFinishReasonToStopReason(finishReason)
	}
	events = append(events, t.messageDeltaEvent(stopReason))
	events = append(events, SSEEvent{Event: "message_stop", Data: mustMarshalEvent(map[string]string{"type": "message_stop"})})
	if t.usage != nil {
		events = append(events, t.messageStreamCompleteEvent())
	}
	return events
}

func mustMarshalEvent(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{}`)
	}
	return b
}

// DecodeOpenAIStream reads an upstream "data: " line-delimited event stream
// and decodes every chunk, per the "fully consume the upstream before
// re-emitting" rule for cross-protocol streaming (§4.4.5): unlike the
// teacher's ParseSSEStream, which emits deltas to a channel as it scans,
// every caller here needs the whole sequence before it can synthesize the
// outbound protocol's own event grammar, so this returns a slice instead.
func DecodeOpenAIStream(r io.Reader) ([]StreamChunk, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var chunks []StreamChunk
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		var chunk StreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		chunks = append(chunks, chunk)
	}
	if err := scanner.Err(); err != nil {
		return chunks, err
	}
	return chunks, nil
}

// AggregateStreamChunks folds a decoded upstream chunk sequence into one
// canonical Response, for outbound protocols with no dedicated streaming
// transcoder (§4.4.5 Responses/Gemini): the client still gets one complete
// synthetic event rather than the raw incremental deltas.
func AggregateStreamChunks(chunks []StreamChunk) Response {
	var resp Response
	var content strings.Builder
	toolByIndex := make(map[int]*ToolCall)
	var toolOrder []int
	finishReason := ""

	for _, chunk := range chunks {
		if chunk.ID != "" {
			resp.ID = chunk.ID
		}
		if chunk.Model != "" {
			resp.Model = chunk.Model
		}
		if chunk.Usage != nil {
			resp.Usage = chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
		}
		for _, tc := range choice.Delta.ToolCalls {
			entry, ok := toolByIndex[tc.Index]
			if !ok {
				entry = &ToolCall{Type: "function"}
				toolByIndex[tc.Index] = entry
				toolOrder = append(toolOrder, tc.Index)
			}
			if tc.ID != "" {
				entry.ID = tc.ID
			}
			if tc.Function.Name != "" {
				entry.Function.Name = tc.Function.Name
			}
			entry.Function.Arguments += tc.Function.Arguments
		}
		if choice.FinishReason != nil {
			finishReason = *choice.FinishReason
		}
	}

	message := Message{Role: "assistant"}
	if content.Len() > 0 {
		message.Content = mustMarshalEvent(content.String())
	}
	for _, idx := range toolOrder {
		message.ToolCalls = append(message.ToolCalls, *toolByIndex[idx])
	}
	if len(message.ToolCalls) > 0 && finishReason != "" {
		finishReason = "tool_calls"
	}

	resp.Choices = []Choice{{Index: 0, Message: message, FinishReason: finishReason}}
	return resp
}
