package gateway

import "context"

// EventType identifies the kind of a streaming Event. Every upstream wire
// format (Anthropic SSE, OpenAI chat deltas, OpenAI response deltas) is
// translated into this one alphabet before it reaches the Protocol
// Normalizer's encoders, so the Streaming Relay never has to know which
// upstream produced it.
type EventType string

const (
	EventMessageStart  EventType = "message_start"
	EventTextDelta     EventType = "text_delta"
	EventToolCallDelta EventType = "tool_call_delta"
	EventThinkingDelta EventType = "thinking_delta"
	EventUsage         EventType = "usage"
	EventMessageStop   EventType = "message_stop"
	EventError         EventType = "error"
)

// Event is one unit of the intermediate streaming alphabet.
type Event struct {
	Type EventType

	// TextDelta / ThinkingDelta
	Text string

	// ToolCallDelta
	ToolCallID        string
	ToolCallName      string // set only on the first delta for a given ToolCallID
	ToolCallArgsChunk string

	// Usage
	Usage Usage

	// Error
	Err error

	// StopReason is set on EventMessageStop: "stop", "length", "tool_calls".
	StopReason string
}

// Connector is the uniform contract every provider wire adapter satisfies.
// Send issues exactly one upstream attempt; callers that want retry or
// failover behavior compose it themselves -- Connector implementations
// never retry internally.
type Connector interface {
	// Send issues the upstream call described by target and payload. The
	// returned UpstreamResponse.Body must be closed by the caller.
	Send(ctx context.Context, target RouteTarget, payload *NormalizedPayload) (*UpstreamResponse, error)

	// DecodeStream reads raw upstream bytes from body (an SSE or
	// NDJSON-framed stream depending on family) and emits Events on ch,
	// closing ch when the upstream stream ends or ctx is done.
	DecodeStream(ctx context.Context, body ReadCloser, ch chan<- Event)

	// DecodeBuffered parses a complete, non-streamed upstream response body
	// into a NormalizedMessage and Usage.
	DecodeBuffered(body []byte) (NormalizedMessage, Usage, error)
}
