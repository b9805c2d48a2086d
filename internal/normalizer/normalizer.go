// Package normalizer implements the Protocol Normalizer: three request
// decoders (Anthropic messages, OpenAI chat, OpenAI responses) that collapse
// a caller's wire request into the protocol-independent NormalizedPayload,
// and the matching encoders that rebuild a request for an upstream's wire
// family and translate the intermediate streaming-event alphabet back into
// the caller's own wire format.
package normalizer

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/sjson"

	gateway "github.com/chenpu17/cc-gw-sub003/internal"
)

// Wire identifies the JSON shape an encoded request or stream event takes,
// independent of which provider family is dispatching it. OpenAI-wire
// providers (openai, deepseek, kimi, huawei, custom) are always addressed
// with WireOpenAIChat unless the caller's own endpoint was the responses
// API and the provider family supports it, in which case the fast path
// preserves WireOpenAIResponses end to end.
type Wire string

const (
	WireAnthropic       Wire = "anthropic"
	WireOpenAIChat      Wire = "openai-chat"
	WireOpenAIResponses Wire = "openai-responses"
)

// wireForFamily picks the default upstream wire shape for a provider family
// when no fast path applies.
func wireForFamily(f gateway.ProviderFamily) Wire {
	if f == gateway.FamilyAnthropic {
		return WireAnthropic
	}
	return WireOpenAIChat
}

// DecodeRequest parses a caller's raw request body into a NormalizedPayload
// according to the endpoint family it arrived on.
func DecodeRequest(ef gateway.EndpointFamily, body []byte) (*gateway.NormalizedPayload, error) {
	switch ef {
	case gateway.EndpointAnthropic:
		return decodeAnthropic(body)
	case gateway.EndpointOpenAIChat:
		return decodeOpenAIChat(body)
	case gateway.EndpointOpenAIResponse:
		return decodeOpenAIResponses(body)
	default:
		return nil, fmt.Errorf("normalizer: unknown endpoint family %q", ef)
	}
}

// EncodeRequest builds the upstream wire body for target, picking the
// caller's own raw document (with only model id and stream flag patched, and
// any "metadata" field removed for OpenAI-wire targets) when the caller's
// endpoint and the target's wire shape already match, and a freshly
// translated body otherwise. It returns the wire shape used, since
// connectors need it to pick the right URL suffix.
func EncodeRequest(p *gateway.NormalizedPayload, target gateway.RouteTarget) ([]byte, Wire, error) {
	if wire, ok := fastPathWire(p.Endpoint, target.Provider.Family); ok {
		body, err := sjson.SetBytes(p.Raw, "model", target.UpstreamModel)
		if err != nil {
			return nil, "", fmt.Errorf("normalizer: patch model: %w", err)
		}
		body, err = sjson.SetBytes(body, "stream", p.Stream)
		if err != nil {
			return nil, "", fmt.Errorf("normalizer: patch stream: %w", err)
		}
		if wire != WireAnthropic {
			body, err = sjson.DeleteBytes(body, "metadata")
			if err != nil {
				return nil, "", fmt.Errorf("normalizer: strip metadata: %w", err)
			}
		}
		return body, wire, nil
	}

	if target.Provider.NoToolSupport {
		StripToolsAndMetadata(p)
	}

	switch wireForFamily(target.Provider.Family) {
	case WireAnthropic:
		body, err := encodeAnthropicRequest(p, target.UpstreamModel)
		return body, WireAnthropic, err
	default:
		body, err := encodeOpenAIChatRequest(p, target.UpstreamModel)
		return body, WireOpenAIChat, err
	}
}

// fastPathWire reports whether the caller's endpoint and the target
// provider's family speak the identical wire shape, so the original
// document can be forwarded with only model/stream substitution.
func fastPathWire(ef gateway.EndpointFamily, family gateway.ProviderFamily) (Wire, bool) {
	switch {
	case ef == gateway.EndpointAnthropic && family == gateway.FamilyAnthropic:
		return WireAnthropic, true
	case ef == gateway.EndpointOpenAIChat && family.IsOpenAIWire():
		return WireOpenAIChat, true
	case ef == gateway.EndpointOpenAIResponse && family.IsOpenAIWire():
		return WireOpenAIResponses, true
	default:
		return "", false
	}
}

// EncodeBuffered translates a fully-assembled NormalizedMessage and its
// usage into the caller's wire response shape for non-streaming calls.
func EncodeBuffered(ef gateway.EndpointFamily, model string, msg gateway.NormalizedMessage, usage gateway.Usage) ([]byte, error) {
	switch ef {
	case gateway.EndpointAnthropic:
		return encodeAnthropicBuffered(model, msg, usage)
	case gateway.EndpointOpenAIChat:
		return encodeOpenAIChatBuffered(model, msg, usage)
	case gateway.EndpointOpenAIResponse:
		return encodeOpenAIResponsesBuffered(model, msg, usage)
	default:
		return nil, fmt.Errorf("normalizer: unknown endpoint family %q", ef)
	}
}

// EncodeState accumulates the per-stream bookkeeping (message id, model,
// tool-call index assignment) that the streaming encoders need to produce a
// well-formed sequence of wire chunks from the intermediate event alphabet.
type EncodeState struct {
	ef                 gateway.EndpointFamily
	id                 string
	model              string
	toolIndex          map[string]int
	nextIndex          int
	anthropicBlockOpen bool
	anthropicToolsOpen []int
}

// NewEncodeState starts a streaming encode session for endpoint family ef.
func NewEncodeState(ef gateway.EndpointFamily, id, model string) *EncodeState {
	return &EncodeState{ef: ef, id: id, model: model, toolIndex: make(map[string]int)}
}

// EncodeEvent translates one intermediate Event into zero or more wire
// frames (SSE `data:` payloads, already JSON-encoded) for the caller's
// endpoint family. A frame's Event is non-empty only for wire shapes that
// use named SSE events (Anthropic); OpenAI-wire shapes use anonymous
// `data:` frames and Event is always "".
func (s *EncodeState) EncodeEvent(ev gateway.Event) []Frame {
	switch s.ef {
	case gateway.EndpointAnthropic:
		return s.encodeAnthropicEvent(ev)
	case gateway.EndpointOpenAIChat:
		return s.encodeOpenAIChatEvent(ev)
	case gateway.EndpointOpenAIResponse:
		return s.encodeOpenAIResponsesEvent(ev)
	default:
		return nil
	}
}

// Frame is one SSE frame to write to the caller: an optional named event
// plus its JSON data payload.
type Frame struct {
	Event string
	Data  []byte
}

// toolIndexFor assigns a stable, increasing index to each distinct tool-call
// id seen in a stream, the shape OpenAI's delta.tool_calls[].index expects.
func (s *EncodeState) toolIndexFor(id string) int {
	if idx, ok := s.toolIndex[id]; ok {
		return idx
	}
	idx := s.nextIndex
	s.toolIndex[id] = idx
	s.nextIndex++
	return idx
}

// StripToolsAndMetadata flattens tool-calls and tool-results into
// human-readable inline text for targets that cannot represent them
// natively, so the upstream still receives useful context instead of a
// silently dropped field. EncodeRequest calls this for any route target
// whose ProviderConfig.NoToolSupport is set, before translating the
// payload into that provider's wire shape.
func StripToolsAndMetadata(p *gateway.NormalizedPayload) {
	for i := range p.Messages {
		m := &p.Messages[i]
		for _, tc := range m.ToolCalls {
			m.Text += fmt.Sprintf("\n[tool call: %s(%s)]", tc.Name, string(tc.Arguments))
		}
		for _, tr := range m.ToolResults {
			m.Text += fmt.Sprintf("\n[tool result for %s: %s]", tr.ToolCallID, tr.Content)
		}
		m.ToolCalls = nil
		m.ToolResults = nil
	}
	p.Tools = nil
}

func marshalCompact(v any) ([]byte, error) {
	return json.Marshal(v)
}
