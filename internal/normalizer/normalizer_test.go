package normalizer

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	gateway "github.com/chenpu17/cc-gw-sub003/internal"
)

func TestDecodeAnthropic_TextAndSystem(t *testing.T) {
	t.Parallel()
	body := []byte(`{
		"model": "claude-opus", "stream": true, "system": "be terse",
		"messages": [{"role":"user","content":"hello"}]
	}`)
	p, err := DecodeRequest(gateway.EndpointAnthropic, body)
	if err != nil {
		t.Fatal(err)
	}
	if p.RequestedModel != "claude-opus" || !p.Stream {
		t.Fatalf("got %+v", p)
	}
	if len(p.Messages) != 2 || p.Messages[0].Role != gateway.RoleSystem || p.Messages[0].Text != "be terse" {
		t.Fatalf("messages = %+v", p.Messages)
	}
	if p.Messages[1].Text != "hello" {
		t.Errorf("user text = %q", p.Messages[1].Text)
	}
}

func TestDecodeAnthropic_ToolUseAndResult(t *testing.T) {
	t.Parallel()
	body := []byte(`{
		"model": "claude-opus",
		"messages": [
			{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"search","input":{"q":"go"}}]},
			{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"result text"}]}
		]
	}`)
	p, err := DecodeRequest(gateway.EndpointAnthropic, body)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Messages) != 2 {
		t.Fatalf("messages = %+v", p.Messages)
	}
	if len(p.Messages[0].ToolCalls) != 1 || p.Messages[0].ToolCalls[0].Name != "search" {
		t.Errorf("tool call = %+v", p.Messages[0].ToolCalls)
	}
	if len(p.Messages[1].ToolResults) != 1 || p.Messages[1].ToolResults[0].Content != "result text" {
		t.Errorf("tool result = %+v", p.Messages[1].ToolResults)
	}
}

func TestDecodeOpenAIChat_ToolCalls(t *testing.T) {
	t.Parallel()
	body := []byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role":"user","content":"weather?"},
			{"role":"assistant","content":"","tool_calls":[{"id":"c1","type":"function","function":{"name":"weather","arguments":"{\"city\":\"sf\"}"}}]},
			{"role":"tool","tool_call_id":"c1","content":"sunny"}
		]
	}`)
	p, err := DecodeRequest(gateway.EndpointOpenAIChat, body)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Messages) != 3 {
		t.Fatalf("messages = %+v", p.Messages)
	}
	if len(p.Messages[1].ToolCalls) != 1 || p.Messages[1].ToolCalls[0].Name != "weather" {
		t.Errorf("tool call = %+v", p.Messages[1].ToolCalls)
	}
	if p.Messages[2].Role != gateway.RoleTool || p.Messages[2].ToolResults[0].Content != "sunny" {
		t.Errorf("tool result message = %+v", p.Messages[2])
	}
}

func TestDecodeOpenAIResponses_FunctionCall(t *testing.T) {
	t.Parallel()
	body := []byte(`{
		"model": "gpt-4o", "instructions": "be helpful",
		"input": [
			{"type":"message","role":"user","content":[{"type":"input_text","text":"hi"}]},
			{"type":"function_call","call_id":"fc1","name":"lookup","arguments":"{}"}
		]
	}`)
	p, err := DecodeRequest(gateway.EndpointOpenAIResponse, body)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Messages) != 3 {
		t.Fatalf("messages = %+v", p.Messages)
	}
	if p.Messages[0].Role != gateway.RoleSystem || p.Messages[0].Text != "be helpful" {
		t.Errorf("instructions not mapped: %+v", p.Messages[0])
	}
	if p.Messages[2].ToolCalls[0].Name != "lookup" {
		t.Errorf("function_call not mapped: %+v", p.Messages[2])
	}
}

func TestEncodeRequest_FastPathPatchesModelAndStream(t *testing.T) {
	t.Parallel()
	raw := []byte(`{"model":"old-model","stream":false,"messages":[{"role":"user","content":"hi"}]}`)
	p, err := DecodeRequest(gateway.EndpointAnthropic, raw)
	if err != nil {
		t.Fatal(err)
	}
	p.Stream = true

	target := gateway.RouteTarget{
		UpstreamModel: "claude-new",
		Provider:      gateway.ProviderConfig{Family: gateway.FamilyAnthropic},
	}
	body, wire, err := EncodeRequest(p, target)
	if err != nil {
		t.Fatal(err)
	}
	if wire != WireAnthropic {
		t.Errorf("wire = %q, want anthropic", wire)
	}
	if gjson.GetBytes(body, "model").String() != "claude-new" {
		t.Errorf("model not patched: %s", body)
	}
	if !gjson.GetBytes(body, "stream").Bool() {
		t.Error("stream not patched to true")
	}
}

func TestEncodeRequest_TranslatesAcrossFamilies(t *testing.T) {
	t.Parallel()
	raw := []byte(`{"model":"claude-opus","messages":[{"role":"user","content":"hi"}]}`)
	p, err := DecodeRequest(gateway.EndpointAnthropic, raw)
	if err != nil {
		t.Fatal(err)
	}

	target := gateway.RouteTarget{
		UpstreamModel: "gpt-4o",
		Provider:      gateway.ProviderConfig{Family: gateway.FamilyOpenAI},
	}
	body, wire, err := EncodeRequest(p, target)
	if err != nil {
		t.Fatal(err)
	}
	if wire != WireOpenAIChat {
		t.Errorf("wire = %q, want openai-chat", wire)
	}
	if gjson.GetBytes(body, "messages.0.content").String() != "hi" {
		t.Errorf("translated body = %s", body)
	}
}

func TestEncodeBuffered_AllThreeProtocols(t *testing.T) {
	t.Parallel()
	msg := gateway.NormalizedMessage{Role: gateway.RoleAssistant, Text: "hello back"}
	usage := gateway.Usage{InputTokens: 5, OutputTokens: 3}

	for _, ef := range []gateway.EndpointFamily{gateway.EndpointAnthropic, gateway.EndpointOpenAIChat, gateway.EndpointOpenAIResponse} {
		body, err := EncodeBuffered(ef, "m1", msg, usage)
		if err != nil {
			t.Fatalf("%s: %v", ef, err)
		}
		if !strings.Contains(string(body), "hello back") {
			t.Errorf("%s: missing text in %s", ef, body)
		}
	}
}

func TestStreamingTranslation_TextDeltaToAllProtocols(t *testing.T) {
	t.Parallel()
	events := []gateway.Event{
		{Type: gateway.EventMessageStart},
		{Type: gateway.EventTextDelta, Text: "hi"},
		{Type: gateway.EventMessageStop, StopReason: "stop"},
	}
	for _, ef := range []gateway.EndpointFamily{gateway.EndpointAnthropic, gateway.EndpointOpenAIChat, gateway.EndpointOpenAIResponse} {
		s := NewEncodeState(ef, "msg-1", "model-1")
		var all []Frame
		for _, ev := range events {
			all = append(all, s.EncodeEvent(ev)...)
		}
		if len(all) == 0 {
			t.Fatalf("%s: no frames produced", ef)
		}
		found := false
		for _, f := range all {
			if strings.Contains(string(f.Data), "hi") {
				found = true
			}
		}
		if !found {
			t.Errorf("%s: text delta missing from frames: %+v", ef, all)
		}
	}
}

func TestStreamingTranslation_ToolCallArgsStitchedAcrossChunks(t *testing.T) {
	t.Parallel()
	s := NewEncodeState(gateway.EndpointOpenAIChat, "msg-1", "model-1")
	frames := s.EncodeEvent(gateway.Event{Type: gateway.EventToolCallDelta, ToolCallID: "t1", ToolCallName: "search", ToolCallArgsChunk: `{"q":`})
	frames = append(frames, s.EncodeEvent(gateway.Event{Type: gateway.EventToolCallDelta, ToolCallID: "t1", ToolCallArgsChunk: `"go"}`})...)

	var argsBuilder strings.Builder
	for _, f := range frames {
		idx := gjson.GetBytes(f.Data, "choices.0.delta.tool_calls.0.function.arguments")
		argsBuilder.WriteString(idx.String())
	}
	if got := argsBuilder.String(); got != `{"q":"go"}` {
		t.Errorf("stitched args = %q", got)
	}

	// Same id must keep the same index across both deltas.
	idx0 := gjson.GetBytes(frames[0].Data, "choices.0.delta.tool_calls.0.index").Int()
	idx1 := gjson.GetBytes(frames[1].Data, "choices.0.delta.tool_calls.0.index").Int()
	if idx0 != idx1 {
		t.Errorf("tool call index changed across chunks: %d vs %d", idx0, idx1)
	}
}

func TestStreamingTranslation_AnthropicToolUseBlockClosed(t *testing.T) {
	t.Parallel()
	s := NewEncodeState(gateway.EndpointAnthropic, "msg-1", "model-1")
	var frames []Frame
	frames = append(frames, s.EncodeEvent(gateway.Event{Type: gateway.EventMessageStart})...)
	frames = append(frames, s.EncodeEvent(gateway.Event{Type: gateway.EventToolCallDelta, ToolCallID: "t1", ToolCallName: "search", ToolCallArgsChunk: `{"q":`})...)
	frames = append(frames, s.EncodeEvent(gateway.Event{Type: gateway.EventToolCallDelta, ToolCallID: "t1", ToolCallArgsChunk: `"go"}`})...)
	frames = append(frames, s.EncodeEvent(gateway.Event{Type: gateway.EventMessageStop, StopReason: "tool_calls"})...)

	var starts, stops int
	var stopIndexes []int64
	for _, f := range frames {
		switch f.Event {
		case "content_block_start":
			starts++
		case "content_block_stop":
			stops++
			stopIndexes = append(stopIndexes, gjson.GetBytes(f.Data, "index").Int())
		}
	}
	if starts != 1 {
		t.Errorf("expected exactly one content_block_start for the tool_use block, got %d", starts)
	}
	if stops != 1 {
		t.Errorf("expected exactly one content_block_stop for the tool_use block, got %d", stops)
	}
	if len(stopIndexes) != 1 || stopIndexes[0] != 1 {
		t.Errorf("expected content_block_stop at index 1 (tool_use block), got %v", stopIndexes)
	}

	var sawMessageStop bool
	for _, f := range frames {
		if f.Event == "message_stop" {
			sawMessageStop = true
		}
	}
	if !sawMessageStop {
		t.Error("expected a message_stop frame")
	}
}

func TestEncodeRequest_StripsToolsForNoToolSupportTarget(t *testing.T) {
	t.Parallel()
	raw := []byte(`{
		"model": "claude-opus",
		"messages": [
			{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"search","input":{"q":"go"}}]}
		],
		"tools": [{"name":"search","input_schema":{}}]
	}`)
	p, err := DecodeRequest(gateway.EndpointAnthropic, raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Tools) == 0 {
		t.Fatal("fixture must decode with at least one tool schema")
	}

	target := gateway.RouteTarget{
		UpstreamModel: "gpt-4o",
		Provider:      gateway.ProviderConfig{Family: gateway.FamilyOpenAI, NoToolSupport: true},
	}
	body, _, err := EncodeRequest(p, target)
	if err != nil {
		t.Fatal(err)
	}
	if gjson.GetBytes(body, "tools").Exists() {
		t.Errorf("expected tools omitted from encoded body: %s", body)
	}
	if !strings.Contains(string(body), "search") {
		t.Errorf("expected tool call flattened into inline text: %s", body)
	}
}

func TestEncodeRequest_PassesToolsThroughWhenSupported(t *testing.T) {
	t.Parallel()
	raw := []byte(`{
		"model": "claude-opus",
		"messages": [{"role":"user","content":"hi"}],
		"tools": [{"name":"search","input_schema":{}}]
	}`)
	p, err := DecodeRequest(gateway.EndpointAnthropic, raw)
	if err != nil {
		t.Fatal(err)
	}

	target := gateway.RouteTarget{
		UpstreamModel: "gpt-4o",
		Provider:      gateway.ProviderConfig{Family: gateway.FamilyOpenAI},
	}
	body, _, err := EncodeRequest(p, target)
	if err != nil {
		t.Fatal(err)
	}
	if !gjson.GetBytes(body, "tools").Exists() {
		t.Errorf("expected tools preserved for tool-capable target: %s", body)
	}
}

func TestStripToolsAndMetadata(t *testing.T) {
	t.Parallel()
	p := &gateway.NormalizedPayload{
		Messages: []gateway.NormalizedMessage{{
			Role: gateway.RoleAssistant,
			ToolCalls: []gateway.ToolCall{{ID: "t1", Name: "search", Arguments: json.RawMessage(`{"q":"go"}`)}},
		}},
		Tools: []gateway.ToolSchema{{Name: "search"}},
	}
	StripToolsAndMetadata(p)
	if p.Tools != nil {
		t.Error("expected tools stripped")
	}
	if p.Messages[0].ToolCalls != nil {
		t.Error("expected tool calls cleared")
	}
	if !strings.Contains(p.Messages[0].Text, "search") {
		t.Errorf("expected inline text mention of tool call: %q", p.Messages[0].Text)
	}
}
