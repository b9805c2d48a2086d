package normalizer

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	gateway "github.com/chenpu17/cc-gw-sub003/internal"
)

// decodeOpenAIChat parses an OpenAI chat/completions request body. Messages
// are taken close to verbatim: assistant tool_calls become tool-call
// records, role:"tool" messages become tool-results keyed by tool_call_id.
func decodeOpenAIChat(body []byte) (*gateway.NormalizedPayload, error) {
	root := gjson.ParseBytes(body)
	p := &gateway.NormalizedPayload{
		Endpoint:       gateway.EndpointOpenAIChat,
		RequestedModel: root.Get("model").String(),
		Stream:         root.Get("stream").Bool(),
		Raw:            json.RawMessage(body),
	}

	root.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		role := gateway.Role(msg.Get("role").String())
		if role == gateway.RoleTool {
			p.Messages = append(p.Messages, gateway.NormalizedMessage{
				Role: gateway.RoleTool,
				ToolResults: []gateway.ToolResult{{
					ToolCallID: msg.Get("tool_call_id").String(),
					Content:    msg.Get("content").String(),
				}},
			})
			return true
		}

		out := gateway.NormalizedMessage{Role: role, Text: msg.Get("content").String()}
		msg.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
			out.ToolCalls = append(out.ToolCalls, gateway.ToolCall{
				ID:        tc.Get("id").String(),
				Name:      tc.Get("function.name").String(),
				Arguments: json.RawMessage(tc.Get("function.arguments").Raw),
			})
			return true
		})
		p.Messages = append(p.Messages, out)
		return true
	})

	root.Get("tools").ForEach(func(_, t gjson.Result) bool {
		p.Tools = append(p.Tools, gateway.ToolSchema{
			Name:        t.Get("function.name").String(),
			Description: t.Get("function.description").String(),
			Parameters:  json.RawMessage(t.Get("function.parameters").Raw),
		})
		return true
	})

	if t := root.Get("temperature"); t.Exists() {
		v := t.Float()
		p.Sampling.Temperature = &v
	}
	if t := root.Get("top_p"); t.Exists() {
		v := t.Float()
		p.Sampling.TopP = &v
	}
	if t := root.Get("max_tokens"); t.Exists() {
		v := int(t.Int())
		p.Sampling.MaxTokens = &v
	} else if t := root.Get("max_completion_tokens"); t.Exists() {
		v := int(t.Int())
		p.Sampling.MaxTokens = &v
	}
	switch {
	case root.Get("stop").IsArray():
		root.Get("stop").ForEach(func(_, s gjson.Result) bool {
			p.Sampling.Stop = append(p.Sampling.Stop, s.String())
			return true
		})
	case root.Get("stop").Exists():
		p.Sampling.Stop = []string{root.Get("stop").String()}
	}

	return p, nil
}

// encodeOpenAIChatRequest rebuilds an OpenAI chat/completions request body
// from a NormalizedPayload.
func encodeOpenAIChatRequest(p *gateway.NormalizedPayload, model string) ([]byte, error) {
	req := map[string]any{"model": model, "stream": p.Stream}
	if p.Sampling.Temperature != nil {
		req["temperature"] = *p.Sampling.Temperature
	}
	if p.Sampling.TopP != nil {
		req["top_p"] = *p.Sampling.TopP
	}
	if p.Sampling.MaxTokens != nil {
		req["max_tokens"] = *p.Sampling.MaxTokens
	}
	if len(p.Sampling.Stop) > 0 {
		req["stop"] = p.Sampling.Stop
	}

	var messages []map[string]any
	for _, m := range p.Messages {
		if len(m.ToolResults) > 0 {
			for _, tr := range m.ToolResults {
				messages = append(messages, map[string]any{
					"role": "tool", "tool_call_id": tr.ToolCallID, "content": tr.Content,
				})
			}
			continue
		}
		entry := map[string]any{"role": string(m.Role), "content": m.Text}
		if len(m.ToolCalls) > 0 {
			var calls []map[string]any
			for _, tc := range m.ToolCalls {
				calls = append(calls, map[string]any{
					"id": tc.ID, "type": "function",
					"function": map[string]any{"name": tc.Name, "arguments": string(tc.Arguments)},
				})
			}
			entry["tool_calls"] = calls
		}
		messages = append(messages, entry)
	}
	req["messages"] = messages

	if len(p.Tools) > 0 {
		var tools []map[string]any
		for _, t := range p.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name": t.Name, "description": t.Description, "parameters": json.RawMessage(t.Parameters),
				},
			})
		}
		req["tools"] = tools
	}

	return marshalCompact(req)
}

// encodeOpenAIChatBuffered builds a non-streaming chat/completions response.
func encodeOpenAIChatBuffered(model string, msg gateway.NormalizedMessage, usage gateway.Usage) ([]byte, error) {
	message := map[string]any{"role": "assistant", "content": msg.Text}
	finish := "stop"
	if len(msg.ToolCalls) > 0 {
		var calls []map[string]any
		for _, tc := range msg.ToolCalls {
			calls = append(calls, map[string]any{
				"id": tc.ID, "type": "function",
				"function": map[string]any{"name": tc.Name, "arguments": string(tc.Arguments)},
			})
		}
		message["tool_calls"] = calls
		finish = "tool_calls"
	}
	resp := map[string]any{
		"object": "chat.completion",
		"model":  model,
		"choices": []map[string]any{{
			"index": 0, "message": message, "finish_reason": finish,
		}},
		"usage": map[string]any{
			"prompt_tokens":     usage.InputTokens,
			"completion_tokens": usage.OutputTokens,
			"total_tokens":      usage.InputTokens + usage.OutputTokens,
		},
	}
	return marshalCompact(resp)
}

// --- streaming encode: intermediate Event -> OpenAI chat SSE ---

func (s *EncodeState) encodeOpenAIChatEvent(ev gateway.Event) []Frame {
	switch ev.Type {
	case gateway.EventMessageStart:
		data, _ := marshalCompact(chatChunk(s.id, s.model, map[string]any{"role": "assistant"}, nil))
		return []Frame{{Data: data}}

	case gateway.EventTextDelta, gateway.EventThinkingDelta:
		data, _ := marshalCompact(chatChunk(s.id, s.model, map[string]any{"content": ev.Text}, nil))
		return []Frame{{Data: data}}

	case gateway.EventToolCallDelta:
		idx := s.toolIndexFor(ev.ToolCallID)
		call := map[string]any{"index": idx, "function": map[string]any{"arguments": ev.ToolCallArgsChunk}}
		if ev.ToolCallName != "" {
			call["id"] = ev.ToolCallID
			call["type"] = "function"
			call["function"].(map[string]any)["name"] = ev.ToolCallName
		}
		data, _ := marshalCompact(chatChunk(s.id, s.model, map[string]any{"tool_calls": []map[string]any{call}}, nil))
		return []Frame{{Data: data}}

	case gateway.EventUsage:
		chunk := chatChunk(s.id, s.model, map[string]any{}, nil)
		chunk["choices"] = []map[string]any{}
		chunk["usage"] = map[string]any{
			"prompt_tokens":     ev.Usage.InputTokens,
			"completion_tokens": ev.Usage.OutputTokens,
			"total_tokens":      ev.Usage.InputTokens + ev.Usage.OutputTokens,
		}
		data, _ := marshalCompact(chunk)
		return []Frame{{Data: data}}

	case gateway.EventMessageStop:
		finish := mapStopReasonToOpenAI(ev.StopReason)
		data, _ := marshalCompact(chatChunk(s.id, s.model, map[string]any{}, &finish))
		done := Frame{Data: []byte("[DONE]")}
		return []Frame{{Data: data}, done}

	case gateway.EventError:
		msg := ""
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		data, _ := marshalCompact(map[string]any{"error": map[string]any{"message": msg, "type": "api_error"}})
		return []Frame{{Data: data}}
	}
	return nil
}

func chatChunk(id, model string, delta map[string]any, finishReason *string) map[string]any {
	var fr any
	if finishReason != nil {
		fr = *finishReason
	}
	return map[string]any{
		"id": id, "object": "chat.completion.chunk", "model": model,
		"choices": []map[string]any{{"index": 0, "delta": delta, "finish_reason": fr}},
	}
}

// mapStopReasonToOpenAI is the identity mapping: connectors already emit
// EventMessageStop.StopReason in this package's canonical OpenAI-style
// vocabulary ("stop", "length", "tool_calls"), so only the empty default
// needs normalizing.
func mapStopReasonToOpenAI(reason string) string {
	if reason == "" {
		return "stop"
	}
	return reason
}
