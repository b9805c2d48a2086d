package normalizer

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/chenpu17/cc-gw-sub003/internal"
)

// decodeAnthropic parses an Anthropic Messages API request body. Content
// blocks are collapsed by role: tool_use becomes an assistant tool-call,
// tool_result becomes a tool-result on the message it appears in, thinking
// blocks set the payload's Thinking flag and are retained as assistant text,
// and a top-level system field is prepended as its own system message.
func decodeAnthropic(body []byte) (*gateway.NormalizedPayload, error) {
	root := gjson.ParseBytes(body)
	p := &gateway.NormalizedPayload{
		Endpoint:       gateway.EndpointAnthropic,
		RequestedModel: root.Get("model").String(),
		Stream:         root.Get("stream").Bool(),
		Raw:            json.RawMessage(body),
	}

	if sys := root.Get("system"); sys.Exists() {
		if sys.IsArray() {
			var text strings.Builder
			sys.ForEach(func(_, block gjson.Result) bool {
				if block.Get("type").String() == "text" {
					text.WriteString(block.Get("text").String())
				}
				return true
			})
			p.Messages = append(p.Messages, gateway.NormalizedMessage{Role: gateway.RoleSystem, Text: text.String()})
		} else {
			p.Messages = append(p.Messages, gateway.NormalizedMessage{Role: gateway.RoleSystem, Text: sys.String()})
		}
	}

	root.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		p.Messages = append(p.Messages, decodeAnthropicMessage(msg))
		return true
	})

	root.Get("tools").ForEach(func(_, t gjson.Result) bool {
		p.Tools = append(p.Tools, gateway.ToolSchema{
			Name:        t.Get("name").String(),
			Description: t.Get("description").String(),
			Parameters:  json.RawMessage(t.Get("input_schema").Raw),
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
	}
	root.Get("stop_sequences").ForEach(func(_, s gjson.Result) bool {
		p.Sampling.Stop = append(p.Sampling.Stop, s.String())
		return true
	})

	return p, nil
}

func decodeAnthropicMessage(msg gjson.Result) gateway.NormalizedMessage {
	role := gateway.Role(msg.Get("role").String())
	content := msg.Get("content")
	out := gateway.NormalizedMessage{Role: role}

	if content.Type == gjson.String {
		out.Text = content.String()
		return out
	}

	var text strings.Builder
	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			text.WriteString(block.Get("text").String())
		case "thinking":
			out.Thinking = true
			text.WriteString(block.Get("thinking").String())
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, gateway.ToolCall{
				ID:        block.Get("id").String(),
				Name:      block.Get("name").String(),
				Arguments: json.RawMessage(block.Get("input").Raw),
			})
		case "tool_result":
			c := block.Get("content")
			content := c.String()
			if c.IsArray() {
				var sb strings.Builder
				c.ForEach(func(_, cb gjson.Result) bool {
					sb.WriteString(cb.Get("text").String())
					return true
				})
				content = sb.String()
			}
			out.ToolResults = append(out.ToolResults, gateway.ToolResult{
				ToolCallID: block.Get("tool_use_id").String(),
				Content:    content,
				IsError:    block.Get("is_error").Bool(),
			})
		case "image":
			text.WriteString("[image omitted]")
		}
		return true
	})
	out.Text = text.String()
	return out
}

// encodeAnthropicRequest rebuilds an Anthropic Messages API request body
// from a NormalizedPayload, the path taken whenever the caller's own
// endpoint isn't already Anthropic wire.
func encodeAnthropicRequest(p *gateway.NormalizedPayload, model string) ([]byte, error) {
	req := map[string]any{
		"model":      model,
		"stream":     p.Stream,
		"max_tokens": 4096,
	}
	if p.Sampling.MaxTokens != nil {
		req["max_tokens"] = *p.Sampling.MaxTokens
	}
	if p.Sampling.Temperature != nil {
		req["temperature"] = *p.Sampling.Temperature
	}
	if p.Sampling.TopP != nil {
		req["top_p"] = *p.Sampling.TopP
	}
	if len(p.Sampling.Stop) > 0 {
		req["stop_sequences"] = p.Sampling.Stop
	}

	var messages []map[string]any
	for _, m := range p.Messages {
		if m.Role == gateway.RoleSystem {
			req["system"] = m.Text
			continue
		}
		messages = append(messages, encodeAnthropicMessage(m))
	}
	req["messages"] = messages

	if len(p.Tools) > 0 {
		var tools []map[string]any
		for _, t := range p.Tools {
			tools = append(tools, map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": json.RawMessage(t.Parameters),
			})
		}
		req["tools"] = tools
	}

	return marshalCompact(req)
}

func encodeAnthropicMessage(m gateway.NormalizedMessage) map[string]any {
	var blocks []map[string]any
	if m.Text != "" {
		blocks = append(blocks, map[string]any{"type": "text", "text": m.Text})
	}
	for _, tc := range m.ToolCalls {
		blocks = append(blocks, map[string]any{
			"type": "tool_use", "id": tc.ID, "name": tc.Name, "input": json.RawMessage(tc.Arguments),
		})
	}
	for _, tr := range m.ToolResults {
		blocks = append(blocks, map[string]any{
			"type": "tool_result", "tool_use_id": tr.ToolCallID, "content": tr.Content, "is_error": tr.IsError,
		})
	}
	return map[string]any{"role": string(m.Role), "content": blocks}
}

// encodeAnthropicBuffered builds a non-streaming Anthropic Messages API
// response from a fully assembled message.
func encodeAnthropicBuffered(model string, msg gateway.NormalizedMessage, usage gateway.Usage) ([]byte, error) {
	var blocks []map[string]any
	if msg.Text != "" {
		blocks = append(blocks, map[string]any{"type": "text", "text": msg.Text})
	}
	stop := "end_turn"
	for _, tc := range msg.ToolCalls {
		blocks = append(blocks, map[string]any{
			"type": "tool_use", "id": tc.ID, "name": tc.Name, "input": json.RawMessage(tc.Arguments),
		})
		stop = "tool_use"
	}
	resp := map[string]any{
		"type":        "message",
		"role":        "assistant",
		"model":       model,
		"content":     blocks,
		"stop_reason": stop,
		"usage": map[string]any{
			"input_tokens":  usage.InputTokens,
			"output_tokens": usage.OutputTokens,
		},
	}
	return marshalCompact(resp)
}

// --- streaming encode: intermediate Event -> Anthropic SSE ---

func (s *EncodeState) encodeAnthropicEvent(ev gateway.Event) []Frame {
	switch ev.Type {
	case gateway.EventMessageStart:
		data, _ := marshalCompact(map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id": s.id, "type": "message", "role": "assistant", "model": s.model,
				"content": []any{}, "usage": map[string]any{"input_tokens": 0, "output_tokens": 0},
			},
		})
		return []Frame{{Event: "message_start", Data: data}}

	case gateway.EventTextDelta:
		var frames []Frame
		if !s.anthropicBlockOpen {
			frames = append(frames, s.anthropicBlockStart("text"))
		}
		data, _ := marshalCompact(map[string]any{
			"type": "content_block_delta", "index": 0,
			"delta": map[string]any{"type": "text_delta", "text": ev.Text},
		})
		frames = append(frames, Frame{Event: "content_block_delta", Data: data})
		return frames

	case gateway.EventThinkingDelta:
		var frames []Frame
		if !s.anthropicBlockOpen {
			frames = append(frames, s.anthropicBlockStart("thinking"))
		}
		data, _ := marshalCompact(map[string]any{
			"type": "content_block_delta", "index": 0,
			"delta": map[string]any{"type": "thinking_delta", "thinking": ev.Text},
		})
		frames = append(frames, Frame{Event: "content_block_delta", Data: data})
		return frames

	case gateway.EventToolCallDelta:
		idx := s.toolIndexFor(ev.ToolCallID) + 1 // index 0 reserved for text/thinking block
		var frames []Frame
		if ev.ToolCallName != "" {
			data, _ := marshalCompact(map[string]any{
				"type": "content_block_start", "index": idx,
				"content_block": map[string]any{"type": "tool_use", "id": ev.ToolCallID, "name": ev.ToolCallName, "input": map[string]any{}},
			})
			frames = append(frames, Frame{Event: "content_block_start", Data: data})
			s.anthropicToolsOpen = append(s.anthropicToolsOpen, idx)
		}
		data, _ := marshalCompact(map[string]any{
			"type": "content_block_delta", "index": idx,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": ev.ToolCallArgsChunk},
		})
		frames = append(frames, Frame{Event: "content_block_delta", Data: data})
		return frames

	case gateway.EventUsage:
		data, _ := marshalCompact(map[string]any{
			"type": "message_delta",
			"delta": map[string]any{},
			"usage": map[string]any{"input_tokens": ev.Usage.InputTokens, "output_tokens": ev.Usage.OutputTokens},
		})
		return []Frame{{Event: "message_delta", Data: data}}

	case gateway.EventMessageStop:
		var frames []Frame
		if s.anthropicBlockOpen {
			data, _ := marshalCompact(map[string]any{"type": "content_block_stop", "index": 0})
			frames = append(frames, Frame{Event: "content_block_stop", Data: data})
			s.anthropicBlockOpen = false
		}
		for _, idx := range s.anthropicToolsOpen {
			data, _ := marshalCompact(map[string]any{"type": "content_block_stop", "index": idx})
			frames = append(frames, Frame{Event: "content_block_stop", Data: data})
		}
		s.anthropicToolsOpen = nil
		stop, _ := marshalCompact(map[string]any{
			"type": "message_delta",
			"delta": map[string]any{"stop_reason": mapStopReasonToAnthropic(ev.StopReason)},
		})
		frames = append(frames, Frame{Event: "message_delta", Data: stop})
		done, _ := marshalCompact(map[string]any{"type": "message_stop"})
		frames = append(frames, Frame{Event: "message_stop", Data: done})
		return frames

	case gateway.EventError:
		msg := ""
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		data, _ := marshalCompact(map[string]any{
			"type": "error", "error": map[string]any{"type": "api_error", "message": msg},
		})
		return []Frame{{Event: "error", Data: data}}
	}
	return nil
}

func (s *EncodeState) anthropicBlockStart(blockType string) Frame {
	s.anthropicBlockOpen = true
	data, _ := marshalCompact(map[string]any{
		"type": "content_block_start", "index": 0,
		"content_block": map[string]any{"type": blockType, "text": ""},
	})
	return Frame{Event: "content_block_start", Data: data}
}

func mapStopReasonToAnthropic(reason string) string {
	switch reason {
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	case "":
		return "end_turn"
	default:
		return reason
	}
}
