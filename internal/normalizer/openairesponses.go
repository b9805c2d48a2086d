package normalizer

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	gateway "github.com/chenpu17/cc-gw-sub003/internal"
)

// decodeOpenAIResponses parses an OpenAI responses API request body. Each
// input item maps the same way a chat message does: message items become
// normalized messages, function_call items become tool-calls,
// function_call_output items become tool-results, and the top-level
// instructions field becomes a system message.
func decodeOpenAIResponses(body []byte) (*gateway.NormalizedPayload, error) {
	root := gjson.ParseBytes(body)
	p := &gateway.NormalizedPayload{
		Endpoint:       gateway.EndpointOpenAIResponse,
		RequestedModel: root.Get("model").String(),
		Stream:         root.Get("stream").Bool(),
		Raw:            json.RawMessage(body),
	}

	if instr := root.Get("instructions"); instr.Exists() {
		p.Messages = append(p.Messages, gateway.NormalizedMessage{Role: gateway.RoleSystem, Text: instr.String()})
	}

	input := root.Get("input")
	if input.Type == gjson.String {
		p.Messages = append(p.Messages, gateway.NormalizedMessage{Role: gateway.RoleUser, Text: input.String()})
	} else {
		input.ForEach(func(_, item gjson.Result) bool {
			switch item.Get("type").String() {
			case "message", "":
				role := gateway.Role(item.Get("role").String())
				if role == "" {
					role = gateway.RoleUser
				}
				p.Messages = append(p.Messages, gateway.NormalizedMessage{Role: role, Text: extractResponsesContent(item)})
			case "function_call":
				p.Messages = append(p.Messages, gateway.NormalizedMessage{
					Role: gateway.RoleAssistant,
					ToolCalls: []gateway.ToolCall{{
						ID:        item.Get("call_id").String(),
						Name:      item.Get("name").String(),
						Arguments: json.RawMessage(item.Get("arguments").Raw),
					}},
				})
			case "function_call_output":
				p.Messages = append(p.Messages, gateway.NormalizedMessage{
					Role: gateway.RoleTool,
					ToolResults: []gateway.ToolResult{{
						ToolCallID: item.Get("call_id").String(),
						Content:    item.Get("output").String(),
					}},
				})
			}
			return true
		})
	}

	root.Get("tools").ForEach(func(_, t gjson.Result) bool {
		p.Tools = append(p.Tools, gateway.ToolSchema{
			Name:        t.Get("name").String(),
			Description: t.Get("description").String(),
			Parameters:  json.RawMessage(t.Get("parameters").Raw),
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
	if t := root.Get("max_output_tokens"); t.Exists() {
		v := int(t.Int())
		p.Sampling.MaxTokens = &v
	}

	return p, nil
}

func extractResponsesContent(item gjson.Result) string {
	content := item.Get("content")
	if content.Type == gjson.String {
		return content.String()
	}
	var out string
	content.ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "output_text" || block.Get("type").String() == "input_text" {
			out += block.Get("text").String()
		}
		return true
	})
	return out
}

// encodeOpenAIResponsesBuffered builds a non-streaming responses API
// response.
func encodeOpenAIResponsesBuffered(model string, msg gateway.NormalizedMessage, usage gateway.Usage) ([]byte, error) {
	var output []map[string]any
	if msg.Text != "" {
		output = append(output, map[string]any{
			"type": "message", "role": "assistant",
			"content": []map[string]any{{"type": "output_text", "text": msg.Text}},
		})
	}
	for _, tc := range msg.ToolCalls {
		output = append(output, map[string]any{
			"type": "function_call", "call_id": tc.ID, "name": tc.Name, "arguments": string(tc.Arguments),
		})
	}
	resp := map[string]any{
		"object": "response",
		"model":  model,
		"status": "completed",
		"output": output,
		"usage": map[string]any{
			"input_tokens":  usage.InputTokens,
			"output_tokens": usage.OutputTokens,
		},
	}
	return marshalCompact(resp)
}

// --- streaming encode: intermediate Event -> OpenAI responses SSE ---

func (s *EncodeState) encodeOpenAIResponsesEvent(ev gateway.Event) []Frame {
	switch ev.Type {
	case gateway.EventMessageStart:
		data, _ := marshalCompact(map[string]any{
			"type": "response.created",
			"response": map[string]any{"id": s.id, "model": s.model, "status": "in_progress"},
		})
		return []Frame{{Data: data}}

	case gateway.EventTextDelta, gateway.EventThinkingDelta:
		data, _ := marshalCompact(map[string]any{
			"type": "response.output_text.delta", "delta": ev.Text,
		})
		return []Frame{{Data: data}}

	case gateway.EventToolCallDelta:
		data, _ := marshalCompact(map[string]any{
			"type": "response.function_call.arguments.delta",
			"call_id": ev.ToolCallID, "delta": ev.ToolCallArgsChunk,
		})
		return []Frame{{Data: data}}

	case gateway.EventUsage:
		data, _ := marshalCompact(map[string]any{
			"type": "response.usage",
			"usage": map[string]any{"input_tokens": ev.Usage.InputTokens, "output_tokens": ev.Usage.OutputTokens},
		})
		return []Frame{{Data: data}}

	case gateway.EventMessageStop:
		data, _ := marshalCompact(map[string]any{
			"type": "response.completed",
			"response": map[string]any{"id": s.id, "model": s.model, "status": "completed"},
		})
		return []Frame{{Data: data}}

	case gateway.EventError:
		msg := ""
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		data, _ := marshalCompact(map[string]any{"type": "response.failed", "error": map[string]any{"message": msg}})
		return []Frame{{Data: data}}
	}
	return nil
}
