package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/chenpu17/cc-gw-sub003/internal"
	"github.com/chenpu17/cc-gw-sub003/internal/provider/sseutil"
)

// DecodeStream reads an OpenAI-wire SSE body and emits intermediate Events.
// It sniffs each frame's shape per-line, since a single provider instance
// may be dispatched against either the chat/completions or the responses
// wire depending on which fast path the caller's endpoint took.
func (c *Client) DecodeStream(ctx context.Context, body gateway.ReadCloser, ch chan<- gateway.Event) {
	defer close(ch)
	defer body.Close()

	scanner := sseutil.NewScanner(body)
	toolIDs := make(map[int]string)
	var sawStart bool
	var finishReason string

	for scanner.Scan() {
		_, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok {
			continue
		}
		if data == "[DONE]" {
			emit(ctx, ch, gateway.Event{Type: gateway.EventMessageStop, StopReason: finishReason})
			return
		}

		root := gjson.Parse(data)
		if t := root.Get("type"); t.Exists() && strings.HasPrefix(t.String(), "response.") {
			if done := decodeResponsesEvent(ctx, ch, root, toolIDs); done {
				return
			}
			continue
		}
		decodeChatEvent(ctx, ch, root, toolIDs, &sawStart, &finishReason)
	}
	if err := scanner.Err(); err != nil {
		emit(ctx, ch, gateway.Event{Type: gateway.EventError, Err: err})
	}
}

// decodeChatEvent translates one chat/completions SSE frame.
func decodeChatEvent(ctx context.Context, ch chan<- gateway.Event, root gjson.Result, toolIDs map[int]string, sawStart *bool, finishReason *string) {
	if usage := root.Get("usage"); usage.Exists() && usage.IsObject() {
		emit(ctx, ch, gateway.Event{Type: gateway.EventUsage, Usage: gateway.Usage{
			InputTokens:  int(usage.Get("prompt_tokens").Int()),
			OutputTokens: int(usage.Get("completion_tokens").Int()),
			CachedTokens: int(usage.Get("prompt_tokens_details.cached_tokens").Int()),
		}})
	}

	choice := root.Get("choices.0")
	if !choice.Exists() {
		return
	}
	if fr := choice.Get("finish_reason"); fr.Exists() && fr.Type != gjson.Null {
		*finishReason = fr.String()
	}

	delta := choice.Get("delta")
	if !*sawStart {
		*sawStart = true
		emit(ctx, ch, gateway.Event{Type: gateway.EventMessageStart})
	}

	if content := delta.Get("content"); content.Exists() && content.String() != "" {
		emit(ctx, ch, gateway.Event{Type: gateway.EventTextDelta, Text: content.String()})
	}

	delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		idx := int(tc.Get("index").Int())
		ev := gateway.Event{
			Type:              gateway.EventToolCallDelta,
			ToolCallArgsChunk: tc.Get("function.arguments").String(),
		}
		if id := tc.Get("id"); id.Exists() && id.String() != "" {
			toolIDs[idx] = id.String()
			ev.ToolCallName = tc.Get("function.name").String()
		}
		ev.ToolCallID = toolIDs[idx]
		if ev.ToolCallID == "" {
			ev.ToolCallID = strconv.Itoa(idx)
		}
		emit(ctx, ch, ev)
		return true
	})
}

// decodeResponsesEvent translates one responses-API typed SSE event. It
// returns true once the caller should stop reading (completion or failure).
func decodeResponsesEvent(ctx context.Context, ch chan<- gateway.Event, root gjson.Result, toolIDs map[int]string) bool {
	switch root.Get("type").String() {
	case "response.created":
		emit(ctx, ch, gateway.Event{Type: gateway.EventMessageStart})
	case "response.output_item.added":
		item := root.Get("item")
		if item.Get("type").String() == "function_call" {
			idx := int(root.Get("output_index").Int())
			toolIDs[idx] = item.Get("call_id").String()
			emit(ctx, ch, gateway.Event{
				Type:         gateway.EventToolCallDelta,
				ToolCallID:   toolIDs[idx],
				ToolCallName: item.Get("name").String(),
			})
		}
	case "response.output_text.delta":
		emit(ctx, ch, gateway.Event{Type: gateway.EventTextDelta, Text: root.Get("delta").String()})
	case "response.function_call.arguments.delta", "response.function_call_arguments.delta":
		idx := int(root.Get("output_index").Int())
		id := toolIDs[idx]
		if id == "" {
			id = root.Get("call_id").String()
		}
		emit(ctx, ch, gateway.Event{
			Type:              gateway.EventToolCallDelta,
			ToolCallID:        id,
			ToolCallArgsChunk: root.Get("delta").String(),
		})
	case "response.completed":
		if usage := root.Get("response.usage"); usage.Exists() {
			emit(ctx, ch, gateway.Event{Type: gateway.EventUsage, Usage: gateway.Usage{
				InputTokens:  int(usage.Get("input_tokens").Int()),
				OutputTokens: int(usage.Get("output_tokens").Int()),
			}})
		}
		emit(ctx, ch, gateway.Event{Type: gateway.EventMessageStop, StopReason: "stop"})
		return true
	case "response.failed", "response.incomplete":
		emit(ctx, ch, gateway.Event{Type: gateway.EventError, Err: errString(root.Get("response.error.message").String())})
		return true
	}
	return false
}

// DecodeBuffered parses a complete non-streaming upstream body. It sniffs
// the responses-API envelope (an "output" array) versus the chat/completions
// envelope (a "choices" array), since one Client instance serves both wire
// shapes depending on which endpoint dispatched the call.
func (c *Client) DecodeBuffered(body []byte) (gateway.NormalizedMessage, gateway.Usage, error) {
	root := gjson.ParseBytes(body)
	if root.Get("output").Exists() {
		return decodeResponsesBuffered(root)
	}
	return decodeChatBuffered(root)
}

func decodeChatBuffered(root gjson.Result) (gateway.NormalizedMessage, gateway.Usage, error) {
	msg := root.Get("choices.0.message")
	out := gateway.NormalizedMessage{Role: gateway.RoleAssistant, Text: msg.Get("content").String()}
	msg.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		out.ToolCalls = append(out.ToolCalls, gateway.ToolCall{
			ID:        tc.Get("id").String(),
			Name:      tc.Get("function.name").String(),
			Arguments: json.RawMessage(tc.Get("function.arguments").Raw),
		})
		return true
	})
	usage := gateway.Usage{
		InputTokens:  int(root.Get("usage.prompt_tokens").Int()),
		OutputTokens: int(root.Get("usage.completion_tokens").Int()),
		CachedTokens: int(root.Get("usage.prompt_tokens_details.cached_tokens").Int()),
	}
	return out, usage, nil
}

func decodeResponsesBuffered(root gjson.Result) (gateway.NormalizedMessage, gateway.Usage, error) {
	out := gateway.NormalizedMessage{Role: gateway.RoleAssistant}
	root.Get("output").ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "message":
			item.Get("content").ForEach(func(_, block gjson.Result) bool {
				if block.Get("type").String() == "output_text" {
					out.Text += block.Get("text").String()
				}
				return true
			})
		case "function_call":
			out.ToolCalls = append(out.ToolCalls, gateway.ToolCall{
				ID:        item.Get("call_id").String(),
				Name:      item.Get("name").String(),
				Arguments: json.RawMessage(item.Get("arguments").Raw),
			})
		}
		return true
	})
	usage := gateway.Usage{
		InputTokens:  int(root.Get("usage.input_tokens").Int()),
		OutputTokens: int(root.Get("usage.output_tokens").Int()),
	}
	return out, usage, nil
}

func emit(ctx context.Context, ch chan<- gateway.Event, ev gateway.Event) {
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}

// openaiErrorCodes maps well-known OpenAI error codes to a stable gateway
// error code, independent of the provider's own (occasionally changing)
// vocabulary.
var openaiErrorCodes = map[string]string{
	"invalid_api_key":       "authentication_error",
	"insufficient_quota":    "quota_exceeded",
	"rate_limit_exceeded":   "rate_limit_error",
	"context_length_exceeded": "invalid_request_error",
	"model_not_found":       "not_found_error",
}

// mapErrorBody rewrites an upstream error body into the gateway's uniform
// {"error":{"code","message"}} envelope, preserving the original message
// text but normalizing the code through openaiErrorCodes when recognized.
func mapErrorBody(providerID string, resp *http.Response) []byte {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := gjson.GetBytes(raw, "error.message").String()
	if msg == "" {
		msg = string(raw)
	}
	code := gjson.GetBytes(raw, "error.code").String()
	if mapped, ok := openaiErrorCodes[code]; ok {
		code = mapped
	} else if code == "" {
		code = fmt.Sprintf("%s_upstream_error", providerID)
	}
	out, _ := json.Marshal(map[string]any{"error": map[string]any{"code": code, "message": msg}})
	return out
}

// errBody adapts an in-memory byte slice to gateway.ReadCloser so an
// already-read, remapped error body can travel through the same
// UpstreamResponse.Body path as a live upstream stream.
type errBody struct {
	*bytes.Reader
}

func newErrBody(data []byte) gateway.ReadCloser {
	return errBody{bytes.NewReader(data)}
}

func (errBody) Close() error { return nil }

func errString(s string) error {
	if s == "" {
		s = "upstream error"
	}
	return errors.New(s)
}
