package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/chenpu17/cc-gw-sub003/internal"
	"github.com/chenpu17/cc-gw-sub003/internal/provider/sseutil"
)

// DecodeStream reads a native Anthropic Messages API SSE body and emits
// intermediate Events. Anthropic's own alphabet maps almost 1:1, so this is
// mostly bookkeeping: which content-block index is a tool_use block, and
// accumulating usage across message_start (input tokens) and message_delta
// (output tokens) into one EventUsage just before message_stop.
func (c *Client) DecodeStream(ctx context.Context, body gateway.ReadCloser, ch chan<- gateway.Event) {
	defer close(ch)
	defer body.Close()

	scanner := sseutil.NewScanner(body)
	toolBlocks := make(map[int]string)
	var usage gateway.Usage
	var stopReason string

	for scanner.Scan() {
		_, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok || data == "" {
			continue
		}
		root := gjson.Parse(data)
		switch root.Get("type").String() {
		case "message_start":
			usage.InputTokens = int(root.Get("message.usage.input_tokens").Int())
			usage.CachedTokens = int(root.Get("message.usage.cache_read_input_tokens").Int())
			emit(ctx, ch, gateway.Event{Type: gateway.EventMessageStart})

		case "content_block_start":
			idx := int(root.Get("index").Int())
			block := root.Get("content_block")
			if block.Get("type").String() == "tool_use" {
				id := block.Get("id").String()
				toolBlocks[idx] = id
				emit(ctx, ch, gateway.Event{Type: gateway.EventToolCallDelta, ToolCallID: id, ToolCallName: block.Get("name").String()})
			}

		case "content_block_delta":
			idx := int(root.Get("index").Int())
			delta := root.Get("delta")
			switch delta.Get("type").String() {
			case "text_delta":
				emit(ctx, ch, gateway.Event{Type: gateway.EventTextDelta, Text: delta.Get("text").String()})
			case "thinking_delta":
				emit(ctx, ch, gateway.Event{Type: gateway.EventThinkingDelta, Text: delta.Get("thinking").String()})
			case "input_json_delta":
				emit(ctx, ch, gateway.Event{
					Type: gateway.EventToolCallDelta, ToolCallID: toolBlocks[idx],
					ToolCallArgsChunk: delta.Get("partial_json").String(),
				})
			}

		case "message_delta":
			if r := root.Get("delta.stop_reason"); r.Exists() && r.Type != gjson.Null {
				stopReason = mapStopReasonFromAnthropic(r.String())
			}
			if u := root.Get("usage"); u.Exists() {
				usage.OutputTokens = int(u.Get("output_tokens").Int())
			}

		case "message_stop":
			emit(ctx, ch, gateway.Event{Type: gateway.EventUsage, Usage: usage})
			emit(ctx, ch, gateway.Event{Type: gateway.EventMessageStop, StopReason: stopReason})
			return

		case "error":
			emit(ctx, ch, gateway.Event{Type: gateway.EventError, Err: errors.New(root.Get("error.message").String())})
			return
		}
	}
	if err := scanner.Err(); err != nil {
		emit(ctx, ch, gateway.Event{Type: gateway.EventError, Err: err})
	}
}

// DecodeBuffered parses a complete non-streaming Messages API response.
func (c *Client) DecodeBuffered(body []byte) (gateway.NormalizedMessage, gateway.Usage, error) {
	root := gjson.ParseBytes(body)
	out := gateway.NormalizedMessage{Role: gateway.RoleAssistant}

	var text strings.Builder
	root.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			text.WriteString(block.Get("text").String())
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, gateway.ToolCall{
				ID:        block.Get("id").String(),
				Name:      block.Get("name").String(),
				Arguments: json.RawMessage(block.Get("input").Raw),
			})
		}
		return true
	})
	out.Text = text.String()

	usage := gateway.Usage{
		InputTokens:  int(root.Get("usage.input_tokens").Int()),
		OutputTokens: int(root.Get("usage.output_tokens").Int()),
		CachedTokens: int(root.Get("usage.cache_read_input_tokens").Int()),
	}
	return out, usage, nil
}

// mapStopReasonFromAnthropic converts a native stop_reason into the
// intermediate alphabet's canonical vocabulary ("stop", "length",
// "tool_calls"), which the encoders then translate back for the caller's
// own wire format.
func mapStopReasonFromAnthropic(reason string) string {
	switch reason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}

func emit(ctx context.Context, ch chan<- gateway.Event, ev gateway.Event) {
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}

// mapErrorBody rewrites an Anthropic error body ({"type":"error","error":
// {"type","message"}}) into the gateway's uniform error envelope.
func mapErrorBody(resp *http.Response) []byte {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := gjson.GetBytes(raw, "error.message").String()
	if msg == "" {
		msg = string(raw)
	}
	code := gjson.GetBytes(raw, "error.type").String()
	if code == "" {
		code = "anthropic_upstream_error"
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
