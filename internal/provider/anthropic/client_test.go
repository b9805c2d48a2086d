package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gateway "github.com/chenpu17/cc-gw-sub003/internal"
)

func testTarget(baseURL string) gateway.RouteTarget {
	return gateway.RouteTarget{
		ProviderID:    "anthropic-main",
		UpstreamModel: "claude-sonnet-4-20250514",
		Provider: gateway.ProviderConfig{
			ID: "anthropic-main", Family: gateway.FamilyAnthropic, BaseURL: baseURL,
		},
	}
}

func TestClientSendAPIKeyHeader(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "sk-ant-test" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != anthropicVersion {
			t.Errorf("anthropic-version = %q", got)
		}
		if !strings.HasSuffix(r.URL.Path, "/messages") {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"type":"message","role":"assistant","content":[{"type":"text","text":"hi"}],"usage":{"input_tokens":3,"output_tokens":5}}`))
	}))
	defer srv.Close()

	c := New("sk-ant-test", "", srv.URL, nil, nil)
	payload := &gateway.NormalizedPayload{
		Endpoint: gateway.EndpointAnthropic, RequestedModel: "claude-sonnet-4-20250514",
		Raw: json.RawMessage(`{"model":"claude-sonnet-4-20250514","max_tokens":1024,"messages":[{"role":"user","content":"hi"}]}`),
	}

	resp, err := c.Send(context.Background(), testTarget(srv.URL), payload)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	msg, usage, err := c.DecodeBuffered(body)
	if err != nil {
		t.Fatalf("DecodeBuffered: %v", err)
	}
	if msg.Text != "hi" {
		t.Errorf("text = %q", msg.Text)
	}
	if usage.InputTokens != 3 || usage.OutputTokens != 5 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestClientSendAuthTokenHeader(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-ant-oauth" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("x-api-key"); got != "" {
			t.Errorf("x-api-key should be empty, got %q", got)
		}
		w.Write([]byte(`{"type":"message","content":[],"usage":{"input_tokens":0,"output_tokens":0}}`))
	}))
	defer srv.Close()

	c := New("sk-ant-oauth", "authToken", srv.URL, nil, nil)
	payload := &gateway.NormalizedPayload{Endpoint: gateway.EndpointAnthropic, Raw: json.RawMessage(`{}`)}
	resp, err := c.Send(context.Background(), testTarget(srv.URL), payload)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	resp.Body.Close()
}

func TestClientSendUpstreamError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad model"}}`))
	}))
	defer srv.Close()

	c := New("sk-ant-test", "", srv.URL, nil, nil)
	payload := &gateway.NormalizedPayload{Endpoint: gateway.EndpointAnthropic, Raw: json.RawMessage(`{}`)}
	resp, err := c.Send(context.Background(), testTarget(srv.URL), payload)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "invalid_request_error") || !strings.Contains(string(body), "bad model") {
		t.Errorf("mapped body = %s", body)
	}
}

type fakeReadCloser struct{ io.Reader }

func (f fakeReadCloser) Close() error { return nil }

func TestDecodeStream(t *testing.T) {
	t.Parallel()

	sse := "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":10}}}\n\n" +
		"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n\n" +
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"hi\"}}\n\n" +
		"event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":0}\n\n" +
		"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":4}}\n\n" +
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"

	c := New("sk-ant-test", "", "", nil, nil)
	ch := make(chan gateway.Event, 16)
	c.DecodeStream(context.Background(), fakeReadCloser{strings.NewReader(sse)}, ch)

	var got []gateway.Event
	for ev := range ch {
		got = append(got, ev)
	}
	if len(got) != 4 {
		t.Fatalf("got %d events, want 4: %+v", len(got), got)
	}
	if got[0].Type != gateway.EventMessageStart {
		t.Errorf("event[0] = %v", got[0].Type)
	}
	if got[1].Type != gateway.EventTextDelta || got[1].Text != "hi" {
		t.Errorf("event[1] = %+v", got[1])
	}
	if got[2].Type != gateway.EventUsage || got[2].Usage.InputTokens != 10 || got[2].Usage.OutputTokens != 4 {
		t.Errorf("event[2] = %+v", got[2])
	}
}

func TestDecodeStreamToolUse(t *testing.T) {
	t.Parallel()

	sse := "data: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":1}}}\n\n" +
		"data: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"tool_use\",\"id\":\"toolu_1\",\"name\":\"lookup\"}}\n\n" +
		"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{}\"}}\n\n" +
		"data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"tool_use\"},\"usage\":{\"output_tokens\":2}}\n\n" +
		"data: {\"type\":\"message_stop\"}\n\n"

	c := New("sk-ant-test", "", "", nil, nil)
	ch := make(chan gateway.Event, 16)
	c.DecodeStream(context.Background(), fakeReadCloser{strings.NewReader(sse)}, ch)

	var got []gateway.Event
	for ev := range ch {
		got = append(got, ev)
	}
	// message_start, tool_call_delta(start), tool_call_delta(args), usage, message_stop
	if len(got) != 5 {
		t.Fatalf("got %d events, want 5: %+v", len(got), got)
	}
	if got[1].ToolCallID != "toolu_1" || got[1].ToolCallName != "lookup" {
		t.Errorf("event[1] = %+v", got[1])
	}
	if got[2].ToolCallID != "toolu_1" || got[2].ToolCallArgsChunk != "{}" {
		t.Errorf("event[2] = %+v", got[2])
	}
	if got[4].StopReason != "tool_calls" {
		t.Errorf("stop reason = %q, want tool_calls", got[4].StopReason)
	}
}
