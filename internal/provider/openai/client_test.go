package openai

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
		ProviderID:    "openai-main",
		UpstreamModel: "gpt-4o",
		Provider: gateway.ProviderConfig{
			ID: "openai-main", Family: gateway.FamilyOpenAI, BaseURL: baseURL,
		},
	}
}

func TestClientSendNonStream(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hi"}}],"usage":{"prompt_tokens":1,"completion_tokens":2}}`))
	}))
	defer srv.Close()

	c := New("openai-main", "sk-test", srv.URL, nil, nil)
	payload := &gateway.NormalizedPayload{
		Endpoint: gateway.EndpointOpenAIChat, RequestedModel: "gpt-4o",
		Messages: []gateway.NormalizedMessage{{Role: gateway.RoleUser, Text: "hi"}},
		Raw:      json.RawMessage(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`),
	}

	resp, err := c.Send(context.Background(), testTarget(srv.URL), payload)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	msg, usage, err := c.DecodeBuffered(body)
	if err != nil {
		t.Fatalf("DecodeBuffered: %v", err)
	}
	if msg.Text != "hi" {
		t.Errorf("text = %q", msg.Text)
	}
	if usage.InputTokens != 1 || usage.OutputTokens != 2 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestClientSendUpstreamError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"code":"rate_limit_exceeded","message":"slow down"}}`))
	}))
	defer srv.Close()

	c := New("openai-main", "sk-test", srv.URL, nil, nil)
	payload := &gateway.NormalizedPayload{
		Endpoint: gateway.EndpointOpenAIChat, RequestedModel: "gpt-4o",
		Raw: json.RawMessage(`{"model":"gpt-4o","messages":[]}`),
	}

	resp, err := c.Send(context.Background(), testTarget(srv.URL), payload)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "rate_limit_error") {
		t.Errorf("mapped body = %s, want normalized code", body)
	}
}

type fakeReadCloser struct{ io.Reader }

func (f fakeReadCloser) Close() error { return nil }

func TestDecodeStreamChat(t *testing.T) {
	t.Parallel()

	sse := "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"},\"finish_reason\":null}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"hel\"},\"finish_reason\":null}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n" +
		"data: [DONE]\n\n"

	c := New("openai-main", "sk-test", "", nil, nil)
	ch := make(chan gateway.Event, 16)
	c.DecodeStream(context.Background(), fakeReadCloser{strings.NewReader(sse)}, ch)

	var got []gateway.Event
	for ev := range ch {
		got = append(got, ev)
	}
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(got), got)
	}
	if got[0].Type != gateway.EventMessageStart {
		t.Errorf("event[0] = %v", got[0].Type)
	}
	if got[1].Type != gateway.EventTextDelta || got[1].Text != "hel" {
		t.Errorf("event[1] = %+v", got[1])
	}
	if got[2].Type != gateway.EventMessageStop || got[2].StopReason != "stop" {
		t.Errorf("event[2] = %+v", got[2])
	}
}

func TestDecodeStreamToolCalls(t *testing.T) {
	t.Parallel()

	sse := "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"call_1\",\"function\":{\"name\":\"lookup\",\"arguments\":\"\"}}]}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"{\\\"q\\\":1}\"}}]}}]}\n\n" +
		"data: [DONE]\n\n"

	c := New("openai-main", "sk-test", "", nil, nil)
	ch := make(chan gateway.Event, 16)
	c.DecodeStream(context.Background(), fakeReadCloser{strings.NewReader(sse)}, ch)

	var got []gateway.Event
	for ev := range ch {
		got = append(got, ev)
	}
	if len(got) != 4 {
		t.Fatalf("got %d events, want 4: %+v", len(got), got)
	}
	if got[1].ToolCallID != "call_1" || got[1].ToolCallName != "lookup" {
		t.Errorf("event[1] = %+v", got[1])
	}
	if got[2].ToolCallID != "call_1" || got[2].ToolCallArgsChunk != `{"q":1}` {
		t.Errorf("event[2] = %+v", got[2])
	}
}
