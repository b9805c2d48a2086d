package provider

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	gateway "github.com/chenpu17/cc-gw-sub003/internal"
)

// fakeConnector is a minimal gateway.Connector for registry tests.
type fakeConnector struct {
	family gateway.ProviderFamily
}

func (f *fakeConnector) Send(_ context.Context, _ gateway.RouteTarget, _ *gateway.NormalizedPayload) (*gateway.UpstreamResponse, error) {
	return nil, nil
}
func (f *fakeConnector) DecodeStream(_ context.Context, _ gateway.ReadCloser, ch chan<- gateway.Event) {
	close(ch)
}
func (f *fakeConnector) DecodeBuffered(_ []byte) (gateway.NormalizedMessage, gateway.Usage, error) {
	return gateway.NormalizedMessage{}, gateway.Usage{}, nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	c := &fakeConnector{family: gateway.FamilyOpenAI}
	reg.Register("openai-us", c)

	got, err := reg.Get("openai-us")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("expected non-nil connector")
	}

	_, err = reg.Get("nonexistent")
	if err == nil {
		t.Fatal("expected error for nonexistent provider")
	}
}

func TestRegistryList(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.Register("beta", &fakeConnector{family: gateway.FamilyOpenAI})
	reg.Register("alpha", &fakeConnector{family: gateway.FamilyAnthropic})
	reg.Register("gamma", &fakeConnector{family: gateway.FamilyCustom})

	names := reg.List()
	if len(names) != 3 {
		t.Fatalf("got %d names, want 3", len(names))
	}
	if names[0] != "alpha" || names[1] != "beta" || names[2] != "gamma" {
		t.Errorf("names = %v, want [alpha beta gamma]", names)
	}
}

func TestRegistryOverwrite(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.Register("p1", &fakeConnector{family: gateway.FamilyOpenAI})
	reg.Register("p1", &fakeConnector{family: gateway.FamilyAnthropic})

	got, err := reg.Get("p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.(*fakeConnector).family != gateway.FamilyAnthropic {
		t.Errorf("family = %v, want anthropic (overwritten)", got.(*fakeConnector).family)
	}
	if len(reg.List()) != 1 {
		t.Errorf("list len = %d, want 1", len(reg.List()))
	}
}

func TestAPIError(t *testing.T) {
	t.Parallel()

	err := &APIError{Provider: "openai", StatusCode: 429, Body: "rate limited"}
	if !strings.Contains(err.Error(), "openai") {
		t.Errorf("Error() = %q, want to contain provider", err.Error())
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("Error() = %q, want to contain status", err.Error())
	}
	if !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("Error() = %q, want to contain body", err.Error())
	}
	if err.HTTPStatus() != http.StatusTooManyRequests {
		t.Errorf("HTTPStatus() = %d, want %d", err.HTTPStatus(), http.StatusTooManyRequests)
	}
}

func TestParseAPIError(t *testing.T) {
	t.Parallel()

	body := `{"error":{"message":"model not found"}}`
	resp := &http.Response{
		StatusCode: http.StatusNotFound,
		Body:       io.NopCloser(strings.NewReader(body)),
	}

	err := ParseAPIError("gemini", resp)
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.HTTPStatus() != 404 {
		t.Errorf("HTTPStatus() = %d, want 404", apiErr.HTTPStatus())
	}
	if !strings.Contains(apiErr.Error(), "model not found") {
		t.Errorf("Error() = %q, want body content", apiErr.Error())
	}
}
