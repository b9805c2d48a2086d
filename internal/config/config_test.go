package config

import (
	"os"
	"path/filepath"
	"testing"

	gateway "github.com/chenpu17/cc-gw-sub003/internal"
)

func validDoc() *Document {
	return &Document{
		Listen: []ListenConfig{{Addr: ":8089"}},
		Providers: []gateway.ProviderConfig{
			{ID: "openai", Family: gateway.FamilyOpenAI, BaseURL: "https://api.openai.com", DefaultModel: "gpt-4o"},
		},
		EndpointRouting:  map[string]EndpointRouting{},
		LogRetentionDays: 30,
	}
}

func TestOpenCreatesDefaultDocument(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config.json to be written: %v", err)
	}
	if s.Get().LogRetentionDays != 30 {
		t.Errorf("LogRetentionDays = %d, want 30", s.Get().LogRetentionDays)
	}
}

func TestOpenLoadsExisting(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Update(validDoc()); err != nil {
		t.Fatalf("Update: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	if len(s2.Get().Providers) != 1 {
		t.Fatalf("providers = %d, want 1", len(s2.Get().Providers))
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("CC_GW_TEST_VAR", "sk-secret-123")
	result := expandEnv([]byte(`{"credential":"${CC_GW_TEST_VAR}"}`))
	want := `{"credential":"sk-secret-123"}`
	if string(result) != want {
		t.Errorf("expandEnv = %q, want %q", result, want)
	}
}

func TestValidateRejectsNoProviders(t *testing.T) {
	t.Parallel()
	doc := validDoc()
	doc.Providers = nil
	if err := Validate(doc); err == nil {
		t.Fatal("expected error for empty providers")
	}
}

func TestValidateRejectsDuplicateProviderID(t *testing.T) {
	t.Parallel()
	doc := validDoc()
	doc.Providers = append(doc.Providers, doc.Providers[0])
	if err := Validate(doc); err == nil {
		t.Fatal("expected error for duplicate provider id")
	}
}

func TestValidateRejectsUnknownFamily(t *testing.T) {
	t.Parallel()
	doc := validDoc()
	doc.Providers[0].Family = "bogus"
	if err := Validate(doc); err == nil {
		t.Fatal("expected error for unknown wire family")
	}
}

func TestValidateRejectsMalformedURL(t *testing.T) {
	t.Parallel()
	doc := validDoc()
	doc.Providers[0].BaseURL = "not a url"
	if err := Validate(doc); err == nil {
		t.Fatal("expected error for malformed base URL")
	}
}

func TestValidateRejectsMissingModel(t *testing.T) {
	t.Parallel()
	doc := validDoc()
	doc.Providers[0].DefaultModel = ""
	doc.Providers[0].Models = nil
	if err := Validate(doc); err == nil {
		t.Fatal("expected error for missing default model / models")
	}
}

func TestValidateRejectsUnknownEndpointRoutingKey(t *testing.T) {
	t.Parallel()
	doc := validDoc()
	doc.EndpointRouting["bogus-protocol"] = EndpointRouting{Defaults: Defaults{Completion: "openai:gpt-4o"}}
	if err := Validate(doc); err == nil {
		t.Fatal("expected error for endpointRouting key with no registered endpoint")
	}
}

func TestValidateRejectsUnresolvableModelRouteTarget(t *testing.T) {
	t.Parallel()
	doc := validDoc()
	doc.Endpoints = []EndpointRoute{{Path: "/anthropic/v1/messages", Protocol: gateway.EndpointAnthropic}}
	doc.EndpointRouting[string(gateway.EndpointAnthropic)] = EndpointRouting{
		ModelRoutes: ModelRoutes{{Pattern: "claude-*", Target: "openai:nonexistent-model"}},
	}
	if err := Validate(doc); err == nil {
		t.Fatal("expected error for modelRoutes target naming an unknown model")
	}
}

func TestValidateAcceptsWildcardPassthroughTarget(t *testing.T) {
	t.Parallel()
	doc := validDoc()
	doc.Endpoints = []EndpointRoute{{Path: "/anthropic/v1/messages", Protocol: gateway.EndpointAnthropic}}
	doc.EndpointRouting[string(gateway.EndpointAnthropic)] = EndpointRouting{
		ModelRoutes: ModelRoutes{{Pattern: "claude-*", Target: "openai:*"}},
	}
	if err := Validate(doc); err != nil {
		t.Fatalf("unexpected error for providerId:* passthrough target: %v", err)
	}
}

func TestValidateRejectsUnresolvableDefaultsTier(t *testing.T) {
	t.Parallel()
	doc := validDoc()
	doc.Endpoints = []EndpointRoute{{Path: "/anthropic/v1/messages", Protocol: gateway.EndpointAnthropic}}
	doc.EndpointRouting[string(gateway.EndpointAnthropic)] = EndpointRouting{
		Defaults: Defaults{Reasoning: "no-such-provider:model"},
	}
	if err := Validate(doc); err == nil {
		t.Fatal("expected error for defaults.reasoning naming an unknown provider")
	}
}

func TestValidateRejectsLowRetention(t *testing.T) {
	t.Parallel()
	doc := validDoc()
	doc.LogRetentionDays = 0
	if err := Validate(doc); err == nil {
		t.Fatal("expected error for retention days < 1")
	}
}

func TestUpdateRejectsInvalidPatch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	before := s.Get()

	bad := validDoc()
	bad.Providers = nil
	if err := s.Update(bad); err == nil {
		t.Fatal("expected ConfigInvalid error")
	}
	if s.Get() != before {
		t.Error("snapshot must not advance on invalid update")
	}
}

func TestOnChangeFanOut(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var calls int
	s.OnChange(func(*Document) { calls++ })
	s.OnChange(func(*Document) { panic("listener boom") }) // must not propagate
	s.OnChange(func(*Document) { calls++ })

	if err := s.Update(validDoc()); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}
