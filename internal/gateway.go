// Package gateway holds the domain types shared across every package of the
// multi-model LLM gateway: the normalized request/response shapes, provider
// and connector contracts, routing and API-key records, and the context
// helpers used to carry a request's identity and id through the handler
// chain without an extra allocation per request.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Role identifies the speaker of a normalized message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// EndpointFamily identifies the wire protocol a caller used to reach the
// gateway.
type EndpointFamily string

const (
	EndpointAnthropic      EndpointFamily = "anthropic"
	EndpointOpenAIChat     EndpointFamily = "openai-chat"
	EndpointOpenAIResponse EndpointFamily = "openai-responses"
)

// ProviderFamily identifies the wire protocol of an upstream provider.
type ProviderFamily string

const (
	FamilyOpenAI    ProviderFamily = "openai"
	FamilyAnthropic ProviderFamily = "anthropic"
	FamilyDeepSeek  ProviderFamily = "deepseek"
	FamilyKimi      ProviderFamily = "kimi"
	FamilyHuawei    ProviderFamily = "huawei"
	FamilyCustom    ProviderFamily = "custom"
)

// IsOpenAIWire reports whether a provider family speaks the OpenAI
// chat/completions wire format. DeepSeek, Kimi, and Huawei are
// OpenAI-compatible at this level and share one connector implementation.
func (f ProviderFamily) IsOpenAIWire() bool {
	switch f {
	case FamilyOpenAI, FamilyDeepSeek, FamilyKimi, FamilyHuawei, FamilyCustom:
		return true
	default:
		return false
	}
}

// ToolCall is an assistant-issued function/tool invocation. Arguments is
// kept as opaque JSON: per design note, partial tool-call arguments arrive
// as unparseable fragments while streaming and must never be parsed until
// the full value is reassembled.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult is the tool-side answer to a prior ToolCall.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// NormalizedMessage is one turn in a NormalizedPayload.
type NormalizedMessage struct {
	Role        Role         `json:"role"`
	Text        string       `json:"text,omitempty"`
	Thinking    bool         `json:"thinking,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolSchema describes a tool the caller made available to the model.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// SamplingParams carries the caller's generation controls. Pointer fields
// distinguish "not set" from the zero value so encoders only emit what the
// caller actually asked for.
type SamplingParams struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// NormalizedPayload is the protocol-independent request shape produced by
// the Protocol Normalizer's decoders and consumed by its encoders.
type NormalizedPayload struct {
	Endpoint       EndpointFamily      `json:"endpoint"`
	RequestedModel string              `json:"requested_model"`
	Messages       []NormalizedMessage `json:"messages"`
	Tools          []ToolSchema        `json:"tools,omitempty"`
	Sampling       SamplingParams      `json:"sampling"`
	Stream         bool                `json:"stream"`
	Thinking       bool                `json:"thinking,omitempty"`

	// Raw is the original undecoded request document. It is preserved so
	// the fast path (caller protocol == upstream family) can forward the
	// document verbatim with only model-id and stream-flag substitution.
	Raw json.RawMessage `json:"-"`
}

// TextLength returns the summed UTF-8 byte length of all message text and
// tool-call/tool-result content.
func (p *NormalizedPayload) TextLength() int {
	n := 0
	for _, m := range p.Messages {
		n += len(m.Text)
		for _, tc := range m.ToolCalls {
			n += len(tc.Arguments)
		}
		for _, tr := range m.ToolResults {
			n += len(tr.Content)
		}
	}
	return n
}

// ProviderConfig describes one recognized upstream in the configuration
// document.
type ProviderConfig struct {
	ID             string            `json:"id"`
	Label          string            `json:"label"`
	Family         ProviderFamily    `json:"family"`
	BaseURL        string            `json:"baseUrl"`
	Credential     string            `json:"credential"`
	CredentialMode string            `json:"credentialMode,omitempty"` // "apiKey" | "authToken" (anthropic only)
	Headers        map[string]string `json:"headers,omitempty"`
	DefaultModel   string            `json:"defaultModel,omitempty"`
	Models         []string          `json:"models,omitempty"`
	TimeoutMs      int               `json:"timeoutMs,omitempty"`

	// NoToolSupport marks a provider whose upstream rejects or ignores
	// function-calling, so the Protocol Normalizer flattens tool-calls,
	// tool-results, and tool schemas into inline text (spec's strip
	// helpers) instead of passing them through natively. Zero value is
	// "supports tools," matching every OpenAI-wire and Anthropic-wire
	// upstream this gateway ships routes for out of the box.
	NoToolSupport bool `json:"noToolSupport,omitempty"`
}

// HasModel reports whether id is this provider's default model or appears
// in its model list.
func (p ProviderConfig) HasModel(id string) bool {
	if p.DefaultModel == id {
		return true
	}
	for _, m := range p.Models {
		if m == id {
			return true
		}
	}
	return false
}

// RouteTarget is the router's resolution of a single model call: exactly
// one provider, one upstream model id, and a token estimate. The router
// never returns more than one target -- automatic failover across targets
// is explicitly out of scope.
type RouteTarget struct {
	ProviderID    string
	UpstreamModel string
	Provider      ProviderConfig
	TokenEstimate int
}

// Usage carries token accounting, populated from upstream-reported counts
// when available and from the heuristic estimator otherwise.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	CachedTokens int `json:"cached_tokens,omitempty"`
}

// UpstreamResponse is what a Connector hands back to the Streaming Relay:
// either a fully-buffered body (Stream=false) or a live reader the relay
// pumps event-by-event (Stream=true). Body is always non-nil and must be
// closed by the caller.
type UpstreamResponse struct {
	StatusCode int
	Stream     bool
	Body       ReadCloser
}

// ReadCloser avoids importing io in this file's public surface while still
// matching io.ReadCloser's method set exactly, so any io.ReadCloser value
// satisfies it without adapters.
type ReadCloser interface {
	Read(p []byte) (n int, err error)
	Close() error
}

// APIKeyPrefix is prepended to every minted gateway secret.
const APIKeyPrefix = "sk-gw-"

// WildcardKeyHash is the literal hash value of the "Any Key" row that
// admits any bearer secret when no named key matches it.
const WildcardKeyHash = "*"

// HashKey returns the hex-encoded SHA-256 digest of a bearer secret. Only
// the hash is ever persisted; the plaintext is returned to the caller once,
// at creation time, and never again.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// APIKey is a gateway credential record. SecretEnc is the vault-encrypted
// ciphertext of the plaintext secret, kept only so the management UI can
// show a masked value; it is never decrypted for authentication, which
// always compares hashes.
type APIKey struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Description      string     `json:"description,omitempty"`
	KeyHash          string     `json:"-"`
	SecretEnc        string     `json:"-"`
	Prefix           string     `json:"prefix"`
	Suffix           string     `json:"suffix"`
	Wildcard         bool       `json:"wildcard"`
	Enabled          bool       `json:"enabled"`
	AllowedEndpoints []string   `json:"allowedEndpoints,omitempty"`
	RequestCount     int64      `json:"requestCount"`
	CreatedAt        time.Time  `json:"createdAt"`
	LastUsedAt       *time.Time `json:"lastUsedAt,omitempty"`
}

// AllowsEndpoint reports whether this key may be used against endpoint
// family ef. An empty AllowedEndpoints set means "all endpoints".
func (k *APIKey) AllowsEndpoint(ef EndpointFamily) bool {
	if len(k.AllowedEndpoints) == 0 {
		return true
	}
	for _, e := range k.AllowedEndpoints {
		if e == string(ef) {
			return true
		}
	}
	return false
}

// Masked returns a display-safe view: "sk-gw-ab••••yz" style prefix/suffix,
// never the hash or ciphertext.
func (k *APIKey) Masked() string {
	return k.Prefix + "••••" + k.Suffix
}

// RequestLog is one row of the request_logs table.
type RequestLog struct {
	ID            string
	RequestID     string
	TimestampMs   int64
	Endpoint      EndpointFamily
	ProviderID    string
	UpstreamModel string
	ClientModel   string
	Stream        bool
	LatencyMs     int64
	HTTPStatus    int
	InputTokens   int
	OutputTokens  int
	CachedTokens  int
	TTFTMs        int64
	TPOTMs        float64
	ErrorMessage  string
	APIKeyID      string
	APIKeyName    string
	APIKeyMasked  string

	// CompressedPrompt and CompressedResponse, when non-nil, carry a
	// brotli-compressed request_payloads row that must be written only
	// after this row's own insert commits -- see UsageRecorder.flush.
	// Never populated from storage reads; request-path-only.
	CompressedPrompt   []byte
	CompressedResponse []byte
}

// RequestPayload is the 1:1 cascade-deleted companion row holding
// brotli-compressed prompt/response bodies for a RequestLog.
type RequestPayload struct {
	LogID              string
	CompressedPrompt   []byte
	CompressedResponse []byte
}

// DailyMetric is one (date, endpoint) aggregate row.
type DailyMetric struct {
	Date         string
	Endpoint     EndpointFamily
	RequestCount int64
	InputTokens  int64
	OutputTokens int64
	CachedTokens int64
	LatencySumMs int64
}

// GatewayEvent is a structured audit/log entry surfaced at GET /api/events.
type GatewayEvent struct {
	ID          int64
	TimestampMs int64
	Level       string
	Type        string
	Source      string
	Title       string
	Message     string
	APIKeyID    string
	Endpoint    string
	UserAgent   string
	Detail      map[string]any
}

// AdminSession is a cookie-backed management-API session.
type AdminSession struct {
	Token     string
	Username  string
	ExpiresAt time.Time
}

// --- context helpers ---

// requestMeta bundles everything carried on a request's context into one
// struct, so adding request-scoped fields costs one allocation instead of
// one context.WithValue wrapper per field.
type requestMeta struct {
	RequestID string
	APIKey    *APIKey
}

type requestMetaKey struct{}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(requestMetaKey{}).(*requestMeta)
	return m
}

// ContextWithRequestID attaches a request id, creating the shared meta
// struct if this is the first value stored on ctx.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.RequestID = id
		return ctx
	}
	return context.WithValue(ctx, requestMetaKey{}, &requestMeta{RequestID: id})
}

// RequestIDFromContext returns the request id stored on ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithAPIKey attaches the authenticated key record. When a
// requestMeta already exists (set by the request-id middleware that always
// runs first) this mutates it in place and returns ctx unchanged, so the
// caller can skip a Request.WithContext copy.
func ContextWithAPIKey(ctx context.Context, key *APIKey) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.APIKey = key
		return ctx
	}
	return context.WithValue(ctx, requestMetaKey{}, &requestMeta{APIKey: key})
}

// APIKeyFromContext returns the authenticated key record, or nil.
func APIKeyFromContext(ctx context.Context) *APIKey {
	if m := metaFromContext(ctx); m != nil {
		return m.APIKey
	}
	return nil
}
