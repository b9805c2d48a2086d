// Package config owns the gateway's on-disk configuration document: the
// JSON file at ~/.cc-gw/config.json, its validation rules, atomic
// persistence, and a read-copy-update snapshot with synchronous
// change-notification fan-out, exactly as the reference service's config
// loader and the secondary reference repo's atomic file writer do it,
// generalized from YAML to this document's JSON shape.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"

	gateway "github.com/chenpu17/cc-gw-sub003/internal"
)

// EndpointRoute is one caller-facing HTTP path, tagged with the wire
// protocol it speaks.
type EndpointRoute struct {
	Path     string                `json:"path"`
	Protocol gateway.EndpointFamily `json:"protocol"`
}

// Defaults holds the per-endpoint routing tiers consulted when no explicit
// modelRoutes entry resolves the request.
type Defaults struct {
	Completion           string `json:"completion"`
	Reasoning            string `json:"reasoning,omitempty"`
	Background           string `json:"background,omitempty"`
	LongContextThreshold int    `json:"longContextThreshold,omitempty"`
}

// EndpointRouting is the defaults/modelRoutes routing table for one
// endpoint family.
type EndpointRouting struct {
	Defaults    Defaults    `json:"defaults"`
	ModelRoutes ModelRoutes `json:"modelRoutes,omitempty"`
}

// ModelRoutes is the requested-model-id to target-identifier table, keeping
// entries in the order they appeared in the JSON document. The router's
// wildcard tie-break rule is "earlier wins," which only means something if
// the table remembers that order -- a plain Go map does not.
type ModelRoutes []ModelRoute

// ModelRoute is one modelRoutes entry: a requested-model pattern (possibly
// containing `*` wildcards) mapped to a target identifier, either a bare
// model id or `providerId:modelId`.
type ModelRoute struct {
	Pattern string
	Target  string
}

// Get returns the target for an exact pattern match, same as a map lookup.
func (m ModelRoutes) Get(pattern string) (string, bool) {
	for _, r := range m {
		if r.Pattern == pattern {
			return r.Target, true
		}
	}
	return "", false
}

// MarshalJSON renders the table as a plain JSON object, preserving entry
// order the way encoding/json preserves struct field order.
func (m ModelRoutes) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, r := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(r.Pattern)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(r.Target)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a modelRoutes object, recording keys in the order the
// decoder's token stream yields them rather than the order map iteration
// would give -- the only way to reconstruct the source file's insertion
// order.
func (m *ModelRoutes) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("modelRoutes: expected JSON object")
	}
	var out ModelRoutes
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("modelRoutes: non-string key")
		}
		var val string
		if err := dec.Decode(&val); err != nil {
			return err
		}
		out = append(out, ModelRoute{Pattern: key, Target: val})
	}
	*m = out
	return nil
}

// ListenConfig describes one listen address, cleartext or TLS.
type ListenConfig struct {
	Addr     string `json:"addr"`
	TLS      bool   `json:"tls,omitempty"`
	CertFile string `json:"certFile,omitempty"`
	KeyFile  string `json:"keyFile,omitempty"`
}

// AdminAuth configures the management API's session login.
type AdminAuth struct {
	Enabled      bool   `json:"enabled"`
	Username     string `json:"username,omitempty"`
	PasswordHash string `json:"passwordHash,omitempty"`
}

// Document is the full configuration document, the single source of truth
// persisted at ~/.cc-gw/config.json.
type Document struct {
	Listen           []ListenConfig             `json:"listen"`
	Providers        []gateway.ProviderConfig   `json:"providers"`
	EndpointRouting  map[string]EndpointRouting `json:"endpointRouting"`
	Endpoints        []EndpointRoute            `json:"endpoints"`
	AdminAuth        AdminAuth                  `json:"adminAuth"`
	LogLevel         string                     `json:"logLevel"`
	LogRetentionDays int                        `json:"logRetentionDays"`
	PersistPayloads  bool                       `json:"persistPayloads"`
	BodyLimitBytes   int64                      `json:"bodyLimitBytes"`
}

// defaultDocument is written to disk the first time the gateway starts
// with no existing configuration file.
func defaultDocument() *Document {
	return &Document{
		Listen: []ListenConfig{{Addr: ":8089"}},
		Endpoints: []EndpointRoute{
			{Path: "/anthropic/v1/messages", Protocol: gateway.EndpointAnthropic},
			{Path: "/openai/v1/chat/completions", Protocol: gateway.EndpointOpenAIChat},
			{Path: "/openai/v1/responses", Protocol: gateway.EndpointOpenAIResponse},
		},
		EndpointRouting:  map[string]EndpointRouting{},
		LogLevel:         "info",
		LogRetentionDays: 30,
		PersistPayloads:  false,
		BodyLimitBytes:   10 << 20,
	}
}

// errInvalid wraps gateway.ErrConfigInvalid with the offending detail.
func errInvalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", gateway.ErrConfigInvalid, fmt.Sprintf(format, args...))
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(name); ok {
			return []byte(val)
		}
		return match
	})
}

// Validate enforces the invariants in spec §4.1: at least one provider, no
// duplicate provider ids, recognized wire families, well-formed base URLs,
// model ids referenced by routing actually present on some provider, and a
// retention window of at least one day.
func Validate(doc *Document) error {
	if len(doc.Providers) == 0 {
		return errInvalid("at least one provider is required")
	}
	seen := make(map[string]struct{}, len(doc.Providers))
	for _, p := range doc.Providers {
		if p.ID == "" {
			return errInvalid("provider id must not be empty")
		}
		if _, dup := seen[p.ID]; dup {
			return errInvalid("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = struct{}{}

		switch p.Family {
		case gateway.FamilyOpenAI, gateway.FamilyAnthropic, gateway.FamilyDeepSeek,
			gateway.FamilyKimi, gateway.FamilyHuawei, gateway.FamilyCustom:
		default:
			return errInvalid("provider %q: unknown wire family %q", p.ID, p.Family)
		}
		u, err := url.Parse(p.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return errInvalid("provider %q: malformed base URL %q", p.ID, p.BaseURL)
		}
		if p.DefaultModel == "" && len(p.Models) == 0 {
			return errInvalid("provider %q: defaultModel or models is required", p.ID)
		}
	}

	validEndpoints := make(map[string]struct{}, len(doc.Endpoints))
	for _, e := range doc.Endpoints {
		validEndpoints[string(e.Protocol)] = struct{}{}
	}

	for endpoint, routing := range doc.EndpointRouting {
		if _, ok := validEndpoints[endpoint]; !ok {
			return errInvalid("endpointRouting[%q]: no endpoint with that protocol is registered", endpoint)
		}
		for _, r := range routing.ModelRoutes {
			if r.Target == "" {
				return errInvalid("endpoint %q: modelRoutes[%q] has no target", endpoint, r.Pattern)
			}
			if !targetResolvable(doc, r.Target) {
				return errInvalid("endpoint %q: modelRoutes[%q] target %q names no known provider/model", endpoint, r.Pattern, r.Target)
			}
		}
		for name, tier := range map[string]string{
			"defaults.completion": routing.Defaults.Completion,
			"defaults.reasoning":  routing.Defaults.Reasoning,
			"defaults.background": routing.Defaults.Background,
		} {
			if tier == "" {
				continue
			}
			if !targetResolvable(doc, tier) {
				return errInvalid("endpoint %q: %s %q names no known provider/model", endpoint, name, tier)
			}
		}
	}

	if doc.LogRetentionDays < 1 {
		return errInvalid("logRetentionDays must be >= 1, got %d", doc.LogRetentionDays)
	}

	return nil
}

// targetResolvable reports whether identifier -- a modelRoutes target or a
// defaults tier value -- names a provider/model combination the router
// could actually resolve, mirroring resolveIdentifier's own interpretation:
// either `providerId:modelId` (with `providerId:*` a passthrough that never
// needs a model to exist) or a bare model id present on some provider.
func targetResolvable(doc *Document, identifier string) bool {
	if providerID, modelID, ok := strings.Cut(identifier, ":"); ok {
		for _, p := range doc.Providers {
			if p.ID == providerID {
				return modelID == "*" || modelID == "" || p.HasModel(modelID)
			}
		}
		return false
	}
	for _, p := range doc.Providers {
		if p.HasModel(identifier) {
			return true
		}
	}
	return false
}

// Listener is invoked with the newly-installed snapshot after every
// successful Update. Panics inside a listener are recovered and logged by
// the caller (Store.notify), never propagated back to the updater.
type Listener func(*Document)

// Store owns config.json: load-on-boot, atomic get/update, and synchronous
// change-notification fan-out to registered listeners.
type Store struct {
	path string

	mu  sync.RWMutex
	doc *Document

	lmu       sync.Mutex
	listeners []Listener
}

// Open loads the configuration document at path, creating it with default
// values if it does not yet exist.
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("config: read %s: %w", s.path, err)
		}
		doc := defaultDocument()
		if err := s.persist(doc); err != nil {
			return err
		}
		s.mu.Lock()
		s.doc = doc
		s.mu.Unlock()
		return nil
	}

	raw = expandEnv(raw)
	doc := defaultDocument()
	if err := json.Unmarshal(raw, doc); err != nil {
		return fmt.Errorf("config: parse %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	return nil
}

// Get returns the current configuration snapshot. The returned pointer is
// never mutated in place; callers may hold it for the lifetime of a
// request without additional synchronization.
func (s *Store) Get() *Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc
}

// Update validates patch, persists it to disk, installs it as the new
// snapshot, and fans the change out to every registered listener. On
// validation or persistence failure the in-memory snapshot is left
// untouched.
func (s *Store) Update(patch *Document) error {
	if err := Validate(patch); err != nil {
		return err
	}
	if err := s.persist(patch); err != nil {
		return fmt.Errorf("config: persist: %w", err)
	}
	s.mu.Lock()
	s.doc = patch
	s.mu.Unlock()
	s.notify(patch)
	return nil
}

// OnChange registers a listener invoked synchronously after every
// successful Update. Listener panics are recovered and logged, never
// propagated to the caller of Update.
func (s *Store) OnChange(l Listener) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Store) notify(doc *Document) {
	s.lmu.Lock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.lmu.Unlock()

	for _, l := range listeners {
		safeNotify(l, doc)
	}
}

func safeNotify(l Listener, doc *Document) {
	defer func() {
		if r := recover(); r != nil {
			logListenerPanic(r)
		}
	}()
	l(doc)
}
