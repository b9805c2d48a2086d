// Package app holds the gateway's request-scoped orchestration: resolving a
// caller's model id to exactly one upstream target.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/chenpu17/cc-gw-sub003/internal"
	"github.com/chenpu17/cc-gw-sub003/internal/config"
	"github.com/chenpu17/cc-gw-sub003/internal/tokencount"
)

// routeCacheTTL bounds how long a resolved target is reused for an identical
// (endpoint, requested model) pair before the resolution order runs again.
// Short enough that a config edit (new provider, edited modelRoutes) takes
// effect within one cache generation, long enough to spare the resolution
// walk on a hot path.
const routeCacheTTL = 10 * time.Second

// marketingAliases maps a caller-facing marketing model id to the dated
// Anthropic id the static alias step retries resolution with. Entries are
// added as Anthropic rotates its "latest" pointers; an unresolved alias
// simply falls through to the remaining resolution steps.
var marketingAliases = map[string]string{
	"claude-3-5-sonnet-latest": "claude-3-5-sonnet-20241022",
	"claude-3-5-haiku-latest":  "claude-3-5-haiku-20241022",
	"claude-3-opus-latest":     "claude-3-opus-20240229",
	"claude-opus-4-latest":     "claude-opus-4-20250514",
	"claude-sonnet-4-latest":   "claude-sonnet-4-20250514",
}

// Router resolves a caller's (endpoint, requested model) pair to exactly one
// RouteTarget, following the spec's 8-step deterministic order. It never
// returns more than one target: automatic client-side failover across
// targets is explicitly out of scope, unlike a priority-list router.
type Router struct {
	cfg     *config.Store
	counter *tokencount.Counter
	cache   *otter.Cache[string, gateway.RouteTarget]
}

// NewRouter builds a Router reading live routing state from cfg.
func NewRouter(cfg *config.Store) *Router {
	return &Router{
		cfg:     cfg,
		counter: tokencount.NewCounter(),
		cache: otter.Must(&otter.Options[string, gateway.RouteTarget]{
			MaximumSize:      256,
			ExpiryCalculator: otter.ExpiryWriting[string, gateway.RouteTarget](routeCacheTTL),
		}),
	}
}

// Resolve picks the single upstream target for a normalized payload arriving
// on endpoint ef. The cache key folds in the payload's thinking flag and a
// coarse token-estimate bucket, since either can change which tier a
// default-routed request lands in even for the same requested model.
func (r *Router) Resolve(ctx context.Context, ef gateway.EndpointFamily, p *gateway.NormalizedPayload) (gateway.RouteTarget, error) {
	estimate := r.counter.EstimateRequest(p.RequestedModel, p.Messages)
	key := cacheKey(ef, p.RequestedModel, p.Thinking, estimate)

	if target, ok := r.cache.GetIfPresent(key); ok {
		target.TokenEstimate = estimate
		return target, nil
	}

	doc := r.cfg.Get()
	target, err := resolve(doc, ef, p.RequestedModel, p.Thinking, estimate)
	if err != nil {
		return gateway.RouteTarget{}, err
	}
	r.cache.Set(key, target)
	return target, nil
}

func cacheKey(ef gateway.EndpointFamily, model string, thinking bool, estimate int) string {
	bucket := estimate / 1000
	return fmt.Sprintf("%s\x00%s\x00%t\x00%d", ef, model, thinking, bucket)
}

// resolve runs the 8-step order against a single configuration snapshot.
func resolve(doc *config.Document, ef gateway.EndpointFamily, requested string, thinking bool, estimate int) (gateway.RouteTarget, error) {
	routing := doc.EndpointRouting[string(ef)]

	if target, ok := lookupRoutes(doc, routing.ModelRoutes, requested, estimate); ok {
		return target, nil
	}

	if alias, ok := marketingAliases[requested]; ok {
		if target, ok := lookupRoutes(doc, routing.ModelRoutes, alias, estimate); ok {
			return target, nil
		}
		if target, ok := directProviderMatch(doc, alias, estimate); ok {
			return target, nil
		}
	}

	if target, ok := directProviderMatch(doc, requested, estimate); ok {
		return target, nil
	}

	if thinking && routing.Defaults.Reasoning != "" {
		if target, ok := resolveIdentifier(doc, routing.Defaults.Reasoning, requested, estimate); ok {
			return target, nil
		}
	}

	threshold := routing.Defaults.LongContextThreshold
	if threshold == 0 {
		threshold = 60000
	}
	if estimate > threshold && routing.Defaults.Background != "" {
		if target, ok := resolveIdentifier(doc, routing.Defaults.Background, requested, estimate); ok {
			return target, nil
		}
	}

	if routing.Defaults.Completion != "" {
		if target, ok := resolveIdentifier(doc, routing.Defaults.Completion, requested, estimate); ok {
			return target, nil
		}
	}

	for _, p := range doc.Providers {
		if p.DefaultModel != "" {
			return gateway.RouteTarget{ProviderID: p.ID, UpstreamModel: p.DefaultModel, Provider: p, TokenEstimate: estimate}, nil
		}
	}

	return gateway.RouteTarget{}, fmt.Errorf("%w: requested model %q", gateway.ErrRouteUnresolved, requested)
}

// lookupRoutes performs steps 1-2: an exact modelRoutes key, then the
// highest-specificity matching wildcard pattern with "earlier wins" ties.
func lookupRoutes(doc *config.Document, routes config.ModelRoutes, requested string, estimate int) (gateway.RouteTarget, bool) {
	if target, ok := routes.Get(requested); ok {
		return resolveIdentifier(doc, target, requested, estimate)
	}

	bestSpecificity := -1
	bestTarget := ""
	for _, route := range routes {
		if !strings.Contains(route.Pattern, "*") {
			continue
		}
		if !wildcardMatch(route.Pattern, requested) {
			continue
		}
		specificity := len(strings.ReplaceAll(route.Pattern, "*", ""))
		if specificity > bestSpecificity {
			bestSpecificity = specificity
			bestTarget = route.Target
		}
	}
	if bestTarget == "" {
		return gateway.RouteTarget{}, false
	}
	return resolveIdentifier(doc, bestTarget, requested, estimate)
}

// wildcardMatch reports whether pattern matches s, where each `*` in pattern
// matches any substring (including the empty string).
func wildcardMatch(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(s, parts[i])
		if idx < 0 {
			return false
		}
		s = s[idx+len(parts[i]):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}

// directProviderMatch is step 4: the requested id resolves directly against
// some provider's defaultModel or models list.
func directProviderMatch(doc *config.Document, requested string, estimate int) (gateway.RouteTarget, bool) {
	for _, p := range doc.Providers {
		if p.HasModel(requested) {
			return gateway.RouteTarget{ProviderID: p.ID, UpstreamModel: requested, Provider: p, TokenEstimate: estimate}, true
		}
	}
	return gateway.RouteTarget{}, false
}

// resolveIdentifier interprets a routing target or default-tier value,
// either `providerId:modelId` (with `providerId:*` passing requestedModel
// straight through to that provider) or a bare model id searched across
// providers.
func resolveIdentifier(doc *config.Document, identifier, requestedModel string, estimate int) (gateway.RouteTarget, bool) {
	if providerID, modelID, ok := strings.Cut(identifier, ":"); ok {
		for _, p := range doc.Providers {
			if p.ID != providerID {
				continue
			}
			if modelID == "*" {
				modelID = requestedModel
			}
			return gateway.RouteTarget{ProviderID: p.ID, UpstreamModel: modelID, Provider: p, TokenEstimate: estimate}, true
		}
		return gateway.RouteTarget{}, false
	}
	return directProviderMatch(doc, identifier, estimate)
}
