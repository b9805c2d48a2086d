// Package openai implements the gateway.Connector for every OpenAI-wire
// provider family: openai itself, plus the OpenAI-compatible deepseek,
// kimi, huawei, and custom families, which differ only by base URL,
// credential, and extra headers.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/dnscache"

	gateway "github.com/chenpu17/cc-gw-sub003/internal"
	"github.com/chenpu17/cc-gw-sub003/internal/normalizer"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Client dispatches requests to one OpenAI-wire upstream instance. One
// Client is created per configured provider, not per family, so distinct
// deepseek/kimi/custom instances each get their own tuned transport.
type Client struct {
	providerID string
	apiKey     string
	baseURL    string
	headers    map[string]string
	http       *http.Client
}

// New creates a Client for providerID, talking to baseURL (defaulting to
// the OpenAI API when empty) with apiKey as the bearer credential. If
// resolver is non-nil, outbound dials reuse its cached DNS lookups.
func New(providerID, apiKey, baseURL string, headers map[string]string, resolver *dnscache.Resolver) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}

	return &Client{
		providerID: providerID,
		apiKey:     apiKey,
		baseURL:    baseURL,
		headers:    headers,
		http:       &http.Client{Transport: t},
	}
}

var _ gateway.Connector = (*Client)(nil)

// Send builds the upstream request body via the Protocol Normalizer and
// issues exactly one HTTP call. On a non-2xx upstream status the body is
// rewritten into the gateway's uniform error envelope but still returned as
// a successful *gateway.UpstreamResponse -- only transport failures surface
// as a Go error, per the Connector contract of never retrying internally.
func (c *Client) Send(ctx context.Context, target gateway.RouteTarget, payload *gateway.NormalizedPayload) (*gateway.UpstreamResponse, error) {
	body, wire, err := normalizer.EncodeRequest(payload, target)
	if err != nil {
		return nil, fmt.Errorf("openai: encode request: %w", err)
	}

	url := c.baseURL + "/chat/completions"
	if wire == normalizer.WireOpenAIResponses {
		url = c.baseURL + "/responses"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: do request: %w", err)
	}

	if resp.StatusCode >= 400 {
		mapped := mapErrorBody(c.providerID, resp)
		resp.Body.Close()
		return &gateway.UpstreamResponse{
			StatusCode: resp.StatusCode,
			Stream:     false,
			Body:       newErrBody(mapped),
		}, nil
	}

	return &gateway.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Stream:     payload.Stream,
		Body:       resp.Body,
	}, nil
}

// setHeaders applies bearer auth, content type, and any provider-specific
// extra headers configured for this instance (e.g. a Huawei project id).
func (c *Client) setHeaders(r *http.Request) {
	r.Header.Set("Authorization", "Bearer "+c.apiKey)
	r.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		r.Header.Set(k, v)
	}
}
