// Package anthropic implements the gateway.Connector for Anthropic-native
// upstream providers, speaking the Messages API directly.
package anthropic

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

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

// Client dispatches requests to one Anthropic-wire upstream instance.
type Client struct {
	apiKey         string
	credentialMode string // "apiKey" (default) or "authToken"
	baseURL        string
	headers        map[string]string
	http           *http.Client
}

// New creates a Client talking to baseURL (defaulting to the Anthropic API
// when empty). credentialMode selects the auth header: "authToken" sends
// Authorization: Bearer, anything else (including "") sends x-api-key.
func New(apiKey, credentialMode, baseURL string, headers map[string]string, resolver *dnscache.Resolver) *Client {
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
		apiKey:         apiKey,
		credentialMode: credentialMode,
		baseURL:        baseURL,
		headers:        headers,
		http:           &http.Client{Transport: t},
	}
}

var _ gateway.Connector = (*Client)(nil)

// Send builds the upstream Messages API body via the Protocol Normalizer
// and issues exactly one HTTP call.
func (c *Client) Send(ctx context.Context, target gateway.RouteTarget, payload *gateway.NormalizedPayload) (*gateway.UpstreamResponse, error) {
	body, _, err := normalizer.EncodeRequest(payload, target)
	if err != nil {
		return nil, fmt.Errorf("anthropic: encode request: %w", err)
	}

	url := c.baseURL
	if !strings.HasSuffix(url, "/messages") {
		if !strings.HasSuffix(url, "/v1") {
			url += "/v1"
		}
		url += "/messages"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: do request: %w", err)
	}

	if resp.StatusCode >= 400 {
		mapped := mapErrorBody(resp)
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

// setHeaders applies the configured credential, the required
// anthropic-version header, and any instance-specific extra headers.
func (c *Client) setHeaders(r *http.Request) {
	if c.credentialMode == "authToken" {
		r.Header.Set("Authorization", "Bearer "+c.apiKey)
	} else {
		r.Header.Set("x-api-key", c.apiKey)
	}
	r.Header.Set("anthropic-version", anthropicVersion)
	r.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		r.Header.Set(k, v)
	}
}
