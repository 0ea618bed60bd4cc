// Package upstream proxies one already-selected account's request to the
// Claude API: plain baseURL+path request building with a default
// anthropic-version header, built on github.com/imroc/req/v3 for the HTTP
// transport.
package upstream

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/imroc/req/v3"
)

const (
	// defaultTimeout is the budget for proxied chat traffic, as opposed to
	// oauthclient's much shorter token-exchange timeout.
	defaultTimeout        = 240 * time.Second
	defaultAnthropicVersion = "2023-06-01"
)

// BodyTransformer is the out-of-scope seam for translating request bodies
// between wire formats (e.g. an OpenAI-compatible body into Anthropic's).
// This repository never implements a real transformer; Passthrough is the
// only implementation, wired so the proxy path compiles and is exercised
// end to end without pretending to own that concern.
type BodyTransformer interface {
	Transform(body []byte) ([]byte, error)
}

// Passthrough copies the body unchanged.
type Passthrough struct{}

func (Passthrough) Transform(body []byte) ([]byte, error) { return body, nil }

// Client proxies requests to one upstream base URL.
type Client struct {
	baseURL     string
	http        *req.Client
	transformer BodyTransformer
}

// New builds a Client. A nil transformer defaults to Passthrough.
func New(baseURL string, transformer BodyTransformer) *Client {
	if transformer == nil {
		transformer = Passthrough{}
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		http:        req.C().SetTimeout(defaultTimeout),
		transformer: transformer,
	}
}

// Response is one upstream round trip: status, headers, and an unread body
// the caller streams or buffers depending on IsStreaming.
type Response struct {
	StatusCode  int
	Header      http.Header
	Body        io.ReadCloser
	IsStreaming bool
}

// Do sends one request with accessToken injected as a Bearer token.
// Vendor headers (anthropic-beta, User-Agent) are deliberately NOT added
// here: those belong only to token-exchange requests, not proxied traffic,
// which gets its headers from the caller/transformer.
func (c *Client) Do(ctx context.Context, method, path, accessToken string, headers http.Header, body []byte) (*Response, error) {
	transformed, err := c.transformer.Transform(body)
	if err != nil {
		return nil, err
	}

	r := c.http.R().SetContext(ctx)
	for key, values := range headers {
		for _, v := range values {
			r.SetHeader(key, v)
		}
	}
	r.SetHeader("Authorization", "Bearer "+accessToken)
	if headers.Get("anthropic-version") == "" {
		r.SetHeader("anthropic-version", defaultAnthropicVersion)
	}
	if len(transformed) > 0 {
		r.SetBody(transformed)
	}

	resp, err := r.Send(method, c.baseURL+path)
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode:  resp.StatusCode,
		Header:      resp.Header,
		Body:        resp.Body,
		IsStreaming: IsStreaming(resp.Header.Get("Content-Type")),
	}, nil
}

// IsStreaming is the Content-Type substring check used to decide whether a
// response is piped unchanged or buffered.
func IsStreaming(contentType string) bool {
	return strings.Contains(contentType, "text/event-stream")
}
