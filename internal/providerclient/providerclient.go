// Package providerclient issues the actual HTTP request to an upstream
// provider (spec §4.6): it owns auth-header construction, extra-body
// merging, and Retry-After parsing, but knows nothing about dialects or
// the unified model.
package providerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/llmgateway/gateway/internal/apperrors"
)

// Request is one outbound provider call.
type Request struct {
	Method    string
	URL       string
	Body      []byte
	Headers   map[string]string
	RequestID string
}

// RawResponse is the unparsed result of a non-streaming call.
type RawResponse struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Client wraps an *http.Client with the gateway's provider-call
// conventions. It is safe for concurrent use.
type Client struct {
	http *http.Client
}

// New builds a Client with the given per-request timeout. A timeout of
// zero means no timeout, matching http.Client's zero value.
func New(timeout time.Duration) *Client {
	return &Client{http: &http.Client{Timeout: timeout}}
}

// NewFromHTTPClient wraps an existing *http.Client, letting callers
// (and tests) plug in a custom Transport — e.g. a go-vcr recorder.
func NewFromHTTPClient(c *http.Client) *Client {
	return &Client{http: c}
}

// Do issues req and buffers the full response body. Use Stream instead
// for SSE responses.
func (c *Client) Do(ctx context.Context, req Request) (*RawResponse, error) {
	httpReq, err := c.build(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading provider response body: %w", err)
	}

	return &RawResponse{Status: resp.StatusCode, Headers: resp.Header, Body: body}, nil
}

// Stream issues req and returns the live *http.Response for the caller
// to read as an SSE byte stream. The caller owns closing resp.Body.
func (c *Client) Stream(ctx context.Context, req Request) (*http.Response, error) {
	httpReq, err := c.build(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider stream request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) build(ctx context.Context, req Request) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("building provider request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.RequestID != "" {
		httpReq.Header.Set("X-Gateway-Request-Id", req.RequestID)
	}
	if httpReq.Header.Get("Content-Type") == "" && len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	return httpReq, nil
}

// AuthHeaders builds the headers a provider's auth_type calls for
// (spec §3 ProviderConfig.auth_type): "bearer" sets Authorization,
// "x-api-key" sets the Anthropic-style header, "x-goog-api-key" sets
// the Gemini-style header. Unknown auth types set nothing, leaving the
// caller's static Headers config (if any) as the only auth signal.
func AuthHeaders(authType, apiKey string) map[string]string {
	if apiKey == "" {
		return nil
	}
	switch authType {
	case "bearer", "":
		return map[string]string{"Authorization": "Bearer " + apiKey}
	case "x-api-key":
		return map[string]string{"x-api-key": apiKey, "anthropic-version": "2023-06-01"}
	case "x-goog-api-key":
		return map[string]string{"x-goog-api-key": apiKey}
	case "query":
		// handled by the caller appending ?key=... to the URL instead
		return nil
	default:
		return nil
	}
}

// MergeExtraBody merges extra's keys into the top level of a
// JSON-encoded body, with extra's values taking precedence on key
// collision (spec §3: ProviderConfig.extra_body "merged into every
// outbound request body for this provider").
func MergeExtraBody(body []byte, extra map[string]any) ([]byte, error) {
	if len(extra) == 0 {
		return body, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, apperrors.Wrap(apperrors.TypeAPIError, apperrors.CodeTransformFailed, 500, "merging extra_body into outbound request", err)
	}
	for k, v := range extra {
		obj[k] = v
	}
	return json.Marshal(obj)
}

// ParseRetryAfter parses an HTTP Retry-After header value, which may be
// either a delay in seconds or an HTTP-date (RFC 7231 §7.1.3).
func ParseRetryAfter(header string, now time.Time) (time.Duration, bool) {
	if header == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(header); err == nil {
		d := when.Sub(now)
		if d < 0 {
			return 0, false
		}
		return d, true
	}
	return 0, false
}
