// Package transport mediates engine traffic to the upstream API. Methods,
// URLs, headers, and bodies stay opaque except for read/write classification
// and status-code outcome classification.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/yachtmes/offline/internal/platform/timeouts"
)

// ErrNetworkUnreachable indicates the upstream could not be reached at the
// transport level (dial failure, timeout). It is always transient.
var ErrNetworkUnreachable = errors.New("network unreachable")

// Outcome classifies an upstream response for retry policy.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeAuthExpired Outcome = "auth_expired"
	OutcomePermanent   Outcome = "permanent"
	OutcomeTransient   Outcome = "transient"
)

// Request is one outgoing request with an opaque body.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is one upstream response snapshot.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport issues requests against the upstream API.
type Transport interface {
	Do(ctx context.Context, req Request) (Response, error)
}

// ClassifyStatus maps a status code to its retry outcome. 401 is auth
// expiry; other 4xx are permanent rejections; 5xx are transient.
func ClassifyStatus(statusCode int) Outcome {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return OutcomeSuccess
	case statusCode == http.StatusUnauthorized:
		return OutcomeAuthExpired
	case statusCode >= 400 && statusCode < 500:
		return OutcomePermanent
	default:
		return OutcomeTransient
	}
}

// IsReadOnly reports whether the method has no side effects.
func IsReadOnly(method string) bool {
	switch strings.ToUpper(strings.TrimSpace(method)) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// HTTPTransport issues requests to a fixed upstream base URL.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTransport creates a transport for the given upstream base URL.
func NewHTTPTransport(baseURL string, client *http.Client) (*HTTPTransport, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("upstream base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse upstream base url: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: timeouts.Upstream}
	}
	return &HTTPTransport{baseURL: baseURL, client: client}, nil
}

// Do issues one request. Transport-level failures map to
// ErrNetworkUnreachable; any received response is returned as-is for the
// caller to classify.
func (t *HTTPTransport) Do(ctx context.Context, req Request) (Response, error) {
	if t == nil || t.client == nil {
		return Response{}, fmt.Errorf("transport is not configured")
	}
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		return Response{}, fmt.Errorf("request method is required")
	}
	target := req.URL
	if strings.HasPrefix(target, "/") {
		target = t.baseURL + target
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	for name, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(name, value)
		}
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Response{}, err
		}
		return Response{}, fmt.Errorf("%w: %v", ErrNetworkUnreachable, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("%w: read response body: %v", ErrNetworkUnreachable, err)
	}
	return Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header.Clone(),
		Body:       respBody,
	}, nil
}

var _ Transport = (*HTTPTransport)(nil)
