package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultClientTimeout = 30 * time.Second
	// maxResponseBodyBytes bounds how much of a provider response is read.
	maxResponseBodyBytes = 4 << 20
	// maxErrorBodyBytes bounds the body excerpt kept on an HTTPError.
	maxErrorBodyBytes = 4096
)

// nonRetryableBodyMarkers flag account-level failures that no retry can fix.
var nonRetryableBodyMarkers = []string{
	"insufficient credit",
	"insufficient_credit",
	"insufficient balance",
	"out of credits",
	"quota exceeded",
	"quota_exceeded",
	"payment required",
}

// HTTPError is a non-2xx provider response.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Retryable reports whether the response describes a transient condition.
// Credit or quota exhaustion is permanent regardless of status code.
func (e *HTTPError) Retryable() bool {
	body := strings.ToLower(e.Body)
	for _, marker := range nonRetryableBodyMarkers {
		if strings.Contains(body, marker) {
			return false
		}
	}
	switch {
	case e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode == http.StatusTooEarly,
		e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// ClientConfig configures a provider HTTP client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	// AuthHeader is the header carrying the API key (default "Authorization").
	AuthHeader string
	// AuthScheme prefixes the key, e.g. "Bearer". Empty sends the raw key.
	AuthScheme string
	Timeout    time.Duration
	// RateLimit is the sustained request rate per second; <= 0 disables limiting.
	RateLimit  float64
	RateBurst  int
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client sends authenticated, rate-limited JSON requests to one provider.
type Client struct {
	base       *url.URL
	http       *http.Client
	limiter    *rate.Limiter
	authHeader string
	authValue  string
	logger     *slog.Logger
}

// NewClient validates cfg and builds a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must use http or https", cfg.BaseURL)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("base url %q must include a host", cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultClientTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	burst := cfg.RateBurst
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
		if burst <= 0 {
			burst = 1
		}
	}

	header := cfg.AuthHeader
	if header == "" {
		header = "Authorization"
	}
	value := cfg.APIKey
	if cfg.AuthScheme != "" && value != "" {
		value = cfg.AuthScheme + " " + value
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		base:       base,
		http:       httpClient,
		limiter:    rate.NewLimiter(limit, burst),
		authHeader: header,
		authValue:  value,
		logger:     logger,
	}, nil
}

// Request describes one provider call.
type Request struct {
	Method string
	// Path is relative to the base URL with each segment already escaped.
	Path  string
	Query url.Values
	// Body is sent as-is when it is json.RawMessage, otherwise JSON-encoded.
	Body any
}

// Do sends req and returns the raw response body of a 2xx response. Any
// other status yields an *HTTPError.
func (c *Client) Do(ctx context.Context, req Request) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	body, readErr := readResponseBody(resp.Body)
	closeErr := resp.Body.Close()
	if readErr != nil {
		return nil, errors.Join(fmt.Errorf("read response body: %w", readErr), closeErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt := string(body)
		if len(excerpt) > maxErrorBodyBytes {
			excerpt = excerpt[:maxErrorBodyBytes]
		}
		c.logger.DebugContext(ctx, "provider returned error status",
			"method", req.Method,
			"path", req.Path,
			"status", resp.StatusCode)
		return nil, &HTTPError{
			Method:     req.Method,
			URL:        httpReq.URL.Redacted(),
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(excerpt),
		}
	}
	return body, nil
}

// DoJSON sends req and decodes a 2xx response into out, returning the raw body.
func (c *Client) DoJSON(ctx context.Context, req Request, out any) (json.RawMessage, error) {
	body, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	return json.RawMessage(body), nil
}

func (c *Client) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	u := c.base.JoinPath(req.Path)
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		var payload []byte
		switch b := req.Body.(type) {
		case json.RawMessage:
			payload = b
		default:
			encoded, err := json.Marshal(b)
			if err != nil {
				return nil, fmt.Errorf("encode request: %w", err)
			}
			payload = encoded
		}
		body = bytes.NewReader(payload)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.authValue != "" {
		httpReq.Header.Set(c.authHeader, c.authValue)
	}
	return httpReq, nil
}

func readResponseBody(body io.Reader) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(body, maxResponseBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxResponseBodyBytes {
		return nil, fmt.Errorf("response body exceeds %d bytes", maxResponseBodyBytes)
	}
	return data, nil
}
