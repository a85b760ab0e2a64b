// Package kiro provides the HTTP client for the Kiro (CodeWhisperer) API.
package kiro

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"time"
)

// GenerateURLTemplate is the Kiro assistant-response endpoint.
const GenerateURLTemplate = "https://codewhisperer.%s.amazonaws.com/generateAssistantResponse"

// UsageURLTemplate is the Kiro usage-limits endpoint, on the same
// CodeWhisperer host as generate — not the divergent q.{region} host some
// donor references used.
const UsageURLTemplate = "https://codewhisperer.%s.amazonaws.com/getUsageLimits"

// Client is an HTTP client for the Kiro API.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOptions configures the Kiro HTTP client.
type ClientOptions struct {
	MaxConns            int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	Timeout             time.Duration
	Logger              *slog.Logger
}

// NewClient creates a new Kiro API client with connection pooling.
func NewClient(opts ClientOptions) *Client {
	transport := &http.Transport{
		MaxIdleConns:        opts.MaxConns,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxConnsPerHost:     opts.MaxConns,
		IdleConnTimeout:     opts.IdleConnTimeout,
		DisableKeepAlives:   false,
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout, // 0 for streaming
		},
		logger: logger,
	}
}

// GenerateRequest carries everything needed to call generateAssistantResponse.
type GenerateRequest struct {
	Region     string
	ProfileARN string
	Token      string
	Body       []byte
}

// SendGenerate sends a generateAssistantResponse request and returns the
// response body reader, which the caller must close. The body is an AWS
// EventStream byte sequence; use StreamParser to decode it.
func (c *Client) SendGenerate(ctx context.Context, req *GenerateRequest) (io.ReadCloser, error) {
	url := fmt.Sprintf(GenerateURLTemplate, region(req.Region))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("kiro: build request: %w", err)
	}
	applyHeaders(httpReq, req.Token, req.ProfileARN)

	c.logger.Debug("sending request to Kiro API", "url", url)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// A connect/TLS/timeout failure never reaches the upstream at all, so
		// there is no HTTP status to classify it by. Wrap it as an APIError
		// with StatusCode 0 so callOnce can still classify and retry it as a
		// network error instead of falling through to a non-retryable dispatch
		// failure.
		return nil, &APIError{StatusCode: 0, Body: []byte(err.Error())}
	}

	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(resp.Body)
		c.logger.Warn("Kiro API error", "status", resp.StatusCode, "body", string(body))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: body}
	}

	return resp.Body, nil
}

// UsageResult reports account usage as surfaced by the usage-limits endpoint.
type UsageResult struct {
	Used     int64  `json:"used"`
	Limit    int64  `json:"limit"`
	ResetsAt string `json:"resetsAt"`
}

// GetUsage queries the usage-limits endpoint for an account.
func (c *Client) GetUsage(ctx context.Context, region_, token string) (*UsageResult, error) {
	url := fmt.Sprintf(UsageURLTemplate, region(region_))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("kiro: build usage request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("kiro: usage request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("kiro: read usage response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: body}
	}

	var result UsageResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("kiro: parse usage response: %w", err)
	}
	return &result, nil
}

// applyHeaders sets the full Kiro header set on a generate request.
func applyHeaders(req *http.Request, token, profileARN string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/vnd.amazon.eventstream")
	req.Header.Set("Authorization", "Bearer "+token)
	if profileARN != "" {
		req.Header.Set("x-amz-profile-arn", profileARN)
	}
	req.Header.Set("amz-sdk-request", "attempt=1; max=1")
	req.Header.Set("amz-sdk-invocation-id", requestID())
	req.Header.Set("x-amzn-kiro-agent-mode", "vibe")
	req.Header.Set("x-amz-user-agent", "aws-sdk-js/3.0.0")
	req.Header.Set("User-Agent", userAgent())
}

func userAgent() string {
	return fmt.Sprintf("kiro-claude-gateway/1.0 (%s; %s)", runtime.GOOS, runtime.GOARCH)
}

func requestID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func region(r string) string {
	if r == "" {
		return "us-east-1"
	}
	return r
}

// APIError represents an error from the Kiro API.
type APIError struct {
	StatusCode int
	Body       []byte
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("Kiro API error: status %d, body: %s", e.StatusCode, string(e.Body))
}

// IsRateLimited returns true if this is a rate limit error (429).
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsUnauthorized returns true if this is an authentication error (401).
func (e *APIError) IsUnauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// IsForbidden returns true if this is an authorization error (403).
func (e *APIError) IsForbidden() bool {
	return e.StatusCode == http.StatusForbidden
}

// IsNetworkError returns true if this represents a connect/TLS failure that
// never reached the upstream, rather than an HTTP-level error response.
func (e *APIError) IsNetworkError() bool {
	return e.StatusCode == 0
}

// Close closes the client and releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}
