// Package llm provides a provider-agnostic LLM gateway with retry and
// fallback support. Callers name providers in preference order; transient
// failures are retried with exponential backoff before falling through to
// the next provider, while auth/quota and invalid-request errors surface
// immediately.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/threatsmith/threatsmith/model"
)

// maxResponseSize limits the LLM response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// Request defines an LLM completion request.
type Request struct {
	// Providers is the provider preference order for this call
	// (e.g. ["google", "openai", "ollama"]).
	Providers []string

	// Messages is the chat history to send to the LLM.
	Messages []Message

	// Temperature controls randomness. nil uses endpoint default, 0 is deterministic.
	Temperature *float64

	// MaxTokens limits response length. 0 uses endpoint default.
	MaxTokens int
}

// TokenUsage represents token consumption details for an LLM call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add sums two usage records.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
		TotalTokens:      u.TotalTokens + other.TotalTokens,
	}
}

// Response contains the LLM completion result.
type Response struct {
	// RequestID uniquely identifies this gateway call.
	RequestID string

	// Content is the generated text.
	Content string

	// Model is the actual model that was used.
	Model string

	// Provider is the provider that served the call.
	Provider string

	// Usage contains token consumption metrics.
	Usage TokenUsage

	// FinishReason indicates why generation stopped.
	FinishReason string

	// Retries is the number of retry attempts made across providers.
	Retries int
}

// Client is a provider-agnostic LLM gateway.
type Client struct {
	registry    *model.Registry
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *slog.Logger
	recorder    UsageRecorder
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) {
		client.retryConfig = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// WithRecorder sets the usage recorder for cost accounting.
func WithRecorder(r UsageRecorder) ClientOption {
	return func(client *Client) {
		client.recorder = r
	}
}

// NewClient creates a new LLM gateway with the given endpoint registry.
func NewClient(registry *model.Registry, opts ...ClientOption) *Client {
	c := &Client{
		registry:    registry,
		retryConfig: DefaultRetryConfig(),
		httpClient: &http.Client{
			Timeout: 180 * time.Second, // Allow time for LLM responses
		},
		logger:   slog.Default(),
		recorder: nopRecorder{},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Complete sends a completion request, handling retry and fallback logic.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Providers) == 0 {
		return nil, fmt.Errorf("at least one provider is required")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	requestID := uuid.New().String()

	chain := c.registry.Chain(req.Providers)
	if len(chain) == 0 {
		return nil, fmt.Errorf("no endpoints configured for providers %v", req.Providers)
	}

	var lastErr error
	var retries int

	for _, providerName := range chain {
		endpoint := c.registry.GetEndpoint(providerName)
		if GetProvider(providerName) == nil {
			c.logger.Debug("No provider implementation, skipping", "provider", providerName)
			continue
		}

		if !c.registry.IsAvailable(providerName) {
			c.logger.Debug("Provider circuit open, skipping", "provider", providerName)
			continue
		}

		started := time.Now()
		resp, attempts, err := c.tryProviderWithRetry(ctx, endpoint, providerName, req)
		retries += attempts - 1 // First attempt isn't a retry

		if err == nil {
			resp.RequestID = requestID
			resp.Provider = providerName
			resp.Retries = retries
			c.recorder.RecordCall(providerName, "ok", time.Since(started), attempts-1, resp.Usage)
			return resp, nil
		}

		lastErr = err
		c.recorder.RecordCall(providerName, outcomeFor(err), time.Since(started), attempts-1, TokenUsage{})

		c.logger.Warn("Provider failed, trying fallback",
			"provider", providerName,
			"model", endpoint.Model,
			"error", err)

		if IsFatal(err) {
			c.logger.Warn("Fatal error, not trying fallbacks",
				"provider", providerName,
				"kind", FatalKindOf(err),
				"error", err)
			return nil, err
		}

		// Bail out early when the surrounding job was cancelled or timed out.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	if lastErr == nil {
		// Every provider was skipped without an attempt: open circuits
		// or missing implementations.
		return nil, NewTransientError(fmt.Errorf("no provider in chain %v available", chain))
	}
	return nil, fmt.Errorf("all providers failed %v: %w", chain, lastErr)
}

// outcomeFor maps an error to a usage-accounting outcome label.
func outcomeFor(err error) string {
	switch {
	case IsFatal(err):
		return string(FatalKindOf(err))
	case IsTransient(err):
		return "transient"
	default:
		return "error"
	}
}

// tryProviderWithRetry attempts a request against one provider with retry
// logic and returns the attempt count.
func (c *Client) tryProviderWithRetry(ctx context.Context, ep *model.EndpointConfig, providerName string, req Request) (*Response, int, error) {
	var lastErr error

	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		resp, err := c.doRequest(ctx, ep, providerName, req)
		if err == nil {
			c.registry.MarkSuccess(providerName)
			return resp, attempt, nil
		}

		lastErr = err

		// Fatal errors may indicate config issues, not endpoint health.
		if IsFatal(err) {
			return nil, attempt, err
		}

		if attempt < c.retryConfig.MaxAttempts {
			backoff := c.calculateBackoff(attempt)
			c.logger.Debug("Request failed, retrying",
				"provider", providerName,
				"attempt", attempt,
				"max_attempts", c.retryConfig.MaxAttempts,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return nil, attempt, ctx.Err()
			case <-time.After(backoff):
				// Continue to retry
			}
		}
	}

	// All retries exhausted - mark endpoint as unhealthy
	c.registry.MarkFailure(providerName)

	return nil, c.retryConfig.MaxAttempts, lastErr
}

// calculateBackoff computes exponential backoff duration with jitter.
// Jitter prevents thundering herd when multiple jobs retry simultaneously.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.retryConfig.BackoffMultiplier
	}

	backoff := time.Duration(float64(c.retryConfig.BackoffBase) * multiplier)
	if backoff > c.retryConfig.MaxBackoff {
		backoff = c.retryConfig.MaxBackoff
	}

	// Add jitter: +/- 25% to prevent synchronized retries
	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

// doRequest executes a single HTTP request to the provider endpoint,
// bounded by the per-call timeout.
func (c *Client) doRequest(ctx context.Context, ep *model.EndpointConfig, providerName string, req Request) (*Response, error) {
	provider := GetProvider(providerName)
	if provider == nil {
		return nil, NewFatalError(KindInvalidRequest, fmt.Errorf("unknown provider: %s", providerName))
	}

	if c.retryConfig.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.retryConfig.CallTimeout)
		defer cancel()
	}

	url := provider.BuildURL(ep.URL, ep.Model)

	body, err := provider.BuildRequestBody(ep.Model, req.Messages, req.Temperature, req.MaxTokens)
	if err != nil {
		return nil, NewFatalError(KindInvalidRequest, fmt.Errorf("build request body: %w", err))
	}

	c.logger.Debug("Sending LLM request",
		"provider", providerName,
		"model", ep.Model,
		"url", url,
		"messages", len(req.Messages))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(KindInvalidRequest, fmt.Errorf("create HTTP request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Network errors and per-call timeouts are transient
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	return provider.ParseResponse(respBody, ep.Model)
}

// classifyHTTPError normalizes provider HTTP errors into the gateway's
// transient/fatal taxonomy.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("LLM API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		// Rate limiting is transient
		return NewTransientError(err)
	case statusCode >= 500:
		// Server errors are transient
		return NewTransientError(err)
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden,
		statusCode == http.StatusPaymentRequired:
		return NewFatalError(KindAuthOrQuota, err)
	default:
		// 400, 404, 422 and anything else client-side
		return NewFatalError(KindInvalidRequest, err)
	}
}
