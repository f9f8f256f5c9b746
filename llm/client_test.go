package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threatsmith/threatsmith/model"
)

// stubProvider is a minimal provider implementation for gateway tests.
// It speaks a trivial JSON protocol against httptest servers.
type stubProvider struct {
	name string
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) BuildURL(baseURL, _ string) string { return baseURL + "/complete" }

func (p *stubProvider) SetHeaders(req *http.Request) {
	req.Header.Set("X-Test-Provider", p.name)
}

func (p *stubProvider) BuildRequestBody(model string, messages []Message, _ *float64, _ int) ([]byte, error) {
	return json.Marshal(map[string]any{"model": model, "messages": messages})
}

func (p *stubProvider) ParseResponse(body []byte, model string) (*Response, error) {
	var parsed struct {
		Content string     `json:"content"`
		Usage   TokenUsage `json:"usage"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, NewFatalError(KindInvalidRequest, err)
	}
	return &Response{Content: parsed.Content, Model: model, Usage: parsed.Usage}, nil
}

func registerStub(t *testing.T, name string) {
	t.Helper()
	RegisterProvider(&stubProvider{name: name})
}

func testRegistry(endpoints map[string]string) *model.Registry {
	eps := make(map[string]*model.EndpointConfig, len(endpoints))
	for name, url := range endpoints {
		eps[name] = &model.EndpointConfig{Provider: name, URL: url, Model: "test-model"}
	}
	return model.NewRegistry(eps)
}

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        5 * time.Millisecond,
		CallTimeout:       time.Second,
	}
}

func okServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"content":%q,"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`, content)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCompleteSuccess(t *testing.T) {
	registerStub(t, "stub-ok")
	srv := okServer(t, "hello")

	client := NewClient(testRegistry(map[string]string{"stub-ok": srv.URL}), WithRetryConfig(fastRetry()))
	resp, err := client.Complete(context.Background(), Request{
		Providers: []string{"stub-ok"},
		Messages:  []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "stub-ok", resp.Provider)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.Equal(t, 0, resp.Retries)
	assert.NotEmpty(t, resp.RequestID)
}

func TestCompleteRetriesTransientThenSucceeds(t *testing.T) {
	registerStub(t, "stub-flaky")
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"content":"recovered"}`)
	}))
	defer srv.Close()

	client := NewClient(testRegistry(map[string]string{"stub-flaky": srv.URL}), WithRetryConfig(fastRetry()))
	resp, err := client.Complete(context.Background(), Request{
		Providers: []string{"stub-flaky"},
		Messages:  []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)
	assert.Equal(t, 2, resp.Retries)
	assert.EqualValues(t, 3, calls.Load())
}

func TestCompleteFallsBackToNextProvider(t *testing.T) {
	registerStub(t, "stub-down")
	registerStub(t, "stub-up")
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer down.Close()
	up := okServer(t, "from fallback")

	client := NewClient(testRegistry(map[string]string{
		"stub-down": down.URL,
		"stub-up":   up.URL,
	}), WithRetryConfig(fastRetry()))

	resp, err := client.Complete(context.Background(), Request{
		Providers: []string{"stub-down", "stub-up"},
		Messages:  []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "stub-up", resp.Provider)
	assert.Equal(t, "from fallback", resp.Content)
}

func TestCompleteFatalErrorStopsFallback(t *testing.T) {
	registerStub(t, "stub-auth")
	registerStub(t, "stub-never")
	var never atomic.Int32
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer auth.Close()
	spare := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		never.Add(1)
		fmt.Fprint(w, `{"content":"unused"}`)
	}))
	defer spare.Close()

	client := NewClient(testRegistry(map[string]string{
		"stub-auth":  auth.URL,
		"stub-never": spare.URL,
	}), WithRetryConfig(fastRetry()))

	_, err := client.Complete(context.Background(), Request{
		Providers: []string{"stub-auth", "stub-never"},
		Messages:  []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Equal(t, KindAuthOrQuota, FatalKindOf(err))
	assert.EqualValues(t, 0, never.Load(), "fatal errors must not fall through")
}

func TestCompleteAllProvidersFailed(t *testing.T) {
	registerStub(t, "stub-dead")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(testRegistry(map[string]string{"stub-dead": srv.URL}), WithRetryConfig(fastRetry()))
	_, err := client.Complete(context.Background(), Request{
		Providers: []string{"stub-dead"},
		Messages:  []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all providers failed")
	assert.True(t, IsTransient(err))
}

func TestCompleteAllCircuitsOpen(t *testing.T) {
	registerStub(t, "stub-open")
	registry := testRegistry(map[string]string{"stub-open": "http://127.0.0.1:1"})
	for i := 0; i < 3; i++ {
		registry.MarkFailure("stub-open")
	}
	require.False(t, registry.IsAvailable("stub-open"))

	client := NewClient(registry, WithRetryConfig(fastRetry()))
	_, err := client.Complete(context.Background(), Request{
		Providers: []string{"stub-open"},
		Messages:  []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "no provider in chain")
	assert.NotContains(t, err.Error(), "(<nil>)")
}

func TestCompleteValidation(t *testing.T) {
	client := NewClient(testRegistry(nil))
	_, err := client.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "x"}}})
	assert.Error(t, err)

	_, err = client.Complete(context.Background(), Request{Providers: []string{"p"}})
	assert.Error(t, err)

	// Providers with no configured endpoint are rejected up front.
	_, err = client.Complete(context.Background(), Request{
		Providers: []string{"unconfigured"},
		Messages:  []Message{{Role: "user", Content: "x"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no endpoints configured")
}

func TestCompleteHonorsContextCancellation(t *testing.T) {
	registerStub(t, "stub-slow")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server's background read starts and the
		// request context is cancelled when the client disconnects.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := NewClient(testRegistry(map[string]string{"stub-slow": srv.URL}), WithRetryConfig(fastRetry()))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Complete(ctx, Request{
		Providers: []string{"stub-slow"},
		Messages:  []Message{{Role: "user", Content: "hi"}},
	})
	assert.Error(t, err)
}

func TestCalculateBackoffBounds(t *testing.T) {
	client := NewClient(testRegistry(nil), WithRetryConfig(RetryConfig{
		MaxAttempts:       5,
		BackoffBase:       time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        4 * time.Second,
	}))

	for attempt := 1; attempt <= 5; attempt++ {
		b := client.calculateBackoff(attempt)
		// Jitter is +/- 25% of the capped exponential value.
		assert.GreaterOrEqual(t, b, time.Duration(float64(time.Second)*0.75))
		assert.LessOrEqual(t, b, time.Duration(float64(4*time.Second)*1.25))
	}
}

func TestClassifyHTTPError(t *testing.T) {
	assert.True(t, IsTransient(classifyHTTPError(429, nil)))
	assert.True(t, IsTransient(classifyHTTPError(500, nil)))
	assert.True(t, IsTransient(classifyHTTPError(503, nil)))
	assert.Equal(t, KindAuthOrQuota, FatalKindOf(classifyHTTPError(401, nil)))
	assert.Equal(t, KindAuthOrQuota, FatalKindOf(classifyHTTPError(402, nil)))
	assert.Equal(t, KindAuthOrQuota, FatalKindOf(classifyHTTPError(403, nil)))
	assert.Equal(t, KindInvalidRequest, FatalKindOf(classifyHTTPError(400, nil)))
	assert.Equal(t, KindInvalidRequest, FatalKindOf(classifyHTTPError(422, nil)))
}

func TestTokenUsageAdd(t *testing.T) {
	a := TokenUsage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3}
	b := TokenUsage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30}
	sum := a.Add(b)
	assert.Equal(t, TokenUsage{PromptTokens: 11, CompletionTokens: 22, TotalTokens: 33}, sum)
}
