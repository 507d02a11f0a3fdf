package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/lamim/sftcurator/internal/config"
	"github.com/lamim/sftcurator/internal/metrics"
)

const (
	// DefaultHTTPTimeout applies when a model sets no http_timeout_seconds
	DefaultHTTPTimeout = 120 * time.Second
	// DefaultMaxRetries applies when a model sets no max_retries
	DefaultMaxRetries = 3
	// DefaultBaseRetryDelay scales every backoff step
	DefaultBaseRetryDelay = 2 * time.Second
)

// Statuses worth another attempt
var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Client talks to OpenAI-compatible chat completion endpoints
type Client struct {
	httpClient     *http.Client
	throttle       *Throttle
	metrics        *metrics.Collector
	logger         *slog.Logger
	baseRetryDelay time.Duration
}

// NewClient creates a new API client. collector may be nil.
func NewClient(logger *slog.Logger, collector *metrics.Collector) *Client {
	logger = logger.With("component", "api")
	return &Client{
		// Per-request deadlines come from the model config
		httpClient:     &http.Client{},
		throttle:       NewThrottle(logger),
		metrics:        collector,
		logger:         logger,
		baseRetryDelay: DefaultBaseRetryDelay,
	}
}

func newRequest(mc config.ModelConfig, messages []Message) ChatCompletionRequest {
	req := ChatCompletionRequest{
		Model:       mc.ModelName,
		Messages:    messages,
		Temperature: mc.Temperature,
		TopP:        mc.TopP,
		MaxTokens:   mc.MaxOutputTokens,
		N:           1,
	}
	if mc.UseJSONMode {
		req.ResponseFormat = &ResponseFormat{Type: "json_object"}
	}
	return req
}

// ChatCompletion sends one completion request, retrying transient failures
// with exponential backoff. Exhausted retries wrap the last *APIError.
func (c *Client) ChatCompletion(
	ctx context.Context,
	mc config.ModelConfig,
	apiKey string,
	messages []Message,
) (*ChatCompletionResponse, error) {
	waitStart := time.Now()
	if err := c.throttle.Wait(ctx, mc.BaseURL, mc.ModelName, mc.RateLimitPerMinute); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}
	c.metrics.RecordRateLimiterWait(mc.ModelName, time.Since(waitStart))

	retries := mc.MaxRetries
	if retries <= 0 {
		retries = DefaultMaxRetries
	}
	timeout := time.Duration(mc.HTTPTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	req := newRequest(mc, messages)

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay(attempt, lastErr)
			c.logger.Warn("Retrying API request",
				"attempt", attempt,
				"max_retries", retries,
				"backoff", delay,
				"model", mc.ModelName,
				"error", lastErr)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		start := time.Now()
		resp, err := c.post(ctx, timeout, mc.BaseURL, apiKey, req)
		c.metrics.RecordAPIRequest(mc.ModelName, time.Since(start), err == nil)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.Retryable {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// retryDelay is base*2^(n-1), or base*3^n after a 429, with ±10% jitter
func (c *Client) retryDelay(attempt int, lastErr error) time.Duration {
	factor := math.Pow(2, float64(attempt-1))
	var apiErr *APIError
	if errors.As(lastErr, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		factor = math.Pow(3, float64(attempt))
	}
	d := time.Duration(factor * float64(c.baseRetryDelay))
	return d + time.Duration(float64(d)*0.1*(2*rand.Float64()-1))
}

func (c *Client) post(
	ctx context.Context,
	timeout time.Duration,
	baseURL string,
	apiKey string,
	req ChatCompletionRequest,
) (*ChatCompletionResponse, error) {
	buf := getBuffer()
	defer putBuffer(buf)
	if err := json.NewEncoder(buf).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimRight(baseURL, "/") + "/chat/completions"
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}
	c.logger.Debug("API request", "url", url, "model", req.Model, "has_key", apiKey != "")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &APIError{Message: fmt.Sprintf("request failed: %v", err), Retryable: true}
	}
	defer func() {
		if err := httpResp.Body.Close(); err != nil {
			c.logger.Warn("Failed to close response body", "error", err)
		}
	}()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, decodeError(httpResp.StatusCode, body)
	}

	var resp ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("no choices returned in response")
	}
	return &resp, nil
}

// decodeError prefers the provider's structured error body and falls back to the raw text
func decodeError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Retryable: retryableStatus[status]}

	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		apiErr.Message = errResp.Error.Message
		apiErr.Type = errResp.Error.Type
		apiErr.Code = errResp.Error.Code
		return apiErr
	}
	apiErr.Message = fmt.Sprintf("API request failed with status %d: %s", status, string(body))
	return apiErr
}

// APIError is a failed completion call. StatusCode is 0 for transport failures.
type APIError struct {
	Message    string
	StatusCode int
	Type       string
	Code       string
	Retryable  bool
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error: %s", e.Message)
}
