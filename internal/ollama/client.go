// Package ollama is a small HTTP client for the Ollama API, used to run
// vision models as OCR backends.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/platinummonkey/pagelabel/internal/logger"
)

const (
	// DefaultEndpoint is the default Ollama API endpoint
	DefaultEndpoint = "http://localhost:11434"

	// DefaultTimeout is the default HTTP client timeout. Large pages on a
	// cold model can take minutes.
	DefaultTimeout = 5 * time.Minute

	// DefaultMaxRetries is the default number of retries
	DefaultMaxRetries = 3

	// DefaultRetryDelay is the initial delay between retries
	DefaultRetryDelay = 1 * time.Second

	// DefaultKeepAlive keeps the model loaded between tiles of a run
	DefaultKeepAlive = "10m"
)

// Client is an HTTP client for the Ollama API
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *logger.Logger
	maxRetries int
	retryDelay time.Duration
	keepAlive  string
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithEndpoint sets the Ollama API endpoint
func WithEndpoint(endpoint string) ClientOption {
	return func(c *Client) {
		c.endpoint = strings.TrimRight(endpoint, "/")
	}
}

// WithTimeout sets the HTTP client timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithLogger sets the logger
func WithLogger(log *logger.Logger) ClientOption {
	return func(c *Client) {
		if log != nil {
			c.logger = log
		}
	}
}

// WithMaxRetries sets the maximum number of retries
func WithMaxRetries(maxRetries int) ClientOption {
	return func(c *Client) {
		c.maxRetries = maxRetries
	}
}

// WithRetryDelay sets the initial retry delay
func WithRetryDelay(delay time.Duration) ClientOption {
	return func(c *Client) {
		c.retryDelay = delay
	}
}

// WithKeepAlive sets how long the server keeps the model loaded after a request
func WithKeepAlive(keepAlive string) ClientOption {
	return func(c *Client) {
		c.keepAlive = keepAlive
	}
}

// NewClient creates a new Ollama client
func NewClient(opts ...ClientOption) *Client {
	client := &Client{
		endpoint: DefaultEndpoint,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger:     logger.Nop(),
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
		keepAlive:  DefaultKeepAlive,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// send performs a single HTTP exchange and returns the response body. A
// non-2xx answer is returned as *APIError.
func (c *Client) send(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var errResp errorResponse
		if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error != "" {
			apiErr.Message = errResp.Error
		}
		return nil, apiErr
	}

	return data, nil
}

// doRequest sends a JSON request and decodes the answer into response.
// Transport failures and 5xx answers are retried with exponential backoff;
// other API errors are returned at once.
func (c *Client) doRequest(ctx context.Context, method, path string, request, response interface{}) error {
	var payload []byte
	if request != nil {
		var err error
		if payload, err = json.Marshal(request); err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<uint(attempt-1))
			c.logger.WithFields("path", path, "attempt", attempt, "max_retries", c.maxRetries, "delay", delay).
				Debug("Retrying Ollama request")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		data, err := c.send(ctx, method, path, payload)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var apiErr *APIError
			if errors.As(err, &apiErr) && !apiErr.Retryable() {
				return apiErr
			}
			lastErr = err
			c.logger.WithError(err).WithFields("path", path).Debug("Ollama request failed")
			continue
		}

		if response != nil {
			if err := json.Unmarshal(data, response); err != nil {
				return fmt.Errorf("failed to unmarshal response: %w", err)
			}
		}
		return nil
	}

	return fmt.Errorf("request failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

// Generate sends a non-streaming generation request to Ollama
func (c *Client) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	if req.KeepAlive == "" {
		req.KeepAlive = c.keepAlive
	}
	req.Stream = false

	var resp GenerateResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/generate", req, &resp); err != nil {
		return nil, err
	}

	c.logger.WithFields(
		"model", resp.Model,
		"prompt_tokens", resp.PromptEvalCount,
		"output_tokens", resp.EvalCount,
		"elapsed", resp.Elapsed(),
	).Debug("Ollama generation completed")

	return &resp, nil
}

// GenerateWithVision runs a vision model on base64-encoded images. The answer
// is constrained to req.Schema, or to any JSON when no schema is given.
func (c *Client) GenerateWithVision(ctx context.Context, req VisionRequest) (*GenerateResponse, error) {
	format := req.Schema
	if len(format) == 0 {
		format = FormatJSON
	}

	return c.Generate(ctx, &GenerateRequest{
		Model:   req.Model,
		Prompt:  req.Prompt,
		Images:  req.Images,
		Format:  format,
		Options: &GenerateOptions{Temperature: req.Temperature},
	})
}

// ListModels lists installed models
func (c *Client) ListModels(ctx context.Context) (*ListModelsResponse, error) {
	var resp ListModelsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/tags", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// HasModel reports whether model is installed. A name without a tag matches
// its ":latest" tag.
func (c *Client) HasModel(ctx context.Context, model string) (bool, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false, err
	}

	want := model
	if !strings.Contains(want, ":") {
		want += ":latest"
	}

	for _, m := range models.Models {
		if m.Name == model || m.Name == want {
			return true, nil
		}
	}
	return false, nil
}

// PullModel downloads a model and blocks until the pull completes
func (c *Client) PullModel(ctx context.Context, model string) error {
	var resp PullResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/pull", &PullRequest{Model: model}, &resp); err != nil {
		return fmt.Errorf("failed to pull model %s: %w", model, err)
	}
	c.logger.WithFields("model", model, "status", resp.Status).Info("Model pulled")
	return nil
}

// EnsureModel pulls model when it is not installed yet
func (c *Client) EnsureModel(ctx context.Context, model string) error {
	found, err := c.HasModel(ctx, model)
	if err != nil {
		return err
	}
	if found {
		return nil
	}

	c.logger.WithFields("model", model).Info("Model not found, pulling")
	return c.PullModel(ctx, model)
}

// HealthCheck verifies that Ollama is running and accessible
func (c *Client) HealthCheck(ctx context.Context) error {
	if _, err := c.send(ctx, http.MethodGet, "/", nil); err != nil {
		return fmt.Errorf("ollama is not accessible: %w", err)
	}
	return nil
}
