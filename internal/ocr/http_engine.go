package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/platinummonkey/pagelabel/internal/dataset"
	"github.com/platinummonkey/pagelabel/internal/logger"
)

const (
	// DefaultHTTPTimeout bounds one request to a remote OCR or layout server
	DefaultHTTPTimeout = 2 * time.Minute

	defaultRetryDelay = 500 * time.Millisecond
)

// imageRequest is the body posted to remote OCR and layout servers
type imageRequest struct {
	Image    string `json:"image"`
	Filename string `json:"filename,omitempty"`
}

// imagePoster posts base64-encoded images to a JSON endpoint, retrying
// transport errors and 5xx responses with exponential backoff
type imagePoster struct {
	endpoint   string
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
	logger     *logger.Logger
}

func newImagePoster(endpoint string, maxRetries int, log *logger.Logger) *imagePoster {
	if log == nil {
		log = logger.Nop()
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &imagePoster{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		maxRetries: maxRetries,
		retryDelay: defaultRetryDelay,
		logger:     log,
	}
}

func (p *imagePoster) post(ctx context.Context, imagePath string) ([]byte, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}

	body, err := json.Marshal(imageRequest{
		Image:    base64.StdEncoding.EncodeToString(data),
		Filename: imagePath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			delay := p.retryDelay * time.Duration(1<<uint(attempt-1))
			p.logger.Debugf("Retrying request (attempt %d/%d) after %v", attempt, p.maxRetries, delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("failed to execute request: %w", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response body: %w", err)
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			msg := fmt.Sprintf("server error (status %d): %s", resp.StatusCode, bytes.TrimSpace(respBody))
			if resp.StatusCode >= 500 {
				lastErr = errors.New(msg)
				continue
			}
			return nil, errors.New(msg)
		}

		return respBody, nil
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", p.maxRetries+1, lastErr)
}

// HTTPEngine sends tiles to a remote OCR server, such as a PaddleOCR service,
// and normalizes whatever result shape it answers with.
type HTTPEngine struct {
	poster *imagePoster
	logger *logger.Logger
}

// NewHTTPEngine creates an engine posting to endpoint
func NewHTTPEngine(endpoint string, maxRetries int, log *logger.Logger) (*HTTPEngine, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("http OCR engine requires an endpoint")
	}
	if log == nil {
		log = logger.Nop()
	}
	return &HTTPEngine{
		poster: newImagePoster(endpoint, maxRetries, log),
		logger: log,
	}, nil
}

// Name returns the engine name
func (h *HTTPEngine) Name() string {
	return "http"
}

// Recognize posts the image and normalizes the response
func (h *HTTPEngine) Recognize(ctx context.Context, imagePath string) ([]dataset.TextSpan, error) {
	raw, err := h.poster.post(ctx, imagePath)
	if err != nil {
		return nil, err
	}
	return NormalizePayload(raw)
}
