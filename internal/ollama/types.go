package ollama

import (
	"encoding/json"
	"fmt"
	"time"
)

// FormatJSON asks the model for any well-formed JSON answer
var FormatJSON = json.RawMessage(`"json"`)

// WordsSchema constrains a vision answer to the word list the OCR adapter
// normalizes: {"words":[{"text","bbox":[x,y,w,h],"confidence"}]}.
var WordsSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "words": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "text": {"type": "string"},
          "bbox": {"type": "array", "items": {"type": "number"}, "minItems": 4, "maxItems": 4},
          "confidence": {"type": "number"}
        },
        "required": ["text", "bbox"]
      }
    }
  },
  "required": ["words"]
}`)

// GenerateOptions are the model parameters sent with a generate request
type GenerateOptions struct {
	Temperature float64 `json:"temperature"`
	Seed        *int    `json:"seed,omitempty"`
	NumCtx      int     `json:"num_ctx,omitempty"`
}

// GenerateRequest represents a request to the Ollama generate API
type GenerateRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	System string   `json:"system,omitempty"`
	Images []string `json:"images,omitempty"` // base64 encoded
	Stream bool     `json:"stream"`

	// Format is either "json" or a JSON schema for structured output
	Format json.RawMessage `json:"format,omitempty"`

	Options   *GenerateOptions `json:"options,omitempty"`
	KeepAlive string           `json:"keep_alive,omitempty"`
}

// GenerateResponse represents a response from the Ollama generate API.
// Durations are reported in nanoseconds.
type GenerateResponse struct {
	Model           string    `json:"model"`
	Response        string    `json:"response"`
	Done            bool      `json:"done"`
	DoneReason      string    `json:"done_reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	TotalDuration   int64     `json:"total_duration,omitempty"`
	LoadDuration    int64     `json:"load_duration,omitempty"`
	PromptEvalCount int       `json:"prompt_eval_count,omitempty"`
	EvalCount       int       `json:"eval_count,omitempty"`
}

// Elapsed returns the server-side generation time
func (r *GenerateResponse) Elapsed() time.Duration {
	return time.Duration(r.TotalDuration)
}

// VisionRequest describes one image recognition call
type VisionRequest struct {
	Model       string
	Prompt      string
	Images      []string // base64 encoded
	Temperature float64

	// Schema constrains the answer; nil asks for free-form JSON
	Schema json.RawMessage
}

// Model represents an installed Ollama model
type Model struct {
	Name       string    `json:"name"`
	ModifiedAt time.Time `json:"modified_at"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest"`
}

// ListModelsResponse represents a response from the list models API
type ListModelsResponse struct {
	Models []Model `json:"models"`
}

// PullRequest represents a request to pull/download a model
type PullRequest struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// PullResponse represents a response from the pull API
type PullResponse struct {
	Status string `json:"status"`
}

// errorResponse is the body Ollama sends with a failed request
type errorResponse struct {
	Error string `json:"error"`
}

// APIError is a non-2xx answer from the Ollama API
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ollama API error (status %d): %s", e.StatusCode, e.Message)
}

// Retryable reports whether the request may succeed when sent again
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500
}
