package ocr

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/platinummonkey/pagelabel/internal/dataset"
	"github.com/platinummonkey/pagelabel/internal/logger"
)

// VisionClient is a provider-agnostic interface for vision-capable model APIs
type VisionClient interface {
	// GenerateOCR sends a base64-encoded PNG with the prompt and returns the
	// model's raw text answer
	GenerateOCR(ctx context.Context, model, prompt, imageData string) (string, error)

	// HealthCheck verifies the provider is reachable and the model usable
	HealthCheck(ctx context.Context, model string) error

	// Name returns the provider name
	Name() string

	// SupportedModels returns the vision models known to work with the provider
	SupportedModels() []string
}

// ProviderType names a vision provider
type ProviderType string

const (
	// ProviderOllama uses a local Ollama server
	ProviderOllama ProviderType = "ollama"

	// ProviderOpenAI uses the OpenAI chat completions API
	ProviderOpenAI ProviderType = "openai"

	// ProviderAnthropic uses the Anthropic messages API
	ProviderAnthropic ProviderType = "anthropic"

	// ProviderGoogle uses the Gemini API
	ProviderGoogle ProviderType = "google"
)

// GetDefaultModelForProvider returns the default vision model for a provider
func GetDefaultModelForProvider(provider ProviderType) string {
	switch provider {
	case ProviderOllama:
		return "llava"
	case ProviderOpenAI:
		return "gpt-4o"
	case ProviderAnthropic:
		return "claude-3-5-sonnet-20241022"
	case ProviderGoogle:
		return "gemini-1.5-flash"
	default:
		return ""
	}
}

// VisionEngine adapts a VisionClient to the Engine interface
type VisionEngine struct {
	client VisionClient
	model  string
	prompt string
	logger *logger.Logger
}

// NewVisionEngine creates an engine around a vision provider. An empty model
// selects the provider default.
func NewVisionEngine(client VisionClient, model, prompt string, log *logger.Logger) *VisionEngine {
	if log == nil {
		log = logger.Nop()
	}
	if model == "" {
		model = GetDefaultModelForProvider(ProviderType(client.Name()))
	}
	if prompt == "" {
		prompt = DefaultPrompt
	}

	if !knownModel(model, client.SupportedModels()) {
		log.WithFields("provider", client.Name(), "model", model, "known", client.SupportedModels()).
			Warn("Model is not a known vision model for this provider")
	}

	return &VisionEngine{
		client: client,
		model:  model,
		prompt: prompt,
		logger: log,
	}
}

// knownModel matches model against the known list, ignoring a ":tag" suffix
func knownModel(model string, known []string) bool {
	base, _, _ := strings.Cut(model, ":")
	for _, k := range known {
		if k == model || k == base {
			return true
		}
	}
	return false
}

// Name returns the provider name
func (v *VisionEngine) Name() string {
	return v.client.Name()
}

// Model returns the model used for recognition
func (v *VisionEngine) Model() string {
	return v.model
}

// HealthCheck checks the underlying provider
func (v *VisionEngine) HealthCheck(ctx context.Context) error {
	return v.client.HealthCheck(ctx, v.model)
}

// Recognize sends the image to the provider and normalizes the answer
func (v *VisionEngine) Recognize(ctx context.Context, imagePath string) ([]dataset.TextSpan, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}

	v.logger.WithFields("image", imagePath, "provider", v.client.Name(), "model", v.model).Debug("Generating OCR")

	content, err := v.client.GenerateOCR(ctx, v.model, v.prompt, base64.StdEncoding.EncodeToString(data))
	if err != nil {
		return nil, err
	}

	spans, err := NormalizePayload([]byte(content))
	if err != nil {
		v.logger.WithFields("content", content).Debug("Failed to parse OCR response")
		return nil, err
	}

	return spans, nil
}
