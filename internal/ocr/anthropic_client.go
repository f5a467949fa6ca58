package ocr

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/platinummonkey/pagelabel/internal/logger"
)

// anthropicMaxTokens bounds the answer size; a dense page of words with
// boxes fits well below it
const anthropicMaxTokens = 8192

// AnthropicVisionClient implements VisionClient for the Anthropic messages API
type AnthropicVisionClient struct {
	client      anthropic.Client
	logger      *logger.Logger
	temperature float64
}

// NewAnthropicVisionClient creates a new Anthropic vision client
func NewAnthropicVisionClient(apiKey string, temperature float64, maxRetries int, log *logger.Logger) *AnthropicVisionClient {
	if log == nil {
		log = logger.Nop()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if maxRetries > 0 {
		opts = append(opts, option.WithMaxRetries(maxRetries))
	}

	return &AnthropicVisionClient{
		client:      anthropic.NewClient(opts...),
		logger:      log,
		temperature: temperature,
	}
}

// GenerateOCR performs OCR using the Anthropic vision API
func (a *AnthropicVisionClient) GenerateOCR(ctx context.Context, model, prompt, imageData string) (string, error) {
	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: anthropicMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewTextBlock(prompt),
				anthropic.NewImageBlockBase64("image/png", imageData),
			),
		},
		Temperature: anthropic.Float(a.temperature),
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API error: %w", err)
	}

	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != "" {
			return block.Text, nil
		}
	}

	return "", fmt.Errorf("no text content in Anthropic response")
}

// HealthCheck sends a minimal message to verify credentials and model
func (a *AnthropicVisionClient) HealthCheck(ctx context.Context, model string) error {
	_, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 10,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
	})
	if err != nil {
		return fmt.Errorf("anthropic health check failed: %w", err)
	}
	return nil
}

// Name returns the provider name
func (a *AnthropicVisionClient) Name() string {
	return string(ProviderAnthropic)
}

// SupportedModels returns a list of Anthropic models with vision support
func (a *AnthropicVisionClient) SupportedModels() []string {
	return []string{
		"claude-3-5-sonnet-20241022",
		"claude-3-5-haiku-20241022",
		"claude-3-opus-20240229",
	}
}
