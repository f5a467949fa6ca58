package ocr

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/platinummonkey/pagelabel/internal/logger"
)

// OpenAIVisionClient implements VisionClient for the OpenAI chat completions API
type OpenAIVisionClient struct {
	client      openai.Client
	logger      *logger.Logger
	temperature float64
}

// NewOpenAIVisionClient creates a new OpenAI vision client. A non-empty
// endpoint overrides the API base URL for compatible servers.
func NewOpenAIVisionClient(apiKey, endpoint string, temperature float64, maxRetries int, log *logger.Logger) *OpenAIVisionClient {
	if log == nil {
		log = logger.Nop()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if endpoint != "" {
		opts = append(opts, option.WithBaseURL(endpoint))
	}
	if maxRetries > 0 {
		opts = append(opts, option.WithMaxRetries(maxRetries))
	}

	return &OpenAIVisionClient{
		client:      openai.NewClient(opts...),
		logger:      log,
		temperature: temperature,
	}
}

// GenerateOCR performs OCR using the OpenAI vision API
func (o *OpenAIVisionClient) GenerateOCR(ctx context.Context, model, prompt, imageData string) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(prompt),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: "data:image/png;base64," + imageData,
				}),
			}),
		},
		Temperature: openai.Float(o.temperature),
	})
	if err != nil {
		return "", fmt.Errorf("openai API error: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response from OpenAI")
	}

	return resp.Choices[0].Message.Content, nil
}

// HealthCheck verifies the model is visible to the API key
func (o *OpenAIVisionClient) HealthCheck(ctx context.Context, model string) error {
	if _, err := o.client.Models.Get(ctx, model); err != nil {
		return fmt.Errorf("openai health check failed: %w", err)
	}
	return nil
}

// Name returns the provider name
func (o *OpenAIVisionClient) Name() string {
	return string(ProviderOpenAI)
}

// SupportedModels returns a list of OpenAI vision models
func (o *OpenAIVisionClient) SupportedModels() []string {
	return []string{
		"gpt-4o",
		"gpt-4o-mini",
		"gpt-4-turbo",
	}
}
