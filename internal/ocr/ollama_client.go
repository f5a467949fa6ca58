package ocr

import (
	"context"
	"fmt"

	"github.com/platinummonkey/pagelabel/internal/logger"
	"github.com/platinummonkey/pagelabel/internal/ollama"
)

// OllamaVisionClient adapts the Ollama client to VisionClient
type OllamaVisionClient struct {
	client      *ollama.Client
	logger      *logger.Logger
	temperature float64
}

// NewOllamaVisionClient creates a new Ollama vision client
func NewOllamaVisionClient(endpoint string, temperature float64, maxRetries int, log *logger.Logger) *OllamaVisionClient {
	if log == nil {
		log = logger.Nop()
	}

	clientOpts := []ollama.ClientOption{
		ollama.WithLogger(log),
	}
	if endpoint != "" {
		clientOpts = append(clientOpts, ollama.WithEndpoint(endpoint))
	}
	if maxRetries > 0 {
		clientOpts = append(clientOpts, ollama.WithMaxRetries(maxRetries))
	}

	return &OllamaVisionClient{
		client:      ollama.NewClient(clientOpts...),
		logger:      log,
		temperature: temperature,
	}
}

// GenerateOCR runs the vision model on a base64-encoded image
func (o *OllamaVisionClient) GenerateOCR(ctx context.Context, model, prompt, imageData string) (string, error) {
	resp, err := o.client.GenerateWithVision(ctx, ollama.VisionRequest{
		Model:       model,
		Prompt:      prompt,
		Images:      []string{imageData},
		Temperature: o.temperature,
		Schema:      ollama.WordsSchema,
	})
	if err != nil {
		return "", fmt.Errorf("ollama generate failed: %w", err)
	}
	o.logger.WithFields("model", model, "chars", len(resp.Response), "done_reason", resp.DoneReason).Debug("Received OCR answer")
	return resp.Response, nil
}

// HealthCheck verifies that Ollama is reachable and pulls the model if missing
func (o *OllamaVisionClient) HealthCheck(ctx context.Context, model string) error {
	if err := o.client.HealthCheck(ctx); err != nil {
		return err
	}

	return o.client.EnsureModel(ctx, model)
}

// Name returns the provider name
func (o *OllamaVisionClient) Name() string {
	return string(ProviderOllama)
}

// SupportedModels returns a list of commonly used Ollama vision models
func (o *OllamaVisionClient) SupportedModels() []string {
	return []string{
		"llava",
		"llava:13b",
		"llama3.2-vision",
		"minicpm-v",
		"qwen2.5vl",
	}
}
