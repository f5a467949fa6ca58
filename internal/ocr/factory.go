package ocr

import (
	"context"
	"fmt"
	"io"

	"github.com/platinummonkey/pagelabel/internal/config"
	"github.com/platinummonkey/pagelabel/internal/logger"
)

// NewVisionClient creates a vision client for a provider engine name
func NewVisionClient(ctx context.Context, cfg config.OCRConfig, log *logger.Logger) (VisionClient, error) {
	if log == nil {
		log = logger.Nop()
	}

	switch ProviderType(cfg.Engine) {
	case ProviderOllama:
		return NewOllamaVisionClient(cfg.Endpoint, cfg.Temperature, cfg.MaxRetries, log), nil

	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("OpenAI API key is required (set OPENAI_API_KEY environment variable)")
		}
		return NewOpenAIVisionClient(cfg.APIKey, cfg.Endpoint, cfg.Temperature, cfg.MaxRetries, log), nil

	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic API key is required (set ANTHROPIC_API_KEY environment variable)")
		}
		return NewAnthropicVisionClient(cfg.APIKey, cfg.Temperature, cfg.MaxRetries, log), nil

	case ProviderGoogle:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("google API key is required (set GOOGLE_API_KEY environment variable)")
		}
		client, err := NewGoogleVisionClient(ctx, cfg.APIKey, cfg.Temperature, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create Google vision client: %w", err)
		}
		return client, nil

	default:
		return nil, fmt.Errorf("%w: %q is not a vision provider", ErrUnknownEngine, cfg.Engine)
	}
}

// NewEngine creates the recognition engine named by cfg.Engine
func NewEngine(ctx context.Context, cfg config.OCRConfig, log *logger.Logger) (Engine, error) {
	if log == nil {
		log = logger.Nop()
	}

	switch cfg.Engine {
	case "tesseract":
		return NewTesseractEngine(cfg.Languages, log), nil

	case "http":
		return NewHTTPEngine(cfg.Endpoint, cfg.MaxRetries, log)

	case string(ProviderOllama), string(ProviderOpenAI), string(ProviderAnthropic), string(ProviderGoogle):
		prompt, err := LoadPrompt(cfg.PromptFile)
		if err != nil {
			return nil, err
		}

		client, err := NewVisionClient(ctx, cfg, log)
		if err != nil {
			return nil, err
		}

		model := cfg.Model
		if model == "" {
			model = prompt.Model
		}
		return NewVisionEngine(client, model, prompt.Text(), log), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, cfg.Engine)
	}
}

// NewService builds a Service from configuration. A table extractor that
// cannot be constructed is logged and treated as absent.
func NewService(ctx context.Context, cfg config.OCRConfig, log *logger.Logger) (*Service, error) {
	if log == nil {
		log = logger.Nop()
	}

	engine, err := NewEngine(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create OCR engine: %w", err)
	}

	tables, err := NewTableExtractor(cfg, log)
	if err != nil {
		log.WithError(err).Warn("Table extraction unavailable")
		tables = nil
	}

	log.WithFields("engine", engine.Name(), "tables", cfg.TableEngine).Info("OCR service initialized")

	return New(&Config{
		Logger: log,
		Engine: engine,
		Tables: tables,
	})
}

// HealthCheck verifies the engine can serve requests. Engines without a
// remote backend always pass.
func (s *Service) HealthCheck(ctx context.Context) error {
	checker, ok := s.engine.(interface{ HealthCheck(context.Context) error })
	if !ok {
		return nil
	}
	if err := checker.HealthCheck(ctx); err != nil {
		return fmt.Errorf("%s engine health check failed: %w", s.engine.Name(), err)
	}
	return nil
}

// Close releases engine resources, if any
func (s *Service) Close() error {
	if c, ok := s.engine.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Close releases the provider client, if it holds resources
func (v *VisionEngine) Close() error {
	if c, ok := v.client.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
