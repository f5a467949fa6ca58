package ocr

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPrompt asks a vision model for word-level JSON on a printed
// Vietnamese document page.
const DefaultPrompt = `Extract all printed text from this image of a scanned Vietnamese document page.
Return ONLY valid JSON with no markdown formatting, no code blocks, no explanation.

Format:
{
  "words": [
    {"text": "word", "bbox": [x, y, width, height], "confidence": 0.95}
  ]
}

Rules:
- Keep Vietnamese diacritics exactly as printed
- Group words of the same printed line into one entry when they are adjacent
- Include ALL text, even if partially visible
- bbox coordinates are pixels from top-left (0,0)
- confidence is 0.0-1.0, use 0.8 if uncertain
- Return {"words": []} if no text found`

// PromptConfig is the YAML prompt override file. Empty fields keep the
// defaults.
type PromptConfig struct {
	Model  string `yaml:"model"`
	System string `yaml:"system"`
	Prompt string `yaml:"prompt"`
}

// Text returns the full prompt sent to the model
func (p *PromptConfig) Text() string {
	prompt := p.Prompt
	if strings.TrimSpace(prompt) == "" {
		prompt = DefaultPrompt
	}
	if system := strings.TrimSpace(p.System); system != "" {
		return system + "\n\n" + prompt
	}
	return prompt
}

// LoadPrompt reads a prompt override file. An empty path returns the default
// prompt.
func LoadPrompt(path string) (*PromptConfig, error) {
	if path == "" {
		return &PromptConfig{Prompt: DefaultPrompt}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt file: %w", err)
	}

	var cfg PromptConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse prompt file %s: %w", path, err)
	}

	if strings.TrimSpace(cfg.Prompt) == "" {
		cfg.Prompt = DefaultPrompt
	}

	return &cfg, nil
}
