// Package config provides configuration management for the pagelabel pipeline.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides (PAGELABEL_DPI, ...).
const EnvPrefix = "PAGELABEL"

// Config holds all configuration settings for a pipeline run.
// Configuration precedence: CLI flags > Environment variables > Config file > Defaults
//
// A Config is resolved once at startup and then shared read-only by every stage.
type Config struct {
	// RawPDFDir is the directory containing input PDF files
	RawPDFDir string

	// PDFGlobPattern selects input PDFs inside RawPDFDir (e.g. "*.pdf")
	PDFGlobPattern string

	// ImageOutputDir is where page images and split tiles are written
	ImageOutputDir string

	// AnnotationOutputPath is the JSONL file receiving one record per tile
	AnnotationOutputPath string

	// DPI is the rasterization resolution
	DPI int

	// OverwriteImages forces re-rendering of page images and tiles that already exist
	OverwriteImages bool

	// MinOCRConfidence is the confidence below which a span only produces a QA warning
	MinOCRConfidence float64

	// SplitHeightRatio triggers vertical splitting when height/width exceeds it
	SplitHeightRatio float64

	// SplitOverlap extends each inner tile boundary by this many pixel rows
	SplitOverlap int

	// Workers is the number of tiles processed concurrently (1 = sequential)
	Workers int

	// MaxPDFs caps the number of input files processed (0 = no cap)
	MaxPDFs int

	// MaxPagesPerPDF caps the number of pages rendered per file (0 = no cap)
	MaxPagesPerPDF int

	// LogLevel controls logging verbosity (debug, info, warn, error)
	LogLevel string

	// LogFormat is console or json
	LogFormat string

	// OCR configures the recognition backend
	OCR OCRConfig
}

// OCRConfig holds configuration for the OCR adapter
type OCRConfig struct {
	// Engine is the recognition backend (tesseract, ollama, openai, anthropic, google, http)
	Engine string

	// Languages are the tesseract language codes joined by "+" (e.g. "vie", "vie+eng")
	Languages string

	// Model is the vision model name (empty = provider default)
	Model string

	// Endpoint is the API endpoint for ollama and http engines
	Endpoint string

	// APIKey is read from OPENAI_API_KEY, ANTHROPIC_API_KEY or GOOGLE_API_KEY
	APIKey string

	// MaxRetries is the maximum number of retry attempts for remote calls
	MaxRetries int

	// Temperature controls randomness for vision providers (0.0 = deterministic)
	Temperature float64

	// PromptFile is an optional YAML file overriding the vision OCR prompt
	PromptFile string

	// TableEngine selects table recognition (none, heuristic, http)
	TableEngine string

	// TableEndpoint is the layout service endpoint for the http table engine
	TableEndpoint string
}

// Load reads configuration from multiple sources and returns a validated Config.
// When v is nil a fresh viper instance is used; the CLI passes the instance its
// flags are bound to.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(home)
			v.SetConfigName(".pagelabel")
			v.SetConfigType("yaml")
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	config := fromViper(v)
	config.OCR.APIKey = loadAPIKeyForEngine(config.OCR.Engine)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Default returns the built-in configuration without reading any file or environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	return fromViper(v)
}

// fromViper builds a Config from the keys registered in setDefaults
func fromViper(v *viper.Viper) *Config {
	return &Config{
		RawPDFDir:            v.GetString("raw-dir"),
		PDFGlobPattern:       v.GetString("pattern"),
		ImageOutputDir:       v.GetString("image-dir"),
		AnnotationOutputPath: v.GetString("annotations"),
		DPI:                  v.GetInt("dpi"),
		OverwriteImages:      v.GetBool("overwrite-images"),
		MinOCRConfidence:     v.GetFloat64("min-ocr-confidence"),
		SplitHeightRatio:     v.GetFloat64("split-height-ratio"),
		SplitOverlap:         v.GetInt("split-overlap"),
		Workers:              v.GetInt("workers"),
		MaxPDFs:              v.GetInt("max-pdfs"),
		MaxPagesPerPDF:       v.GetInt("max-pages"),
		LogLevel:             v.GetString("log-level"),
		LogFormat:            v.GetString("log-format"),
		OCR: OCRConfig{
			Engine:        v.GetString("ocr-engine"),
			Languages:     v.GetString("ocr-languages"),
			Model:         v.GetString("ocr-model"),
			Endpoint:      v.GetString("ocr-endpoint"),
			MaxRetries:    v.GetInt("ocr-max-retries"),
			Temperature:   v.GetFloat64("ocr-temperature"),
			PromptFile:    v.GetString("ocr-prompt-file"),
			TableEngine:   v.GetString("table-engine"),
			TableEndpoint: v.GetString("table-endpoint"),
		},
	}
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("raw-dir", "../raw")
	v.SetDefault("pattern", "*.pdf")
	v.SetDefault("image-dir", "../dataset/image")
	v.SetDefault("annotations", "../dataset/annotations.jsonl")
	v.SetDefault("dpi", 300)
	v.SetDefault("overwrite-images", false)
	v.SetDefault("min-ocr-confidence", 0.5)
	v.SetDefault("split-height-ratio", 1.6)
	v.SetDefault("split-overlap", 32)
	v.SetDefault("workers", 1)
	v.SetDefault("max-pdfs", 0)
	v.SetDefault("max-pages", 0)
	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "console")

	v.SetDefault("ocr-engine", "tesseract")
	v.SetDefault("ocr-languages", "vie")
	v.SetDefault("ocr-model", "")
	v.SetDefault("ocr-endpoint", "")
	v.SetDefault("ocr-max-retries", 3)
	v.SetDefault("ocr-temperature", 0.0)
	v.SetDefault("ocr-prompt-file", "")
	v.SetDefault("table-engine", "heuristic")
	v.SetDefault("table-endpoint", "")
}

// Validate checks that the configuration is valid and internally consistent.
// It normalizes case on enumerated values but never touches the filesystem.
func (c *Config) Validate() error {
	if c.RawPDFDir == "" {
		return fmt.Errorf("raw-dir cannot be empty")
	}
	if c.PDFGlobPattern == "" {
		return fmt.Errorf("pattern cannot be empty")
	}
	if _, err := filepath.Match(c.PDFGlobPattern, ""); err != nil {
		return fmt.Errorf("invalid pattern %q: %w", c.PDFGlobPattern, err)
	}
	if c.ImageOutputDir == "" {
		return fmt.Errorf("image-dir cannot be empty")
	}
	if c.AnnotationOutputPath == "" {
		return fmt.Errorf("annotations cannot be empty")
	}

	if c.DPI <= 0 {
		return fmt.Errorf("dpi must be positive, got %d", c.DPI)
	}
	if c.MinOCRConfidence < 0.0 || c.MinOCRConfidence > 1.0 {
		return fmt.Errorf("min-ocr-confidence must be between 0.0 and 1.0, got %f", c.MinOCRConfidence)
	}
	if c.SplitHeightRatio <= 0 {
		return fmt.Errorf("split-height-ratio must be positive, got %f", c.SplitHeightRatio)
	}
	if c.SplitOverlap < 0 {
		return fmt.Errorf("split-overlap must be non-negative, got %d", c.SplitOverlap)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.MaxPDFs < 0 {
		return fmt.Errorf("max-pdfs must be non-negative, got %d", c.MaxPDFs)
	}
	if c.MaxPagesPerPDF < 0 {
		return fmt.Errorf("max-pages must be non-negative, got %d", c.MaxPagesPerPDF)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("invalid log-level %q, must be one of: debug, info, warn, error", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	c.LogFormat = strings.ToLower(c.LogFormat)
	if c.LogFormat != "console" && c.LogFormat != "json" {
		return fmt.Errorf("invalid log-format %q, must be console or json", c.LogFormat)
	}

	if err := c.validateOCRConfig(); err != nil {
		return fmt.Errorf("invalid OCR configuration: %w", err)
	}

	return nil
}

// validateOCRConfig validates the recognition backend configuration
func (c *Config) validateOCRConfig() error {
	c.OCR.Engine = strings.ToLower(c.OCR.Engine)
	switch c.OCR.Engine {
	case "tesseract":
		if c.OCR.Languages == "" {
			return fmt.Errorf("ocr-languages cannot be empty for tesseract")
		}
	case "ollama":
		if c.OCR.Endpoint == "" {
			c.OCR.Endpoint = "http://localhost:11434"
		}
	case "openai", "anthropic", "google":
		if c.OCR.APIKey == "" {
			return fmt.Errorf("API key not found for ocr-engine %s, check environment variables", c.OCR.Engine)
		}
	case "http":
		if c.OCR.Endpoint == "" {
			return fmt.Errorf("ocr-endpoint cannot be empty for the http engine")
		}
	default:
		return fmt.Errorf("invalid ocr-engine %q, must be one of: tesseract, ollama, openai, anthropic, google, http", c.OCR.Engine)
	}

	c.OCR.TableEngine = strings.ToLower(c.OCR.TableEngine)
	switch c.OCR.TableEngine {
	case "none", "heuristic":
	case "http":
		if c.OCR.TableEndpoint == "" {
			return fmt.Errorf("table-endpoint cannot be empty for the http table engine")
		}
	default:
		return fmt.Errorf("invalid table-engine %q, must be one of: none, heuristic, http", c.OCR.TableEngine)
	}

	if c.OCR.Temperature < 0.0 || c.OCR.Temperature > 2.0 {
		return fmt.Errorf("ocr-temperature must be between 0.0 and 2.0, got %f", c.OCR.Temperature)
	}
	if c.OCR.MaxRetries < 0 {
		return fmt.Errorf("ocr-max-retries must be non-negative, got %d", c.OCR.MaxRetries)
	}

	return nil
}

// Resolve returns a copy of the configuration with relative paths made absolute
// against anchor. Absolute paths and "~/" paths are kept (the latter expanded).
func (c *Config) Resolve(anchor string) (*Config, error) {
	resolved := *c

	var err error
	for _, p := range []*string{
		&resolved.RawPDFDir,
		&resolved.ImageOutputDir,
		&resolved.AnnotationOutputPath,
		&resolved.OCR.PromptFile,
	} {
		if *p == "" {
			continue
		}
		if *p, err = resolvePath(anchor, *p); err != nil {
			return nil, err
		}
	}

	return &resolved, nil
}

func resolvePath(anchor, p string) (string, error) {
	if strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to expand home directory in %s: %w", p, err)
		}
		p = filepath.Join(home, p[2:])
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(anchor, p)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", p, err)
	}
	return abs, nil
}

// loadAPIKeyForEngine loads the API key for cloud vision engines from the environment
func loadAPIKeyForEngine(engine string) string {
	switch strings.ToLower(engine) {
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "google":
		if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
			return key
		}
		return os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	default:
		return ""
	}
}

// String returns a string representation of the configuration (with sensitive data redacted)
func (c *Config) String() string {
	apiKey := "not set"
	if c.OCR.APIKey != "" {
		if len(c.OCR.APIKey) > 8 {
			apiKey = "***" + c.OCR.APIKey[len(c.OCR.APIKey)-4:]
		} else {
			apiKey = "***"
		}
	}

	return fmt.Sprintf(`Configuration:
  RawPDFDir: %s
  PDFGlobPattern: %s
  ImageOutputDir: %s
  AnnotationOutputPath: %s
  DPI: %d
  OverwriteImages: %t
  MinOCRConfidence: %.2f
  SplitHeightRatio: %.2f
  SplitOverlap: %d
  Workers: %d
  MaxPDFs: %d
  MaxPagesPerPDF: %d
  LogLevel: %s
  OCR:
    Engine: %s
    Languages: %s
    Model: %s
    Endpoint: %s
    APIKey: %s
    MaxRetries: %d
    Temperature: %.2f
    PromptFile: %s
    TableEngine: %s
    TableEndpoint: %s`,
		c.RawPDFDir,
		c.PDFGlobPattern,
		c.ImageOutputDir,
		c.AnnotationOutputPath,
		c.DPI,
		c.OverwriteImages,
		c.MinOCRConfidence,
		c.SplitHeightRatio,
		c.SplitOverlap,
		c.Workers,
		c.MaxPDFs,
		c.MaxPagesPerPDF,
		c.LogLevel,
		c.OCR.Engine,
		c.OCR.Languages,
		c.OCR.Model,
		c.OCR.Endpoint,
		apiKey,
		c.OCR.MaxRetries,
		c.OCR.Temperature,
		c.OCR.PromptFile,
		c.OCR.TableEngine,
		c.OCR.TableEndpoint,
	)
}
