package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/platinummonkey/pagelabel/internal/config"
	"github.com/platinummonkey/pagelabel/internal/logger"
)

var cfgFile string

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "pagelabel",
	Short: "Build a captioned OCR dataset from Vietnamese PDF documents",
	Long: `pagelabel turns a directory of scanned or printed PDF documents into an
image-caption dataset for vision-language training.

Pipeline:
  - Render every PDF page to a PNG image
  - Crop pages to their content and split tall pages into overlapping tiles
  - Recognize text and tables on each tile
  - Build a Vietnamese caption describing the tile
  - Check the caption against the recognized content
  - Write one JSONL annotation record per tile`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()

	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.pagelabel.yaml)")

	// Input and output
	flags.String("raw-dir", "../raw", "directory containing input PDFs")
	flags.String("pattern", "*.pdf", "glob selecting input PDFs inside raw-dir")
	flags.String("image-dir", "../dataset/image", "output directory for page images and tiles")
	flags.String("annotations", "../dataset/annotations.jsonl", "output JSONL annotation file")
	flags.Int("max-pdfs", 0, "process at most this many PDFs (0 = all)")
	flags.Int("max-pages", 0, "render at most this many pages per PDF (0 = all)")

	// Imaging
	flags.Int("dpi", 300, "rasterization resolution")
	flags.Bool("overwrite-images", false, "re-render page images and tiles that already exist")
	flags.Float64("split-height-ratio", 1.6, "split pages whose height/width exceeds this ratio")
	flags.Int("split-overlap", 32, "rows shared across each tile boundary")

	// Processing
	flags.Int("workers", 1, "number of tiles processed concurrently")
	flags.Float64("min-ocr-confidence", 0.5, "spans below this confidence only produce a QA warning")

	// OCR
	flags.String("ocr-engine", "tesseract", "OCR engine (tesseract, ollama, openai, anthropic, google, http)")
	flags.String("ocr-languages", "vie", "tesseract languages joined by '+'")
	flags.String("ocr-model", "", "vision model name (default depends on the engine)")
	flags.String("ocr-endpoint", "", "endpoint for the ollama and http engines")
	flags.Int("ocr-max-retries", 3, "maximum retries for remote OCR calls")
	flags.Float64("ocr-temperature", 0.0, "sampling temperature for vision engines")
	flags.String("ocr-prompt-file", "", "YAML file overriding the vision OCR prompt")
	flags.String("table-engine", "heuristic", "table recognition (none, heuristic, http)")
	flags.String("table-endpoint", "", "layout service endpoint for the http table engine")

	// Logging
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "console", "log format (console, json)")

	// Flag names are the configuration keys
	_ = viper.BindPFlags(flags)
}

// loadConfig reads the configuration and resolves relative paths against the
// config file's directory, or the working directory when no file is used.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper(), cfgFile)
	if err != nil {
		return nil, err
	}

	anchor, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	if used := viper.ConfigFileUsed(); used != "" {
		anchor = filepath.Dir(used)
	}

	return cfg.Resolve(anchor)
}

// setup loads the configuration and builds the logger shared by every command
func setup() (*config.Config, *logger.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.New(&logger.Config{
		Level:            cfg.LogLevel,
		Format:           cfg.LogFormat,
		EnableStacktrace: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if used := viper.ConfigFileUsed(); used != "" {
		log.WithFields("path", used).Debug("Using config file")
	}
	log.Debug(cfg.String())

	return cfg, log, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
