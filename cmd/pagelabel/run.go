package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/pagelabel/internal/converter"
	"github.com/platinummonkey/pagelabel/internal/ocr"
	"github.com/platinummonkey/pagelabel/internal/pipeline"
	"github.com/platinummonkey/pagelabel/internal/preprocess"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Build the annotation file from the input PDFs",
	Long: `Run the complete dataset pipeline.

This command:
1. Renders every matching PDF to page images
2. Crops each page to its content and splits tall pages into tiles
3. Recognizes text and tables on each tile
4. Builds a caption and checks it against the recognized content
5. Writes all records to the annotation file in page order

Tiles whose caption fails the quality checks are still written; the summary
lists them. When no PDF matches, nothing is written.

Examples:
  # Use the defaults (../raw into ../dataset)
  pagelabel run

  # Process four tiles at a time with an Ollama vision model
  pagelabel run --workers 4 --ocr-engine ollama --ocr-model llava

  # Try the pipeline on the first two pages of one document
  pagelabel run --pattern "hien_phap*.pdf" --max-pages 2`,
	RunE: runPipeline,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runPipeline(_ *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Close() }()

	ctx, cancel := signalContext()
	defer cancel()

	service, err := ocr.NewService(ctx, cfg.OCR, log.WithComponent("ocr"))
	if err != nil {
		return fmt.Errorf("failed to initialize OCR: %w", err)
	}
	defer func() {
		if err := service.Close(); err != nil {
			log.WithError(err).Warn("Failed to close OCR engine")
		}
	}()

	p, err := pipeline.New(&pipeline.Config{
		Config:    cfg,
		Logger:    log,
		Converter: converter.New(&converter.Config{Logger: log.WithComponent("converter")}),
		Preprocessor: preprocess.New(&preprocess.Config{
			Logger:           log.WithComponent("preprocess"),
			SplitHeightRatio: cfg.SplitHeightRatio,
			SplitOverlap:     cfg.SplitOverlap,
			Overwrite:        cfg.OverwriteImages,
		}),
		OCR: service,
	})
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	result, err := p.Run(ctx)
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}

	fmt.Println()
	fmt.Print(result.Summary())

	return nil
}
