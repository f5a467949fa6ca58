package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/pagelabel/internal/converter"
	"github.com/platinummonkey/pagelabel/internal/pipeline"
	"github.com/platinummonkey/pagelabel/internal/preprocess"
)

// convertCmd represents the convert command
var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Render and tile the input PDFs without OCR",
	Long: `Render every matching PDF to page images, crop them and split tall pages
into tiles, then stop. No OCR runs and the annotation file is left untouched.

Useful for checking the DPI and split settings before a full run.

Examples:
  pagelabel convert --dpi 200 --split-height-ratio 1.4`,
	RunE: runConvert,
}

func init() {
	rootCmd.AddCommand(convertCmd)
}

func runConvert(_ *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Close() }()

	ctx, cancel := signalContext()
	defer cancel()

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
	})
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	result, err := p.ConvertOnly(ctx)
	if err != nil {
		return fmt.Errorf("conversion failed: %w", err)
	}

	fmt.Println()
	fmt.Printf("Converted %d PDF(s): %d page(s), %d tile(s) in %s\n",
		result.PDFCount, result.PageCount, result.TileCount, cfg.ImageOutputDir)
	for _, tile := range result.Tiles {
		fmt.Printf("  %s\n", tile.ImagePath)
	}

	return nil
}
