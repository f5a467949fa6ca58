// Package converter rasterizes PDF files into one PNG image per page.
package converter

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/platinummonkey/pagelabel/internal/logger"
)

// ErrInvalidPDF is returned when a PDF cannot be opened, validated or rendered.
var ErrInvalidPDF = errors.New("invalid PDF")

// PageRenderer renders one 1-based page of a PDF at the given DPI.
type PageRenderer func(pdfPath string, pageNum, dpi int) (image.Image, error)

// PageCounter validates a PDF and returns its page count.
type PageCounter func(pdfPath string) (int, error)

// Converter turns PDF files into page images on disk.
type Converter struct {
	logger   *logger.Logger
	renderer PageRenderer
	counter  PageCounter
}

// Config holds configuration for the converter
type Config struct {
	Logger *logger.Logger

	// Renderer overrides the unipdf page renderer
	Renderer PageRenderer

	// Counter overrides the pdfcpu page counter
	Counter PageCounter
}

// Options controls a single conversion.
type Options struct {
	// DPI is the rasterization resolution
	DPI int

	// Overwrite re-renders pages whose image already exists
	Overwrite bool

	// MaxPages caps the number of pages rendered (0 = all pages)
	MaxPages int
}

// New creates a new converter instance
func New(cfg *Config) *Converter {
	if cfg == nil {
		cfg = &Config{}
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}

	renderer := cfg.Renderer
	if renderer == nil {
		renderer = renderPage
	}

	counter := cfg.Counter
	if counter == nil {
		counter = countPages
	}

	return &Converter{
		logger:   log,
		renderer: renderer,
		counter:  counter,
	}
}

// PageImagePath returns the image path for a 1-based page of pdfPath.
func PageImagePath(outputDir, pdfPath string, pageNum int) string {
	stem := strings.TrimSuffix(filepath.Base(pdfPath), filepath.Ext(pdfPath))
	return filepath.Join(outputDir, fmt.Sprintf("%s_page_%03d.png", stem, pageNum))
}

// Convert renders the pages of pdfPath into outputDir and returns the image
// paths in page order. Pages whose image already exists are reused unless
// opts.Overwrite is set.
func (c *Converter) Convert(ctx context.Context, pdfPath, outputDir string, opts Options) ([]string, error) {
	log := c.logger.WithFields("pdf", pdfPath, "dpi", opts.DPI)
	log.Debug("Converting PDF to page images")

	if opts.DPI <= 0 {
		return nil, fmt.Errorf("dpi must be positive, got %d", opts.DPI)
	}

	startTime := time.Now()

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create image directory: %w", err)
	}

	pageCount, err := c.counter(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPDF, pdfPath, err)
	}

	pages := pageCount
	if opts.MaxPages > 0 && opts.MaxPages < pages {
		pages = opts.MaxPages
	}

	paths := make([]string, 0, pages)
	rendered := 0
	for pageNum := 1; pageNum <= pages; pageNum++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		imagePath := PageImagePath(outputDir, pdfPath, pageNum)
		paths = append(paths, imagePath)

		if !opts.Overwrite {
			if _, err := os.Stat(imagePath); err == nil {
				log.WithFields("page", pageNum, "image", imagePath).Debug("Reusing existing page image")
				continue
			}
		}

		img, err := c.renderer(pdfPath, pageNum, opts.DPI)
		if err != nil {
			return nil, fmt.Errorf("%w: %s page %d: %v", ErrInvalidPDF, pdfPath, pageNum, err)
		}

		if err := writePNG(imagePath, img); err != nil {
			return nil, err
		}
		rendered++
	}

	log.WithFields(
		"pages", pages,
		"page_count", pageCount,
		"rendered", rendered,
		"duration", time.Since(startTime),
	).Info("PDF converted")

	return paths, nil
}

// writePNG encodes img to path, replacing any existing file
func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create image file %s: %w", path, err)
	}

	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode image %s: %w", path, err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close image file %s: %w", path, err)
	}

	return nil
}
