// Package ocr turns tile images into recognized text spans and tables.
//
// Recognition is delegated to an Engine (tesseract, a vision model, or a
// remote OCR server). Table recognition is an optional capability: a Service
// without a TableExtractor, or whose extractor fails, produces documents with
// an empty table list.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/pagelabel/internal/dataset"
	"github.com/platinummonkey/pagelabel/internal/logger"
)

// ErrUnknownEngine is returned by the factories for an unsupported engine name.
var ErrUnknownEngine = errors.New("unknown OCR engine")

// Engine recognizes text spans in an image file.
type Engine interface {
	// Recognize returns the spans found in the image, in recognition order.
	// A blank page yields an empty slice, not an error.
	Recognize(ctx context.Context, imagePath string) ([]dataset.TextSpan, error)

	// Name identifies the engine in logs
	Name() string
}

// TableExtractor recognizes tables in an image file. The spans already
// recognized for the image are passed along for extractors that work from text.
type TableExtractor interface {
	ExtractTables(ctx context.Context, imagePath string, spans []dataset.TextSpan) ([]dataset.TableContent, error)
}

// Service combines an Engine with an optional TableExtractor.
type Service struct {
	engine Engine
	tables TableExtractor
	logger *logger.Logger
}

// Config holds configuration for the OCR service
type Config struct {
	Logger *logger.Logger

	// Engine is required
	Engine Engine

	// Tables is optional; nil means table recognition is unavailable
	Tables TableExtractor
}

// New creates a new OCR service
func New(cfg *Config) (*Service, error) {
	if cfg == nil || cfg.Engine == nil {
		return nil, fmt.Errorf("OCR engine is required")
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}

	return &Service{
		engine: cfg.Engine,
		tables: cfg.Tables,
		logger: log,
	}, nil
}

// Extract runs recognition on one image. Table extraction failures are logged
// and degrade to an empty table list.
func (s *Service) Extract(ctx context.Context, imagePath string) (*dataset.OCRDocument, error) {
	log := s.logger.WithFields("image", imagePath, "engine", s.engine.Name())
	startTime := time.Now()

	spans, err := s.engine.Recognize(ctx, imagePath)
	if err != nil {
		return nil, fmt.Errorf("%s recognition failed for %s: %w", s.engine.Name(), imagePath, err)
	}

	doc := &dataset.OCRDocument{Texts: spans}

	if s.tables != nil {
		tables, err := s.tables.ExtractTables(ctx, imagePath, spans)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.WithError(err).Warn("Table extraction failed, continuing without tables")
		} else {
			doc.Tables = tables
		}
	}

	log.WithFields(
		"spans", len(doc.Texts),
		"tables", len(doc.Tables),
		"duration", time.Since(startTime),
	).Debug("OCR completed")

	return doc, nil
}
