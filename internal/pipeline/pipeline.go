// Package pipeline drives a dataset run: PDFs are rendered to page images,
// pages are normalized and split into tiles, and every tile goes through OCR,
// captioning and the quality gate before all records are written as JSONL.
//
// Records are gathered by tile index, so the output order is the artifact
// order (sorted file name, then page, then tile) whatever the worker count.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/pagelabel/internal/caption"
	"github.com/platinummonkey/pagelabel/internal/config"
	"github.com/platinummonkey/pagelabel/internal/converter"
	"github.com/platinummonkey/pagelabel/internal/dataset"
	"github.com/platinummonkey/pagelabel/internal/logger"
	"github.com/platinummonkey/pagelabel/internal/qa"
)

// Rasterizer renders a PDF into one image file per page
type Rasterizer interface {
	Convert(ctx context.Context, pdfPath, outputDir string, opts converter.Options) ([]string, error)
}

// Preprocessor normalizes a page image and splits it into tiles when needed
type Preprocessor interface {
	Process(ctx context.Context, artifact dataset.ImageArtifact) ([]dataset.ImageArtifact, error)
}

// Extractor recognizes the content of one tile
type Extractor interface {
	Extract(ctx context.Context, imagePath string) (*dataset.OCRDocument, error)
}

// HealthChecker is implemented by extractors whose backend can be verified
// before the first tile is sent
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Captioner describes a tile from its recognized content
type Captioner interface {
	Caption(imagePath string, doc *dataset.OCRDocument) (dataset.CaptionResult, error)
}

// QualityGate checks a caption against the recognized content
type QualityGate interface {
	Evaluate(doc *dataset.OCRDocument, result dataset.CaptionResult) dataset.QAResult
}

// Pipeline coordinates a complete dataset run
type Pipeline struct {
	config       *config.Config
	logger       *logger.Logger
	converter    Rasterizer
	preprocessor Preprocessor
	ocr          Extractor
	captioner    Captioner
	qa           QualityGate
}

// Config holds configuration for the pipeline
type Config struct {
	Config       *config.Config
	Logger       *logger.Logger
	Converter    Rasterizer
	Preprocessor Preprocessor

	// OCR is only needed by Run; a convert-only pipeline may leave it nil
	OCR Extractor

	// Captioner and QA default to the caption builder and a quality gate
	// using Config.MinOCRConfidence
	Captioner Captioner
	QA        QualityGate
}

// New creates a new pipeline
func New(cfg *Config) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}

	if cfg.Config == nil {
		return nil, fmt.Errorf("config.Config is required")
	}
	if cfg.Converter == nil {
		return nil, fmt.Errorf("converter is required")
	}
	if cfg.Preprocessor == nil {
		return nil, fmt.Errorf("preprocessor is required")
	}

	captioner := cfg.Captioner
	if captioner == nil {
		captioner = caption.New(&caption.Config{Logger: log})
	}

	gate := cfg.QA
	if gate == nil {
		gate = qa.New(&qa.Config{Logger: log, MinConfidence: cfg.Config.MinOCRConfidence})
	}

	return &Pipeline{
		config:       cfg.Config,
		logger:       log,
		converter:    cfg.Converter,
		preprocessor: cfg.Preprocessor,
		ocr:          cfg.OCR,
		captioner:    captioner,
		qa:           gate,
	}, nil
}

// matchPDFs returns the input files matching the glob pattern, sorted by
// name and capped at MaxPDFs
func (p *Pipeline) matchPDFs() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(p.config.RawPDFDir, p.config.PDFGlobPattern))
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", p.config.PDFGlobPattern, err)
	}

	files := make([]string, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		files = append(files, m)
	}
	sort.Strings(files)

	if p.config.MaxPDFs > 0 && len(files) > p.config.MaxPDFs {
		files = files[:p.config.MaxPDFs]
	}

	return files, nil
}

// ensureOutputDirs creates the image directory and the annotation file's parent
func (p *Pipeline) ensureOutputDirs() error {
	if err := os.MkdirAll(p.config.ImageOutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create image output directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.config.AnnotationOutputPath), 0755); err != nil {
		return fmt.Errorf("failed to create annotation directory: %w", err)
	}
	return nil
}

// ConvertPDFs renders every matched PDF and returns one artifact per page, in
// file order then page order. No matching file is not an error.
func (p *Pipeline) ConvertPDFs(ctx context.Context) ([]dataset.ImageArtifact, error) {
	if err := p.ensureOutputDirs(); err != nil {
		return nil, err
	}

	files, err := p.matchPDFs()
	if err != nil {
		return nil, err
	}

	artifacts := []dataset.ImageArtifact{}
	if len(files) == 0 {
		p.logger.WithFields("pattern", p.config.PDFGlobPattern, "dir", p.config.RawPDFDir).
			Warn("No PDF files matched pattern")
		return artifacts, nil
	}

	opts := converter.Options{
		DPI:       p.config.DPI,
		Overwrite: p.config.OverwriteImages,
		MaxPages:  p.config.MaxPagesPerPDF,
	}

	for i, pdfPath := range files {
		p.logger.WithFields("pdf", filepath.Base(pdfPath), "file", i+1, "total", len(files)).Info("Converting PDF")

		pages, err := p.converter.Convert(ctx, pdfPath, p.config.ImageOutputDir, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to convert %s: %w", pdfPath, err)
		}

		for idx, imagePath := range pages {
			p.logger.WithImage(imagePath, idx+1, 0).Debug("Prepared page image")
			artifacts = append(artifacts, dataset.ImageArtifact{
				ImagePath:  imagePath,
				ParentPDF:  pdfPath,
				PageNumber: idx + 1,
			})
		}
	}

	p.logger.WithFields("pages", len(artifacts)).Info("Prepared page images")
	return artifacts, nil
}

// PrepareTiles normalizes every page and expands split pages into their
// tiles, keeping artifact order. Pages are handled one at a time since the
// preprocessor rewrites and deletes their files.
func (p *Pipeline) PrepareTiles(ctx context.Context, artifacts []dataset.ImageArtifact) ([]dataset.ImageArtifact, error) {
	tiles := make([]dataset.ImageArtifact, 0, len(artifacts))

	for _, artifact := range artifacts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		derived, err := p.preprocessor.Process(ctx, artifact)
		if err != nil {
			return nil, fmt.Errorf("failed to preprocess page %d of %s: %w", artifact.PageNumber, artifact.ParentPDF, err)
		}
		tiles = append(tiles, derived...)
	}

	return tiles, nil
}

// ProcessArtifact runs OCR, captioning and the quality gate on one tile
func (p *Pipeline) ProcessArtifact(ctx context.Context, artifact dataset.ImageArtifact) (dataset.DatasetRecord, error) {
	log := p.logger.WithImage(artifact.ImagePath, artifact.PageNumber, artifact.SplitIndex)

	doc, err := p.ocr.Extract(ctx, artifact.ImagePath)
	if err != nil {
		return dataset.DatasetRecord{}, fmt.Errorf("OCR failed for %s: %w", artifact.ImagePath, err)
	}

	result, err := p.captioner.Caption(artifact.ImagePath, doc)
	if err != nil {
		return dataset.DatasetRecord{}, fmt.Errorf("caption failed for %s: %w", artifact.ImagePath, err)
	}

	check := p.qa.Evaluate(doc, result)

	log.WithFields(
		"spans", len(doc.Texts),
		"tables", len(doc.Tables),
		"acceptable", check.IsAcceptable(),
	).Debug("Tile processed")

	return dataset.DatasetRecord{
		Artifact: artifact,
		OCR:      *doc,
		Caption:  result,
		QA:       check,
	}, nil
}

// processAll processes tiles on a bounded pool. Each worker writes only its
// own slot, so the result order is the input order. The first failure
// cancels the remaining work and is returned.
func (p *Pipeline) processAll(ctx context.Context, tiles []dataset.ImageArtifact) ([]dataset.DatasetRecord, error) {
	records := make([]dataset.DatasetRecord, len(tiles))

	workers := p.config.Workers
	if workers < 1 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, tile := range tiles {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			record, err := p.ProcessArtifact(gctx, tile)
			if err != nil {
				return err
			}
			records[i] = record
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

// Run executes the full workflow and writes the annotation file. When no page
// is produced nothing is written.
func (p *Pipeline) Run(ctx context.Context) (*RunResult, error) {
	if p.ocr == nil {
		return nil, fmt.Errorf("OCR extractor is required to run the pipeline")
	}

	result := NewRunResult()
	log := p.logger.WithRun(result.RunID).WithOperation("run")
	log.Info("Starting dataset run")
	startTime := time.Now()

	pages, err := p.ConvertPDFs(ctx)
	if err != nil {
		return nil, err
	}
	result.PDFCount = countParents(pages)
	result.PageCount = len(pages)

	if len(pages) == 0 {
		log.Warn("No artifacts generated, nothing to process")
		result.Duration = time.Since(startTime)
		return result, nil
	}

	if checker, ok := p.ocr.(HealthChecker); ok {
		if err := checker.HealthCheck(ctx); err != nil {
			return nil, err
		}
	}

	tiles, err := p.PrepareTiles(ctx, pages)
	if err != nil {
		return nil, err
	}
	result.TileCount = len(tiles)
	log.WithFields("pages", len(pages), "tiles", len(tiles), "workers", p.config.Workers).Info("Processing tiles")

	records, err := p.processAll(ctx, tiles)
	if err != nil {
		return nil, err
	}

	if err := dataset.WriteJSONL(p.config.AnnotationOutputPath, records); err != nil {
		return nil, err
	}

	result.AddRecords(records)
	result.AnnotationPath = p.config.AnnotationOutputPath
	result.Duration = time.Since(startTime)

	log.WithFields(
		"records", len(records),
		"acceptable", result.AcceptableCount,
		"flagged", result.FlaggedCount,
		"duration", result.Duration,
	).Info("Dataset run completed")

	return result, nil
}

// ConvertOnly renders and tiles the PDFs without OCR and without writing
// annotations, for inspecting the generated images.
func (p *Pipeline) ConvertOnly(ctx context.Context) (*RunResult, error) {
	result := NewRunResult()
	startTime := time.Now()

	pages, err := p.ConvertPDFs(ctx)
	if err != nil {
		return nil, err
	}
	result.PDFCount = countParents(pages)
	result.PageCount = len(pages)

	tiles, err := p.PrepareTiles(ctx, pages)
	if err != nil {
		return nil, err
	}
	result.TileCount = len(tiles)
	result.Tiles = tiles
	result.Duration = time.Since(startTime)

	p.logger.WithRun(result.RunID).WithOperation("convert").
		WithFields("pages", len(pages), "tiles", len(tiles)).Info("Conversion completed")
	return result, nil
}

func countParents(artifacts []dataset.ImageArtifact) int {
	seen := make(map[string]struct{})
	for _, a := range artifacts {
		seen[a.ParentPDF] = struct{}{}
	}
	return len(seen)
}

// NewRunID returns a fresh run identifier
func NewRunID() string {
	return uuid.NewString()
}
