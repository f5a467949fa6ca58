// Package preprocess normalizes page images and splits over-tall pages into
// overlapping vertical tiles.
package preprocess

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // decoder registration
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp" // decoder registration
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // decoder registration
	_ "golang.org/x/image/webp" // decoder registration

	"github.com/platinummonkey/pagelabel/internal/dataset"
	"github.com/platinummonkey/pagelabel/internal/logger"
)

const (
	// contentThreshold is the luminance below which a pixel counts as content
	contentThreshold = 245

	// cropMargin is the white border added around the cropped content
	cropMargin = 5
)

// ErrDecode is returned when an artifact's image cannot be decoded.
var ErrDecode = errors.New("cannot decode image")

// Span is a half-open range of pixel rows [Top, Bottom).
type Span struct {
	Top    int
	Bottom int
}

// Height returns the number of rows in the span.
func (s Span) Height() int {
	return s.Bottom - s.Top
}

// Preprocessor normalizes page images and splits tall pages.
type Preprocessor struct {
	logger     *logger.Logger
	splitRatio float64
	overlap    int
	overwrite  bool
}

// Config holds configuration for the preprocessor
type Config struct {
	Logger *logger.Logger

	// SplitHeightRatio triggers splitting when height/width exceeds it
	SplitHeightRatio float64

	// SplitOverlap is the number of rows each tile extends past its slice boundary
	SplitOverlap int

	// Overwrite rewrites tile files that already exist
	Overwrite bool
}

// New creates a new preprocessor
func New(cfg *Config) *Preprocessor {
	if cfg == nil {
		cfg = &Config{}
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}

	return &Preprocessor{
		logger:     log,
		splitRatio: cfg.SplitHeightRatio,
		overlap:    cfg.SplitOverlap,
		overwrite:  cfg.Overwrite,
	}
}

// Process normalizes the artifact's image in place and, when the page is too
// tall, replaces it with its tiles. It returns either the original artifact or
// the tiles, never both.
func (p *Preprocessor) Process(ctx context.Context, artifact dataset.ImageArtifact) ([]dataset.ImageArtifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	log := p.logger.WithImage(artifact.ImagePath, artifact.PageNumber, artifact.SplitIndex)

	img, err := decodeFile(artifact.ImagePath)
	if err != nil {
		return nil, err
	}

	normalized := Normalize(img)
	if err := savePNG(artifact.ImagePath, normalized); err != nil {
		return nil, err
	}

	bounds := normalized.Bounds()
	log.WithFields("width", bounds.Dx(), "height", bounds.Dy()).Debug("Normalized page image")

	if !p.NeedsSplit(normalized) {
		return []dataset.ImageArtifact{artifact}, nil
	}

	return p.Split(normalized, artifact)
}

// Normalize flattens img onto an opaque white RGB canvas and crops it to the
// tight rectangle around content pixels plus a white margin. A blank page is
// returned without cropping.
func Normalize(img image.Image) image.Image {
	src := toRGBA(img)
	b := src.Bounds()

	minX, minY, maxX, maxY := b.Max.X, b.Max.Y, b.Min.X-1, b.Min.Y-1
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := src.Pix[(y-b.Min.Y)*src.Stride:]
		for x := b.Min.X; x < b.Max.X; x++ {
			px := row[(x-b.Min.X)*4:]
			if luminance(px[0], px[1], px[2]) >= contentThreshold {
				continue
			}
			minX = min(minX, x)
			maxX = max(maxX, x)
			minY = min(minY, y)
			maxY = max(maxY, y)
		}
	}

	if maxX < minX {
		return src
	}

	content := image.Rect(minX, minY, maxX+1, maxY+1)
	out := image.NewRGBA(image.Rect(0, 0, content.Dx()+2*cropMargin, content.Dy()+2*cropMargin))
	draw.Draw(out, out.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(out, content.Sub(content.Min).Add(image.Pt(cropMargin, cropMargin)), src, content.Min, draw.Src)

	return out
}

// NeedsSplit reports whether img is taller than the configured ratio allows.
func (p *Preprocessor) NeedsSplit(img image.Image) bool {
	b := img.Bounds()
	if b.Dx() == 0 {
		return false
	}
	return float64(b.Dy())/float64(b.Dx()) > p.splitRatio
}

// TileBounds returns the row range of every tile for an image of the given
// size. Each tile covers one slice plus SplitOverlap rows on each inner edge.
func (p *Preprocessor) TileBounds(height, width int) []Span {
	ratio := float64(height) / float64(max(width, 1))
	pieces := max(2, int(math.Ceil(ratio/math.Max(p.splitRatio, 1))))
	sliceHeight := int(math.Ceil(float64(height) / float64(pieces)))

	spans := make([]Span, pieces)
	for i := range spans {
		top := 0
		if i > 0 {
			top = max(0, i*sliceHeight-p.overlap)
		}
		bottom := height
		if i < pieces-1 {
			bottom = min(height, (i+1)*sliceHeight+p.overlap)
		}
		// Degenerate sizes can push a trailing tile past the end
		if top >= bottom {
			top = max(0, bottom-1)
		}
		spans[i] = Span{Top: top, Bottom: bottom}
	}

	return spans
}

// Split writes one PNG per tile next to the artifact's image, named
// <stem>_split_<n>.png with n starting at 1, then deletes the original image.
func (p *Preprocessor) Split(img image.Image, artifact dataset.ImageArtifact) ([]dataset.ImageArtifact, error) {
	b := img.Bounds()
	spans := p.TileBounds(b.Dy(), b.Dx())

	dir := filepath.Dir(artifact.ImagePath)
	stem := strings.TrimSuffix(filepath.Base(artifact.ImagePath), filepath.Ext(artifact.ImagePath))

	tiles := make([]dataset.ImageArtifact, 0, len(spans))
	for i, span := range spans {
		tilePath := filepath.Join(dir, fmt.Sprintf("%s_split_%d.png", stem, i+1))

		if _, err := os.Stat(tilePath); err != nil || p.overwrite {
			rect := image.Rect(b.Min.X, b.Min.Y+span.Top, b.Max.X, b.Min.Y+span.Bottom)
			tile := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
			draw.Draw(tile, tile.Bounds(), img, rect.Min, draw.Src)

			if err := savePNG(tilePath, tile); err != nil {
				return nil, err
			}
		}

		tiles = append(tiles, dataset.ImageArtifact{
			ImagePath:  tilePath,
			ParentPDF:  artifact.ParentPDF,
			PageNumber: artifact.PageNumber,
			SplitIndex: i + 1,
		})
	}

	if err := os.Remove(artifact.ImagePath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove split page image: %w", err)
	}

	p.logger.WithImage(artifact.ImagePath, artifact.PageNumber, artifact.SplitIndex).
		WithFields("tiles", len(tiles), "height", b.Dy(), "width", b.Dx()).
		Info("Split tall page")

	return tiles, nil
}

// luminance uses the ITU-R 601-2 weights with integer arithmetic, rounded
// to the nearest level
func luminance(r, g, b uint8) int {
	return (int(r)*299 + int(g)*587 + int(b)*114 + 500) / 1000
}

// toRGBA copies img onto an opaque white canvas anchored at the origin
func toRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrDecode, path, err)
	}

	return img, nil
}

// savePNG writes img to a temporary sibling and renames it over path
func savePNG(path string, img image.Image) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tile-*.png")
	if err != nil {
		return fmt.Errorf("failed to create temp image: %w", err)
	}
	tmpPath := tmp.Name()

	if err := png.Encode(tmp, img); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to encode image %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close image %s: %w", path, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write image %s: %w", path, err)
	}

	return nil
}
