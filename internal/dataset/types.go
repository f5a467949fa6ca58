// Package dataset defines the entities that flow through a pagelabel run and
// the JSONL format they are persisted in.
package dataset

import (
	"math"
	"strings"
)

// Point is one corner of a detected region in image pixel coordinates.
type Point struct {
	X float64
	Y float64
}

// BoundingBox holds the 4 corner points of a detected region. The corners are
// ordered but not required to be axis-aligned.
type BoundingBox struct {
	Points [4]Point
}

// NewRectBox builds an axis-aligned box from a top-left corner and a size.
// Corners are listed clockwise starting at the top-left.
func NewRectBox(x, y, width, height float64) BoundingBox {
	return BoundingBox{Points: [4]Point{
		{X: x, Y: y},
		{X: x + width, Y: y},
		{X: x + width, Y: y + height},
		{X: x, Y: y + height},
	}}
}

// Center returns the arithmetic mean of the 4 corners.
func (b BoundingBox) Center() Point {
	var cx, cy float64
	for _, p := range b.Points {
		cx += p.X
		cy += p.Y
	}
	return Point{X: cx / 4, Y: cy / 4}
}

// Top returns the smallest y coordinate.
func (b BoundingBox) Top() float64 {
	top := b.Points[0].Y
	for _, p := range b.Points[1:] {
		top = math.Min(top, p.Y)
	}
	return top
}

// Bottom returns the largest y coordinate.
func (b BoundingBox) Bottom() float64 {
	bottom := b.Points[0].Y
	for _, p := range b.Points[1:] {
		bottom = math.Max(bottom, p.Y)
	}
	return bottom
}

// Valid reports whether every coordinate is finite and non-negative.
func (b BoundingBox) Valid() bool {
	for _, p := range b.Points {
		for _, v := range []float64{p.X, p.Y} {
			if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
				return false
			}
		}
	}
	return true
}

// TextSpan is one piece of recognized text.
type TextSpan struct {
	Text string

	// Confidence is the recognition score in [0,1]
	Confidence float64

	BBox BoundingBox
}

// TableCell is one cell of a recognized table, positioned by zero-based row and column.
type TableCell struct {
	Row  int
	Col  int
	Text string
}

// TableContent is a recognized table.
type TableContent struct {
	Rows  int
	Cols  int
	Cells []TableCell

	// BBox is nil when the table engine does not report a region
	BBox *BoundingBox
}

// OCRDocument is the full recognition result for one image tile.
type OCRDocument struct {
	Texts  []TextSpan
	Tables []TableContent
}

// AllText joins span texts with newlines in recognition order.
func (d *OCRDocument) AllText() string {
	texts := make([]string, len(d.Texts))
	for i, span := range d.Texts {
		texts[i] = span.Text
	}
	return strings.Join(texts, "\n")
}

// IsEmpty reports whether the document has neither text spans nor tables.
func (d *OCRDocument) IsEmpty() bool {
	return len(d.Texts) == 0 && len(d.Tables) == 0
}

// CaptionResult is a caption plus the sentences it was built from, in order.
type CaptionResult struct {
	Caption             string
	SupportingSentences []string
}

// QAResult holds the quality gate findings for one tile.
type QAResult struct {
	Warnings       []string
	BlockingIssues []string
}

// IsAcceptable reports whether no blocking issue was found. Warnings never
// affect acceptability.
func (q *QAResult) IsAcceptable() bool {
	return len(q.BlockingIssues) == 0
}

// ImageArtifact identifies one on-disk page or tile image.
type ImageArtifact struct {
	ImagePath string
	ParentPDF string

	// PageNumber is 1-based within ParentPDF
	PageNumber int

	// SplitIndex is 0 for a whole page and 1..n for the tiles of a split page
	SplitIndex int
}

// DatasetRecord is the persisted unit: one tile with its recognized content,
// caption and QA outcome.
type DatasetRecord struct {
	Artifact ImageArtifact
	OCR      OCRDocument
	Caption  CaptionResult
	QA       QAResult
}
