// Package caption builds deterministic Vietnamese captions from recognized
// page content.
package caption

import (
	"fmt"
	"image"
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"os"
	"sort"
	"strings"

	"github.com/platinummonkey/pagelabel/internal/dataset"
	"github.com/platinummonkey/pagelabel/internal/logger"
)

const (
	// EmptySentence is the whole caption of a tile without text or tables
	EmptySentence = "Ảnh trang tài liệu không có chữ rõ ràng được nhận diện."

	// SceneSentence opens every non-empty caption
	SceneSentence = "Ảnh tài liệu với bố cục dọc, nền giấy sáng và nội dung tiếng Việt."

	// TableKeyword is the word for "table" that every table sentence contains
	TableKeyword = "bảng"

	// maxDescribedSpans is how many topmost spans get a positional sentence
	maxDescribedSpans = 3

	// maxPreviewCells is how many cells a table sentence quotes
	maxPreviewCells = 4
)

// Region boundaries as fractions of the image size
const (
	lowerThird = 0.33
	upperThird = 0.66
)

// Build returns the caption for a document on an image of the given size.
// The result depends only on its arguments.
func Build(doc *dataset.OCRDocument, width, height int) dataset.CaptionResult {
	if doc == nil || doc.IsEmpty() {
		return dataset.CaptionResult{
			Caption:             EmptySentence,
			SupportingSentences: []string{EmptySentence},
		}
	}

	sentences := []string{SceneSentence}

	top := topSpans(doc.Texts, maxDescribedSpans)
	for _, span := range top {
		sentences = append(sentences, fmt.Sprintf("%s có đoạn chữ: \"%s\".", describePosition(span.BBox, width, height), span.Text))
	}

	for _, table := range doc.Tables {
		sentences = append(sentences, describeTable(table))
	}

	if rest := len(doc.Texts) - len(top); rest > 0 {
		sentences = append(sentences, fmt.Sprintf("Ngoài ra còn %d đoạn chữ khác xuất hiện ở các vị trí phía dưới.", rest))
	}

	return dataset.CaptionResult{
		Caption:             strings.Join(sentences, " "),
		SupportingSentences: sentences,
	}
}

// BuildForImage reads the image dimensions from disk and builds the caption.
func BuildForImage(imagePath string, doc *dataset.OCRDocument) (dataset.CaptionResult, error) {
	width, height, err := imageSize(imagePath)
	if err != nil {
		return dataset.CaptionResult{}, err
	}
	return Build(doc, width, height), nil
}

// Builder is the pipeline-facing caption stage.
type Builder struct {
	logger *logger.Logger
}

// Config holds configuration for the caption builder
type Config struct {
	Logger *logger.Logger
}

// New creates a caption builder
func New(cfg *Config) *Builder {
	log := logger.Nop()
	if cfg != nil && cfg.Logger != nil {
		log = cfg.Logger
	}
	return &Builder{logger: log}
}

// Caption builds the caption for the tile at imagePath
func (b *Builder) Caption(imagePath string, doc *dataset.OCRDocument) (dataset.CaptionResult, error) {
	result, err := BuildForImage(imagePath, doc)
	if err != nil {
		return dataset.CaptionResult{}, err
	}

	b.logger.WithFields("image", imagePath, "sentences", len(result.SupportingSentences)).Debug("Caption built")
	return result, nil
}

// topSpans returns up to n spans with the smallest top coordinate. Spans with
// equal tops keep recognition order.
func topSpans(spans []dataset.TextSpan, n int) []dataset.TextSpan {
	sorted := make([]dataset.TextSpan, len(spans))
	copy(sorted, spans)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].BBox.Top() < sorted[j].BBox.Top()
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// describePosition names the 3x3 region holding the box center, e.g.
// "Ở phần trên chính giữa"
func describePosition(box dataset.BoundingBox, width, height int) string {
	c := box.Center()
	w, h := float64(width), float64(height)

	horizontal := "chính giữa"
	switch {
	case c.X < w*lowerThird:
		horizontal = "bên trái"
	case c.X > w*upperThird:
		horizontal = "bên phải"
	}

	vertical := "khoảng giữa"
	switch {
	case c.Y < h*lowerThird:
		vertical = "phần trên"
	case c.Y > h*upperThird:
		vertical = "phần dưới"
	}

	return fmt.Sprintf("Ở %s %s", vertical, horizontal)
}

func describeTable(table dataset.TableContent) string {
	header := fmt.Sprintf("Ảnh có một %s gồm %d dòng và %d cột.", TableKeyword, table.Rows, table.Cols)
	if len(table.Cells) == 0 {
		return header
	}

	cells := table.Cells
	if len(cells) > maxPreviewCells {
		cells = cells[:maxPreviewCells]
	}

	preview := make([]string, len(cells))
	for i, cell := range cells {
		preview[i] = fmt.Sprintf("(dòng %d, cột %d): \"%s\"", cell.Row+1, cell.Col+1, cell.Text)
	}

	return fmt.Sprintf("%s Một số ô nội dung gồm %s.", header, strings.Join(preview, "; "))
}

func imageSize(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read image size of %s: %w", path, err)
	}
	return cfg.Width, cfg.Height, nil
}
