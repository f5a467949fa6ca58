package ocr

import (
	"context"
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/platinummonkey/pagelabel/internal/dataset"
	"github.com/platinummonkey/pagelabel/internal/logger"
)

var (
	bboxPattern  = regexp.MustCompile(`bbox\s+(\d+)\s+(\d+)\s+(\d+)\s+(\d+)`)
	wconfPattern = regexp.MustCompile(`x_wconf\s+(\d+(?:\.\d+)?)`)
)

// TesseractEngine recognizes text with a local tesseract installation. Each
// hOCR line becomes one span.
type TesseractEngine struct {
	languages []string
	logger    *logger.Logger
}

// NewTesseractEngine creates a tesseract engine for "+"-joined language codes
// such as "vie" or "vie+eng".
func NewTesseractEngine(languages string, log *logger.Logger) *TesseractEngine {
	if log == nil {
		log = logger.Nop()
	}

	var langs []string
	for _, l := range strings.Split(languages, "+") {
		if l = strings.TrimSpace(l); l != "" {
			langs = append(langs, l)
		}
	}
	if len(langs) == 0 {
		langs = []string{"vie"}
	}

	return &TesseractEngine{
		languages: langs,
		logger:    log,
	}
}

// Name returns the engine name
func (t *TesseractEngine) Name() string {
	return "tesseract"
}

// Recognize runs tesseract on the image file
func (t *TesseractEngine) Recognize(ctx context.Context, imagePath string) ([]dataset.TextSpan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// A gosseract client wraps a single tesseract handle and is not safe for
	// concurrent use, so each call gets its own
	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(t.languages...); err != nil {
		return nil, fmt.Errorf("failed to set OCR language: %w", err)
	}

	if err := client.SetImage(imagePath); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}

	hocrText, err := client.HOCRText()
	if err != nil {
		return nil, fmt.Errorf("failed to get HOCR text: %w", err)
	}

	spans, err := parseHOCR(hocrText)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HOCR: %w", err)
	}

	t.logger.WithFields("image", imagePath, "lines", len(spans)).Debug("Tesseract recognition completed")
	return spans, nil
}

// parseHOCR converts hOCR output into one span per text line. Line confidence
// is the mean word confidence scaled to [0,1].
func parseHOCR(hocrText string) ([]dataset.TextSpan, error) {
	var page HOCRPage
	if err := xml.Unmarshal([]byte(hocrText), &page); err != nil {
		return nil, fmt.Errorf("failed to unmarshal HOCR XML: %w", err)
	}

	spans := []dataset.TextSpan{}
	for _, pageDiv := range page.Body.Pages {
		for _, area := range pageDiv.Areas {
			for _, par := range area.Pars {
				for _, line := range par.Lines {
					if span, ok := lineToSpan(line); ok {
						spans = append(spans, span)
					}
				}
			}
		}
	}

	return spans, nil
}

func lineToSpan(line HOCRLine) (dataset.TextSpan, bool) {
	bbox := extractBBox(line.Title)
	if bbox == nil {
		return dataset.TextSpan{}, false
	}

	var words []string
	var confSum float64
	for _, word := range line.Words {
		text := word.Content()
		if text == "" {
			continue
		}
		words = append(words, text)
		confSum += extractConfidence(word.Title)
	}
	if len(words) == 0 {
		return dataset.TextSpan{}, false
	}

	x0, y0, x1, y1 := float64(bbox[0]), float64(bbox[1]), float64(bbox[2]), float64(bbox[3])
	return dataset.TextSpan{
		Text:       strings.Join(words, " "),
		Confidence: clampConfidence(confSum / float64(len(words)) / 100),
		BBox:       dataset.NewRectBox(x0, y0, x1-x0, y1-y0),
	}, true
}

// extractBBox extracts bounding box coordinates from HOCR title attribute
// Format: "bbox x0 y0 x1 y1" or "bbox x0 y0 x1 y1; x_wconf 95"
func extractBBox(title string) []int {
	matches := bboxPattern.FindStringSubmatch(title)
	if len(matches) != 5 {
		return nil
	}

	bbox := make([]int, 4)
	for i := 0; i < 4; i++ {
		val, err := strconv.Atoi(matches[i+1])
		if err != nil {
			return nil
		}
		bbox[i] = val
	}

	return bbox
}

// extractConfidence extracts the 0-100 word confidence from an HOCR title attribute
func extractConfidence(title string) float64 {
	matches := wconfPattern.FindStringSubmatch(title)
	if len(matches) != 2 {
		return 0.0
	}

	conf, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0.0
	}

	return conf
}

// HOCRPage represents the HOCR XML structure
type HOCRPage struct {
	XMLName xml.Name `xml:"html"`
	Body    HOCRBody `xml:"body"`
}

// HOCRBody represents the body section of HOCR
type HOCRBody struct {
	Pages []HOCRPageDiv `xml:"div"`
}

// HOCRPageDiv represents an ocr_page div (page container)
type HOCRPageDiv struct {
	Title string     `xml:"title,attr"`
	Areas []HOCRArea `xml:"div"`
}

// HOCRArea represents an ocr_carea (content area)
type HOCRArea struct {
	Pars []HOCRPar `xml:"p"`
}

// HOCRPar represents an ocr_par (paragraph)
type HOCRPar struct {
	Lines []HOCRLine `xml:"span"`
}

// HOCRLine represents an ocr_line, ocr_header or ocr_caption span
type HOCRLine struct {
	Class string     `xml:"class,attr"`
	Title string     `xml:"title,attr"`
	Words []HOCRWord `xml:"span"`
}

// HOCRWord represents an ocr_word (individual word). Tesseract wraps bold and
// italic words in <strong> and <em>.
type HOCRWord struct {
	Title  string `xml:"title,attr"`
	Text   string `xml:",chardata"`
	Strong string `xml:"strong"`
	Em     string `xml:"em"`
}

// Content returns the word text regardless of styling
func (w HOCRWord) Content() string {
	return strings.TrimSpace(w.Text + w.Strong + w.Em)
}
