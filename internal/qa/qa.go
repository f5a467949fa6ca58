// Package qa cross-checks captions against recognized content.
//
// Findings are data, never errors: warnings are informational and blocking
// issues flag a record as unreliable without dropping it.
package qa

import (
	"fmt"
	"strings"

	"github.com/platinummonkey/pagelabel/internal/caption"
	"github.com/platinummonkey/pagelabel/internal/dataset"
	"github.com/platinummonkey/pagelabel/internal/logger"
)

// DefaultMinConfidence is used when no confidence floor is configured
const DefaultMinConfidence = 0.5

// Gate evaluates captions against OCR output
type Gate struct {
	minConfidence float64
	logger        *logger.Logger
}

// Config holds configuration for the quality gate
type Config struct {
	Logger *logger.Logger

	// MinConfidence is the floor below which spans are only warned about
	MinConfidence float64
}

// New creates a quality gate. A nil config uses DefaultMinConfidence.
func New(cfg *Config) *Gate {
	g := &Gate{
		minConfidence: DefaultMinConfidence,
		logger:        logger.Nop(),
	}
	if cfg != nil {
		g.minConfidence = cfg.MinConfidence
		if cfg.Logger != nil {
			g.logger = cfg.Logger
		}
	}
	return g
}

// Evaluate checks every span and table against the caption.
//
// A span below the confidence floor only produces a warning and is not looked
// up in the caption. Any other non-blank span whose lower-cased text is not a
// substring of the lower-cased caption is a blocking issue, as is a document
// with tables whose caption never mentions a table.
func (g *Gate) Evaluate(doc *dataset.OCRDocument, result dataset.CaptionResult) dataset.QAResult {
	qa := dataset.QAResult{
		Warnings:       []string{},
		BlockingIssues: []string{},
	}
	if doc == nil {
		return qa
	}

	captionText := strings.ToLower(result.Caption)

	for _, span := range doc.Texts {
		if span.Confidence < g.minConfidence {
			qa.Warnings = append(qa.Warnings, fmt.Sprintf("Đoạn chữ '%s' có độ tin cậy thấp (%.2f).", span.Text, span.Confidence))
			continue
		}

		normalized := strings.ToLower(strings.TrimSpace(span.Text))
		if normalized != "" && !strings.Contains(captionText, normalized) {
			qa.BlockingIssues = append(qa.BlockingIssues, fmt.Sprintf("Caption chưa nhắc đến đoạn chữ: '%s'.", span.Text))
		}
	}

	if len(doc.Tables) > 0 && !strings.Contains(captionText, caption.TableKeyword) {
		qa.BlockingIssues = append(qa.BlockingIssues, "Caption chưa mô tả bảng biểu trong ảnh.")
	}

	if len(qa.BlockingIssues) > 0 {
		g.logger.WithFields("blocking", len(qa.BlockingIssues), "warnings", len(qa.Warnings)).Debug("Caption flagged")
	}

	return qa
}
