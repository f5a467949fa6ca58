package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/pagelabel/internal/dataset"
)

// RunResult contains the results of a pipeline run
type RunResult struct {
	RunID           string
	PDFCount        int
	PageCount       int
	TileCount       int
	AcceptableCount int
	FlaggedCount    int
	WarningCount    int
	AnnotationPath  string
	Duration        time.Duration

	// Records are the written records in output order (empty for convert-only runs)
	Records []dataset.DatasetRecord

	// Tiles are the final artifacts of a convert-only run
	Tiles []dataset.ImageArtifact
}

// NewRunResult creates a new run result with a fresh run id
func NewRunResult() *RunResult {
	return &RunResult{
		RunID:   NewRunID(),
		Records: make([]dataset.DatasetRecord, 0),
		Tiles:   make([]dataset.ImageArtifact, 0),
	}
}

// AddRecords appends records and updates the QA counters
func (r *RunResult) AddRecords(records []dataset.DatasetRecord) {
	for i := range records {
		r.Records = append(r.Records, records[i])
		if records[i].QA.IsAcceptable() {
			r.AcceptableCount++
		} else {
			r.FlaggedCount++
		}
		r.WarningCount += len(records[i].QA.Warnings)
	}
}

// HasFlagged returns true if any record has blocking QA issues
func (r *RunResult) HasFlagged() bool {
	return r.FlaggedCount > 0
}

// Summary returns a human-readable summary of the run
func (r *RunResult) Summary() string {
	var sb strings.Builder

	sb.WriteString("Run Summary:\n")
	sb.WriteString(fmt.Sprintf("  Run ID: %s\n", r.RunID))
	sb.WriteString(fmt.Sprintf("  PDFs: %d\n", r.PDFCount))
	sb.WriteString(fmt.Sprintf("  Pages: %d\n", r.PageCount))
	sb.WriteString(fmt.Sprintf("  Tiles: %d\n", r.TileCount))
	sb.WriteString(fmt.Sprintf("  Records: %d\n", len(r.Records)))
	sb.WriteString(fmt.Sprintf("  Acceptable: %d\n", r.AcceptableCount))
	sb.WriteString(fmt.Sprintf("  Flagged: %d\n", r.FlaggedCount))
	sb.WriteString(fmt.Sprintf("  Warnings: %d\n", r.WarningCount))
	if r.AnnotationPath != "" {
		sb.WriteString(fmt.Sprintf("  Annotations: %s\n", r.AnnotationPath))
	}
	sb.WriteString(fmt.Sprintf("  Duration: %v\n", r.Duration))

	if r.HasFlagged() {
		sb.WriteString("\nFlagged tiles:\n")
		for _, rec := range r.Records {
			if rec.QA.IsAcceptable() {
				continue
			}
			sb.WriteString(fmt.Sprintf("  - %s (page %d, split %d): %d blocking issue(s)\n",
				rec.Artifact.ImagePath, rec.Artifact.PageNumber, rec.Artifact.SplitIndex, len(rec.QA.BlockingIssues)))
		}
	}

	return sb.String()
}

// String returns a string representation of the run result
func (r *RunResult) String() string {
	return r.Summary()
}
