package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Wire shapes for the JSONL annotation file. Slices are always allocated so
// empty lists serialize as [] rather than null.

type recordJSON struct {
	ImagePath  string      `json:"image_path"`
	ParentPDF  string      `json:"parent_pdf"`
	PageNumber int         `json:"page_number"`
	SplitIndex int         `json:"split_index"`
	OCR        ocrJSON     `json:"ocr"`
	Caption    captionJSON `json:"caption"`
	QA         qaJSON      `json:"qa"`
}

type ocrJSON struct {
	Texts  []spanJSON  `json:"texts"`
	Tables []tableJSON `json:"tables"`
}

type spanJSON struct {
	Text       string        `json:"text"`
	Confidence float64       `json:"confidence"`
	BBox       [4][2]float64 `json:"bbox"`
}

type tableJSON struct {
	Rows  int            `json:"rows"`
	Cols  int            `json:"cols"`
	Cells []cellJSON     `json:"cells"`
	BBox  *[4][2]float64 `json:"bbox"`
}

type cellJSON struct {
	Row  int    `json:"row"`
	Col  int    `json:"col"`
	Text string `json:"text"`
}

type captionJSON struct {
	Text                string   `json:"text"`
	SupportingSentences []string `json:"supporting_sentences"`
}

type qaJSON struct {
	Warnings       []string `json:"warnings"`
	BlockingIssues []string `json:"blocking_issues"`
	IsAcceptable   bool     `json:"is_acceptable"`
}

func boxToJSON(b BoundingBox) [4][2]float64 {
	var out [4][2]float64
	for i, p := range b.Points {
		out[i] = [2]float64{p.X, p.Y}
	}
	return out
}

func boxFromJSON(raw [4][2]float64) BoundingBox {
	var b BoundingBox
	for i, p := range raw {
		b.Points[i] = Point{X: p[0], Y: p[1]}
	}
	return b
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (r DatasetRecord) toJSON() recordJSON {
	out := recordJSON{
		ImagePath:  r.Artifact.ImagePath,
		ParentPDF:  r.Artifact.ParentPDF,
		PageNumber: r.Artifact.PageNumber,
		SplitIndex: r.Artifact.SplitIndex,
		OCR: ocrJSON{
			Texts:  make([]spanJSON, 0, len(r.OCR.Texts)),
			Tables: make([]tableJSON, 0, len(r.OCR.Tables)),
		},
		Caption: captionJSON{
			Text:                r.Caption.Caption,
			SupportingSentences: nonNil(r.Caption.SupportingSentences),
		},
		QA: qaJSON{
			Warnings:       nonNil(r.QA.Warnings),
			BlockingIssues: nonNil(r.QA.BlockingIssues),
			IsAcceptable:   r.QA.IsAcceptable(),
		},
	}

	for _, span := range r.OCR.Texts {
		out.OCR.Texts = append(out.OCR.Texts, spanJSON{
			Text:       span.Text,
			Confidence: span.Confidence,
			BBox:       boxToJSON(span.BBox),
		})
	}

	for _, table := range r.OCR.Tables {
		t := tableJSON{
			Rows:  table.Rows,
			Cols:  table.Cols,
			Cells: make([]cellJSON, 0, len(table.Cells)),
		}
		for _, cell := range table.Cells {
			t.Cells = append(t.Cells, cellJSON{Row: cell.Row, Col: cell.Col, Text: cell.Text})
		}
		if table.BBox != nil {
			box := boxToJSON(*table.BBox)
			t.BBox = &box
		}
		out.OCR.Tables = append(out.OCR.Tables, t)
	}

	return out
}

// MarshalJSON encodes the record in the annotation file schema. HTML
// characters are written verbatim.
func (r DatasetRecord) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r.toJSON()); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// UnmarshalJSON decodes a record from the annotation file schema. The
// is_acceptable field is derived, so it is ignored on input.
func (r *DatasetRecord) UnmarshalJSON(data []byte) error {
	var in recordJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	*r = DatasetRecord{
		Artifact: ImageArtifact{
			ImagePath:  in.ImagePath,
			ParentPDF:  in.ParentPDF,
			PageNumber: in.PageNumber,
			SplitIndex: in.SplitIndex,
		},
		Caption: CaptionResult{
			Caption:             in.Caption.Text,
			SupportingSentences: in.Caption.SupportingSentences,
		},
		QA: QAResult{
			Warnings:       in.QA.Warnings,
			BlockingIssues: in.QA.BlockingIssues,
		},
	}

	for _, span := range in.OCR.Texts {
		r.OCR.Texts = append(r.OCR.Texts, TextSpan{
			Text:       span.Text,
			Confidence: span.Confidence,
			BBox:       boxFromJSON(span.BBox),
		})
	}

	for _, t := range in.OCR.Tables {
		table := TableContent{Rows: t.Rows, Cols: t.Cols}
		for _, c := range t.Cells {
			table.Cells = append(table.Cells, TableCell{Row: c.Row, Col: c.Col, Text: c.Text})
		}
		if t.BBox != nil {
			box := boxFromJSON(*t.BBox)
			table.BBox = &box
		}
		r.OCR.Tables = append(r.OCR.Tables, table)
	}

	return nil
}

// WriteJSONL replaces the file at path with one JSON object per record, in
// the given order. The file is written to a temporary sibling first and
// renamed into place, so readers never observe a partial file.
func WriteJSONL(path string, records []DatasetRecord) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create annotation directory: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i := range records {
		// Encode appends the newline terminating each record
		if err := enc.Encode(records[i]); err != nil {
			return fmt.Errorf("failed to encode record %d (%s): %w", i, records[i].Artifact.ImagePath, err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".annotations-*.jsonl")
	if err != nil {
		return fmt.Errorf("failed to create temp annotation file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write annotation file: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to set annotation file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close annotation file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename annotation file: %w", err)
	}

	return nil
}

// ReadJSONL loads every record from an annotation file. Blank lines are skipped.
func ReadJSONL(path string) ([]DatasetRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open annotation file: %w", err)
	}
	defer file.Close()

	var records []DatasetRecord
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}

		var record DatasetRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("failed to parse annotation line %d: %w", line, err)
		}
		records = append(records, record)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read annotation file: %w", err)
	}

	return records, nil
}
