package ocr

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/platinummonkey/pagelabel/internal/config"
	"github.com/platinummonkey/pagelabel/internal/dataset"
	"github.com/platinummonkey/pagelabel/internal/logger"
)

// Table engine names accepted by NewTableExtractor
const (
	TableEngineNone      = "none"
	TableEngineHeuristic = "heuristic"
	TableEngineHTTP      = "http"
)

// NewTableExtractor selects the table extractor once at startup. A nil
// extractor with a nil error means table recognition is absent.
func NewTableExtractor(cfg config.OCRConfig, log *logger.Logger) (TableExtractor, error) {
	switch cfg.TableEngine {
	case "", TableEngineNone:
		return nil, nil
	case TableEngineHeuristic:
		return NewHeuristicTableExtractor(log), nil
	case TableEngineHTTP:
		extractor, err := NewHTTPTableExtractor(cfg.TableEndpoint, cfg.MaxRetries, log)
		if err != nil {
			return nil, err
		}
		return extractor, nil
	default:
		return nil, fmt.Errorf("%w: table engine %q", ErrUnknownEngine, cfg.TableEngine)
	}
}

// HeuristicTableExtractor finds tables in recognized text two ways. Rows whose
// recognized text carries at least two "|" or tab characters are split on
// that delimiter, and runs of at least two such rows with a similar column
// count become tables. Rows made of separate spans spaced wider than word
// gaps become tables when at least two of them line up column by column.
// Commas are not treated as delimiters since they are ordinary punctuation
// in running text.
type HeuristicTableExtractor struct {
	logger *logger.Logger
}

const (
	// columnGapRatio is the smallest gap between two cells of a row, as a
	// share of the row height. Word spacing stays well below it.
	columnGapRatio = 0.4

	// alignTolerance widens header cells, as a share of the header height,
	// when matching the cells of later rows against them
	alignTolerance = 0.5
)

// NewHeuristicTableExtractor creates a heuristic extractor
func NewHeuristicTableExtractor(log *logger.Logger) *HeuristicTableExtractor {
	if log == nil {
		log = logger.Nop()
	}
	return &HeuristicTableExtractor{logger: log}
}

// textRow is one visual line of spans, left to right
type textRow struct {
	spans       []dataset.TextSpan
	top, bottom float64
}

// text is the recognized text of the row, spans joined by one space
func (r *textRow) text() string {
	parts := make([]string, len(r.spans))
	for i, s := range r.spans {
		parts[i] = s.Text
	}
	return strings.Join(parts, " ")
}

func (r *textRow) height() float64 {
	return r.bottom - r.top
}

// columnar reports whether the row has two or more spans separated by gaps
// wider than word spacing
func (r *textRow) columnar() bool {
	if len(r.spans) < 2 {
		return false
	}
	minGap := r.height() * columnGapRatio
	for i := 1; i < len(r.spans); i++ {
		if minX(r.spans[i].BBox)-maxX(r.spans[i-1].BBox) < minGap {
			return false
		}
	}
	return true
}

// alignedWith reports whether every span of r sits under the span of header
// in the same column
func (r *textRow) alignedWith(header *textRow) bool {
	if len(r.spans) != len(header.spans) {
		return false
	}
	tol := header.height() * alignTolerance
	for i, s := range r.spans {
		h := header.spans[i].BBox
		if minX(s.BBox) > maxX(h)+tol || maxX(s.BBox) < minX(h)-tol {
			return false
		}
	}
	return true
}

// tableRegion is a run of consecutive rows forming one table. An empty
// delimiter means each span is a cell.
type tableRegion struct {
	delimiter string
	rows      []*textRow
}

// ExtractTables implements TableExtractor
func (h *HeuristicTableExtractor) ExtractTables(ctx context.Context, imagePath string, spans []dataset.TextSpan) ([]dataset.TableContent, error) {
	tables := []dataset.TableContent{}

	rows := groupRows(spans)
	if len(rows) < 2 {
		return tables, nil
	}

	for _, region := range detectTableRegions(rows) {
		if table, ok := region.table(); ok {
			tables = append(tables, table)
		}
	}

	if len(tables) > 0 {
		h.logger.WithFields("image", imagePath, "tables", len(tables)).Debug("Detected tables")
	}
	return tables, ctx.Err()
}

// groupRows clusters spans into rows by vertical overlap. Spans overlapping a
// row by at least half of the shorter height join it.
func groupRows(spans []dataset.TextSpan) []*textRow {
	ordered := make([]dataset.TextSpan, 0, len(spans))
	for _, s := range spans {
		if strings.TrimSpace(s.Text) != "" {
			ordered = append(ordered, s)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].BBox.Top() < ordered[j].BBox.Top()
	})

	var rows []*textRow
	for _, s := range ordered {
		top, bottom := s.BBox.Top(), s.BBox.Bottom()

		var target *textRow
		if len(rows) > 0 {
			last := rows[len(rows)-1]
			overlap := math.Min(bottom, last.bottom) - math.Max(top, last.top)
			minHeight := math.Min(bottom-top, last.bottom-last.top)
			if overlap > 0 && overlap >= minHeight/2 {
				target = last
			}
		}

		if target == nil {
			rows = append(rows, &textRow{spans: []dataset.TextSpan{s}, top: top, bottom: bottom})
			continue
		}
		target.spans = append(target.spans, s)
		target.top = math.Min(target.top, top)
		target.bottom = math.Max(target.bottom, bottom)
	}

	for _, r := range rows {
		sort.SliceStable(r.spans, func(i, j int) bool {
			return minX(r.spans[i].BBox) < minX(r.spans[j].BBox)
		})
	}

	return rows
}

func detectTableRegions(rows []*textRow) []tableRegion {
	var regions []tableRegion

	i := 0
	for i < len(rows) {
		var region tableRegion
		switch delimiter := detectDelimiter(rows[i].text()); {
		case delimiter != "":
			region, i = delimitedRegion(rows, i, delimiter)
		case rows[i].columnar():
			region, i = alignedRegion(rows, i)
		default:
			i++
			continue
		}

		if len(region.rows) >= 2 {
			regions = append(regions, region)
		}
	}

	return regions
}

// delimitedRegion collects the rows from start sharing delimiter and returns
// the region with the index of the first row after it
func delimitedRegion(rows []*textRow, start int, delimiter string) (tableRegion, int) {
	region := tableRegion{delimiter: delimiter, rows: []*textRow{rows[start]}}
	expected := strings.Count(rows[start].text(), delimiter)

	i := start + 1
	for i < len(rows) {
		line := rows[i].text()
		if detectDelimiter(line) != delimiter {
			break
		}
		// Irregular tables may gain or lose one column
		if cols := strings.Count(line, delimiter); cols < expected-1 || cols > expected+1 {
			break
		}
		region.rows = append(region.rows, rows[i])
		i++
	}

	return region, i
}

// alignedRegion collects the columnar rows from start whose cells line up
// with the first one
func alignedRegion(rows []*textRow, start int) (tableRegion, int) {
	header := rows[start]
	region := tableRegion{rows: []*textRow{header}}

	i := start + 1
	for i < len(rows) && rows[i].columnar() && rows[i].alignedWith(header) {
		region.rows = append(region.rows, rows[i])
		i++
	}

	return region, i
}

// detectDelimiter returns "|" or "\t" when the text holds at least two of it
func detectDelimiter(text string) string {
	for _, delim := range []string{"|", "\t"} {
		if strings.Count(text, delim) >= 2 {
			return delim
		}
	}
	return ""
}

func splitCells(line, delimiter string) []string {
	cells := strings.Split(line, delimiter)
	if delimiter == "|" {
		if len(cells) > 0 && strings.TrimSpace(cells[0]) == "" {
			cells = cells[1:]
		}
		if len(cells) > 0 && strings.TrimSpace(cells[len(cells)-1]) == "" {
			cells = cells[:len(cells)-1]
		}
	}
	for i, c := range cells {
		cells[i] = strings.TrimSpace(c)
	}
	return cells
}

// cells returns the cell texts of one row of the region
func (r tableRegion) cells(row *textRow) []string {
	if r.delimiter != "" {
		return splitCells(row.text(), r.delimiter)
	}
	cells := make([]string, len(row.spans))
	for i, s := range row.spans {
		cells[i] = strings.TrimSpace(s.Text)
	}
	return cells
}

func (r tableRegion) table() (dataset.TableContent, bool) {
	table := dataset.TableContent{Cells: []dataset.TableCell{}}

	minXv, minYv := math.Inf(1), math.Inf(1)
	maxXv, maxYv := math.Inf(-1), math.Inf(-1)

	for _, row := range r.rows {
		cells := r.cells(row)
		if len(cells) == 0 {
			continue
		}
		for col, text := range cells {
			table.Cells = append(table.Cells, dataset.TableCell{Row: table.Rows, Col: col, Text: text})
		}
		table.Rows++
		table.Cols = max(table.Cols, len(cells))

		for _, s := range row.spans {
			for _, p := range s.BBox.Points {
				minXv, maxXv = math.Min(minXv, p.X), math.Max(maxXv, p.X)
				minYv, maxYv = math.Min(minYv, p.Y), math.Max(maxYv, p.Y)
			}
		}
	}

	if table.Rows < 2 {
		return dataset.TableContent{}, false
	}

	box := dataset.NewRectBox(minXv, minYv, maxXv-minXv, maxYv-minYv)
	table.BBox = &box
	return table, true
}

func minX(b dataset.BoundingBox) float64 {
	m := b.Points[0].X
	for _, p := range b.Points[1:] {
		m = math.Min(m, p.X)
	}
	return m
}

func maxX(b dataset.BoundingBox) float64 {
	m := b.Points[0].X
	for _, p := range b.Points[1:] {
		m = math.Max(m, p.X)
	}
	return m
}

// HTTPTableExtractor posts tiles to a layout analysis service that answers
// with regions of the form {"type": "table", "bbox": ..., "res": {"html": ...}}.
type HTTPTableExtractor struct {
	poster *imagePoster
	logger *logger.Logger
}

// NewHTTPTableExtractor creates an extractor posting to endpoint
func NewHTTPTableExtractor(endpoint string, maxRetries int, log *logger.Logger) (*HTTPTableExtractor, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("http table engine requires a table-endpoint")
	}
	if log == nil {
		log = logger.Nop()
	}
	return &HTTPTableExtractor{
		poster: newImagePoster(endpoint, maxRetries, log),
		logger: log,
	}, nil
}

// layoutRegion is one region returned by the layout service
type layoutRegion struct {
	Type string          `json:"type"`
	BBox json.RawMessage `json:"bbox"`
	Res  json.RawMessage `json:"res"`
}

// ExtractTables implements TableExtractor
func (h *HTTPTableExtractor) ExtractTables(ctx context.Context, imagePath string, _ []dataset.TextSpan) ([]dataset.TableContent, error) {
	raw, err := h.poster.post(ctx, imagePath)
	if err != nil {
		return nil, err
	}
	return ParseLayoutRegions(raw)
}

// ParseLayoutRegions converts a layout service response into tables. Regions
// other than tables, and tables without HTML, are skipped. The region list may
// be wrapped in a "result", "results" or "data" key.
func ParseLayoutRegions(raw []byte) ([]dataset.TableContent, error) {
	var regions []layoutRegion
	if err := json.Unmarshal(raw, &regions); err != nil {
		var wrapped map[string]json.RawMessage
		if werr := json.Unmarshal(raw, &wrapped); werr != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedPayload, err)
		}
		inner, ok := firstKey(wrapped, "result", "results", "data")
		if !ok {
			return nil, fmt.Errorf("%w: layout response without regions", ErrUnsupportedPayload)
		}
		if err := json.Unmarshal(inner, &regions); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedPayload, err)
		}
	}

	tables := []dataset.TableContent{}
	for _, region := range regions {
		if region.Type != "table" {
			continue
		}

		// res is an object for table regions, a list of lines for text regions
		var res struct {
			HTML string `json:"html"`
		}
		if len(region.Res) == 0 || json.Unmarshal(region.Res, &res) != nil || res.HTML == "" {
			continue
		}

		table, err := ParseTableHTML(res.HTML)
		if err != nil {
			return nil, err
		}
		table.BBox = parseRegionBox(region.BBox)
		tables = append(tables, table)
	}

	return tables, nil
}

func firstKey(m map[string]json.RawMessage, keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return nil, false
}

// parseRegionBox accepts [x1, y1, x2, y2] or a 4-point polygon
func parseRegionBox(raw json.RawMessage) *dataset.BoundingBox {
	if len(raw) == 0 {
		return nil
	}

	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil || v == nil {
		return nil
	}

	if box, ok := parseCornerRect(v); ok {
		return &box
	}
	if box, ok := parsePolygon(v); ok {
		return &box
	}
	return nil
}

// ParseTableHTML reads an HTML table: each tr is a row and each td or th
// inside it a cell. Cell text is the trimmed text nodes joined by one space.
// Cols is the widest row.
func ParseTableHTML(source string) (dataset.TableContent, error) {
	doc, err := html.Parse(strings.NewReader(source))
	if err != nil {
		return dataset.TableContent{}, fmt.Errorf("failed to parse table HTML: %w", err)
	}

	table := dataset.TableContent{Cells: []dataset.TableCell{}}
	for _, tr := range findAll(doc, atom.Tr) {
		cols := findAll(tr, atom.Td, atom.Th)
		for c, cell := range cols {
			table.Cells = append(table.Cells, dataset.TableCell{
				Row:  table.Rows,
				Col:  c,
				Text: cellText(cell),
			})
		}
		table.Rows++
		table.Cols = max(table.Cols, len(cols))
	}

	return table, nil
}

// findAll returns the descendants of n matching any of the atoms, in document order
func findAll(n *html.Node, atoms ...atom.Atom) []*html.Node {
	var found []*html.Node
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode {
				for _, a := range atoms {
					if c.DataAtom == a {
						found = append(found, c)
						break
					}
				}
			}
			walk(c)
		}
	}
	walk(n)
	return found
}

func cellText(n *html.Node) string {
	var parts []string
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			if t := strings.TrimSpace(node.Data); t != "" {
				parts = append(parts, t)
			}
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(parts, " ")
}
