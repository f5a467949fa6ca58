package ocr

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/platinummonkey/pagelabel/internal/dataset"
)

// ErrUnsupportedPayload is returned when a backend response has none of the
// known shapes.
var ErrUnsupportedPayload = errors.New("unsupported OCR payload")

// defaultWordConfidence is used for word objects without a confidence, the
// value the vision prompt asks for when a model is uncertain
const defaultWordConfidence = 0.8

// maxNesting bounds how deep page lists may nest
const maxNesting = 4

// NormalizePayload converts an OCR backend response into spans. It accepts:
//
//   - a list of [polygon, [text, confidence]] tuples
//   - the same tuples nested in per-page lists (null pages are skipped)
//   - a dict of arrays with "rec_texts", "rec_scores" and "rec_polys" or
//     "dt_polys" (or "rec_boxes" as [x1, y1, x2, y2]), alone or in a page list
//   - word objects {"text", "bbox": [x, y, w, h], "confidence"}, either as a
//     bare list or under a "words" key
//
// Objects keyed by "result", "results", "data" or "res" are unwrapped. Spans
// whose box is not finite are dropped.
func NormalizePayload(raw []byte) ([]dataset.TextSpan, error) {
	trimmed := strings.TrimSpace(stripCodeFence(string(raw)))
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty response", ErrUnsupportedPayload)
	}

	var payload interface{}
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedPayload, err)
	}

	spans := []dataset.TextSpan{}
	if err := collectSpans(payload, 0, &spans); err != nil {
		return nil, err
	}

	valid := spans[:0]
	for _, s := range spans {
		if s.BBox.Valid() {
			valid = append(valid, s)
		}
	}
	return valid, nil
}

func collectSpans(v interface{}, depth int, out *[]dataset.TextSpan) error {
	if depth > maxNesting {
		return fmt.Errorf("%w: nesting deeper than %d levels", ErrUnsupportedPayload, maxNesting)
	}

	switch node := v.(type) {
	case nil:
		return nil

	case map[string]interface{}:
		if _, ok := node["rec_texts"]; ok {
			return collectDictOfArrays(node, out)
		}
		if words, ok := node["words"]; ok {
			return collectWords(words, out)
		}
		for _, key := range []string{"result", "results", "data", "res"} {
			if inner, ok := node[key]; ok {
				return collectSpans(inner, depth+1, out)
			}
		}
		if _, ok := node["text"]; ok {
			return collectWords([]interface{}{node}, out)
		}
		return fmt.Errorf("%w: object without recognized keys", ErrUnsupportedPayload)

	case []interface{}:
		for _, item := range node {
			if item == nil {
				continue
			}
			if span, ok := tupleToSpan(item); ok {
				*out = append(*out, span)
				continue
			}
			if obj, ok := item.(map[string]interface{}); ok {
				if _, isWord := obj["text"]; isWord {
					if err := collectWords([]interface{}{obj}, out); err != nil {
						return err
					}
					continue
				}
			}
			if err := collectSpans(item, depth+1, out); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("%w: unexpected %T", ErrUnsupportedPayload, v)
	}
}

// tupleToSpan matches [polygon, [text, confidence]]
func tupleToSpan(v interface{}) (dataset.TextSpan, bool) {
	tuple, ok := v.([]interface{})
	if !ok || len(tuple) != 2 {
		return dataset.TextSpan{}, false
	}

	box, ok := parsePolygon(tuple[0])
	if !ok {
		return dataset.TextSpan{}, false
	}

	info, ok := tuple[1].([]interface{})
	if !ok || len(info) != 2 {
		return dataset.TextSpan{}, false
	}
	text, ok := info[0].(string)
	if !ok {
		return dataset.TextSpan{}, false
	}
	conf, ok := info[1].(float64)
	if !ok {
		return dataset.TextSpan{}, false
	}

	return dataset.TextSpan{Text: text, Confidence: clampConfidence(conf), BBox: box}, true
}

func collectDictOfArrays(node map[string]interface{}, out *[]dataset.TextSpan) error {
	texts, ok := node["rec_texts"].([]interface{})
	if !ok {
		return fmt.Errorf("%w: rec_texts is not a list", ErrUnsupportedPayload)
	}

	scores, _ := node["rec_scores"].([]interface{})

	var boxes []interface{}
	rectBoxes := false
	for _, key := range []string{"rec_polys", "dt_polys"} {
		if list, ok := node[key].([]interface{}); ok && len(list) > 0 {
			boxes = list
			break
		}
	}
	if boxes == nil {
		if list, ok := node["rec_boxes"].([]interface{}); ok {
			boxes = list
			rectBoxes = true
		}
	}

	if len(texts) > 0 && len(boxes) != len(texts) {
		return fmt.Errorf("%w: %d texts but %d boxes", ErrUnsupportedPayload, len(texts), len(boxes))
	}

	for i, t := range texts {
		text, ok := t.(string)
		if !ok {
			return fmt.Errorf("%w: rec_texts[%d] is not a string", ErrUnsupportedPayload, i)
		}

		var box dataset.BoundingBox
		if rectBoxes {
			box, ok = parseCornerRect(boxes[i])
		} else {
			box, ok = parsePolygon(boxes[i])
		}
		if !ok {
			return fmt.Errorf("%w: invalid box for rec_texts[%d]", ErrUnsupportedPayload, i)
		}

		conf := defaultWordConfidence
		if i < len(scores) {
			if s, ok := scores[i].(float64); ok {
				conf = s
			}
		}

		*out = append(*out, dataset.TextSpan{Text: text, Confidence: clampConfidence(conf), BBox: box})
	}

	return nil
}

func collectWords(v interface{}, out *[]dataset.TextSpan) error {
	words, ok := v.([]interface{})
	if !ok {
		return fmt.Errorf("%w: words is not a list", ErrUnsupportedPayload)
	}

	for i, w := range words {
		obj, ok := w.(map[string]interface{})
		if !ok {
			return fmt.Errorf("%w: word %d is not an object", ErrUnsupportedPayload, i)
		}

		text, _ := obj["text"].(string)
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		box, ok := parseWordBox(obj["bbox"])
		if !ok {
			return fmt.Errorf("%w: word %q has an invalid bbox", ErrUnsupportedPayload, text)
		}

		conf := defaultWordConfidence
		if c, ok := obj["confidence"].(float64); ok {
			conf = c
			// Some providers answer on a 0-100 scale
			if conf > 1 {
				conf /= 100
			}
		}

		*out = append(*out, dataset.TextSpan{Text: text, Confidence: clampConfidence(conf), BBox: box})
	}

	return nil
}

// parseWordBox accepts [x, y, width, height] or a polygon
func parseWordBox(v interface{}) (dataset.BoundingBox, bool) {
	if nums, ok := parseNumbers(v, 4); ok {
		return dataset.NewRectBox(math.Max(nums[0], 0), math.Max(nums[1], 0), math.Max(nums[2], 0), math.Max(nums[3], 0)), true
	}
	return parsePolygon(v)
}

// parseCornerRect accepts [x1, y1, x2, y2]
func parseCornerRect(v interface{}) (dataset.BoundingBox, bool) {
	nums, ok := parseNumbers(v, 4)
	if !ok {
		return dataset.BoundingBox{}, false
	}
	x0, y0 := math.Max(nums[0], 0), math.Max(nums[1], 0)
	return dataset.NewRectBox(x0, y0, math.Max(nums[2]-x0, 0), math.Max(nums[3]-y0, 0)), true
}

// parsePolygon accepts a list of at least 4 [x, y] points. Exactly 4 points are
// kept as-is; longer outlines are reduced to their enclosing rectangle.
// Negative coordinates are clamped to the image edge.
func parsePolygon(v interface{}) (dataset.BoundingBox, bool) {
	list, ok := v.([]interface{})
	if !ok || len(list) < 4 {
		return dataset.BoundingBox{}, false
	}

	points := make([]dataset.Point, 0, len(list))
	for _, p := range list {
		xy, ok := parseNumbers(p, 2)
		if !ok {
			return dataset.BoundingBox{}, false
		}
		points = append(points, dataset.Point{X: math.Max(xy[0], 0), Y: math.Max(xy[1], 0)})
	}

	if len(points) == 4 {
		return dataset.BoundingBox{Points: [4]dataset.Point(points)}, true
	}

	minX, minY := points[0].X, points[0].Y
	maxX, maxY := minX, minY
	for _, p := range points[1:] {
		minX, maxX = math.Min(minX, p.X), math.Max(maxX, p.X)
		minY, maxY = math.Min(minY, p.Y), math.Max(maxY, p.Y)
	}
	return dataset.NewRectBox(minX, minY, maxX-minX, maxY-minY), true
}

func parseNumbers(v interface{}, n int) ([]float64, bool) {
	list, ok := v.([]interface{})
	if !ok || len(list) != n {
		return nil, false
	}

	nums := make([]float64, n)
	for i, item := range list {
		f, ok := item.(float64)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, false
		}
		nums[i] = f
	}
	return nums, true
}

func clampConfidence(c float64) float64 {
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// stripCodeFence removes a surrounding markdown code fence that chat models
// sometimes add despite being asked for bare JSON
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}

	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSuffix(strings.TrimSpace(s), "```")
}
