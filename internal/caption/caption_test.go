package caption

import (
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/platinummonkey/pagelabel/internal/dataset"
)

func span(text string, x, y, w, h float64) dataset.TextSpan {
	return dataset.TextSpan{Text: text, Confidence: 0.9, BBox: dataset.NewRectBox(x, y, w, h)}
}

func TestBuild_Empty(t *testing.T) {
	for name, doc := range map[string]*dataset.OCRDocument{
		"nil":   nil,
		"empty": {},
	} {
		t.Run(name, func(t *testing.T) {
			result := Build(doc, 100, 100)
			if result.Caption != EmptySentence {
				t.Errorf("Caption = %q, want %q", result.Caption, EmptySentence)
			}
			if !reflect.DeepEqual(result.SupportingSentences, []string{EmptySentence}) {
				t.Errorf("SupportingSentences = %v", result.SupportingSentences)
			}
		})
	}
}

func TestBuild_SingleSpan(t *testing.T) {
	doc := &dataset.OCRDocument{Texts: []dataset.TextSpan{span("Hà Nội", 30, 5, 40, 10)}}

	result := Build(doc, 100, 100)

	want := []string{
		SceneSentence,
		`Ở phần trên chính giữa có đoạn chữ: "Hà Nội".`,
	}
	if !reflect.DeepEqual(result.SupportingSentences, want) {
		t.Errorf("SupportingSentences = %q, want %q", result.SupportingSentences, want)
	}
	if result.Caption != strings.Join(want, " ") {
		t.Errorf("Caption = %q", result.Caption)
	}
}

func TestDescribePosition(t *testing.T) {
	tests := []struct {
		cx, cy float64
		want   string
	}{
		{10, 10, "Ở phần trên bên trái"},
		{50, 10, "Ở phần trên chính giữa"},
		{90, 10, "Ở phần trên bên phải"},
		{10, 50, "Ở khoảng giữa bên trái"},
		{50, 50, "Ở khoảng giữa chính giữa"},
		{90, 90, "Ở phần dưới bên phải"},
		// boundaries belong to the middle band
		{33, 66, "Ở khoảng giữa chính giữa"},
		{66, 33, "Ở khoảng giữa chính giữa"},
	}

	for _, tt := range tests {
		box := dataset.NewRectBox(tt.cx-2, tt.cy-2, 4, 4)
		if got := describePosition(box, 100, 100); got != tt.want {
			t.Errorf("describePosition(center %v,%v) = %q, want %q", tt.cx, tt.cy, got, tt.want)
		}
	}
}

func TestBuild_TopThreeAndRest(t *testing.T) {
	doc := &dataset.OCRDocument{Texts: []dataset.TextSpan{
		span("cuối", 10, 400, 50, 10),
		span("đầu", 10, 10, 50, 10),
		span("giữa A", 10, 200, 50, 10),
		span("giữa B", 300, 200, 50, 10),
		span("thứ năm", 10, 300, 50, 10),
	}}
	original := append([]dataset.TextSpan(nil), doc.Texts...)

	result := Build(doc, 400, 500)

	want := []string{
		SceneSentence,
		`Ở phần trên bên trái có đoạn chữ: "đầu".`,
		`Ở khoảng giữa bên trái có đoạn chữ: "giữa A".`,
		`Ở khoảng giữa bên phải có đoạn chữ: "giữa B".`,
		"Ngoài ra còn 2 đoạn chữ khác xuất hiện ở các vị trí phía dưới.",
	}
	if !reflect.DeepEqual(result.SupportingSentences, want) {
		t.Errorf("SupportingSentences =\n%q\nwant\n%q", result.SupportingSentences, want)
	}

	if !reflect.DeepEqual(doc.Texts, original) {
		t.Error("Build must not reorder the document spans")
	}
}

func TestBuild_Tables(t *testing.T) {
	cells := []dataset.TableCell{
		{Row: 0, Col: 0, Text: "STT"},
		{Row: 0, Col: 1, Text: "Họ tên"},
		{Row: 1, Col: 0, Text: "1"},
		{Row: 1, Col: 1, Text: "Lan"},
		{Row: 2, Col: 0, Text: "2"},
	}
	doc := &dataset.OCRDocument{Tables: []dataset.TableContent{
		{Rows: 3, Cols: 2, Cells: cells},
		{Rows: 2, Cols: 0},
	}}

	result := Build(doc, 100, 100)

	want := []string{
		SceneSentence,
		`Ảnh có một bảng gồm 3 dòng và 2 cột. Một số ô nội dung gồm (dòng 1, cột 1): "STT"; (dòng 1, cột 2): "Họ tên"; (dòng 2, cột 1): "1"; (dòng 2, cột 2): "Lan".`,
		"Ảnh có một bảng gồm 2 dòng và 0 cột.",
	}
	if !reflect.DeepEqual(result.SupportingSentences, want) {
		t.Errorf("SupportingSentences =\n%q\nwant\n%q", result.SupportingSentences, want)
	}
}

func TestBuild_Deterministic(t *testing.T) {
	doc := &dataset.OCRDocument{
		Texts: []dataset.TextSpan{
			span("b", 10, 10, 10, 10),
			span("a", 50, 10, 10, 10),
			span("c", 10, 90, 10, 10),
			span("d", 10, 10, 10, 10),
		},
		Tables: []dataset.TableContent{{Rows: 1, Cols: 1, Cells: []dataset.TableCell{{Text: "x"}}}},
	}

	first := Build(doc, 120, 120)
	for i := 0; i < 10; i++ {
		if got := Build(doc, 120, 120); got.Caption != first.Caption {
			t.Fatalf("caption changed between calls:\n%q\n%q", first.Caption, got.Caption)
		}
	}

	// equal tops keep recognition order
	if !strings.Contains(first.Caption, `"b". Ở phần trên bên trái có đoạn chữ: "a"`) &&
		!strings.Contains(first.Caption, `"b". Ở phần trên chính giữa có đoạn chữ: "a"`) {
		t.Errorf("tie order not stable: %q", first.Caption)
	}
}

func writePNG(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)

	path := filepath.Join(t.TempDir(), "tile.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestBuildForImage(t *testing.T) {
	path := writePNG(t, 300, 100)
	doc := &dataset.OCRDocument{Texts: []dataset.TextSpan{span("Hà Nội", 240, 40, 40, 20)}}

	result, err := BuildForImage(path, doc)
	if err != nil {
		t.Fatalf("BuildForImage() error = %v", err)
	}
	if !strings.Contains(result.Caption, `Ở khoảng giữa bên phải có đoạn chữ: "Hà Nội".`) {
		t.Errorf("Caption = %q, want position from the 300x100 image", result.Caption)
	}

	got, err := New(nil).Caption(path, doc)
	if err != nil {
		t.Fatalf("Caption() error = %v", err)
	}
	if got.Caption != result.Caption {
		t.Errorf("Builder.Caption() = %q, want %q", got.Caption, result.Caption)
	}
}

func TestBuildForImage_Errors(t *testing.T) {
	if _, err := BuildForImage(filepath.Join(t.TempDir(), "missing.png"), &dataset.OCRDocument{}); err == nil {
		t.Error("BuildForImage() should fail for a missing file")
	}

	path := filepath.Join(t.TempDir(), "garbage.png")
	if err := os.WriteFile(path, []byte("not an image"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := BuildForImage(path, &dataset.OCRDocument{}); err == nil {
		t.Error("BuildForImage() should fail for an undecodable file")
	}
}
