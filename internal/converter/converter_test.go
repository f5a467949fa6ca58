package converter

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/signintech/gopdf"
)

// createTestPDF writes a PDF with the given number of blank A4 pages
func createTestPDF(t *testing.T, path string, pages int) {
	t.Helper()

	pdf := gopdf.GoPdf{}
	pdf.Start(gopdf.Config{PageSize: *gopdf.PageSizeA4})
	for i := 0; i < pages; i++ {
		pdf.AddPage()
		pdf.SetFillColor(0, 0, 0)
		pdf.RectFromUpperLeftWithStyle(50, 50, 100, 20, "F")
	}

	if err := pdf.WritePdf(path); err != nil {
		t.Fatalf("failed to write test PDF: %v", err)
	}
}

type stubRenderer struct {
	mu    sync.Mutex
	calls []int
}

func (s *stubRenderer) render(_ string, pageNum, dpi int) (image.Image, error) {
	s.mu.Lock()
	s.calls = append(s.calls, pageNum)
	s.mu.Unlock()

	img := image.NewRGBA(image.Rect(0, 0, dpi/10, dpi/10+pageNum))
	img.Set(1, 1, color.Black)
	return img, nil
}

func fixedCounter(n int) PageCounter {
	return func(string) (int, error) { return n, nil }
}

func TestNew(t *testing.T) {
	conv := New(nil)
	if conv == nil {
		t.Fatal("New() returned nil")
	}
	if conv.logger == nil || conv.renderer == nil || conv.counter == nil {
		t.Error("New() should fill in defaults")
	}
}

func TestPageImagePath(t *testing.T) {
	got := PageImagePath("/out", "/raw/lich-su.lop10.pdf", 7)
	want := filepath.Join("/out", "lich-su.lop10_page_007.png")
	if got != want {
		t.Errorf("PageImagePath() = %s, want %s", got, want)
	}
}

func TestConvert(t *testing.T) {
	outDir := filepath.Join(t.TempDir(), "images")
	stub := &stubRenderer{}
	conv := New(&Config{Renderer: stub.render, Counter: fixedCounter(3)})

	paths, err := conv.Convert(context.Background(), "/raw/sach.pdf", outDir, Options{DPI: 100})
	if err != nil {
		t.Fatalf("Convert() error = %v", err)
	}

	if len(paths) != 3 {
		t.Fatalf("expected 3 pages, got %d", len(paths))
	}
	for i, p := range paths {
		want := filepath.Join(outDir, []string{"sach_page_001.png", "sach_page_002.png", "sach_page_003.png"}[i])
		if p != want {
			t.Errorf("paths[%d] = %s, want %s", i, p, want)
		}

		f, err := os.Open(p)
		if err != nil {
			t.Fatalf("page image not written: %v", err)
		}
		cfg, err := png.DecodeConfig(f)
		f.Close()
		if err != nil {
			t.Fatalf("page image is not a PNG: %v", err)
		}
		if cfg.Height != 10+i+1 {
			t.Errorf("page %d height = %d, want %d", i+1, cfg.Height, 10+i+1)
		}
	}
}

func TestConvert_MaxPages(t *testing.T) {
	stub := &stubRenderer{}
	conv := New(&Config{Renderer: stub.render, Counter: fixedCounter(5)})

	paths, err := conv.Convert(context.Background(), "doc.pdf", t.TempDir(), Options{DPI: 72, MaxPages: 2})
	if err != nil {
		t.Fatalf("Convert() error = %v", err)
	}
	if len(paths) != 2 || len(stub.calls) != 2 {
		t.Errorf("expected 2 pages rendered, got %d paths and %d renders", len(paths), len(stub.calls))
	}
}

func TestConvert_ReusesExistingImages(t *testing.T) {
	outDir := t.TempDir()
	existing := PageImagePath(outDir, "doc.pdf", 1)
	if err := os.WriteFile(existing, []byte("keep"), 0644); err != nil {
		t.Fatal(err)
	}

	stub := &stubRenderer{}
	conv := New(&Config{Renderer: stub.render, Counter: fixedCounter(2)})

	paths, err := conv.Convert(context.Background(), "doc.pdf", outDir, Options{DPI: 72})
	if err != nil {
		t.Fatalf("Convert() error = %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected 2 paths, got %d", len(paths))
	}
	if len(stub.calls) != 1 || stub.calls[0] != 2 {
		t.Errorf("expected only page 2 to be rendered, got %v", stub.calls)
	}

	data, _ := os.ReadFile(existing)
	if string(data) != "keep" {
		t.Error("existing page image should not be rewritten")
	}

	// Overwrite forces re-rendering
	stub.calls = nil
	if _, err := conv.Convert(context.Background(), "doc.pdf", outDir, Options{DPI: 72, Overwrite: true}); err != nil {
		t.Fatalf("Convert() error = %v", err)
	}
	if len(stub.calls) != 2 {
		t.Errorf("expected both pages re-rendered, got %v", stub.calls)
	}
}

func TestConvert_Errors(t *testing.T) {
	ctx := context.Background()

	failingCounter := New(&Config{Counter: func(string) (int, error) { return 0, errors.New("no header") }})
	if _, err := failingCounter.Convert(ctx, "bad.pdf", t.TempDir(), Options{DPI: 72}); !errors.Is(err, ErrInvalidPDF) {
		t.Errorf("expected ErrInvalidPDF from counter failure, got %v", err)
	}

	failingRenderer := New(&Config{
		Counter:  fixedCounter(1),
		Renderer: func(string, int, int) (image.Image, error) { return nil, errors.New("broken stream") },
	})
	if _, err := failingRenderer.Convert(ctx, "bad.pdf", t.TempDir(), Options{DPI: 72}); !errors.Is(err, ErrInvalidPDF) {
		t.Errorf("expected ErrInvalidPDF from render failure, got %v", err)
	}

	if _, err := New(nil).Convert(ctx, "doc.pdf", t.TempDir(), Options{DPI: 0}); err == nil {
		t.Error("expected error for zero DPI")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	stub := &stubRenderer{}
	conv := New(&Config{Renderer: stub.render, Counter: fixedCounter(1)})
	if _, err := conv.Convert(cancelled, "doc.pdf", t.TempDir(), Options{DPI: 72}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestCountPages(t *testing.T) {
	pdfPath := filepath.Join(t.TempDir(), "three.pdf")
	createTestPDF(t, pdfPath, 3)

	count, err := countPages(pdfPath)
	if err != nil {
		t.Fatalf("countPages() error = %v", err)
	}
	if count != 3 {
		t.Errorf("countPages() = %d, want 3", count)
	}
}

func TestCountPages_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fake.pdf")
	if err := os.WriteFile(path, []byte("not a pdf"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := countPages(path); err == nil {
		t.Error("expected error for invalid PDF")
	}

	conv := New(nil)
	if _, err := conv.Convert(context.Background(), path, t.TempDir(), Options{DPI: 72}); !errors.Is(err, ErrInvalidPDF) {
		t.Errorf("expected ErrInvalidPDF, got %v", err)
	}
}
