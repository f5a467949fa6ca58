package converter

import (
	"fmt"
	"image"
	"os"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/unidoc/unipdf/v3/common"
	unipdf "github.com/unidoc/unipdf/v3/model"
	"github.com/unidoc/unipdf/v3/render"
)

func init() {
	// Keep unipdf quiet; its own warnings would bypass the zap logger
	common.SetLogger(common.NewConsoleLogger(common.LogLevelError))
}

// countPages validates pdfPath in relaxed mode and returns its page count
func countPages(pdfPath string) (int, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	if err := api.ValidateFile(pdfPath, conf); err != nil {
		return 0, fmt.Errorf("PDF validation failed: %w", err)
	}

	ctx, err := api.ReadContextFile(pdfPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read PDF: %w", err)
	}

	return ctx.PageCount, nil
}

// renderPage renders one page of pdfPath at the given DPI
func renderPage(pdfPath string, pageNum, dpi int) (image.Image, error) {
	f, err := os.Open(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer f.Close()

	pdfReader, err := unipdf.NewPdfReaderLazy(f)
	if err != nil {
		return nil, fmt.Errorf("failed to create PDF reader: %w", err)
	}

	numPages, err := pdfReader.GetNumPages()
	if err != nil {
		return nil, fmt.Errorf("failed to get page count: %w", err)
	}
	if pageNum < 1 || pageNum > numPages {
		return nil, fmt.Errorf("invalid page number %d (PDF has %d pages)", pageNum, numPages)
	}

	page, err := pdfReader.GetPage(pageNum)
	if err != nil {
		return nil, fmt.Errorf("failed to get page %d: %w", pageNum, err)
	}

	width, err := visibleWidth(page)
	if err != nil {
		return nil, err
	}

	// PDF points are 1/72 inch; height follows from the aspect ratio
	device := render.NewImageDevice()
	device.OutputWidth = int(width * float64(dpi) / 72.0)
	if device.OutputWidth < 1 {
		return nil, fmt.Errorf("page %d has no visible area", pageNum)
	}

	img, err := device.Render(page)
	if err != nil {
		return nil, fmt.Errorf("failed to render page %d: %w", pageNum, err)
	}

	return img, nil
}

// visibleWidth returns the page width in points, preferring the crop box
// (what viewers show) over the media box.
func visibleWidth(page *unipdf.PdfPage) (float64, error) {
	if page.CropBox != nil {
		if w := page.CropBox.Urx - page.CropBox.Llx; w > 0 {
			return w, nil
		}
	}

	mediaBox, err := page.GetMediaBox()
	if err != nil {
		return 0, fmt.Errorf("failed to get media box: %w", err)
	}
	return mediaBox.Urx - mediaBox.Llx, nil
}
