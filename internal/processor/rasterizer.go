package processor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Rasterizer renders every page of a PDF into an image, in page order
type Rasterizer interface {
	Rasterize(ctx context.Context, pdf []byte, dpi int) ([]image.Image, error)
}

// PopplerRasterizer renders pages with poppler's pdftoppm
type PopplerRasterizer struct {
	Path     string
	MaxPages int
	TempDir  string
}

// NewPopplerRasterizer creates a rasterizer that runs the pdftoppm binary at path
func NewPopplerRasterizer(path string, maxPages int) *PopplerRasterizer {
	if path == "" {
		path = "pdftoppm"
	}
	return &PopplerRasterizer{Path: path, MaxPages: maxPages}
}

// Rasterize writes the PDF to a scratch directory and renders PNG pages from it
func (r *PopplerRasterizer) Rasterize(ctx context.Context, pdf []byte, dpi int) ([]image.Image, error) {
	tmpDir, err := os.MkdirTemp(r.TempDir, "ocr-pp-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	input := filepath.Join(tmpDir, "input.pdf")
	if err := os.WriteFile(input, pdf, 0o600); err != nil {
		return nil, fmt.Errorf("write temp pdf: %w", err)
	}

	// pdftoppm -r <DPI> -png [-l <last>] <in.pdf> <tmp/page>
	prefix := filepath.Join(tmpDir, "page")
	args := []string{"-r", strconv.Itoa(dpi), "-png"}
	if r.MaxPages > 0 {
		args = append(args, "-l", strconv.Itoa(r.MaxPages))
	}
	args = append(args, input, prefix)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.Path, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", filepath.Base(r.Path), err, msg)
		}
		return nil, fmt.Errorf("%s: %w", filepath.Base(r.Path), err)
	}

	// pdftoppm zero-pads page numbers to a common width, so lexical order is page order
	matches, err := filepath.Glob(prefix + "-*.png")
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	if r.MaxPages > 0 && len(matches) > r.MaxPages {
		matches = matches[:r.MaxPages]
	}

	pages := make([]image.Image, 0, len(matches))
	for _, path := range matches {
		img, err := imaging.Open(path)
		if err != nil {
			return nil, fmt.Errorf("read rendered page %s: %w", filepath.Base(path), err)
		}
		pages = append(pages, img)
	}

	return pages, nil
}

// Available reports the resolved binary path, or an error when it cannot be found
func (r *PopplerRasterizer) Available() (string, error) {
	return exec.LookPath(r.Path)
}

// countPDFPages validates the document with pdfcpu and returns its page count
func countPDFPages(data []byte) (pages int, err error) {
	// pdfcpu panics on some malformed cross-reference tables
	defer func() {
		if r := recover(); r != nil {
			pages, err = 0, fmt.Errorf("malformed PDF: %v", r)
		}
	}()

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return 0, err
	}
	return ctx.PageCount, nil
}
