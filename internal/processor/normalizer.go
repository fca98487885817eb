/**
 * Upload Normalizer
 *
 * Turns an uploaded buffer into an ordered set of page images:
 * - Magic-byte sniffing when the declared type is missing or generic
 * - PDF validation (pdfcpu) and rasterization (pdftoppm)
 * - Image decoding with EXIF auto-orientation
 */

package processor

import (
	"bytes"
	"context"
	"fmt"
	"image"

	// Formats beyond the standard PNG/JPEG/GIF decoders
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"

	apperrors "github.com/adverant/nexus/ocr-worker/internal/errors"
	"github.com/adverant/nexus/ocr-worker/internal/logging"
	"github.com/adverant/nexus/ocr-worker/internal/ocr"
)

// Upload is one document submitted for OCR
type Upload struct {
	Data        []byte
	ContentType string
	Filename    string
	RequestID   string
}

// PageSet is the normalized form of an upload
type PageSet struct {
	Pages        []image.Image
	ContentType  string
	DetectedType string
	IsPDF        bool
}

// NormalizerConfig holds normalizer configuration
type NormalizerConfig struct {
	Rasterizer  Rasterizer
	DPI         int
	MaxFileSize int64
	Debug       *DebugWriter

	// CountPages overrides the pdfcpu page counter
	CountPages func([]byte) (int, error)
}

// UploadNormalizer converts raw uploads into page images
type UploadNormalizer struct {
	rasterizer  Rasterizer
	countPages  func([]byte) (int, error)
	dpi         int
	maxFileSize int64
	debug       *DebugWriter
	logger      *logging.Logger
}

// NewUploadNormalizer creates a normalizer
func NewUploadNormalizer(cfg *NormalizerConfig) *UploadNormalizer {
	n := &UploadNormalizer{
		rasterizer:  cfg.Rasterizer,
		countPages:  cfg.CountPages,
		dpi:         cfg.DPI,
		maxFileSize: cfg.MaxFileSize,
		debug:       cfg.Debug,
		logger:      logging.NewLogger("normalizer"),
	}
	if n.rasterizer == nil {
		n.rasterizer = NewPopplerRasterizer("", 0)
	}
	if n.countPages == nil {
		n.countPages = countPDFPages
	}
	if n.dpi == 0 {
		n.dpi = 300
	}
	return n
}

// Normalize validates the upload and produces its page images. Failures are
// StageErrors tagged upload_parse or pdf_to_image.
func (n *UploadNormalizer) Normalize(ctx context.Context, upload *Upload, stages *ocr.Trail) (*PageSet, error) {
	if len(upload.Data) == 0 {
		return nil, apperrors.NewStageError(apperrors.StageUploadParse, "Uploaded file is empty")
	}
	if n.maxFileSize > 0 && int64(len(upload.Data)) > n.maxFileSize {
		return nil, apperrors.NewStageErrorf(apperrors.StageUploadParse,
			"Uploaded file exceeds maximum size of %d bytes", n.maxFileSize)
	}

	contentType, detected := resolveContentType(upload.ContentType, upload.Data)
	if contentType != normalizeContentType(upload.ContentType) {
		n.logger.Debug("Corrected content type from magic bytes",
			"request_id", upload.RequestID, "declared", upload.ContentType, "detected", detected)
	}

	stages.Status(apperrors.StageUploadParse, ocr.StatusOK, map[string]interface{}{
		"content_type":  contentType,
		"detected_type": detected,
		"size_bytes":    len(upload.Data),
		"filename":      upload.Filename,
		"magic":         magicHex(upload.Data),
	})

	if contentType == mimePDF || detected == mimePDF {
		pages, err := n.rasterizePDF(ctx, upload)
		if err != nil {
			return nil, err
		}
		stages.Status(apperrors.StagePDFToImage, ocr.StatusOK, map[string]interface{}{
			"dpi":   n.dpi,
			"pages": len(pages),
		})
		return &PageSet{Pages: pages, ContentType: contentType, DetectedType: detected, IsPDF: true}, nil
	}

	img, err := imaging.Decode(bytes.NewReader(upload.Data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, apperrors.NewStageErrorf(apperrors.StageUploadParse, "Unsupported image format: %v", err)
	}

	return &PageSet{Pages: []image.Image{img}, ContentType: contentType, DetectedType: detected}, nil
}

func (n *UploadNormalizer) rasterizePDF(ctx context.Context, upload *Upload) ([]image.Image, error) {
	count, err := n.countPages(upload.Data)
	if err != nil {
		return nil, pdfError(err)
	}
	if count == 0 {
		return nil, apperrors.NewStageError(apperrors.StagePDFToImage, "No pages found in PDF")
	}

	pages, err := n.rasterizer.Rasterize(ctx, upload.Data, n.dpi)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.NewTransientError(apperrors.StagePDFToImage,
				fmt.Sprintf("Failed to convert PDF: %v", ctx.Err()), err)
		}
		return nil, pdfError(err)
	}
	if len(pages) == 0 {
		return nil, apperrors.NewStageError(apperrors.StagePDFToImage, "No pages found in PDF")
	}

	n.logger.Debug("Rasterized PDF", "request_id", upload.RequestID, "pages", len(pages), "declared_pages", count, "dpi", n.dpi)

	for i, page := range pages {
		n.debug.Save(upload.RequestID, fmt.Sprintf("page_%d.png", i+1), page)
	}

	return pages, nil
}

func pdfError(err error) *apperrors.StageError {
	se := apperrors.NewStageErrorf(apperrors.StagePDFToImage, "Failed to convert PDF: %v", err)
	se.Cause = err
	return se
}
