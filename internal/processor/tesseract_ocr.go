/**
 * Tesseract OCR - Fallback for offline or low-confidence processing
 *
 * Local OCR using Tesseract through gosseract.
 * Used when the primary provider is unavailable, misconfigured, or returns
 * a result below the confidence threshold.
 */

package processor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"runtime"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/otiai10/gosseract/v2"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/adverant/nexus/ocr-worker/internal/errors"
	"github.com/adverant/nexus/ocr-worker/internal/logging"
	"github.com/adverant/nexus/ocr-worker/internal/ocr"
)

// TesseractConfig holds Tesseract configuration
type TesseractConfig struct {
	Languages      []string
	TessdataPrefix string
	// Confidence reported for every fallback result; tesseract gives no
	// calibrated score. Nil means 0.55.
	Confidence *float64
	Timeout    time.Duration
}

const defaultFallbackConfidence = 0.55

// TesseractOCR handles fallback OCR using Tesseract
type TesseractOCR struct {
	languages      []string
	tessdataPrefix string
	confidence     float64
	timeout        time.Duration
	logger         *logging.Logger

	// recognize is swapped out in tests
	recognize func(png []byte) (string, error)
}

// NewTesseractOCR creates a new Tesseract OCR instance
func NewTesseractOCR(cfg *TesseractConfig) *TesseractOCR {
	t := &TesseractOCR{
		languages:      cfg.Languages,
		tessdataPrefix: cfg.TessdataPrefix,
		confidence:     defaultFallbackConfidence,
		timeout:        cfg.Timeout,
		logger:         logging.NewLogger("tesseract"),
	}
	if len(t.languages) == 0 {
		t.languages = []string{"eng", "spa"}
	}
	if cfg.Confidence != nil {
		t.confidence = ocr.ClampConfidence(*cfg.Confidence)
	}
	if t.timeout == 0 {
		t.timeout = 120 * time.Second
	}
	t.recognize = t.recognizePNG
	return t
}

// TesseractVersion returns the linked libtesseract version
func TesseractVersion() string {
	return gosseract.Version()
}

// Recognize runs OCR over every page and joins the page texts with newlines
func (t *TesseractOCR) Recognize(ctx context.Context, pages []*image.Gray) (*ocr.Result, error) {
	if len(pages) == 0 {
		return nil, apperrors.NewStageError(apperrors.StageFallbackCall, "No preprocessed images provided for fallback")
	}

	startTime := time.Now()
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	texts := make([]string, len(pages))
	done := make(chan error, 1)
	go func() {
		done <- t.recognizePages(ctx, pages, texts)
	}()

	// cgo calls cannot be interrupted, so the deadline is enforced here
	select {
	case err := <-done:
		if err != nil {
			return nil, t.failure(ctx, err)
		}
	case <-ctx.Done():
		return nil, t.failure(ctx, ctx.Err())
	}

	text := strings.Join(texts, "\n")
	t.logger.Debug("Tesseract OCR completed",
		"pages", len(pages),
		"chars", len(text),
		"duration_ms", time.Since(startTime).Milliseconds())

	return &ocr.Result{
		Text:       text,
		Confidence: t.confidence,
		Engine:     ocr.EngineFallback,
		Meta: map[string]interface{}{
			"engine":    "tesseract",
			"pages":     len(pages),
			"languages": strings.Join(t.languages, "+"),
		},
	}, nil
}

func (t *TesseractOCR) recognizePages(ctx context.Context, pages []*image.Gray, texts []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, page := range pages {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("page %d: %v", i+1, r)
				}
			}()
			if err := gctx.Err(); err != nil {
				return err
			}

			var buf bytes.Buffer
			if err := imaging.Encode(&buf, page, imaging.PNG); err != nil {
				return fmt.Errorf("page %d: encode: %w", i+1, err)
			}
			text, err := t.recognize(buf.Bytes())
			if err != nil {
				return fmt.Errorf("page %d: %w", i+1, err)
			}
			texts[i] = strings.TrimSpace(text)
			return nil
		})
	}
	return g.Wait()
}

// recognizePNG runs one gosseract client over a PNG page
func (t *TesseractOCR) recognizePNG(png []byte) (string, error) {
	client := gosseract.NewClient()
	defer client.Close()

	if t.tessdataPrefix != "" {
		if err := client.SetTessdataPrefix(t.tessdataPrefix); err != nil {
			return "", fmt.Errorf("failed to set tessdata prefix: %w", err)
		}
	}
	if err := client.SetLanguage(t.languages...); err != nil {
		return "", fmt.Errorf("failed to set languages: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_BLOCK); err != nil {
		return "", fmt.Errorf("failed to set page segmentation mode: %w", err)
	}
	if err := client.SetImageFromBytes(png); err != nil {
		return "", fmt.Errorf("failed to set image: %w", err)
	}

	return client.Text()
}

func (t *TesseractOCR) failure(ctx context.Context, err error) *apperrors.StageError {
	if ctx.Err() == context.DeadlineExceeded {
		return apperrors.NewTransientError(apperrors.StageFallbackCall,
			fmt.Sprintf("Tesseract failed: timed out after %v", t.timeout), err)
	}
	if se, ok := apperrors.AsStageError(err); ok {
		return se
	}
	se := apperrors.NewStageErrorf(apperrors.StageFallbackCall, "Tesseract failed: %v", err)
	se.Cause = err
	return se
}
