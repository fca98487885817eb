/**
 * Image Preprocessor
 *
 * Prepares page images for OCR with a fixed sequence of passes:
 * grayscale, deskew, adaptive threshold, denoise, sharpen (+ median).
 * The passes after grayscale run on OpenCV matrices through gocv.
 * Each page is processed independently; output order matches input order.
 */

package processor

import (
	"context"
	"fmt"
	"image"
	"runtime"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/adverant/nexus/ocr-worker/internal/errors"
	"github.com/adverant/nexus/ocr-worker/internal/ocr"
)

// PreprocessSteps lists the passes in the order they run
var PreprocessSteps = []string{"grayscale", "deskew", "adaptive_threshold", "denoise", "sharpen"}

// PreprocessConfig holds preprocessing parameters
type PreprocessConfig struct {
	BlockSize int
	Bias      int
	Debug     *DebugWriter
}

// ImagePreprocessor runs the preprocessing passes over page images
type ImagePreprocessor struct {
	blockSize int
	bias      int
	debug     *DebugWriter
}

// NewImagePreprocessor creates a preprocessor; zero values use 31 / 15
func NewImagePreprocessor(cfg *PreprocessConfig) *ImagePreprocessor {
	p := &ImagePreprocessor{blockSize: cfg.BlockSize, bias: cfg.Bias, debug: cfg.Debug}
	if p.blockSize < 3 {
		p.blockSize = 31
	}
	if p.blockSize%2 == 0 {
		p.blockSize++
	}
	if p.bias == 0 {
		p.bias = 15
	}
	return p
}

// PreprocessPage runs every pass over a single page. Deterministic for a given input.
func (p *ImagePreprocessor) PreprocessPage(img image.Image) (*image.Gray, float64, error) {
	gray := toGray(img)
	angle := estimateSkew(gray)

	src, err := grayToMat(gray)
	if err != nil {
		return nil, 0, err
	}
	defer src.Close()

	straight := deskew(src, angle)
	defer straight.Close()
	binary := adaptiveThreshold(straight, p.blockSize, p.bias)
	defer binary.Close()
	clean := denoise(binary)
	defer clean.Close()
	sharp := sharpen(clean)
	defer sharp.Close()
	out := median(sharp)
	defer out.Close()

	return matToGray(out), angle, nil
}

// Preprocess processes all pages concurrently and records the preprocess stage
func (p *ImagePreprocessor) Preprocess(ctx context.Context, requestID string, pages []image.Image, stages *ocr.Trail) ([]*image.Gray, error) {
	if len(pages) == 0 {
		return nil, apperrors.NewStageError(apperrors.StagePreprocess, "No page images to preprocess")
	}

	out := make([]*image.Gray, len(pages))
	angles := make([]float64, len(pages))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, page := range pages {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = apperrors.NewStageErrorf(apperrors.StagePreprocess, "Preprocessing page %d failed: %v", i+1, r)
				}
			}()
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i], angles[i], err = p.PreprocessPage(page)
			if err != nil {
				return apperrors.NewStageErrorf(apperrors.StagePreprocess, "Preprocessing page %d failed: %v", i+1, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, apperrors.Wrap(apperrors.StagePreprocess, fmt.Errorf("preprocess: %w", err))
	}

	for i, img := range out {
		p.debug.Save(requestID, fmt.Sprintf("preprocessed_page_%d.png", i+1), img)
	}

	stages.Status(apperrors.StagePreprocess, ocr.StatusOK, map[string]interface{}{
		"steps":         PreprocessSteps,
		"pages":         len(out),
		"deskew_angles": angles,
	})

	return out, nil
}
