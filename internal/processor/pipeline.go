/**
 * OCR Pipeline
 *
 * Orchestrates a single OCR request:
 *   upload_parse -> [pdf_to_image] -> preprocess -> azure_call
 *   -> (confidence check) -> fallback_call -> extraction
 *
 * Every outcome, successful or not, is returned as an ocr.Response with a
 * per-stage diagnostic trail. Run never panics and never returns an error.
 */

package processor

import (
	"context"
	"fmt"
	"image"
	"net/http"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/adverant/nexus/ocr-worker/internal/errors"
	"github.com/adverant/nexus/ocr-worker/internal/logging"
	"github.com/adverant/nexus/ocr-worker/internal/ocr"
)

// PrimaryEngine is the cloud OCR provider
type PrimaryEngine interface {
	Analyze(ctx context.Context, document []byte, contentType string) (*ocr.Result, error)
	// Describe returns the non-secret connection details recorded while calling
	Describe() map[string]interface{}
}

// FallbackEngine is the local OCR engine
type FallbackEngine interface {
	Recognize(ctx context.Context, pages []*image.Gray) (*ocr.Result, error)
}

// PipelineConfig holds pipeline dependencies
type PipelineConfig struct {
	Normalizer          *UploadNormalizer
	Preprocessor        *ImagePreprocessor
	Primary             PrimaryEngine
	Fallback            FallbackEngine
	ConfidenceThreshold float64

	// Encode overrides EncodePayload
	Encode func(pages []*image.Gray, fromPDF bool) (*Payload, error)
}

// Pipeline routes uploads through normalization, preprocessing and OCR
type Pipeline struct {
	normalizer   *UploadNormalizer
	preprocessor *ImagePreprocessor
	primary      PrimaryEngine
	fallback     FallbackEngine
	threshold    float64
	encode       func(pages []*image.Gray, fromPDF bool) (*Payload, error)
	logger       *logging.Logger
}

// NewPipeline creates a pipeline
func NewPipeline(cfg *PipelineConfig) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Normalizer == nil || cfg.Preprocessor == nil {
		return nil, fmt.Errorf("normalizer and preprocessor are required")
	}
	if cfg.Primary == nil || cfg.Fallback == nil {
		return nil, fmt.Errorf("primary and fallback engines are required")
	}

	encode := cfg.Encode
	if encode == nil {
		encode = EncodePayload
	}

	return &Pipeline{
		normalizer:   cfg.Normalizer,
		preprocessor: cfg.Preprocessor,
		primary:      cfg.Primary,
		fallback:     cfg.Fallback,
		threshold:    cfg.ConfidenceThreshold,
		encode:       encode,
		logger:       logging.NewLogger("pipeline"),
	}, nil
}

// Threshold returns the confidence at or above which the fallback is skipped
func (p *Pipeline) Threshold() float64 {
	return p.threshold
}

// Run processes one upload and returns an HTTP-style status with the response body
func (p *Pipeline) Run(ctx context.Context, upload *Upload) (int, *ocr.Response) {
	return p.RunWithTrail(ctx, upload, ocr.NewTrail())
}

// RunWithTrail is Run with a caller-supplied trail, so observers registered on
// it see each stage as it completes
func (p *Pipeline) RunWithTrail(ctx context.Context, upload *Upload, stages *ocr.Trail) (int, *ocr.Response) {
	startTime := time.Now()
	if upload.RequestID == "" {
		upload.RequestID = uuid.NewString()
	}
	log := p.logger.With("request_id", upload.RequestID)
	log.Info("OCR pipeline started",
		"filename", upload.Filename,
		"content_type", upload.ContentType,
		"size_bytes", len(upload.Data))

	// Stage 1: upload_parse / pdf_to_image
	var pageSet *PageSet
	if err := guard(apperrors.StageUploadParse, func() error {
		var err error
		pageSet, err = p.normalizer.Normalize(ctx, upload, stages)
		return err
	}); err != nil {
		return p.fail(log, startTime, http.StatusBadRequest, apperrors.Wrap(apperrors.StageUploadParse, err), stages)
	}

	// Stage 2: preprocess
	var pages []*image.Gray
	if err := guard(apperrors.StagePreprocess, func() error {
		var err error
		pages, err = p.preprocessor.Preprocess(ctx, upload.RequestID, pageSet.Pages, stages)
		return err
	}); err != nil {
		return p.fail(log, startTime, http.StatusInternalServerError, atStage(apperrors.StagePreprocess, err), stages)
	}

	// Stage 3: azure_call
	primary := p.callPrimary(ctx, log, pages, pageSet.IsPDF, stages)

	// Stage 4: confidence check and fallback_call
	var final *ocr.Result
	if primary != nil && primary.Confidence >= p.threshold {
		final = primary
		stages.Skip(apperrors.StageFallbackCall)
	} else {
		if primary != nil {
			log.Info("Primary OCR below confidence threshold, running fallback",
				"confidence", ocr.Round3(primary.Confidence), "threshold", p.threshold)
			stages.Status(apperrors.StageAzureCall, ocr.StatusOKButLowConfidence, map[string]interface{}{
				"confidence": ocr.Round3(primary.Confidence),
				"threshold":  p.threshold,
			})
		}

		stages.Status(apperrors.StageFallbackCall, ocr.StatusCalling, nil)
		var fallback *ocr.Result
		if err := guard(apperrors.StageFallbackCall, func() error {
			var err error
			fallback, err = p.fallback.Recognize(ctx, pages)
			if err == nil && fallback == nil {
				err = apperrors.NewStageError(apperrors.StageFallbackCall, "Fallback OCR returned no result")
			}
			return err
		}); err != nil {
			return p.fail(log, startTime, http.StatusInternalServerError, atStage(apperrors.StageFallbackCall, err), stages)
		}

		stages.Status(apperrors.StageFallbackCall, ocr.StatusOK, map[string]interface{}{
			"engine": "tesseract",
			"pages":  len(pages),
		})
		final = fallback
	}

	// Stage 5: extraction
	final.Confidence = ocr.ClampConfidence(final.Confidence)
	stages.Status(apperrors.StageExtraction, ocr.StatusOK, map[string]interface{}{
		"engine_used": string(final.Engine),
		"confidence":  ocr.Round3(final.Confidence),
	})

	summary := buildSummary(final.Text, final.Confidence, p.threshold)

	log.Info("OCR pipeline completed",
		"engine_used", string(final.Engine),
		"confidence", ocr.Round3(final.Confidence),
		"chars", len(final.Text),
		"duration_ms", time.Since(startTime).Milliseconds())

	return http.StatusOK, ocr.NewSuccessResponse(final, stages, summary)
}

// callPrimary runs the primary engine. Every failure is recorded under
// azure_call and yields nil so the fallback takes over.
func (p *Pipeline) callPrimary(ctx context.Context, log *logging.Logger, pages []*image.Gray, fromPDF bool, stages *ocr.Trail) *ocr.Result {
	payload, err := p.encode(pages, fromPDF)
	if err != nil {
		se := apperrors.NewStageErrorf(apperrors.StageAzureCall, "Failed to encode payload: %v", err)
		log.Warn("Primary OCR payload encoding failed", "error", err)
		stages.Fail(se)
		return nil
	}

	stages.Status(apperrors.StageAzureCall, ocr.StatusCalling, p.primary.Describe())

	var result *ocr.Result
	if err := guard(apperrors.StageAzureCall, func() error {
		var err error
		result, err = p.primary.Analyze(ctx, payload.Data, payload.ContentType)
		if err == nil && result == nil {
			err = apperrors.NewStageError(apperrors.StageAzureCall, "Primary OCR returned no result")
		}
		return err
	}); err != nil {
		se := atStage(apperrors.StageAzureCall, err)
		log.Warn("Primary OCR failed, running fallback", "error", se.Message, "kind", string(se.Kind))
		stages.Fail(se)
		return nil
	}

	entry := map[string]interface{}{"confidence": ocr.Round3(result.Confidence)}
	for k, v := range result.Meta {
		entry[k] = v
	}
	stages.Status(apperrors.StageAzureCall, ocr.StatusOK, entry)

	return result
}

func (p *Pipeline) fail(log *logging.Logger, startTime time.Time, status int, err *apperrors.StageError, stages *ocr.Trail) (int, *ocr.Response) {
	log.Warn("OCR pipeline failed",
		"error_stage", string(err.Stage),
		"error", err.Message,
		"status", status,
		"duration_ms", time.Since(startTime).Milliseconds())
	return status, ocr.NewFailureResponse(err, stages)
}

// guard runs fn and converts a panic into a StageError for stage
func guard(stage apperrors.Stage, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.NewStageErrorf(stage, "internal error: %v", r)
		}
	}()
	return fn()
}

// atStage tags err with stage, re-tagging a StageError raised under another stage
func atStage(stage apperrors.Stage, err error) *apperrors.StageError {
	se := apperrors.Wrap(stage, err)
	if se.Stage != stage {
		retagged := *se
		retagged.Stage = stage
		return &retagged
	}
	return se
}
