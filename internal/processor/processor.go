/**
 * Document Processor for the OCR worker
 *
 * Entry point shared by the HTTP API, the queue consumers and the CLI:
 * - Loads the upload from an in-memory buffer or downloads it from a URL
 * - Serves repeated uploads from the Redis result cache
 * - Runs the OCR pipeline, publishing stage progress for tracked jobs
 * - Records job status in the job store
 */

package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/adverant/nexus/ocr-worker/internal/clients"
	"github.com/adverant/nexus/ocr-worker/internal/logging"
	"github.com/adverant/nexus/ocr-worker/internal/ocr"
	"github.com/adverant/nexus/ocr-worker/internal/storage"
)

// DocumentProcessorInterface defines the interface for document processing
type DocumentProcessorInterface interface {
	ProcessDocument(ctx context.Context, req *ProcessRequest) (*ProcessResult, error)
	UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error
}

// JobRecorder persists job state
type JobRecorder interface {
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
	SaveProgress(ctx context.Context, jobID string, stages *ocr.Trail) error
}

// ResultCache looks up and stores successful responses
type ResultCache interface {
	Get(ctx context.Context, key string) (*ocr.Response, bool, error)
	Set(ctx context.Context, key string, resp *ocr.Response) error
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	Pipeline    *Pipeline
	Jobs        JobRecorder
	Cache       ResultCache
	MaxFileSize int64

	// Download controls fetching uploads referenced by URL
	Download   clients.RetryPolicy
	HTTPClient *http.Client
}

// ProcessRequest represents a document processing request
type ProcessRequest struct {
	JobID      string
	RequestID  string
	Filename   string
	MimeType   string
	FileSize   int64
	FileURL    string
	FileBuffer []byte
	Metadata   map[string]interface{}

	// OnProgress is called with the trail after every stage update
	OnProgress func(stages *ocr.Trail)
}

// ProcessResult is the pipeline outcome for one request
type ProcessResult struct {
	Status           int
	Response         *ocr.Response
	Cached           bool
	ProcessingTimeMs int64
}

// DocumentProcessor handles document processing
type DocumentProcessor struct {
	pipeline    *Pipeline
	jobs        JobRecorder
	cache       ResultCache
	maxFileSize int64
	download    clients.RetryPolicy
	httpClient  *http.Client
	logger      *logging.Logger
}

// NewDocumentProcessor creates a new document processor
func NewDocumentProcessor(cfg *ProcessorConfig) (*DocumentProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}

	p := &DocumentProcessor{
		pipeline:    cfg.Pipeline,
		jobs:        cfg.Jobs,
		cache:       cfg.Cache,
		maxFileSize: cfg.MaxFileSize,
		download:    cfg.Download,
		httpClient:  cfg.HTTPClient,
		logger:      logging.NewLogger("processor"),
	}
	if p.download.MaxAttempts == 0 {
		p.download = clients.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 32 * time.Second}
	}
	if p.httpClient == nil {
		p.httpClient = &http.Client{Timeout: 10 * time.Minute}
	}
	return p, nil
}

// Pipeline returns the underlying OCR pipeline
func (p *DocumentProcessor) Pipeline() *Pipeline {
	return p.pipeline
}

// ProcessDocument runs OCR over one document. Pipeline failures are reported
// in the result's response; the returned error covers loading the document.
func (p *DocumentProcessor) ProcessDocument(ctx context.Context, req *ProcessRequest) (*ProcessResult, error) {
	startTime := time.Now()
	log := p.logger.With("job_id", req.JobID, "request_id", req.RequestID)

	fileData, err := p.loadFile(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to load file: %w", err)
	}

	cacheKey := storage.CacheKey(fileData, req.MimeType, p.pipeline.Threshold())
	if p.cache != nil {
		cached, ok, err := p.cache.Get(ctx, cacheKey)
		if err != nil {
			log.Warn("Result cache lookup failed", "error", err)
		} else if ok {
			log.Info("Serving cached OCR result", "engine_used", cached.Engine())
			return &ProcessResult{
				Status:           http.StatusOK,
				Response:         cached,
				Cached:           true,
				ProcessingTimeMs: time.Since(startTime).Milliseconds(),
			}, nil
		}
	}

	stages := ocr.NewTrail()
	trackJob := p.jobs != nil && req.JobID != ""
	if trackJob || req.OnProgress != nil {
		stages.OnUpdate(func(t *ocr.Trail) {
			if trackJob {
				if err := p.jobs.SaveProgress(ctx, req.JobID, t); err != nil {
					log.Warn("Failed to save job progress", "error", err)
				}
			}
			if req.OnProgress != nil {
				req.OnProgress(t)
			}
		})
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = req.JobID
	}
	status, resp := p.pipeline.RunWithTrail(ctx, &Upload{
		Data:        fileData,
		ContentType: req.MimeType,
		Filename:    req.Filename,
		RequestID:   requestID,
	}, stages)

	if p.cache != nil && !resp.Failed() {
		if err := p.cache.Set(ctx, cacheKey, resp); err != nil {
			log.Warn("Failed to cache OCR result", "error", err)
		}
	}

	return &ProcessResult{
		Status:           status,
		Response:         resp,
		ProcessingTimeMs: time.Since(startTime).Milliseconds(),
	}, nil
}

// UpdateJobStatus updates job status in the job store. Recognized metadata
// keys: filename, content_type, size_bytes, processing_time_ms, error,
// error_code, error_stage, and response (*ocr.Response).
func (p *DocumentProcessor) UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error {
	if p.jobs == nil || jobID == "" {
		return nil
	}

	update := &storage.JobUpdate{
		JobID:    jobID,
		Status:   status,
		Progress: progress,
	}

	if metadata != nil {
		if filename, ok := metadata["filename"].(string); ok {
			update.Filename = filename
		}
		if contentType, ok := metadata["content_type"].(string); ok {
			update.ContentType = contentType
		}
		if size, ok := metadata["size_bytes"].(int64); ok {
			update.SizeBytes = size
		}
		if processingTime, ok := metadata["processing_time_ms"].(int64); ok {
			update.ProcessingTimeMs = processingTime
		}
		if errorMsg, ok := metadata["error"].(string); ok {
			update.ErrorCode = "PROCESSING_ERROR"
			update.ErrorMessage = errorMsg
		}
		if message, ok := metadata["message"].(string); ok && update.ErrorMessage == "" {
			update.ErrorMessage = message
		}
		if code, ok := metadata["error_code"].(string); ok {
			update.ErrorCode = code
		}
		if stage, ok := metadata["error_stage"].(string); ok {
			update.ErrorStage = stage
		}
		if resp, ok := metadata["response"].(*ocr.Response); ok && resp != nil {
			if err := applyResponse(update, resp); err != nil {
				return err
			}
		}
	}

	return p.jobs.UpdateJobStatus(ctx, update)
}

func applyResponse(update *storage.JobUpdate, resp *ocr.Response) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	stages, err := json.Marshal(resp.Stages)
	if err != nil {
		return fmt.Errorf("failed to marshal stages: %w", err)
	}

	update.Response = body
	update.Stages = stages
	update.EngineUsed = resp.Engine()
	update.Confidence = resp.Confidence
	if resp.Failed() {
		update.ErrorStage = resp.ErrorStage
		update.ErrorMessage = resp.ErrorMessage
	}
	return nil
}

// loadFile returns the upload bytes from the request buffer or its URL
func (p *DocumentProcessor) loadFile(ctx context.Context, req *ProcessRequest) ([]byte, error) {
	if len(req.FileBuffer) > 0 || req.FileURL == "" {
		return req.FileBuffer, nil
	}

	p.logger.Info("Downloading file", "job_id", req.JobID, "url", req.FileURL, "expected_size", req.FileSize)
	fileData, err := p.downloadFileFromURL(ctx, req.JobID, req.FileURL, req.FileSize)
	if err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}
	p.logger.Info("File downloaded", "job_id", req.JobID, "size_bytes", len(fileData))
	return fileData, nil
}

func (p *DocumentProcessor) downloadFileFromURL(ctx context.Context, jobID string, fileURL string, expectedSize int64) ([]byte, error) {
	var fileData []byte
	policy := p.download
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		p.logger.Warn("Download attempt failed, retrying",
			"job_id", jobID, "attempt", attempt, "wait_ms", wait.Milliseconds(), "error", err)
	}

	attempts, err := policy.Do(ctx, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
		if err != nil {
			return err
		}

		resp, err := p.httpClient.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &clients.HTTPStatusError{StatusCode: resp.StatusCode, Body: string(body)}
		}

		if resp.ContentLength > 0 && expectedSize > 0 && resp.ContentLength != expectedSize {
			p.logger.Warn("Content-Length mismatch",
				"job_id", jobID, "expected", expectedSize, "got", resp.ContentLength)
		}

		if p.maxFileSize > 0 && resp.ContentLength > p.maxFileSize {
			return fmt.Errorf("file size exceeds maximum: %d > %d bytes", resp.ContentLength, p.maxFileSize)
		}

		limit := p.maxFileSize
		if limit <= 0 {
			limit = 1 << 30
		}
		// One byte over the limit is enough to detect an oversized body;
		// the normalizer reports it with the usual upload_parse error
		data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
		if err != nil {
			return err
		}
		fileData = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download file after %d attempts: %w", attempts, err)
	}

	return fileData, nil
}
