/**
 * HTTP API for the OCR worker
 *
 * - POST /api/ocr            synchronous OCR (raw body or multipart upload)
 * - POST /api/ocr/jobs       enqueue an asynchronous OCR job
 * - GET  /api/ocr/jobs/:id   job status and result
 * - GET  /healthz            tool discovery and backend reachability
 */

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	apperrors "github.com/adverant/nexus/ocr-worker/internal/errors"
	"github.com/adverant/nexus/ocr-worker/internal/logging"
	"github.com/adverant/nexus/ocr-worker/internal/ocr"
	"github.com/adverant/nexus/ocr-worker/internal/processor"
	"github.com/adverant/nexus/ocr-worker/internal/queue"
	"github.com/adverant/nexus/ocr-worker/internal/storage"
)

// JobReader looks up job state
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (*storage.JobRecord, error)
}

// Enqueuer submits asynchronous OCR jobs
type Enqueuer interface {
	Enqueue(ctx context.Context, payload *queue.TaskPayload) (*asynq.TaskInfo, error)
}

// Config holds server dependencies
type Config struct {
	Addr            string
	CORSAllowOrigin string
	MaxFileSize     int64

	Processor processor.DocumentProcessorInterface
	Jobs      JobReader
	Queue     Enqueuer
	Health    *HealthChecker
}

// Server serves the OCR HTTP API
type Server struct {
	cfg        *Config
	router     *gin.Engine
	httpServer *http.Server
	logger     *logging.Logger
}

// New creates the server and registers its routes
func New(cfg *Config) (*Server, error) {
	if cfg == nil || cfg.Processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.CORSAllowOrigin == "" {
		cfg.CORSAllowOrigin = "*"
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 25 << 20
	}
	if cfg.Health == nil {
		cfg.Health = &HealthChecker{}
	}

	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:    cfg,
		router: gin.New(),
		logger: logging.NewLogger("server"),
	}

	s.router.Use(gin.Recovery(), s.requestID(), s.requestLogger(), s.cors())
	s.router.OPTIONS("/*path", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	api := s.router.Group("/api/ocr")
	api.POST("", s.handleOCR)
	api.POST("/jobs", s.handleEnqueue)
	api.GET("/jobs/:id", s.handleGetJob)
	s.router.GET("/healthz", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", "addr", s.cfg.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

const requestIDKey = "request_id"

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.Method == http.MethodOptions || c.Request.URL.Path == "/healthz" {
			return
		}
		s.logger.Info("Request handled",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", c.GetString(requestIDKey))
	}
}

func (s *Server) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", s.cfg.CORSAllowOrigin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, X-Filename, X-Request-ID")
		c.Header("Access-Control-Expose-Headers", "X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// upload is a file extracted from a request
type upload struct {
	data        []byte
	contentType string
	filename    string
}

// readUpload extracts the file from a raw body or the first file part of a
// multipart form. Bodies beyond the size cap are truncated to cap+1 bytes so
// the normalizer rejects them.
func (s *Server) readUpload(c *gin.Context) (*upload, *apperrors.StageError) {
	limit := s.cfg.MaxFileSize + 1
	contentType := c.GetHeader("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType)

	if !strings.EqualFold(mediaType, "multipart/form-data") {
		data, err := io.ReadAll(io.LimitReader(c.Request.Body, limit))
		if err != nil {
			return nil, apperrors.NewStageErrorf(apperrors.StageUploadParse, "Failed to read request body: %v", err)
		}
		return &upload{data: data, contentType: mediaType, filename: c.GetHeader("X-Filename")}, nil
	}

	reader, err := c.Request.MultipartReader()
	if err != nil {
		return nil, apperrors.NewStageErrorf(apperrors.StageUploadParse, "Invalid multipart upload: %v", err)
	}
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, apperrors.NewStageErrorf(apperrors.StageUploadParse, "Invalid multipart upload: %v", err)
		}
		if part.FileName() == "" {
			part.Close()
			continue
		}
		data, err := io.ReadAll(io.LimitReader(part, limit))
		part.Close()
		if err != nil {
			return nil, apperrors.NewStageErrorf(apperrors.StageUploadParse, "Failed to read multipart file: %v", err)
		}
		partType, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		return &upload{data: data, contentType: partType, filename: part.FileName()}, nil
	}

	return nil, apperrors.NewStageError(apperrors.StageUploadParse, "No file found in multipart upload.")
}

func failureBody(err *apperrors.StageError) *ocr.Response {
	return ocr.NewFailureResponse(err, nil)
}

func (s *Server) handleOCR(c *gin.Context) {
	requestID := c.GetString(requestIDKey)

	up, uploadErr := s.readUpload(c)
	if uploadErr != nil {
		c.JSON(http.StatusBadRequest, failureBody(uploadErr))
		return
	}

	result, err := s.cfg.Processor.ProcessDocument(c.Request.Context(), &processor.ProcessRequest{
		RequestID:  requestID,
		Filename:   up.filename,
		MimeType:   up.contentType,
		FileSize:   int64(len(up.data)),
		FileBuffer: up.data,
	})
	if err != nil {
		s.logger.Error("OCR request failed", "request_id", requestID, "error", err)
		c.JSON(http.StatusInternalServerError, failureBody(apperrors.Wrap(apperrors.StageUploadParse, err)))
		return
	}

	if result.Cached {
		c.Header("X-Cache", "hit")
	}
	c.JSON(result.Status, result.Response)
}

func (s *Server) handleEnqueue(c *gin.Context) {
	if s.cfg.Queue == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "job queue is not configured"})
		return
	}

	up, uploadErr := s.readUpload(c)
	if uploadErr != nil {
		c.JSON(http.StatusBadRequest, failureBody(uploadErr))
		return
	}
	if len(up.data) == 0 {
		c.JSON(http.StatusBadRequest, failureBody(apperrors.NewStageError(apperrors.StageUploadParse, "Uploaded file is empty")))
		return
	}
	if int64(len(up.data)) > s.cfg.MaxFileSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("file exceeds %d bytes", s.cfg.MaxFileSize)})
		return
	}

	ctx := c.Request.Context()
	jobID := uuid.NewString()
	metadata := map[string]interface{}{
		"filename":     up.filename,
		"content_type": up.contentType,
		"size_bytes":   int64(len(up.data)),
	}
	if err := s.cfg.Processor.UpdateJobStatus(ctx, jobID, storage.StatusQueued, 0, metadata); err != nil {
		s.logger.Warn("Failed to record queued job", "job_id", jobID, "error", err)
	}

	if _, err := s.cfg.Queue.Enqueue(ctx, &queue.TaskPayload{
		JobID:       jobID,
		Filename:    up.filename,
		ContentType: up.contentType,
		File:        up.data,
	}); err != nil {
		s.logger.Error("Failed to enqueue job", "job_id", jobID, "error", err)
		metadata["error"] = err.Error()
		if updateErr := s.cfg.Processor.UpdateJobStatus(ctx, jobID, storage.StatusFailed, 100, metadata); updateErr != nil {
			s.logger.Warn("Failed to record enqueue failure", "job_id", jobID, "error", updateErr)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue job"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "status": storage.StatusQueued})
}

func (s *Server) handleGetJob(c *gin.Context) {
	if s.cfg.Jobs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "job store is not configured"})
		return
	}

	record, err := s.cfg.Jobs.GetJob(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		s.logger.Error("Failed to read job", "job_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read job"})
		return
	}

	c.JSON(http.StatusOK, record)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	report := s.cfg.Health.Check(ctx)
	c.JSON(report.HTTPStatus(), report)
}
