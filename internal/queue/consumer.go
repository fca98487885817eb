/**
 * Queue Consumer for the OCR worker
 *
 * Consumes OCR jobs from Redis using Asynq and runs them through the
 * document processor. Pipeline stage failures are terminal; infrastructure
 * errors (downloads, timeouts) are retried with exponential backoff.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/hibiken/asynq"

	apperrors "github.com/adverant/nexus/ocr-worker/internal/errors"
	"github.com/adverant/nexus/ocr-worker/internal/logging"
	"github.com/adverant/nexus/ocr-worker/internal/processor"
	"github.com/adverant/nexus/ocr-worker/internal/storage"
)

// TaskTypeProcess is the asynq task type for OCR jobs
const TaskTypeProcess = "ocr:process"

const defaultProcessingTimeout = 300000 * time.Millisecond

// TaskPayload is the asynq task body. File is base64 in JSON.
type TaskPayload struct {
	JobID       string `json:"job_id"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	File        []byte `json:"file,omitempty"`
	FileURL     string `json:"file_url,omitempty"`
}

// NewProcessTask builds an OCR task
func NewProcessTask(payload *TaskPayload) (*asynq.Task, error) {
	if payload.JobID == "" {
		return nil, fmt.Errorf("job_id is required")
	}
	if len(payload.File) == 0 && payload.FileURL == "" {
		return nil, fmt.Errorf("file or file_url is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task payload: %w", err)
	}
	return asynq.NewTask(TaskTypeProcess, data), nil
}

// TaskClient enqueues OCR jobs
type TaskClient struct {
	client   *asynq.Client
	queue    string
	maxRetry int
}

// NewTaskClient creates a task client for queueName
func NewTaskClient(redisURL, queueName string) (*TaskClient, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if queueName == "" {
		queueName = "ocr"
	}
	return &TaskClient{client: asynq.NewClient(redisOpt), queue: queueName, maxRetry: 3}, nil
}

// Enqueue submits an OCR job. The job ID doubles as the task ID, so
// submitting the same job twice fails with asynq.ErrTaskIDConflict.
func (c *TaskClient) Enqueue(ctx context.Context, payload *TaskPayload) (*asynq.TaskInfo, error) {
	task, err := NewProcessTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task,
		asynq.Queue(c.queue),
		asynq.TaskID(payload.JobID),
		asynq.MaxRetry(c.maxRetry),
		asynq.Retention(24*time.Hour),
	)
}

// Close closes the underlying client
func (c *TaskClient) Close() error {
	return c.client.Close()
}

// Consumer handles job consumption from the Asynq queue
type Consumer struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor processor.DocumentProcessorInterface
	config    *ConsumerConfig
	logger    *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.DocumentProcessorInterface
	ProcessingTimeout int64 // milliseconds, default 300000
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	logger := logging.NewLogger("queue")

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			RetryDelayFunc: retryDelay,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				logger.Error("Task processing error",
					"type", task.Type(), "retried", retried, "payload_bytes", len(task.Payload()), "error", err)
			}),
			Logger:   &asynqLogger{logger: logger},
			LogLevel: asynq.WarnLevel,
		},
	)

	consumer := &Consumer{
		server:    server,
		mux:       asynq.NewServeMux(),
		processor: cfg.Processor,
		config:    cfg,
		logger:    logger,
	}

	consumer.mux.HandleFunc(TaskTypeProcess, consumer.handleProcessDocument)

	return consumer, nil
}

// retryDelay backs off 5s, 10s, 20s... capped at 60s
func retryDelay(n int, err error, task *asynq.Task) time.Duration {
	if n > 4 {
		return 60 * time.Second
	}
	delay := time.Duration(5*(1<<uint(n))) * time.Second
	if delay > 60*time.Second {
		delay = 60 * time.Second
	}
	return delay
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)

	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start queue consumer: %w", err)
	}
	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping queue consumer")
	c.server.Shutdown()
	c.logger.Info("Queue consumer stopped")
	return nil
}

func (c *Consumer) timeout() time.Duration {
	if c.config.ProcessingTimeout > 0 {
		return time.Duration(c.config.ProcessingTimeout) * time.Millisecond
	}
	return defaultProcessingTimeout
}

// handleProcessDocument processes one OCR task
func (c *Consumer) handleProcessDocument(ctx context.Context, task *asynq.Task) error {
	startTime := time.Now()

	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		invalid := apperrors.NewInvalidPayloadError(payload.JobID, err)
		c.logger.Error("Discarding task with invalid payload", "error", invalid)
		if payload.JobID != "" {
			c.updateStatus(ctx, payload.JobID, storage.StatusFailed, 100, invalid.ToMap())
		}
		return fmt.Errorf("%v: %w", invalid, asynq.SkipRetry)
	}

	log := c.logger.With("job_id", payload.JobID)
	log.Info("Processing document", "filename", payload.Filename, "size_bytes", len(payload.File))

	c.updateStatus(ctx, payload.JobID, storage.StatusProcessing, 0, map[string]interface{}{
		"filename":     payload.Filename,
		"content_type": payload.ContentType,
		"size_bytes":   int64(len(payload.File)),
	})

	timeout := c.timeout()
	processCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := c.processor.ProcessDocument(processCtx, &processor.ProcessRequest{
		JobID:      payload.JobID,
		RequestID:  payload.JobID,
		Filename:   payload.Filename,
		MimeType:   payload.ContentType,
		FileURL:    payload.FileURL,
		FileBuffer: payload.File,
	})

	duration := time.Since(startTime)

	if processCtx.Err() == context.DeadlineExceeded {
		log.Warn("Processing timed out", "duration_ms", duration.Milliseconds(), "timeout", timeout.String())
		timeoutErr := apperrors.NewProcessingTimeoutError(payload.JobID, timeout, processCtx.Err())
		c.recordFailure(ctx, payload.JobID, timeoutErr.ToMap())
		return fmt.Errorf("processing timeout: %w", timeoutErr)
	}

	if err != nil {
		log.Error("Processing failed", "duration_ms", duration.Milliseconds(), "error", err)
		c.recordFailure(ctx, payload.JobID, map[string]interface{}{
			"error":              err.Error(),
			"processing_time_ms": duration.Milliseconds(),
		})
		return fmt.Errorf("document processing failed: %w", err)
	}

	resp := result.Response
	if resp.Failed() {
		ocrErr := apperrors.NewOCRFailedError(payload.JobID, resp.ErrorStage, resp.ErrorMessage)
		log.Warn("OCR failed", "error_stage", resp.ErrorStage, "error", resp.ErrorMessage)
		c.updateStatus(ctx, payload.JobID, storage.StatusFailed, 100, map[string]interface{}{
			"error_code":         string(ocrErr.Code),
			"processing_time_ms": duration.Milliseconds(),
			"response":           resp,
		})
		return fmt.Errorf("%v: %w", ocrErr, asynq.SkipRetry)
	}

	log.Info("Processing completed",
		"duration_ms", duration.Milliseconds(), "engine_used", resp.Engine(), "confidence", resp.Confidence, "cached", result.Cached)

	c.updateStatus(ctx, payload.JobID, storage.StatusCompleted, 100, map[string]interface{}{
		"processing_time_ms": duration.Milliseconds(),
		"response":           resp,
	})
	return nil
}

// recordFailure marks the job failed once asynq has no retries left, and
// queued again otherwise
func (c *Consumer) recordFailure(ctx context.Context, jobID string, metadata map[string]interface{}) {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if ok && retried < maxRetry {
		c.updateStatus(ctx, jobID, storage.StatusQueued, 0, metadata)
		return
	}
	c.updateStatus(ctx, jobID, storage.StatusFailed, 100, metadata)
}

func (c *Consumer) updateStatus(ctx context.Context, jobID, status string, progress int, metadata map[string]interface{}) {
	// The task context may already be past its deadline
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := c.processor.UpdateJobStatus(ctx, jobID, status, progress, metadata); err != nil {
		storeErr := apperrors.NewStorageFailedError(jobID, err)
		c.logger.Warn("Failed to update job status", "job_id", jobID, "status", status, "error_code", storeErr.Code, "error", storeErr)
	}
}

// GetStatistics returns consumer statistics
func (c *Consumer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
		"timeout_ms":  c.timeout().Milliseconds(),
	}
}

// asynqLogger routes asynq's internal logging through the worker logger
type asynqLogger struct {
	logger *logging.Logger
}

func (l *asynqLogger) Debug(args ...interface{}) { l.logger.Debug(fmt.Sprint(args...)) }
func (l *asynqLogger) Info(args ...interface{})  { l.logger.Info(fmt.Sprint(args...)) }
func (l *asynqLogger) Warn(args ...interface{})  { l.logger.Warn(fmt.Sprint(args...)) }
func (l *asynqLogger) Error(args ...interface{}) { l.logger.Error(fmt.Sprint(args...)) }

func (l *asynqLogger) Fatal(args ...interface{}) {
	l.logger.Error(fmt.Sprint(args...))
	os.Exit(1)
}
