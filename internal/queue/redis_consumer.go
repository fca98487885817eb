/**
 * Direct Redis Queue Consumer for the OCR worker
 *
 * Compatible with producers that push job IDs onto a plain Redis LIST:
 * - BRPOP <queue>:list for the next job ID, job JSON in hash <queue>:data
 * - Status sets <queue>:processing, <queue>:completed, <queue>:failed
 * - Responses in hash <queue>:results, failures in hash <queue>:errors
 * - job:<status> and job:progress events on channel <queue>:events
 */

package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/adverant/nexus/ocr-worker/internal/errors"
	"github.com/adverant/nexus/ocr-worker/internal/logging"
	"github.com/adverant/nexus/ocr-worker/internal/ocr"
	"github.com/adverant/nexus/ocr-worker/internal/processor"
	"github.com/adverant/nexus/ocr-worker/internal/storage"
)

var errNoJobs = errors.New("no jobs available")

// RedisJobData represents a job from the Redis queue
type RedisJobData struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Payload    JobPayload `json:"payload"`
	CreatedAt  time.Time  `json:"createdAt"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"maxRetries"`
}

// JobPayload contains the actual job data
type JobPayload struct {
	JobID      string                 `json:"jobId"`
	Filename   string                 `json:"filename"`
	MimeType   string                 `json:"mimeType,omitempty"`
	FileSize   int64                  `json:"fileSize,omitempty"`
	FileURL    string                 `json:"fileUrl,omitempty"`
	FileBuffer []byte                 `json:"fileBuffer,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// UnmarshalJSON accepts fileBuffer as a base64 string or as a Node.js
// Buffer object ({"type":"Buffer","data":[...]})
func (p *JobPayload) UnmarshalJSON(data []byte) error {
	type Alias JobPayload
	aux := &struct {
		FileBuffer interface{} `json:"fileBuffer,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal JobPayload: %w", err)
	}

	p.FileBuffer = nil
	if aux.FileBuffer == nil {
		return nil
	}

	switch v := aux.FileBuffer.(type) {
	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("failed to decode base64 fileBuffer: %w", err)
		}
		p.FileBuffer = decoded

	case map[string]interface{}:
		if bufferType, ok := v["type"].(string); !ok || bufferType != "Buffer" {
			return fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return fmt.Errorf("Buffer object missing 'data' array")
		}
		p.FileBuffer = make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok || byteVal < 0 || byteVal > 255 {
				return fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			p.FileBuffer[i] = byte(byteVal)
		}

	default:
		return fmt.Errorf("fileBuffer must be either base64 string or Buffer object, got %T", v)
	}

	return nil
}

// RedisConsumer handles job consumption from a Redis list
type RedisConsumer struct {
	client    *redis.Client
	ownClient bool
	processor processor.DocumentProcessorInterface
	config    *RedisConsumerConfig
	logger    *logging.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	// Client is used when set; otherwise one is created from RedisURL
	Client            *redis.Client
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.DocumentProcessorInterface
	ProcessingTimeout int64 // milliseconds, default 300000
	PollTimeout       time.Duration
	DefaultMaxRetries int
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.Client == nil && cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		cfg.QueueName = "ocr"
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}

	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = 3
	}

	client := cfg.Client
	ownClient := false
	if client == nil {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		client = redis.NewClient(opt)
		ownClient = true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		if ownClient {
			client.Close()
		}
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	consumerCtx, consumerCancel := context.WithCancel(context.Background())

	return &RedisConsumer{
		client:    client,
		ownClient: ownClient,
		processor: cfg.Processor,
		config:    cfg,
		logger:    logging.NewLogger("redis-queue").With("queue", cfg.QueueName),
		ctx:       consumerCtx,
		cancel:    consumerCancel,
	}, nil
}

func (c *RedisConsumer) key(suffix string) string {
	return fmt.Sprintf("%s:%s", c.config.QueueName, suffix)
}

// Submit stores job data and pushes the job ID onto the list
func (c *RedisConsumer) Submit(ctx context.Context, job *RedisJobData) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Type == "" {
		job.Type = TaskTypeProcess
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.key("data"), job.ID, data)
		pipe.LPush(ctx, c.key("list"), job.ID)
		return nil
	})
	return err
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	c.logger.Info("Starting Redis queue consumer", "concurrency", c.config.Concurrency)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	return nil
}

// Stop gracefully stops the consumer
func (c *RedisConsumer) Stop() error {
	c.logger.Info("Stopping Redis queue consumer")
	c.cancel()
	c.wg.Wait()
	if c.ownClient {
		return c.client.Close()
	}
	return nil
}

// worker is a goroutine that processes jobs
func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	log := c.logger.With("worker", id)
	log.Debug("Worker started")

	for {
		select {
		case <-c.ctx.Done():
			log.Debug("Worker stopping")
			return
		default:
			if err := c.processNextJob(c.ctx); err != nil {
				if errors.Is(err, errNoJobs) || c.ctx.Err() != nil {
					continue
				}
				log.Warn("Worker error", "error", err)
				select {
				case <-c.ctx.Done():
				case <-time.After(time.Second):
				}
			}
		}
	}
}

// processNextJob fetches and processes the next job from the queue
func (c *RedisConsumer) processNextJob(ctx context.Context) error {
	result, err := c.client.BRPop(ctx, c.config.PollTimeout, c.key("list")).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}

	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}

	id := result[1]

	// The job is off the list; its bookkeeping must outlive Stop
	jobCtx := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		// Popped while stopping; leave it for the next consumer
		c.client.RPush(jobCtx, c.key("list"), id)
		return nil
	}

	jobData, err := c.client.HGet(jobCtx, c.key("data"), id).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data (id=%s): %w", id, err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		invalid := apperrors.NewInvalidPayloadError(id, err)
		c.markFailed(jobCtx, id, invalid.ToMap(), nil)
		return invalid
	}
	if job.Payload.JobID == "" {
		job.Payload.JobID = id
	}
	if job.MaxRetries <= 0 {
		job.MaxRetries = c.config.DefaultMaxRetries
	}

	jobID := job.Payload.JobID
	log := c.logger.With("job_id", jobID)

	c.client.SAdd(jobCtx, c.key("processing"), jobID)
	c.publish(jobCtx, "job:processing", jobID, nil)
	c.updateStatus(jobCtx, jobID, storage.StatusProcessing, 0, map[string]interface{}{
		"filename":     job.Payload.Filename,
		"content_type": job.Payload.MimeType,
		"size_bytes":   job.Payload.FileSize,
	})

	log.Info("Processing job", "filename", job.Payload.Filename, "attempt", job.Attempts+1)

	processResult, err := c.processJob(ctx, &job)
	interrupted := ctx.Err() != nil && (err != nil || processResult.Response.Failed())
	if interrupted {
		// Interrupted by Stop: hand the job back without spending an attempt
		c.requeue(jobCtx, id, &job, true, "interrupted by shutdown")
		log.Info("Job returned to queue after shutdown", "attempt", job.Attempts+1)
		return nil
	}
	if err != nil {
		log.Warn("Job failed", "error", err)

		job.Attempts++
		if job.Attempts < job.MaxRetries {
			c.requeue(jobCtx, id, &job, false, err.Error())
			log.Info("Job re-queued for retry", "attempt", job.Attempts, "max_retries", job.MaxRetries)
			return nil
		}

		details := map[string]interface{}{
			"error":    err.Error(),
			"attempts": job.Attempts,
		}
		var procErr *apperrors.ProcessingError
		if errors.As(err, &procErr) {
			details = procErr.ToMap()
			details["attempts"] = job.Attempts
		}
		c.markFailed(jobCtx, jobID, details, nil)
		return nil
	}

	resp := processResult.Response
	if resp.Failed() {
		ocrErr := apperrors.NewOCRFailedError(jobID, resp.ErrorStage, resp.ErrorMessage)
		details := ocrErr.ToMap()
		details["error_stage"] = resp.ErrorStage
		c.markFailed(jobCtx, jobID, details, resp)
		log.Warn("OCR failed", "error_stage", resp.ErrorStage, "error", resp.ErrorMessage)
		return nil
	}

	c.markCompleted(jobCtx, jobID, processResult)
	log.Info("Job completed", "engine_used", resp.Engine(), "confidence", resp.Confidence)
	return nil
}

// requeue stores the job and puts it back on the list. Jobs interrupted by
// shutdown go to the consuming end so they run next.
func (c *RedisConsumer) requeue(ctx context.Context, id string, job *RedisJobData, next bool, reason string) {
	jobID := job.Payload.JobID
	if updatedData, err := json.Marshal(job); err == nil {
		c.client.HSet(ctx, c.key("data"), id, updatedData)
	}
	c.client.SRem(ctx, c.key("processing"), jobID)
	if next {
		c.client.RPush(ctx, c.key("list"), id)
	} else {
		c.client.LPush(ctx, c.key("list"), id)
	}
	c.updateStatus(ctx, jobID, storage.StatusQueued, 0, map[string]interface{}{"error": reason})
}

// processJob runs the document processor under the processing timeout.
// Events are published on a context detached from ctx; cancelling ctx stops
// the processor.
func (c *RedisConsumer) processJob(ctx context.Context, job *RedisJobData) (*processor.ProcessResult, error) {
	startTime := time.Now()
	jobID := job.Payload.JobID

	timeout := defaultProcessingTimeout
	if c.config.ProcessingTimeout > 0 {
		timeout = time.Duration(c.config.ProcessingTimeout) * time.Millisecond
	}

	eventCtx := context.WithoutCancel(ctx)
	processCtx, cancel := context.WithTimeout(eventCtx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	result, err := c.processor.ProcessDocument(processCtx, &processor.ProcessRequest{
		JobID:      jobID,
		RequestID:  jobID,
		Filename:   job.Payload.Filename,
		MimeType:   job.Payload.MimeType,
		FileSize:   job.Payload.FileSize,
		FileURL:    job.Payload.FileURL,
		FileBuffer: job.Payload.FileBuffer,
		Metadata:   job.Payload.Metadata,
		OnProgress: func(stages *ocr.Trail) {
			c.publish(eventCtx, "job:progress", jobID, map[string]interface{}{
				"progress": storage.ProgressOf(stages),
				"stages":   stages,
			})
		},
	})

	if processCtx.Err() == context.DeadlineExceeded {
		return nil, apperrors.NewProcessingTimeoutError(jobID, timeout, processCtx.Err())
	}
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Processing finished", "job_id", jobID, "duration_ms", time.Since(startTime).Milliseconds())
	return result, nil
}

func (c *RedisConsumer) markCompleted(ctx context.Context, jobID string, result *processor.ProcessResult) {
	resp := result.Response
	if data, err := json.Marshal(resp); err == nil {
		c.client.HSet(ctx, c.key("results"), jobID, data)
	}
	c.client.SRem(ctx, c.key("processing"), jobID)
	c.client.SAdd(ctx, c.key("completed"), jobID)

	c.updateStatus(ctx, jobID, storage.StatusCompleted, 100, map[string]interface{}{
		"processing_time_ms": result.ProcessingTimeMs,
		"response":           resp,
	})
	c.publish(ctx, "job:completed", jobID, map[string]interface{}{
		"engine_used": resp.Engine(),
		"confidence":  resp.Confidence,
		"stages":      resp.Stages,
	})
}

func (c *RedisConsumer) markFailed(ctx context.Context, jobID string, details map[string]interface{}, resp *ocr.Response) {
	if data, err := json.Marshal(details); err == nil {
		c.client.HSet(ctx, c.key("errors"), jobID, data)
	}
	c.client.SRem(ctx, c.key("processing"), jobID)
	c.client.SAdd(ctx, c.key("failed"), jobID)

	metadata := map[string]interface{}{}
	if msg, ok := details["error"].(string); ok {
		metadata["error"] = msg
	}
	if msg, ok := details["message"].(string); ok {
		metadata["message"] = msg
	}
	if code, ok := details["error_code"].(string); ok {
		metadata["error_code"] = code
	}
	event := map[string]interface{}{}
	if resp != nil {
		metadata["response"] = resp
		event["error_stage"] = resp.ErrorStage
		event["error_message"] = resp.ErrorMessage
		event["stages"] = resp.Stages
	} else if msg, ok := details["error"].(string); ok {
		event["error_message"] = msg
	} else if msg, ok := details["message"].(string); ok {
		event["error_message"] = msg
	}

	c.updateStatus(ctx, jobID, storage.StatusFailed, 100, metadata)
	c.publish(ctx, "job:failed", jobID, event)
}

func (c *RedisConsumer) updateStatus(ctx context.Context, jobID, status string, progress int, metadata map[string]interface{}) {
	if err := c.processor.UpdateJobStatus(ctx, jobID, status, progress, metadata); err != nil {
		storeErr := apperrors.NewStorageFailedError(jobID, err)
		c.logger.Warn("Failed to update job status", "job_id", jobID, "status", status, "error_code", storeErr.Code, "error", storeErr)
	}
}

// publish sends an event on <queue>:events
func (c *RedisConsumer) publish(ctx context.Context, name, jobID string, fields map[string]interface{}) {
	event := map[string]interface{}{
		"event":     name,
		"jobId":     jobID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range fields {
		event[k] = v
	}
	eventData, err := json.Marshal(event)
	if err != nil {
		c.logger.Warn("Failed to encode event", "event", name, "error", err)
		return
	}
	if err := c.client.Publish(ctx, c.key("events"), eventData).Err(); err != nil {
		c.logger.Warn("Failed to publish event", "event", name, "error", err)
	}
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats(ctx context.Context) (map[string]int64, error) {
	pipe := c.client.Pipeline()
	waiting := pipe.LLen(ctx, c.key("list"))
	processing := pipe.SCard(ctx, c.key("processing"))
	completed := pipe.SCard(ctx, c.key("completed"))
	failed := pipe.SCard(ctx, c.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return map[string]int64{
		"waiting":    waiting.Val(),
		"processing": processing.Val(),
		"completed":  completed.Val(),
		"failed":     failed.Val(),
	}, nil
}
