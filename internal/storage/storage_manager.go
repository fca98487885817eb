/**
 * Job Store for the OCR worker
 *
 * Coordinates job state across Redis (live status and stage progress, read by
 * the HTTP API while a job runs) and PostgreSQL (durable job ledger).
 * Either backend may be absent; writes go to every configured backend.
 */

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/ocr-worker/internal/logging"
	"github.com/adverant/nexus/ocr-worker/internal/ocr"
)

// DefaultJobTTL is how long job state is kept in Redis
const DefaultJobTTL = 24 * time.Hour

// JobStore coordinates Redis and PostgreSQL job state
type JobStore struct {
	postgres *PostgresClient
	redis    *redis.Client
	prefix   string
	ttl      time.Duration
	logger   *logging.Logger
}

// JobStoreConfig holds job store configuration
type JobStoreConfig struct {
	Postgres *PostgresClient
	Redis    *redis.Client
	// Prefix namespaces the Redis keys (default "ocr")
	Prefix string
	TTL    time.Duration
}

// NewJobStore creates a job store over the configured backends
func NewJobStore(cfg *JobStoreConfig) *JobStore {
	s := &JobStore{
		postgres: cfg.Postgres,
		redis:    cfg.Redis,
		prefix:   cfg.Prefix,
		ttl:      cfg.TTL,
		logger:   logging.NewLogger("jobstore"),
	}
	if s.prefix == "" {
		s.prefix = "ocr"
	}
	if s.ttl == 0 {
		s.ttl = DefaultJobTTL
	}
	return s
}

// Enabled reports whether any backend is configured
func (s *JobStore) Enabled() bool {
	return s != nil && (s.postgres != nil || s.redis != nil)
}

func (s *JobStore) jobKey(jobID string) string {
	return fmt.Sprintf("%s:job:%s", s.prefix, jobID)
}

// UpdateJobStatus writes the update to every configured backend
func (s *JobStore) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	var errs []error
	if s.redis != nil {
		if err := s.writeRedis(ctx, update); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if s.postgres != nil {
		if err := s.postgres.UpdateJobStatus(ctx, update); err != nil {
			errs = append(errs, fmt.Errorf("postgres: %w", err))
		}
	}
	return errors.Join(errs...)
}

// SaveProgress records the current stage trail of a running job in Redis
func (s *JobStore) SaveProgress(ctx context.Context, jobID string, stages *ocr.Trail) error {
	if s.redis == nil || jobID == "" {
		return nil
	}

	data, err := json.Marshal(stages)
	if err != nil {
		return fmt.Errorf("failed to marshal stages: %w", err)
	}

	key := s.jobKey(jobID)
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"stages", data,
			"progress", ProgressOf(stages),
			"updated_at", time.Now().UTC().Format(time.RFC3339Nano))
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	return err
}

func (s *JobStore) writeRedis(ctx context.Context, update *JobUpdate) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	fields := map[string]interface{}{
		"job_id":     update.JobID,
		"status":     update.Status,
		"updated_at": now,
	}
	if update.Progress > 0 {
		fields["progress"] = update.Progress
	}
	setString := func(name, value string) {
		if value != "" {
			fields[name] = value
		}
	}
	setString("filename", update.Filename)
	setString("content_type", update.ContentType)
	setString("engine_used", update.EngineUsed)
	setString("error_stage", update.ErrorStage)
	setString("error_code", update.ErrorCode)
	setString("error_message", update.ErrorMessage)
	if update.SizeBytes > 0 {
		fields["size_bytes"] = update.SizeBytes
	}
	if update.EngineUsed != "" {
		fields["confidence"] = sanitizeConfidence(update.Confidence)
	}
	if update.ProcessingTimeMs > 0 {
		fields["processing_time_ms"] = update.ProcessingTimeMs
	}
	if len(update.Stages) > 0 {
		fields["stages"] = update.Stages
	}
	if len(update.Response) > 0 {
		fields["response"] = update.Response
	}

	key := s.jobKey(update.JobID)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, "created_at", now)
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	return err
}

// GetJob returns the job state, preferring the live Redis copy
func (s *JobStore) GetJob(ctx context.Context, jobID string) (*JobRecord, error) {
	if s.redis != nil {
		values, err := s.redis.HGetAll(ctx, s.jobKey(jobID)).Result()
		if err != nil {
			s.logger.Warn("Failed to read job from redis", "job_id", jobID, "error", err)
		} else if len(values) > 0 {
			return recordFromHash(jobID, values), nil
		}
	}

	if s.postgres != nil {
		return s.postgres.GetJobByID(ctx, jobID)
	}

	return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
}

// Health pings every configured backend
func (s *JobStore) Health(ctx context.Context) map[string]string {
	report := map[string]string{}
	if s.redis != nil {
		report["redis"] = statusOf(s.redis.Ping(ctx).Err())
	}
	if s.postgres != nil {
		report["postgres"] = statusOf(s.postgres.Ping(ctx))
	}
	return report
}

// GetStats returns connection statistics for the configured backends
func (s *JobStore) GetStats() map[string]interface{} {
	stats := map[string]interface{}{}
	if s.postgres != nil {
		pgStats := s.postgres.GetStats()
		stats["postgres"] = map[string]interface{}{
			"max_open_connections": pgStats.MaxOpenConnections,
			"open_connections":     pgStats.OpenConnections,
			"in_use":               pgStats.InUse,
			"idle":                 pgStats.Idle,
			"wait_count":           pgStats.WaitCount,
			"wait_duration":        pgStats.WaitDuration.String(),
		}
	}
	if s.redis != nil {
		poolStats := s.redis.PoolStats()
		stats["redis"] = map[string]interface{}{
			"hits":        poolStats.Hits,
			"misses":      poolStats.Misses,
			"timeouts":    poolStats.Timeouts,
			"total_conns": poolStats.TotalConns,
			"idle_conns":  poolStats.IdleConns,
		}
	}
	return stats
}

// Close closes the PostgreSQL connection. The Redis client is owned by the caller.
func (s *JobStore) Close() error {
	if s.postgres != nil {
		if err := s.postgres.Close(); err != nil {
			return fmt.Errorf("failed to close PostgreSQL: %w", err)
		}
	}
	return nil
}

// ProgressOf estimates job progress from the stages recorded so far
func ProgressOf(stages *ocr.Trail) int {
	weights := map[string]int{
		"upload_parse":  10,
		"pdf_to_image":  20,
		"preprocess":    40,
		"azure_call":    70,
		"fallback_call": 90,
		"extraction":    100,
	}
	progress := 0
	for _, name := range stages.Stages() {
		if w := weights[name]; w > progress {
			progress = w
		}
	}
	return progress
}

func recordFromHash(jobID string, values map[string]string) *JobRecord {
	record := &JobRecord{
		ID:           jobID,
		Status:       values["status"],
		Filename:     values["filename"],
		ContentType:  values["content_type"],
		EngineUsed:   values["engine_used"],
		ErrorStage:   values["error_stage"],
		ErrorCode:    values["error_code"],
		ErrorMessage: values["error_message"],
	}
	record.Progress, _ = strconv.Atoi(values["progress"])
	record.SizeBytes, _ = strconv.ParseInt(values["size_bytes"], 10, 64)
	record.ProcessingTimeMs, _ = strconv.ParseInt(values["processing_time_ms"], 10, 64)
	record.Confidence, _ = strconv.ParseFloat(values["confidence"], 64)
	record.CreatedAt, _ = time.Parse(time.RFC3339Nano, values["created_at"])
	record.UpdatedAt, _ = time.Parse(time.RFC3339Nano, values["updated_at"])
	if v := values["stages"]; v != "" {
		record.Stages = json.RawMessage(v)
	}
	if v := values["response"]; v != "" {
		record.Response = json.RawMessage(v)
	}
	return record
}

func statusOf(err error) string {
	if err != nil {
		return "error: " + err.Error()
	}
	return "ok"
}

var (
	nullEscape    = regexp.MustCompile(`\\u0000`)
	controlEscape = regexp.MustCompile(`\\u00[01][0-9a-fA-F]`)
)

// sanitizeJSONForPostgres removes escape sequences PostgreSQL JSONB rejects:
// \u0000 is dropped and other control characters become spaces
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	result := nullEscape.ReplaceAll(jsonBytes, []byte{})
	return controlEscape.ReplaceAll(result, []byte(" "))
}
