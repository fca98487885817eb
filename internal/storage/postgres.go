/**
 * PostgreSQL Client for the OCR worker
 *
 * Persists the OCR job ledger: one row per job with its status, the engine
 * that produced the result, and the final response body.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// ErrJobNotFound is returned when a job ID is unknown to every backend
var ErrJobNotFound = errors.New("job not found")

// Job statuses
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// JobUpdate represents a job status update. Empty fields leave the stored
// value untouched.
type JobUpdate struct {
	JobID            string
	Status           string
	Progress         int
	Filename         string
	ContentType      string
	SizeBytes        int64
	EngineUsed       string
	Confidence       float64
	ProcessingTimeMs int64
	ErrorStage       string
	ErrorCode        string
	ErrorMessage     string
	Stages           []byte
	Response         []byte
}

// JobRecord is the stored state of a job
type JobRecord struct {
	ID               string          `json:"job_id"`
	Status           string          `json:"status"`
	Progress         int             `json:"progress"`
	Filename         string          `json:"filename,omitempty"`
	ContentType      string          `json:"content_type,omitempty"`
	SizeBytes        int64           `json:"size_bytes,omitempty"`
	EngineUsed       string          `json:"engine_used,omitempty"`
	Confidence       float64         `json:"confidence"`
	ProcessingTimeMs int64           `json:"processing_time_ms,omitempty"`
	ErrorStage       string          `json:"error_stage,omitempty"`
	ErrorCode        string          `json:"error_code,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	Stages           json.RawMessage `json:"stages,omitempty"`
	Response         json.RawMessage `json:"response,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

const schema = `
	CREATE TABLE IF NOT EXISTS ocr_jobs (
		id                 TEXT PRIMARY KEY,
		status             TEXT NOT NULL,
		progress           INTEGER NOT NULL DEFAULT 0,
		filename           TEXT,
		content_type       TEXT,
		size_bytes         BIGINT,
		engine_used        TEXT,
		confidence         NUMERIC(5,4),
		processing_time_ms BIGINT,
		error_stage        TEXT,
		error_code         TEXT,
		error_message      TEXT,
		stages             JSONB,
		response           JSONB,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)
`

// sanitizeConfidence rounds confidence to 4 decimal places and clamps it to
// [0, 1] so it fits the NUMERIC(5,4) column
func sanitizeConfidence(confidence float64) float64 {
	if confidence < 0.0 || confidence != confidence {
		return 0.0
	}
	if confidence > 1.0 {
		return 1.0
	}
	return float64(int(confidence*10000+0.5)) / 10000
}

// NewPostgresClient connects to the database and ensures the schema exists
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	client := NewPostgresClientFromDB(db)
	if err := client.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return client, nil
}

// NewPostgresClientFromDB wraps an existing connection pool
func NewPostgresClientFromDB(db *sql.DB) *PostgresClient {
	return &PostgresClient{db: db}
}

// EnsureSchema creates the job table if it does not exist
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create ocr_jobs table: %w", err)
	}
	return nil
}

// UpdateJobStatus upserts the job row
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	confidence := sanitizeConfidence(update.Confidence)

	// Confidence is only meaningful alongside an engine, so it is written with it
	query := `
		INSERT INTO ocr_jobs (
			id, status, progress, filename, content_type, size_bytes,
			engine_used, confidence, processing_time_ms,
			error_stage, error_code, error_message, stages, response,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, 0),
			NULLIF($7, ''), CASE WHEN $7 = '' THEN NULL ELSE $8::NUMERIC(5,4) END, NULLIF($9, 0),
			NULLIF($10, ''), NULLIF($11, ''), NULLIF($12, ''), $13::jsonb, $14::jsonb,
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			progress = GREATEST(EXCLUDED.progress, ocr_jobs.progress),
			filename = COALESCE(EXCLUDED.filename, ocr_jobs.filename),
			content_type = COALESCE(EXCLUDED.content_type, ocr_jobs.content_type),
			size_bytes = COALESCE(EXCLUDED.size_bytes, ocr_jobs.size_bytes),
			engine_used = COALESCE(EXCLUDED.engine_used, ocr_jobs.engine_used),
			confidence = COALESCE(EXCLUDED.confidence, ocr_jobs.confidence),
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, ocr_jobs.processing_time_ms),
			error_stage = COALESCE(EXCLUDED.error_stage, ocr_jobs.error_stage),
			error_code = COALESCE(EXCLUDED.error_code, ocr_jobs.error_code),
			error_message = COALESCE(EXCLUDED.error_message, ocr_jobs.error_message),
			stages = COALESCE(EXCLUDED.stages, ocr_jobs.stages),
			response = COALESCE(EXCLUDED.response, ocr_jobs.response),
			updated_at = NOW()
		RETURNING id
	`

	// PostgreSQL JSONB rejects \u0000, which OCR text can contain
	response := nullJSON(sanitizeJSONForPostgres(update.Response))

	var returnedID string
	err := p.db.QueryRowContext(
		ctx,
		query,
		update.JobID,            // $1
		update.Status,           // $2
		update.Progress,         // $3
		update.Filename,         // $4
		update.ContentType,      // $5
		update.SizeBytes,        // $6
		update.EngineUsed,       // $7
		confidence,              // $8
		update.ProcessingTimeMs, // $9
		update.ErrorStage,       // $10
		update.ErrorCode,        // $11
		update.ErrorMessage,     // $12
		nullJSON(update.Stages), // $13
		response,                // $14
	).Scan(&returnedID)

	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s): %w",
			update.JobID, update.Status, err)
	}

	return nil
}

// GetJobByID retrieves a job by ID
func (p *PostgresClient) GetJobByID(ctx context.Context, jobID string) (*JobRecord, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := `
		SELECT
			id, status, progress, filename, content_type, size_bytes,
			engine_used, confidence, processing_time_ms,
			error_stage, error_code, error_message, stages, response,
			created_at, updated_at
		FROM ocr_jobs
		WHERE id = $1
	`

	var (
		record                              JobRecord
		filename, contentType, engineUsed   sql.NullString
		errorStage, errorCode, errorMessage sql.NullString
		sizeBytes, processingTimeMs         sql.NullInt64
		confidence                          sql.NullFloat64
		stagesJSON, responseJSON            []byte
	)

	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&record.ID, &record.Status, &record.Progress, &filename, &contentType, &sizeBytes,
		&engineUsed, &confidence, &processingTimeMs,
		&errorStage, &errorCode, &errorMessage, &stagesJSON, &responseJSON,
		&record.CreatedAt, &record.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	record.Filename = filename.String
	record.ContentType = contentType.String
	record.SizeBytes = sizeBytes.Int64
	record.EngineUsed = engineUsed.String
	record.Confidence = confidence.Float64
	record.ProcessingTimeMs = processingTimeMs.Int64
	record.ErrorStage = errorStage.String
	record.ErrorCode = errorCode.String
	record.ErrorMessage = errorMessage.String
	if len(stagesJSON) > 0 {
		record.Stages = json.RawMessage(stagesJSON)
	}
	if len(responseJSON) > 0 {
		record.Response = json.RawMessage(responseJSON)
	}

	return &record, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}

func nullJSON(data []byte) interface{} {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}
