package storage

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPostgres(t *testing.T) (*PostgresClient, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresClientFromDB(db), mock
}

var jobColumns = []string{
	"id", "status", "progress", "filename", "content_type", "size_bytes",
	"engine_used", "confidence", "processing_time_ms",
	"error_stage", "error_code", "error_message", "stages", "response",
	"created_at", "updated_at",
}

func TestSanitizeConfidence(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{0.9632000000000001, 0.9632},
		{0.91666, 0.9167},
		{-0.2, 0},
		{1.7, 1},
		{0, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeConfidence(tt.in))
	}
}

func TestEnsureSchema(t *testing.T) {
	client, mock := newMockPostgres(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS ocr_jobs")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, client.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobStatusUpserts(t *testing.T) {
	client, mock := newMockPostgres(t)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO ocr_jobs")).
		WithArgs(
			"job-1", StatusCompleted, 100, "scan.jpg", "image/jpeg", int64(2048),
			"primary", 0.9167, int64(1200),
			"", "", "", `{"extraction":{"status":"ok"}}`, `{"engine_used":"primary"}`,
		).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("job-1"))

	err := client.UpdateJobStatus(context.Background(), &JobUpdate{
		JobID:            "job-1",
		Status:           StatusCompleted,
		Progress:         100,
		Filename:         "scan.jpg",
		ContentType:      "image/jpeg",
		SizeBytes:        2048,
		EngineUsed:       "primary",
		Confidence:       0.91666,
		ProcessingTimeMs: 1200,
		Stages:           []byte(`{"extraction":{"status":"ok"}}`),
		Response:         []byte(`{"engine_used":"primary"}`),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobStatusSanitizesResponse(t *testing.T) {
	client, mock := newMockPostgres(t)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO ocr_jobs")).
		WithArgs(
			"job-2", StatusFailed, 0, "", "", int64(0),
			"", 0.0, int64(0),
			"fallback_call", "OCR_FAILED", "Tesseract failed: boom", nil, `{"raw_text":"a b"}`,
		).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("job-2"))

	err := client.UpdateJobStatus(context.Background(), &JobUpdate{
		JobID:        "job-2",
		Status:       StatusFailed,
		ErrorStage:   "fallback_call",
		ErrorCode:    "OCR_FAILED",
		ErrorMessage: "Tesseract failed: boom",
		Response:     []byte(`{"raw_text":"a\u0000\u0007b"}`),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobStatusValidation(t *testing.T) {
	client, mock := newMockPostgres(t)

	assert.Error(t, client.UpdateJobStatus(context.Background(), &JobUpdate{Status: StatusQueued}))
	assert.Error(t, client.UpdateJobStatus(context.Background(), &JobUpdate{JobID: "job"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobStatusDatabaseError(t *testing.T) {
	client, mock := newMockPostgres(t)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO ocr_jobs")).
		WillReturnError(errors.New("connection reset"))

	err := client.UpdateJobStatus(context.Background(), &JobUpdate{JobID: "job-3", Status: StatusProcessing})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job=job-3")
	assert.Contains(t, err.Error(), "connection reset")
}

func TestGetJobByID(t *testing.T) {
	client, mock := newMockPostgres(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("FROM ocr_jobs")).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows(jobColumns).AddRow(
			"job-1", StatusCompleted, 100, "scan.jpg", "image/jpeg", 2048,
			"fallback", 0.55, 900,
			nil, nil, nil, []byte(`{"fallback_call":{"status":"ok"}}`), []byte(`{"engine_used":"fallback"}`),
			created, created.Add(time.Second),
		))

	record, err := client.GetJobByID(context.Background(), "job-1")
	require.NoError(t, err)

	assert.Equal(t, "job-1", record.ID)
	assert.Equal(t, StatusCompleted, record.Status)
	assert.Equal(t, 100, record.Progress)
	assert.Equal(t, "scan.jpg", record.Filename)
	assert.Equal(t, int64(2048), record.SizeBytes)
	assert.Equal(t, "fallback", record.EngineUsed)
	assert.Equal(t, 0.55, record.Confidence)
	assert.Empty(t, record.ErrorStage)
	assert.JSONEq(t, `{"fallback_call":{"status":"ok"}}`, string(record.Stages))
	assert.JSONEq(t, `{"engine_used":"fallback"}`, string(record.Response))
	assert.Equal(t, created, record.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobByIDNotFound(t *testing.T) {
	client, mock := newMockPostgres(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM ocr_jobs")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := client.GetJobByID(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrJobNotFound))
}

func TestSanitizeJSONForPostgres(t *testing.T) {
	in := []byte(`{"text":"a\u0000b\u001fcA"}`)
	assert.Equal(t, `{"text":"ab cA"}`, string(sanitizeJSONForPostgres(in)))
	assert.Empty(t, sanitizeJSONForPostgres(nil))
}
