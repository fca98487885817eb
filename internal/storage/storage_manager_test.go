package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/adverant/nexus/ocr-worker/internal/errors"
	"github.com/adverant/nexus/ocr-worker/internal/ocr"
)

func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestJobStoreRedisRoundTrip(t *testing.T) {
	mr, client := newMiniRedis(t)
	store := NewJobStore(&JobStoreConfig{Redis: client})
	ctx := context.Background()

	require.NoError(t, store.UpdateJobStatus(ctx, &JobUpdate{
		JobID:       "job-1",
		Status:      StatusQueued,
		Filename:    "scan.pdf",
		ContentType: "application/pdf",
		SizeBytes:   4096,
	}))
	require.NoError(t, store.UpdateJobStatus(ctx, &JobUpdate{
		JobID:            "job-1",
		Status:           StatusCompleted,
		Progress:         100,
		EngineUsed:       "primary",
		Confidence:       0.92,
		ProcessingTimeMs: 850,
		Response:         []byte(`{"engine_used":"primary"}`),
	}))

	record, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, record.Status)
	assert.Equal(t, 100, record.Progress)
	assert.Equal(t, "scan.pdf", record.Filename)
	assert.Equal(t, "application/pdf", record.ContentType)
	assert.Equal(t, int64(4096), record.SizeBytes)
	assert.Equal(t, "primary", record.EngineUsed)
	assert.Equal(t, 0.92, record.Confidence)
	assert.Equal(t, int64(850), record.ProcessingTimeMs)
	assert.JSONEq(t, `{"engine_used":"primary"}`, string(record.Response))
	assert.False(t, record.CreatedAt.IsZero())

	assert.Equal(t, DefaultJobTTL, mr.TTL("ocr:job:job-1"))
}

func TestJobStoreSaveProgress(t *testing.T) {
	_, client := newMiniRedis(t)
	store := NewJobStore(&JobStoreConfig{Redis: client, Prefix: "test"})
	ctx := context.Background()

	stages := ocr.NewTrail()
	stages.Status(apperrors.StageUploadParse, ocr.StatusOK, nil)
	stages.Status(apperrors.StagePreprocess, ocr.StatusOK, nil)

	require.NoError(t, store.UpdateJobStatus(ctx, &JobUpdate{JobID: "job-2", Status: StatusProcessing}))
	require.NoError(t, store.SaveProgress(ctx, "job-2", stages))

	record, err := store.GetJob(ctx, "job-2")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, record.Status)
	assert.Equal(t, 40, record.Progress)
	assert.JSONEq(t, `{"upload_parse":{"status":"ok"},"preprocess":{"status":"ok"}}`, string(record.Stages))
}

func TestJobStoreUnknownJob(t *testing.T) {
	_, client := newMiniRedis(t)
	store := NewJobStore(&JobStoreConfig{Redis: client})

	_, err := store.GetJob(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrJobNotFound))
}

func TestJobStoreWritesPostgresAndFallsBackToIt(t *testing.T) {
	_, client := newMiniRedis(t)
	pg, mock := newMockPostgres(t)
	store := NewJobStore(&JobStoreConfig{Redis: client, Postgres: pg})
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO ocr_jobs")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("job-3"))
	require.NoError(t, store.UpdateJobStatus(ctx, &JobUpdate{JobID: "job-3", Status: StatusQueued}))

	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("FROM ocr_jobs")).
		WithArgs("expired").
		WillReturnRows(sqlmock.NewRows(jobColumns).AddRow(
			"expired", StatusFailed, 100, nil, nil, nil,
			nil, nil, nil,
			"upload_parse", "OCR_FAILED", "Uploaded file is empty", nil, nil,
			now, now,
		))

	record, err := store.GetJob(ctx, "expired")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, record.Status)
	assert.Equal(t, "upload_parse", record.ErrorStage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreJoinsBackendErrors(t *testing.T) {
	mr, client := newMiniRedis(t)
	pg, mock := newMockPostgres(t)
	store := NewJobStore(&JobStoreConfig{Redis: client, Postgres: pg})
	mr.Close()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO ocr_jobs")).
		WillReturnError(errors.New("db down"))

	err := store.UpdateJobStatus(context.Background(), &JobUpdate{JobID: "job-4", Status: StatusQueued})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis:")
	assert.Contains(t, err.Error(), "postgres:")
}

func TestJobStoreHealth(t *testing.T) {
	_, client := newMiniRedis(t)
	store := NewJobStore(&JobStoreConfig{Redis: client})

	assert.True(t, store.Enabled())
	assert.Equal(t, map[string]string{"redis": "ok"}, store.Health(context.Background()))

	var empty *JobStore
	assert.False(t, empty.Enabled())
}

func TestProgressOf(t *testing.T) {
	stages := ocr.NewTrail()
	assert.Equal(t, 0, ProgressOf(stages))

	stages.Status(apperrors.StageUploadParse, ocr.StatusOK, nil)
	assert.Equal(t, 10, ProgressOf(stages))

	stages.Status(apperrors.StageAzureCall, ocr.StatusCalling, nil)
	assert.Equal(t, 70, ProgressOf(stages))

	stages.Status(apperrors.StageExtraction, ocr.StatusOK, nil)
	assert.Equal(t, 100, ProgressOf(stages))
}
