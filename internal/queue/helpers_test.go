package queue

import (
	"context"
	"net/http"
	"sync"

	apperrors "github.com/adverant/nexus/ocr-worker/internal/errors"
	"github.com/adverant/nexus/ocr-worker/internal/ocr"
	"github.com/adverant/nexus/ocr-worker/internal/processor"
)

type statusUpdate struct {
	JobID    string
	Status   string
	Progress int
	Metadata map[string]interface{}
}

// stubProcessor returns a fixed outcome and records every call
type stubProcessor struct {
	mu       sync.Mutex
	result   *processor.ProcessResult
	err      error
	block    bool
	requests []*processor.ProcessRequest
	updates  []statusUpdate
}

func (s *stubProcessor) ProcessDocument(ctx context.Context, req *processor.ProcessRequest) (*processor.ProcessResult, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if req.OnProgress != nil {
		stages := ocr.NewTrail()
		stages.Status(apperrors.StageUploadParse, ocr.StatusOK, nil)
		req.OnProgress(stages)
	}

	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func (s *stubProcessor) UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, statusUpdate{JobID: jobID, Status: status, Progress: progress, Metadata: metadata})
	return nil
}

func (s *stubProcessor) statuses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, u := range s.updates {
		out = append(out, u.Status)
	}
	return out
}

func (s *stubProcessor) lastUpdate() statusUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates[len(s.updates)-1]
}

func successResult() *processor.ProcessResult {
	stages := ocr.NewTrail()
	stages.Status(apperrors.StageAzureCall, ocr.StatusOK, map[string]interface{}{"confidence": 0.92})
	stages.Skip(apperrors.StageFallbackCall)
	stages.Status(apperrors.StageExtraction, ocr.StatusOK, nil)
	resp := ocr.NewSuccessResponse(&ocr.Result{Text: "Hello World", Confidence: 0.92, Engine: ocr.EnginePrimary}, stages, "Preview: Hello World")
	return &processor.ProcessResult{Status: http.StatusOK, Response: resp, ProcessingTimeMs: 120}
}

func failedResult() *processor.ProcessResult {
	stages := ocr.NewTrail()
	resp := ocr.NewFailureResponse(apperrors.NewStageError(apperrors.StageUploadParse, "Uploaded file is empty"), stages)
	return &processor.ProcessResult{Status: http.StatusBadRequest, Response: resp}
}
