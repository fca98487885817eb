package ocr

import (
	apperrors "github.com/adverant/nexus/ocr-worker/internal/errors"
)

// Response is the uniform pipeline result returned to every caller
type Response struct {
	EngineUsed   *Engine `json:"engine_used"`
	Stages       *Trail  `json:"stages"`
	Confidence   float64 `json:"confidence"`
	RawText      string  `json:"raw_text"`
	Translation  string  `json:"translation"`
	Summary      string  `json:"summary"`
	ErrorStage   string  `json:"error_stage,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
}

// NewSuccessResponse builds the response for a completed run
func NewSuccessResponse(result *Result, stages *Trail, summary string) *Response {
	engine := result.Engine
	// Translation is owned by downstream consumers; the raw text is passed through
	return &Response{
		EngineUsed:  &engine,
		Stages:      stages,
		Confidence:  Round3(result.Confidence),
		RawText:     result.Text,
		Translation: result.Text,
		Summary:     summary,
	}
}

// NewFailureResponse records err in stages and builds the error response
func NewFailureResponse(err *apperrors.StageError, stages *Trail) *Response {
	if stages == nil {
		stages = NewTrail()
	}
	stages.Fail(err)
	return &Response{
		Stages:       stages,
		ErrorStage:   string(err.Stage),
		ErrorMessage: err.Message,
	}
}

// Failed reports whether the response carries an error stage
func (r *Response) Failed() bool {
	return r.ErrorStage != ""
}

// Engine returns the engine name or "" when no engine produced a result
func (r *Response) Engine() string {
	if r.EngineUsed == nil {
		return ""
	}
	return string(*r.EngineUsed)
}
