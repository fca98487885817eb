package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Custom error types for the OCR worker
 *
 * StageError tags every pipeline failure with the stage it happened in and a
 * Kind that tells callers whether retrying can help. ProcessingError covers
 * job-level failures in the queue layer.
 */

// Stage identifies one step of the OCR pipeline
type Stage string

const (
	StageUploadParse  Stage = "upload_parse"
	StagePDFToImage   Stage = "pdf_to_image"
	StagePreprocess   Stage = "preprocess"
	StageAzureCall    Stage = "azure_call"
	StageFallbackCall Stage = "fallback_call"
	StageExtraction   Stage = "extraction"
)

// Kind classifies a StageError
type Kind string

const (
	// KindConfig covers missing configuration and offline mode. Never retried.
	KindConfig Kind = "config"
	// KindTransient covers network failures, timeouts, 408/429/5xx responses.
	KindTransient Kind = "transient"
	// KindPermanent covers validation errors, corrupt input and provider-reported failures.
	KindPermanent Kind = "permanent"
)

// StageError is a failure tagged with the pipeline stage it occurred in
type StageError struct {
	Stage   Stage
	Message string
	Kind    Kind
	Cause   error
}

func (e *StageError) Error() string {
	return e.Message
}

func (e *StageError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the failure is worth another attempt
func (e *StageError) Retryable() bool {
	return e.Kind == KindTransient
}

// ToMap converts the error to a stage diagnostic entry
func (e *StageError) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"status": "error",
		"reason": e.Message,
		"kind":   string(e.Kind),
	}
}

// NewStageError creates a permanent StageError
func NewStageError(stage Stage, message string) *StageError {
	return &StageError{Stage: stage, Message: message, Kind: KindPermanent}
}

// NewStageErrorf creates a permanent StageError with a formatted message
func NewStageErrorf(stage Stage, format string, args ...interface{}) *StageError {
	return NewStageError(stage, fmt.Sprintf(format, args...))
}

// NewConfigError creates a StageError for missing configuration or offline mode
func NewConfigError(stage Stage, message string) *StageError {
	return &StageError{Stage: stage, Message: message, Kind: KindConfig}
}

// NewTransientError creates a retryable StageError
func NewTransientError(stage Stage, message string, cause error) *StageError {
	return &StageError{Stage: stage, Message: message, Kind: KindTransient, Cause: cause}
}

// AsStageError extracts a StageError from an error chain
func AsStageError(err error) (*StageError, bool) {
	var se *StageError
	if stderrors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// Wrap tags err with stage unless it already carries a StageError.
// Returns nil for a nil error.
func Wrap(stage Stage, err error) *StageError {
	if err == nil {
		return nil
	}
	if se, ok := AsStageError(err); ok {
		return se
	}
	return &StageError{Stage: stage, Message: err.Error(), Kind: KindPermanent, Cause: err}
}

// ErrorCode enum for job-level errors
type ErrorCode string

const (
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"
	ErrorOCRFailed         ErrorCode = "OCR_FAILED"
	ErrorStorageFailed     ErrorCode = "STORAGE_FAILED"
	ErrorInvalidPayload    ErrorCode = "INVALID_PAYLOAD"
)

// ProcessingError represents a job-level failure recorded in the job ledger
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

// NewOCRFailedError records a pipeline response that ended in a stage failure
func NewOCRFailedError(jobID string, stage string, message string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorOCRFailed,
		Message:   message,
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"error_stage": stage,
		},
	}
}

func NewStorageFailedError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store processing results",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewInvalidPayloadError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInvalidPayload,
		Message:   "Job payload could not be decoded",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// ToMap converts error to map for database storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
