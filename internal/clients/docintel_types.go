package clients

import "strings"

// AnalyzeOperation is the body returned when polling an analyze operation
type AnalyzeOperation struct {
	Status              string         `json:"status"`
	CreatedDateTime     string         `json:"createdDateTime,omitempty"`
	LastUpdatedDateTime string         `json:"lastUpdatedDateTime,omitempty"`
	Error               *DocIntelError `json:"error,omitempty"`
	AnalyzeResult       *AnalyzeResult `json:"analyzeResult,omitempty"`
}

// DocIntelError is the service error object
type DocIntelError struct {
	Code       string         `json:"code,omitempty"`
	Message    string         `json:"message,omitempty"`
	InnerError *DocIntelError `json:"innererror,omitempty"`
}

// AnalyzeResult holds the recognized content
type AnalyzeResult struct {
	APIVersion string          `json:"apiVersion,omitempty"`
	ModelID    string          `json:"modelId,omitempty"`
	Content    string          `json:"content"`
	Pages      []AnalyzePage   `json:"pages"`
	Errors     []DocIntelError `json:"errors,omitempty"`
}

// AnalyzePage represents a single page in the document
type AnalyzePage struct {
	PageNumber int           `json:"pageNumber"`
	Angle      float64       `json:"angle"`
	Width      float64       `json:"width"`
	Height     float64       `json:"height"`
	Unit       string        `json:"unit"`
	Words      []AnalyzeWord `json:"words"`
	Lines      []AnalyzeLine `json:"lines,omitempty"`
}

// AnalyzeWord represents a single word; Confidence is nil when not reported
type AnalyzeWord struct {
	Content    string    `json:"content"`
	Polygon    []float64 `json:"polygon,omitempty"`
	Confidence *float64  `json:"confidence,omitempty"`
}

// AnalyzeLine represents a line of text
type AnalyzeLine struct {
	Content string    `json:"content"`
	Polygon []float64 `json:"polygon,omitempty"`
}

// MeanWordConfidence averages the confidence of every word that reports one.
// Returns 0 when no word does.
func (r *AnalyzeResult) MeanWordConfidence() float64 {
	if r == nil {
		return 0
	}
	var sum float64
	var n int
	for _, page := range r.Pages {
		for _, word := range page.Words {
			if word.Confidence != nil {
				sum += *word.Confidence
				n++
			}
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// FailureMessage extracts the most specific error description from a failed
// or canceled operation
func (op *AnalyzeOperation) FailureMessage() string {
	if e := op.Error; e != nil {
		message := e.Message
		if message == "" {
			message = e.Code
		}
		if inner := e.InnerError; inner != nil && inner.Message != "" {
			if message != "" {
				return message + ": " + inner.Message
			}
			return inner.Message
		}
		if message != "" {
			return message
		}
	}

	if op.AnalyzeResult != nil {
		var messages []string
		for _, e := range op.AnalyzeResult.Errors {
			if e.Message != "" {
				messages = append(messages, e.Message)
			}
		}
		if len(messages) > 0 {
			return strings.Join(messages, "; ")
		}
	}

	return "Unknown error"
}
