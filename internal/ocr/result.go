/**
 * OCR Types - Shared data structures for OCR operations
 *
 * Common types used by the primary client, the tesseract fallback and the
 * pipeline that routes between them.
 */

package ocr

import (
	"math"
)

// Engine names the recognizer that produced a result
type Engine string

const (
	EnginePrimary  Engine = "primary"
	EngineFallback Engine = "fallback"
)

// Result represents the output of one successful engine invocation
type Result struct {
	Text       string
	Confidence float64
	Engine     Engine
	// Meta carries engine diagnostics merged into the stage entry
	Meta map[string]interface{}
}

// Round3 rounds a confidence to three decimals for diagnostics and responses
func Round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// ClampConfidence bounds v to [0, 1]
func ClampConfidence(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
