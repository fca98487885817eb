package processor

import (
	"strings"
	"unicode/utf8"
)

const (
	lowConfidenceWarning = "Low confidence OCR; please retake a clear, well-lit photo. / OCR de baja confianza; por favor vuelva a tomar una foto clara y bien iluminada."
	noTextWarning        = "No text extracted. / No se extrajo texto."

	previewWidth       = 320
	previewPlaceholder = "..."
)

// buildSummary returns the warnings that apply followed by a preview of text
func buildSummary(text string, confidence, threshold float64) string {
	text = strings.TrimSpace(text)

	var pieces []string
	if confidence < threshold {
		pieces = append(pieces, lowConfidenceWarning)
	}
	if text == "" {
		pieces = append(pieces, noTextWarning)
	} else {
		pieces = append(pieces, "Preview: "+shorten(text, previewWidth))
	}

	return strings.Join(pieces, " ")
}

// shorten collapses whitespace and truncates at a word boundary so that the
// result, placeholder included, fits in width characters
func shorten(text string, width int) string {
	words := strings.Fields(text)
	collapsed := strings.Join(words, " ")
	if utf8.RuneCountInString(collapsed) <= width {
		return collapsed
	}

	budget := width - utf8.RuneCountInString(previewPlaceholder)
	var b strings.Builder
	used := 0
	for _, word := range words {
		n := utf8.RuneCountInString(word)
		if used > 0 {
			n++
		}
		if used+n > budget {
			break
		}
		if used > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(word)
		used += n
	}

	return b.String() + previewPlaceholder
}
