package processor

import (
	"bytes"
	"encoding/hex"
	"mime"
	"strings"
)

const mimePDF = "application/pdf"

// genericMimeTypes are declared types that carry no information about the payload
var genericMimeTypes = map[string]bool{
	"":                         true,
	"application/octet-stream": true,
	"binary/octet-stream":      true,
	"text/plain":               true,
}

// detectMimeTypeFromMagicBytes detects the file type from its leading bytes.
// Upload clients often send application/octet-stream for camera photos and scans.
func detectMimeTypeFromMagicBytes(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	// PDF: %PDF-
	if bytes.HasPrefix(data, []byte("%PDF")) {
		return mimePDF
	}

	// PNG: 0x89 'P' 'N' 'G' 0x0D 0x0A 0x1A 0x0A
	if len(data) >= 8 && bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}) {
		return "image/png"
	}

	// JPEG: 0xFF 0xD8 0xFF
	if bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}) {
		return "image/jpeg"
	}

	// GIF: 'G' 'I' 'F' '8' ('7' or '9') 'a'
	if bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")) {
		return "image/gif"
	}

	// WebP: 'R' 'I' 'F' 'F' .... 'W' 'E' 'B' 'P'
	if len(data) >= 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP" {
		return "image/webp"
	}

	// TIFF: 'I' 'I' 0x2A 0x00 (little-endian) or 'M' 'M' 0x00 0x2A (big-endian)
	if bytes.HasPrefix(data, []byte{0x49, 0x49, 0x2A, 0x00}) || bytes.HasPrefix(data, []byte{0x4D, 0x4D, 0x00, 0x2A}) {
		return "image/tiff"
	}

	// BMP: 'B' 'M'
	if bytes.HasPrefix(data, []byte("BM")) {
		return "image/bmp"
	}

	return ""
}

// normalizeContentType lower-cases a declared content type and drops its parameters
func normalizeContentType(declared string) string {
	declared = strings.TrimSpace(declared)
	if declared == "" {
		return ""
	}
	if mediaType, _, err := mime.ParseMediaType(declared); err == nil {
		return mediaType
	}
	if i := strings.IndexByte(declared, ';'); i >= 0 {
		declared = declared[:i]
	}
	return strings.ToLower(strings.TrimSpace(declared))
}

// resolveContentType picks the effective type: the sniffed type replaces a
// declared type that is missing or generic
func resolveContentType(declared string, data []byte) (effective, detected string) {
	effective = normalizeContentType(declared)
	detected = detectMimeTypeFromMagicBytes(data)
	if detected != "" && genericMimeTypes[effective] {
		effective = detected
	}
	if effective == "" {
		effective = "application/octet-stream"
	}
	return effective, detected
}

// magicHex returns the hex encoding of the first 12 bytes
func magicHex(data []byte) string {
	if len(data) > 12 {
		data = data[:12]
	}
	return hex.EncodeToString(data)
}
