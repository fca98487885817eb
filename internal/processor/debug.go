package processor

import (
	"image"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"github.com/adverant/nexus/ocr-worker/internal/logging"
)

// DebugWriter saves intermediate page images when debug artifacts are enabled.
// Write failures are logged and never returned.
type DebugWriter struct {
	enabled bool
	dir     string
	logger  *logging.Logger
}

// NewDebugWriter creates a writer rooted at dir; a disabled writer does nothing
func NewDebugWriter(enabled bool, dir string) *DebugWriter {
	return &DebugWriter{
		enabled: enabled,
		dir:     dir,
		logger:  logging.NewLogger("debug"),
	}
}

// Enabled reports whether artifacts are written
func (d *DebugWriter) Enabled() bool {
	return d != nil && d.enabled
}

// Save writes img as <dir>/<requestID>/<name>
func (d *DebugWriter) Save(requestID, name string, img image.Image) {
	if !d.Enabled() {
		return
	}

	dir := filepath.Join(d.dir, filepath.Base(filepath.Clean("/"+requestID)))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		d.logger.Warn("Failed to create debug directory", "dir", dir, "error", err)
		return
	}

	path := filepath.Join(dir, name)
	if err := imaging.Save(img, path); err != nil {
		d.logger.Warn("Failed to save debug image", "path", path, "error", err)
	}
}
