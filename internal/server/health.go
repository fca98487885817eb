package server

import (
	"context"
	"net/http"
)

// PrimaryStatus is the view of the primary OCR client used for health reporting
type PrimaryStatus interface {
	Configured() bool
	MissingFields() []string
	BreakerState() string
}

// BackendHealth reports per-backend reachability ("ok" or "error: ...")
type BackendHealth interface {
	Health(ctx context.Context) map[string]string
}

// HealthChecker gathers tool discovery and backend reachability
type HealthChecker struct {
	TesseractVersion func() string
	Rasterizer       interface{ Available() (string, error) }
	Primary          PrimaryStatus
	Offline          bool
	Backends         []BackendHealth
}

// HealthReport is the /healthz body
type HealthReport struct {
	Status            string            `json:"status"`
	Tesseract         string            `json:"tesseract"`
	Pdftoppm          string            `json:"pdftoppm"`
	PrimaryConfigured bool              `json:"primary_configured"`
	PrimaryMissing    []string          `json:"primary_missing,omitempty"`
	PrimaryBreaker    string            `json:"primary_breaker,omitempty"`
	Offline           bool              `json:"offline"`
	Backends          map[string]string `json:"backends,omitempty"`
}

// Healthy reports whether every check passed
func (r *HealthReport) Healthy() bool {
	return r.Status == "ok"
}

// HTTPStatus maps the report onto a response code
func (r *HealthReport) HTTPStatus() int {
	if r.Healthy() {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

// Check runs every check. A missing primary configuration is reported but is
// not a failure: the fallback engine still serves requests.
func (h *HealthChecker) Check(ctx context.Context) *HealthReport {
	report := &HealthReport{Status: "ok", Offline: h.Offline}

	report.Tesseract = "unavailable"
	if h.TesseractVersion != nil {
		if v := h.TesseractVersion(); v != "" {
			report.Tesseract = v
		}
	}
	if report.Tesseract == "unavailable" {
		report.Status = "degraded"
	}

	report.Pdftoppm = "unavailable"
	if h.Rasterizer != nil {
		if path, err := h.Rasterizer.Available(); err == nil {
			report.Pdftoppm = path
		}
	}
	if report.Pdftoppm == "unavailable" {
		report.Status = "degraded"
	}

	if h.Primary != nil {
		report.PrimaryConfigured = h.Primary.Configured()
		report.PrimaryMissing = h.Primary.MissingFields()
		report.PrimaryBreaker = h.Primary.BreakerState()
	}

	for _, backend := range h.Backends {
		if backend == nil {
			continue
		}
		for name, status := range backend.Health(ctx) {
			if report.Backends == nil {
				report.Backends = make(map[string]string)
			}
			report.Backends[name] = status
			if status != "ok" {
				report.Status = "degraded"
			}
		}
	}

	return report
}
