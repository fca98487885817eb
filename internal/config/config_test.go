package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var configEnvKeys = []string{
	"OCR_CONFIG_FILE",
	"AZURE_DI_ENDPOINT", "AZURE_DOCINTEL_ENDPOINT",
	"AZURE_DI_API_KEY", "AZURE_DOCINTEL_KEY", "AZURE_DI_KEY",
	"AZURE_DI_API_VERSION", "AZURE_DOCINTEL_API_VERSION",
	"AZURE_DI_MODEL", "AZURE_DOCINTEL_MODEL_ID", "DOCINTEL_MODEL_ID",
	"OFFLINE_MODE", "AZURE_DI_POLL_ATTEMPTS", "AZURE_DI_INITIAL_POLL_WAIT",
	"AZURE_DI_MAX_POLL_WAIT", "AZURE_DI_POLL_BACKOFF", "AZURE_DI_RETRY_ATTEMPTS",
	"CONFIDENCE_THRESHOLD", "FALLBACK_CONFIDENCE", "FALLBACK_TIMEOUT",
	"TESSERACT_LANGUAGES", "TESSDATA_PREFIX", "PDF_DPI", "PDF_MAX_PAGES",
	"PREPROCESS_BLOCK_SIZE", "PREPROCESS_BIAS", "MAX_FILE_SIZE",
	"DEBUG_SAVE", "DEBUG_DIR", "HTTP_ADDR", "REDIS_URL", "OCR_QUEUE_NAME",
	"WORKER_CONCURRENCY", "PROCESSING_TIMEOUT", "RESULT_CACHE_TTL",
	"DATABASE_URL", "LOG_LEVEL", "LOG_FORMAT", "AZURE_DI_RETRY_BASE",
	"AZURE_DI_RETRY_MAX", "AZURE_DI_BREAKER_FAILURES", "AZURE_DI_BREAKER_RESET",
	"HTTP_TIMEOUT_SECONDS", "PDFTOPPM_PATH", "CORS_ALLOW_ORIGIN",
}

// clearEnv blanks every variable LoadConfig reads; empty values count as unset
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "2024-11-30", cfg.AzureAPIVersion)
	assert.Equal(t, "prebuilt-read", cfg.AzureModel)
	assert.False(t, cfg.OfflineMode)
	assert.Equal(t, 15, cfg.PollAttempts)
	assert.Equal(t, time.Second, cfg.InitialPollWait)
	assert.Equal(t, 4*time.Second, cfg.MaxPollWait)
	assert.Equal(t, 1.5, cfg.PollBackoff)
	assert.Equal(t, 0.7, cfg.ConfidenceThreshold)
	assert.Equal(t, 0.55, cfg.FallbackConfidence)
	assert.Equal(t, []string{"eng", "spa"}, cfg.TesseractLanguages)
	assert.Equal(t, 300, cfg.PDFDPI)
	assert.Equal(t, 31, cfg.PreprocessBlockSize)
	assert.Equal(t, 15, cfg.PreprocessBias)
	assert.Equal(t, int64(25<<20), cfg.MaxFileSize)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "ocr", cfg.QueueName)
	assert.Equal(t, 300000, cfg.ProcessingTimeout)
	assert.Empty(t, cfg.RedisURL)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadConfig_EnvironmentAliases(t *testing.T) {
	clearEnv(t)
	t.Setenv("AZURE_DOCINTEL_ENDPOINT", "https://example.cognitiveservices.azure.com/")
	t.Setenv("AZURE_DOCINTEL_KEY", "secret")
	t.Setenv("DOCINTEL_MODEL_ID", "prebuilt-layout")
	t.Setenv("OFFLINE_MODE", "yes")
	t.Setenv("AZURE_DI_POLL_ATTEMPTS", "20.0")
	t.Setenv("AZURE_DI_INITIAL_POLL_WAIT", "0.5")
	t.Setenv("TESSERACT_LANGUAGES", "eng,deu")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "https://example.cognitiveservices.azure.com", cfg.AzureEndpoint)
	assert.Equal(t, "secret", cfg.AzureAPIKey)
	assert.Equal(t, "prebuilt-layout", cfg.AzureModel)
	assert.True(t, cfg.OfflineMode)
	assert.Equal(t, 20, cfg.PollAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.InitialPollWait)
	assert.Equal(t, []string{"eng", "deu"}, cfg.TesseractLanguages)
}

func TestLoadConfig_PrimaryNameWinsOverAlias(t *testing.T) {
	clearEnv(t)
	t.Setenv("AZURE_DI_API_KEY", "primary")
	t.Setenv("AZURE_DOCINTEL_KEY", "alias")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "primary", cfg.AzureAPIKey)
}

func TestLoadConfig_File(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "ocr.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[azure]
endpoint = "https://file.example.com"
poll_attempts = 5

[pipeline]
confidence_threshold = 0.8
pdf_dpi = 200

[queue]
name = "scans"
concurrency = 2

[storage]
result_cache_ttl = 90

[logging]
level = "debug"
`), 0o644))

	t.Setenv("OCR_CONFIG_FILE", path)
	t.Setenv("PDF_DPI", "150")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "https://file.example.com", cfg.AzureEndpoint)
	assert.Equal(t, 5, cfg.PollAttempts)
	assert.Equal(t, 0.8, cfg.ConfidenceThreshold)
	assert.Equal(t, 150, cfg.PDFDPI, "environment overrides the file")
	assert.Equal(t, "scans", cfg.QueueName)
	assert.Equal(t, 2, cfg.WorkerConcurrency)
	assert.Equal(t, 90*time.Second, cfg.ResultCacheTTL)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfig_ExplicitZeroConfidence(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "ocr.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[pipeline]
confidence_threshold = 0

[fallback]
confidence = 0
`), 0o644))
	t.Setenv("OCR_CONFIG_FILE", path)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 0.0, cfg.ConfidenceThreshold)
	assert.Equal(t, 0.0, cfg.FallbackConfidence)

	t.Setenv("OCR_CONFIG_FILE", "")
	t.Setenv("FALLBACK_CONFIDENCE", "0")
	cfg, err = LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 0.0, cfg.FallbackConfidence)
}

func TestLoadConfig_FileErrors(t *testing.T) {
	clearEnv(t)

	t.Setenv("OCR_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.toml"))
	_, err := LoadConfig()
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[azure\nendpoint ="), 0o644))
	t.Setenv("OCR_CONFIG_FILE", path)
	_, err = LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	base, err := LoadConfig()
	require.NoError(t, err)

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"threshold above one", func(c *Config) { c.ConfidenceThreshold = 1.5 }, "CONFIDENCE_THRESHOLD"},
		{"negative fallback confidence", func(c *Config) { c.FallbackConfidence = -0.1 }, "FALLBACK_CONFIDENCE"},
		{"no poll attempts", func(c *Config) { c.PollAttempts = 0 }, "AZURE_DI_POLL_ATTEMPTS"},
		{"shrinking backoff", func(c *Config) { c.PollBackoff = 0.5 }, "AZURE_DI_POLL_BACKOFF"},
		{"initial wait above max", func(c *Config) { c.InitialPollWait = 10 * time.Second }, "AZURE_DI_INITIAL_POLL_WAIT"},
		{"too many retries", func(c *Config) { c.RetryAttempts = 11 }, "AZURE_DI_RETRY_ATTEMPTS"},
		{"dpi too low", func(c *Config) { c.PDFDPI = 50 }, "PDF_DPI"},
		{"even block size", func(c *Config) { c.PreprocessBlockSize = 30 }, "PREPROCESS_BLOCK_SIZE"},
		{"no languages", func(c *Config) { c.TesseractLanguages = nil }, "TESSERACT_LANGUAGES"},
		{"tiny file cap", func(c *Config) { c.MaxFileSize = 10 }, "MAX_FILE_SIZE"},
		{"no workers", func(c *Config) { c.WorkerConcurrency = 0 }, "WORKER_CONCURRENCY"},
		{"valid", func(c *Config) {}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
