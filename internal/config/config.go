/**
 * Configuration for the OCR worker
 *
 * Loads configuration from environment variables. An optional TOML file named
 * by OCR_CONFIG_FILE supplies defaults; environment variables always win.
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds worker configuration
type Config struct {
	// Primary OCR provider (Azure Document Intelligence)
	AzureEndpoint   string
	AzureAPIKey     string
	AzureAPIVersion string
	AzureModel      string
	OfflineMode     bool

	// Polling of the analyze operation
	PollAttempts    int
	InitialPollWait time.Duration
	MaxPollWait     time.Duration
	PollBackoff     float64

	// Submission retry and circuit breaker
	RetryAttempts   int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	BreakerFailures int
	BreakerReset    time.Duration
	HTTPTimeout     time.Duration

	// Routing
	ConfidenceThreshold float64

	// Fallback engine
	FallbackConfidence float64
	FallbackTimeout    time.Duration
	TesseractLanguages []string
	TessdataPrefix     string

	// Upload normalization and preprocessing
	PDFDPI              int
	PDFMaxPages         int
	PdftoppmPath        string
	PreprocessBlockSize int
	PreprocessBias      int
	MaxFileSize         int64

	// Debug artifacts
	DebugSave bool
	DebugDir  string

	// HTTP server
	HTTPAddr        string
	CORSAllowOrigin string

	// Queue and storage (all optional)
	RedisURL          string
	QueueName         string
	WorkerConcurrency int
	ProcessingTimeout int
	ResultCacheTTL    time.Duration
	DatabaseURL       string

	// Logging
	LogLevel  string
	LogFormat string
}

// LoadConfig loads configuration from the optional config file and environment variables
func LoadConfig() (*Config, error) {
	file, err := loadFileConfig(os.Getenv("OCR_CONFIG_FILE"))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{
		AzureEndpoint:   strings.TrimRight(getEnvAnyOrDefault([]string{"AZURE_DI_ENDPOINT", "AZURE_DOCINTEL_ENDPOINT"}, file.Azure.Endpoint), "/"),
		AzureAPIKey:     getEnvAnyOrDefault([]string{"AZURE_DI_API_KEY", "AZURE_DOCINTEL_KEY", "AZURE_DI_KEY"}, file.Azure.APIKey),
		AzureAPIVersion: getEnvAnyOrDefault([]string{"AZURE_DI_API_VERSION", "AZURE_DOCINTEL_API_VERSION"}, orString(file.Azure.APIVersion, "2024-11-30")),
		AzureModel:      getEnvAnyOrDefault([]string{"AZURE_DI_MODEL", "AZURE_DOCINTEL_MODEL_ID", "DOCINTEL_MODEL_ID"}, orString(file.Azure.Model, "prebuilt-read")),
		OfflineMode:     getEnvAsBoolOrDefault("OFFLINE_MODE", file.Pipeline.OfflineMode),

		PollAttempts:    getEnvAsIntOrDefault("AZURE_DI_POLL_ATTEMPTS", orInt(file.Azure.PollAttempts, 15)),
		InitialPollWait: getEnvAsSecondsOrDefault("AZURE_DI_INITIAL_POLL_WAIT", orFloat(file.Azure.InitialPollWait, 1.0)),
		MaxPollWait:     getEnvAsSecondsOrDefault("AZURE_DI_MAX_POLL_WAIT", orFloat(file.Azure.MaxPollWait, 4.0)),
		PollBackoff:     getEnvAsFloatOrDefault("AZURE_DI_POLL_BACKOFF", orFloat(file.Azure.PollBackoff, 1.5)),

		RetryAttempts:   getEnvAsIntOrDefault("AZURE_DI_RETRY_ATTEMPTS", orInt(file.Azure.RetryAttempts, 3)),
		RetryBaseDelay:  getEnvAsSecondsOrDefault("AZURE_DI_RETRY_BASE", orFloat(file.Azure.RetryBase, 1.0)),
		RetryMaxDelay:   getEnvAsSecondsOrDefault("AZURE_DI_RETRY_MAX", orFloat(file.Azure.RetryMax, 8.0)),
		BreakerFailures: getEnvAsIntOrDefault("AZURE_DI_BREAKER_FAILURES", orInt(file.Azure.BreakerFailures, 3)),
		BreakerReset:    getEnvAsSecondsOrDefault("AZURE_DI_BREAKER_RESET", orFloat(file.Azure.BreakerReset, 60)),
		HTTPTimeout:     getEnvAsSecondsOrDefault("HTTP_TIMEOUT_SECONDS", orFloat(file.Azure.HTTPTimeout, 30)),

		ConfidenceThreshold: getEnvAsFloatOrDefault("CONFIDENCE_THRESHOLD", orFloatPtr(file.Pipeline.ConfidenceThreshold, 0.7)),

		FallbackConfidence: getEnvAsFloatOrDefault("FALLBACK_CONFIDENCE", orFloatPtr(file.Fallback.Confidence, 0.55)),
		FallbackTimeout:    getEnvAsSecondsOrDefault("FALLBACK_TIMEOUT", orFloat(file.Fallback.Timeout, 120)),
		TesseractLanguages: splitLanguages(getEnvOrDefault("TESSERACT_LANGUAGES", orString(file.Fallback.Languages, "eng+spa"))),
		TessdataPrefix:     getEnvOrDefault("TESSDATA_PREFIX", file.Fallback.TessdataPrefix),

		PDFDPI:              getEnvAsIntOrDefault("PDF_DPI", orInt(file.Pipeline.PDFDPI, 300)),
		PDFMaxPages:         getEnvAsIntOrDefault("PDF_MAX_PAGES", file.Pipeline.PDFMaxPages),
		PdftoppmPath:        getEnvOrDefault("PDFTOPPM_PATH", orString(file.Pipeline.PdftoppmPath, "pdftoppm")),
		PreprocessBlockSize: getEnvAsIntOrDefault("PREPROCESS_BLOCK_SIZE", orInt(file.Pipeline.BlockSize, 31)),
		PreprocessBias:      getEnvAsIntOrDefault("PREPROCESS_BIAS", orInt(file.Pipeline.Bias, 15)),
		MaxFileSize:         getEnvAsInt64OrDefault("MAX_FILE_SIZE", orInt64(file.Pipeline.MaxFileSize, 25<<20)), // 25MB

		DebugSave: getEnvAsBoolOrDefault("DEBUG_SAVE", file.Pipeline.DebugSave),
		DebugDir:  getEnvOrDefault("DEBUG_DIR", orString(file.Pipeline.DebugDir, "/tmp/ocr-debug")),

		HTTPAddr:        getEnvOrDefault("HTTP_ADDR", orString(file.Server.Addr, ":8080")),
		CORSAllowOrigin: getEnvOrDefault("CORS_ALLOW_ORIGIN", orString(file.Server.CORSAllowOrigin, "*")),

		RedisURL:          getEnvOrDefault("REDIS_URL", file.Queue.RedisURL),
		QueueName:         getEnvOrDefault("OCR_QUEUE_NAME", orString(file.Queue.Name, "ocr")),
		WorkerConcurrency: getEnvAsIntOrDefault("WORKER_CONCURRENCY", orInt(file.Queue.Concurrency, 4)),
		ProcessingTimeout: getEnvAsIntOrDefault("PROCESSING_TIMEOUT", orInt(file.Queue.ProcessingTimeout, 300000)), // 5 minutes
		ResultCacheTTL:    getEnvAsSecondsOrDefault("RESULT_CACHE_TTL", file.Storage.ResultCacheTTL),
		DatabaseURL:       getEnvOrDefault("DATABASE_URL", file.Storage.DatabaseURL),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", orString(file.Logging.Level, "info")),
		LogFormat: getEnvOrDefault("LOG_FORMAT", orString(file.Logging.Format, "json")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("CONFIDENCE_THRESHOLD must be between 0 and 1, got %v", c.ConfidenceThreshold)
	}

	if c.FallbackConfidence < 0 || c.FallbackConfidence > 1 {
		return fmt.Errorf("FALLBACK_CONFIDENCE must be between 0 and 1, got %v", c.FallbackConfidence)
	}

	if c.PollAttempts < 1 {
		return fmt.Errorf("AZURE_DI_POLL_ATTEMPTS must be at least 1, got %d", c.PollAttempts)
	}

	if c.PollBackoff < 1 {
		return fmt.Errorf("AZURE_DI_POLL_BACKOFF must be >= 1, got %v", c.PollBackoff)
	}

	if c.InitialPollWait > c.MaxPollWait {
		return fmt.Errorf("AZURE_DI_INITIAL_POLL_WAIT (%v) exceeds AZURE_DI_MAX_POLL_WAIT (%v)", c.InitialPollWait, c.MaxPollWait)
	}

	if c.RetryAttempts < 1 || c.RetryAttempts > 10 {
		return fmt.Errorf("AZURE_DI_RETRY_ATTEMPTS must be between 1 and 10, got %d", c.RetryAttempts)
	}

	if c.PDFDPI < 72 || c.PDFDPI > 1200 {
		return fmt.Errorf("PDF_DPI must be between 72 and 1200, got %d", c.PDFDPI)
	}

	if c.PreprocessBlockSize < 3 || c.PreprocessBlockSize%2 == 0 {
		return fmt.Errorf("PREPROCESS_BLOCK_SIZE must be an odd number >= 3, got %d", c.PreprocessBlockSize)
	}

	if len(c.TesseractLanguages) == 0 {
		return fmt.Errorf("TESSERACT_LANGUAGES is required")
	}

	if c.MaxFileSize < 1024 || c.MaxFileSize > 1<<30 { // 1KB to 1GB
		return fmt.Errorf("MAX_FILE_SIZE must be between 1KB and 1GB, got %d", c.MaxFileSize)
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	return nil
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAnyOrDefault returns the first set variable among keys
func getEnvAnyOrDefault(keys []string, defaultValue string) string {
	for _, key := range keys {
		if value := os.Getenv(key); value != "" {
			return value
		}
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// "15.0" style values show up in env files written by other services
		f, ferr := strconv.ParseFloat(valueStr, 64)
		if ferr != nil {
			return defaultValue
		}
		return int(f)
	}

	return value
}

// getEnvAsInt64OrDefault gets environment variable as int64 or returns default
func getEnvAsInt64OrDefault(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsFloatOrDefault gets environment variable as float64 or returns default
func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsSecondsOrDefault reads a (possibly fractional) number of seconds
func getEnvAsSecondsOrDefault(key string, defaultSeconds float64) time.Duration {
	return time.Duration(getEnvAsFloatOrDefault(key, defaultSeconds) * float64(time.Second))
}

// getEnvAsBoolOrDefault accepts 1/0, true/false, yes/no, on/off
func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return defaultValue
	}
}

func splitLanguages(value string) []string {
	return strings.FieldsFunc(value, func(r rune) bool { return r == '+' || r == ',' || r == ' ' })
}

func orString(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func orInt(value, fallback int) int {
	if value != 0 {
		return value
	}
	return fallback
}

func orInt64(value, fallback int64) int64 {
	if value != 0 {
		return value
	}
	return fallback
}

func orFloat(value, fallback float64) float64 {
	if value != 0 {
		return value
	}
	return fallback
}

// orFloatPtr keeps an explicit zero from the file
func orFloatPtr(value *float64, fallback float64) float64 {
	if value != nil {
		return *value
	}
	return fallback
}
