package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// fileConfig mirrors the optional TOML config file. Zero values mean "not set".
type fileConfig struct {
	Azure struct {
		Endpoint        string  `toml:"endpoint"`
		APIKey          string  `toml:"api_key"`
		APIVersion      string  `toml:"api_version"`
		Model           string  `toml:"model"`
		PollAttempts    int     `toml:"poll_attempts"`
		InitialPollWait float64 `toml:"initial_poll_wait"`
		MaxPollWait     float64 `toml:"max_poll_wait"`
		PollBackoff     float64 `toml:"poll_backoff"`
		RetryAttempts   int     `toml:"retry_attempts"`
		RetryBase       float64 `toml:"retry_base"`
		RetryMax        float64 `toml:"retry_max"`
		BreakerFailures int     `toml:"breaker_failures"`
		BreakerReset    float64 `toml:"breaker_reset"`
		HTTPTimeout     float64 `toml:"http_timeout"`
	} `toml:"azure"`

	Pipeline struct {
		OfflineMode         bool     `toml:"offline_mode"`
		ConfidenceThreshold *float64 `toml:"confidence_threshold"`
		PDFDPI              int      `toml:"pdf_dpi"`
		PDFMaxPages         int      `toml:"pdf_max_pages"`
		PdftoppmPath        string   `toml:"pdftoppm_path"`
		BlockSize           int      `toml:"block_size"`
		Bias                int      `toml:"bias"`
		MaxFileSize         int64    `toml:"max_file_size"`
		DebugSave           bool     `toml:"debug_save"`
		DebugDir            string   `toml:"debug_dir"`
	} `toml:"pipeline"`

	Fallback struct {
		Confidence     *float64 `toml:"confidence"`
		Timeout        float64  `toml:"timeout"`
		Languages      string   `toml:"languages"`
		TessdataPrefix string   `toml:"tessdata_prefix"`
	} `toml:"fallback"`

	Server struct {
		Addr            string `toml:"addr"`
		CORSAllowOrigin string `toml:"cors_allow_origin"`
	} `toml:"server"`

	Queue struct {
		RedisURL          string `toml:"redis_url"`
		Name              string `toml:"name"`
		Concurrency       int    `toml:"concurrency"`
		ProcessingTimeout int    `toml:"processing_timeout_ms"`
	} `toml:"queue"`

	Storage struct {
		DatabaseURL    string  `toml:"database_url"`
		ResultCacheTTL float64 `toml:"result_cache_ttl"`
	} `toml:"storage"`

	Logging struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"logging"`
}

// loadFileConfig reads path when set; an empty path yields an empty config
func loadFileConfig(path string) (*fileConfig, error) {
	cfg := &fileConfig{}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}
