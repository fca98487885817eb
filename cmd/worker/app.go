package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/ocr-worker/internal/clients"
	"github.com/adverant/nexus/ocr-worker/internal/config"
	"github.com/adverant/nexus/ocr-worker/internal/logging"
	"github.com/adverant/nexus/ocr-worker/internal/processor"
	"github.com/adverant/nexus/ocr-worker/internal/server"
	"github.com/adverant/nexus/ocr-worker/internal/storage"
)

// app holds the wired components shared by every subcommand
type app struct {
	cfg        *config.Config
	primary    *clients.DocIntelClient
	rasterizer *processor.PopplerRasterizer
	pipeline   *processor.Pipeline
	processor  *processor.DocumentProcessor

	// Optional backends
	redis    *redis.Client
	postgres *storage.PostgresClient
	jobs     *storage.JobStore
	cache    *storage.ResultCache

	logger *logging.Logger
}

// buildApp wires the pipeline. With connectBackends, Redis and PostgreSQL are
// connected when configured; strict turns connection failures into errors.
func buildApp(cfg *config.Config, connectBackends, strict bool) (*app, error) {
	a := &app{cfg: cfg, logger: logging.NewLogger("worker")}

	if connectBackends {
		if err := a.connectBackends(strict); err != nil {
			a.Close()
			return nil, err
		}
	}

	debug := processor.NewDebugWriter(cfg.DebugSave, cfg.DebugDir)
	a.rasterizer = processor.NewPopplerRasterizer(cfg.PdftoppmPath, cfg.PDFMaxPages)
	a.primary = clients.NewDocIntelClient(clients.DocIntelConfigFromConfig(cfg))

	pipeline, err := processor.NewPipeline(&processor.PipelineConfig{
		Normalizer: processor.NewUploadNormalizer(&processor.NormalizerConfig{
			Rasterizer:  a.rasterizer,
			DPI:         cfg.PDFDPI,
			MaxFileSize: cfg.MaxFileSize,
			Debug:       debug,
		}),
		Preprocessor: processor.NewImagePreprocessor(&processor.PreprocessConfig{
			BlockSize: cfg.PreprocessBlockSize,
			Bias:      cfg.PreprocessBias,
			Debug:     debug,
		}),
		Primary: a.primary,
		Fallback: processor.NewTesseractOCR(&processor.TesseractConfig{
			Languages:      cfg.TesseractLanguages,
			TessdataPrefix: cfg.TessdataPrefix,
			Confidence:     &cfg.FallbackConfidence,
			Timeout:        cfg.FallbackTimeout,
		}),
		ConfidenceThreshold: cfg.ConfidenceThreshold,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to build pipeline: %w", err)
	}
	a.pipeline = pipeline

	procCfg := &processor.ProcessorConfig{
		Pipeline:    pipeline,
		MaxFileSize: cfg.MaxFileSize,
	}
	if a.jobs.Enabled() {
		procCfg.Jobs = a.jobs
	}
	if a.cache.Enabled() {
		procCfg.Cache = a.cache
	}

	a.processor, err = processor.NewDocumentProcessor(procCfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to build document processor: %w", err)
	}

	return a, nil
}

func (a *app) connectBackends(strict bool) error {
	cfg := a.cfg

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opt)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = client.Ping(ctx).Err()
		cancel()
		if err != nil {
			client.Close()
			if strict {
				return fmt.Errorf("failed to connect to Redis: %w", err)
			}
			a.logger.Warn("Redis unavailable, continuing without it", "error", err)
		} else {
			a.redis = client
		}
	}

	if cfg.DatabaseURL != "" {
		pg, err := storage.NewPostgresClient(cfg.DatabaseURL)
		if err != nil {
			if strict {
				return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
			}
			a.logger.Warn("PostgreSQL unavailable, continuing without it", "error", err)
		} else {
			a.postgres = pg
		}
	}

	if a.redis != nil || a.postgres != nil {
		a.jobs = storage.NewJobStore(&storage.JobStoreConfig{
			Postgres: a.postgres,
			Redis:    a.redis,
			Prefix:   cfg.QueueName,
		})
	}
	if a.redis != nil {
		a.cache = storage.NewResultCache(a.redis, cfg.QueueName, cfg.ResultCacheTTL)
	}
	return nil
}

// healthChecker reports on the tools and backends this app was built with
func (a *app) healthChecker() *server.HealthChecker {
	checker := &server.HealthChecker{
		TesseractVersion: processor.TesseractVersion,
		Rasterizer:       a.rasterizer,
		Primary:          a.primary,
		Offline:          a.cfg.OfflineMode,
	}
	if a.jobs.Enabled() {
		checker.Backends = append(checker.Backends, a.jobs)
	}
	return checker
}

// Close releases backend connections
func (a *app) Close() {
	if a.jobs != nil {
		if err := a.jobs.Close(); err != nil {
			a.logger.Warn("Error closing job store", "error", err)
		}
	} else if a.postgres != nil {
		a.postgres.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Error closing Redis", "error", err)
		}
	}
}
