/**
 * OCR Worker - Main Entry Point
 *
 * Hybrid OCR service: Azure Document Intelligence as the primary engine,
 * local Tesseract as the confidence-gated fallback.
 *
 * Subcommands:
 * - serve    HTTP API plus queue consumers (Asynq, and optionally the Redis list protocol)
 * - process  run one file through the pipeline and print the JSON response
 * - health   print tool discovery and backend reachability
 */

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/adverant/nexus/ocr-worker/internal/config"
	"github.com/adverant/nexus/ocr-worker/internal/logging"
	"github.com/adverant/nexus/ocr-worker/internal/processor"
	"github.com/adverant/nexus/ocr-worker/internal/queue"
	"github.com/adverant/nexus/ocr-worker/internal/server"
)

var envFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "worker",
		Short:         "Hybrid OCR worker (Azure Document Intelligence with Tesseract fallback)",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "environment file loaded before configuration")

	root.AddCommand(newServeCmd(), newProcessCmd(), newHealthCmd())
	return root
}

// loadConfig loads the env file (if present), reads configuration and configures logging
func loadConfig(override func(*config.Config)) (*config.Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	if override != nil {
		override(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
	}

	logging.Configure(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

func newServeCmd() *cobra.Command {
	var (
		withWorkers  bool
		listConsumer bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and consume queued OCR jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(nil)
			if err != nil {
				return err
			}
			return runServe(cfg, withWorkers, listConsumer)
		},
	}
	cmd.Flags().BoolVar(&withWorkers, "workers", true, "consume queued jobs when REDIS_URL is set")
	cmd.Flags().BoolVar(&listConsumer, "list-consumer", false, "also consume the Redis list queue (<queue>:list)")
	return cmd
}

func runServe(cfg *config.Config, withWorkers, listConsumer bool) error {
	log := logging.NewLogger("worker")
	log.Info("OCR worker starting",
		"addr", cfg.HTTPAddr,
		"offline", cfg.OfflineMode,
		"threshold", cfg.ConfidenceThreshold,
		"redis", cfg.RedisURL != "",
		"postgres", cfg.DatabaseURL != "")

	a, err := buildApp(cfg, true, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.primary.Configured() {
		log.Warn("Primary OCR provider not configured, every request uses the fallback", "missing", a.primary.MissingFields())
	}

	srvCfg := &server.Config{
		Addr:            cfg.HTTPAddr,
		CORSAllowOrigin: cfg.CORSAllowOrigin,
		MaxFileSize:     cfg.MaxFileSize,
		Processor:       a.processor,
		Health:          a.healthChecker(),
	}
	if a.jobs.Enabled() {
		srvCfg.Jobs = a.jobs
	}

	var (
		consumer *queue.Consumer
		lister   *queue.RedisConsumer
	)
	if a.redis != nil {
		taskClient, err := queue.NewTaskClient(cfg.RedisURL, cfg.QueueName)
		if err != nil {
			return err
		}
		defer taskClient.Close()
		srvCfg.Queue = taskClient

		if withWorkers {
			consumer, err = queue.NewConsumer(&queue.ConsumerConfig{
				RedisURL:          cfg.RedisURL,
				QueueName:         cfg.QueueName,
				Concurrency:       cfg.WorkerConcurrency,
				Processor:         a.processor,
				ProcessingTimeout: int64(cfg.ProcessingTimeout),
			})
			if err != nil {
				return fmt.Errorf("failed to initialize queue consumer: %w", err)
			}
			if err := consumer.Start(context.Background()); err != nil {
				return err
			}
		}

		if withWorkers && listConsumer {
			lister, err = queue.NewRedisConsumer(&queue.RedisConsumerConfig{
				Client:            a.redis,
				QueueName:         cfg.QueueName,
				Concurrency:       cfg.WorkerConcurrency,
				Processor:         a.processor,
				ProcessingTimeout: int64(cfg.ProcessingTimeout),
			})
			if err != nil {
				return fmt.Errorf("failed to initialize list consumer: %w", err)
			}
			if err := lister.Start(); err != nil {
				return err
			}
		}
	}

	srv, err := server.New(srvCfg)
	if err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			log.Error("HTTP server stopped", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("Error shutting down HTTP server", "error", err)
	}
	if consumer != nil {
		if err := consumer.Stop(ctx); err != nil {
			log.Warn("Error stopping queue consumer", "error", err)
		}
	}
	if lister != nil {
		if err := lister.Stop(); err != nil {
			log.Warn("Error stopping list consumer", "error", err)
		}
	}

	if consumer != nil {
		log.Info("Queue consumer statistics", "stats", consumer.GetStatistics())
	}
	if a.jobs.Enabled() {
		log.Info("Job store statistics", "stats", a.jobs.GetStats())
	}
	log.Info("Shutdown complete")
	return nil
}

func newProcessCmd() *cobra.Command {
	var (
		contentType string
		offline     bool
		threshold   float64
	)

	cmd := &cobra.Command{
		Use:   "process FILE",
		Short: "Run one file through the OCR pipeline and print the JSON response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(func(cfg *config.Config) {
				if cmd.Flags().Changed("offline") {
					cfg.OfflineMode = offline
				}
				if cmd.Flags().Changed("threshold") {
					cfg.ConfidenceThreshold = threshold
				}
			})
			if err != nil {
				return err
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}

			a, err := buildApp(cfg, false, false)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.processor.ProcessDocument(cmd.Context(), &processor.ProcessRequest{
				Filename:   args[0],
				MimeType:   contentType,
				FileSize:   int64(len(data)),
				FileBuffer: data,
			})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(result.Response); err != nil {
				return err
			}

			if result.Response.Failed() {
				return fmt.Errorf("OCR failed at %s: %s", result.Response.ErrorStage, result.Response.ErrorMessage)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "", "declared content type (sniffed when empty)")
	cmd.Flags().BoolVar(&offline, "offline", false, "skip the primary provider and use the fallback engine only")
	cmd.Flags().Float64Var(&threshold, "threshold", 0.7, "confidence at or above which the fallback is skipped")
	return cmd
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Print tool discovery and backend reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(nil)
			if err != nil {
				return err
			}

			a, err := buildApp(cfg, true, false)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			report := a.healthChecker().Check(ctx)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if !report.Healthy() {
				return fmt.Errorf("worker is %s", report.Status)
			}
			return nil
		},
	}
}
