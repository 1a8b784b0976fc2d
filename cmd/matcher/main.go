package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"empi/internal/cache"
	"empi/internal/config"
	"empi/internal/database"
	"empi/internal/export"
	"empi/internal/linker"
	"empi/internal/matcher"
	"empi/internal/orchestrator"
	"empi/internal/rabbitmq"
	"empi/internal/server"
)

func main() {
	configPath := "config/dev.config.json"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Error().Err(err).Str("path", configPath).Msg("Failed to load configuration")
		os.Exit(1)
	}

	setupLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := database.New(ctx, cfg.Postgres)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize matching store")
		os.Exit(1)
	}
	defer store.Close()

	// Rabbit and Redis are optional at startup. Without rabbit the
	// scheduler polls; without redis the group views are served uncached.
	var notifier *rabbitmq.JobNotifier
	var rabbit rabbitmq.Client
	if rabbitClient, err := rabbitmq.NewClientFromConfig(cfg.RabbitMQ); err != nil {
		log.Warn().Err(err).Msg("RabbitMQ unavailable, job notifications disabled")
	} else {
		rabbit = rabbitClient
		defer rabbit.Close()
		if notifier, err = rabbitmq.NewJobNotifier(rabbit, cfg.RabbitMQ.ExchangeName); err != nil {
			log.Warn().Err(err).Msg("Failed to set up job notifier")
		}
	}

	var redisCache cache.Cache
	if cfg.Redis.Address != "" {
		if rc, err := cache.NewRedisCache(cfg.Redis); err != nil {
			log.Warn().Err(err).Msg("Redis unavailable, group views served uncached")
		} else {
			redisCache = rc
			defer rc.Close()
		}
	}

	var sink export.Sink
	if cfg.AWS.ExportBucket != "" {
		if sink, err = export.NewS3Sink(cfg.AWS); err != nil {
			log.Warn().Err(err).Msg("Export sink unavailable")
			sink = nil
		}
	}

	m := matcher.New(store, linker.NewFieldAgreementLinker())
	workers := []orchestrator.BatchWorker{orchestrator.NewMatchWorker(m)}
	if sink != nil {
		workers = append(workers, orchestrator.NewExportWorker(export.NewExporter(store, sink)))
	}
	registry := orchestrator.NewWorkerRegistry(workers...)

	pollInterval := time.Duration(cfg.Matching.PollIntervalSeconds) * time.Second
	scheduler := orchestrator.NewScheduler(store, registry, notifier, pollInterval)

	httpServer := server.New(*cfg, store, redisCache, rabbit, notifier, sink, registry)
	go func() {
		log.Info().Int("port", cfg.Port).Msg("Ops server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Ops server failed")
		}
	}()

	schedulerDone := make(chan error, 1)
	go func() {
		schedulerDone <- scheduler.Run(ctx)
	}()

	select {
	case err := <-schedulerDone:
		if err != nil {
			log.Error().Err(err).Msg("Matching service terminated")
		}
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received, draining")
		// A second signal kills the process immediately.
		stop()
		select {
		case <-schedulerDone:
		case <-time.After(30 * time.Second):
			log.Warn().Msg("Drain timed out")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Ops server shutdown failed")
	}

	log.Info().Msg("Matching service exited")
}

func setupLogger(config config.LoggingConfig) {
	// Set global log level
	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Configure logger output
	if config.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	// Add timestamp
	log.Logger = log.With().Timestamp().Logger()
}
