package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"millwatch/internal/api"
	"millwatch/internal/config"
	"millwatch/internal/engine"
	"millwatch/internal/events"
	"millwatch/internal/ingest"
	"millwatch/internal/logging"
	"millwatch/internal/storage"
)

const version = "0.3.0"

func main() {
	configPath := flag.String("config", "millwatch.yaml", "path to config file")
	flag.Parse()

	bootstrap := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	manager, err := config.NewManager(*configPath)
	if err != nil {
		bootstrap.Error("config load failed", "path", *configPath, "err", err)
		os.Exit(1)
	}
	cfg := manager.Get()
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("millwatch starting",
		"version", version,
		"config", *configPath,
		"equipment", len(cfg.Equipment),
		"tick_interval", cfg.Engine.TickInterval.String(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Error("storage init failed", "err", err)
		os.Exit(1)
	}
	if store != nil {
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := store.Init(initCtx)
		cancel()
		if err != nil {
			logger.Error("storage schema init failed", "err", err)
			os.Exit(1)
		}
		store = storage.NewAsync(store, cfg.Storage.QueueBuffer, logger.With("component", "storage"))
		defer store.Close()
		logger.Info("archival storage enabled", "driver", cfg.Storage.Driver)
	}

	bus := events.NewBus(cfg.Gateway.SubscriberBuffer)
	eng := engine.New(cfg, logger.With("component", "engine"), bus, store)
	eng.Start(ctx)

	readings := make(chan ingest.Submission, cfg.Ingest.ChannelBuffer)
	go ingest.Run(ctx, readings, eng, logger.With("component", "ingest"))
	ingest.StartREST(ctx, manager, readings, logger.With("component", "ingest.rest"))
	ingest.StartKafka(ctx, manager, readings, logger.With("component", "ingest.kafka"))

	api.Start(ctx, manager, eng, bus, logger.With("component", "api"), version)

	go manager.Watch(3*time.Second,
		func(next *config.Config) {
			eng.UpdateConfig(next)
			logger.Info("config reloaded", "equipment", len(next.Equipment))
		},
		func(err error) {
			logger.Warn("config reload failed", "err", err)
		},
		ctx.Done(),
	)

	<-ctx.Done()
	logger.Info("millwatch stopped")
}
