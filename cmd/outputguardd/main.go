package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/memoryos/outputguard/internal/config"
	"github.com/memoryos/outputguard/internal/detector"
	"github.com/memoryos/outputguard/internal/engine"
	"github.com/memoryos/outputguard/internal/intercept"
	"github.com/memoryos/outputguard/internal/metrics"
	"github.com/memoryos/outputguard/internal/policy"
	"github.com/memoryos/outputguard/internal/probe"
	"github.com/memoryos/outputguard/internal/server"
	"github.com/memoryos/outputguard/internal/store"
	memstore "github.com/memoryos/outputguard/internal/store/memory"
	sqlitestore "github.com/memoryos/outputguard/internal/store/sqlite"
	"github.com/memoryos/outputguard/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	shutdown, err := telemetry.InitTracer("outputguard", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	cfg, err := config.Load(*configPath, logger)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	st, closeStore, err := newStore(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer closeStore()

	m := metrics.New()

	validator := probe.New(probe.Options{
		BaseURL:       cfg.Probe.BaseURL,
		Timeout:       cfg.Probe.ProbeTimeout(),
		PassThreshold: cfg.Probe.PassThreshold,
		CacheTTL:      cfg.Probe.ProbeCacheTTL(),
		LogCap:        cfg.Probe.AuditLogCap,
		OnResult: func(r probe.Result) {
			m.ObserveProbe(r.ActionType, r.HealthScore)
		},
	}, logger)

	registry := policy.NewRegistry(cfg.Compliance)
	eng := engine.New(detector.MustNew(), registry, st, intercept.StackBypassDetector{}, m, logger)
	interceptor := intercept.New(eng)

	srv := server.New(cfg.Server.Port, logger)
	handlers := server.NewHandlers(eng, interceptor, validator, logger)
	handlers.Register(srv.Router)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	case sig := <-sigChan:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", slog.String("error", err.Error()))
		}
		<-errCh
	}
}

func newStore(cfg *config.Config, logger *slog.Logger) (store.Store, func(), error) {
	switch cfg.Storage.Type {
	case "sqlite":
		s, err := sqlitestore.New(cfg.Storage.SQLite.Path, sqlitestore.Options{
			AuditCap:   cfg.Compliance.AuditLogCap,
			BypassCap:  cfg.Compliance.BypassLogCap,
			PendingCap: cfg.Compliance.PendingActionsCap,
		})
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using sqlite store", slog.String("path", cfg.Storage.SQLite.Path))
		return s, func() { _ = s.Close() }, nil
	default:
		logger.Info("using in-memory store")
		s := memstore.New(memstore.Options{
			AuditCap:   cfg.Compliance.AuditLogCap,
			BypassCap:  cfg.Compliance.BypassLogCap,
			PendingCap: cfg.Compliance.PendingActionsCap,
		})
		return s, func() {}, nil
	}
}
