package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/atinar/pulsar/internal/config"
	"github.com/atinar/pulsar/internal/probe"
	"github.com/atinar/pulsar/internal/scheduler"
	"github.com/atinar/pulsar/internal/server"
	"github.com/atinar/pulsar/internal/storage"
	"github.com/atinar/pulsar/internal/storage/postgres"
	"github.com/atinar/pulsar/internal/storage/sqlite"
)

func main() {
	configPath := flag.String("config", "pulsar.yaml", "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger := buildLogger(*debug)
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open store",
			zap.String("driver", cfg.Database.Driver), zap.Error(err))
	}
	defer store.Close()

	prober := probe.New(cfg.Scheduler.ProbeTimeout.Std(), logger)
	sched := scheduler.New(store, store, prober,
		cfg.Scheduler.Workers, cfg.Scheduler.Granularity.Std(), logger)
	if err := sched.Start(ctx); err != nil {
		logger.Fatal("failed to start scheduler", zap.Error(err))
	}

	go retentionLoop(ctx, store, cfg.RetentionDays, logger)

	h := server.New(store, sched, cfg.APISecret, logger)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", zap.Error(err))
	}
	sched.Stop()
}

func buildLogger(debug bool) *zap.Logger {
	if debug {
		return zap.Must(zap.NewDevelopment())
	}
	return zap.Must(zap.NewProduction())
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return postgres.New(ctx, cfg.Database.DSN, logger)
	default:
		return sqlite.New(cfg.Database.DSN, logger)
	}
}
