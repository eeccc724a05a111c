package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	httptransport "github.com/spec-kit/referral-service/internal/api/http"
	"github.com/spec-kit/referral-service/internal/app"
	"github.com/spec-kit/referral-service/internal/config"
	"github.com/spec-kit/referral-service/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.App, cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	container, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build application", zap.Error(err))
	}
	defer container.Close()
	container.StartWorkers(ctx)

	server := httptransport.NewServer(container)

	go func() {
		if err := server.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()
	logger.Info("listening", zap.String("addr", cfg.App.Addr()), zap.String("storage", cfg.Storage.Driver), zap.String("cache", cfg.Cache.Backend))

	waitForShutdown(logger)

	if err := server.Shutdown(); err != nil {
		logger.Warn("fiber shutdown", zap.Error(err))
	}
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
