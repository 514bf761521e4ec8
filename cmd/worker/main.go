package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"StockLedger/internal/app"
	"StockLedger/internal/config"
	"StockLedger/internal/logger"
	"StockLedger/internal/metrics"
)

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger.Init("stockledger-worker", logger.ParseLevel(cfg.Log.Level))
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation", "error", err)
		os.Exit(1)
	}
	if cfg.Dispatch.Mode != "redis" {
		slog.Error("worker requires dispatch.mode=redis", "mode", cfg.Dispatch.Mode)
		os.Exit(1)
	}

	a, err := app.New(cfg)
	if err != nil {
		slog.Error("init", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsSrv := metrics.NewServer(cfg.HTTP.MetricsAddr, a.Registry)
	metricsSrv.Start()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.Queue.Consume(ctx, a.Controller.Handle); err != nil {
			slog.Error("consume", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig.String())
	case <-done:
	}

	cancel()
	<-done

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := metricsSrv.Stop(shutdownCtx); err != nil {
		slog.Warn("metrics shutdown", "error", err)
	}
	if err := a.Close(); err != nil {
		slog.Warn("close", "error", err)
	}
	slog.Info("worker stopped")
}
