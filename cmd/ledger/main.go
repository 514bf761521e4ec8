package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"StockLedger/internal/api"
	"StockLedger/internal/app"
	"StockLedger/internal/config"
	"StockLedger/internal/logger"
	"StockLedger/internal/metrics"
	"StockLedger/internal/scheduler"

	"github.com/gin-gonic/gin"
)

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger.Init("stockledger", logger.ParseLevel(cfg.Log.Level))
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation", "error", err)
		os.Exit(1)
	}
	slog.Info("StockLedger starting", "dispatch", cfg.Dispatch.Mode, "database", cfg.Database.Driver)

	a, err := app.New(cfg)
	if err != nil {
		slog.Error("init", "error", err)
		os.Exit(1)
	}

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if a.Pool != nil {
		a.Pool.Start(ctx, a.Controller.Handle)
	}

	sched := scheduler.NewScheduler(ctx, a.Controller, a.Notifier)
	if err := sched.RegisterAll(cfg.Schedule.UpdateCron, cfg.Schedule.ReportCron); err != nil {
		slog.Error("register cron tasks", "error", err)
		os.Exit(1)
	}
	sched.Start()

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	apiSrv := api.NewServer(cfg.HTTP.Addr, api.NewRouter(api.NewHandler(a.Controller, a.Store, a.Recorder)))
	apiSrv.Start()

	metricsSrv := metrics.NewServer(cfg.HTTP.MetricsAddr, a.Registry)
	metricsSrv.Start()

	if a.Notifier != nil {
		go a.Notifier.StartPolling(ctx, sched.HandleCommand)
		slog.Info("telegram polling started")
	}

	// Optional: run a sweep immediately on start
	if os.Getenv("RUN_ON_START") == "true" {
		slog.Info("RUN_ON_START enabled, running update sweep now")
		go func() {
			if _, err := sched.RunUpdateSweep(); err != nil {
				slog.Error("startup sweep", "error", err)
			}
		}()
	}

	slog.Info("StockLedger is running")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()

	sched.Stop()
	if err := apiSrv.Stop(shutdownCtx); err != nil {
		slog.Warn("api shutdown", "error", err)
	}
	// Queued tasks drain under the live ctx; cancel only once the pool is empty.
	if err := a.Close(); err != nil {
		slog.Warn("close", "error", err)
	}
	cancel()
	if err := metricsSrv.Stop(shutdownCtx); err != nil {
		slog.Warn("metrics shutdown", "error", err)
	}
	slog.Info("StockLedger stopped")
}
