// Package app wires configuration into the store, fetcher, dispatcher and
// controller shared by the ledger and worker processes.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"StockLedger/internal/collector"
	"StockLedger/internal/config"
	"StockLedger/internal/dispatch"
	"StockLedger/internal/ingest"
	"StockLedger/internal/metrics"
	"StockLedger/internal/notifier"
	"StockLedger/internal/recorder"
	"StockLedger/internal/report"
	"StockLedger/internal/store"
	"StockLedger/internal/store/postgres"
	"StockLedger/internal/store/sqlite"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App holds the long-lived components of one process.
type App struct {
	Config     *config.Config
	Registry   *prometheus.Registry
	Metrics    *metrics.Metrics
	Store      store.Store
	Fetcher    collector.Fetcher
	Exporter   *report.Exporter
	Controller *ingest.Controller
	Notifier   *notifier.TelegramNotifier
	Recorder   recorder.Recorder

	// Exactly one of Pool and Queue is set, following dispatch.mode.
	Pool  *dispatch.Pool
	Queue *dispatch.RedisQueue

	redis io.Closer
}

// New builds every component from cfg. Close releases what it opened.
func New(cfg *config.Config) (*App, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a := &App{Config: cfg, Registry: reg, Metrics: metrics.New(reg)}

	st, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}
	a.Store = st

	a.Fetcher, err = collector.New(collector.Options{
		Provider: cfg.DataSource.Provider,
		BaseURL:  cfg.DataSource.BaseURL,
		APIKey:   cfg.DataSource.APIKey,
		Proxy:    cfg.DataSource.Proxy,
		Timeout:  cfg.DataSource.Timeout,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("init fetcher: %w", err)
	}
	slog.Info("data source ready", "provider", a.Fetcher.Name())

	a.Recorder = openRecorder(cfg.TaskHistory.SQLitePath)

	var d dispatch.Dispatcher
	dcfg := dispatch.Config{
		Workers:     cfg.Dispatch.Workers,
		QueueSize:   cfg.Dispatch.QueueSize,
		MaxRetries:  cfg.Dispatch.MaxRetries,
		BaseBackoff: cfg.Dispatch.BaseBackoff,
		TaskTimeout: cfg.Dispatch.TaskTimeout,
	}
	switch cfg.Dispatch.Mode {
	case "redis":
		client, err := dispatch.NewRedisClient(dispatch.RedisConfig{
			Addr:     cfg.Dispatch.Redis.Addr,
			Password: cfg.Dispatch.Redis.Password,
			DB:       cfg.Dispatch.Redis.DB,
			Queue:    cfg.Dispatch.Redis.Queue,
		})
		if err != nil {
			a.Recorder.Close()
			st.Close()
			return nil, fmt.Errorf("init redis: %w", err)
		}
		a.redis = client
		a.Queue = dispatch.NewRedisQueue(client, cfg.Dispatch.Redis.Queue, dcfg, a.Metrics)
		a.Queue.OnResult = a.RecordResult
		d = a.Queue
	default:
		a.Pool = dispatch.NewPool(dcfg, a.Metrics)
		a.Pool.OnResult = a.RecordResult
		d = a.Pool
	}

	a.Exporter = report.NewExporter(st, cfg.Report.RootPath, cfg.Report.History)
	a.Controller = ingest.NewController(st, a.Fetcher, d, a.Exporter, a.Metrics, ingest.Options{
		WindowSize:         cfg.Indicators.WindowSize,
		LookbackMultiplier: cfg.Indicators.LookbackMultiplier,
		StaleAfter:         cfg.Sweep.StaleAfter,
		BatchSize:          cfg.Sweep.BatchSize,
	})

	if cfg.TelegramEnabled() {
		a.Notifier = notifier.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.DataSource.Proxy)
		a.Controller.SetAlerter(a.Notifier)
	} else {
		slog.Warn("telegram not configured, operator alerts disabled")
	}
	return a, nil
}

// OpenStore opens the database selected by database.driver.
func OpenStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		pg := cfg.Database.Postgres
		st, err := postgres.Open(pg.DSN(), postgres.Options{
			MaxOpenConns:    pg.MaxOpenConns,
			ConnMaxIdleTime: pg.ConnMaxIdle,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		slog.Info("database ready", "driver", "postgres", "host", pg.Host, "name", pg.Name)
		return st, nil
	default:
		if path := cfg.Database.SQLitePath; path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		st, err := sqlite.Open(cfg.Database.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		slog.Info("database ready", "driver", "sqlite", "path", cfg.Database.SQLitePath)
		return st, nil
	}
}

func openRecorder(path string) recorder.Recorder {
	if path == "" {
		return recorder.NewNoopRecorder()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		slog.Warn("task history disabled", "error", err)
		return recorder.NewNoopRecorder()
	}
	rec, err := recorder.NewSQLiteRecorder(path)
	if err != nil {
		slog.Warn("init sqlite recorder failed, using noop", "error", err)
		return recorder.NewNoopRecorder()
	}
	return rec
}

// RecordResult stores a finished task in the task history. It is the
// OnResult hook of the pool and the Redis consumer.
func (a *App) RecordResult(r dispatch.Result) {
	run := &recorder.TaskRun{
		TaskID:     r.Task.ID,
		Kind:       string(r.Task.Kind),
		Symbol:     r.Task.Symbol,
		Attempt:    r.Task.Attempt,
		Outcome:    "ok",
		Duration:   r.Duration,
		FinishedAt: time.Now().UTC(),
	}
	if r.Err != nil {
		run.Outcome = "failed"
		run.Failure = string(ingest.Classify(r.Err))
		run.Error = r.Err.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Recorder.RecordTask(ctx, run); err != nil {
		slog.Error("record task", "task_id", run.TaskID, "error", err)
	}
}

// Close stops the in-process pool, then closes the Redis client, the task
// history and the store.
func (a *App) Close() error {
	if a.Pool != nil {
		a.Pool.Stop()
	}
	if err := a.Recorder.Close(); err != nil {
		slog.Warn("close recorder", "error", err)
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			slog.Warn("close redis", "error", err)
		}
	}
	return a.Store.Close()
}
