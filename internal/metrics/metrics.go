// Package metrics defines the Prometheus collectors for the ingestion
// pipeline and serves them over HTTP.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the pipeline.
type Metrics struct {
	FetchDuration  *prometheus.HistogramVec // labels: provider, size
	TaskDuration   *prometheus.HistogramVec // labels: kind
	TasksTotal     *prometheus.CounterVec   // labels: kind, outcome
	FailuresTotal  *prometheus.CounterVec   // labels: failure
	TaskRetries    *prometheus.CounterVec   // labels: kind
	BarsWritten    *prometheus.CounterVec   // labels: op=insert|upsert
	IndicatorRows  prometheus.Counter
	SweepDispatch  *prometheus.CounterVec // labels: sweep, result=queued|failed
	ReportsWritten prometheus.Counter
	QueueDepth     prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stockledger_fetch_duration_seconds",
			Help:    "Provider fetch latency including payload decoding",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"provider", "size"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stockledger_task_duration_seconds",
			Help:    "Wall time of one task execution",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"kind"}),
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockledger_tasks_total",
			Help: "Finished tasks by kind and outcome",
		}, []string{"kind", "outcome"}),
		FailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockledger_failures_total",
			Help: "Per-symbol failures by classification",
		}, []string{"failure"}),
		TaskRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockledger_task_retries_total",
			Help: "Retries scheduled after a temporary failure",
		}, []string{"kind"}),
		BarsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockledger_bars_written_total",
			Help: "Daily bars persisted",
		}, []string{"op"}),
		IndicatorRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockledger_indicator_rows_total",
			Help: "Indicator rows written back onto bars",
		}),
		SweepDispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockledger_sweep_dispatch_total",
			Help: "Per-symbol tasks dispatched by sweeps",
		}, []string{"sweep", "result"}),
		ReportsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockledger_reports_written_total",
			Help: "CSV reports written",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stockledger_queue_depth",
			Help: "Tasks waiting in the in-process queue",
		}),
	}

	reg.MustRegister(
		m.FetchDuration,
		m.TaskDuration,
		m.TasksTotal,
		m.FailuresTotal,
		m.TaskRetries,
		m.BarsWritten,
		m.IndicatorRows,
		m.SweepDispatch,
		m.ReportsWritten,
		m.QueueDepth,
	)
	return m
}

// Server exposes /metrics on its own listener.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a metrics server backed by gatherer.
func NewServer(addr string, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		slog.Info("metrics server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "error", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
