package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"StockLedger/internal/metrics"
)

// Pool runs tasks on a fixed set of goroutines fed by a buffered channel.
// A failing task never affects its siblings.
type Pool struct {
	cfg     Config
	metrics *metrics.Metrics
	tasks   chan Task

	// OnResult, when set before Start, receives every final outcome.
	OnResult func(Result)

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

var _ Dispatcher = (*Pool)(nil)

// NewPool creates a pool; call Start to begin processing.
func NewPool(cfg Config, m *metrics.Metrics) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		cfg:     cfg,
		metrics: m,
		tasks:   make(chan Task, cfg.QueueSize),
	}
}

// Start launches the workers. ctx cancellation aborts running tasks and
// pending retries, so call Stop before cancelling ctx to drain the queue.
func (p *Pool) Start(ctx context.Context, h Handler) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for t := range p.tasks {
				p.metrics.QueueDepth.Set(float64(len(p.tasks)))
				p.run(ctx, h, t)
			}
		}()
	}
	slog.Info("worker pool started", "workers", p.cfg.Workers, "queue_size", p.cfg.QueueSize)
}

// Dispatch queues t, blocking while the queue is full until ctx is done.
func (p *Pool) Dispatch(ctx context.Context, t Task) error {
	if t.ID == "" {
		t = NewTask(t.Kind, t.Symbol)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case p.tasks <- t:
		p.metrics.QueueDepth.Set(float64(len(p.tasks)))
		slog.Debug("task queued", "task_id", t.ID, "kind", t.Kind, "symbol", t.Symbol)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses new tasks, drains the queue and waits for the workers.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
	slog.Info("worker pool stopped")
}

func (p *Pool) run(ctx context.Context, h Handler, t Task) {
	start := time.Now()
	var err error
retry:
	for {
		err = runTask(ctx, h, t, p.cfg.TaskTimeout)
		if err == nil || !IsTemporary(err) || t.Attempt >= p.cfg.MaxRetries || ctx.Err() != nil {
			break
		}

		delay := p.cfg.backoff(t.Attempt)
		slog.Warn("task failed, retrying",
			"task_id", t.ID, "kind", t.Kind, "symbol", t.Symbol,
			"attempt", t.Attempt+1, "backoff", delay, "error", err)
		p.metrics.TaskRetries.WithLabelValues(string(t.Kind)).Inc()

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			break retry
		}
		t.Attempt++
	}
	p.finish(t, err, time.Since(start))
}

func (p *Pool) finish(t Task, err error, d time.Duration) {
	report(p.metrics, t, err, d)
	if p.OnResult != nil {
		p.OnResult(Result{Task: t, Err: err, Duration: d})
	}
}

func report(m *metrics.Metrics, t Task, err error, d time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "failed"
		slog.Error("task failed",
			"task_id", t.ID, "kind", t.Kind, "symbol", t.Symbol,
			"attempt", t.Attempt, "duration", d, "error", err)
	} else {
		slog.Info("task done", "task_id", t.ID, "kind", t.Kind, "symbol", t.Symbol, "duration", d)
	}
	m.TasksTotal.WithLabelValues(string(t.Kind), outcome).Inc()
	m.TaskDuration.WithLabelValues(string(t.Kind)).Observe(d.Seconds())
}
