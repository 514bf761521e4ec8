package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"StockLedger/internal/metrics"

	goredis "github.com/go-redis/redis/v8"
)

// RedisConfig configures the Redis connection and list key.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Queue    string
}

// NewRedisClient connects and pings the server.
func NewRedisClient(cfg RedisConfig) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	slog.Info("redis connected", "addr", cfg.Addr)
	return client, nil
}

// RedisQueue is a Dispatcher backed by a Redis list: producers LPUSH JSON
// tasks and Consume pops them with BRPOP.
type RedisQueue struct {
	client  *goredis.Client
	key     string
	cfg     Config
	metrics *metrics.Metrics

	// OnResult, when set before Consume, receives every final outcome.
	OnResult func(Result)

	// pollTimeout bounds each BRPOP so cancellation is noticed.
	pollTimeout time.Duration
}

var _ Dispatcher = (*RedisQueue)(nil)

// NewRedisQueue wraps client; key defaults to "stockledger:tasks".
func NewRedisQueue(client *goredis.Client, key string, cfg Config, m *metrics.Metrics) *RedisQueue {
	if key == "" {
		key = "stockledger:tasks"
	}
	return &RedisQueue{
		client:      client,
		key:         key,
		cfg:         cfg.withDefaults(),
		metrics:     m,
		pollTimeout: 2 * time.Second,
	}
}

func (q *RedisQueue) Dispatch(ctx context.Context, t Task) error {
	if t.ID == "" {
		t = NewTask(t.Kind, t.Symbol)
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", q.key, err)
	}
	slog.Debug("task queued", "task_id", t.ID, "kind", t.Kind, "symbol", t.Symbol, "queue", q.key)
	return nil
}

// Len returns the number of queued tasks.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// Consume runs cfg.Workers consumers until ctx is cancelled. A task already
// popped is finished before Consume returns.
func (q *RedisQueue) Consume(ctx context.Context, h Handler) error {
	slog.Info("redis consumer started", "queue", q.key, "workers", q.cfg.Workers)

	var wg sync.WaitGroup
	for i := 0; i < q.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.loop(ctx, h)
		}()
	}
	wg.Wait()

	slog.Info("redis consumer stopped", "queue", q.key)
	return nil
}

func (q *RedisQueue) loop(ctx context.Context, h Handler) {
	for ctx.Err() == nil {
		res, err := q.client.BRPop(ctx, q.pollTimeout, q.key).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("brpop failed", "queue", q.key, "error", err)
			sleep(ctx, time.Second)
			continue
		}
		if n, err := q.Len(ctx); err == nil {
			q.metrics.QueueDepth.Set(float64(n))
		}

		var t Task
		if err := json.Unmarshal([]byte(res[1]), &t); err != nil {
			slog.Error("dropping malformed task", "queue", q.key, "payload", res[1], "error", err)
			continue
		}
		q.handle(ctx, h, t)
	}
}

// handle finishes t even if ctx is cancelled meanwhile; only the retry
// backoff is cut short.
func (q *RedisQueue) handle(ctx context.Context, h Handler, t Task) {
	start := time.Now()
	runCtx := context.WithoutCancel(ctx)
	err := runTask(runCtx, h, t, q.cfg.TaskTimeout)

	if err != nil && IsTemporary(err) && t.Attempt < q.cfg.MaxRetries {
		delay := q.cfg.backoff(t.Attempt)
		slog.Warn("task failed, requeueing",
			"task_id", t.ID, "kind", t.Kind, "symbol", t.Symbol,
			"attempt", t.Attempt+1, "backoff", delay, "error", err)
		q.metrics.TaskRetries.WithLabelValues(string(t.Kind)).Inc()

		sleep(ctx, delay)
		t.Attempt++
		qerr := q.Dispatch(runCtx, t)
		if qerr == nil {
			return
		}
		err = fmt.Errorf("%w (requeue failed: %v)", err, qerr)
	}

	d := time.Since(start)
	report(q.metrics, t, err, d)
	if q.OnResult != nil {
		q.OnResult(Result{Task: t, Err: err, Duration: d})
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
