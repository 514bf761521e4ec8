// Package dispatch runs per-symbol tasks fire-and-forget, either on an
// in-process worker pool or through a Redis list consumed by worker processes.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"StockLedger/internal/logger"

	"github.com/google/uuid"
)

// Kind names the operation a task runs.
type Kind string

const (
	KindInitialImport  Kind = "initial_import"
	KindUpdateSymbol   Kind = "update_symbol"
	KindUpdateSweep    Kind = "update_sweep"
	KindGenerateReport Kind = "generate_report"
	KindReportSweep    Kind = "report_sweep"
)

// Task is one unit of dispatched work.
type Task struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Symbol     string    `json:"symbol,omitempty"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewTask creates a task with a fresh ID.
func NewTask(kind Kind, symbol string) Task {
	return Task{
		ID:         uuid.NewString(),
		Kind:       kind,
		Symbol:     symbol,
		EnqueuedAt: time.Now().UTC(),
	}
}

func (t Task) String() string {
	if t.Symbol == "" {
		return fmt.Sprintf("%s[%s]", t.Kind, t.ID)
	}
	return fmt.Sprintf("%s(%s)[%s]", t.Kind, t.Symbol, t.ID)
}

// Dispatcher accepts tasks for asynchronous execution.
type Dispatcher interface {
	Dispatch(ctx context.Context, t Task) error
}

// Handler executes one task.
type Handler func(ctx context.Context, t Task) error

// Result is the final outcome of a task after retries.
type Result struct {
	Task     Task
	Err      error
	Duration time.Duration
}

// Config tunes task execution for both the pool and the Redis consumer.
type Config struct {
	Workers     int
	QueueSize   int
	MaxRetries  int
	BaseBackoff time.Duration
	TaskTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 2 * time.Second
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 2 * time.Minute
	}
	return c
}

// backoff returns the delay before retry number attempt (0-based).
func (c Config) backoff(attempt int) time.Duration {
	return c.BaseBackoff * time.Duration(1<<attempt)
}

// ErrClosed is returned when dispatching to a stopped dispatcher.
var ErrClosed = errors.New("dispatch: closed")

// IsTemporary reports whether err, or anything it wraps, says it is
// temporary.
func IsTemporary(err error) bool {
	var te interface{ Temporary() bool }
	return errors.As(err, &te) && te.Temporary()
}

// runTask executes h under the task timeout and turns a panic into an error.
func runTask(ctx context.Context, h Handler, t Task, timeout time.Duration) (err error) {
	ctx, cancel := context.WithTimeout(logger.WithTaskID(ctx, t.ID), timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("task panicked", "task_id", t.ID, "kind", t.Kind, "symbol", t.Symbol,
				"panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("task %s panicked: %v", t, r)
		}
	}()
	return h(ctx, t)
}
