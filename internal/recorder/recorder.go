// Package recorder keeps a history of finished dispatch tasks for
// operators and dashboards.
package recorder

import (
	"context"
	"time"
)

// TaskRun is the final outcome of one dispatched task.
type TaskRun struct {
	TaskID     string        `json:"task_id"`
	Kind       string        `json:"kind"`
	Symbol     string        `json:"symbol"`
	Attempt    int           `json:"attempt"`
	Outcome    string        `json:"outcome"` // "ok" or "failed"
	Failure    string        `json:"failure,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Recorder persists task history.
type Recorder interface {
	RecordTask(ctx context.Context, run *TaskRun) error
	// Recent returns up to limit runs, newest first. An empty symbol
	// matches every symbol.
	Recent(ctx context.Context, symbol string, limit int) ([]TaskRun, error)
	Close() error
}
