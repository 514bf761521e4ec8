package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteRecorder persists task history to its own SQLite database.
type SQLiteRecorder struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteRecorder opens (or creates) the SQLite database and runs migrations.
func NewSQLiteRecorder(dbPath string) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	// WAL so dashboards can read while workers write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	r := &SQLiteRecorder{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("sqlite recorder opened", "path", dbPath)
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task_runs (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id     TEXT NOT NULL,
			kind        TEXT NOT NULL,
			symbol      TEXT NOT NULL DEFAULT '',
			attempt     INTEGER NOT NULL DEFAULT 0,
			outcome     TEXT NOT NULL,
			failure     TEXT NOT NULL DEFAULT '',
			error       TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL,
			finished_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_finished ON task_runs(finished_at)`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_symbol ON task_runs(symbol, finished_at)`,
	}

	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

func (r *SQLiteRecorder) RecordTask(ctx context.Context, run *TaskRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `INSERT INTO task_runs
		(task_id, kind, symbol, attempt, outcome, failure, error, duration_ms, finished_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		run.TaskID, run.Kind, run.Symbol, run.Attempt, run.Outcome,
		run.Failure, run.Error, run.Duration.Milliseconds(), run.FinishedAt.UnixMilli(),
	)
	return err
}

func (r *SQLiteRecorder) Recent(ctx context.Context, symbol string, limit int) ([]TaskRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `SELECT task_id, kind, symbol, attempt, outcome, failure, error, duration_ms, finished_at
		FROM task_runs
		WHERE ? = '' OR symbol = ?
		ORDER BY finished_at DESC, id DESC
		LIMIT ?`, symbol, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("query task runs: %w", err)
	}
	defer rows.Close()

	runs := []TaskRun{}
	for rows.Next() {
		var (
			run        TaskRun
			durationMS int64
			finishedMS int64
		)
		if err := rows.Scan(&run.TaskID, &run.Kind, &run.Symbol, &run.Attempt, &run.Outcome,
			&run.Failure, &run.Error, &durationMS, &finishedMS); err != nil {
			return nil, fmt.Errorf("scan task run: %w", err)
		}
		run.Duration = time.Duration(durationMS) * time.Millisecond
		run.FinishedAt = time.UnixMilli(finishedMS).UTC()
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (r *SQLiteRecorder) Close() error {
	slog.Info("closing sqlite recorder")
	return r.db.Close()
}
