// Package sqlite implements store.Store on a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"StockLedger/internal/model"
	"StockLedger/internal/store"

	_ "modernc.org/sqlite"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// Store persists symbols and bars to a SQLite database.
//
// The pool is capped at one connection, so transactions are serialized and
// a symbol read inside InTx cannot change until the transaction ends.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) the SQLite database and runs migrations.
// ":memory:" gives a private in-memory database.
//
// Transactions begin IMMEDIATE so a second process writing the same file
// waits on busy_timeout at BEGIN instead of failing mid-transaction.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("sqlite store opened", "path", dbPath)
	return s, nil
}

func dsn(dbPath string) string {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + "_txlock=immediate"
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS symbols (
			symbol            TEXT PRIMARY KEY,
			added_at          INTEGER NOT NULL,
			initial_import_at INTEGER,
			last_update_at    INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_symbols_last_update ON symbols(last_update_at)`,

		`CREATE TABLE IF NOT EXISTS symbol_data (
			symbol TEXT NOT NULL REFERENCES symbols(symbol),
			date   TEXT NOT NULL,
			open   TEXT NOT NULL,
			high   TEXT NOT NULL,
			low    TEXT NOT NULL,
			close  TEXT NOT NULL,
			sma    REAL,
			rsi    REAL,
			PRIMARY KEY (symbol, date)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}

// DB returns the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) GetSymbol(ctx context.Context, symbol string) (*model.Symbol, error) {
	return getSymbol(ctx, s.db, symbol)
}

func (s *Store) GetBars(ctx context.Context, symbol string, from time.Time, lookbackDays int) ([]model.DailyBar, error) {
	return getBars(ctx, s.db, symbol, from, lookbackDays)
}

func (s *Store) ListSymbols(ctx context.Context) ([]model.Symbol, error) {
	return querySymbols(ctx, s.db, `SELECT symbol, added_at, initial_import_at, last_update_at
		FROM symbols ORDER BY symbol`)
}

func (s *Store) ListSymbolsDueForUpdate(ctx context.Context, staleBefore time.Time, limit int) ([]model.Symbol, error) {
	if limit <= 0 {
		limit = -1
	}
	return querySymbols(ctx, s.db, `SELECT symbol, added_at, initial_import_at, last_update_at
		FROM symbols
		WHERE initial_import_at IS NOT NULL
		  AND (last_update_at IS NULL OR last_update_at < ?)
		ORDER BY last_update_at ASC NULLS FIRST, symbol
		LIMIT ?`, staleBefore.Unix(), limit)
}

func (s *Store) AddSymbol(ctx context.Context, symbol string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO symbols (symbol, added_at) VALUES (?, ?) ON CONFLICT(symbol) DO NOTHING`,
		symbol, at.Unix())
	if err != nil {
		return false, fmt.Errorf("insert symbol %s: %w", symbol, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) GetBarsWithIndicators(ctx context.Context, symbol string, from time.Time) ([]model.DailyBar, error) {
	return queryBars(ctx, s.db, `SELECT symbol, date, open, high, low, close, sma, rsi
		FROM symbol_data
		WHERE symbol = ? AND date >= ?
		ORDER BY date`, symbol, model.Day(from).Format(model.DateLayout))
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&tx{q: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			slog.Warn("sqlite rollback failed", "error", rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	slog.Info("closing sqlite store")
	return s.db.Close()
}
